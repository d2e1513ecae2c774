package upstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/speech-relay/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return req
}

func TestClientSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("AUDIOBYTES"))
	}))
	defer server.Close()

	body, err := upstream.NewClient(5*time.Second).Do(context.Background(), newRequest(t, server.URL))
	require.NoError(t, err)
	assert.Equal(t, []byte("AUDIOBYTES"), body)
}

func TestClientRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := upstream.NewClient(5*time.Second).Do(context.Background(), newRequest(t, server.URL))
	require.Error(t, err)

	var statusErr *upstream.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "service unavailable")
	assert.False(t, errors.Is(err, upstream.ErrUnreachable))
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := upstream.NewClient(time.Second).Do(context.Background(), newRequest(t, url))
	assert.ErrorIs(t, err, upstream.ErrUnreachable)
}

func TestClientTimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := upstream.NewClient(5*time.Second).Do(ctx, newRequest(t, server.URL))
	assert.ErrorIs(t, err, upstream.ErrUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
