package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/eventstore"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeRelaysEndToEnd(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)
	defer server.Shutdown()

	iam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":"tok-1","expiresAt":%q}`, time.Now().Add(12*time.Hour).UTC().Format(time.RFC3339))
	}))
	defer iam.Close()

	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("AUDIOBYTES"))
	}))
	defer tts.Close()

	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Servers = []string{server.ClientURL()}
	cfg.Auth.URL = iam.URL
	cfg.Auth.Secret = "oauth-secret"
	cfg.TTS.URL = tts.URL
	cfg.STT.Enabled = false
	cfg.Audit.RetentionMode = "ephemeral"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	var reply *nats.Msg
	require.Eventually(t, func() bool {
		msg, err := conn.Request(cfg.TTS.Subject, []byte(`{"voice":"alice","text":"hello"}`), 500*time.Millisecond)
		if err != nil {
			return false
		}
		reply = msg
		return true
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, []byte("AUDIOBYTES"), reply.Data)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeFailsWithoutBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Servers = nil
	cfg.Audit.RetentionMode = "ephemeral"

	err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Start(context.Background())
	assert.Error(t, err)
}

func TestReadyzBeforeStart(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler := rt.routes(http.NotFoundHandler(), fakeAudit{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAwaitCredentialTimesOut(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.ReadyTimeout = 10
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	rt.awaitCredential(context.Background(), make(chan struct{}))
	assert.Less(t, time.Since(start), time.Second)

	ready := make(chan struct{})
	close(ready)
	cfg.Auth.ReadyTimeout = int(time.Hour / time.Millisecond)
	rt = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rt.awaitCredential(context.Background(), ready)
}

func TestServeMetrics(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = tel.shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

type fakeAudit struct {
	entries []eventstore.Entry
	err     error
	limit   *int
}

func (f fakeAudit) Recent(_ context.Context, limit int) ([]eventstore.Entry, error) {
	if f.limit != nil {
		*f.limit = limit
	}
	return f.entries, f.err
}

func TestAuditRecentServesStoredOutcomes(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(ctx, config.AuditConfig{
		Path:          filepath.Join(t.TempDir(), "audit.db"),
		RetentionMode: "persistent",
	}, log)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx, eventstore.Entry{
		RequestID: "req-1", Route: "tts", Subject: "tts.yandex", ReplyTo: "replies.42",
		Result: "ok", PayloadBytes: 10, Latency: 120 * time.Millisecond,
	}))

	handler := New(config.Default(), log).routes(http.NotFoundHandler(), store)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/recent?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0]["request_id"])
	assert.Equal(t, "ok", got[0]["result"])
	assert.Equal(t, float64(120), got[0]["latency_ms"])
}

func TestAuditRecentLimit(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen int
	handler := New(config.Default(), log).routes(http.NotFoundHandler(), fakeAudit{limit: &seen})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/recent", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultAuditLimit, seen)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/recent?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxAuditLimit, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/recent?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditRecentStoreError(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := New(config.Default(), log).routes(http.NotFoundHandler(), fakeAudit{err: errors.New("disk gone")})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/recent", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
