package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedFetcher succeeds on odd calls and fails on even calls when
// alternate is set; otherwise it always succeeds.
type scriptedFetcher struct {
	mu        sync.Mutex
	calls     int
	alternate bool
	failFirst bool
}

var errStub = errors.New("auth stub failure")

func (f *scriptedFetcher) Fetch(_ context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	n := f.calls
	if f.failFirst && n == 1 {
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, errStub)
	}
	if f.alternate && n%2 == 0 {
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, errStub)
	}
	return Credential{
		Token:     fmt.Sprintf("tok-%d", n),
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour),
	}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewRefresherValidates(t *testing.T) {
	_, err := NewRefresher(NewStore(), &scriptedFetcher{}, 0, newLogger())
	assert.Error(t, err)

	_, err = NewRefresher(nil, &scriptedFetcher{}, time.Second, newLogger())
	assert.Error(t, err)
}

func TestRefresherAlternatingKeepsLastSuccess(t *testing.T) {
	store := NewStore()
	fetcher := &scriptedFetcher{alternate: true}
	r, err := NewRefresher(store, fetcher, time.Hour, newLogger())
	require.NoError(t, err)

	ctx := context.Background()
	lastGood := ""
	for cycle := 1; cycle <= 9; cycle++ {
		refreshErr := r.refresh(ctx)
		if cycle%2 == 0 {
			require.ErrorIs(t, refreshErr, ErrRefreshFailed)
		} else {
			require.NoError(t, refreshErr)
			lastGood = fmt.Sprintf("tok-%d", cycle)
		}

		cred, ok := store.Load()
		require.True(t, ok)
		assert.Equal(t, lastGood, cred.Token, "cycle %d", cycle)
	}
}

func TestRefresherFailureBeforeFirstSuccessLeavesStoreEmpty(t *testing.T) {
	store := NewStore()
	r, err := NewRefresher(store, &scriptedFetcher{failFirst: true}, time.Hour, newLogger())
	require.NoError(t, err)

	require.Error(t, r.refresh(context.Background()))
	_, ok := store.Load()
	assert.False(t, ok)

	select {
	case <-r.Ready():
		t.Fatal("ready must not fire before the first success")
	default:
	}

	require.NoError(t, r.refresh(context.Background()))
	select {
	case <-r.Ready():
	default:
		t.Fatal("ready should fire after the first success")
	}

	// further refreshes must not panic on an already closed channel
	require.NoError(t, r.refresh(context.Background()))
}

func TestRefresherRunSignalsReadyAndStops(t *testing.T) {
	store := NewStore()
	fetcher := &scriptedFetcher{failFirst: true}
	r, err := NewRefresher(store, fetcher, 10*time.Millisecond, newLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never became ready")
	}

	cred, ok := store.Load()
	require.True(t, ok)
	assert.NotEmpty(t, cred.Token)

	require.Eventually(t, func() bool { return fetcher.Calls() >= 4 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop after cancellation")
	}
}

type staticFetcher struct {
	cred Credential
}

func (f staticFetcher) Fetch(context.Context) (Credential, error) {
	return f.cred, nil
}

func TestRefresherInstallsExpiredCredentialAndWarns(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	expired := Credential{Token: "stale", ExpiresAt: now.Add(-time.Minute)}

	store := NewStore()
	r, err := NewRefresher(store, staticFetcher{cred: expired}, time.Hour, log)
	require.NoError(t, err)
	r.clock = func() time.Time { return now }

	require.NoError(t, r.refresh(context.Background()))

	cred, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, "stale", cred.Token)
	assert.Contains(t, logs.String(), "expired credential")
	assert.NotContains(t, logs.String(), "not longer than refresh interval")
}

func TestRefresherWarnsOnShortLifetime(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore()
	r, err := NewRefresher(store, staticFetcher{cred: Credential{Token: "short", ExpiresAt: now.Add(time.Minute)}}, time.Hour, log)
	require.NoError(t, err)
	r.clock = func() time.Time { return now }

	require.NoError(t, r.refresh(context.Background()))
	assert.Contains(t, logs.String(), "not longer than refresh interval")
	assert.NotContains(t, logs.String(), "expired credential")
}
