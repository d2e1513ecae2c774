package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/speech-relay/credential"

// Refresher periodically fetches a credential and installs it into a Store.
// A failed cycle leaves the previous credential in place.
type Refresher struct {
	store   *Store
	fetcher Fetcher
	every   time.Duration
	log     *slog.Logger
	clock   func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	tracer    trace.Tracer
	refreshes metric.Int64Counter
}

func NewRefresher(store *Store, fetcher Fetcher, every time.Duration, log *slog.Logger) (*Refresher, error) {
	if store == nil || fetcher == nil {
		return nil, errors.New("credential refresher requires a store and a fetcher")
	}
	if every <= 0 {
		return nil, errors.New("credential refresh interval must be positive")
	}

	r := &Refresher{
		store:   store,
		fetcher: fetcher,
		every:   every,
		log:     log.With(slog.String("component", "credential-refresher")),
		clock:   time.Now,
		ready:   make(chan struct{}),
		tracer:  otel.Tracer(instrumentationName),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r, nil
}

// Ready is closed after the first successful refresh. Later refreshes do
// not signal again.
func (r *Refresher) Ready() <-chan struct{} {
	return r.ready
}

// Run refreshes immediately and then every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.log.Info("credential refresher started", slog.Duration("every", r.every))

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		if err := r.refresh(ctx); err != nil {
			r.log.Error("credential refresh failed", slogError(err))
		}

		select {
		case <-ctx.Done():
			r.log.Info("credential refresher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "credential.refresh")
	defer span.End()

	cred, err := r.fetcher.Fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		r.count(ctx, "error")
		return err
	}

	r.store.Store(cred)
	r.count(ctx, "ok")
	r.readyOnce.Do(func() { close(r.ready) })

	r.log.Info("credential refreshed", slog.Time("expires_at", cred.ExpiresAt))
	now := r.clock()
	switch ttl := cred.ExpiresAt.Sub(now); {
	case cred.Expired(now):
		r.log.Warn("auth endpoint returned an expired credential", slog.Time("expires_at", cred.ExpiresAt))
	case ttl <= r.every:
		r.log.Warn("credential lifetime is not longer than refresh interval",
			slog.Duration("ttl", ttl), slog.Duration("every", r.every))
	}
	return nil
}

func (r *Refresher) count(ctx context.Context, result string) {
	if r.refreshes == nil {
		return
	}
	r.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Refresher) initMetrics() error {
	meter := otel.Meter(instrumentationName)

	refreshes, err := meter.Int64Counter("relay.credential.refreshes",
		metric.WithDescription("Credential refresh attempts by result"))
	if err != nil {
		return err
	}
	r.refreshes = refreshes

	ttl, err := meter.Float64ObservableGauge("relay.credential.ttl",
		metric.WithDescription("Seconds until the current credential expires"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		cred, ok := r.store.Load()
		if !ok {
			return nil
		}
		obs.ObserveFloat64(ttl, cred.ExpiresAt.Sub(r.clock()).Seconds())
		return nil
	}, ttl)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
