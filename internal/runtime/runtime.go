// Package runtime wires the relay's components together and supervises them
// until shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speech-relay/internal/bus"
	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/credential"
	"github.com/loqalabs/speech-relay/internal/eventstore"
	"github.com/loqalabs/speech-relay/internal/natsserver"
	"github.com/loqalabs/speech-relay/internal/relay"
	"github.com/loqalabs/speech-relay/internal/upstream"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	pruneInterval     = time.Hour
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// binding pairs a request subject with the route that serves it.
type binding struct {
	subject string
	route   relay.Route
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	ready    atomic.Bool
	bus      *bus.Client
	creds    <-chan struct{}
	services []*relay.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled or a supervised component fails.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()

	audit, err := eventstore.Open(ctx, r.cfg.Audit, r.logger.With(slog.String("component", "audit")))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	store := credential.NewStore()
	fetcher := credential.NewIAMFetcher(r.cfg.Auth.URL, r.cfg.Auth.Secret,
		time.Duration(r.cfg.Auth.RequestTimeout)*time.Millisecond)
	refresher, err := credential.NewRefresher(store, fetcher, r.cfg.Auth.RefreshEvery(), r.logger)
	if err != nil {
		return err
	}
	r.creds = refresher.Ready()

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.routes(tel.metrics, audit),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return refresher.Run(gctx)
	})

	g.Go(func() error {
		r.logger.Info("http server listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return r.pruneLoop(gctx, audit)
	})

	g.Go(func() error {
		r.awaitCredential(gctx, refresher.Ready())
		if gctx.Err() != nil {
			return nil
		}
		if err := r.startServices(gctx, store, audit); err != nil {
			r.closeServices()
			return err
		}
		r.ready.Store(true)
		r.logger.Info("runtime started", slog.Int("services", len(r.services)))

		<-gctx.Done()
		r.logger.Info("runtime stopping")
		r.ready.Store(false)
		r.closeServices()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitCredential blocks until the first credential arrives or the ready
// timeout passes. Services start either way; until a credential exists
// they answer NotAuthenticated.
func (r *Runtime) awaitCredential(ctx context.Context, ready <-chan struct{}) {
	timeout := time.Duration(r.cfg.Auth.ReadyTimeout) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-timer.C:
		r.logger.Warn("no credential yet, starting relay services anyway", slog.Duration("waited", timeout))
	case <-ctx.Done():
	}
}

func (r *Runtime) startServices(ctx context.Context, store *credential.Store, audit *eventstore.Store) error {
	client := upstream.NewClient(r.cfg.Relay.Timeout())
	dispatcher := relay.NewDispatcher(r.bus.Conn(), r.logger)
	opts := relay.Options{
		Timeout:     r.cfg.Relay.Timeout(),
		MaxInflight: r.cfg.Relay.MaxInflight,
		Recorder:    audit,
	}

	var routes []binding
	if r.cfg.TTS.Enabled {
		route, err := relay.NewSynthesisRoute(r.cfg.TTS.URL, r.cfg.TTS.DefaultLanguage, r.cfg.TTS.FolderID)
		if err != nil {
			return err
		}
		routes = append(routes, binding{r.cfg.TTS.Subject, route})
	}
	if r.cfg.STT.Enabled {
		route, err := relay.NewRecognitionRoute(r.cfg.STT.URL, r.cfg.STT.DefaultLanguage, r.cfg.STT.DefaultFormat, r.cfg.STT.FolderID)
		if err != nil {
			return err
		}
		routes = append(routes, binding{r.cfg.STT.Subject, route})
	}

	for _, rt := range routes {
		handler, err := relay.NewHandler(rt.route, store, client)
		if err != nil {
			return err
		}
		svcOpts := opts
		svcOpts.Subject = rt.subject
		svc, err := relay.NewService(ctx, r.bus.Conn(), handler, dispatcher, svcOpts, r.logger)
		if err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start %s relay: %w", rt.route.Name(), err)
		}
		r.services = append(r.services, svc)
	}
	return nil
}

func (r *Runtime) closeServices() {
	for _, svc := range r.services {
		svc.Close()
	}
}

func (r *Runtime) pruneLoop(ctx context.Context, audit *eventstore.Store) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := audit.Prune(ctx); err != nil {
				r.logger.Warn("audit prune failed", slogError(err))
			}
		}
	}
}

// AuditReader lists recorded relay outcomes, newest first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]eventstore.Entry, error)
}

func (r *Runtime) routes(metrics http.Handler, audit AuditReader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("GET /audit/recent", r.handleAuditRecent(audit))
	return mux
}

type auditEntry struct {
	RequestID    string    `json:"request_id"`
	Route        string    `json:"route"`
	Subject      string    `json:"subject"`
	ReplyTo      string    `json:"reply_to,omitempty"`
	Result       string    `json:"result"`
	Detail       string    `json:"detail,omitempty"`
	PayloadBytes int       `json:"payload_bytes"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Runtime) handleAuditRecent(audit AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		limit := defaultAuditLimit
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxAuditLimit)
		}

		entries, err := audit.Recent(req.Context(), limit)
		if err != nil {
			r.logger.Error("audit query failed", slogError(err))
			http.Error(w, "audit query failed", http.StatusInternalServerError)
			return
		}

		out := make([]auditEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, auditEntry{
				RequestID:    e.RequestID,
				Route:        e.Route,
				Subject:      e.Subject,
				ReplyTo:      e.ReplyTo,
				Result:       e.Result,
				Detail:       e.Detail,
				PayloadBytes: e.PayloadBytes,
				LatencyMS:    e.Latency.Milliseconds(),
				CreatedAt:    e.CreatedAt,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			r.logger.Warn("failed to write audit response", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// isReady requires a connected bus, a fetched credential and every relay
// service subscribed.
func (r *Runtime) isReady() bool {
	if !r.ready.Load() || !r.bus.Healthy() {
		return false
	}
	select {
	case <-r.creds:
	default:
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
