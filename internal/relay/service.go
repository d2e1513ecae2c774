package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/speech-relay/internal/eventstore"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/speech-relay/relay"

// Recorder persists outcomes for later inspection.
type Recorder interface {
	Append(ctx context.Context, e eventstore.Entry) error
}

type Options struct {
	Subject     string
	Timeout     time.Duration
	MaxInflight int
	Recorder    Recorder
}

// Service subscribes to a request subject and handles every message in its
// own goroutine.
type Service struct {
	opts       Options
	conn       *nats.Conn
	handler    *Handler
	dispatcher *Dispatcher
	sub        *nats.Subscription
	inflight   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewService(parent context.Context, conn *nats.Conn, handler *Handler, dispatcher *Dispatcher, opts Options, log *slog.Logger) (*Service, error) {
	if conn == nil || handler == nil || dispatcher == nil {
		return nil, errors.New("relay service requires a connection, a handler and a dispatcher")
	}
	if opts.Subject == "" {
		return nil, errors.New("relay service requires a subject")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 256
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:       opts,
		conn:       conn,
		handler:    handler,
		dispatcher: dispatcher,
		inflight:   make(chan struct{}, opts.MaxInflight),
		ctx:        ctx,
		cancel:     cancel,
		logger: log.With(
			slog.String("component", "relay-service"),
			slog.String("route", handler.Route()),
			slog.String("subject", opts.Subject),
		),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Service) Start() error {
	sub, err := s.conn.Subscribe(s.opts.Subject, s.onMessage)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("relay service subscribed")
	return nil
}

// Close stops accepting messages and waits for in-flight handlers.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && !s.closed && s.sub.IsValid()
}

func (s *Service) onMessage(msg *nats.Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.inflight <- struct{}{}:
	default:
		s.mu.Unlock()
		s.logger.Warn("relay saturated, dropping message",
			slog.Int("max_inflight", s.opts.MaxInflight),
			slog.String("reply_to", ReplyAddress(msg)),
		)
		s.count(s.ctx, "Dropped")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() { <-s.inflight }()
		s.process(msg)
	}()
}

func (s *Service) process(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "relay.handle", trace.WithAttributes(
		attribute.String("relay.route", s.handler.Route()),
		attribute.String("messaging.destination", msg.Subject),
	))
	defer span.End()

	start := time.Now()
	outcome := s.handler.Handle(ctx, msg)
	latency := time.Since(start)

	span.SetAttributes(attribute.String("relay.request_id", outcome.RequestID))
	result := "ok"
	if !outcome.OK() {
		result = string(outcome.Reason)
		span.SetStatus(codes.Error, result)
		if outcome.Cause != nil {
			span.RecordError(outcome.Cause)
		}
	}

	log := s.logger.With(
		slog.String("request_id", outcome.RequestID),
		slog.String("reply_to", outcome.ReplyTo),
		slog.Duration("latency", latency),
	)
	if outcome.OK() {
		log.Info("relay succeeded", slog.Int("bytes", len(outcome.Payload)))
	} else {
		attrs := []any{slog.String("reason", result)}
		if outcome.Cause != nil {
			attrs = append(attrs, slogError(outcome.Cause))
		}
		if outcome.Routable() {
			log.Warn("relay failed", attrs...)
		} else {
			log.Error("relay failed without reply address", attrs...)
		}
	}

	if err := s.dispatcher.Dispatch(outcome); err != nil && !errors.Is(err, ErrReplyUnroutable) {
		log.Error("failed to publish reply", slogError(err))
	}

	s.count(ctx, result)
	if s.duration != nil {
		s.duration.Record(ctx, latency.Seconds(), metric.WithAttributes(
			attribute.String("route", s.handler.Route()),
			attribute.String("result", result),
		))
	}
	s.record(ctx, msg, outcome, result, latency)
}

func (s *Service) record(ctx context.Context, msg *nats.Msg, o Outcome, result string, latency time.Duration) {
	if s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := eventstore.Entry{
		RequestID:    o.RequestID,
		Route:        s.handler.Route(),
		Subject:      msg.Subject,
		ReplyTo:      o.ReplyTo,
		Result:       result,
		PayloadBytes: len(o.Payload),
		Latency:      latency,
	}
	if o.Cause != nil {
		entry.Detail = o.Cause.Error()
	}
	if err := s.opts.Recorder.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to record relay outcome", slogError(err))
	}
}

func (s *Service) count(ctx context.Context, result string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", s.handler.Route()),
		attribute.String("result", result),
	))
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("relay.requests",
		metric.WithDescription("Relayed messages by route and result"))
	if err != nil {
		return err
	}
	s.requests = requests

	duration, err := meter.Float64Histogram("relay.duration",
		metric.WithDescription("Time from message receipt to outcome"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.duration = duration
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
