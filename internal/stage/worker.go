// Package stage runs one processing step of the pipeline: it pulls chunks at
// one stage from a durable channel, calls the stage backend and forwards the
// advanced chunk, retrying or dead-lettering failures.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSessionClosed is the dead-letter cause for chunks of closed sessions.
var ErrSessionClosed = errors.New("session closed")

// Sessions reports sessions that no longer accept chunks.
type Sessions interface {
	Closed(sessionID string) bool
}

// Publisher forwards envelopes to the next unit.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Config wires a Worker.
type Config struct {
	Name     string
	Accepts  protocol.Stage
	Produces protocol.Stage
	Backend  backend.Backend
	Options  backend.Options

	In          bus.Source
	Out         Publisher
	DeadLetters bus.DeadLetterQueue
	Sessions    Sessions

	Policy      retry.Policy
	Reconnect   retry.Policy
	Timeout     time.Duration
	Concurrency int
	Metrics     *telemetry.Metrics
}

// Worker is one stage of the pipeline.
type Worker struct {
	cfg     Config
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func New(parent context.Context, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = retry.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		cfg:     cfg,
		metrics: metrics,
		tracer:  telemetry.Tracer(),
		logger:  logger.With(slog.String("component", "stage"), slog.String("stage", cfg.Name)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *Worker) Name() string { return w.cfg.Name }

// Start launches the consume loops in the background.
func (w *Worker) Start() error {
	if w.cfg.In == nil || w.cfg.Out == nil || w.cfg.DeadLetters == nil || w.cfg.Backend == nil {
		return fmt.Errorf("stage %s: incomplete wiring", w.cfg.Name)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = w.Run(w.ctx)
	}()
	return nil
}

// Run consumes until ctx ends. Each of Concurrency loops holds at most one
// unacknowledged delivery.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("stage worker running",
		slog.String("accepts", string(w.cfg.Accepts)),
		slog.String("produces", string(w.cfg.Produces)),
		slog.String("backend", w.cfg.Backend.Name()),
		slog.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Pump(ctx, w.cfg.In, w.cfg.Reconnect, w.logger, w.Handle)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) Healthy() bool {
	return w.running.Load()
}

// Handle decodes one delivery, processes it and settles it exactly once.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) {
	env, err := protocol.DecodeEnvelope(d.Data())
	if err != nil {
		w.logger.Error("undecodable chunk", slogError(err))
		dl := protocol.NewMalformed(w.cfg.DeadLetters.Boundary(), err, d.Data(), w.now())
		w.settleDeadLetter(ctx, d, dl)
		w.count(ctx, OutcomeDeadLetter)
		return
	}
	if n := d.NumDelivered(); n > 0 {
		env.AttemptCount = int(n - 1)
	}

	outcome := w.Process(ctx, env)
	w.count(ctx, outcome.Kind)

	switch outcome.Kind {
	case OutcomeSuccess:
		if err := w.cfg.Out.Publish(ctx, outcome.Envelope); err != nil {
			delay := w.cfg.Policy.Delay(1)
			w.logger.Warn("forward failed, requeueing",
				slog.String("session_id", env.SessionID),
				slog.Uint64("sequence", env.Sequence),
				slog.Duration("retry_in", delay),
				slogError(err))
			w.nak(d, delay)
			return
		}
		w.ack(d)
	case OutcomeRetry:
		w.logger.Warn("transient backend failure",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slog.Int("attempt", env.AttemptCount),
			slog.Duration("retry_in", outcome.Delay),
			slogError(outcome.Err))
		w.nak(d, outcome.Delay)
	case OutcomeDeadLetter:
		level := slog.LevelWarn
		if outcome.Reason == protocol.ReasonSchemaViolation {
			level = slog.LevelError
		}
		w.logger.Log(ctx, level, "dead-lettering chunk",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slog.String("correlation_id", env.CorrelationID),
			slog.String("reason", string(outcome.Reason)),
			slogError(outcome.Err))
		dl := protocol.NewDeadLetter(w.cfg.DeadLetters.Boundary(), outcome.Reason, outcome.Err, env, w.now())
		w.settleDeadLetter(ctx, d, dl)
	}
}

// Process decides what happens to env. It performs at most one backend call
// and never touches the channels.
func (w *Worker) Process(ctx context.Context, env protocol.Envelope) Outcome {
	if err := env.ValidateFor(w.cfg.Accepts); err != nil {
		return deadLetter(protocol.ReasonSchemaViolation, err)
	}
	if w.cfg.Sessions != nil && w.cfg.Sessions.Closed(env.SessionID) {
		return deadLetter(protocol.ReasonSessionClosed, ErrSessionClosed)
	}
	if env.Payload.NoSpeech {
		next, err := env.Advance(w.cfg.Produces, noSpeech(env.Payload), w.now())
		if err != nil {
			return deadLetter(protocol.ReasonSchemaViolation, err)
		}
		return success(next)
	}

	out, err := w.call(ctx, env)
	if err != nil {
		switch {
		case backend.IsPermanent(err):
			return deadLetter(protocol.ReasonPermanent, err)
		case ctx.Err() != nil:
			// shutting down; hand the chunk back untouched
			return Outcome{Kind: OutcomeRetry, Err: err}
		case w.cfg.Policy.Exhausted(env.AttemptCount):
			return deadLetter(protocol.ReasonTransientExhausted, err)
		}
		return Outcome{Kind: OutcomeRetry, Delay: w.cfg.Policy.Delay(env.AttemptCount + 1), Err: err}
	}

	next, err := env.Advance(w.cfg.Produces, out, w.now())
	if err != nil {
		return deadLetter(protocol.ReasonSchemaViolation, err)
	}
	if err := next.Validate(); err != nil {
		return deadLetter(protocol.ReasonPermanent, fmt.Errorf("backend %s: %w", w.cfg.Backend.Name(), err))
	}
	return success(next)
}

func (w *Worker) call(ctx context.Context, env protocol.Envelope) (protocol.Payload, error) {
	ctx, span := w.tracer.Start(ctx, "stage."+w.cfg.Name, trace.WithAttributes(
		attribute.String("session_id", env.SessionID),
		attribute.Int64("sequence", int64(env.Sequence)),
		attribute.String("correlation_id", env.CorrelationID),
		attribute.Int("attempt", env.AttemptCount),
		attribute.String("backend", w.cfg.Backend.Name()),
	))
	defer span.End()

	callCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	start := w.now()
	out, err := w.cfg.Backend.Call(callCtx, env.Payload, w.cfg.Options.ForSession(env.Options))
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = backend.Transient(fmt.Errorf("backend %s timed out after %s: %w", w.cfg.Backend.Name(), w.cfg.Timeout, err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	w.metrics.StageDuration.Record(ctx, w.now().Sub(start).Seconds(), metric.WithAttributes(
		attribute.String("stage", w.cfg.Name),
		attribute.String("status", status),
	))
	return out, err
}

func (w *Worker) settleDeadLetter(ctx context.Context, d bus.Delivery, dl protocol.DeadLetter) {
	if err := w.cfg.DeadLetters.Publish(ctx, dl); err != nil {
		delay := w.cfg.Policy.Delay(1)
		w.logger.Error("dead-letter publish failed, requeueing",
			slog.String("reason", string(dl.Reason)),
			slog.Duration("retry_in", delay),
			slogError(err))
		w.nak(d, delay)
		return
	}
	w.metrics.DeadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("boundary", dl.Boundary),
		attribute.String("reason", string(dl.Reason)),
	))
	w.ack(d)
}

func (w *Worker) count(ctx context.Context, kind OutcomeKind) {
	w.metrics.StageOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", w.cfg.Name),
		attribute.String("outcome", kind.String()),
	))
}

func (w *Worker) ack(d bus.Delivery) {
	bus.Ack(w.logger, d)
}

func (w *Worker) nak(d bus.Delivery, delay time.Duration) {
	bus.Nak(w.logger, d, delay)
}

// noSpeech carries the timing of a silent chunk forward without content.
func noSpeech(in protocol.Payload) protocol.Payload {
	return protocol.Payload{
		NoSpeech:   true,
		DurationMS: in.DurationMS,
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Language:   in.Language,
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
