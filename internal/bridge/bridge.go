// Package bridge relays finished chunks from one stage's output channel to the
// next stage's input channel.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher is the downstream channel.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Config wires a Bridge.
type Config struct {
	Name        string
	Expect      protocol.Stage
	From        bus.Source
	To          Publisher
	DeadLetters bus.DeadLetterQueue

	Policy    retry.Policy
	Reconnect retry.Policy
	// BatchSize above 1 groups deliveries and relays each group in
	// (session, sequence) order.
	BatchSize   int
	BatchWindow time.Duration
	Metrics     *telemetry.Metrics
}

type Bridge struct {
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func New(parent context.Context, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 50 * time.Millisecond
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = retry.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "bridge"), slog.String("bridge", cfg.Name)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Bridge) Name() string { return b.cfg.Name }

func (b *Bridge) Start() error {
	if b.cfg.From == nil || b.cfg.To == nil || b.cfg.DeadLetters == nil {
		return fmt.Errorf("bridge %s: incomplete wiring", b.cfg.Name)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.Run(b.ctx)
	}()
	return nil
}

func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool {
	return b.running.Load()
}

// Run relays until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("bridge running",
		slog.String("from", b.cfg.From.Name()),
		slog.String("expect", string(b.cfg.Expect)),
		slog.Int("batch_size", b.cfg.BatchSize))

	if b.cfg.BatchSize <= 1 {
		return bus.Pump(ctx, b.cfg.From, b.cfg.Reconnect, b.logger, b.Handle)
	}

	deliveries := make(chan bus.Delivery)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Pump(ctx, b.cfg.From, b.cfg.Reconnect, b.logger, func(ctx context.Context, d bus.Delivery) {
			select {
			case deliveries <- d:
			case <-ctx.Done():
				bus.Nak(b.logger, d, 0)
			}
		})
	}()
	b.batchLoop(ctx, deliveries)
	<-done
	return nil
}

func (b *Bridge) batchLoop(ctx context.Context, deliveries <-chan bus.Delivery) {
	var batch []bus.Delivery
	timer := time.NewTimer(b.cfg.BatchWindow)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, d := range batch {
				bus.Nak(b.logger, d, 0)
			}
			return
		case d := <-deliveries:
			if len(batch) == 0 {
				timer.Reset(b.cfg.BatchWindow)
			}
			batch = append(batch, d)
			if len(batch) >= b.cfg.BatchSize {
				timer.Stop()
				b.Flush(ctx, batch)
				batch = nil
			}
		case <-timer.C:
			b.Flush(ctx, batch)
			batch = nil
		}
	}
}

// Handle relays a single delivery.
func (b *Bridge) Handle(ctx context.Context, d bus.Delivery) {
	b.Flush(ctx, []bus.Delivery{d})
}

type item struct {
	d   bus.Delivery
	env protocol.Envelope
}

// Flush relays a group of deliveries in (session, sequence) order. Bodies that
// are not envelopes are dead-lettered first. Nothing is retained afterwards.
func (b *Bridge) Flush(ctx context.Context, batch []bus.Delivery) {
	items := make([]item, 0, len(batch))
	for _, d := range batch {
		env, err := protocol.DecodeEnvelope(d.Data())
		if err != nil {
			b.logger.Error("undecodable chunk", slogError(err))
			b.deadLetter(ctx, d, protocol.NewMalformed(b.cfg.DeadLetters.Boundary(), err, d.Data(), b.now()))
			continue
		}
		items = append(items, item{d: d, env: env})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].env.SessionID != items[j].env.SessionID {
			return items[i].env.SessionID < items[j].env.SessionID
		}
		return items[i].env.Sequence < items[j].env.Sequence
	})
	for _, it := range items {
		b.relay(ctx, it.d, it.env)
	}
}

func (b *Bridge) relay(ctx context.Context, d bus.Delivery, env protocol.Envelope) {
	if err := env.ValidateFor(b.cfg.Expect); err != nil {
		b.logger.Error("schema violation",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slogError(err))
		b.deadLetter(ctx, d, protocol.NewDeadLetter(b.cfg.DeadLetters.Boundary(), protocol.ReasonSchemaViolation, err, env, b.now()))
		return
	}
	if ts, ok := env.StageTime(); ok {
		b.metrics.BridgeLatency.Record(ctx, b.now().Sub(ts).Seconds(),
			metric.WithAttributes(attribute.String("bridge", b.cfg.Name)))
	}

	err := b.cfg.Policy.Do(ctx, func() error {
		return b.cfg.To.Publish(ctx, env)
	})
	if err != nil {
		if ctx.Err() != nil {
			bus.Nak(b.logger, d, 0, slog.String("session_id", env.SessionID), slog.Uint64("sequence", env.Sequence))
			return
		}
		b.logger.Warn("relay exhausted retries",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slogError(err))
		b.count(ctx, "exhausted")
		b.deadLetter(ctx, d, protocol.NewDeadLetter(b.cfg.DeadLetters.Boundary(), protocol.ReasonPublishExhausted, err, env, b.now()))
		return
	}
	b.count(ctx, "relayed")
	bus.Ack(b.logger, d, slog.String("session_id", env.SessionID), slog.Uint64("sequence", env.Sequence))
}

func (b *Bridge) deadLetter(ctx context.Context, d bus.Delivery, dl protocol.DeadLetter) {
	if err := b.cfg.DeadLetters.Publish(ctx, dl); err != nil {
		delay := b.cfg.Policy.Delay(1)
		b.logger.Error("dead-letter publish failed, requeueing",
			slog.String("reason", string(dl.Reason)),
			slog.Duration("retry_in", delay),
			slogError(err))
		bus.Nak(b.logger, d, delay)
		return
	}
	b.metrics.DeadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("boundary", dl.Boundary),
		attribute.String("reason", string(dl.Reason)),
	))
	bus.Ack(b.logger, d)
}

func (b *Bridge) count(ctx context.Context, status string) {
	b.metrics.BridgeRelays.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bridge", b.cfg.Name),
		attribute.String("status", status),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
