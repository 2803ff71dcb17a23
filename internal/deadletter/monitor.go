// Package deadletter watches every boundary's dead-letter queue and records
// each failed chunk as its terminal outcome.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
)

// Recorder stores terminal outcomes; the first outcome for a chunk wins.
type Recorder interface {
	RecordOutcome(ctx context.Context, o eventstore.Outcome) (bool, error)
}

type Config struct {
	Feed      bus.Source
	Ledger    Recorder
	Policy    retry.Policy
	Reconnect retry.Policy
}

type Monitor struct {
	cfg    Config
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
	recorded atomic.Int64
}

func New(parent context.Context, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = retry.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Monitor{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "deadletter")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Monitor) Name() string { return "deadletter" }

func (m *Monitor) Start() error {
	if m.cfg.Feed == nil || m.cfg.Ledger == nil {
		return fmt.Errorf("deadletter monitor: incomplete wiring")
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.running.Store(true)
		defer m.running.Store(false)
		_ = bus.Pump(m.ctx, m.cfg.Feed, m.cfg.Reconnect, m.logger, m.Handle)
	}()
	return nil
}

func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) Healthy() bool {
	return m.running.Load()
}

// Recorded counts dead letters written to the ledger as a chunk's outcome.
func (m *Monitor) Recorded() int64 {
	return m.recorded.Load()
}

// Handle records one dead letter. Records that cannot be read are terminated
// so they are not redelivered.
func (m *Monitor) Handle(ctx context.Context, d bus.Delivery) {
	dl, err := protocol.DecodeDeadLetter(d.Data())
	if err != nil {
		m.logger.Error("unreadable dead letter", slogError(err))
		bus.Term(m.logger, d)
		return
	}
	if dl.Envelope == nil {
		m.logger.Warn("malformed chunk dead-lettered",
			slog.String("boundary", dl.Boundary),
			slog.Int("bytes", len(dl.Raw)),
			slog.String("error", dl.Error))
		bus.Ack(m.logger, d)
		return
	}

	env := dl.Envelope
	first, err := m.cfg.Ledger.RecordOutcome(ctx, eventstore.Outcome{
		SessionID:     env.SessionID,
		Sequence:      env.Sequence,
		CorrelationID: env.CorrelationID,
		Kind:          eventstore.KindDeadLettered,
		Boundary:      dl.Boundary,
		Reason:        string(dl.Reason),
		Detail:        dl.Error,
		CreatedAt:     dl.FailedAt,
	})
	if err != nil {
		delay := m.cfg.Policy.Delay(1)
		m.logger.Warn("ledger write failed, requeueing",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slog.Duration("retry_in", delay),
			slogError(err))
		bus.Nak(m.logger, d, delay, slog.String("session_id", env.SessionID))
		return
	}
	if first {
		m.recorded.Add(1)
	}
	m.logger.Warn("chunk dead-lettered",
		slog.String("session_id", env.SessionID),
		slog.Uint64("sequence", env.Sequence),
		slog.String("correlation_id", env.CorrelationID),
		slog.String("boundary", dl.Boundary),
		slog.String("reason", string(dl.Reason)),
		slog.Int("attempts", env.AttemptCount),
		slog.Bool("first_outcome", first))
	bus.Ack(m.logger, d, slog.String("session_id", env.SessionID))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
