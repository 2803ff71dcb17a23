// Package playback turns the out-of-order stream of synthesized chunks into
// gap-free, in-order audio per session.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ledger records what happened to every sequence that left a window and
// remembers where each session's playback stands.
type Ledger interface {
	RecordRelease(ctx context.Context, o eventstore.Outcome) error
	NextSequence(ctx context.Context, sessionID string) (uint64, bool, error)
	MarkSessionClosed(ctx context.Context, sessionID string) error
}

type Config struct {
	From        bus.Source
	DeadLetters bus.DeadLetterQueue
	Sink        Sink
	Ledger      Ledger

	ChunkDuration time.Duration
	GapTimeout    time.Duration
	// WindowCap bounds the out-of-order chunks held per session.
	WindowCap   int
	Prebuffer   int
	IdleTimeout time.Duration
	// HoldRefresh is how often chunks held in a window are marked in progress.
	// It must stay below the channel's ack wait.
	HoldRefresh time.Duration
	// Tombstones is how many retired sessions are remembered.
	Tombstones int
	SampleRate int
	Channels   int

	Policy    retry.Policy
	Reconnect retry.Policy
	Metrics   *telemetry.Metrics
}

// SessionStats is a point-in-time view of one live session.
type SessionStats struct {
	SessionID   string    `json:"session_id"`
	Expected    uint64    `json:"expected"`
	Buffered    int       `json:"buffered"`
	LastRelease time.Time `json:"last_release,omitempty"`
}

type tombstone struct {
	next   uint64
	closed bool
}

// Manager consumes the buffer boundary and routes chunks to one goroutine per
// session. Sessions share nothing but the sink and the ledger.
type Manager struct {
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	mu         sync.Mutex
	units      map[string]*sessionUnit
	tombstones *lru.Cache[string, tombstone]
}

func NewManager(parent context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 300 * time.Millisecond
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 2 * time.Second
	}
	if cfg.WindowCap <= 0 {
		cfg.WindowCap = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.HoldRefresh <= 0 {
		cfg.HoldRefresh = 10 * time.Second
	}
	if cfg.Tombstones <= 0 {
		cfg.Tombstones = 4096
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	if cfg.Ledger == nil {
		cfg.Ledger = nopLedger{}
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = retry.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	tombstones, err := lru.New[string, tombstone](cfg.Tombstones)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "playback")),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		units:      make(map[string]*sessionUnit),
		tombstones: tombstones,
	}, nil
}

func (m *Manager) Name() string { return "playback" }

func (m *Manager) Start() error {
	if m.cfg.From == nil || m.cfg.DeadLetters == nil {
		return fmt.Errorf("playback: incomplete wiring")
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.Run(m.ctx)
	}()
	return nil
}

// Close stops consuming and waits for every session goroutine. Chunks still
// held in windows are handed back to the channel.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Healthy() bool {
	return m.running.Load()
}

// Run consumes until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	m.logger.Info("playback buffer running",
		slog.String("from", m.cfg.From.Name()),
		slog.Int("window_cap", m.cfg.WindowCap),
		slog.Duration("gap_timeout", m.cfg.GapTimeout))
	return bus.Pump(ctx, m.cfg.From, m.cfg.Reconnect, m.logger, m.Handle)
}

// Handle decodes one delivery and hands it to its session.
func (m *Manager) Handle(ctx context.Context, d bus.Delivery) {
	env, err := protocol.DecodeEnvelope(d.Data())
	if err != nil {
		m.logger.Error("undecodable chunk", slogError(err))
		m.deadLetter(ctx, d, protocol.NewMalformed(m.cfg.DeadLetters.Boundary(), err, d.Data(), m.now()))
		return
	}
	if err := env.ValidateFor(protocol.StageSynthesized); err != nil {
		m.logger.Error("schema violation",
			slog.String("session_id", env.SessionID),
			slog.Uint64("sequence", env.Sequence),
			slogError(err))
		m.deadLetter(ctx, d, protocol.NewDeadLetter(m.cfg.DeadLetters.Boundary(), protocol.ReasonSchemaViolation, err, env, m.now()))
		return
	}
	m.Deliver(env, d)
}

// Deliver routes a validated chunk to its session unit, starting one if
// needed. Chunks for sessions closed recently are acknowledged and dropped.
func (m *Manager) Deliver(env protocol.Envelope, d bus.Delivery) {
	m.mu.Lock()
	u, ok := m.units[env.SessionID]
	if !ok {
		ts, known := m.tombstones.Get(env.SessionID)
		if known && ts.closed {
			m.mu.Unlock()
			m.logger.Debug("chunk for closed session dropped",
				slog.String("session_id", env.SessionID),
				slog.Uint64("sequence", env.Sequence))
			bus.Ack(m.logger, d, slog.String("session_id", env.SessionID))
			return
		}
		u = newSessionUnit(m, env.SessionID)
		if known {
			u.expected = ts.next
			u.resumed = true
		}
		m.units[env.SessionID] = u
		m.tombstones.Remove(env.SessionID)
		m.wg.Add(1)
		go u.run(m.ctx)
		m.metrics.ActiveSessions.Add(m.ctx, 1)
	}
	u.pending.Add(1)
	m.mu.Unlock()

	select {
	case u.inbox <- arrival{env: env, d: d}:
	case <-u.done:
		bus.Nak(m.logger, d, 0, slog.String("session_id", env.SessionID))
	}
}

// CloseSession flushes and retires the session. Later chunks for it are dropped
// for as long as its tombstone is remembered.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	u, ok := m.units[sessionID]
	if !ok {
		ts, _ := m.tombstones.Peek(sessionID)
		ts.closed = true
		m.tombstones.Add(sessionID, ts)
		m.mu.Unlock()
		if err := m.cfg.Ledger.MarkSessionClosed(m.ctx, sessionID); err != nil {
			m.logger.Warn("ledger close failed", slog.String("session_id", sessionID), slogError(err))
		}
		return
	}
	m.mu.Unlock()
	u.requestClose()
}

// Stats lists live sessions ordered by id.
func (m *Manager) Stats() []SessionStats {
	m.mu.Lock()
	out := make([]SessionStats, 0, len(m.units))
	for id, u := range m.units {
		st := SessionStats{
			SessionID: id,
			Expected:  u.statExpected.Load(),
			Buffered:  int(u.statBuffered.Load()),
		}
		if ns := u.statLastRelease.Load(); ns > 0 {
			st.LastRelease = time.Unix(0, ns).UTC()
		}
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// retire removes u if nothing is in flight towards it. It reports false when an
// arrival is pending and the unit must keep running.
func (m *Manager) retire(u *sessionUnit, closed bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.pending.Load() > 0 {
		return false
	}
	delete(m.units, u.id)
	m.tombstones.Add(u.id, tombstone{next: u.expected, closed: closed})
	m.metrics.ActiveSessions.Add(m.ctx, -1)
	return true
}

func (m *Manager) deadLetter(ctx context.Context, d bus.Delivery, dl protocol.DeadLetter) {
	if err := m.cfg.DeadLetters.Publish(ctx, dl); err != nil {
		delay := m.cfg.Policy.Delay(1)
		m.logger.Error("dead-letter publish failed, requeueing",
			slog.String("reason", string(dl.Reason)),
			slog.Duration("retry_in", delay),
			slogError(err))
		bus.Nak(m.logger, d, delay)
		return
	}
	m.metrics.DeadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("boundary", dl.Boundary),
		attribute.String("reason", string(dl.Reason)),
	))
	bus.Ack(m.logger, d)
}

type nopLedger struct{}

func (nopLedger) RecordRelease(context.Context, eventstore.Outcome) error { return nil }
func (nopLedger) NextSequence(context.Context, string) (uint64, bool, error) {
	return 0, false, nil
}
func (nopLedger) MarkSessionClosed(context.Context, string) error { return nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
