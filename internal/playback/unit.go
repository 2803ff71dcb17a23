package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Silence reasons carried on frames and ledger rows.
const (
	ReasonNoSpeech      = "no_speech"
	ReasonGapTimeout    = "gap_timeout"
	ReasonWindowCap     = "window_cap"
	ReasonSessionClosed = "session_closed"
)

type arrival struct {
	env protocol.Envelope
	d   bus.Delivery
	// redeliveries of the same chunk that arrived while it was held
	dups []bus.Delivery
}

// sessionUnit owns the reorder window of one session. Everything below the
// atomics is touched only by run.
type sessionUnit struct {
	m     *Manager
	id    string
	log   *slog.Logger
	inbox chan arrival

	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// arrivals routed by the manager but not yet received
	pending atomic.Int64

	statExpected    atomic.Uint64
	statBuffered    atomic.Int64
	statLastRelease atomic.Int64

	expected       uint64
	resumed        bool
	window         map[uint64]arrival
	started        bool
	firstArrival   time.Time
	becameExpected time.Time
	lastRelease    time.Time
	lastActivity   time.Time
	lastRefresh    time.Time
}

func newSessionUnit(m *Manager, id string) *sessionUnit {
	return &sessionUnit{
		m:       m,
		id:      id,
		log:     m.logger.With(slog.String("session_id", id)),
		inbox:   make(chan arrival, m.cfg.WindowCap),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		window:  make(map[uint64]arrival),
	}
}

func (u *sessionUnit) requestClose() {
	u.closeOnce.Do(func() { close(u.closeCh) })
}

func (u *sessionUnit) run(ctx context.Context) {
	defer u.m.wg.Done()
	defer close(u.done)

	now := u.m.now()
	if !u.resumed {
		next, ok, err := u.m.cfg.Ledger.NextSequence(ctx, u.id)
		if err != nil {
			u.log.Warn("playback position lookup failed", slogError(err))
		} else if ok {
			u.expected = next
			u.resumed = true
		}
	}
	if u.resumed {
		u.log.Info("session resumed", slog.Uint64("expected", u.expected))
	}
	u.becameExpected = now
	u.lastActivity = now
	u.lastRefresh = now
	u.statExpected.Store(u.expected)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		timer.Reset(u.nextDeadline().Sub(u.m.now()))
		select {
		case <-ctx.Done():
			u.abandon()
			return
		case a := <-u.inbox:
			u.pending.Add(-1)
			now := u.m.now()
			u.lastActivity = now
			u.accept(ctx, a, now)
		case <-u.closeCh:
			u.shutdown(ctx)
			return
		case <-timer.C:
			if u.tick(ctx, u.m.now()) {
				return
			}
		}
	}
}

// nextDeadline is when the unit must next act on its own: start a held
// prebuffer, fill the expected hole, refresh held chunks, or retire when idle.
func (u *sessionUnit) nextDeadline() time.Time {
	cfg := u.m.cfg
	if len(u.window) == 0 {
		return u.lastActivity.Add(cfg.IdleTimeout)
	}
	d := u.gapDeadline()
	if !u.started {
		d = u.firstArrival.Add(cfg.GapTimeout)
	}
	if r := u.lastRefresh.Add(cfg.HoldRefresh); r.Before(d) {
		d = r
	}
	return d
}

// gapDeadline is when the outstanding expected sequence is given up on. The
// silence frame is paced one chunk interval behind the previous release.
func (u *sessionUnit) gapDeadline() time.Time {
	cfg := u.m.cfg
	d := u.becameExpected.Add(cfg.GapTimeout)
	if !u.lastRelease.IsZero() {
		if paced := u.lastRelease.Add(cfg.ChunkDuration); paced.After(d) {
			d = paced
		}
	}
	return d
}

// tick handles a timer firing. It reports true once the unit has retired.
func (u *sessionUnit) tick(ctx context.Context, now time.Time) bool {
	if len(u.window) > 0 && !now.Before(u.lastRefresh.Add(u.m.cfg.HoldRefresh)) {
		u.refresh(now)
	}
	switch {
	case len(u.window) == 0:
		if now.Sub(u.lastActivity) >= u.m.cfg.IdleTimeout && u.m.retire(u, false) {
			u.log.Debug("idle session retired", slog.Uint64("next", u.expected))
			if err := u.m.cfg.Sink.CloseSession(ctx, u.id); err != nil {
				u.log.Warn("sink close failed", slogError(err))
			}
			return true
		}
	case !u.started:
		u.drain(ctx, now)
	case !now.Before(u.gapDeadline()):
		u.gap(ctx, now, ReasonGapTimeout)
		u.drain(ctx, now)
	}
	return false
}

func (u *sessionUnit) accept(ctx context.Context, a arrival, now time.Time) {
	seq := a.env.Sequence
	if seq < u.expected {
		u.discard(a, "late")
		return
	}
	if held, dup := u.window[seq]; dup {
		// Acking the copy would remove the chunk from the channel while it is
		// only in memory, so it settles together with the held one.
		held.dups = append(held.dups, a.d)
		u.window[seq] = held
		u.log.Debug("duplicate of held chunk",
			slog.Uint64("sequence", seq),
			slog.Uint64("delivered", a.d.NumDelivered()))
		return
	}
	if u.firstArrival.IsZero() {
		u.firstArrival = now
	}
	for len(u.window) >= u.m.cfg.WindowCap {
		if !u.started {
			u.started = true
			u.drain(ctx, now)
			continue
		}
		if seq == u.expected {
			break
		}
		u.gap(ctx, now, ReasonWindowCap)
		u.drain(ctx, now)
	}
	u.window[seq] = a
	u.drain(ctx, now)
	u.m.metrics.WindowDepth.Record(ctx, int64(len(u.window)))
}

// drain releases every contiguous chunk starting at expected, once playback
// has started.
func (u *sessionUnit) drain(ctx context.Context, now time.Time) {
	if !u.started {
		cfg := u.m.cfg
		ready := cfg.Prebuffer <= 0 ||
			u.contiguous() >= cfg.Prebuffer ||
			(!u.firstArrival.IsZero() && now.Sub(u.firstArrival) >= cfg.GapTimeout)
		if !ready {
			u.statBuffered.Store(int64(len(u.window)))
			return
		}
		u.started = true
	}
	for {
		a, ok := u.window[u.expected]
		if !ok {
			break
		}
		delete(u.window, u.expected)
		u.release(ctx, a, now)
	}
	u.statBuffered.Store(int64(len(u.window)))
}

func (u *sessionUnit) contiguous() int {
	n := 0
	for {
		if _, ok := u.window[u.expected+uint64(n)]; !ok {
			return n
		}
		n++
	}
}

func (u *sessionUnit) release(ctx context.Context, a arrival, now time.Time) {
	cfg := u.m.cfg
	env := a.env
	f := Frame{
		SessionID:     u.id,
		Sequence:      env.Sequence,
		CorrelationID: env.CorrelationID,
		SampleRate:    env.Payload.SampleRate,
		Channels:      env.Payload.Channels,
	}
	if f.SampleRate <= 0 {
		f.SampleRate = cfg.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = cfg.Channels
	}
	kind := eventstore.KindReleased
	reason := ""
	if env.Payload.NoSpeech {
		d := cfg.ChunkDuration
		if env.Payload.DurationMS > 0 {
			d = time.Duration(env.Payload.DurationMS) * time.Millisecond
		}
		f.PCM = audio.Silence(d, f.SampleRate, f.Channels)
		f.Silence = true
		f.Reason = ReasonNoSpeech
		kind = eventstore.KindNoSpeech
		reason = ReasonNoSpeech
	} else {
		f.PCM = env.Payload.Audio
	}
	f.Duration = audio.Duration(len(f.PCM), f.SampleRate, f.Channels)

	u.emit(ctx, f)
	u.settle(a, func(d bus.Delivery) { bus.Ack(u.log, d, slog.Uint64("sequence", env.Sequence)) })
	u.record(ctx, eventstore.Outcome{
		SessionID:     u.id,
		Sequence:      env.Sequence,
		CorrelationID: env.CorrelationID,
		Kind:          kind,
		Boundary:      string(protocol.BoundaryBufferIn),
		Reason:        reason,
	})
	u.advance(now)
}

// gap gives up on the expected sequence and plays one chunk of silence in its
// place.
func (u *sessionUnit) gap(ctx context.Context, now time.Time, reason string) {
	cfg := u.m.cfg
	u.log.Info("gap filled",
		slog.Uint64("sequence", u.expected),
		slog.String("reason", reason),
		slog.Int("buffered", len(u.window)))
	u.emit(ctx, Frame{
		SessionID:  u.id,
		Sequence:   u.expected,
		PCM:        audio.Silence(cfg.ChunkDuration, cfg.SampleRate, cfg.Channels),
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Duration:   cfg.ChunkDuration,
		Silence:    true,
		Reason:     reason,
	})
	u.record(ctx, eventstore.Outcome{
		SessionID: u.id,
		Sequence:  u.expected,
		Kind:      eventstore.KindGapFilled,
		Boundary:  string(protocol.BoundaryBufferIn),
		Reason:    reason,
	})
	u.advance(now)
}

func (u *sessionUnit) emit(ctx context.Context, f Frame) {
	if err := u.m.cfg.Sink.Write(ctx, f); err != nil {
		u.log.Warn("sink write failed", slog.Uint64("sequence", f.Sequence), slogError(err))
	}
	kind := string(eventstore.KindReleased)
	switch {
	case f.Reason == ReasonNoSpeech:
		kind = string(eventstore.KindNoSpeech)
	case f.Silence:
		kind = string(eventstore.KindGapFilled)
	}
	u.m.metrics.PlaybackReleases.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", f.Reason),
	))
}

func (u *sessionUnit) record(ctx context.Context, o eventstore.Outcome) {
	if err := u.m.cfg.Ledger.RecordRelease(ctx, o); err != nil {
		u.log.Warn("ledger write failed", slog.Uint64("sequence", o.Sequence), slogError(err))
	}
}

func (u *sessionUnit) advance(now time.Time) {
	u.expected++
	u.becameExpected = now
	u.lastRelease = now
	u.statExpected.Store(u.expected)
	u.statLastRelease.Store(now.UnixNano())
}

func (u *sessionUnit) discard(a arrival, why string) {
	u.log.Debug("chunk discarded",
		slog.Uint64("sequence", a.env.Sequence),
		slog.Uint64("expected", u.expected),
		slog.String("why", why))
	bus.Ack(u.log, a.d, slog.Uint64("sequence", a.env.Sequence))
}

// settle applies fn to every handle of a chunk leaving the unit.
func (u *sessionUnit) settle(a arrival, fn func(bus.Delivery)) {
	fn(a.d)
	for _, d := range a.dups {
		fn(d)
	}
}

// refresh keeps the channel from redelivering chunks held in the window.
func (u *sessionUnit) refresh(now time.Time) {
	for seq, a := range u.window {
		u.settle(a, func(d bus.Delivery) { bus.Touch(u.log, d, slog.Uint64("sequence", seq)) })
	}
	u.lastRefresh = now
}

// shutdown flushes the window in order, drops anything still routed to the
// unit and retires the session as closed.
func (u *sessionUnit) shutdown(ctx context.Context) {
	now := u.m.now()
	u.started = true
	for len(u.window) > 0 {
		if a, ok := u.window[u.expected]; ok {
			delete(u.window, u.expected)
			u.release(ctx, a, now)
			continue
		}
		u.gap(ctx, now, ReasonSessionClosed)
	}
	u.statBuffered.Store(0)

	for !u.m.retire(u, true) {
		select {
		case a := <-u.inbox:
			u.pending.Add(-1)
			u.discard(a, "closed")
		case <-ctx.Done():
			return
		}
	}
	if err := u.m.cfg.Sink.CloseSession(ctx, u.id); err != nil {
		u.log.Warn("sink close failed", slogError(err))
	}
	if err := u.m.cfg.Ledger.MarkSessionClosed(ctx, u.id); err != nil {
		u.log.Warn("ledger close failed", slogError(err))
	}
	u.log.Info("session closed", slog.Uint64("next", u.expected))
}

// abandon returns held chunks to the channel so another process can play them.
func (u *sessionUnit) abandon() {
	for seq, a := range u.window {
		u.settle(a, func(d bus.Delivery) { bus.Nak(u.log, d, 0, slog.Uint64("sequence", seq)) })
	}
	for {
		select {
		case a := <-u.inbox:
			u.pending.Add(-1)
			bus.Nak(u.log, a.d, 0, slog.Uint64("sequence", a.env.Sequence))
		default:
			return
		}
	}
}
