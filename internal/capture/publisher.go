// Package capture is the entry point of the pipeline: it cuts incoming audio
// into fixed-length chunks, numbers them per session and publishes them as
// captured envelopes.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
)

// ErrInvalidAudio reports input that cannot be chunked.
var ErrInvalidAudio = errors.New("invalid audio")

// Channel is the recognition input queue.
type Channel interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

type Config struct {
	ChunkDuration time.Duration
	Language      string
	// Realtime paces chunks at the speed they would be spoken.
	Realtime bool
	Policy   retry.Policy
}

// Result summarizes one push.
type Result struct {
	SessionID     string        `json:"session_id"`
	FirstSequence uint64        `json:"first_sequence"`
	Chunks        int           `json:"chunks"`
	Duration      time.Duration `json:"duration"`
}

// Publisher assigns sequence numbers. Numbers are never reused within a
// process, even when a publish fails.
type Publisher struct {
	out    Channel
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	next    map[string]uint64
	options map[string]protocol.SessionOptions
}

func NewPublisher(out Channel, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 300 * time.Millisecond
	}
	return &Publisher{
		out:     out,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "capture")),
		now:     time.Now,
		next:    make(map[string]uint64),
		options: make(map[string]protocol.SessionOptions),
	}
}

// StartAt makes the session's next chunk use seq, for sessions continued
// across processes. It never moves a counter backwards.
func (p *Publisher) StartAt(sessionID string, seq uint64) {
	p.mu.Lock()
	if seq > p.next[sessionID] {
		p.next[sessionID] = seq
	}
	p.mu.Unlock()
}

// Configure sets the languages and voice used for the session's chunks from
// now on. Empty fields keep the stage defaults.
func (p *Publisher) Configure(sessionID string, opts protocol.SessionOptions) {
	p.mu.Lock()
	if opts.IsZero() {
		delete(p.options, sessionID)
	} else {
		p.options[sessionID] = opts
	}
	p.mu.Unlock()
	p.logger.Info("session configured",
		slog.String("session_id", sessionID),
		slog.String("source_language", opts.SourceLanguage),
		slog.String("target_language", opts.TargetLanguage),
		slog.String("voice", opts.Voice))
}

// Options returns the session's selections, if any.
func (p *Publisher) Options(sessionID string) (protocol.SessionOptions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts, ok := p.options[sessionID]
	return opts, ok
}

// Forget drops the session's counter and selections once it is closed.
func (p *Publisher) Forget(sessionID string) {
	p.mu.Lock()
	delete(p.next, sessionID)
	delete(p.options, sessionID)
	p.mu.Unlock()
}

func (p *Publisher) reserve(sessionID string, n int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := p.next[sessionID]
	p.next[sessionID] = first + uint64(n)
	return first
}

// PushWAV chunks a WAV stream into the session.
func (p *Publisher) PushWAV(ctx context.Context, sessionID string, r io.ReadSeeker) (Result, error) {
	pcm, err := audio.DecodeWAV(r)
	if err != nil {
		return Result{SessionID: sessionID}, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	return p.PushPCM(ctx, sessionID, pcm)
}

// PushPCM chunks raw audio into the session.
func (p *Publisher) PushPCM(ctx context.Context, sessionID string, pcm audio.PCM) (Result, error) {
	res := Result{SessionID: sessionID}
	if sessionID == "" {
		return res, errors.New("session id required")
	}
	if pcm.SampleRate <= 0 || pcm.Channels <= 0 {
		return res, fmt.Errorf("%w: format %d Hz x %d", ErrInvalidAudio, pcm.SampleRate, pcm.Channels)
	}
	chunks := audio.Split(pcm, p.cfg.ChunkDuration)
	if len(chunks) == 0 {
		return res, fmt.Errorf("%w: no samples", ErrInvalidAudio)
	}
	first := p.reserve(sessionID, len(chunks))
	res.FirstSequence = first
	language := p.cfg.Language
	opts, configured := p.Options(sessionID)
	if configured && opts.SourceLanguage != "" {
		language = opts.SourceLanguage
	}

	for i, chunk := range chunks {
		if i > 0 && p.cfg.Realtime {
			t := time.NewTimer(p.cfg.ChunkDuration)
			select {
			case <-ctx.Done():
				t.Stop()
				return res, ctx.Err()
			case <-t.C:
			}
		}
		d := audio.Duration(len(chunk), pcm.SampleRate, pcm.Channels)
		env := protocol.NewEnvelope(sessionID, first+uint64(i), protocol.Payload{
			Audio:      chunk,
			SampleRate: pcm.SampleRate,
			Channels:   pcm.Channels,
			DurationMS: int(d / time.Millisecond),
			Language:   language,
		}, p.now())
		if configured {
			env.Options = &opts
		}
		err := p.cfg.Policy.Do(ctx, func() error {
			return p.out.Publish(ctx, env)
		})
		if err != nil {
			p.logger.Error("capture publish failed",
				slog.String("session_id", sessionID),
				slog.Uint64("sequence", env.Sequence),
				slog.String("error", err.Error()))
			return res, fmt.Errorf("publish chunk %d: %w", env.Sequence, err)
		}
		res.Chunks++
		res.Duration += d
	}
	p.logger.Info("audio captured",
		slog.String("session_id", sessionID),
		slog.Uint64("first_sequence", first),
		slog.Int("chunks", res.Chunks),
		slog.Duration("duration", res.Duration))
	return res, nil
}
