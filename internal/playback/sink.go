package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Frame is one unit of released audio, in sequence order per session.
type Frame struct {
	SessionID     string
	Sequence      uint64
	CorrelationID string
	PCM           []byte
	SampleRate    int
	Channels      int
	Duration      time.Duration
	// Silence frames stand in for chunks without speech or never delivered.
	Silence bool
	Reason  string
}

// Sink receives released frames. Write is called from the session's own
// goroutine, so calls for one session never overlap.
type Sink interface {
	Write(ctx context.Context, f Frame) error
	CloseSession(ctx context.Context, sessionID string) error
	Close() error
}

// NewSink builds the sink named in cfg. nc is only needed by the bus sink.
func NewSink(cfg config.PlaybackConfig, nc *nats.Conn, prefix string, log *slog.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "discard":
		return DiscardSink{}, nil
	case "wav":
		return NewWAVSink(cfg.Directory, log)
	case "bus":
		if nc == nil {
			return nil, errors.New("bus sink requires a nats connection")
		}
		return NewBusSink(nc, prefix), nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, errors.New("http sink requires playback.endpoint")
		}
		return NewHTTPSink(cfg.Endpoint, nil), nil
	}
	return nil, fmt.Errorf("unknown playback sink %q", cfg.Sink)
}

type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Frame) error         { return nil }
func (DiscardSink) CloseSession(context.Context, string) error { return nil }
func (DiscardSink) Close() error                               { return nil }

// WAVSink streams each session into its own WAV file under dir. A session that
// resumes after its file was closed continues in a numbered sibling file.
type WAVSink struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]*wavFile
}

type wavFile struct {
	f *os.File
	w *audio.StreamWriter
}

func NewWAVSink(dir string, log *slog.Logger) (*WAVSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create playback dir: %w", err)
	}
	return &WAVSink{
		dir:   dir,
		log:   log.With(slog.String("component", "wav-sink")),
		files: make(map[string]*wavFile),
	}, nil
}

func (s *WAVSink) Write(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.files[f.SessionID]
	if !ok {
		path, err := s.nextPath(f.SessionID)
		if err != nil {
			return err
		}
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		wf = &wavFile{f: file, w: audio.NewStreamWriter(file, f.SampleRate, f.Channels)}
		s.files[f.SessionID] = wf
		s.log.Debug("session file opened", slog.String("session_id", f.SessionID), slog.String("path", path))
	}
	return wf.w.Write(f.PCM)
}

func (s *WAVSink) nextPath(sessionID string) (string, error) {
	base := sanitizeFilename(sessionID)
	for i := 0; i < 1000; i++ {
		name := base + ".wav"
		if i > 0 {
			name = base + "-" + strconv.Itoa(i) + ".wav"
		}
		path := filepath.Join(s.dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name for session %s", sessionID)
}

func (s *WAVSink) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	wf, ok := s.files[sessionID]
	delete(s.files, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return wf.close()
}

func (s *WAVSink) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = make(map[string]*wavFile)
	s.mu.Unlock()
	var errs []error
	for _, wf := range files {
		errs = append(errs, wf.close())
	}
	return errors.Join(errs...)
}

func (wf *wavFile) close() error {
	err := wf.w.Close()
	return errors.Join(err, wf.f.Close())
}

func sanitizeFilename(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

// Headers set on every frame published by BusSink.
const (
	HeaderSession    = "Loqa-Session"
	HeaderSequence   = "Loqa-Sequence"
	HeaderSampleRate = "Loqa-Sample-Rate"
	HeaderChannels   = "Loqa-Channels"
	HeaderSilence    = "Loqa-Silence"
	HeaderReason     = "Loqa-Reason"
	HeaderClosed     = "Loqa-Closed"
)

// BusSink publishes raw PCM frames on core NATS for an external player.
type BusSink struct {
	nc     *nats.Conn
	prefix string
}

func NewBusSink(nc *nats.Conn, prefix string) *BusSink {
	return &BusSink{nc: nc, prefix: prefix}
}

func (s *BusSink) Write(_ context.Context, f Frame) error {
	msg := nats.NewMsg(protocol.PlaybackSubject(s.prefix, f.SessionID))
	msg.Header.Set(HeaderSession, f.SessionID)
	msg.Header.Set(HeaderSequence, strconv.FormatUint(f.Sequence, 10))
	msg.Header.Set(HeaderSampleRate, strconv.Itoa(f.SampleRate))
	msg.Header.Set(HeaderChannels, strconv.Itoa(f.Channels))
	if f.Silence {
		msg.Header.Set(HeaderSilence, "true")
		msg.Header.Set(HeaderReason, f.Reason)
	}
	msg.Data = f.PCM
	return s.nc.PublishMsg(msg)
}

func (s *BusSink) CloseSession(_ context.Context, sessionID string) error {
	msg := nats.NewMsg(protocol.PlaybackSubject(s.prefix, sessionID))
	msg.Header.Set(HeaderSession, sessionID)
	msg.Header.Set(HeaderClosed, "true")
	return s.nc.PublishMsg(msg)
}

func (s *BusSink) Close() error {
	return s.nc.Flush()
}

// HTTPSink posts every frame as a small WAV file to a player endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSink(endpoint string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{endpoint: endpoint, client: client}
}

func (s *HTTPSink) Write(ctx context.Context, f Frame) error {
	data, err := audio.WAVBytes(audio.PCM{Data: f.PCM, SampleRate: f.SampleRate, Channels: f.Channels})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("X-Session-Id", f.SessionID)
	req.Header.Set("X-Sequence", strconv.FormatUint(f.Sequence, 10))
	if f.Silence {
		req.Header.Set("X-Silence", f.Reason)
	}
	return s.do(req)
}

func (s *HTTPSink) CloseSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Id", sessionID)
	return s.do(req)
}

func (s *HTTPSink) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("playback endpoint returned %s", resp.Status)
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }
