package playback

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func tone(session string, seq uint64) Frame {
	pcm := audio.Tone(20*time.Millisecond, 440, 16000, 1)
	return Frame{SessionID: session, Sequence: seq, PCM: pcm, SampleRate: 16000, Channels: 1, Duration: 20 * time.Millisecond}
}

func TestWAVSinkWritesSessionFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewWAVSink(dir, newLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	for seq := uint64(0); seq < 3; seq++ {
		if err := sink.Write(ctx, tone("room/1", seq)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := sink.CloseSession(ctx, "room/1"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	path := filepath.Join(dir, "room_1.wav")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	pcm, err := audio.DecodeWAV(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := pcm.Duration(); got != 60*time.Millisecond {
		t.Fatalf("expected 60ms of audio, got %s", got)
	}

	// a resumed session continues in a sibling file
	if err := sink.Write(ctx, tone("room/1", 3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "room_1-1.wav")); err != nil {
		t.Fatalf("expected continuation file: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"abc-123_X": "abc-123_X",
		"../etc":    "___etc",
		"":          "session",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitize %q: got %q want %q", in, got, want)
		}
	}
}

func TestHTTPSinkPostsWAV(t *testing.T) {
	var mu sync.Mutex
	var got []http.Header
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodDelete {
			deleted = r.Header.Get("X-Session-Id")
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) < 44 || string(body[:4]) != "RIFF" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got = append(got, r.Header.Clone())
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, srv.Client())
	ctx := context.Background()
	if err := sink.Write(ctx, tone("s1", 4)); err != nil {
		t.Fatalf("write: %v", err)
	}
	silent := tone("s1", 5)
	silent.Silence = true
	silent.Reason = ReasonGapTimeout
	if err := sink.Write(ctx, silent); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(got))
	}
	if got[0].Get("Content-Type") != "audio/wav" || got[0].Get("X-Sequence") != "4" || got[0].Get("X-Silence") != "" {
		t.Fatalf("unexpected headers %v", got[0])
	}
	if got[1].Get("X-Silence") != ReasonGapTimeout {
		t.Fatalf("expected silence header, got %v", got[1])
	}
	if deleted != "s1" {
		t.Fatalf("expected session close, got %q", deleted)
	}
}

func TestHTTPSinkReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if err := NewHTTPSink(srv.URL, nil).Write(context.Background(), tone("s1", 0)); err == nil {
		t.Fatal("expected error")
	}
}

func TestBusSinkPublishesFrames(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("relay.playback.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sink, err := NewSink(config.PlaybackConfig{Sink: "bus"}, nc, "relay", newLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	silent := tone("room.1", 7)
	silent.Silence = true
	silent.Reason = ReasonWindowCap
	if err := sink.Write(ctx, silent); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.CloseSession(ctx, "room.1"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject != "relay.playback.room_1" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if msg.Header.Get(HeaderSequence) != "7" || msg.Header.Get(HeaderReason) != ReasonWindowCap || len(msg.Data) != len(silent.PCM) {
		t.Fatalf("unexpected frame %v (%d bytes)", msg.Header, len(msg.Data))
	}
	closed, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if closed.Header.Get(HeaderClosed) != "true" || closed.Header.Get(HeaderSession) != "room.1" {
		t.Fatalf("unexpected close marker %v", closed.Header)
	}
}

func TestNewSinkSelection(t *testing.T) {
	if _, err := NewSink(config.PlaybackConfig{Sink: "discard"}, nil, "relay", newLogger()); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := NewSink(config.PlaybackConfig{Sink: "wav", Directory: t.TempDir()}, nil, "relay", newLogger()); err != nil {
		t.Fatalf("wav: %v", err)
	}
	if _, err := NewSink(config.PlaybackConfig{Sink: "bus"}, nil, "relay", newLogger()); err == nil {
		t.Fatal("bus sink without connection should fail")
	}
	if _, err := NewSink(config.PlaybackConfig{Sink: "http"}, nil, "relay", newLogger()); err == nil {
		t.Fatal("http sink without endpoint should fail")
	}
	if _, err := NewSink(config.PlaybackConfig{Sink: "speaker"}, nil, "relay", newLogger()); err == nil {
		t.Fatal("unknown sink should fail")
	}
}
