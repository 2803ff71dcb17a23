package capture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/testutil"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func wav(t *testing.T, d time.Duration) []byte {
	t.Helper()
	data, err := audio.WAVBytes(audio.PCM{Data: audio.Tone(d, 440, 16000, 1), SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	return data
}

func TestPushWAVChunksAndNumbers(t *testing.T) {
	out := testutil.NewMemoryChannel("asr.in")
	p := NewPublisher(out, Config{ChunkDuration: 300 * time.Millisecond, Language: "english"}, newLogger())
	ctx := context.Background()

	res, err := p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, time.Second)))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Chunks != 4 || res.FirstSequence != 0 || res.Duration != time.Second {
		t.Fatalf("unexpected result %+v", res)
	}
	published := out.Published()
	for i, env := range published {
		if env.Sequence != uint64(i) || env.Stage != protocol.StageCaptured || env.Payload.Language != "english" {
			t.Fatalf("chunk %d: unexpected envelope %+v", i, env)
		}
		if err := env.ValidateFor(protocol.StageCaptured); err != nil {
			t.Fatalf("chunk %d invalid: %v", i, err)
		}
	}
	if published[0].Payload.DurationMS != 300 || published[3].Payload.DurationMS != 100 {
		t.Fatalf("unexpected durations %d, %d", published[0].Payload.DurationMS, published[3].Payload.DurationMS)
	}

	// a second upload continues the session
	res, err = p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, 300*time.Millisecond)))
	if err != nil || res.FirstSequence != 4 {
		t.Fatalf("expected continuation at 4, got %+v %v", res, err)
	}
	p.StartAt("s2", 10)
	p.StartAt("s2", 3)
	if res, _ := p.PushWAV(ctx, "s2", bytes.NewReader(wav(t, 300*time.Millisecond))); res.FirstSequence != 10 {
		t.Fatalf("expected s2 to start at 10, got %d", res.FirstSequence)
	}
}

func TestPushRetriesAndNeverReusesSequences(t *testing.T) {
	out := testutil.NewMemoryChannel("asr.in")
	p := NewPublisher(out, Config{
		ChunkDuration: 100 * time.Millisecond,
		Policy:        retry.Policy{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}, newLogger())
	ctx := context.Background()

	out.FailNextPublishes(1)
	if _, err := p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, 200*time.Millisecond))); err != nil {
		t.Fatalf("one failure should be retried: %v", err)
	}

	out.FailNextPublishes(2)
	if _, err := p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, 100*time.Millisecond))); err == nil {
		t.Fatal("expected publish error after retries")
	}
	res, err := p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, 100*time.Millisecond)))
	if err != nil || res.FirstSequence != 3 {
		t.Fatalf("failed sequence must not be reused, got %+v %v", res, err)
	}
}

func TestPushRejectsBadInput(t *testing.T) {
	p := NewPublisher(testutil.NewMemoryChannel("asr.in"), Config{}, newLogger())
	ctx := context.Background()
	if _, err := p.PushWAV(ctx, "s1", bytes.NewReader([]byte("nope"))); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := p.PushPCM(ctx, "", audio.PCM{Data: []byte{0, 0}, SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected missing session error")
	}
	if _, err := p.PushPCM(ctx, "s1", audio.PCM{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected empty audio error")
	}
}

func TestRealtimePacing(t *testing.T) {
	out := testutil.NewMemoryChannel("asr.in")
	p := NewPublisher(out, Config{ChunkDuration: 20 * time.Millisecond, Realtime: true}, newLogger())
	start := time.Now()
	if _, err := p.PushWAV(context.Background(), "s1", bytes.NewReader(wav(t, 60*time.Millisecond))); err != nil {
		t.Fatalf("push: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected paced publishing, took %s", elapsed)
	}
}

func TestConfiguredSessionCarriesOptions(t *testing.T) {
	out := testutil.NewMemoryChannel("asr.in")
	p := NewPublisher(out, Config{ChunkDuration: 300 * time.Millisecond, Language: "english"}, newLogger())
	ctx := context.Background()

	p.Configure("s1", protocol.SessionOptions{SourceLanguage: "hindi", TargetLanguage: "english", Voice: "female"})
	if _, err := p.PushWAV(ctx, "s1", bytes.NewReader(wav(t, 600*time.Millisecond))); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := p.PushWAV(ctx, "s2", bytes.NewReader(wav(t, 300*time.Millisecond))); err != nil {
		t.Fatalf("push: %v", err)
	}

	published := out.Published()
	if len(published) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(published))
	}
	for _, env := range published[:2] {
		if env.Options == nil || env.Options.Voice != "female" || env.Payload.Language != "hindi" {
			t.Fatalf("configured chunk missing options: %+v %+v", env.Options, env.Payload.Language)
		}
	}
	if published[2].Options != nil || published[2].Payload.Language != "english" {
		t.Fatalf("unconfigured session should use defaults, got %+v", published[2].Options)
	}

	p.Forget("s1")
	if _, ok := p.Options("s1"); ok {
		t.Fatal("closed session should drop its options")
	}
}
