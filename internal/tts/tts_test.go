package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func TestMockBackendMatchesChunkDuration(t *testing.T) {
	b := Backend("tts", NewMockSynth(16000, 1))
	out, err := b.Call(context.Background(), protocol.Payload{Text: "namaste", DurationMS: 300, Language: "hindi"}, backend.Options{Voice: "male"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.DurationMS != 300 {
		t.Fatalf("expected 300ms of audio, got %d", out.DurationMS)
	}
	if len(out.Audio) != audio.FrameBytes(300*time.Millisecond, 16000, 1) {
		t.Fatalf("unexpected pcm length %d", len(out.Audio))
	}
	if out.SampleRate != 16000 || out.Channels != 1 || out.Text != "namaste" {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestHTTPSynthFetchesAudio(t *testing.T) {
	wav, err := audio.WAVBytes(audio.PCM{Data: audio.Tone(200*time.Millisecond, 440, 8000, 1), SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["gender"] != "female" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"s3_url": srv.URL + "/audio.wav"}})
	})
	mux.HandleFunc("/audio.wav", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(wav)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	synth, err := New(config.TTSConfig{Mode: "http", Endpoint: srv.URL + "/synthesize", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	pcm, err := Collect(context.Background(), synth, SynthRequest{Text: "hello", Voice: "female"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if pcm.SampleRate != 8000 || pcm.Channels != 1 {
		t.Fatalf("unexpected format %+v", pcm)
	}
	if pcm.Duration() != 200*time.Millisecond {
		t.Fatalf("unexpected duration %s", pcm.Duration())
	}
}

func TestHTTPSynthMissingURLIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	_, err := Collect(context.Background(), NewHTTPSynth(config.TTSConfig{Endpoint: srv.URL, TimeoutMS: 2000}), SynthRequest{Text: "x"})
	if !backend.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
