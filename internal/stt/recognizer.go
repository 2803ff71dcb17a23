package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. pcm is one chunk of 16-bit little-endian audio.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, language string) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg), nil
	}
	return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
}

// Backend exposes r through the stage backend contract: Captured audio in,
// recognized text out.
func Backend(name string, r Recognizer) backend.Backend {
	return &recognizerBackend{name: name, r: r}
}

type recognizerBackend struct {
	name string
	r    Recognizer
}

func (b *recognizerBackend) Name() string { return b.name }

func (b *recognizerBackend) Call(ctx context.Context, in protocol.Payload, opts backend.Options) (protocol.Payload, error) {
	sampleRate, channels := in.SampleRate, in.Channels
	if sampleRate <= 0 {
		sampleRate = opts.SampleRate
	}
	if channels <= 0 {
		channels = opts.Channels
	}
	if len(in.Audio)%2 != 0 {
		return protocol.Payload{}, backend.Permanent(fmt.Errorf("pcm payload not aligned"))
	}
	result, err := b.r.Transcribe(ctx, in.Audio, sampleRate, channels, opts.SourceLanguage)
	if err != nil {
		return protocol.Payload{}, err
	}
	text := strings.TrimSpace(result.Text)
	return protocol.Payload{
		Text:       text,
		Language:   opts.SourceLanguage,
		DurationMS: durationMS(in),
		NoSpeech:   text == "",
	}, nil
}

func durationMS(in protocol.Payload) int {
	if in.DurationMS > 0 {
		return in.DurationMS
	}
	return int(audio.Duration(len(in.Audio), in.SampleRate, in.Channels).Milliseconds())
}
