// Package tts turns translated text into PCM audio.
package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string
	Voice    string
	Language string
	// Duration hints how long the source chunk was; mock synthesis matches it.
	Duration time.Duration
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "http":
		return NewHTTPSynth(cfg), nil
	}
	return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
}

// Collect drains a synthesis stream into a single PCM buffer.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest) (audio.PCM, error) {
	chunks, errs := s.Synthesize(ctx, req)
	var out audio.PCM
	for chunk := range chunks {
		if out.SampleRate == 0 {
			out.SampleRate = chunk.SampleRate
			out.Channels = chunk.Channels
		}
		out.Data = append(out.Data, chunk.PCM...)
	}
	if err := <-errs; err != nil {
		return audio.PCM{}, err
	}
	return out, nil
}

// Backend exposes s through the stage backend contract: translated text in,
// synthesized audio out.
func Backend(name string, s Synthesizer) backend.Backend {
	return &synthBackend{name: name, s: s}
}

type synthBackend struct {
	name string
	s    Synthesizer
}

func (b *synthBackend) Name() string { return b.name }

func (b *synthBackend) Call(ctx context.Context, in protocol.Payload, opts backend.Options) (protocol.Payload, error) {
	pcm, err := Collect(ctx, b.s, SynthRequest{
		Text:     in.Text,
		Voice:    opts.Voice,
		Language: opts.TargetLanguage,
		Duration: time.Duration(in.DurationMS) * time.Millisecond,
	})
	if err != nil {
		return protocol.Payload{}, err
	}
	if len(pcm.Data) == 0 {
		return protocol.Payload{}, backend.Permanent(fmt.Errorf("synthesizer returned no audio"))
	}
	if pcm.SampleRate <= 0 {
		pcm.SampleRate = opts.SampleRate
	}
	if pcm.Channels <= 0 {
		pcm.Channels = opts.Channels
	}
	return protocol.Payload{
		Audio:      pcm.Data,
		SampleRate: pcm.SampleRate,
		Channels:   pcm.Channels,
		DurationMS: int(pcm.Duration().Milliseconds()),
		Text:       in.Text,
		SourceText: in.SourceText,
		Language:   in.Language,
	}, nil
}
