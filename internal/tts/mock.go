package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
)

const (
	mockTone        = 440.0
	mockPerRune     = 60 * time.Millisecond
	mockMinDuration = 100 * time.Millisecond
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// Synthesize emits a tone as long as the source chunk, or proportional to the
// text when no duration is known.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		d := req.Duration
		if d <= 0 {
			d = time.Duration(len([]rune(req.Text))) * mockPerRune
		}
		if d < mockMinDuration {
			d = mockMinDuration
		}
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        audio.Tone(d, mockTone, m.sampleRate, m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}
