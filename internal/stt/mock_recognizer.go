package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

// Transcribe reports silence for all-zero chunks so the no-speech path is
// exercised end to end.
func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, language string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if silent(pcm) {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", language, len(pcm)),
		Confidence: 1,
	}, nil
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
