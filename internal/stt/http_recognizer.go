package stt

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
)

// httpRecognizer uploads each chunk as a multipart "audio_file" field and
// reads data.recognized_text from the reply.
type httpRecognizer struct {
	endpoint string
	client   backend.HTTPClient
}

func NewHTTPRecognizer(cfg config.STTConfig) Recognizer {
	return &httpRecognizer{
		endpoint: cfg.Endpoint,
		client: backend.HTTPClient{
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
			Token:  cfg.AccessToken,
		},
	}
}

func (r *httpRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, language string) (TranscriptResult, error) {
	wav, err := audio.WAVBytes(audio.PCM{Data: pcm, SampleRate: sampleRate, Channels: channels})
	if err != nil {
		return TranscriptResult{}, backend.Permanent(err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio_file", "chunk.wav")
	if err != nil {
		return TranscriptResult{}, backend.Permanent(err)
	}
	if _, err := part.Write(wav); err != nil {
		return TranscriptResult{}, backend.Permanent(err)
	}
	if language != "" {
		if err := form.WriteField("language", language); err != nil {
			return TranscriptResult{}, backend.Permanent(err)
		}
	}
	if err := form.Close(); err != nil {
		return TranscriptResult{}, backend.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return TranscriptResult{}, backend.Permanent(fmt.Errorf("build stt request: %w", err))
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out struct {
		RecognizedText string  `json:"recognized_text"`
		Confidence     float64 `json:"confidence"`
	}
	if err := r.client.Do(req, &out); err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{Text: out.RecognizedText, Confidence: out.Confidence}, nil
}
