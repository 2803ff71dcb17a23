package tts

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
)

// httpSynth posts {"text","gender"} and downloads the WAV referenced by
// data.s3_url.
type httpSynth struct {
	endpoint string
	client   backend.HTTPClient
}

func NewHTTPSynth(cfg config.TTSConfig) Synthesizer {
	return &httpSynth{
		endpoint: cfg.Endpoint,
		client: backend.HTTPClient{
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
			Token:  cfg.AccessToken,
		},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		pcm, err := h.synthesize(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{SampleRate: pcm.SampleRate, Channels: pcm.Channels, PCM: pcm.Data, Final: true}
	}()
	return chunks, errs
}

func (h *httpSynth) synthesize(ctx context.Context, req SynthRequest) (audio.PCM, error) {
	var out struct {
		S3URL string `json:"s3_url"`
	}
	body := map[string]string{"text": req.Text, "gender": req.Voice}
	if err := h.client.PostJSON(ctx, h.endpoint, body, &out); err != nil {
		return audio.PCM{}, err
	}
	if out.S3URL == "" {
		return audio.PCM{}, backend.Permanent(fmt.Errorf("tts response missing s3_url"))
	}
	wav, err := h.client.Fetch(ctx, out.S3URL)
	if err != nil {
		return audio.PCM{}, err
	}
	pcm, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		return audio.PCM{}, backend.Permanent(fmt.Errorf("decode synthesized audio: %w", err))
	}
	return pcm, nil
}
