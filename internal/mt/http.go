package mt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
)

// httpTranslator posts {"input_text"} to a per-language-pair endpoint and
// reads data.output_text.
type httpTranslator struct {
	endpoint  string
	endpoints map[string]string
	client    backend.HTTPClient
}

func NewHTTPTranslator(cfg config.MTConfig) Translator {
	return &httpTranslator{
		endpoint:  cfg.Endpoint,
		endpoints: cfg.Endpoints,
		client: backend.HTTPClient{
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
			Token:  cfg.AccessToken,
		},
	}
}

func (h *httpTranslator) endpointFor(source, target string) string {
	if ep, ok := h.endpoints[PairKey(source, target)]; ok && ep != "" {
		return ep
	}
	return h.endpoint
}

func (h *httpTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	endpoint := h.endpointFor(req.Source, req.Target)
	if endpoint == "" {
		return Result{}, backend.Permanent(fmt.Errorf("no mt endpoint for %s", PairKey(req.Source, req.Target)))
	}
	var out struct {
		OutputText string `json:"output_text"`
	}
	if err := h.client.PostJSON(ctx, endpoint, map[string]string{"input_text": req.Text}, &out); err != nil {
		return Result{}, err
	}
	return Result{Text: out.OutputText}, nil
}
