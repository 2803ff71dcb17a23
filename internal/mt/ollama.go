package mt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
)

type ollamaTranslator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaTranslator(cfg config.MTConfig) Translator {
	model := cfg.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaTranslator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

const ollamaSystem = "You are a translation engine. Reply with the translation only, without quotes or commentary."

func (o *ollamaTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: fmt.Sprintf("Translate the following %s text into %s:\n\n%s", req.Source, req.Target, req.Text),
		System: ollamaSystem,
		Stream: true,
	})
	if err != nil {
		return Result{}, backend.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, backend.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Result{}, backend.FromTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, backend.FromStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Result
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, backend.Transient(fmt.Errorf("decode ollama chunk: %w", err))
		}
		text.WriteString(chunk.Response)
		if chunk.EvalCount > 0 {
			out.CompletionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			out.PromptTokens = chunk.PromptEvalCount
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, backend.Transient(err)
	}
	out.Text = text.String()
	return out, nil
}
