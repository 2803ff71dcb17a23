// Package mt translates recognized text between languages.
package mt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Request describes one text to translate.
type Request struct {
	Text   string
	Source string
	Target string
}

// Result carries the translated text.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Translator defines a pluggable translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// New builds the translator selected by cfg.Mode.
func New(cfg config.MTConfig) (Translator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranslator(), nil
	case "exec":
		return NewExecTranslator(cfg.Command)
	case "http":
		return NewHTTPTranslator(cfg), nil
	case "ollama":
		return NewOllamaTranslator(cfg), nil
	}
	return nil, fmt.Errorf("unsupported mt mode %q", cfg.Mode)
}

// PairKey names a language pair the way per-pair endpoints are keyed.
func PairKey(source, target string) string {
	return strings.ToLower(source) + "_to_" + strings.ToLower(target)
}

// Backend exposes t through the stage backend contract: recognized text in,
// translated text out.
func Backend(name string, t Translator) backend.Backend {
	return &translatorBackend{name: name, t: t}
}

type translatorBackend struct {
	name string
	t    Translator
}

func (b *translatorBackend) Name() string { return b.name }

func (b *translatorBackend) Call(ctx context.Context, in protocol.Payload, opts backend.Options) (protocol.Payload, error) {
	source := in.Language
	if source == "" {
		source = opts.SourceLanguage
	}
	res, err := b.t.Translate(ctx, Request{Text: in.Text, Source: source, Target: opts.TargetLanguage})
	if err != nil {
		return protocol.Payload{}, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return protocol.Payload{}, backend.Permanent(fmt.Errorf("empty translation"))
	}
	return protocol.Payload{
		Text:       text,
		SourceText: in.Text,
		Language:   opts.TargetLanguage,
		DurationMS: in.DurationMS,
	}, nil
}
