package mt

import (
	"context"
	"strings"
)

type mockTranslator struct{}

func NewMockTranslator() Translator { return &mockTranslator{} }

func (m *mockTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: "[" + req.Target + ": " + strings.TrimSpace(req.Text) + "]"}, nil
}
