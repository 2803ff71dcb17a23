package mt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
}

type execResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse mt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("mt command empty")
	}
	return &execTranslator{cmd: args}, nil
}

// Translate writes {"text","source","target"} to the command's stdin and
// reads {"text"} from its stdout.
func (e *execTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	input, err := json.Marshal(map[string]any{
		"text":   req.Text,
		"source": req.Source,
		"target": req.Target,
	})
	if err != nil {
		return Result{}, backend.Permanent(err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Result{}, backend.Transient(fmt.Errorf("mt exec command failed: %w: %s", err, stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, backend.Permanent(fmt.Errorf("decode mt exec response: %w", err))
	}
	return Result{Text: resp.Text, PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}, nil
}
