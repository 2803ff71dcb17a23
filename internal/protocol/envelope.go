package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is the lifecycle position of a chunk.
type Stage string

const (
	StageCaptured    Stage = "captured"
	StageRecognized  Stage = "recognized"
	StageTranslated  Stage = "translated"
	StageSynthesized Stage = "synthesized"
	StageFailed      Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageCaptured:    0,
	StageRecognized:  1,
	StageTranslated:  2,
	StageSynthesized: 3,
}

var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrStageRegression = errors.New("stage regression")
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StageFailed
}

// Terminal reports whether no further processing applies.
func (s Stage) Terminal() bool {
	return s == StageSynthesized || s == StageFailed
}

// Next returns the stage that follows s in the pipeline.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageCaptured:
		return StageRecognized, true
	case StageRecognized:
		return StageTranslated, true
	case StageTranslated:
		return StageSynthesized, true
	}
	return "", false
}

// Payload carries the stage-specific content of a chunk.
type Payload struct {
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
	Text       string `json:"text,omitempty"`
	SourceText string `json:"source_text,omitempty"`
	Language   string `json:"language,omitempty"`
	NoSpeech   bool   `json:"no_speech,omitempty"`
}

// SessionOptions are a session's own language and voice selections. Empty
// fields fall back to the stage defaults.
type SessionOptions struct {
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Voice          string `json:"voice,omitempty"`
}

func (o SessionOptions) IsZero() bool {
	return o == SessionOptions{}
}

// Envelope is the tracked record of one chunk as it moves through the pipeline.
type Envelope struct {
	SessionID       string              `json:"session_id"`
	Sequence        uint64              `json:"sequence"`
	CorrelationID   string              `json:"correlation_id"`
	Stage           Stage               `json:"stage"`
	Payload         Payload             `json:"payload"`
	Options         *SessionOptions     `json:"options,omitempty"`
	AttemptCount    int                 `json:"attempt_count"`
	CreatedAt       time.Time           `json:"created_at"`
	StageTimestamps map[Stage]time.Time `json:"stage_timestamps,omitempty"`
}

// NewEnvelope creates a Captured envelope with a fresh correlation id.
func NewEnvelope(sessionID string, sequence uint64, payload Payload, now time.Time) Envelope {
	now = now.UTC()
	return Envelope{
		SessionID:       sessionID,
		Sequence:        sequence,
		CorrelationID:   uuid.NewString(),
		Stage:           StageCaptured,
		Payload:         payload,
		CreatedAt:       now,
		StageTimestamps: map[Stage]time.Time{StageCaptured: now},
	}
}

// Advance returns a copy of e moved to next with the given payload. The attempt
// counter restarts for the new stage; identity fields are preserved.
func (e Envelope) Advance(next Stage, payload Payload, now time.Time) (Envelope, error) {
	if next == StageFailed {
		return e.Fail(now), nil
	}
	from, ok := stageOrder[e.Stage]
	if !ok {
		return e, fmt.Errorf("%w: cannot advance from %s", ErrStageRegression, e.Stage)
	}
	to, ok := stageOrder[next]
	if !ok || to <= from {
		return e, fmt.Errorf("%w: %s -> %s", ErrStageRegression, e.Stage, next)
	}
	out := e.clone()
	out.Stage = next
	out.Payload = payload
	out.AttemptCount = 0
	out.StageTimestamps[next] = now.UTC()
	return out, nil
}

// Fail returns a copy of e marked Failed. The payload is kept for reporting.
func (e Envelope) Fail(now time.Time) Envelope {
	out := e.clone()
	out.Stage = StageFailed
	out.StageTimestamps[StageFailed] = now.UTC()
	return out
}

// StageTime returns when the envelope entered its current stage.
func (e Envelope) StageTime() (time.Time, bool) {
	ts, ok := e.StageTimestamps[e.Stage]
	return ts, ok && !ts.IsZero()
}

// MsgID is the broker deduplication key: stable across retries of the same
// logical chunk at the same stage.
func (e Envelope) MsgID() string {
	return e.CorrelationID + ":" + string(e.Stage)
}

// Validate checks identity fields and that the payload matches the stage.
func (e Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrSchemaViolation)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrSchemaViolation)
	}
	if !e.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrSchemaViolation, e.Stage)
	}
	if e.AttemptCount < 0 {
		return fmt.Errorf("%w: negative attempt_count", ErrSchemaViolation)
	}
	if e.Payload.NoSpeech {
		return nil
	}
	switch e.Stage {
	case StageCaptured, StageSynthesized:
		if len(e.Payload.Audio) == 0 {
			return fmt.Errorf("%w: %s chunk without audio", ErrSchemaViolation, e.Stage)
		}
	case StageRecognized, StageTranslated:
		if e.Payload.Text == "" {
			return fmt.Errorf("%w: %s chunk without text", ErrSchemaViolation, e.Stage)
		}
	}
	return nil
}

// ValidateFor checks e is well formed and sits at the expected stage.
func (e Envelope) ValidateFor(expected Stage) error {
	if e.Stage != expected {
		return fmt.Errorf("%w: stage %s, want %s", ErrSchemaViolation, e.Stage, expected)
	}
	return e.Validate()
}

func (e Envelope) clone() Envelope {
	out := e
	if e.Options != nil {
		opts := *e.Options
		out.Options = &opts
	}
	out.StageTimestamps = make(map[Stage]time.Time, len(e.StageTimestamps)+1)
	for k, v := range e.StageTimestamps {
		out.StageTimestamps[k] = v
	}
	return out
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire envelope. Structural validation is left to the caller.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
