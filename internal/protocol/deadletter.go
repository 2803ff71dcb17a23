package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reason classifies why a chunk left the pipeline.
type Reason string

const (
	ReasonTransientExhausted Reason = "transient_exhausted"
	ReasonPermanent          Reason = "permanent"
	ReasonSchemaViolation    Reason = "schema_violation"
	ReasonMalformed          Reason = "malformed"
	ReasonSessionClosed      Reason = "session_closed"
	ReasonPublishExhausted   Reason = "publish_exhausted"
)

// DeadLetter is published to a boundary's dead-letter queue. Envelope is nil
// when the inbound message could not be decoded; Raw then holds the body.
type DeadLetter struct {
	Boundary string    `json:"boundary"`
	Reason   Reason    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Raw      []byte    `json:"raw,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// NewDeadLetter records env as failed at boundary.
func NewDeadLetter(boundary string, reason Reason, cause error, env Envelope, now time.Time) DeadLetter {
	failed := env
	if env.Stage != StageFailed {
		failed = env.Fail(now)
	}
	dl := DeadLetter{
		Boundary: boundary,
		Reason:   reason,
		Envelope: &failed,
		FailedAt: now.UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// NewMalformed records an inbound body that is not an envelope at all.
func NewMalformed(boundary string, cause error, raw []byte, now time.Time) DeadLetter {
	dl := DeadLetter{
		Boundary: boundary,
		Reason:   ReasonMalformed,
		Raw:      append([]byte(nil), raw...),
		FailedAt: now.UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// MsgID dedups republished dead letters for the same chunk and boundary.
func (d DeadLetter) MsgID() string {
	if d.Envelope != nil {
		return "dlq:" + d.Boundary + ":" + d.Envelope.CorrelationID
	}
	return ""
}

func (d DeadLetter) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}
