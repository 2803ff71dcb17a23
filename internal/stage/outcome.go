package stage

import (
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// OutcomeKind tags the result of processing one chunk.
type OutcomeKind int

const (
	// OutcomeSuccess forwards Envelope downstream.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry redelivers the inbound chunk after Delay.
	OutcomeRetry
	// OutcomeDeadLetter moves the chunk to the dead-letter queue.
	OutcomeDeadLetter
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Outcome is the decision for one chunk. Only the fields of its Kind are set.
type Outcome struct {
	Kind     OutcomeKind
	Envelope protocol.Envelope
	Delay    time.Duration
	Reason   protocol.Reason
	Err      error
}

func success(env protocol.Envelope) Outcome {
	return Outcome{Kind: OutcomeSuccess, Envelope: env}
}

func deadLetter(reason protocol.Reason, err error) Outcome {
	return Outcome{Kind: OutcomeDeadLetter, Reason: reason, Err: err}
}
