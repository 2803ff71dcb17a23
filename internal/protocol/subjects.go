package protocol

import "strings"

// Boundary names one hop of the pipeline. Each has a work queue subject and a
// dead-letter subject under the configured prefix.
type Boundary string

const (
	BoundaryASRIn    Boundary = "asr.in"
	BoundaryASROut   Boundary = "asr.out"
	BoundaryMTIn     Boundary = "mt.in"
	BoundaryMTOut    Boundary = "mt.out"
	BoundaryTTSIn    Boundary = "tts.in"
	BoundaryTTSOut   Boundary = "tts.out"
	BoundaryBufferIn Boundary = "buffer.in"
)

// Boundaries lists every work queue in pipeline order.
var Boundaries = []Boundary{
	BoundaryASRIn, BoundaryASROut,
	BoundaryMTIn, BoundaryMTOut,
	BoundaryTTSIn, BoundaryTTSOut,
	BoundaryBufferIn,
}

// Subject is the work queue subject for b.
func (b Boundary) Subject(prefix string) string {
	return prefix + "." + string(b)
}

// DeadLetterSubject is the per-boundary dead-letter subject for b.
func (b Boundary) DeadLetterSubject(prefix string) string {
	return prefix + ".dlq." + string(b)
}

// Durable is the JetStream consumer name for b.
func (b Boundary) Durable() string {
	return strings.ReplaceAll(string(b), ".", "-")
}

// DeadLetterWildcard matches every dead-letter subject.
func DeadLetterWildcard(prefix string) string {
	return prefix + ".dlq.>"
}

// PlaybackSubject carries released frames for external players.
func PlaybackSubject(prefix, sessionID string) string {
	return prefix + ".playback." + tokenReplacer.Replace(sessionID)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
