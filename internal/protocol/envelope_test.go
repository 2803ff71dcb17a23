package protocol

import (
	"errors"
	"testing"
	"time"
)

func capturedEnvelope(t *testing.T) Envelope {
	t.Helper()
	return NewEnvelope("session-1", 7, Payload{Audio: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1}, time.Unix(100, 0))
}

func TestNewEnvelopeAssignsIdentity(t *testing.T) {
	a := capturedEnvelope(t)
	b := capturedEnvelope(t)
	if a.CorrelationID == "" || a.CorrelationID == b.CorrelationID {
		t.Fatalf("expected distinct correlation ids, got %q and %q", a.CorrelationID, b.CorrelationID)
	}
	if a.Stage != StageCaptured || a.AttemptCount != 0 {
		t.Fatalf("unexpected initial state %+v", a)
	}
	if _, ok := a.StageTime(); !ok {
		t.Fatal("expected captured timestamp")
	}
	if err := a.ValidateFor(StageCaptured); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	env := capturedEnvelope(t)
	env.AttemptCount = 2

	rec, err := env.Advance(StageRecognized, Payload{Text: "hello"}, time.Unix(101, 0))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if rec.CorrelationID != env.CorrelationID || rec.Sequence != env.Sequence || rec.SessionID != env.SessionID {
		t.Fatal("identity must survive advance")
	}
	if rec.AttemptCount != 0 {
		t.Fatalf("expected attempt reset, got %d", rec.AttemptCount)
	}
	if _, ok := env.StageTimestamps[StageRecognized]; ok {
		t.Fatal("advance must not mutate the source envelope")
	}

	if _, err := rec.Advance(StageCaptured, Payload{Audio: []byte{1}}, time.Unix(102, 0)); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	if _, err := rec.Advance(StageRecognized, Payload{Text: "again"}, time.Unix(102, 0)); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected regression error for same stage, got %v", err)
	}

	failed, err := rec.Advance(StageFailed, Payload{}, time.Unix(103, 0))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Stage != StageFailed || failed.Payload.Text != "hello" {
		t.Fatalf("unexpected failed envelope %+v", failed)
	}
	if _, err := failed.Advance(StageSynthesized, Payload{Audio: []byte{1}}, time.Unix(104, 0)); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("failed chunks must not advance, got %v", err)
	}
}

func TestValidateFor(t *testing.T) {
	env := capturedEnvelope(t)
	if err := env.ValidateFor(StageRecognized); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected stage mismatch, got %v", err)
	}

	rec, _ := env.Advance(StageRecognized, Payload{}, time.Unix(101, 0))
	if err := rec.ValidateFor(StageRecognized); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected missing payload violation, got %v", err)
	}

	silent, _ := env.Advance(StageRecognized, Payload{NoSpeech: true}, time.Unix(101, 0))
	if err := silent.ValidateFor(StageRecognized); err != nil {
		t.Fatalf("no-speech chunk should validate: %v", err)
	}

	anon := env
	anon.SessionID = ""
	if err := anon.Validate(); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected missing session violation, got %v", err)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := capturedEnvelope(t)
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MsgID() != env.MsgID() {
		t.Fatalf("msg id changed across the wire: %q vs %q", decoded.MsgID(), env.MsgID())
	}
	if !decoded.StageTimestamps[StageCaptured].Equal(env.StageTimestamps[StageCaptured]) {
		t.Fatal("stage timestamps lost")
	}
	if _, err := DecodeEnvelope([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDeadLetterMarksFailed(t *testing.T) {
	env := capturedEnvelope(t)
	dl := NewDeadLetter("asr.in", ReasonPermanent, errors.New("unsupported codec"), env, time.Unix(200, 0))
	if dl.Envelope == nil || dl.Envelope.Stage != StageFailed {
		t.Fatalf("expected failed envelope, got %+v", dl.Envelope)
	}
	if env.Stage != StageCaptured {
		t.Fatal("original envelope must not change")
	}
	if dl.Error != "unsupported codec" || dl.MsgID() == "" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}

	bad := NewMalformed("asr.in", errors.New("bad json"), []byte("xx"), time.Unix(200, 0))
	if bad.Envelope != nil || string(bad.Raw) != "xx" || bad.MsgID() != "" {
		t.Fatalf("unexpected malformed record %+v", bad)
	}
}

func TestBoundarySubjects(t *testing.T) {
	if got := BoundaryMTIn.Subject("relay"); got != "relay.mt.in" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := BoundaryMTIn.DeadLetterSubject("relay"); got != "relay.dlq.mt.in" {
		t.Fatalf("unexpected dlq subject %q", got)
	}
	if got := BoundaryBufferIn.Durable(); got != "buffer-in" {
		t.Fatalf("unexpected durable %q", got)
	}
	if got := PlaybackSubject("relay", "a.b c"); got != "relay.playback.a_b_c" {
		t.Fatalf("unexpected playback subject %q", got)
	}
}

func TestSessionOptionsSurviveAdvance(t *testing.T) {
	env := capturedEnvelope(t)
	env.Options = &SessionOptions{TargetLanguage: "hindi", Voice: "female"}
	next, err := env.Advance(StageRecognized, Payload{Text: "hello"}, time.Now())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	env.Options.Voice = "male"
	if next.Options == nil || next.Options.Voice != "female" {
		t.Fatalf("advanced envelope should keep its own options, got %+v", next.Options)
	}
	data, err := next.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Options == nil || *decoded.Options != *next.Options {
		t.Fatalf("options lost across the wire: %+v", decoded.Options)
	}
}
