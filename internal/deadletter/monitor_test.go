package deadletter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/testutil"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openLedger(t *testing.T) *eventstore.Store {
	t.Helper()
	es, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "ledger.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func start(t *testing.T, feed *testutil.MemoryChannel, ledger Recorder) *Monitor {
	t.Helper()
	m := New(context.Background(), Config{
		Feed:      feed,
		Ledger:    ledger,
		Policy:    retry.Policy{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1},
		Reconnect: retry.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}, newLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func inject(t *testing.T, feed *testutil.MemoryChannel, dl protocol.DeadLetter) {
	t.Helper()
	data, err := dl.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	feed.Inject(data)
}

func TestRecordsDeadLettersOnce(t *testing.T) {
	ledger := openLedger(t)
	feed := testutil.NewMemoryChannel("dlq")
	m := start(t, feed, ledger)

	env := protocol.NewEnvelope("s1", 3, protocol.Payload{Audio: []byte{1, 0}}, time.Now())
	dl := protocol.NewDeadLetter("asr.in", protocol.ReasonTransientExhausted, errors.New("backend down"), env, time.Now())
	inject(t, feed, dl)
	inject(t, feed, dl)

	if !testutil.WaitFor(2*time.Second, func() bool { return feed.Acks() == 2 }) {
		t.Fatalf("expected both copies acked, got %d", feed.Acks())
	}
	if m.Recorded() != 1 {
		t.Fatalf("expected one ledger row, recorded %d", m.Recorded())
	}
	rows, err := ledger.ListDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.SessionID != "s1" || row.Sequence != 3 || row.Boundary != "asr.in" ||
		row.Reason != string(protocol.ReasonTransientExhausted) || row.Detail != "backend down" {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestMalformedAndUnreadable(t *testing.T) {
	ledger := openLedger(t)
	feed := testutil.NewMemoryChannel("dlq")
	m := start(t, feed, ledger)

	inject(t, feed, protocol.NewMalformed("mt.in", errors.New("bad json"), []byte("{"), time.Now()))
	feed.Inject([]byte("garbage"))

	if !testutil.WaitFor(2*time.Second, func() bool { return feed.Acks() == 1 && feed.Terms() == 1 }) {
		t.Fatalf("expected 1 ack and 1 term, got %d/%d", feed.Acks(), feed.Terms())
	}
	if m.Recorded() != 0 {
		t.Fatal("nothing should be recorded without an envelope")
	}
}

type flakyLedger struct {
	fail  int
	calls int
}

func (l *flakyLedger) RecordOutcome(context.Context, eventstore.Outcome) (bool, error) {
	l.calls++
	if l.calls <= l.fail {
		return false, errors.New("database locked")
	}
	return true, nil
}

func TestLedgerFailureRequeues(t *testing.T) {
	feed := testutil.NewMemoryChannel("dlq")
	ledger := &flakyLedger{fail: 1}
	m := start(t, feed, ledger)

	env := protocol.NewEnvelope("s1", 0, protocol.Payload{Audio: []byte{1, 0}}, time.Now())
	inject(t, feed, protocol.NewDeadLetter("tts.in", protocol.ReasonPermanent, errors.New("bad voice"), env, time.Now()))

	if !testutil.WaitFor(2*time.Second, func() bool { return feed.Acks() == 1 }) {
		t.Fatalf("expected eventual ack, got %d acks %d naks", feed.Acks(), feed.Naks())
	}
	if feed.Naks() != 1 || m.Recorded() != 1 {
		t.Fatalf("expected one requeue then a row, got %d naks %d rows", feed.Naks(), m.Recorded())
	}
}
