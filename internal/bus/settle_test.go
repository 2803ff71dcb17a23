package bus

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failingDelivery struct{}

func (failingDelivery) Data() []byte            { return nil }
func (failingDelivery) NumDelivered() uint64    { return 1 }
func (failingDelivery) Ack() error              { return errors.New("connection closed") }
func (failingDelivery) Nak(time.Duration) error { return errors.New("connection closed") }
func (failingDelivery) Term() error             { return errors.New("connection closed") }
func (failingDelivery) InProgress() error       { return errors.New("connection closed") }

func TestSettleFailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	d := failingDelivery{}

	Ack(log, d, slog.Uint64("sequence", 4))
	Nak(log, d, time.Second)
	Term(log, d)
	Touch(log, d)

	out := buf.String()
	for _, want := range []string{"ack failed", "nak failed", "term failed", "in-progress failed", "sequence=4", "connection closed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}
