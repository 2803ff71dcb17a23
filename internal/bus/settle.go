package bus

import (
	"log/slog"
	"time"
)

// Ack acknowledges d, logging a failure with attrs.
func Ack(log *slog.Logger, d Delivery, attrs ...any) {
	if err := d.Ack(); err != nil {
		log.Warn("ack failed", append(attrs, slogError(err))...)
	}
}

// Nak returns d for redelivery after delay, logging a failure with attrs.
func Nak(log *slog.Logger, d Delivery, delay time.Duration, attrs ...any) {
	if err := d.Nak(delay); err != nil {
		log.Warn("nak failed", append(attrs, slogError(err))...)
	}
}

// Term drops d without redelivery, logging a failure with attrs.
func Term(log *slog.Logger, d Delivery, attrs ...any) {
	if err := d.Term(); err != nil {
		log.Warn("term failed", append(attrs, slogError(err))...)
	}
}

// Touch extends the ack deadline of a delivery that is still being held,
// logging a failure with attrs.
func Touch(log *slog.Logger, d Delivery, attrs ...any) {
	if err := d.InProgress(); err != nil {
		log.Warn("in-progress failed", append(attrs, slogError(err))...)
	}
}
