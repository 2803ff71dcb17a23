package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/retry"
)

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d Delivery)

// Pump is the consume loop of one unit. It pulls deliveries from src and hands
// them to handle one at a time until ctx ends. When the transport is
// unavailable the subscription is re-established with backoff; unacknowledged
// messages stay queued in the meantime.
func Pump(ctx context.Context, src Source, policy retry.Policy, log *slog.Logger, handle Handler) error {
	b := policy.NewBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := src.Consume(ctx)
		if err != nil {
			wait := b.NextBackOff()
			log.Warn("channel unavailable",
				slog.String("channel", src.Name()),
				slog.Duration("retry_in", wait),
				slogError(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()

		err = drain(ctx, sub, handle)
		sub.Stop()
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		log.Warn("consume interrupted",
			slog.String("channel", src.Name()),
			slog.Duration("retry_in", wait),
			slogError(err))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func drain(ctx context.Context, sub Subscription, handle Handler) error {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		handle(ctx, d)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
