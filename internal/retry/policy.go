package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-relay/internal/config"
)

// Policy is the exponential backoff schedule shared by stage workers, bridges
// and channel reconnects.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// FromConfig builds the pipeline retry policy.
func FromConfig(cfg config.PipelineConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Initial:     time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		Max:         time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		Multiplier:  cfg.BackoffFactor,
		Jitter:      cfg.BackoffJitter,
	}
}

// Reconnect is used for transport outages: unlimited attempts, capped wait.
func Reconnect(cfg config.BusConfig) Policy {
	initial := time.Duration(cfg.ReconnectWaitMS) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	max := time.Duration(cfg.ReconnectBackoff) * time.Millisecond
	if max < initial {
		max = initial
	}
	return Policy{Initial: initial, Max: max, Multiplier: 2, Jitter: 0.2}
}

// NewBackOff returns a fresh stateful backoff for this policy.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Delay is the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.NewBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether a chunk that already used attempt retries may not
// be retried again.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Do runs op until it succeeds, returns a backoff.Permanent error, ctx ends, or
// MaxAttempts retries have been spent.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)+1),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
