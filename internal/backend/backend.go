// Package backend defines the call contract every recognition, translation and
// synthesis engine is reached through, and the transient versus permanent error
// classification stage workers base their retry decisions on.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"golang.org/x/time/rate"
)

var (
	ErrTransient = errors.New("transient backend error")
	ErrPermanent = errors.New("permanent backend error")
)

// Options are the per-call settings shared by all stages.
type Options struct {
	SourceLanguage string
	TargetLanguage string
	Voice          string
	SampleRate     int
	Channels       int
}

// ForSession overlays the selections a session made on top of o.
func (o Options) ForSession(s *protocol.SessionOptions) Options {
	if s == nil {
		return o
	}
	if s.SourceLanguage != "" {
		o.SourceLanguage = s.SourceLanguage
	}
	if s.TargetLanguage != "" {
		o.TargetLanguage = s.TargetLanguage
	}
	if s.Voice != "" {
		o.Voice = s.Voice
	}
	return o
}

// Backend is one external engine.
type Backend interface {
	Name() string
	Call(ctx context.Context, in protocol.Payload, opts Options) (protocol.Payload, error)
}

type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.cause.Error()
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.cause}
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, cause: err}
}

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrPermanent, cause: err}
}

// IsPermanent reports whether err must not be retried. Anything not explicitly
// marked permanent, including timeouts and unknown failures, is transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return false
	}
	return errors.Is(err, ErrPermanent)
}

// FromStatus classifies an unsuccessful HTTP response.
func FromStatus(code int, body string) error {
	err := fmt.Errorf("backend returned %d %s: %s", code, http.StatusText(code), body)
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	}
	return Transient(err)
}

// FromTransport classifies a request that produced no response at all. A
// request that could not even be built is permanent; everything else
// (refused connections, resets, deadlines) is transient.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return Permanent(err)
	}
	return Transient(err)
}

type limited struct {
	Backend
	limiter *rate.Limiter
}

// Limit throttles b to rps calls per second. A non-positive rps returns b.
func Limit(b Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return b
	}
	if burst <= 0 {
		burst = 1
	}
	return &limited{Backend: b, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Call(ctx context.Context, in protocol.Payload, opts Options) (protocol.Payload, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return protocol.Payload{}, Transient(fmt.Errorf("rate limit wait: %w", err))
	}
	return l.Backend.Call(ctx, in, opts)
}

// Func adapts a function to Backend.
type Func struct {
	ID string
	Fn func(ctx context.Context, in protocol.Payload, opts Options) (protocol.Payload, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Call(ctx context.Context, in protocol.Payload, opts Options) (protocol.Payload, error) {
	return f.Fn(ctx, in, opts)
}
