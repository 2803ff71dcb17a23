package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrClosed is returned by Subscription.Next once the subscription is stopped.
var ErrClosed = errors.New("subscription closed")

// Delivery is one received message and its acknowledgement handle. Exactly one
// of Ack, Nak or Term must be called.
type Delivery interface {
	Data() []byte
	// NumDelivered counts deliveries of this message, starting at 1.
	NumDelivered() uint64
	Ack() error
	// Nak requests redelivery after delay.
	Nak(delay time.Duration) error
	Term() error
	// InProgress restarts the ack wait of a message that is still held, so the
	// broker does not redeliver it.
	InProgress() error
}

// Subscription is a lazy sequence of deliveries.
type Subscription interface {
	Next(ctx context.Context) (Delivery, error)
	Stop()
}

// Source is anything a consume loop can pull from.
type Source interface {
	Name() string
	Consume(ctx context.Context) (Subscription, error)
}

// Channel is a durable, at-least-once queue of envelopes between two units.
type Channel interface {
	Source
	Publish(ctx context.Context, env protocol.Envelope) error
}

// DeadLetterQueue is the terminal queue of one boundary.
type DeadLetterQueue interface {
	Boundary() string
	Publish(ctx context.Context, dl protocol.DeadLetter) error
}

// JetStreamChannel is a Channel backed by a subject on a work queue stream and
// a durable pull consumer.
type JetStreamChannel struct {
	js            jetstream.JetStream
	stream        string
	name          string
	subject       string
	durable       string
	ackWait       time.Duration
	maxAckPending int
	prefetch      int
}

func (c *JetStreamChannel) Name() string { return c.name }

// WithPrefetch returns a copy of c that keeps up to n undelivered messages
// buffered client side.
func (c *JetStreamChannel) WithPrefetch(n int) *JetStreamChannel {
	out := *c
	out.prefetch = n
	return &out
}

func (c *JetStreamChannel) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	// Every boundary shares one stream, so the dedup id is scoped to the boundary.
	if _, err := c.js.Publish(ctx, c.subject, data, jetstream.WithMsgID(c.name+"/"+env.MsgID())); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}

func (c *JetStreamChannel) Consume(ctx context.Context) (Subscription, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       c.durable,
		FilterSubject: c.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.ackWait,
		MaxDeliver:    -1,
		MaxAckPending: c.maxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.durable, err)
	}
	prefetch := c.prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	iter, err := consumer.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.durable, err)
	}
	return &jsSubscription{iter: iter}, nil
}

type jsSubscription struct {
	iter jetstream.MessagesContext
}

func (s *jsSubscription) Next(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.iter.Stop)
	defer stop()

	msg, err := s.iter.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return jsDelivery{msg: msg}, nil
}

func (s *jsSubscription) Stop() {
	s.iter.Stop()
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d jsDelivery) Data() []byte { return d.msg.Data() }

func (d jsDelivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil || md.NumDelivered == 0 {
		return 1
	}
	return md.NumDelivered
}

func (d jsDelivery) Ack() error { return d.msg.Ack() }

func (d jsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d jsDelivery) Term() error { return d.msg.Term() }

func (d jsDelivery) InProgress() error { return d.msg.InProgress() }

// DeadLetterChannel publishes dead letters for one boundary.
type DeadLetterChannel struct {
	js       jetstream.JetStream
	boundary string
	subject  string
}

func (c *DeadLetterChannel) Boundary() string { return c.boundary }

func (c *DeadLetterChannel) Publish(ctx context.Context, dl protocol.DeadLetter) error {
	if dl.Boundary == "" {
		dl.Boundary = c.boundary
	}
	data, err := dl.Encode()
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	var opts []jetstream.PublishOpt
	if id := dl.MsgID(); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := c.js.Publish(ctx, c.subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}
