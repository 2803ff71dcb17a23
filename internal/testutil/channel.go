// Package testutil provides in-memory stand-ins for the durable transport.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// ErrUnavailable is returned by publishes configured to fail.
var ErrUnavailable = errors.New("channel unavailable")

// MemoryChannel is an in-process bus.Channel with at-least-once semantics:
// nak'd messages are redelivered after their delay with an incremented
// delivery count. With an ack wait set, a message that is neither settled nor
// touched within the wait is redelivered as well.
type MemoryChannel struct {
	name  string
	queue chan *memMessage

	mu          sync.Mutex
	published   []protocol.Envelope
	failPublish int
	ackWait     time.Duration
	stored      int
	expired     int

	acks    atomic.Int64
	naks    atomic.Int64
	terms   atomic.Int64
	touches atomic.Int64
	settled atomic.Int64
	doubles atomic.Int64
	delays  []time.Duration
}

// memMessage fields are guarded by MemoryChannel.mu.
type memMessage struct {
	data      []byte
	delivered uint64
	removed   bool
	lease     uint64
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name, queue: make(chan *memMessage, 4096)}
}

// WithAckWait sets how long a delivery may stay unsettled before the message
// is redelivered. Zero disables redelivery.
func (c *MemoryChannel) WithAckWait(d time.Duration) *MemoryChannel {
	c.mu.Lock()
	c.ackWait = d
	c.mu.Unlock()
	return c
}

func (c *MemoryChannel) Name() string { return c.name }

func (c *MemoryChannel) Publish(_ context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	if c.failPublish > 0 {
		c.failPublish--
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.published = append(c.published, env)
	c.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// Inject enqueues a raw body, bypassing envelope encoding.
func (c *MemoryChannel) Inject(data []byte) {
	c.enqueue(append([]byte(nil), data...))
}

func (c *MemoryChannel) enqueue(data []byte) {
	c.mu.Lock()
	c.stored++
	c.mu.Unlock()
	c.queue <- &memMessage{data: data}
}

// FailNextPublishes makes the next n publishes return ErrUnavailable.
func (c *MemoryChannel) FailNextPublishes(n int) {
	c.mu.Lock()
	c.failPublish = n
	c.mu.Unlock()
}

// Published returns every envelope accepted by Publish.
func (c *MemoryChannel) Published() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.published...)
}

// NakDelays returns the delays requested by Nak, in order.
func (c *MemoryChannel) NakDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// Stored is the number of messages not yet acked or terminated.
func (c *MemoryChannel) Stored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored
}

// Expired counts redeliveries caused by the ack wait running out.
func (c *MemoryChannel) Expired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

func (c *MemoryChannel) Acks() int          { return int(c.acks.Load()) }
func (c *MemoryChannel) Naks() int          { return int(c.naks.Load()) }
func (c *MemoryChannel) Terms() int         { return int(c.terms.Load()) }
func (c *MemoryChannel) Touches() int       { return int(c.touches.Load()) }
func (c *MemoryChannel) Settled() int       { return int(c.settled.Load()) }
func (c *MemoryChannel) DoubleSettled() int { return int(c.doubles.Load()) }

// Pending is the number of messages waiting for delivery.
func (c *MemoryChannel) Pending() int { return len(c.queue) }

func (c *MemoryChannel) Consume(context.Context) (bus.Subscription, error) {
	return &memSubscription{ch: c, stop: make(chan struct{})}, nil
}

// deliver hands msg out again unless it was removed while queued.
func (c *MemoryChannel) deliver(msg *memMessage) *memDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.removed {
		return nil
	}
	msg.delivered++
	c.leaseLocked(msg)
	return &memDelivery{ch: c, msg: msg, n: msg.delivered}
}

// leaseLocked restarts the ack wait of msg.
func (c *MemoryChannel) leaseLocked(msg *memMessage) {
	msg.lease++
	if c.ackWait <= 0 {
		return
	}
	lease := msg.lease
	time.AfterFunc(c.ackWait, func() {
		c.mu.Lock()
		if msg.removed || msg.lease != lease {
			c.mu.Unlock()
			return
		}
		msg.lease++
		c.expired++
		c.mu.Unlock()
		c.queue <- msg
	})
}

// remove drops msg from the channel. It reports false if it was already gone.
func (c *MemoryChannel) remove(msg *memMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.removed {
		return false
	}
	msg.removed = true
	msg.lease++
	c.stored--
	return true
}

type memSubscription struct {
	ch       *MemoryChannel
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *memSubscription) Next(ctx context.Context) (bus.Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stop:
			return nil, bus.ErrClosed
		case msg := <-s.ch.queue:
			if d := s.ch.deliver(msg); d != nil {
				return d, nil
			}
		}
	}
}

func (s *memSubscription) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

type memDelivery struct {
	ch   *MemoryChannel
	msg  *memMessage
	n    uint64
	done atomic.Bool
}

func (d *memDelivery) Data() []byte         { return d.msg.data }
func (d *memDelivery) NumDelivered() uint64 { return d.n }

func (d *memDelivery) settle() bool {
	if d.done.Swap(true) {
		d.ch.doubles.Add(1)
		return false
	}
	d.ch.settled.Add(1)
	return true
}

func (d *memDelivery) Ack() error {
	if d.settle() {
		d.ch.acks.Add(1)
		d.ch.remove(d.msg)
	}
	return nil
}

func (d *memDelivery) Nak(delay time.Duration) error {
	if !d.settle() {
		return nil
	}
	d.ch.naks.Add(1)
	d.ch.mu.Lock()
	d.ch.delays = append(d.ch.delays, delay)
	if d.msg.removed {
		d.ch.mu.Unlock()
		return nil
	}
	d.msg.lease++
	d.ch.mu.Unlock()
	msg := d.msg
	time.AfterFunc(delay, func() { d.ch.queue <- msg })
	return nil
}

func (d *memDelivery) Term() error {
	if d.settle() {
		d.ch.terms.Add(1)
		d.ch.remove(d.msg)
	}
	return nil
}

func (d *memDelivery) InProgress() error {
	if d.done.Load() {
		return nil
	}
	d.ch.touches.Add(1)
	d.ch.mu.Lock()
	if !d.msg.removed {
		d.ch.leaseLocked(d.msg)
	}
	d.ch.mu.Unlock()
	return nil
}

// DeadLetterRecorder is an in-memory bus.DeadLetterQueue.
type DeadLetterRecorder struct {
	boundary string

	mu      sync.Mutex
	records []protocol.DeadLetter
	fail    int
}

func NewDeadLetterRecorder(boundary string) *DeadLetterRecorder {
	return &DeadLetterRecorder{boundary: boundary}
}

func (r *DeadLetterRecorder) Boundary() string { return r.boundary }

func (r *DeadLetterRecorder) Publish(_ context.Context, dl protocol.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return ErrUnavailable
	}
	if dl.Boundary == "" {
		dl.Boundary = r.boundary
	}
	r.records = append(r.records, dl)
	return nil
}

// FailNextPublishes makes the next n publishes return ErrUnavailable.
func (r *DeadLetterRecorder) FailNextPublishes(n int) {
	r.mu.Lock()
	r.fail = n
	r.mu.Unlock()
}

func (r *DeadLetterRecorder) Records() []protocol.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.DeadLetter(nil), r.records...)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
