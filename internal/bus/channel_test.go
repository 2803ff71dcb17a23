package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTopology(t *testing.T) *Topology {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:         []string{srv.ClientURL()},
		ConnectTimeout:  2000,
		ReconnectWaitMS: 100,
	}, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default().Channels
	cfg.Storage = "memory"
	cfg.AckWaitMS = 2000
	topo := NewTopology(client, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := topo.Ensure(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	return topo
}

func captured(seq uint64) protocol.Envelope {
	return protocol.NewEnvelope("s1", seq, protocol.Payload{Audio: []byte{1, 0}, SampleRate: 16000, Channels: 1}, time.Now())
}

func TestJetStreamChannelRoundTrip(t *testing.T) {
	topo := newTopology(t)
	ch := topo.Channel(protocol.BoundaryASRIn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := captured(0)
	if err := ch.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// duplicate publish of the same chunk at the same stage is dropped
	if err := ch.Publish(ctx, env); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if err := ch.Publish(ctx, captured(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := ch.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Stop()

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	got, err := protocol.DecodeEnvelope(d.Data())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CorrelationID != env.CorrelationID || d.NumDelivered() != 1 {
		t.Fatalf("unexpected first delivery %+v (%d)", got, d.NumDelivered())
	}
	if err := d.Nak(10 * time.Millisecond); err != nil {
		t.Fatalf("nak: %v", err)
	}

	seen := map[uint64]uint64{}
	for len(seen) < 2 {
		d, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got, err := protocol.DecodeEnvelope(d.Data())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen[got.Sequence] = d.NumDelivered()
		if err := d.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if seen[0] != 2 || seen[1] != 1 {
		t.Fatalf("unexpected delivery counts %v", seen)
	}

	short, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelShort()
	if _, err := sub.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestBoundariesAreIsolated(t *testing.T) {
	topo := newTopology(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := captured(0)
	if err := topo.Channel(protocol.BoundaryASRIn).Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// the same envelope on another boundary is not a duplicate
	if err := topo.Channel(protocol.BoundaryASROut).Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, b := range []protocol.Boundary{protocol.BoundaryASRIn, protocol.BoundaryASROut} {
		sub, err := topo.Channel(b).Consume(ctx)
		if err != nil {
			t.Fatalf("consume %s: %v", b, err)
		}
		d, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next %s: %v", b, err)
		}
		_ = d.Ack()
		sub.Stop()
	}
}

func TestDeadLetterFeed(t *testing.T) {
	topo := newTopology(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dlq := topo.DeadLetters(protocol.BoundaryMTIn)
	dl := protocol.NewDeadLetter("", protocol.ReasonPermanent, errors.New("bad"), captured(3), time.Now())
	if err := dlq.Publish(ctx, dl); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := topo.DeadLetterFeed("test-monitor").Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Stop()
	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	got, err := protocol.DecodeDeadLetter(d.Data())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Boundary != "mt.in" || got.Reason != protocol.ReasonPermanent || got.Envelope.Sequence != 3 {
		t.Fatalf("unexpected dead letter %+v", got)
	}
	_ = d.Ack()
}

func TestPumpDeliversUntilCancelled(t *testing.T) {
	topo := newTopology(t)
	ch := topo.Channel(protocol.BoundaryTTSIn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := uint64(0); i < 3; i++ {
		if err := ch.Publish(ctx, captured(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := make(chan uint64, 3)
	pumpCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- Pump(pumpCtx, ch, retry.Policy{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond}, newLogger(), func(_ context.Context, d Delivery) {
			env, err := protocol.DecodeEnvelope(d.Data())
			if err == nil {
				got <- env.Sequence
			}
			_ = d.Ack()
		})
	}()
	for i := uint64(0); i < 3; i++ {
		select {
		case seq := <-got:
			if seq != i {
				t.Fatalf("expected %d, got %d", i, seq)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for delivery")
		}
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("pump: %v", err)
	}
}
