package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/testutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocalDirectory(t *testing.T) {
	d, err := NewLocal(8, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var mu sync.Mutex
	var fired []string
	d.OnClose(func(id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
	})

	if d.Closed("a.b c") {
		t.Fatal("session should start open")
	}
	for i := 0; i < 2; i++ {
		if err := d.Close(context.Background(), "a.b c"); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if !d.Closed("a.b c") {
		t.Fatal("session should be closed")
	}
	if len(fired) != 1 {
		t.Fatalf("listener should fire once, fired %d", len(fired))
	}
	if err := d.Close(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, id := range []string{"plain", "with.dots", "sp ace/slash*>"} {
		got, err := decodeKey(key(id))
		if err != nil || got != id {
			t.Fatalf("key round trip %q -> %q (%v)", id, got, err)
		}
	}
}

func TestDirectoriesShareCloses(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	cfg := config.Default().Channels
	cfg.Storage = "memory"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := func(node string) *Directory {
		conn, err := nats.Connect(srv.ClientURL())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(conn.Close)
		js, err := jetstream.New(conn)
		if err != nil {
			t.Fatalf("jetstream: %v", err)
		}
		d, err := Open(ctx, js, cfg, node, 16, newLogger())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		go func() { _ = d.Watch(ctx) }()
		return d
	}

	a := open("node-a")
	if err := a.Close(ctx, "early"); err != nil {
		t.Fatalf("close: %v", err)
	}
	b := open("node-b")
	closed := make(chan string, 4)
	b.OnClose(func(id string) { closed <- id })

	if err := a.Close(ctx, "s.1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !testutil.WaitFor(5*time.Second, func() bool { return b.Closed("s.1") && b.Closed("early") }) {
		t.Fatal("close not propagated")
	}
	for {
		select {
		case id := <-closed:
			if id == "s.1" {
				return
			}
		case <-ctx.Done():
			t.Fatal("listener never saw s.1")
		}
	}
}
