package capability

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/testutil"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, HeartbeatInterval: 20, HeartbeatTimeout: 80}
}

func TestNodesDiscoverEachOther(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	ctx := context.Background()

	var asrHealthy atomic.Bool
	asrHealthy.Store(true)
	workers, err := NewRegistry(ctx, nodeConfig("node-a"), connect(t, srv.ClientURL()), "relay", []LocalUnit{
		{Unit: Unit{Name: "asr", Kind: KindStage, Attributes: map[string]string{"mode": "mock"}}, Health: asrHealthy.Load},
		{Unit: Unit{Name: "mt", Kind: KindStage}},
	}, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer workers.Close()

	player, err := NewRegistry(ctx, nodeConfig("node-b"), connect(t, srv.ClientURL()), "relay", []LocalUnit{
		{Unit: Unit{Name: "playback", Kind: KindPlayback}},
	}, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}

	seesBoth := func(r *Registry) bool { return len(r.Query(nil)) == 2 }
	if !testutil.WaitFor(2*time.Second, func() bool { return seesBoth(workers) && seesBoth(player) }) {
		t.Fatalf("nodes did not discover each other: %+v / %+v", workers.Query(nil), player.Query(nil))
	}

	stages := player.Query(WithKindFilter(KindStage))
	if len(stages) != 1 || stages[0].ID != "node-a" || len(stages[0].Units) != 2 {
		t.Fatalf("unexpected stage nodes %+v", stages)
	}
	if got := workers.Query(WithUnitFilter("playback")); len(got) != 1 || got[0].ID != "node-b" {
		t.Fatalf("unexpected playback nodes %+v", got)
	}
	if !workers.Healthy() {
		t.Fatal("node a should be healthy")
	}

	asrHealthy.Store(false)
	if workers.Healthy() {
		t.Fatal("an unhealthy unit makes the node unhealthy")
	}
	reported := func() bool {
		for _, n := range player.Query(WithUnitFilter("asr")) {
			for _, u := range n.Units {
				if u.Name == "asr" && !u.Healthy {
					return true
				}
			}
		}
		return false
	}
	if !testutil.WaitFor(2*time.Second, reported) {
		t.Fatal("peer should see the unhealthy unit in heartbeats")
	}

	player.Close()
	gone := func() bool {
		for _, n := range workers.Query(nil) {
			if n.ID == "node-b" {
				return !n.Healthy
			}
		}
		return false
	}
	if !testutil.WaitFor(2*time.Second, gone) {
		t.Fatal("silent node should turn unhealthy")
	}
}
