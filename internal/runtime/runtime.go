// Package runtime wires one relay node: the embedded broker when configured,
// every pipeline unit this node hosts, the outcome ledger and the HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/capability"
	"github.com/loqalabs/loqa-relay/internal/capture"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu   sync.Mutex
	addr string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the API listen address once Start is serving.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Start runs the node until ctx ends.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewMetrics(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		defer srv.Shutdown()
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer client.Close()

	topology := bus.NewTopology(client, r.cfg.Channels)
	if err := topology.Ensure(ctx); err != nil {
		return err
	}
	directory, err := session.Open(ctx, client.JetStream(), r.cfg.Channels, r.cfg.Node.ID, r.cfg.Playback.TombstoneCapacity, r.logger)
	if err != nil {
		return err
	}

	p, err := buildPipeline(ctx, r, pipelineDeps{
		conn:      client.Conn(),
		topology:  topology,
		directory: directory,
		store:     store,
		metrics:   metrics,
	})
	if err != nil {
		return err
	}
	if err := p.start(); err != nil {
		return err
	}
	defer p.close()

	var publisher *capture.Publisher
	if r.cfg.Capture.Enabled {
		publisher = capture.NewPublisher(topology.Channel(protocol.BoundaryASRIn), capture.Config{
			ChunkDuration: r.cfg.Pipeline.ChunkDuration(),
			Language:      r.cfg.Pipeline.SourceLanguage,
			Realtime:      r.cfg.Capture.Realtime,
			Policy:        retry.FromConfig(r.cfg.Pipeline),
		}, r.logger)
	}
	directory.OnClose(func(sessionID string) {
		if p.playback != nil {
			p.playback.CloseSession(sessionID)
		}
		if publisher != nil {
			publisher.Forget(sessionID)
		}
	})

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client.Conn(), r.cfg.Channels.SubjectPrefix, p.localUnits(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	defer registry.Close()

	a := &api{
		log:       r.logger.With(slog.String("component", "api")),
		sessions:  directory,
		ledger:    store,
		nodes:     registry,
		metrics:   tel.metrics,
		maxUpload: int64(r.cfg.Capture.MaxUploadSize),
		ready: func() (bool, map[string]bool) {
			units := p.unitHealth()
			return r.ready.Load() && client.Healthy() && registry.Healthy(), units
		},
	}
	if publisher != nil {
		a.capture = publisher
	}
	if p.playback != nil {
		a.playback = p.playback
	}

	apiAddr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	apiListener, err := net.Listen("tcp", apiAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", apiAddr, err)
	}
	servers := []*http.Server{{Handler: a.routes(), ReadHeaderTimeout: 5 * time.Second}}
	listeners := []net.Listener{apiListener}
	if tel.metrics != nil {
		metricsListener, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			_ = apiListener.Close()
			return fmt.Errorf("listen %s: %w", r.cfg.Telemetry.PrometheusBind, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, metricsListener)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return directory.Watch(gctx)
	})
	g.Go(func() error {
		r.pruneLoop(gctx, store)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.mu.Lock()
	r.addr = apiListener.Addr().String()
	r.mu.Unlock()
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", apiListener.Addr().String()),
		slog.String("node_id", r.cfg.Node.ID),
		slog.Int("units", len(p.units)))

	return g.Wait()
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
