package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/bridge"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/capability"
	"github.com/loqalabs/loqa-relay/internal/deadletter"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/mt"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/stage"
	"github.com/loqalabs/loqa-relay/internal/stt"
	"github.com/loqalabs/loqa-relay/internal/telemetry"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/nats-io/nats.go"
)

// playbackPrefetch is how many buffer chunks the manager pulls ahead, so that
// out-of-order chunks can reach their session windows.
const playbackPrefetch = 64

// unit is a pipeline component hosted by the runtime.
type unit interface {
	Name() string
	Start() error
	Close()
	Healthy() bool
}

type hostedUnit struct {
	unit
	kind  string
	attrs map[string]string
}

// pipeline holds every unit this node runs, in start order.
type pipeline struct {
	units    []hostedUnit
	playback *playback.Manager
	sink     playback.Sink
	logger   *slog.Logger
}

type pipelineDeps struct {
	conn      *nats.Conn
	topology  *bus.Topology
	directory *session.Directory
	store     *eventstore.Store
	metrics   *telemetry.Metrics
}

type stageSpec struct {
	name        string
	accepts     protocol.Stage
	produces    protocol.Stage
	in, out     protocol.Boundary
	backend     backend.Backend
	timeoutMS   int
	concurrency int
	mode        string
}

func buildPipeline(ctx context.Context, r *Runtime, deps pipelineDeps) (*pipeline, error) {
	cfg := r.cfg
	p := &pipeline{logger: r.logger}
	policy := retry.FromConfig(cfg.Pipeline)
	reconnect := retry.Reconnect(cfg.Bus)

	stages, err := stageSpecs(r)
	if err != nil {
		return nil, err
	}
	opts := backend.Options{
		SourceLanguage: cfg.Pipeline.SourceLanguage,
		TargetLanguage: cfg.Pipeline.TargetLanguage,
		Voice:          cfg.Pipeline.Voice,
		SampleRate:     cfg.Pipeline.SampleRate,
		Channels:       cfg.Pipeline.Channels,
	}
	for _, s := range stages {
		w := stage.New(ctx, stage.Config{
			Name:        s.name,
			Accepts:     s.accepts,
			Produces:    s.produces,
			Backend:     s.backend,
			Options:     opts,
			In:          deps.topology.Channel(s.in),
			Out:         deps.topology.Channel(s.out),
			DeadLetters: deps.topology.DeadLetters(s.in),
			Sessions:    deps.directory,
			Policy:      policy,
			Reconnect:   reconnect,
			Timeout:     time.Duration(s.timeoutMS) * time.Millisecond,
			Concurrency: s.concurrency,
			Metrics:     deps.metrics,
		}, r.logger)
		p.add(w, capability.KindStage, map[string]string{
			"in":      string(s.in),
			"out":     string(s.out),
			"backend": s.backend.Name(),
			"mode":    s.mode,
		})
	}

	if cfg.Bridges.Enabled {
		for _, route := range bridge.Routes {
			b := bridge.New(ctx, bridge.Config{
				Name:        route.Name,
				Expect:      route.Expect,
				From:        deps.topology.Channel(route.From),
				To:          deps.topology.Channel(route.To),
				DeadLetters: deps.topology.DeadLetters(route.From),
				Policy:      policy,
				Reconnect:   reconnect,
				BatchSize:   cfg.Bridges.BatchSize,
				BatchWindow: time.Duration(cfg.Bridges.BatchWindowMS) * time.Millisecond,
				Metrics:     deps.metrics,
			}, r.logger)
			p.add(b, capability.KindBridge, map[string]string{
				"from": string(route.From),
				"to":   string(route.To),
			})
		}
	}

	if cfg.Playback.Enabled {
		sink, err := playback.NewSink(cfg.Playback, deps.conn, cfg.Channels.SubjectPrefix, r.logger)
		if err != nil {
			return nil, fmt.Errorf("playback sink: %w", err)
		}
		m, err := playback.NewManager(ctx, playback.Config{
			From:          deps.topology.Channel(protocol.BoundaryBufferIn).WithPrefetch(playbackPrefetch),
			DeadLetters:   deps.topology.DeadLetters(protocol.BoundaryBufferIn),
			Sink:          sink,
			Ledger:        deps.store,
			ChunkDuration: cfg.Pipeline.ChunkDuration(),
			GapTimeout:    cfg.Playback.GapTimeout(),
			WindowCap:     cfg.Playback.WindowCap,
			Prebuffer:     cfg.Playback.PrebufferChunks,
			IdleTimeout:   cfg.Playback.SessionIdleTimeout(),
			HoldRefresh:   cfg.Channels.HoldRefresh(),
			Tombstones:    cfg.Playback.TombstoneCapacity,
			SampleRate:    cfg.Playback.SampleRate,
			Channels:      cfg.Playback.Channels,
			Policy:        policy,
			Reconnect:     reconnect,
			Metrics:       deps.metrics,
		}, r.logger)
		if err != nil {
			_ = sink.Close()
			return nil, err
		}
		p.playback = m
		p.sink = sink
		p.add(m, capability.KindPlayback, map[string]string{
			"from": string(protocol.BoundaryBufferIn),
			"sink": cfg.Playback.Sink,
		})
	}

	if cfg.DeadLetter.Enabled {
		mon := deadletter.New(ctx, deadletter.Config{
			Feed:      deps.topology.DeadLetterFeed(deadLetterDurable(cfg.Node.ID)),
			Ledger:    deps.store,
			Policy:    policy,
			Reconnect: reconnect,
		}, r.logger)
		p.add(mon, capability.KindDeadLetter, nil)
	}

	return p, nil
}

func stageSpecs(r *Runtime) ([]stageSpec, error) {
	cfg := r.cfg
	var specs []stageSpec
	if cfg.STT.Enabled {
		rec, err := stt.New(cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("stt: %w", err)
		}
		specs = append(specs, stageSpec{
			name:        "asr",
			accepts:     protocol.StageCaptured,
			produces:    protocol.StageRecognized,
			in:          protocol.BoundaryASRIn,
			out:         protocol.BoundaryASROut,
			backend:     backend.Limit(stt.Backend("stt-"+cfg.STT.Mode, rec), cfg.STT.RateLimitRPS, cfg.STT.RateBurst),
			timeoutMS:   cfg.STT.TimeoutMS,
			concurrency: cfg.STT.Concurrency,
			mode:        cfg.STT.Mode,
		})
	}
	if cfg.MT.Enabled {
		tr, err := mt.New(cfg.MT)
		if err != nil {
			return nil, fmt.Errorf("mt: %w", err)
		}
		specs = append(specs, stageSpec{
			name:        "mt",
			accepts:     protocol.StageRecognized,
			produces:    protocol.StageTranslated,
			in:          protocol.BoundaryMTIn,
			out:         protocol.BoundaryMTOut,
			backend:     backend.Limit(mt.Backend("mt-"+cfg.MT.Mode, tr), cfg.MT.RateLimitRPS, cfg.MT.RateBurst),
			timeoutMS:   cfg.MT.TimeoutMS,
			concurrency: cfg.MT.Concurrency,
			mode:        cfg.MT.Mode,
		})
	}
	if cfg.TTS.Enabled {
		synth, err := tts.New(cfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		specs = append(specs, stageSpec{
			name:        "tts",
			accepts:     protocol.StageTranslated,
			produces:    protocol.StageSynthesized,
			in:          protocol.BoundaryTTSIn,
			out:         protocol.BoundaryTTSOut,
			backend:     backend.Limit(tts.Backend("tts-"+cfg.TTS.Mode, synth), cfg.TTS.RateLimitRPS, cfg.TTS.RateBurst),
			timeoutMS:   cfg.TTS.TimeoutMS,
			concurrency: cfg.TTS.Concurrency,
			mode:        cfg.TTS.Mode,
		})
	}
	return specs, nil
}

func (p *pipeline) add(u unit, kind string, attrs map[string]string) {
	p.units = append(p.units, hostedUnit{unit: u, kind: kind, attrs: attrs})
}

// start starts every unit. On failure the units already started are closed.
func (p *pipeline) start() error {
	for i, u := range p.units {
		if err := u.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				p.units[j].Close()
			}
			return fmt.Errorf("start %s: %w", u.Name(), err)
		}
		p.logger.Info("unit started", slog.String("unit", u.Name()), slog.String("kind", u.kind))
	}
	return nil
}

// close stops units in reverse start order, then flushes the sink.
func (p *pipeline) close() {
	for i := len(p.units) - 1; i >= 0; i-- {
		p.units[i].Close()
	}
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.logger.Warn("playback sink close failed", slog.String("error", err.Error()))
		}
	}
}

func (p *pipeline) localUnits() []capability.LocalUnit {
	out := make([]capability.LocalUnit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, capability.LocalUnit{
			Unit:   capability.Unit{Name: u.Name(), Kind: u.kind, Attributes: u.attrs},
			Health: u.Healthy,
		})
	}
	return out
}

// unitHealth reports each unit's health by name.
func (p *pipeline) unitHealth() map[string]bool {
	out := make(map[string]bool, len(p.units))
	for _, u := range p.units {
		out[u.Name()] = u.Healthy()
	}
	return out
}

// deadLetterDurable gives every node its own cursor over the dead-letter
// stream so each ledger sees every entry.
func deadLetterDurable(nodeID string) string {
	var b strings.Builder
	b.WriteString("dlq-")
	for _, r := range nodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
