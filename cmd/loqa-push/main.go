package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/capture"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/retry"
	"github.com/loqalabs/loqa-relay/internal/session"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	servers    string
	sessionID  string
	file       string
	from       uint64
	realtime   bool
	session    protocol.SessionOptions
}

func main() {
	var opts options
	pushCmd := flag.NewFlagSet("push", flag.ExitOnError)
	pushCmd.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	pushCmd.StringVar(&opts.servers, "servers", "", "Comma separated NATS URLs (overrides config)")
	pushCmd.StringVar(&opts.sessionID, "session", "", "Session id")
	pushCmd.StringVar(&opts.file, "file", "", "WAV file to push")
	pushCmd.Uint64Var(&opts.from, "from", 0, "Sequence number of the first chunk")
	pushCmd.BoolVar(&opts.realtime, "realtime", false, "Pace chunks at speaking speed")
	pushCmd.StringVar(&opts.session.SourceLanguage, "source", "", "Spoken language of the session (overrides config)")
	pushCmd.StringVar(&opts.session.TargetLanguage, "target", "", "Language to translate into (overrides config)")
	pushCmd.StringVar(&opts.session.Voice, "voice", "", "Synthesis voice, e.g. male or female (overrides config)")

	closeCmd := flag.NewFlagSet("close", flag.ExitOnError)
	closeCmd.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	closeCmd.StringVar(&opts.servers, "servers", "", "Comma separated NATS URLs (overrides config)")
	closeCmd.StringVar(&opts.sessionID, "session", "", "Session id")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'push', 'close' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch os.Args[1] {
	case "push":
		pushCmd.Parse(os.Args[2:])
		err = runPush(ctx, opts, logger)
	case "close":
		closeCmd.Parse(os.Args[2:])
		err = runClose(ctx, opts, logger)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPush(ctx context.Context, opts options, logger *slog.Logger) error {
	if opts.sessionID == "" || opts.file == "" {
		return errors.New("-session and -file are required")
	}
	cfg, client, err := connect(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	topology := bus.NewTopology(client, cfg.Channels)
	if err := topology.Ensure(ctx); err != nil {
		return err
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()

	publisher := capture.NewPublisher(topology.Channel(protocol.BoundaryASRIn), capture.Config{
		ChunkDuration: cfg.Pipeline.ChunkDuration(),
		Language:      cfg.Pipeline.SourceLanguage,
		Realtime:      opts.realtime,
		Policy:        retry.FromConfig(cfg.Pipeline),
	}, logger)
	publisher.StartAt(opts.sessionID, opts.from)
	if !opts.session.IsZero() {
		publisher.Configure(opts.sessionID, opts.session)
	}
	res, err := publisher.PushWAV(ctx, opts.sessionID, f)
	if err != nil {
		return fmt.Errorf("push %s: %w (%d chunks published)", opts.file, err, res.Chunks)
	}
	fmt.Printf("session %s: %d chunks (%s) from sequence %d\n", res.SessionID, res.Chunks, res.Duration, res.FirstSequence)
	return nil
}

func runClose(ctx context.Context, opts options, logger *slog.Logger) error {
	if opts.sessionID == "" {
		return errors.New("-session is required")
	}
	cfg, client, err := connect(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	directory, err := session.Open(ctx, client.JetStream(), cfg.Channels, "loqa-push", 0, logger)
	if err != nil {
		return err
	}
	if err := directory.Close(ctx, opts.sessionID); err != nil {
		return err
	}
	fmt.Printf("session %s closed\n", opts.sessionID)
	return nil
}

// connect reaches the bus of a running relay. With an embedded broker that is
// the local port it listens on.
func connect(ctx context.Context, opts options, logger *slog.Logger) (config.Config, *bus.Client, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	if opts.servers != "" {
		busCfg.Servers = strings.Split(opts.servers, ",")
	}
	client, err := bus.Connect(ctx, busCfg, "loqa-push", logger)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, client, nil
}
