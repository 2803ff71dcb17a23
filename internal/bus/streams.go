package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go/jetstream"
)

// Topology provisions the JetStream streams behind every pipeline boundary and
// hands out channels bound to them.
type Topology struct {
	client *Client
	cfg    config.ChannelsConfig
	log    *slog.Logger
}

func NewTopology(client *Client, cfg config.ChannelsConfig) *Topology {
	return &Topology{
		client: client,
		cfg:    cfg,
		log:    client.Logger().With(slog.String("component", "topology")),
	}
}

// Ensure creates or updates the work queue stream and the dead-letter stream.
func (t *Topology) Ensure(ctx context.Context) error {
	storage := jetstream.FileStorage
	if t.cfg.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}

	subjects := make([]string, 0, len(protocol.Boundaries))
	for _, b := range protocol.Boundaries {
		subjects = append(subjects, b.Subject(t.cfg.SubjectPrefix))
	}
	work := jetstream.StreamConfig{
		Name:       t.cfg.Stream,
		Subjects:   subjects,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    storage,
		Replicas:   t.cfg.Replicas,
		MaxAge:     time.Duration(t.cfg.MaxAgeHours) * time.Hour,
		Duplicates: time.Duration(t.cfg.DuplicateWindowS) * time.Second,
	}
	if _, err := t.client.js.CreateOrUpdateStream(ctx, work); err != nil {
		return fmt.Errorf("ensure stream %s: %w", work.Name, err)
	}

	dlq := jetstream.StreamConfig{
		Name:       t.cfg.DeadLetterStream,
		Subjects:   []string{protocol.DeadLetterWildcard(t.cfg.SubjectPrefix)},
		Retention:  jetstream.LimitsPolicy,
		Storage:    storage,
		Replicas:   t.cfg.Replicas,
		MaxAge:     time.Duration(t.cfg.DeadLetterAgeH) * time.Hour,
		Duplicates: time.Duration(t.cfg.DuplicateWindowS) * time.Second,
	}
	if _, err := t.client.js.CreateOrUpdateStream(ctx, dlq); err != nil {
		return fmt.Errorf("ensure stream %s: %w", dlq.Name, err)
	}

	t.log.Info("streams ready",
		slog.String("stream", work.Name),
		slog.String("dead_letter_stream", dlq.Name),
		slog.Int("boundaries", len(subjects)))
	return nil
}

// Channel returns the durable channel for boundary b.
func (t *Topology) Channel(b protocol.Boundary) *JetStreamChannel {
	return &JetStreamChannel{
		js:            t.client.js,
		stream:        t.cfg.Stream,
		name:          string(b),
		subject:       b.Subject(t.cfg.SubjectPrefix),
		durable:       b.Durable(),
		ackWait:       t.cfg.AckWait(),
		maxAckPending: t.cfg.MaxAckPending,
	}
}

// DeadLetters returns the dead-letter queue for boundary b.
func (t *Topology) DeadLetters(b protocol.Boundary) *DeadLetterChannel {
	return &DeadLetterChannel{
		js:       t.client.js,
		boundary: string(b),
		subject:  b.DeadLetterSubject(t.cfg.SubjectPrefix),
	}
}

// DeadLetterFeed consumes every boundary's dead-letter queue. Dead letters are
// kept in their stream after acknowledgement for inspection.
func (t *Topology) DeadLetterFeed(durable string) Source {
	return &JetStreamChannel{
		js:            t.client.js,
		stream:        t.cfg.DeadLetterStream,
		name:          "dlq",
		subject:       protocol.DeadLetterWildcard(t.cfg.SubjectPrefix),
		durable:       durable,
		ackWait:       t.cfg.AckWait(),
		maxAckPending: t.cfg.MaxAckPending,
		prefetch:      16,
	}
}
