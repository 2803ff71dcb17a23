// Package session tracks which sessions have been closed, cluster wide. Closes
// are written to a JetStream key-value bucket; every process watches the
// bucket and keeps a bounded in-memory set for hot-path lookups.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/nats-io/nats.go/jetstream"
)

type closeRecord struct {
	SessionID string    `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
	Node      string    `json:"node,omitempty"`
}

// Directory answers Closed lookups and fans close events out to listeners.
type Directory struct {
	kv     jetstream.KeyValue
	node   string
	closed *lru.Cache[string, time.Time]
	log    *slog.Logger

	mu        sync.RWMutex
	listeners []func(sessionID string)
}

// NewLocal returns a directory that is not backed by a bucket.
func NewLocal(capacity int, log *slog.Logger) (*Directory, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &Directory{
		closed: cache,
		log:    log.With(slog.String("component", "session-directory")),
	}, nil
}

// Open binds the directory to the configured bucket, creating it if needed.
func Open(ctx context.Context, js jetstream.JetStream, cfg config.ChannelsConfig, node string, capacity int, log *slog.Logger) (*Directory, error) {
	d, err := NewLocal(capacity, log)
	if err != nil {
		return nil, err
	}
	storage := jetstream.FileStorage
	if cfg.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.SessionBucket,
		TTL:      time.Duration(cfg.SessionTTLHours) * time.Hour,
		Storage:  storage,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("session bucket %s: %w", cfg.SessionBucket, err)
	}
	d.kv = kv
	d.node = node
	return d, nil
}

// OnClose registers fn to run once per session the first time it is seen closed.
func (d *Directory) OnClose(fn func(sessionID string)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Closed reports whether sessionID has been closed.
func (d *Directory) Closed(sessionID string) bool {
	return d.closed.Contains(sessionID)
}

// Close records sessionID as closed. Listeners run before Close returns.
func (d *Directory) Close(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	now := time.Now().UTC()
	if d.kv != nil {
		data, err := json.Marshal(closeRecord{SessionID: sessionID, ClosedAt: now, Node: d.node})
		if err != nil {
			return err
		}
		if _, err := d.kv.Put(ctx, key(sessionID), data); err != nil {
			return fmt.Errorf("record session close: %w", err)
		}
	}
	d.markClosed(sessionID, now)
	return nil
}

// Watch applies closes recorded by any process until ctx ends.
func (d *Directory) Watch(ctx context.Context) error {
	if d.kv == nil {
		<-ctx.Done()
		return nil
	}
	watcher, err := d.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("watch session bucket: %w", err)
	}
	defer watcher.Stop()

	initial := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				d.log.Info("session directory synced", slog.Int("closed", initial))
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			var rec closeRecord
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				d.log.Warn("invalid session record", slog.String("key", entry.Key()), slog.String("error", err.Error()))
				continue
			}
			if rec.SessionID == "" {
				if id, err := decodeKey(entry.Key()); err == nil {
					rec.SessionID = id
				}
			}
			initial++
			d.markClosed(rec.SessionID, rec.ClosedAt)
		}
	}
}

func (d *Directory) markClosed(sessionID string, at time.Time) {
	if sessionID == "" {
		return
	}
	if ok, _ := d.closed.ContainsOrAdd(sessionID, at); ok {
		return
	}
	d.log.Info("session closed", slog.String("session_id", sessionID))
	d.mu.RLock()
	listeners := append([]func(string){}, d.listeners...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(sessionID)
	}
}

// key maps an opaque session id onto the bucket's key alphabet.
func key(sessionID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

func decodeKey(k string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(k)
	return string(b), err
}
