// Package capability lets relay nodes discover each other: every node
// announces which pipeline units it runs and heartbeats their health over core
// NATS.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Unit kinds.
const (
	KindStage      = "stage"
	KindBridge     = "bridge"
	KindPlayback   = "playback"
	KindDeadLetter = "deadletter"
)

// Unit is one pipeline component hosted by a node.
type Unit struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Healthy    bool              `json:"healthy"`
}

type NodeInfo struct {
	ID       string    `json:"id"`
	Units    []Unit    `json:"units"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Units     []Unit    `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthFunc reports the current health of a local unit.
type HealthFunc func() bool

// LocalUnit pairs a hosted unit with its health check.
type LocalUnit struct {
	Unit
	Health HealthFunc
}

type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	conn      *nats.Conn
	prefix    string
	local     []LocalUnit
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subs      []*nats.Subscription
	meter     metric.Meter
	nodeGauge metric.Int64ObservableGauge
	unitGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, conn *nats.Conn, prefix string, local []LocalUnit, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		conn:   conn,
		prefix: prefix,
		local:  local,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-relay/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	r.wg.Add(1)
	go r.run(ctx, interval)

	if err := r.publish(r.announceSubject()); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) announceSubject() string {
	return r.prefix + ".ctrl.node.announce"
}

func (r *Registry) heartbeatSubject(nodeID string) string {
	return r.prefix + ".ctrl.node.heartbeat." + nodeID
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

// run heartbeats the local units and marks silent peers unhealthy.
func (r *Registry) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(r.heartbeatSubject(r.cfg.ID)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) snapshotLocal() []Unit {
	units := make([]Unit, 0, len(r.local))
	for _, lu := range r.local {
		u := lu.Unit
		u.Healthy = lu.Health == nil || lu.Health()
		units = append(units, u)
	}
	return units
}

func (r *Registry) publish(subject string) error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Units:     r.snapshotLocal(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(subject, payload); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	announcement, ok := r.decode(msg)
	if !ok {
		return
	}
	known := r.known(announcement.NodeID)
	r.updateNode(announcement)
	// answer newcomers so they learn about us before our next heartbeat
	if !known && announcement.NodeID != r.cfg.ID {
		if err := r.publish(r.heartbeatSubject(r.cfg.ID)); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	hb, ok := r.decode(msg)
	if !ok {
		return
	}
	r.updateNode(hb)
}

func (r *Registry) decode(msg *nats.Msg) (announceMessage, bool) {
	var m announceMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.NodeID == "" {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject))
		return m, false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m, true
}

func (r *Registry) known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

func (r *Registry) updateNode(m announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &NodeInfo{ID: m.NodeID}
		r.nodes[m.NodeID] = node
		r.log.Info("node discovered", slog.String("node_id", m.NodeID), slog.Int("units", len(m.Units)))
	}
	if m.Units != nil {
		node.Units = m.Units
	}
	node.LastSeen = m.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node and all of its units are healthy.
func (r *Registry) Healthy() bool {
	for _, u := range r.snapshotLocal() {
		if !u.Healthy {
			return false
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns known nodes ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Units = append([]Unit(nil), node.Units...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known relay nodes"))
	if err != nil {
		return err
	}
	unitGauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.units", metric.WithDescription("Pipeline units hosted across known nodes"))
	if err != nil {
		return err
	}
	r.nodeGauge = gauge
	r.unitGauge = unitGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, units := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(unitGauge, units)
		return nil
	}, gauge, unitGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes int64
	var units int64
	for _, node := range r.nodes {
		nodes++
		units += int64(len(node.Units))
	}
	return nodes, units
}

func WithUnitFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, u := range node.Units {
			if u.Name == name {
				return true
			}
		}
		return false
	}
}

func WithKindFilter(kind string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, u := range node.Units {
			if u.Kind == kind {
				return true
			}
		}
		return false
	}
}
