package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// STT is the capability a whisper node advertises.
	STT = "stt.whisper"
)

// Capability is one service a node offers to the rest of the mesh.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	// Healthy is false once heartbeats stop or the node reports it cannot
	// serve.
	Healthy bool `json:"healthy"`
}

// Offers reports whether the node advertises the named capability.
func (n NodeInfo) Offers(name string) bool {
	return slices.ContainsFunc(n.Capabilities, func(c Capability) bool { return c.Name == name })
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Healthy      bool         `json:"healthy"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// Options carries what only the running process knows.
type Options struct {
	// Capabilities are merged into configured capabilities of the same name;
	// unknown ones are appended.
	Capabilities []Capability
	// Health is sampled on every heartbeat. Nil means always healthy.
	Health func() bool
}

// Registry announces this node's capabilities and tracks its peers.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	health func() bool
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger, opts Options) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  mergeCapabilities(convertCapabilities(cfg.Capabilities), opts.Capabilities),
		health: opts.Health,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		cancel: cancel,
		nodes:  make(map[string]*NodeInfo),
	}
	if r.health == nil {
		r.health = func() bool { return true }
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// loop heartbeats and expires silent peers until ctx ends.
func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	expiry := time.NewTicker(time.Second)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case now := <-expiry.C:
			r.expire(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Healthy:      r.health(),
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp, msg.Healthy)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Healthy:   r.health(),
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.observe(a.NodeID, a.Role, a.Capabilities, a.Timestamp, a.Healthy)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = strings.TrimPrefix(msg.Subject, SubjectHeartbeatPrefix+".")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.observe(hb.NodeID, "", nil, hb.Timestamp, hb.Healthy)
}

func (r *Registry) observe(nodeID, role string, capabilities []Capability, seen time.Time, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if node.Healthy != healthy && ok {
		r.log.Info("node health changed", slog.String("node_id", nodeID), slog.Bool("healthy", healthy))
	}
	node.LastSeen = seen
	node.Healthy = healthy
}

func (r *Registry) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node heartbeat expired", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports this node's last observed health.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return results
}

// Providers lists healthy nodes offering the named capability, ordered by id.
func (r *Registry) Providers(name string) []NodeInfo {
	return r.Query(func(n NodeInfo) bool { return n.Healthy && n.Offers(name) })
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(n NodeInfo) bool { return n.Offers(name) }
}

// LocalCapabilities is what this node announces.
func (r *Registry) LocalCapabilities() []Capability {
	return slices.Clone(r.local)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.whisper.capabilities.nodes", metric.WithDescription("Known nodes that are healthy"))
	if err != nil {
		return err
	}
	providers, err := meter.Int64ObservableGauge("loqa.whisper.capabilities.stt_providers", metric.WithDescription("Healthy nodes offering speech-to-text"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Query(func(n NodeInfo) bool { return n.Healthy }))))
		obs.ObserveInt64(providers, int64(len(r.Providers(STT))))
		return nil
	}, nodes, providers)
	return err
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: maps.Clone(c.Attributes),
		})
	}
	return result
}

func mergeCapabilities(base, extra []Capability) []Capability {
	out := slices.Clone(base)
	for _, c := range extra {
		i := slices.IndexFunc(out, func(o Capability) bool { return o.Name == c.Name })
		if i < 0 {
			out = append(out, c)
			continue
		}
		attrs := maps.Clone(out[i].Attributes)
		if attrs == nil {
			attrs = make(map[string]string, len(c.Attributes))
		}
		maps.Copy(attrs, c.Attributes)
		out[i].Attributes = attrs
		if c.Tier != "" {
			out[i].Tier = c.Tier
		}
	}
	return out
}
