package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
)

func newBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "capability-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig() config.NodeConfig {
	cfg := config.Default().Node
	cfg.HeartbeatInterval = 50
	cfg.HeartbeatTimeout = 200
	return cfg
}

func TestRegistryAnnouncesRuntimeAttributes(t *testing.T) {
	client := newBus(t)
	sub, err := client.Conn().SubscribeSync(SubjectAnnounce)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(context.Background(), nodeConfig(), client, client.Logger(), Options{
		Capabilities: []Capability{{Name: STT, Attributes: map[string]string{"model": "tiny.en", "multilingual": "false"}}},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected announce: %v", err)
	}
	var got announceMessage
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode announce: %v", err)
	}
	if len(got.Capabilities) != 1 {
		t.Fatalf("expected one merged capability, got %+v", got.Capabilities)
	}
	c := got.Capabilities[0]
	if c.Name != STT || c.Tier != "balanced" || c.Attributes["model"] != "tiny.en" {
		t.Fatalf("unexpected capability %+v", c)
	}
	if !reg.Healthy() {
		t.Fatal("expected registry healthy after announce")
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := newBus(t)
	reg, err := NewRegistry(context.Background(), nodeConfig(), client, client.Logger(), Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	peer := announceMessage{NodeID: "peer-1", Role: "stt", Capabilities: []Capability{{Name: STT}}, Healthy: true, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(SubjectAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nodes := reg.Providers(STT); len(nodes) == 2 {
			if nodes[0].ID != "peer-1" {
				t.Fatalf("expected providers ordered by id, got %+v", nodes)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected local node and peer, got %+v", reg.Query(nil))
}

func TestMergeCapabilitiesAppendsUnknown(t *testing.T) {
	base := []Capability{{Name: STT, Tier: "balanced", Attributes: map[string]string{"a": "1"}}}
	out := mergeCapabilities(base, []Capability{
		{Name: STT, Attributes: map[string]string{"b": "2"}},
		{Name: "vad"},
	})
	if len(out) != 2 || out[0].Attributes["a"] != "1" || out[0].Attributes["b"] != "2" || out[1].Name != "vad" {
		t.Fatalf("unexpected merge %+v", out)
	}
	if _, ok := base[0].Attributes["b"]; ok {
		t.Fatal("merge mutated base attributes")
	}
}

func TestRegistryReportsLocalHealth(t *testing.T) {
	client := newBus(t)
	var healthy atomic.Bool
	healthy.Store(true)
	reg, err := NewRegistry(context.Background(), nodeConfig(), client, client.Logger(), Options{Health: healthy.Load})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	if !reg.Healthy() {
		t.Fatal("expected healthy after announce")
	}

	healthy.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !reg.Healthy() && len(reg.Providers(STT)) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected heartbeat to report the node unhealthy")
}

func TestRegistryExpiresSilentPeers(t *testing.T) {
	client := newBus(t)
	reg, err := NewRegistry(context.Background(), nodeConfig(), client, client.Logger(), Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	reg.observe("ghost", "stt", []Capability{{Name: STT}}, time.Now().Add(-time.Minute), true)
	reg.expire(time.Now())
	for _, n := range reg.Query(nil) {
		if n.ID == "ghost" && n.Healthy {
			t.Fatal("expected silent peer to expire")
		}
	}
}
