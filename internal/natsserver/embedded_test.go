package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	// nil receivers are safe
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("nil server should have no url")
	}
}

func TestStartEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if !strings.HasPrefix(srv.ClientURL(), "nats://") {
		t.Fatalf("unexpected client url %q", srv.ClientURL())
	}
}

func TestEmbeddedCarriesLargePayloads(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, MaxPayload: 4 << 20}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if got := nc.MaxPayload(); got != 4<<20 {
		t.Fatalf("expected 4MiB max payload, got %d", got)
	}
	// past the default 1MB limit
	if err := nc.Publish("audio.frame.big", make([]byte, 2<<20)); err != nil {
		t.Fatalf("publish large frame: %v", err)
	}
}
