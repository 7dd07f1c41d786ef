package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func connectEmbedded(t *testing.T, maxPayload int) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, MaxPayload: maxPayload}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := Connect(context.Background(), "test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "test", config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishJSON(t *testing.T) {
	client := connectEmbedded(t, 0)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().SubscribeSync("test.subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}
	if err := client.PublishJSON("test.subject", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(msg.Data, &got); err != nil || got["text"] != "hello" {
		t.Fatalf("unexpected payload %s %v", msg.Data, err)
	}
}

func TestRequestJSON(t *testing.T) {
	client := connectEmbedded(t, 0)
	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var in map[string]int
		_ = json.Unmarshal(msg.Data, &in)
		out, _ := json.Marshal(map[string]int{"n": in["n"] + 1})
		_ = msg.Respond(out)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got map[string]int
	if err := client.RequestJSON(ctx, "test.echo", map[string]int{"n": 41}, &got); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got["n"] != 42 {
		t.Fatalf("unexpected reply %v", got)
	}
}

func TestPublishJSONRejectsOversizedPayload(t *testing.T) {
	client := connectEmbedded(t, 1024)
	err := client.PublishJSON("test.big", map[string][]byte{"pcm": make([]byte, 4096)})
	if !errors.Is(err, nats.ErrMaxPayload) {
		t.Fatalf("expected ErrMaxPayload, got %v", err)
	}
}
