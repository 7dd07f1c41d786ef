package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.TranscriptStoreConfig{RetentionMode: "ephemeral"}
	ts, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })
	if err := ts.AppendTranscript(ctx, Transcript{ID: "a", SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	got, err := ts.ListSessionTranscripts(ctx, "s", 10)
	if err != nil || got != nil {
		t.Fatalf("ephemeral store should be empty, got %v %v", got, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "data", "transcripts.db"), RetentionMode: "session"}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	rec := Transcript{
		ID:         "t-1",
		SessionID:  "session-123",
		Source:     SourceBus,
		Text:       " Hello world",
		Mode:       "transcribe",
		Tokens:     4,
		Terminated: true,
		LatencyMS:  120,
	}
	if err := ts.AppendTranscript(context.Background(), rec); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	got, err := ts.ListSessionTranscripts(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(got))
	}
	if got[0].Text != " Hello world" || got[0].Mode != "transcribe" || !got[0].Terminated || got[0].Tokens != 4 {
		t.Fatalf("unexpected transcript %+v", got[0])
	}
}

func TestAppendRequiresIDs(t *testing.T) {
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(t.TempDir(), "t.db"), RetentionMode: "persistent"}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })
	if err := ts.AppendTranscript(context.Background(), Transcript{Text: "x"}); err == nil {
		t.Fatal("expected error without ids")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	ts.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := ts.AppendTranscript(context.Background(), Transcript{ID: "old", SessionID: "old-session", Text: "old"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	ts.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := ts.AppendTranscript(context.Background(), Transcript{ID: "new", SessionID: "new-session", Text: "new"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	if err := ts.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := ts.ListSessionTranscripts(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned")
	}
	fresh, err := ts.ListSessionTranscripts(context.Background(), "new-session", 10)
	if err != nil || len(fresh) != 1 {
		t.Fatalf("expected new session kept, got %v %v", fresh, err)
	}
}
