package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Mode != "mock" || cfg.STT.SampleRate != 16000 {
		t.Fatalf("unexpected stt defaults %+v", cfg.STT)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whisper.yaml")
	body := `runtime_name: edge-whisper
stt:
  mode: whisper
  model_manifest: /models/tiny/model.yaml
  multilingual: true
  threads: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "edge-whisper" || cfg.STT.Mode != "whisper" || !cfg.STT.Multilingual || cfg.STT.Threads != 2 {
		t.Fatalf("file values not applied: %+v", cfg.STT)
	}
	// untouched sections keep their defaults
	if cfg.HTTP.Port != 8080 || cfg.STT.Channels != 1 {
		t.Fatalf("defaults lost: http=%+v stt=%+v", cfg.HTTP, cfg.STT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestWhisperModeRequiresManifest(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "whisper")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "stt.model_manifest") {
		t.Fatalf("expected model_manifest error, got %v", err)
	}
}

func TestRejectsUnknownSTTMode(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "tflite")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_BUS_HOST", "0.0.0.0")
	t.Setenv("LOQA_BUS_MAX_PAYLOAD_BYTES", "2097152")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_TRANSCRIPT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_TRANSCRIPT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_TRANSCRIPT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_TRANSCRIPT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_TRANSCRIPT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_STT_MODE", "whisper")
	t.Setenv("LOQA_STT_MODEL_MANIFEST", "/models/base/model.yaml")
	t.Setenv("LOQA_STT_MULTILINGUAL", "true")
	t.Setenv("LOQA_STT_THREADS", "3")
	t.Setenv("LOQA_STT_MAX_REQUEST_BYTES", "1024")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.Host != "0.0.0.0" || cfg.Bus.MaxPayload != 2<<20 {
		t.Fatalf("expected embedded server overrides, got host=%q max=%d", cfg.Bus.Host, cfg.Bus.MaxPayload)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	ts := cfg.TranscriptStore
	if ts.Path != "./tmp.db" || ts.RetentionMode != "persistent" || ts.RetentionDays != 7 || ts.MaxSessions != 123 || !ts.VacuumOnStart {
		t.Fatalf("expected transcript store overrides, got %+v", ts)
	}
	if cfg.STT.ModelManifest != "/models/base/model.yaml" || !cfg.STT.Multilingual || cfg.STT.Threads != 3 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.STT.MaxRequestBytes != 1024 {
		t.Fatalf("expected max request bytes 1024, got %d", cfg.STT.MaxRequestBytes)
	}
}

func TestSlogLevel(t *testing.T) {
	if got := (TelemetryConfig{LogLevel: "debug"}).SlogLevel(); got != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", got)
	}
	if got := (TelemetryConfig{LogLevel: "loud"}).SlogLevel(); got != slog.LevelInfo {
		t.Fatalf("expected info fallback, got %v", got)
	}
}

func TestTraceExporterSelection(t *testing.T) {
	if got := (TelemetryConfig{}).TraceExporterName(); got != "stdout" {
		t.Fatalf("expected stdout default, got %q", got)
	}
	if got := (TelemetryConfig{OTLPEndpoint: "collector:4317"}).TraceExporterName(); got != "otlp" {
		t.Fatalf("expected otlp with endpoint, got %q", got)
	}
	if got := (TelemetryConfig{OTLPEndpoint: "collector:4317", TraceExporter: "none"}).TraceExporterName(); got != "none" {
		t.Fatalf("expected explicit none, got %q", got)
	}

	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "otlp_endpoint") {
		t.Fatalf("expected otlp endpoint error, got %v", err)
	}
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "none")
	t.Setenv("LOQA_TELEMETRY_TRACE_SAMPLE_RATIO", "1.5")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "trace_sample_ratio") {
		t.Fatalf("expected sample ratio error, got %v", err)
	}
}
