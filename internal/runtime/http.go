package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/stt"
	"github.com/loqalabs/loqa-whisper/internal/whisper/engine"
	"github.com/loqalabs/loqa-whisper/internal/whisper/mel"
)

// transcriber is the slice of stt.Service the HTTP API needs.
type transcriber interface {
	TranscribeSamples(ctx context.Context, sessionID, source string, samples []float32) (protocol.Transcript, error)
	Healthy() bool
}

type transcribeResponse struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	LatencyMS int64  `json:"latency_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type api struct {
	stt      transcriber
	maxBytes int64
	ready    func() bool
	metrics  http.Handler
	log      *slog.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("POST /v1/transcribe", a.handleTranscribe)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() && (a.stt == nil || a.stt.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if a.stt == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stt disabled"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}

	samples, err := audio.DecodeWAV(bytes.NewReader(body), mel.SampleRate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id := r.Header.Get("X-Session-ID")
	if id == "" {
		id = uuid.NewString()
	}
	t, err := a.stt.TranscribeSamples(r.Context(), id, eventstore.SourceHTTP, samples)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, stt.ErrNotReady), errors.Is(err, engine.ErrReleased), errors.Is(err, engine.ErrNotInitialized):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			status = http.StatusGatewayTimeout
		}
		a.log.Warn("http transcription failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{ID: t.ID, Text: t.Text, Mode: t.Mode, LatencyMS: t.LatencyMS})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
