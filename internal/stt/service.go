package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/whisper/mel"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotReady is returned while the recognizer cannot take work.
var ErrNotReady = errors.New("recognizer not ready")

// Service turns audio frames arriving on the bus into final transcripts.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	store      *eventstore.Store
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool

	latency  metric.Float64Histogram
	failures metric.Int64Counter
}

type sessionState struct {
	Buffer     []byte
	SampleRate int
	Channels   int
	Truncated  bool
}

// NewService wires the recognizer to the bus. store may be nil.
func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, store *eventstore.Store) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		store:      store,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/stt")
	var err error
	s.latency, err = meter.Float64Histogram("loqa.stt.latency",
		metric.WithDescription("Transcription latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	s.failures, err = meter.Int64Counter("loqa.stt.failures",
		metric.WithDescription("Failed transcriptions"))
	return err
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)

	requests, err := conn.Subscribe(protocol.SubjectTranscribe, s.handleRequest)
	if err != nil {
		_ = frames.Drain()
		return fmt.Errorf("subscribe transcribe requests: %w", err)
	}
	s.subs = append(s.subs, requests)

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	return ready && s.recognizer.Ready()
}

// windowBytes is the PCM size of one model window at the given format.
func windowBytes(sampleRate, channels int) int {
	return mel.ChunkSeconds * sampleRate * channels * 2
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	rate, channels := s.format(frame.SampleRate, frame.Channels)

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: rate, Channels: channels}
		s.sessions[frame.SessionID] = state
	}
	pcm := frame.PCM
	if room := windowBytes(state.SampleRate, state.Channels) - len(state.Buffer); len(pcm) > room {
		pcm = pcm[:max(room, 0)]
	}
	state.Buffer = append(state.Buffer, pcm...)
	if len(pcm) < len(frame.PCM) && !state.Truncated {
		state.Truncated = true
		s.log.Warn("session audio exceeds one window, later frames dropped",
			slog.String("session_id", frame.SessionID))
	}
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.SessionID)
	}
}

func (s *Service) format(rate, channels int) (int, int) {
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	return rate, channels
}

func (s *Service) scheduleTranscription(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t, err := s.transcribe(sessionID, eventstore.SourceBus, state.Buffer, state.SampleRate, state.Channels)
		if err != nil {
			s.log.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
			return
		}
		s.publishTranscript(t)
	}()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply := s.answer(msg.Data)
		data, err := json.Marshal(reply)
		if err != nil {
			s.log.Warn("failed to marshal transcribe reply", slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.log.Warn("failed to respond to transcribe request", slogError(err))
		}
	}()
}

func (s *Service) answer(data []byte) protocol.TranscribeReply {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.TranscribeReply{Error: "decode request: " + err.Error()}
	}
	if len(req.PCM) == 0 {
		return protocol.TranscribeReply{Error: "request carries no audio"}
	}
	rate, channels := s.format(req.SampleRate, req.Channels)
	if limit := windowBytes(rate, channels); len(req.PCM) > limit {
		req.PCM = req.PCM[:limit]
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	t, err := s.transcribe(sessionID, eventstore.SourceRequest, req.PCM, rate, channels)
	if err != nil {
		return protocol.TranscribeReply{Error: err.Error()}
	}
	return protocol.TranscribeReply{Transcript: &t}
}

func (s *Service) transcribe(sessionID, source string, pcm []byte, sampleRate, channels int) (protocol.Transcript, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout())
	defer cancel()
	return s.Transcribe(ctx, sessionID, source, pcm, sampleRate, channels)
}

func (s *Service) timeout() time.Duration {
	if s.cfg.RequestTimeoutMS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
}

// Transcribe runs one utterance of PCM through the recognizer, records it and
// returns the transcript. Both bus paths use it.
func (s *Service) Transcribe(ctx context.Context, sessionID, source string, pcm []byte, sampleRate, channels int) (protocol.Transcript, error) {
	return s.run(ctx, sessionID, source, func(ctx context.Context) (TranscriptResult, error) {
		return s.recognizer.Transcribe(ctx, pcm, sampleRate, channels)
	})
}

// TranscribeSamples is Transcribe for audio already decoded to mono 16 kHz
// floats, as the HTTP API produces. Samples reach the model unquantized.
func (s *Service) TranscribeSamples(ctx context.Context, sessionID, source string, samples []float32) (protocol.Transcript, error) {
	return s.run(ctx, sessionID, source, func(ctx context.Context) (TranscriptResult, error) {
		return s.recognizer.TranscribeSamples(ctx, samples)
	})
}

func (s *Service) run(ctx context.Context, sessionID, source string, recognize func(context.Context) (TranscriptResult, error)) (protocol.Transcript, error) {
	if !s.recognizer.Ready() {
		return protocol.Transcript{}, ErrNotReady
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	start := time.Now()
	result, err := recognize(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if s.failures != nil {
			s.failures.Add(ctx, 1, attrs)
		}
		return protocol.Transcript{}, err
	}
	if s.latency != nil {
		s.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}

	t := protocol.Transcript{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Text:       result.Text,
		Mode:       result.Mode,
		Tokens:     result.Tokens,
		Terminated: result.Terminated,
		LatencyMS:  elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	s.record(ctx, source, t)
	return t, nil
}

func (s *Service) record(ctx context.Context, source string, t protocol.Transcript) {
	if s.store == nil {
		return
	}
	err := s.store.AppendTranscript(ctx, eventstore.Transcript{
		ID:         t.ID,
		SessionID:  t.SessionID,
		Source:     source,
		Text:       t.Text,
		Mode:       t.Mode,
		Tokens:     t.Tokens,
		Terminated: t.Terminated,
		LatencyMS:  t.LatencyMS,
		CreatedAt:  t.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to record transcript", slog.String("session_id", t.SessionID), slogError(err))
	}
}

func (s *Service) publishTranscript(t protocol.Transcript) {
	if t.Text == "" {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, t); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
