package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/executor"
	"github.com/loqalabs/loqa-whisper/internal/whisper/engine"
	"github.com/loqalabs/loqa-whisper/internal/whisper/mel"
)

// WhisperRecognizer feeds PCM through a whisper engine. The engine runs one
// transcription at a time, so calls are serialized here.
type WhisperRecognizer struct {
	mu     sync.Mutex
	engine *engine.Engine
	ready  atomic.Bool
	info   ModelInfo
	log    *slog.Logger
}

// ModelInfo describes the loaded model for capability announcements.
type ModelInfo struct {
	Name         string
	Version      string
	Multilingual bool
}

// NewWhisperRecognizer loads the model manifest named in cfg and initializes
// an engine for it.
func NewWhisperRecognizer(ctx context.Context, cfg config.STTConfig, logger *slog.Logger) (*WhisperRecognizer, error) {
	model, err := executor.Describe(cfg.ModelManifest, logger)
	if err != nil {
		return nil, err
	}
	vocabulary := model.VocabularyLoader()
	if cfg.Vocabulary != "" {
		vocabulary = engine.VocabularyFile(cfg.Vocabulary)
	}
	multilingual := cfg.Multilingual || model.Manifest.Metadata.Multilingual

	eng := engine.New(engine.Options{Workers: cfg.Threads, Logger: logger})
	if err := eng.Initialize(ctx, model.ModelLoader(), vocabulary, multilingual); err != nil {
		return nil, fmt.Errorf("initialize whisper engine: %w", err)
	}
	logger.Info("whisper recognizer ready",
		slog.String("model", model.Manifest.Metadata.Name),
		slog.String("version", model.Manifest.Metadata.Version),
		slog.Bool("multilingual", multilingual))
	r := NewWhisperRecognizerFromEngine(eng, logger)
	r.info = ModelInfo{
		Name:         model.Manifest.Metadata.Name,
		Version:      model.Manifest.Metadata.Version,
		Multilingual: multilingual,
	}
	return r, nil
}

// NewWhisperRecognizerFromEngine wraps an already initialized engine.
func NewWhisperRecognizerFromEngine(eng *engine.Engine, logger *slog.Logger) *WhisperRecognizer {
	r := &WhisperRecognizer{
		engine: eng,
		log:    logger.With(slog.String("component", "whisper-recognizer")),
	}
	r.ready.Store(eng.IsInitialized())
	return r
}

func (r *WhisperRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	samples, err := audio.PCM16ToFloat32(pcm, channels)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("decode pcm: %w", err)
	}
	samples, err = audio.Resample(samples, sampleRate, mel.SampleRate)
	if err != nil {
		return TranscriptResult{}, err
	}
	return r.TranscribeSamples(ctx, samples)
}

// TranscribeSamples skips PCM decoding and resampling.
func (r *WhisperRecognizer) TranscribeSamples(ctx context.Context, samples []float32) (TranscriptResult, error) {
	if len(samples) > mel.WindowSamples {
		r.log.Warn("audio exceeds one window, tail dropped",
			slog.Int("samples", len(samples)),
			slog.Int("window", mel.WindowSamples))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.engine.Transcribe(ctx, samples)
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{
		Text:       t.Text,
		Mode:       t.Mode.String(),
		Tokens:     t.Tokens,
		Terminated: t.Terminated,
	}, nil
}

func (r *WhisperRecognizer) Info() ModelInfo { return r.info }

// Ready does not wait for an in-flight transcription.
func (r *WhisperRecognizer) Ready() bool {
	return r.ready.Load()
}

// Close releases the engine; later calls fail with engine.ErrReleased.
func (r *WhisperRecognizer) Close() error {
	r.ready.Store(false)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Release()
}
