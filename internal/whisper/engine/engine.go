// Package engine sequences the whisper inference pipeline: fixed-window
// audio, log-mel features, tensor execution and token decoding.
//
// An Engine owns one executor and one vocabulary. It runs at most one
// transcription at a time; callers that share an engine across goroutines
// must serialize Transcribe themselves, and must not call Release while a
// transcription is in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/whisper/mel"
	"github.com/loqalabs/loqa-whisper/internal/whisper/tensor"
	"github.com/loqalabs/loqa-whisper/internal/whisper/token"
	"github.com/loqalabs/loqa-whisper/internal/whisper/vocab"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrReleased           = errors.New("engine released")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrConfiguration      = errors.New("engine configuration mismatch")
	ErrResourceLoad       = errors.New("engine resource load failed")
)

// State is the engine lifecycle position.
type State uint8

const (
	Uninitialized State = iota
	Ready
	Released
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// ModelLoader produces a loaded executor.
type ModelLoader func(ctx context.Context) (tensor.Executor, error)

// VocabularyLoader produces the vocabulary and mel filters for the chosen
// token layout.
type VocabularyLoader func(multilingual bool) (*vocab.Vocabulary, *vocab.Filters, error)

// VocabularyFile loads the filters+vocabulary resource at path.
func VocabularyFile(path string) VocabularyLoader {
	return func(multilingual bool) (*vocab.Vocabulary, *vocab.Filters, error) {
		return vocab.LoadFile(path, multilingual)
	}
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	// Workers parallelizes mel frame computation. Defaults to NumCPU.
	Workers int
	Logger  *slog.Logger
}

// Transcript is the decoded output of one window.
type Transcript struct {
	Text       string
	Mode       token.Mode
	Tokens     int
	Terminated bool
	Duration   time.Duration
}

// Engine is the inference pipeline for one model.
type Engine struct {
	workers int
	log     *slog.Logger
	tracer  trace.Tracer

	state   State
	exec    tensor.Executor
	vocab   *vocab.Vocabulary
	filters *vocab.Filters
	input   tensor.Descriptor
	output  tensor.Descriptor
}

// New creates an uninitialized engine.
func New(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Engine{
		workers: workers,
		log:     logger.With(slog.String("component", "whisper-engine")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-whisper/engine"),
	}
}

// State reports the lifecycle position.
func (e *Engine) State() State { return e.state }

// IsInitialized reports whether Transcribe may be called.
func (e *Engine) IsInitialized() bool { return e.state == Ready }

// Initialize loads the model and vocabulary. The engine becomes Ready only if
// both load and their dimensions agree with the mel front-end; on any failure
// the executor is closed again and the engine stays Uninitialized.
func (e *Engine) Initialize(ctx context.Context, model ModelLoader, vocabulary VocabularyLoader, multilingual bool) error {
	switch e.state {
	case Ready:
		return ErrAlreadyInitialized
	case Released:
		return ErrReleased
	}
	if model == nil || vocabulary == nil {
		return fmt.Errorf("%w: model and vocabulary loaders are required", ErrConfiguration)
	}

	exec, err := model(ctx)
	if err != nil {
		return fmt.Errorf("%w: load model: %w", ErrResourceLoad, err)
	}
	e.log.Info("model loaded")

	in, out, err := describe(exec)
	if err != nil {
		closeQuietly(exec, e.log)
		return err
	}

	v, filters, err := vocabulary(multilingual)
	if err != nil {
		closeQuietly(exec, e.log)
		if errors.Is(err, vocab.ErrMalformed) {
			return fmt.Errorf("%w: load vocabulary: %w", ErrConfiguration, err)
		}
		return fmt.Errorf("%w: load vocabulary: %w", ErrResourceLoad, err)
	}
	if filters.NumMels != mel.NumMels || filters.NumBins != mel.NumBins {
		closeQuietly(exec, e.log)
		return fmt.Errorf("%w: filterbank is %dx%d, front-end expects %dx%d",
			ErrConfiguration, filters.NumMels, filters.NumBins, mel.NumMels, mel.NumBins)
	}

	e.exec = exec
	e.vocab = v
	e.filters = filters
	e.input = in
	e.output = out
	e.state = Ready
	e.log.Info("filters and vocabulary loaded",
		slog.Bool("multilingual", multilingual),
		slog.Int("tokens", v.Size()),
		slog.String("input", in.String()),
		slog.String("output", out.String()))
	return nil
}

func describe(exec tensor.Executor) (tensor.Descriptor, tensor.Descriptor, error) {
	in, err := exec.InputDescriptor(0)
	if err != nil {
		return in, tensor.Descriptor{}, fmt.Errorf("%w: input tensor: %w", ErrConfiguration, err)
	}
	out, err := exec.OutputDescriptor(0)
	if err != nil {
		return in, out, fmt.Errorf("%w: output tensor: %w", ErrConfiguration, err)
	}
	if err := in.Validate(); err != nil {
		return in, out, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := out.Validate(); err != nil {
		return in, out, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if in.DType != tensor.Float32 {
		return in, out, fmt.Errorf("%w: input %s must be float32", ErrConfiguration, in)
	}
	if want := mel.NumMels * mel.NumFrames; in.Elements() != want {
		return in, out, fmt.Errorf("%w: input %s holds %d elements, spectrogram has %d",
			ErrConfiguration, in, in.Elements(), want)
	}
	if out.DType != tensor.Int32 {
		return in, out, fmt.Errorf("%w: output %s must be int32", ErrConfiguration, out)
	}
	return in, out, nil
}

// Transcribe runs one window of audio through the pipeline. Samples are
// normalized mono PCM at mel.SampleRate; shorter input is zero-padded and
// longer input truncated to the fixed window.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	switch e.state {
	case Uninitialized:
		return Transcript{}, ErrNotInitialized
	case Released:
		return Transcript{}, ErrReleased
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "whisper.transcribe",
		trace.WithAttributes(attribute.Int("samples", len(samples))))
	defer span.End()

	result, err := e.run(ctx, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transcript{}, err
	}

	switch result.Mode {
	case token.ModeTranscribe:
		e.log.Debug("decoded transcription")
	case token.ModeTranslate:
		e.log.Debug("decoded translation")
	}
	if !result.Terminated {
		e.log.Debug("output exhausted without end-of-text", slog.Int("tokens", result.Consumed))
	}
	span.SetAttributes(
		attribute.String("mode", result.Mode.String()),
		attribute.Int("tokens", result.Consumed),
	)
	return Transcript{
		Text:       result.Text,
		Mode:       result.Mode,
		Tokens:     result.Consumed,
		Terminated: result.Terminated,
		Duration:   time.Since(start),
	}, nil
}

func (e *Engine) run(ctx context.Context, samples []float32) (token.Result, error) {
	window := fitWindow(samples, mel.WindowSamples)

	_, melSpan := e.tracer.Start(ctx, "whisper.mel")
	sg, err := mel.Compute(window, e.filters, e.workers)
	melSpan.End()
	if err != nil {
		return token.Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := ctx.Err(); err != nil {
		return token.Result{}, err
	}

	input, err := tensor.BuildInput(e.input, sg.Data)
	if err != nil {
		return token.Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	output, err := tensor.NewView(e.output)
	if err != nil {
		return token.Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	runCtx, runSpan := e.tracer.Start(ctx, "whisper.run")
	err = e.exec.Run(runCtx, input.Bytes(), output.Bytes())
	runSpan.End()
	if err != nil {
		return token.Result{}, fmt.Errorf("run model: %w", err)
	}

	_, decodeSpan := e.tracer.Start(ctx, "whisper.decode")
	defer decodeSpan.End()
	tokens, err := tensor.DecodeOutput(output)
	if err != nil {
		return token.Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return token.Decode(tokens, e.vocab)
}

// fitWindow copies samples into a buffer of exactly size elements, zero
// filling the tail or dropping trailing samples.
func fitWindow(samples []float32, size int) []float32 {
	window := make([]float32, size)
	copy(window, samples)
	return window
}

// Release closes the executor. It is terminal: afterwards Transcribe and
// Initialize fail with ErrReleased. Calling it again is a no-op.
func (e *Engine) Release() error {
	if e.state == Released {
		return nil
	}
	var err error
	if e.exec != nil {
		err = e.exec.Close()
	}
	e.exec = nil
	e.vocab = nil
	e.filters = nil
	e.state = Released
	e.log.Info("engine released")
	if err != nil {
		return fmt.Errorf("close executor: %w", err)
	}
	return nil
}

func closeQuietly(exec tensor.Executor, log *slog.Logger) {
	if err := exec.Close(); err != nil {
		log.Warn("failed to close executor", slog.String("error", err.Error()))
	}
}
