package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/executor"
	"github.com/loqalabs/loqa-whisper/internal/executor/manifest"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/whisper/engine"
	"github.com/loqalabs/loqa-whisper/internal/whisper/mel"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "model.yaml", "Path to model manifest")

	var opts transcribeOptions
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&opts.manifest, "manifest", "model.yaml", "Path to model manifest")
	transcribeCmd.StringVar(&opts.audio, "audio", "", "Path to a PCM WAV file")
	transcribeCmd.StringVar(&opts.vocabulary, "vocab", "", "Vocabulary file overriding the manifest's")
	transcribeCmd.IntVar(&opts.threads, "threads", 0, "Mel worker count (0 = all CPUs)")
	transcribeCmd.BoolVar(&opts.verbose, "v", false, "Log engine progress to stderr")

	var req requestOptions
	requestCmd := flag.NewFlagSet("request", flag.ExitOnError)
	requestCmd.StringVar(&req.server, "server", "nats://localhost:4222", "NATS server of a running whisper node")
	requestCmd.StringVar(&req.audio, "audio", "", "Path to a PCM WAV file")
	requestCmd.StringVar(&req.session, "session", "", "Session id recorded with the transcript")
	requestCmd.DurationVar(&req.timeout, "timeout", 60*time.Second, "Reply deadline")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'transcribe', 'request' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runTranscribe(ctx, opts)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "request":
		requestCmd.Parse(os.Args[2:])
		if err := runRequest(req); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type transcribeOptions struct {
	manifest   string
	audio      string
	vocabulary string
	threads    int
	verbose    bool
}

type requestOptions struct {
	server  string
	audio   string
	session string
	timeout time.Duration
}

func runValidate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	return manifest.Validate(m)
}

func runTranscribe(ctx context.Context, opts transcribeOptions) error {
	if opts.audio == "" {
		return fmt.Errorf("-audio is required")
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	model, err := executor.Describe(opts.manifest, logger)
	if err != nil {
		return err
	}
	vocabulary := model.VocabularyLoader()
	if opts.vocabulary != "" {
		vocabulary = engine.VocabularyFile(opts.vocabulary)
	}

	samples, err := loadWAV(opts.audio)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{Workers: opts.threads, Logger: logger})
	if err := eng.Initialize(ctx, model.ModelLoader(), vocabulary, model.Manifest.Metadata.Multilingual); err != nil {
		return err
	}
	defer eng.Release()

	t, err := eng.Transcribe(ctx, samples)
	if err != nil {
		return err
	}
	fmt.Println(t.Text)
	logger.Debug("transcription finished",
		slog.String("mode", t.Mode.String()),
		slog.Int("tokens", t.Tokens),
		slog.Bool("terminated", t.Terminated),
		slog.Duration("duration", t.Duration))
	return nil
}

func runRequest(opts requestOptions) error {
	if opts.audio == "" {
		return fmt.Errorf("-audio is required")
	}
	samples, err := loadWAV(opts.audio)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, "whisper-model", config.BusConfig{Servers: []string{opts.server}, ConnectTimeout: 5000}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.TranscribeReply
	err = client.RequestJSON(ctx, protocol.SubjectTranscribe, protocol.TranscribeRequest{
		SessionID:  opts.session,
		SampleRate: mel.SampleRate,
		Channels:   1,
		PCM:        audio.Float32ToPCM16(samples),
	}, &reply)
	if err != nil {
		return err
	}
	if reply.Error != "" || reply.Transcript == nil {
		return fmt.Errorf("remote transcription failed: %q", reply.Error)
	}
	fmt.Println(reply.Transcript.Text)
	return nil
}

func loadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	samples, err := audio.DecodeWAV(f, mel.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return samples, nil
}
