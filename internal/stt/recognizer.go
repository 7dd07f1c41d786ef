package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Mode       string
	Tokens     int
	Terminated bool
}

// Recognizer abstracts STT backends. PCM is little-endian signed 16-bit.
// TranscribeSamples takes mono samples in [-1, 1] already at 16 kHz.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
	TranscribeSamples(ctx context.Context, samples []float32) (TranscriptResult, error)
	Ready() bool
	Close() error
}
