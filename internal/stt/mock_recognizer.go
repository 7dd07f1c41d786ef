package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes its input instead of
// running a model.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript bytes=%d rate=%d channels=%d]", len(pcm), sampleRate, channels),
		Mode:       "transcribe",
		Terminated: true,
	}, nil
}

func (m *mockRecognizer) TranscribeSamples(_ context.Context, samples []float32) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript samples=%d]", len(samples)),
		Mode:       "transcribe",
		Terminated: true,
	}, nil
}

func (m *mockRecognizer) Ready() bool  { return true }
func (m *mockRecognizer) Close() error { return nil }
