// Package executor opens the tensor executor a model manifest describes.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-whisper/internal/executor/manifest"
	"github.com/loqalabs/loqa-whisper/internal/executor/process"
	"github.com/loqalabs/loqa-whisper/internal/executor/wasm"
	"github.com/loqalabs/loqa-whisper/internal/whisper/engine"
	"github.com/loqalabs/loqa-whisper/internal/whisper/tensor"
)

// Model is a validated manifest plus the resolved paths it references.
type Model struct {
	Manifest   manifest.Manifest
	Vocabulary string
	inputs     []tensor.Descriptor
	outputs    []tensor.Descriptor
	logger     *slog.Logger
}

// Describe loads and validates the manifest at path without starting the
// model runtime.
func Describe(path string, logger *slog.Logger) (*Model, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	inputs, err := m.InputDescriptors()
	if err != nil {
		return nil, err
	}
	outputs, err := m.OutputDescriptors()
	if err != nil {
		return nil, err
	}
	return &Model{
		Manifest:   m,
		Vocabulary: m.Resolve(m.Vocabulary),
		inputs:     inputs,
		outputs:    outputs,
		logger:     logger,
	}, nil
}

// Open starts the executor for the model's runtime mode.
func (m *Model) Open(ctx context.Context) (tensor.Executor, error) {
	rt := m.Manifest.Runtime
	switch rt.Mode {
	case manifest.ModeWasm:
		exec, err := wasm.Load(ctx, wasm.Config{
			Module:     m.Manifest.Resolve(rt.Module),
			Entrypoint: rt.Entrypoint,
			Inputs:     m.inputs,
			Outputs:    m.outputs,
			Logger:     m.logger,
		})
		if err != nil {
			return nil, err
		}
		return exec, nil
	case manifest.ModeProcess:
		exec, err := process.New(process.Config{
			Command: rt.Command,
			Dir:     m.Manifest.Dir,
			Inputs:  m.inputs,
			Outputs: m.outputs,
			Logger:  m.logger,
		})
		if err != nil {
			return nil, err
		}
		return exec, nil
	default:
		return nil, fmt.Errorf("runtime.mode %q not supported", rt.Mode)
	}
}

// ModelLoader adapts Open for engine.Initialize.
func (m *Model) ModelLoader() engine.ModelLoader {
	return m.Open
}

// VocabularyLoader loads the vocabulary file the manifest names.
func (m *Model) VocabularyLoader() engine.VocabularyLoader {
	return engine.VocabularyFile(m.Vocabulary)
}

// Open loads the manifest at path and starts its executor.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Model, tensor.Executor, error) {
	m, err := Describe(path, logger)
	if err != nil {
		return nil, nil, err
	}
	exec, err := m.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s executor: %w", m.Manifest.Runtime.Mode, err)
	}
	return m, exec, nil
}
