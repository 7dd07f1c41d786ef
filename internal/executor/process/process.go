// Package process runs a model as an external command: the input tensor is
// written to its stdin and exactly one output tensor is read from stdout.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-whisper/internal/whisper/tensor"
	"github.com/mattn/go-shellwords"
)

var ErrOutputSize = errors.New("model process wrote unexpected output size")

// Config describes the command to spawn per run.
type Config struct {
	Command string
	// Dir is the working directory for the command.
	Dir     string
	Inputs  []tensor.Descriptor
	Outputs []tensor.Descriptor
	Logger  *slog.Logger
}

// Executor implements tensor.Executor by spawning Command for every Run.
type Executor struct {
	cmd     []string
	dir     string
	inputs  []tensor.Descriptor
	outputs []tensor.Descriptor
	log     *slog.Logger
	mu      sync.Mutex
}

func New(cfg Config) (*Executor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("model command is empty")
	}
	if len(cfg.Inputs) == 0 || len(cfg.Outputs) == 0 {
		return nil, errors.New("process executor needs one input and one output tensor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Executor{
		cmd:     args,
		dir:     cfg.Dir,
		inputs:  cfg.Inputs,
		outputs: cfg.Outputs,
		log:     logger.With(slog.String("component", "process-executor")),
	}, nil
}

func (e *Executor) InputDescriptor(index int) (tensor.Descriptor, error) {
	return tensor.Select(e.inputs, index)
}

func (e *Executor) OutputDescriptor(index int) (tensor.Descriptor, error) {
	return tensor.Select(e.outputs, index)
}

func (e *Executor) Run(ctx context.Context, input []byte, output []byte) error {
	if _, err := tensor.WrapView(e.inputs[0], input); err != nil {
		return err
	}
	if _, err := tensor.WrapView(e.outputs[0], output); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Dir = e.dir
	command.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}
	if stderr.Len() > 0 {
		e.log.Debug("model stderr", slog.String("output", stderr.String()))
	}
	if stdout.Len() != len(output) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrOutputSize, stdout.Len(), len(output))
	}
	copy(output, stdout.Bytes())
	return nil
}

// Close is a no-op; no process outlives Run.
func (e *Executor) Close() error { return nil }
