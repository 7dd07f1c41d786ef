// Package wasm runs whisper models compiled to WebAssembly under wazero.
//
// A guest module exports two functions:
//
//	alloc(size i32) i32
//	<entrypoint>(in_ptr, in_len, out_ptr, out_len i32) i32
//
// The host allocates one input and one output region at load time, copies
// the input tensor in, calls the entrypoint and copies the output tensor
// back when it returns status 0. Guests may call env.host_log(ptr, len).
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-whisper/internal/whisper/tensor"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const allocExport = "alloc"

var ErrGuest = errors.New("wasm guest failed")

// Config describes the module to load.
type Config struct {
	Module     string
	Entrypoint string
	Inputs     []tensor.Descriptor
	Outputs    []tensor.Descriptor
	Logger     *slog.Logger
}

// Executor implements tensor.Executor over one instantiated module. Calls
// are serialized.
type Executor struct {
	mu      sync.Mutex
	rt      wazero.Runtime
	module  api.Module
	entry   api.Function
	inputs  []tensor.Descriptor
	outputs []tensor.Descriptor
	inPtr   uint32
	outPtr  uint32
	log     *slog.Logger
	closed  bool
}

// Load reads, compiles and instantiates the module.
func Load(ctx context.Context, cfg Config) (*Executor, error) {
	wasmBytes, err := os.ReadFile(cfg.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return New(ctx, wasmBytes, cfg)
}

// New instantiates a module from its bytes.
func New(ctx context.Context, wasmBytes []byte, cfg Config) (*Executor, error) {
	if len(cfg.Inputs) == 0 || len(cfg.Outputs) == 0 {
		return nil, errors.New("wasm executor needs one input and one output tensor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	logger = logger.With(slog.String("component", "wasm-executor"))

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithStderr(os.Stderr))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	e := &Executor{
		rt:      rt,
		module:  module,
		inputs:  cfg.Inputs,
		outputs: cfg.Outputs,
		log:     logger,
	}
	if err := e.bind(ctx, cfg.Entrypoint); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	logger.Info("wasm model loaded",
		slog.String("module", cfg.Module),
		slog.String("entrypoint", cfg.Entrypoint))
	return e, nil
}

func (e *Executor) bind(ctx context.Context, entrypoint string) error {
	e.entry = e.module.ExportedFunction(entrypoint)
	if e.entry == nil {
		return fmt.Errorf("entrypoint %q not found", entrypoint)
	}
	alloc := e.module.ExportedFunction(allocExport)
	if alloc == nil {
		return fmt.Errorf("export %q not found", allocExport)
	}
	var err error
	if e.inPtr, err = allocate(ctx, alloc, e.inputs[0].ByteSize()); err != nil {
		return fmt.Errorf("allocate input: %w", err)
	}
	if e.outPtr, err = allocate(ctx, alloc, e.outputs[0].ByteSize()); err != nil {
		return fmt.Errorf("allocate output: %w", err)
	}
	return nil
}

func allocate(ctx context.Context, alloc api.Function, size int) (uint32, error) {
	res, err := alloc.Call(ctx, api.EncodeU32(uint32(size)))
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%w: alloc returned %d values", ErrGuest, len(res))
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%w: alloc(%d) returned null", ErrGuest, size)
	}
	return ptr, nil
}

func (e *Executor) InputDescriptor(index int) (tensor.Descriptor, error) {
	return tensor.Select(e.inputs, index)
}

func (e *Executor) OutputDescriptor(index int) (tensor.Descriptor, error) {
	return tensor.Select(e.outputs, index)
}

// Run copies input into guest memory, calls the entrypoint and copies the
// output region back.
func (e *Executor) Run(ctx context.Context, input []byte, output []byte) error {
	if _, err := tensor.WrapView(e.inputs[0], input); err != nil {
		return err
	}
	if _, err := tensor.WrapView(e.outputs[0], output); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("wasm executor closed")
	}

	mem := e.module.Memory()
	if mem == nil {
		return fmt.Errorf("%w: module has no memory", ErrGuest)
	}
	if !mem.Write(e.inPtr, input) {
		return fmt.Errorf("%w: input region out of range", ErrGuest)
	}
	res, err := e.entry.Call(ctx,
		api.EncodeU32(e.inPtr), api.EncodeU32(uint32(len(input))),
		api.EncodeU32(e.outPtr), api.EncodeU32(uint32(len(output))))
	if err != nil {
		return fmt.Errorf("call entrypoint: %w", err)
	}
	if len(res) == 1 {
		if status := api.DecodeI32(res[0]); status != 0 {
			return fmt.Errorf("%w: status %d", ErrGuest, status)
		}
	}
	// memory may have grown during the call
	data, ok := e.module.Memory().Read(e.outPtr, uint32(len(output)))
	if !ok {
		return fmt.Errorf("%w: output region out of range", ErrGuest)
	}
	copy(output, data)
	return nil
}

// Close releases the runtime and every module in it.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.rt.Close(context.Background())
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory")
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory",
				slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("model log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")
	_, err := builder.Instantiate(ctx)
	return err
}
