package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-whisper/internal/whisper/tensor"
	"gopkg.in/yaml.v3"
)

const (
	ModeWasm    = "wasm"
	ModeProcess = "process"
)

// Manifest describes a packaged whisper model.
type Manifest struct {
	Metadata   Metadata     `yaml:"metadata"`
	Runtime    RuntimeSpec  `yaml:"runtime"`
	Vocabulary string       `yaml:"vocabulary"`
	Inputs     []TensorSpec `yaml:"inputs"`
	Outputs    []TensorSpec `yaml:"outputs"`

	// Dir is the directory the manifest was loaded from. Relative paths
	// resolve against it.
	Dir string `yaml:"-"`
}

type Metadata struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Author       string   `yaml:"author"`
	Multilingual bool     `yaml:"multilingual"`
	Tags         []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode       string `yaml:"mode"`
	Module     string `yaml:"module,omitempty"`
	Entrypoint string `yaml:"entrypoint,omitempty"`
	Command    string `yaml:"command,omitempty"`
}

type TensorSpec struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
	DType string `yaml:"dtype"`
}

// Descriptor converts the manifest entry into a tensor descriptor.
func (t TensorSpec) Descriptor() (tensor.Descriptor, error) {
	dt, err := tensor.ParseDType(t.DType)
	if err != nil {
		return tensor.Descriptor{}, err
	}
	d := tensor.Descriptor{Name: t.Name, Shape: append([]int(nil), t.Shape...), DType: dt}
	return d, d.Validate()
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Manifest{}, err
	}
	m.Dir = filepath.Dir(abs)
	return m, nil
}

// Resolve makes p absolute relative to the manifest directory.
func (m Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// InputDescriptors converts every declared input.
func (m Manifest) InputDescriptors() ([]tensor.Descriptor, error) {
	return descriptors("inputs", m.Inputs)
}

// OutputDescriptors converts every declared output.
func (m Manifest) OutputDescriptors() ([]tensor.Descriptor, error) {
	return descriptors("outputs", m.Outputs)
}

func descriptors(field string, specs []TensorSpec) ([]tensor.Descriptor, error) {
	out := make([]tensor.Descriptor, 0, len(specs))
	for i, s := range specs {
		d, err := s.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return errors.New("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return errors.New("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "":
		return errors.New("runtime.mode is required")
	case ModeWasm:
		if m.Runtime.Module == "" {
			return errors.New("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return errors.New("runtime.entrypoint is required for wasm")
		}
	case ModeProcess:
		if m.Runtime.Command == "" {
			return errors.New("runtime.command is required for process")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Vocabulary == "" {
		return errors.New("vocabulary is required")
	}
	if len(m.Inputs) == 0 {
		return errors.New("inputs must declare at least one tensor")
	}
	if len(m.Outputs) == 0 {
		return errors.New("outputs must declare at least one tensor")
	}
	if _, err := m.InputDescriptors(); err != nil {
		return err
	}
	if _, err := m.OutputDescriptors(); err != nil {
		return err
	}
	return nil
}
