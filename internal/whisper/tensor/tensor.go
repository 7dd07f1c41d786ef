// Package tensor describes fixed-shape tensors and marshals them to and from
// the raw byte buffers a model executor consumes.
//
// All element data is laid out row-major in native byte order. Shapes and
// element types are fixed when a model is loaded and never change between
// calls; the marshaller trusts the descriptors the executor reports.
package tensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrShapeMismatch reports data that does not fit a declared tensor.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrDType reports an element type the caller cannot handle.
	ErrDType = errors.New("unsupported tensor dtype")
	// ErrNoTensor reports an input or output index the model does not have.
	ErrNoTensor = errors.New("no such tensor")
)

var byteOrder = binary.NativeEndian

// DType is a tensor element type.
type DType uint8

const (
	Invalid DType = iota
	Float32
	Int32
)

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "invalid"
	}
}

// ParseDType accepts the names used in model manifests.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "float":
		return Float32, nil
	case "int32", "i32", "int":
		return Int32, nil
	default:
		return Invalid, fmt.Errorf("%w: %q", ErrDType, s)
	}
}

// Descriptor is the declared shape and element type of one tensor.
type Descriptor struct {
	Name  string
	Shape []int
	DType DType
}

// Validate checks the shape has at least one dimension, every dimension is
// positive and the dtype is known.
func (d Descriptor) Validate() error {
	if len(d.Shape) == 0 {
		return fmt.Errorf("%w: tensor %q has no dimensions", ErrShapeMismatch, d.Name)
	}
	for i, dim := range d.Shape {
		if dim <= 0 {
			return fmt.Errorf("%w: tensor %q dimension %d is %d", ErrShapeMismatch, d.Name, i, dim)
		}
	}
	if d.DType.Size() == 0 {
		return fmt.Errorf("%w: tensor %q", ErrDType, d.Name)
	}
	return nil
}

// Elements is the product of the shape.
func (d Descriptor) Elements() int {
	if len(d.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// ByteSize is the exact buffer size the tensor occupies.
func (d Descriptor) ByteSize() int {
	return d.Elements() * d.DType.Size()
}

func (d Descriptor) String() string {
	dims := make([]string, len(d.Shape))
	for i, dim := range d.Shape {
		dims[i] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("%s[%s]%s", d.Name, strings.Join(dims, "x"), d.DType)
}

// Executor runs a model's forward pass over fixed-shape buffers. Input and
// output buffers must be exactly the descriptor byte sizes. Implementations
// are not required to be reentrant.
type Executor interface {
	InputDescriptor(index int) (Descriptor, error)
	OutputDescriptor(index int) (Descriptor, error)
	Run(ctx context.Context, input []byte, output []byte) error
	Close() error
}

// Select returns ds[index] or ErrNoTensor.
func Select(ds []Descriptor, index int) (Descriptor, error) {
	if index < 0 || index >= len(ds) {
		return Descriptor{}, fmt.Errorf("%w: index %d of %d", ErrNoTensor, index, len(ds))
	}
	return ds[index], nil
}

// View pairs a byte region with the descriptor that types it.
type View struct {
	desc Descriptor
	buf  []byte
}

// NewView allocates a zeroed buffer for desc.
func NewView(desc Descriptor) (*View, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &View{desc: desc, buf: make([]byte, desc.ByteSize())}, nil
}

// WrapView types an existing buffer, which must be exactly desc.ByteSize().
func WrapView(desc Descriptor, buf []byte) (*View, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if len(buf) != desc.ByteSize() {
		return nil, fmt.Errorf("%w: tensor %s needs %d bytes, buffer has %d", ErrShapeMismatch, desc, desc.ByteSize(), len(buf))
	}
	return &View{desc: desc, buf: buf}, nil
}

func (v *View) Descriptor() Descriptor { return v.desc }
func (v *View) Bytes() []byte          { return v.buf }
func (v *View) Len() int               { return v.desc.Elements() }

// Offset returns the byte offset of a multi-dimensional index.
func (v *View) Offset(index ...int) (int, error) {
	shape := v.desc.Shape
	if len(index) != len(shape) {
		return 0, fmt.Errorf("%w: index rank %d, tensor rank %d", ErrShapeMismatch, len(index), len(shape))
	}
	flat := 0
	for i, idx := range index {
		if idx < 0 || idx >= shape[i] {
			return 0, fmt.Errorf("%w: index %d out of range for dimension %d (%d)", ErrShapeMismatch, idx, i, shape[i])
		}
		flat = flat*shape[i] + idx
	}
	return flat * v.desc.DType.Size(), nil
}

func (v *View) Float32(i int) float32 {
	return math.Float32frombits(byteOrder.Uint32(v.buf[i*4:]))
}

func (v *View) SetFloat32(i int, f float32) {
	byteOrder.PutUint32(v.buf[i*4:], math.Float32bits(f))
}

func (v *View) Int32(i int) int32 {
	return int32(byteOrder.Uint32(v.buf[i*4:]))
}

func (v *View) SetInt32(i int, n int32) {
	byteOrder.PutUint32(v.buf[i*4:], uint32(n))
}

// BuildInput writes data into a fresh float32 buffer for desc. The element
// count must match exactly; nothing is padded or truncated here.
func BuildInput(desc Descriptor, data []float32) (*View, error) {
	if desc.DType != Float32 {
		return nil, fmt.Errorf("%w: input %s must be float32", ErrDType, desc)
	}
	if len(data) != desc.Elements() {
		return nil, fmt.Errorf("%w: input %s holds %d elements, got %d", ErrShapeMismatch, desc, desc.Elements(), len(data))
	}
	v, err := NewView(desc)
	if err != nil {
		return nil, err
	}
	for i, f := range data {
		v.SetFloat32(i, f)
	}
	return v, nil
}

// DecodeOutput reads every int32 element of v in order.
func DecodeOutput(v *View) ([]int32, error) {
	if v.desc.DType != Int32 {
		return nil, fmt.Errorf("%w: output %s must be int32", ErrDType, v.desc)
	}
	out := make([]int32, v.Len())
	for i := range out {
		out[i] = v.Int32(i)
	}
	return out, nil
}
