package tensor

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestDescriptorSizes(t *testing.T) {
	d := Descriptor{Name: "mel", Shape: []int{1, 80, 3000}, DType: Float32}
	if d.Elements() != 240000 {
		t.Fatalf("elements = %d", d.Elements())
	}
	if d.ByteSize() != 960000 {
		t.Fatalf("byte size = %d", d.ByteSize())
	}
	if d.String() != "mel[1x80x3000]float32" {
		t.Fatalf("string = %q", d.String())
	}
}

func TestDescriptorValidate(t *testing.T) {
	cases := []Descriptor{
		{Name: "empty", DType: Float32},
		{Name: "zero", Shape: []int{1, 0}, DType: Float32},
		{Name: "negative", Shape: []int{-1}, DType: Int32},
	}
	for _, d := range cases {
		if err := d.Validate(); !errors.Is(err, ErrShapeMismatch) {
			t.Fatalf("%s: expected ErrShapeMismatch, got %v", d.Name, err)
		}
	}
	if err := (Descriptor{Name: "x", Shape: []int{2}}).Validate(); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestParseDType(t *testing.T) {
	if d, err := ParseDType(" Float32 "); err != nil || d != Float32 {
		t.Fatalf("parse float32: %v %v", d, err)
	}
	if d, err := ParseDType("int32"); err != nil || d != Int32 {
		t.Fatalf("parse int32: %v %v", d, err)
	}
	if _, err := ParseDType("uint8"); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestBuildInputNativeOrder(t *testing.T) {
	desc := Descriptor{Name: "in", Shape: []int{1, 2, 3}, DType: Float32}
	data := []float32{0, 1.5, -2, 3.25, 4, 5}
	v, err := BuildInput(desc, data)
	if err != nil {
		t.Fatalf("build input: %v", err)
	}
	raw := v.Bytes()
	if len(raw) != 24 {
		t.Fatalf("expected 24 bytes, got %d", len(raw))
	}
	for i, want := range data {
		got := math.Float32frombits(binary.NativeEndian.Uint32(raw[i*4:]))
		if got != want {
			t.Fatalf("element %d = %v, want %v", i, got, want)
		}
	}
	off, err := v.Offset(0, 1, 2)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if off != 20 || v.Float32(off/4) != 5 {
		t.Fatalf("offset(0,1,2) = %d", off)
	}
}

func TestBuildInputRejectsMismatch(t *testing.T) {
	desc := Descriptor{Name: "in", Shape: []int{1, 2, 3}, DType: Float32}
	if _, err := BuildInput(desc, make([]float32, 5)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for short data, got %v", err)
	}
	if _, err := BuildInput(desc, make([]float32, 7)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for long data, got %v", err)
	}
	desc.DType = Int32
	if _, err := BuildInput(desc, make([]float32, 6)); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestDecodeOutputReadsDeclaredCount(t *testing.T) {
	desc := Descriptor{Name: "tokens", Shape: []int{1, 4}, DType: Int32}
	raw := make([]byte, 16)
	for i, tok := range []int32{50258, 440, -1, 50257} {
		binary.NativeEndian.PutUint32(raw[i*4:], uint32(tok))
	}
	v, err := WrapView(desc, raw)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	tokens, err := DecodeOutput(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int32{50258, 440, -1, 50257}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens", len(tokens))
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d = %d, want %d", i, tokens[i], want[i])
		}
	}
}

func TestWrapViewRejectsWrongSize(t *testing.T) {
	desc := Descriptor{Name: "tokens", Shape: []int{1, 4}, DType: Int32}
	if _, err := WrapView(desc, make([]byte, 15)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestOffsetBounds(t *testing.T) {
	v, err := NewView(Descriptor{Name: "x", Shape: []int{2, 3}, DType: Int32})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Offset(2, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
	if _, err := v.Offset(1); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected rank error, got %v", err)
	}
	v.SetInt32(5, -7)
	if off, _ := v.Offset(1, 2); v.Int32(off/4) != -7 {
		t.Fatalf("set/get mismatch at offset %d", off)
	}
}

func TestSelect(t *testing.T) {
	ds := []Descriptor{{Name: "a", Shape: []int{1}, DType: Float32}}
	if d, err := Select(ds, 0); err != nil || d.Name != "a" {
		t.Fatalf("select 0: %v %v", d, err)
	}
	if _, err := Select(ds, 1); !errors.Is(err, ErrNoTensor) {
		t.Fatalf("expected ErrNoTensor, got %v", err)
	}
	if _, err := Select(nil, -1); !errors.Is(err, ErrNoTensor) {
		t.Fatalf("expected ErrNoTensor for negative index, got %v", err)
	}
}
