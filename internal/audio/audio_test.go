package audio

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPCM16ToFloat32(t *testing.T) {
	pcm := []byte{0x00, 0x40, 0x00, 0xc0} // 16384, -16384
	got, err := PCM16ToFloat32(pcm, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Fatalf("unexpected samples %v", got)
	}

	stereo, err := PCM16ToFloat32(pcm, 2)
	if err != nil {
		t.Fatalf("decode stereo: %v", err)
	}
	if len(stereo) != 1 || stereo[0] != 0 {
		t.Fatalf("expected downmix to 0, got %v", stereo)
	}
}

func TestPCM16Unaligned(t *testing.T) {
	if _, err := PCM16ToFloat32([]byte{1, 2, 3}, 1); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned, got %v", err)
	}
	if _, err := PCM16ToFloat32([]byte{1, 2}, 2); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for stereo, got %v", err)
	}
	if _, err := PCM16ToFloat32(nil, 0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := EncodeWAV(f, samples, 16000); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	got, err := DecodeWAV(in, 16000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if math.Abs(float64(got[i]-samples[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV(bytes.NewReader([]byte("not a wav file at all")), 16000); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestResampleChangesLength(t *testing.T) {
	in := make([]float32, 8000)
	for i := range in {
		in[i] = float32(0.25 * math.Sin(2*math.Pi*200*float64(i)/8000))
	}
	out, err := Resample(in, 8000, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) < 12000 || len(out) > 16400 {
		t.Fatalf("expected roughly 16000 samples, got %d", len(out))
	}
	for i, s := range out {
		if s > 1 || s < -1 {
			t.Fatalf("sample %d out of range: %v", i, s)
		}
	}
}

func TestResamplePassthrough(t *testing.T) {
	in := []float32{0.1, 0.2}
	out, err := Resample(in, 16000, 16000)
	if err != nil || len(out) != 2 || out[1] != 0.2 {
		t.Fatalf("expected passthrough, got %v %v", out, err)
	}
	if _, err := Resample(in, 0, 16000); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	pcm := Float32ToPCM16([]float32{0, 2, -2})
	back, err := PCM16ToFloat32(pcm, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back[0] != 0 || back[1] < 0.99 || back[2] > -0.99 {
		t.Fatalf("unexpected clamp result %v", back)
	}
}

func TestPCM16RoundTripIsExact(t *testing.T) {
	samples := []float32{-1, -0.5, 1.0 / 32768, 12345.0 / 32768, 32767.0 / 32768}
	back, err := PCM16ToFloat32(Float32ToPCM16(samples), 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, s := range samples {
		if back[i] != s {
			t.Fatalf("sample %d = %v, want %v", i, back[i], s)
		}
	}
}
