// Package audio converts incoming PCM and WAV payloads into the normalized
// mono float samples the whisper front-end consumes.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"
)

var (
	ErrInvalidWAV  = errors.New("invalid wav payload")
	ErrUnaligned   = errors.New("pcm payload not aligned")
	ErrUnsupported = errors.New("unsupported audio format")
)

// PCM16ToFloat32 decodes little-endian signed 16-bit PCM, averaging channels
// into mono and scaling to [-1, 1).
func PCM16ToFloat32(pcm []byte, channels int) ([]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupported, channels)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channels", ErrUnaligned, len(pcm), channels)
	}
	frames := len(pcm) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

// DecodeWAV reads a PCM WAV file and returns mono samples at targetRate.
func DecodeWAV(r io.ReadSeeker, targetRate int) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}
	depth := int(dec.BitDepth)
	if depth != 8 && depth != 16 && depth != 24 && depth != 32 {
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupported, depth)
	}

	channels := buf.Format.NumChannels
	scale := float32(int64(1) << (depth - 1))
	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			s := buf.Data[i*channels+c]
			if depth == 8 {
				// 8-bit wav is unsigned
				s -= 128
			}
			sum += float32(s) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return Resample(mono, buf.Format.SampleRate, targetRate)
}

// Resample converts mono samples between rates. Equal rates return the input.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d -> %d", ErrUnsupported, from, to)
	}
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(clamp(s))
	}
	return out, nil
}

// EncodeWAV writes mono samples as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, samples []float32, rate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Float32ToPCM16 is the inverse of PCM16ToFloat32 for mono audio.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// toInt16 uses the same 1<<15 scale the decoders divide by, saturating at
// the positive end.
func toInt16(s float32) int16 {
	v := math.Round(clamp(float64(s)) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	return int16(v)
}

func clamp(s float64) float64 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
