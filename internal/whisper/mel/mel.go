// Package mel computes the log-mel spectrogram whisper models consume.
//
// Parameters are fixed by the model's training-time preprocessing:
//
//	SampleRate:   16000
//	ChunkSeconds: 30
//	FFTSize:      400 (25 ms, periodic Hann window)
//	HopLength:    160 (10 ms)
//	NumMels:      80
//	NumFrames:    3000
//
// The filterbank weights come from the model's vocabulary resource rather
// than being derived here, so the front-end matches the exported model.
package mel

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/loqalabs/loqa-whisper/internal/whisper/vocab"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	SampleRate    = 16000
	ChunkSeconds  = 30
	WindowSamples = SampleRate * ChunkSeconds
	FFTSize       = 400
	HopLength     = 160
	NumMels       = 80
	NumBins       = FFTSize/2 + 1
	NumFrames     = WindowSamples / HopLength
)

// ErrDimensions reports input or filterbank dimensions that do not match the
// fixed model constants.
var ErrDimensions = errors.New("mel dimensions mismatch")

// Spectrogram is a log-mel matrix stored mel-major: Data[m*Frames+t].
type Spectrogram struct {
	Mels   int
	Frames int
	Data   []float32
}

// At returns the value for mel band m at frame t.
func (s *Spectrogram) At(m, t int) float32 {
	return s.Data[m*s.Frames+t]
}

// Compute converts a fixed-window sample buffer into a log-mel spectrogram.
// Frames are split across workers; the result does not depend on the
// worker count.
func Compute(samples []float32, filters *vocab.Filters, workers int) (*Spectrogram, error) {
	if len(samples) != WindowSamples {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrDimensions, len(samples), WindowSamples)
	}
	if filters == nil || filters.NumMels != NumMels || filters.NumBins != NumBins {
		return nil, fmt.Errorf("%w: filterbank must be %dx%d", ErrDimensions, NumMels, NumBins)
	}
	if workers < 1 {
		workers = 1
	}
	if workers > NumFrames {
		workers = NumFrames
	}

	sg := &Spectrogram{Mels: NumMels, Frames: NumFrames, Data: make([]float32, NumMels*NumFrames)}
	window := hann(FFTSize)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(first int) {
			defer wg.Done()
			f := newFrameWorker(window)
			for t := first; t < NumFrames; t += workers {
				f.compute(samples, filters, sg, t)
			}
		}(w)
	}
	wg.Wait()

	normalize(sg.Data)
	return sg, nil
}

// frameWorker owns an FFT plan and scratch space. fourier.FFT is not safe for
// concurrent use, so each goroutine gets its own.
type frameWorker struct {
	window []float64
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	power  []float64
}

func newFrameWorker(window []float64) *frameWorker {
	return &frameWorker{
		window: window,
		fft:    fourier.NewFFT(FFTSize),
		frame:  make([]float64, FFTSize),
		coeffs: make([]complex128, NumBins),
		power:  make([]float64, NumBins),
	}
}

func (f *frameWorker) compute(samples []float32, filters *vocab.Filters, sg *Spectrogram, t int) {
	offset := t * HopLength
	for j := range f.frame {
		if offset+j < len(samples) {
			f.frame[j] = f.window[j] * float64(samples[offset+j])
		} else {
			f.frame[j] = 0
		}
	}

	f.coeffs = f.fft.Coefficients(f.coeffs, f.frame)

	// One-sided power spectrum. Interior bins carry the energy of their
	// negative-frequency mirror; DC and Nyquist do not have one.
	for k, c := range f.coeffs {
		p := real(c)*real(c) + imag(c)*imag(c)
		if k > 0 && k < FFTSize/2 {
			p *= 2
		}
		f.power[k] = p
	}

	for m := 0; m < NumMels; m++ {
		row := filters.Row(m)
		var sum float64
		for k, w := range row {
			sum += f.power[k] * float64(w)
		}
		if sum < 1e-10 {
			sum = 1e-10
		}
		sg.Data[m*NumFrames+t] = float32(math.Log10(sum))
	}
}

// normalize clamps the dynamic range to 8 (log10 units) below the peak and
// rescales to roughly [-1, 1].
func normalize(data []float32) {
	peak := float32(math.Inf(-1))
	for _, v := range data {
		if v > peak {
			peak = v
		}
	}
	floor := peak - 8
	for i, v := range data {
		if v < floor {
			v = floor
		}
		data[i] = (v + 4) / 4
	}
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}
