// Package vocab loads the combined mel-filter and token vocabulary resource
// shipped alongside whisper TFLite models.
//
// The resource is a flat binary file in native byte order:
//
//	int32   magic (0x5553454e)
//	int32   n_mel
//	int32   n_fft
//	float32 filters[n_mel * n_fft]
//	int32   n_vocab
//	n_vocab x { int32 len; byte word[len] }
//
// Ids from end-of-text up to the model's full token count are special tokens
// that the file may not carry; they get bracketed placeholder names. Word ids
// below end-of-text that the file does not carry have no entry.
package vocab

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Magic identifies a filters+vocabulary resource.
const Magic = 0x5553454e

const (
	englishTokens      = 51864
	multilingualTokens = 51865

	// English-only special token ids. Multilingual models shift each by one.
	englishEOT        = 50256
	englishSOT        = 50257
	englishTranslate  = 50357
	englishTranscribe = 50358
	englishSOLM       = 50359
	englishPrev       = 50360
	englishNoSpeech   = 50361
	englishNoTimes    = 50362
	englishBeginTime  = 50363

	// sanity bounds for the resource header
	maxWordLen = 1 << 16
	maxFilters = 1 << 20
)

var (
	// ErrMalformed reports a resource that cannot be parsed.
	ErrMalformed = errors.New("malformed vocabulary resource")
	// ErrUnknownToken reports a token id with no vocabulary entry.
	ErrUnknownToken = errors.New("unknown token")
)

// UnknownTokenError carries the id that failed lookup.
type UnknownTokenError struct {
	ID int32
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token: id %d has no vocabulary entry", e.ID)
}

// Is matches ErrUnknownToken.
func (e *UnknownTokenError) Is(target error) bool {
	return target == ErrUnknownToken
}

// Filters is the mel filterbank matrix stored row-major as [NumMels][NumBins].
type Filters struct {
	NumMels int
	NumBins int
	Data    []float32
}

// Row returns the weights for mel band m.
func (f *Filters) Row(m int) []float32 {
	return f.Data[m*f.NumBins : (m+1)*f.NumBins]
}

// Specials holds the reserved control token ids.
type Specials struct {
	EndOfText   int32
	StartOfText int32
	Translate   int32
	Transcribe  int32
	SOLM        int32
	Prev        int32
	NoSpeech    int32
	NoTimes     int32
	BeginTime   int32
}

func specialsFor(multilingual bool) Specials {
	s := Specials{
		EndOfText:   englishEOT,
		StartOfText: englishSOT,
		Translate:   englishTranslate,
		Transcribe:  englishTranscribe,
		SOLM:        englishSOLM,
		Prev:        englishPrev,
		NoSpeech:    englishNoSpeech,
		NoTimes:     englishNoTimes,
		BeginTime:   englishBeginTime,
	}
	if multilingual {
		s.EndOfText++
		s.StartOfText++
		s.Translate++
		s.Transcribe++
		s.SOLM++
		s.Prev++
		s.NoSpeech++
		s.NoTimes++
		s.BeginTime++
	}
	return s
}

// Vocabulary maps token ids to display strings.
type Vocabulary struct {
	words        []string
	present      int // words the resource carried
	specials     Specials
	multilingual bool
}

// Word returns the display string for id.
func (v *Vocabulary) Word(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.words) {
		return "", &UnknownTokenError{ID: id}
	}
	if int(id) >= v.present && id < v.specials.EndOfText {
		return "", &UnknownTokenError{ID: id}
	}
	return v.words[id], nil
}

func (v *Vocabulary) EndOfText() int32  { return v.specials.EndOfText }
func (v *Vocabulary) Transcribe() int32 { return v.specials.Transcribe }
func (v *Vocabulary) Translate() int32  { return v.specials.Translate }

// Specials returns every reserved id for this vocabulary layout.
func (v *Vocabulary) Specials() Specials { return v.specials }

// Multilingual reports which id layout the vocabulary was loaded with.
func (v *Vocabulary) Multilingual() bool { return v.multilingual }

// Size is the number of addressable token ids.
func (v *Vocabulary) Size() int { return len(v.words) }

// LoadFile reads the resource at path.
func LoadFile(path string, multilingual bool) (*Vocabulary, *Filters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()
	return Load(f, multilingual)
}

// Load parses a filters+vocabulary resource from r.
func Load(r io.Reader, multilingual bool) (*Vocabulary, *Filters, error) {
	br := &reader{r: bufio.NewReader(r)}

	if magic := br.int32(); br.err == nil && uint32(magic) != Magic {
		return nil, nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, uint32(magic))
	}
	nMel := br.int32()
	nFFT := br.int32()
	if br.err != nil {
		return nil, nil, br.fail("header")
	}
	if nMel <= 0 || nFFT <= 0 || int64(nMel)*int64(nFFT) > maxFilters {
		return nil, nil, fmt.Errorf("%w: filter dimensions %dx%d", ErrMalformed, nMel, nFFT)
	}

	filters := &Filters{NumMels: int(nMel), NumBins: int(nFFT), Data: make([]float32, nMel*nFFT)}
	for i := range filters.Data {
		filters.Data[i] = math.Float32frombits(uint32(br.int32()))
	}
	if br.err != nil {
		return nil, nil, br.fail("filters")
	}

	nVocab := br.int32()
	if br.err != nil {
		return nil, nil, br.fail("vocabulary size")
	}
	total := englishTokens
	if multilingual {
		total = multilingualTokens
	}
	if nVocab < 0 || int(nVocab) > total {
		return nil, nil, fmt.Errorf("%w: vocabulary size %d", ErrMalformed, nVocab)
	}

	words := make([]string, total)
	for i := 0; i < int(nVocab); i++ {
		n := br.int32()
		if br.err == nil && (n < 0 || n > maxWordLen) {
			return nil, nil, fmt.Errorf("%w: word %d has length %d", ErrMalformed, i, n)
		}
		words[i] = br.str(int(n))
		if br.err != nil {
			return nil, nil, br.fail(fmt.Sprintf("word %d", i))
		}
	}

	specials := specialsFor(multilingual)
	for i := max(int(nVocab), int(specials.EndOfText)); i < total; i++ {
		words[i] = placeholder(int32(i), specials)
	}

	return &Vocabulary{words: words, present: int(nVocab), specials: specials, multilingual: multilingual}, filters, nil
}

func placeholder(id int32, s Specials) string {
	switch {
	case id > s.BeginTime:
		return fmt.Sprintf("[_TT_%d]", id-s.BeginTime)
	case id == s.EndOfText:
		return "[_EOT_]"
	case id == s.StartOfText:
		return "[_SOT_]"
	case id == s.SOLM:
		return "[_SOLM_]"
	case id == s.Prev:
		return "[_PREV_]"
	case id == s.NoSpeech:
		return "[_NOSP_]"
	case id == s.NoTimes:
		return "[_NOT_]"
	case id == s.BeginTime:
		return "[_BEG_]"
	default:
		return fmt.Sprintf("[_extra_token_%d]", id)
	}
}

// reader accumulates the first error so the parse reads linearly.
type reader struct {
	r   io.Reader
	buf [4]byte
	err error
}

func (r *reader) int32() int32 {
	if r.err != nil {
		return 0
	}
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		r.err = err
		return 0
	}
	return int32(binary.NativeEndian.Uint32(r.buf[:]))
}

func (r *reader) str(n int) string {
	if r.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}

func (r *reader) fail(section string) error {
	if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrMalformed, section)
	}
	return fmt.Errorf("read %s: %w", section, r.err)
}
