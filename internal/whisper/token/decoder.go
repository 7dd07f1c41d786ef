// Package token turns a model's raw output token ids into text.
package token

import (
	"fmt"
	"strings"
)

// Vocabulary resolves word tokens and exposes the reserved control ids.
type Vocabulary interface {
	Word(id int32) (string, error)
	EndOfText() int32
	Transcribe() int32
	Translate() int32
}

// Kind partitions token ids.
type Kind uint8

const (
	Word Kind = iota
	EndOfText
	Control
)

func (k Kind) String() string {
	switch k {
	case Word:
		return "word"
	case EndOfText:
		return "eot"
	default:
		return "control"
	}
}

// Mode is the task a control token announces.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeTranscribe
	ModeTranslate
)

func (m Mode) String() string {
	switch m {
	case ModeTranscribe:
		return "transcribe"
	case ModeTranslate:
		return "translate"
	default:
		return "unknown"
	}
}

// Class is the classification of a single token id. Mode is only set for
// Control tokens that announce a task.
type Class struct {
	Kind Kind
	ID   int32
	Mode Mode
}

// Classify places id in exactly one Kind. Every id below end-of-text is a
// word; end-of-text is the only terminator.
func Classify(id int32, v Vocabulary) Class {
	eot := v.EndOfText()
	switch {
	case id == eot:
		return Class{Kind: EndOfText, ID: id}
	case id < eot:
		return Class{Kind: Word, ID: id}
	case id == v.Transcribe():
		return Class{Kind: Control, ID: id, Mode: ModeTranscribe}
	case id == v.Translate():
		return Class{Kind: Control, ID: id, Mode: ModeTranslate}
	default:
		return Class{Kind: Control, ID: id}
	}
}

// Result is the decoded text plus what the decoder saw on the way.
type Result struct {
	Text string
	// Mode is the last task marker seen; diagnostic only.
	Mode Mode
	// Consumed counts tokens read, including the terminator.
	Consumed int
	// Terminated is false when the sequence ran out without end-of-text.
	Terminated bool
}

// Decode walks tokens once, appending word strings until end-of-text. Words
// are concatenated as the vocabulary spells them, without separators. A
// word id the vocabulary does not know fails the whole decode.
func Decode(tokens []int32, v Vocabulary) (Result, error) {
	var (
		sb  strings.Builder
		res Result
	)
	for _, id := range tokens {
		res.Consumed++
		c := Classify(id, v)
		switch c.Kind {
		case EndOfText:
			res.Terminated = true
			res.Text = sb.String()
			return res, nil
		case Word:
			w, err := v.Word(id)
			if err != nil {
				return Result{}, fmt.Errorf("decode token %d at position %d: %w", id, res.Consumed-1, err)
			}
			sb.WriteString(w)
		case Control:
			if c.Mode != ModeUnknown {
				res.Mode = c.Mode
			}
		}
	}
	res.Text = sb.String()
	return res, nil
}
