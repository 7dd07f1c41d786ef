package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices. PCM is
// little-endian signed 16-bit, interleaved when Channels > 1.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is whisper output broadcast on the bus.
type Transcript struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Mode       string    `json:"mode"`
	Tokens     int       `json:"tokens"`
	Terminated bool      `json:"terminated"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscribeRequest asks for a one-shot transcription over request/reply.
// Zero SampleRate or Channels fall back to the node's configured values.
type TranscribeRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm"`
}

// TranscribeReply carries either a transcript or an error message.
type TranscribeReply struct {
	Transcript *Transcript `json:"transcript,omitempty"`
	Error      string      `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectTranscribe       = "stt.transcribe"
)
