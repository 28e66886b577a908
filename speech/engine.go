package speech

import "vidscribe/audio"

// Settings is what a recognizer is configured with.
type Settings struct {
	Language        string
	Continuous      bool
	InterimResults  bool
	MaxAlternatives int
	SampleRate      int
}

type EngineEventKind int

const (
	EngineStart EngineEventKind = iota
	EngineResult
	EngineError
	EngineEnd
)

type Alternative struct {
	Transcript string
	Confidence float64
}

type RawResult struct {
	Final        bool
	Alternatives []Alternative
}

// EngineEvent is one lifecycle or result callback from a recognizer.
// Results may hold earlier entries of the same utterance; only the last
// one is current.
type EngineEvent struct {
	Kind    EngineEventKind
	Results []RawResult
	Code    ErrorCode
	Message string
}

// Engine creates recognizers. Each recognizer runs at most one session and
// reports through emit, possibly from another goroutine.
type Engine interface {
	NewRecognizer(emit func(EngineEvent)) (Recognizer, error)
}

type Recognizer interface {
	Apply(s Settings) error
	Start() error
	// Stop asks for a graceful end; an EngineEnd follows.
	Stop()
	// Abort ends immediately.
	Abort()
}

// AudioSink is implemented by recognizers that take their audio from the
// pipeline instead of capturing it themselves.
type AudioSink interface {
	Feed(c audio.Chunk)
}
