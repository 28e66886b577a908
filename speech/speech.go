// Package speech runs a continuous recognition session on top of a
// pluggable engine, filtering and normalizing what the engine reports and
// recovering from its transient failures.
package speech

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEngineUnavailable   = errors.New("speech recognition unavailable")
	ErrStartTimeout        = errors.New("recognition start timed out")
	ErrStopped             = errors.New("session stopped before start")
	ErrDestroyed           = errors.New("session destroyed")
	ErrReconnectsExhausted = errors.New("network reconnects exhausted")
	errEndedBeforeStart    = errors.New("engine ended before start")
)

type ErrorCode string

const (
	CodeNoSpeech          ErrorCode = "no-speech"
	CodeAudioCapture      ErrorCode = "audio-capture"
	CodeNotAllowed        ErrorCode = "not-allowed"
	CodeServiceNotAllowed ErrorCode = "service-not-allowed"
	CodeNetwork           ErrorCode = "network"
	CodeAborted           ErrorCode = "aborted"
)

type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassRecoverable
	ClassTerminal
	ClassIgnored
)

func Classify(code ErrorCode) Class {
	switch code {
	case CodeNoSpeech:
		return ClassTransient
	case CodeNetwork:
		return ClassRecoverable
	case CodeAudioCapture, CodeNotAllowed, CodeServiceNotAllowed:
		return ClassTerminal
	case CodeAborted:
		return ClassIgnored
	}
	return ClassUnknown
}

// RecognitionError is an engine error as surfaced to subscribers.
type RecognitionError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Err       error
}

func (e *RecognitionError) Error() string {
	msg := fmt.Sprintf("recognition error %s", e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecognitionError) Unwrap() error { return e.Err }

func (e *RecognitionError) Terminal() bool {
	return Classify(e.Code) == ClassTerminal || errors.Is(e.Err, ErrReconnectsExhausted)
}

type Config struct {
	Language            string
	Continuous          bool
	InterimResults      bool
	MaxAlternatives     int
	ConfidenceThreshold float64
	SampleRate          int

	StartTimeout   time.Duration
	RestartDelay   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	InterimTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Language:            "en-US",
		Continuous:          true,
		InterimResults:      true,
		MaxAlternatives:     1,
		ConfidenceThreshold: 0.6,
		SampleRate:          16000,
		StartTimeout:        5 * time.Second,
		RestartDelay:        100 * time.Millisecond,
		ReconnectDelay:      time.Second,
		MaxReconnects:       1,
		InterimTTL:          3 * time.Second,
	}
}

// Patch carries the hot-swappable settings. Nil fields are left alone.
type Patch struct {
	Language            *string
	Continuous          *bool
	InterimResults      *bool
	MaxAlternatives     *int
	ConfidenceThreshold *float64
}

// Apply returns c with the non-nil fields of p applied.
func (c Config) Apply(p Patch) Config {
	if p.Language != nil {
		c.Language = *p.Language
	}
	if p.Continuous != nil {
		c.Continuous = *p.Continuous
	}
	if p.InterimResults != nil {
		c.InterimResults = *p.InterimResults
	}
	if p.MaxAlternatives != nil && *p.MaxAlternatives > 0 {
		c.MaxAlternatives = *p.MaxAlternatives
	}
	if p.ConfidenceThreshold != nil {
		c.ConfidenceThreshold = clamp01(*p.ConfidenceThreshold)
	}
	return c
}

func (c Config) settings() Settings {
	return Settings{
		Language:        c.Language,
		Continuous:      c.Continuous,
		InterimResults:  c.InterimResults,
		MaxAlternatives: c.MaxAlternatives,
		SampleRate:      c.SampleRate,
	}
}

type Result struct {
	Text         string
	Confidence   float64
	IsFinal      bool
	Timestamp    time.Time
	SessionID    string
	Language     string
	Alternatives []Alternative
	SpeakerID    string
	Duration     time.Duration
}

type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateEnding
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateEnding:
		return "ending"
	case StateErroring:
		return "erroring"
	}
	return "unknown"
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventResult
	EventInterim
	EventInterimExpired
	EventError
	EventStopped
	EventEnded
)

type Event struct {
	Kind      EventKind
	SessionID string
	Result    Result
	Err       error
}

type Stats struct {
	Results       int64
	Finals        int64
	Filtered      int64
	Interims      int64
	AvgConfidence float64
	AvgLatency    time.Duration
	Sessions      int64
	Restarts      int64
	Reconnects    int64
	Errors        int64
}

// clamp01 bounds a confidence to [0,1]. Non-finite values mean the engine
// gave no usable score and count as 0.
func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), math.IsInf(x, 0), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
