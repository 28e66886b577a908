package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidscribe/dom"
)

type Method string

const (
	MethodMediaStream Method = "mediastream"
	MethodElement     Method = "element"
	MethodCapture     Method = "capture"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodMediaStream, MethodElement, MethodCapture:
		return m, nil
	}
	return "", fmt.Errorf("unknown extraction method %q", s)
}

type Quality struct {
	SampleRate   int
	ChannelCount int
	BitDepth     int
}

type Config struct {
	Methods          []Method
	BufferSize       int
	Quality          Quality
	NoiseReduction   bool
	EchoCancellation bool
}

func DefaultConfig() Config {
	return Config{
		Methods:    []Method{MethodMediaStream, MethodElement, MethodCapture},
		BufferSize: 4096,
		Quality:    Quality{SampleRate: 16000, ChannelCount: 1, BitDepth: 16},
	}
}

// merge overlays the non-zero fields of patch onto c. Flags are taken from
// patch as-is.
func (c Config) merge(patch Config) Config {
	if len(patch.Methods) > 0 {
		c.Methods = append([]Method(nil), patch.Methods...)
	}
	if patch.BufferSize > 0 {
		c.BufferSize = patch.BufferSize
	}
	if patch.Quality.SampleRate > 0 {
		c.Quality.SampleRate = patch.Quality.SampleRate
	}
	if patch.Quality.ChannelCount > 0 {
		c.Quality.ChannelCount = patch.Quality.ChannelCount
	}
	if patch.Quality.BitDepth > 0 {
		c.Quality.BitDepth = patch.Quality.BitDepth
	}
	c.NoiseReduction = patch.NoiseReduction
	c.EchoCancellation = patch.EchoCancellation
	return c
}

// Patch is a partial config update. Nil pointers and empty or zero values
// leave the current setting alone.
type Patch struct {
	Methods          []Method
	BufferSize       int
	Quality          Quality
	NoiseReduction   *bool
	EchoCancellation *bool
}

// Apply returns c with the set fields of p applied.
func (c Config) Apply(p Patch) Config {
	c = c.merge(Config{
		Methods:          p.Methods,
		BufferSize:       p.BufferSize,
		Quality:          p.Quality,
		NoiseReduction:   c.NoiseReduction,
		EchoCancellation: c.EchoCancellation,
	})
	if p.NoiseReduction != nil {
		c.NoiseReduction = *p.NoiseReduction
	}
	if p.EchoCancellation != nil {
		c.EchoCancellation = *p.EchoCancellation
	}
	return c
}

// Chunk is one buffer of mono samples emitted by a processing stage.
type Chunk struct {
	SourceID   string
	Samples    []float32
	Timestamp  time.Time
	SampleRate int
	Duration   time.Duration
}

// Buffer is what a processing stage hands its handler: one slice of
// samples per channel, all the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

var (
	errEmptyBuffer     = errors.New("empty buffer")
	errChannelMismatch = errors.New("channel length mismatch")
)

// Mixdown returns the mono signal of b: the first channel as-is, or the
// average of the first two channels.
func Mixdown(b Buffer) ([]float32, error) {
	if b.Frames() == 0 {
		return nil, errEmptyBuffer
	}
	first := b.Channels[0]
	out := make([]float32, len(first))
	if len(b.Channels) == 1 {
		copy(out, first)
		return out, nil
	}
	second := b.Channels[1]
	if len(second) != len(first) {
		return nil, errChannelMismatch
	}
	for i := range first {
		out[i] = (first[i] + second[i]) / 2
	}
	return out, nil
}

// Node is one vertex of the host's audio graph.
type Node interface {
	Connect(dst Node) error
	Disconnect() error
}

// Processor is a fixed-size buffering stage. The handler runs once per
// full buffer on a host goroutine.
type Processor interface {
	Node
	SetHandler(fn func(Buffer))
}

// Engine is the host audio-processing context.
type Engine interface {
	SampleRate() int
	NewStreamSource(s dom.Stream) (Node, error)
	NewElementSource(el dom.Element) (Node, error)
	NewProcessor(bufferSize, channels int) (Processor, error)
	Destination() Node
	Close() error
}

type Constraints struct {
	Quality          Quality
	NoiseReduction   bool
	EchoCancellation bool
}

// Capturer grabs the audio of the whole tab. Only privileged hosts have one.
type Capturer interface {
	CaptureTab(ctx context.Context, c Constraints) (dom.Stream, error)
}

type Permission string

const PermissionTabCapture Permission = "tabCapture"

type Permissions interface {
	Granted(ctx context.Context, p Permission) (bool, error)
}

// Host bundles the capabilities an Extractor needs. Capturer and
// Permissions may be nil.
type Host struct {
	Engine      Engine
	Capturer    Capturer
	Permissions Permissions
}
