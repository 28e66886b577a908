package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"vidscribe/detector"
	"vidscribe/dom"
	"vidscribe/events"
	"vidscribe/log"
)

var (
	ErrExtractionFailed   = errors.New("audio extraction failed")
	ErrUnavailable        = errors.New("audio engine unavailable")
	ErrUnknownSource      = errors.New("unknown audio source")
	ErrNoAudioTrack       = errors.New("no enabled audio track")
	ErrCaptureUnavailable = errors.New("tab capture unavailable")
	ErrPermissionDenied   = errors.New("tab capture permission denied")
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventChunk
	EventEnded
	EventError
)

type Event struct {
	Kind     EventKind
	SourceID string
	VideoID  string
	Method   Method
	Quality  Quality
	Chunk    Chunk
	Err      error
	Context  string
}

type Stats struct {
	TotalChunks   int64
	DroppedChunks int64
	AvgLatency    time.Duration
	ActiveSources int
}

type SourceInfo struct {
	ID         string
	VideoID    string
	Method     Method
	Quality    Quality
	StartedAt  time.Time
	Processing bool
}

type source struct {
	SourceInfo
	node  Node
	proc  Processor
	owned []dom.Track
}

// Extractor turns detected videos into streams of mono chunks.
type Extractor struct {
	host  Host
	clock clock.Clock
	log   log.Logger
	bus   events.Bus[Event]

	mu        sync.Mutex
	cfg       Config
	sources   map[string]*source
	stats     Stats
	initErr   error
	destroyed bool
}

func New(host Host, cfg Config, clk clock.Clock, logger log.Logger) *Extractor {
	if clk == nil {
		clk = clock.New()
	}
	e := &Extractor{
		host:    host,
		clock:   clk,
		log:     logger.Component("audio"),
		cfg:     DefaultConfig().merge(cfg),
		sources: make(map[string]*source),
	}
	if host.Engine == nil {
		e.initErr = ErrUnavailable
		e.log.Error("no audio engine; extraction disabled")
	}
	return e
}

func (e *Extractor) Subscribe(fn func(Event)) func() {
	return e.bus.Subscribe(fn)
}

// Err returns the initialization error, if any.
func (e *Extractor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr
}

// Extract tries each configured method in order and returns the id of the
// first source that builds. Every failed attempt releases what it created.
func (e *Extractor) Extract(ctx context.Context, v detector.Video) (string, error) {
	e.mu.Lock()
	if e.initErr != nil {
		e.mu.Unlock()
		return "", e.initErr
	}
	if e.destroyed {
		e.mu.Unlock()
		return "", ErrUnavailable
	}
	cfg := e.cfg
	e.mu.Unlock()

	var errs []error
	for _, m := range cfg.Methods {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		src, err := e.attempt(ctx, m, v, cfg)
		if err != nil {
			e.log.Debugf("%s extraction for %s failed: %v", m, v.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}

		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			e.release(src)
			return "", ErrUnavailable
		}
		e.sources[src.ID] = src
		e.mu.Unlock()

		e.log.Infof("source %s: %s for video %s (%d Hz, %d ch)", src.ID, m, v.ID, src.Quality.SampleRate, src.Quality.ChannelCount)
		e.bus.Publish(Event{Kind: EventStarted, SourceID: src.ID, VideoID: v.ID, Method: m, Quality: src.Quality})
		return src.ID, nil
	}

	err := errors.Join(append([]error{ErrExtractionFailed}, errs...)...)
	e.log.Warnf("extraction for %s failed after %d methods", v.ID, len(cfg.Methods))
	e.bus.Publish(Event{Kind: EventError, VideoID: v.ID, Err: err, Context: "extraction"})
	return "", err
}

func (e *Extractor) attempt(ctx context.Context, m Method, v detector.Video, cfg Config) (src *source, err error) {
	src = &source{SourceInfo: SourceInfo{ID: uuid.NewString(), VideoID: v.ID, Method: m}}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			e.release(src)
			src = nil
		}
	}()

	engine := e.host.Engine
	switch m {
	case MethodMediaStream:
		stream := v.Metadata.Stream
		if stream == nil && v.Element != nil {
			stream = v.Element.SrcObject()
		}
		if stream == nil || !dom.HasLiveAudio(stream) {
			return src, ErrNoAudioTrack
		}
		src.Quality = trackQuality(stream, cfg.Quality)
		if src.node, err = engine.NewStreamSource(stream); err != nil {
			return src, err
		}

	case MethodElement:
		if v.Element == nil {
			return src, errors.New("no element")
		}
		if !v.Element.SameOrigin() {
			e.log.Debugf("video %s is cross-origin; element audio may be silent", v.ID)
		}
		src.Quality = Quality{SampleRate: engine.SampleRate(), ChannelCount: 2, BitDepth: 16}
		if src.node, err = engine.NewElementSource(v.Element); err != nil {
			return src, err
		}

	case MethodCapture:
		if e.host.Capturer == nil {
			return src, ErrCaptureUnavailable
		}
		if p := e.host.Permissions; p != nil {
			ok, perr := p.Granted(ctx, PermissionTabCapture)
			if perr != nil {
				return src, fmt.Errorf("permission check: %w", perr)
			}
			if !ok {
				return src, ErrPermissionDenied
			}
		}
		stream, cerr := e.host.Capturer.CaptureTab(ctx, Constraints{
			Quality:          cfg.Quality,
			NoiseReduction:   cfg.NoiseReduction,
			EchoCancellation: cfg.EchoCancellation,
		})
		if cerr != nil {
			return src, cerr
		}
		src.owned = dom.AudioTracks(stream)
		if !dom.HasLiveAudio(stream) {
			return src, ErrNoAudioTrack
		}
		src.Quality = trackQuality(stream, cfg.Quality)
		if src.node, err = engine.NewStreamSource(stream); err != nil {
			return src, err
		}

	default:
		return src, fmt.Errorf("unsupported method %q", m)
	}

	channels := max(src.Quality.ChannelCount, 1)
	if src.proc, err = engine.NewProcessor(cfg.BufferSize, channels); err != nil {
		return src, err
	}
	if err = src.node.Connect(src.proc); err != nil {
		return src, err
	}
	if err = src.proc.Connect(engine.Destination()); err != nil {
		return src, err
	}
	src.StartedAt = e.clock.Now()
	return src, nil
}

// trackQuality reads the first enabled audio track's settings, filling
// gaps from fallback.
func trackQuality(s dom.Stream, fallback Quality) Quality {
	q := fallback
	for _, t := range dom.AudioTracks(s) {
		if !t.Enabled() {
			continue
		}
		st := t.Settings()
		if st.SampleRate > 0 {
			q.SampleRate = st.SampleRate
		}
		if st.ChannelCount > 0 {
			q.ChannelCount = st.ChannelCount
		}
		if st.SampleSize > 0 {
			q.BitDepth = st.SampleSize
		}
		break
	}
	return q
}

// release tears down everything src holds. Page-owned tracks are left alone.
func (e *Extractor) release(src *source) error {
	var errs []error
	safe := func(what string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", what, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}
	if src.proc != nil {
		safe("processor", func() error {
			src.proc.SetHandler(nil)
			return src.proc.Disconnect()
		})
	}
	if src.node != nil {
		safe("source", src.node.Disconnect)
	}
	for _, t := range src.owned {
		safe("track "+t.ID(), func() error {
			t.Stop()
			return nil
		})
	}
	return errors.Join(errs...)
}

// StartProcessing installs the buffer handler on a source. Calling it again
// for the same source is a no-op.
func (e *Extractor) StartProcessing(id string) error {
	e.mu.Lock()
	src, ok := e.sources[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if src.Processing {
		e.mu.Unlock()
		return nil
	}
	src.Processing = true
	proc := src.proc
	rate := src.Quality.SampleRate
	e.mu.Unlock()

	proc.SetHandler(func(b Buffer) { e.onBuffer(id, rate, b) })
	return nil
}

// onBuffer runs on the host's processing callback. Whatever goes wrong for
// one buffer, including a panic in a chunk subscriber, counts as one dropped
// chunk and never reaches the host.
func (e *Extractor) onBuffer(id string, rate int, b Buffer) {
	start := e.clock.Now()
	delivered, err := e.deliver(id, rate, b)
	if err != nil {
		e.mu.Lock()
		e.stats.DroppedChunks++
		e.mu.Unlock()
		e.log.Debugf("dropped buffer from %s: %v", id, err)
		return
	}
	if !delivered {
		return
	}

	elapsed := e.clock.Since(start)
	e.mu.Lock()
	e.stats.TotalChunks++
	e.stats.AvgLatency = (e.stats.AvgLatency + elapsed) / 2
	e.mu.Unlock()
}

func (e *Extractor) deliver(id string, rate int, b Buffer) (delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			delivered, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	chunk, err := e.chunk(id, rate, b)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	_, live := e.sources[id]
	e.mu.Unlock()
	if !live {
		return false, nil
	}

	e.bus.Publish(Event{Kind: EventChunk, SourceID: id, Chunk: chunk})
	return true, nil
}

func (e *Extractor) chunk(id string, rate int, b Buffer) (Chunk, error) {
	samples, err := Mixdown(b)
	if err != nil {
		return Chunk{}, err
	}
	if b.SampleRate > 0 {
		rate = b.SampleRate
	}
	if rate <= 0 {
		return Chunk{}, errors.New("unknown sample rate")
	}
	return Chunk{
		SourceID:   id,
		Samples:    samples,
		Timestamp:  e.clock.Now(),
		SampleRate: rate,
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(rate),
	}, nil
}

// Stop releases a source and publishes EventEnded. Unknown or already
// stopped ids are a no-op.
func (e *Extractor) Stop(id string) error {
	e.mu.Lock()
	src, ok := e.sources[id]
	if ok {
		delete(e.sources, id)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	err := e.release(src)
	if err != nil {
		e.log.Warnf("release %s: %v", id, err)
	}
	e.bus.Publish(Event{Kind: EventEnded, SourceID: id, VideoID: src.VideoID, Method: src.Method})
	return err
}

// StopAll stops every source and keeps going past individual failures.
func (e *Extractor) StopAll() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Stop(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy stops everything and closes the engine. Extract fails afterwards.
func (e *Extractor) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	err := e.StopAll()
	if eng := e.host.Engine; eng != nil {
		if cerr := eng.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close engine: %w", cerr))
		}
	}
	e.bus.Clear()
	return err
}

// UpdateConfig replaces the configuration used by later extractions; zero
// fields take their defaults. Running sources keep the settings they were
// built with.
func (e *Extractor) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = DefaultConfig().merge(cfg)
	e.mu.Unlock()
}

func (e *Extractor) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.Methods = append([]Method(nil), cfg.Methods...)
	return cfg
}

func (e *Extractor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ActiveSources = len(e.sources)
	return s
}

func (e *Extractor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sources)
}

func (e *Extractor) Source(id string) (SourceInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[id]
	if !ok {
		return SourceInfo{}, false
	}
	return src.SourceInfo, true
}
