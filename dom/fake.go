package dom

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// FakeDocument is an in-memory page used by tests and by the run command.
// Selectors are matched by tag name or by membership in an element's
// Selectors list; no CSS parsing is attempted.
type FakeDocument struct {
	mu        sync.Mutex
	host      string
	ready     bool
	elements  []*FakeElement
	bad       map[string]error
	observers map[int]func([]Mutation)
	nextObs   int
	queries   int
}

func NewFakeDocument(host string) *FakeDocument {
	return &FakeDocument{
		host:      host,
		ready:     true,
		bad:       make(map[string]error),
		observers: make(map[int]func([]Mutation)),
	}
}

func (d *FakeDocument) Hostname() string { return d.host }

func (d *FakeDocument) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *FakeDocument) SetReady(ready bool) {
	d.mu.Lock()
	d.ready = ready
	d.mu.Unlock()
}

// FailSelector makes every query for sel return an error.
func (d *FakeDocument) FailSelector(sel string) {
	d.mu.Lock()
	d.bad[sel] = fmt.Errorf("malformed selector %q", sel)
	d.mu.Unlock()
}

// Queries returns how many QuerySelectorAll calls were made.
func (d *FakeDocument) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

func (d *FakeDocument) QuerySelectorAll(selector string) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if err, ok := d.bad[selector]; ok {
		return nil, err
	}
	var out []Element
	for _, el := range d.elements {
		if el.Connected() && el.matches(selector) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (d *FakeDocument) Observe(fn func([]Mutation)) func() {
	d.mu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Append attaches el and notifies observers with a childList mutation.
func (d *FakeDocument) Append(el *FakeElement) {
	el.setConnected(true)
	d.mu.Lock()
	d.elements = append(d.elements, el)
	d.mu.Unlock()
	d.Mutate(Mutation{Kind: MutationChildList, Added: []Node{el}})
}

// Remove detaches el and notifies observers.
func (d *FakeDocument) Remove(el *FakeElement) {
	el.setConnected(false)
	d.mu.Lock()
	for i, e := range d.elements {
		if e == el {
			d.elements = append(d.elements[:i], d.elements[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.Mutate(Mutation{Kind: MutationChildList, Removed: []Node{el}})
}

// Mutate delivers muts to every observer.
func (d *FakeDocument) Mutate(muts ...Mutation) {
	d.mu.Lock()
	fns := make([]func([]Mutation), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(muts)
	}
}

type FakeElement struct {
	mu sync.Mutex

	Tag          string
	Selectors    []string
	SrcURL       string
	Stream       *FakeStream
	Box          Rect
	NativeWidth  int
	NativeHeight int
	Dur          float64
	Vol          float64
	IsMuted      bool
	IsPaused     bool
	IsEnded      bool
	IsVisible    bool
	HasAudio     bool
	CrossOrigin  bool
	Attrs        map[string]string
	// Ancestors maps a selector to the nearest ancestor matching it.
	Ancestors   map[string]*FakeElement
	Descendants []string

	connected bool
}

// NewFakeVideo returns a visible, playing, live video element of the given size.
func NewFakeVideo(width, height int) *FakeElement {
	return &FakeElement{
		Tag:          "video",
		Box:          Rect{Width: float64(width), Height: float64(height)},
		NativeWidth:  width,
		NativeHeight: height,
		Dur:          math.Inf(1),
		Vol:          1,
		IsVisible:    true,
	}
}

func (e *FakeElement) matches(selector string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.EqualFold(e.Tag, selector) {
		return true
	}
	for _, s := range e.Selectors {
		if s == selector {
			return true
		}
	}
	return false
}

func (e *FakeElement) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *FakeElement) TagName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Tag
}

func (e *FakeElement) HasDescendant(tag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.Descendants {
		if strings.EqualFold(d, tag) {
			return true
		}
	}
	return false
}

func (e *FakeElement) Src() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.SrcURL
}

func (e *FakeElement) SrcObject() Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Stream == nil {
		return nil
	}
	return e.Stream
}

func (e *FakeElement) Rect() Rect {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Box
}

func (e *FakeElement) VideoWidth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.NativeWidth
}

func (e *FakeElement) VideoHeight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.NativeHeight
}

func (e *FakeElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Dur
}

func (e *FakeElement) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Vol
}

func (e *FakeElement) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsMuted
}

func (e *FakeElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsPaused
}

func (e *FakeElement) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsEnded
}

func (e *FakeElement) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsVisible
}

func (e *FakeElement) DecodesAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.HasAudio
}

func (e *FakeElement) SameOrigin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.CrossOrigin
}

func (e *FakeElement) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *FakeElement) Attr(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Attrs[name]
}

func (e *FakeElement) Closest(selector string) (Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.Ancestors[selector]; ok && a != nil {
		return a, nil
	}
	return nil, nil
}

func (e *FakeElement) SetPaused(paused bool) {
	e.mu.Lock()
	e.IsPaused = paused
	e.mu.Unlock()
}

func (e *FakeElement) SetVisible(visible bool) {
	e.mu.Lock()
	e.IsVisible = visible
	e.mu.Unlock()
}

func (e *FakeElement) SetVolume(v float64) {
	e.mu.Lock()
	e.Vol = v
	e.mu.Unlock()
}

func (e *FakeElement) SetStream(s *FakeStream) {
	e.mu.Lock()
	e.Stream = s
	e.mu.Unlock()
}

type FakeStream struct {
	StreamID  string
	Inactive  bool
	TrackList []*FakeTrack
}

// NewFakeStream returns an active stream holding one video track and one
// enabled audio track per entry in audioEnabled.
func NewFakeStream(id string, audioEnabled ...bool) *FakeStream {
	s := &FakeStream{StreamID: id}
	s.TrackList = append(s.TrackList, &FakeTrack{TrackID: id + "-v", TrackKind: TrackVideo, IsEnabled: true})
	for i, enabled := range audioEnabled {
		s.TrackList = append(s.TrackList, &FakeTrack{
			TrackID:   fmt.Sprintf("%s-a%d", id, i),
			TrackKind: TrackAudio,
			IsEnabled: enabled,
		})
	}
	return s
}

func (s *FakeStream) ID() string   { return s.StreamID }
func (s *FakeStream) Active() bool { return !s.Inactive }

func (s *FakeStream) Tracks() []Track {
	out := make([]Track, len(s.TrackList))
	for i, t := range s.TrackList {
		out[i] = t
	}
	return out
}

type FakeTrack struct {
	mu        sync.Mutex
	TrackID   string
	TrackKind TrackKind
	IsEnabled bool
	IsEnded   bool
	Config    TrackSettings
	stopped   bool
}

func (t *FakeTrack) ID() string              { return t.TrackID }
func (t *FakeTrack) Kind() TrackKind         { return t.TrackKind }
func (t *FakeTrack) Settings() TrackSettings { return t.Config }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.IsEnabled
}

func (t *FakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.IsEnded && !t.stopped
}

func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *FakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
