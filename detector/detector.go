// Package detector maintains the live set of qualifying video elements on a
// meeting page and publishes detected, updated and removed events.
package detector

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"vidscribe/dom"
	"vidscribe/events"
	"vidscribe/log"
	"vidscribe/platform"
	"vidscribe/watch"
)

var (
	ErrInitFailed = errors.New("detector initialization failed")
	errNotReady   = errors.New("document not ready")
)

type Config struct {
	MinWidth    float64
	MinHeight   float64
	MinDuration float64 // seconds
	MainWidth   float64
	MainHeight  float64
	VolumeDelta float64

	Debounce     time.Duration
	ScanInterval time.Duration
	InitRetries  int
	InitBackoff  time.Duration

	EnabledPlatforms []string
}

func DefaultConfig() Config {
	return Config{
		MinWidth:     100,
		MinHeight:    100,
		MinDuration:  1,
		MainWidth:    320,
		MainHeight:   240,
		VolumeDelta:  0.1,
		Debounce:     250 * time.Millisecond,
		ScanInterval: 2 * time.Second,
		InitRetries:  3,
		InitBackoff:  time.Second,
	}
}

type Metadata struct {
	Width         int
	Height        int
	Duration      float64
	Volume        float64
	Playing       bool
	Visible       bool
	HasAudioTrack bool
	Stream        dom.Stream
}

// Video is a snapshot of one detected element. Element is a borrowed
// reference into the host page and must not be retained after removal.
type Video struct {
	ID            string
	Element       dom.Element
	Platform      string
	HasAudio      bool
	Metadata      Metadata
	IsMain        bool
	ParticipantID string
	DetectedAt    time.Time
}

type MeetingState struct {
	InMeeting        bool
	ParticipantCount int
	Muted            bool
}

type EventKind int

const (
	EventDetected EventKind = iota
	EventUpdated
	EventRemoved
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDetected:
		return "detected"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind    EventKind
	Video   Video
	VideoID string
	Err     error
}

type Detector struct {
	doc   dom.Document
	cfg   Config
	clock clock.Clock
	log   log.Logger
	bus   events.Bus[Event]

	mu            sync.Mutex
	profile       platform.Profile
	videos        map[string]*Video
	order         []string
	byElement     map[dom.Element]string
	watcher       *watch.Watcher
	cancelObserve func()
	retryTimer    *clock.Timer
	attempts      int
	started       bool
	stopped       bool
}

func New(doc dom.Document, cfg Config, clk clock.Clock, logger log.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	d := &Detector{
		doc:       doc,
		cfg:       cfg,
		clock:     clk,
		log:       logger.Component("detector"),
		videos:    make(map[string]*Video),
		byElement: make(map[dom.Element]string),
	}
	d.profile = platform.Select(doc.Hostname(), cfg.EnabledPlatforms)
	d.log.Infof("platform profile: %s (host %s)", d.profile.Name, doc.Hostname())
	return d
}

func (d *Detector) Subscribe(fn func(Event)) func() {
	return d.bus.Subscribe(fn)
}

func (d *Detector) Profile() platform.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile
}

// Start begins observation. When the document is not ready, initialization
// is retried InitRetries times with linearly increasing delay, after which
// an EventError wrapping ErrInitFailed is published and no further attempt
// is made.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	d.tryInit()
}

func (d *Detector) tryInit() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.attempts++
	attempt := d.attempts
	d.mu.Unlock()

	err := d.init()
	if err == nil {
		return
	}
	if attempt > d.cfg.InitRetries {
		err = fmt.Errorf("%w after %d attempts: %v", ErrInitFailed, attempt, err)
		d.log.Err(err, "giving up")
		d.bus.Publish(Event{Kind: EventError, Err: err})
		return
	}

	delay := time.Duration(attempt) * d.cfg.InitBackoff
	d.log.Warnf("init attempt %d failed: %v; retrying in %s", attempt, err, delay)
	d.mu.Lock()
	if !d.stopped {
		d.retryTimer = d.clock.AfterFunc(delay, d.tryInit)
	}
	d.mu.Unlock()
}

func (d *Detector) init() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during init: %v", r)
		}
	}()
	if !d.doc.Ready() {
		return errNotReady
	}

	w := watch.New(d.clock, d.cfg.Debounce, d.cfg.ScanInterval, d.onTrigger)
	cancel := d.doc.Observe(func(muts []dom.Mutation) {
		if dom.TouchesTag(muts, "video") {
			w.Notify()
		}
	})

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		cancel()
		return nil
	}
	d.watcher = w
	d.cancelObserve = cancel
	d.mu.Unlock()

	w.Start()
	return nil
}

func (d *Detector) onTrigger(t watch.Trigger) {
	added, removed := d.Scan()
	if len(added) > 0 || len(removed) > 0 {
		d.log.Debugf("scan (%s): +%d -%d", t, len(added), len(removed))
	}
}

// Scan re-enumerates the page and returns the videos that appeared and the
// ids of the videos that went away since the previous scan. Matching events
// are published before Scan returns.
func (d *Detector) Scan() (added []Video, removed []string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, nil
	}
	profile := d.profile
	d.mu.Unlock()

	candidates := d.collect(profile)

	var updated []Video
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, nil
	}
	seen := make(map[string]bool, len(candidates))
	for _, el := range candidates {
		if id, ok := d.byElement[el]; ok {
			seen[id] = true
			v := d.videos[id]
			if d.refresh(v, profile) {
				updated = append(updated, *v)
			}
			continue
		}
		if !d.qualifies(el) {
			continue
		}
		id := Identity(el)
		if _, ok := d.videos[id]; ok {
			seen[id] = true
			continue
		}
		v := d.newVideo(id, el, profile)
		d.videos[id] = v
		d.byElement[el] = id
		d.order = append(d.order, id)
		seen[id] = true
		added = append(added, *v)
	}

	kept := d.order[:0]
	for _, id := range d.order {
		v := d.videos[id]
		if seen[id] && v.Element.Connected() {
			kept = append(kept, id)
			continue
		}
		delete(d.videos, id)
		delete(d.byElement, v.Element)
		removed = append(removed, id)
	}
	d.order = kept
	d.mu.Unlock()

	for _, v := range added {
		d.log.Infof("video detected: %s (%dx%d, audio=%v, main=%v)", v.ID, v.Metadata.Width, v.Metadata.Height, v.HasAudio, v.IsMain)
		d.bus.Publish(Event{Kind: EventDetected, Video: v, VideoID: v.ID})
	}
	for _, v := range updated {
		d.bus.Publish(Event{Kind: EventUpdated, Video: v, VideoID: v.ID})
	}
	for _, id := range removed {
		d.log.Infof("video removed: %s", id)
		d.bus.Publish(Event{Kind: EventRemoved, VideoID: id})
	}
	return added, removed
}

func (d *Detector) query(sel string) (els []dom.Element, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic querying %q: %v", sel, r)
		}
	}()
	return d.doc.QuerySelectorAll(sel)
}

// collect runs every video selector and dedupes the results. A failing
// selector is logged and skipped.
func (d *Detector) collect(profile platform.Profile) []dom.Element {
	var out []dom.Element
	seen := make(map[dom.Element]bool)
	for _, sel := range profile.VideoSelectors {
		els, err := d.query(sel)
		if err != nil {
			d.log.Warnf("selector %q failed: %v", sel, err)
			continue
		}
		for _, el := range els {
			if el == nil || seen[el] || !strings.EqualFold(el.TagName(), "video") {
				continue
			}
			seen[el] = true
			out = append(out, el)
		}
	}
	return out
}

func (d *Detector) qualifies(el dom.Element) bool {
	r := el.Rect()
	if r.Width < d.cfg.MinWidth || r.Height < d.cfg.MinHeight {
		return false
	}
	if !el.Visible() {
		return false
	}
	if isPlaying(el) {
		return true
	}
	dur := el.Duration()
	return !math.IsNaN(dur) && dur >= d.cfg.MinDuration
}

func isPlaying(el dom.Element) bool {
	return !el.Paused() && !el.Ended()
}

// Identity derives a stable id from the media reference, the rounded
// viewport position and the native dimensions of el.
func Identity(el dom.Element) string {
	ref := el.Src()
	if ref == "" {
		if s := el.SrcObject(); s != nil {
			ref = "stream:" + s.ID()
		}
	}
	r := el.Rect()
	key := fmt.Sprintf("%s|%d,%d|%dx%d", ref, int(math.Round(r.X)), int(math.Round(r.Y)), el.VideoWidth(), el.VideoHeight())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func snapshot(el dom.Element) Metadata {
	m := Metadata{
		Width:    el.VideoWidth(),
		Height:   el.VideoHeight(),
		Duration: el.Duration(),
		Volume:   el.Volume(),
		Playing:  isPlaying(el),
		Visible:  el.Visible(),
	}
	if s := el.SrcObject(); s != nil {
		m.Stream = s
		m.HasAudioTrack = dom.HasLiveAudio(s)
	} else {
		m.HasAudioTrack = el.DecodesAudio()
	}
	return m
}

func (d *Detector) newVideo(id string, el dom.Element, profile platform.Profile) *Video {
	meta := snapshot(el)
	return &Video{
		ID:            id,
		Element:       el,
		Platform:      profile.Name,
		HasAudio:      meta.HasAudioTrack,
		Metadata:      meta,
		IsMain:        d.classifyMain(el, profile),
		ParticipantID: d.participantID(el, profile),
		DetectedAt:    d.clock.Now(),
	}
}

// refresh updates v in place and reports whether a significant change
// occurred.
func (d *Detector) refresh(v *Video, profile platform.Profile) bool {
	next := snapshot(v.Element)
	prev := v.Metadata
	significant := prev.Playing != next.Playing ||
		prev.Visible != next.Visible ||
		math.Abs(prev.Volume-next.Volume) > d.cfg.VolumeDelta ||
		prev.HasAudioTrack != next.HasAudioTrack
	if !significant {
		return false
	}
	v.Metadata = next
	v.HasAudio = next.HasAudioTrack
	v.IsMain = d.classifyMain(v.Element, profile)
	return true
}

// ClassifyMain reports whether v is large enough or sits on the profile's
// primary stage.
func (d *Detector) ClassifyMain(v Video) bool {
	return d.classifyMain(v.Element, d.Profile())
}

func (d *Detector) classifyMain(el dom.Element, profile platform.Profile) bool {
	r := el.Rect()
	if r.Width >= d.cfg.MainWidth && r.Height >= d.cfg.MainHeight {
		return true
	}
	for _, sel := range profile.StageSelectors {
		anc, err := el.Closest(sel)
		if err != nil {
			d.log.Warnf("stage selector %q failed: %v", sel, err)
			continue
		}
		if anc != nil {
			return true
		}
	}
	return false
}

func (d *Detector) participantID(el dom.Element, profile platform.Profile) string {
	for _, attr := range profile.ParticipantAttributes {
		if v := el.Attr(attr); v != "" {
			return v
		}
	}
	for _, sel := range profile.ContainerSelectors {
		anc, err := el.Closest(sel)
		if err != nil || anc == nil {
			continue
		}
		for _, attr := range profile.ParticipantAttributes {
			if v := anc.Attr(attr); v != "" {
				return v
			}
		}
	}
	return ""
}

// MeetingState reads the profile's indicators. Missing indicators leave the
// corresponding fields false or zero; it never fails.
func (d *Detector) MeetingState() MeetingState {
	profile := d.Profile()
	var st MeetingState

	first := func(selectors []string) int {
		for _, sel := range selectors {
			els, err := d.query(sel)
			if err != nil {
				d.log.Debugf("indicator %q failed: %v", sel, err)
				continue
			}
			if len(els) > 0 {
				return len(els)
			}
		}
		return 0
	}

	st.InMeeting = first(profile.Indicators.InMeeting) > 0
	st.ParticipantCount = first(profile.Indicators.Participants)
	st.Muted = first(profile.Indicators.Muted) > 0
	if len(profile.Indicators.InMeeting) == 0 {
		st.InMeeting = len(d.Videos()) > 0
	}
	return st
}

// Videos returns the live set in detection order.
func (d *Detector) Videos() []Video {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Video, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.videos[id])
	}
	return out
}

func (d *Detector) Video(id string) (Video, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.videos[id]
	if !ok {
		return Video{}, false
	}
	return *v, true
}

// Stop ends observation and forgets the live set without publishing
// removals. It is safe to call more than once.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	w := d.watcher
	cancel := d.cancelObserve
	if d.retryTimer != nil {
		d.retryTimer.Stop()
	}
	d.videos = make(map[string]*Video)
	d.byElement = make(map[dom.Element]string)
	d.order = nil
	d.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if cancel != nil {
		cancel()
	}
	d.bus.Clear()
}
