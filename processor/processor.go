// Package processor wires detection, extraction and recognition into one
// pipeline and owns the state they share: the video to source map, the
// per-session transcripts and the aggregate stats.
package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"vidscribe/audio"
	"vidscribe/detector"
	"vidscribe/dom"
	"vidscribe/events"
	"vidscribe/log"
	"vidscribe/speech"
	"vidscribe/transcript"
)

var ErrDestroyed = errors.New("processor destroyed")

type Config struct {
	RealTime bool
	Detector detector.Config
	Audio    audio.Config
	Speech   speech.Config
}

func DefaultConfig() Config {
	return Config{
		RealTime: true,
		Detector: detector.DefaultConfig(),
		Audio:    audio.DefaultConfig(),
		Speech:   speech.DefaultConfig(),
	}
}

// Patch is a partial update. Audio changes apply to the next extraction.
type Patch struct {
	RealTime *bool
	Audio    *audio.Patch
	Speech   speech.Patch
}

type Stats struct {
	VideosDetected           int
	VideosActive             int
	AudioStreamsActive       int
	ActiveSessions           int
	TotalTranscriptions      int
	SuccessfulTranscriptions int
	Active                   bool
	Platform                 string
	LastTranscription        time.Time
}

type Status struct {
	IsInitialized   bool
	IsRecording     bool
	TranscriptCount int
	AudioQuality    audio.Quality
}

type EventKind int

const (
	EventVideoDetected EventKind = iota
	EventVideoRemoved
	EventAudioStarted
	EventTranscription
	EventInterim
	EventInterimExpired
	EventStatusChange
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventVideoDetected:
		return "video-detected"
	case EventVideoRemoved:
		return "video-removed"
	case EventAudioStarted:
		return "audio-started"
	case EventTranscription:
		return "transcription"
	case EventInterim:
		return "interim"
	case EventInterimExpired:
		return "interim-expired"
	case EventStatusChange:
		return "status"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	Video    detector.Video
	VideoID  string
	SourceID string
	Result   speech.Result
	Stats    Stats
	Err      error
	Context  string
}

// Host holds the capabilities of the page the processor runs in.
type Host struct {
	Document dom.Document
	Audio    audio.Host
	Speech   speech.Engine
}

type Processor struct {
	det   *detector.Detector
	ext   *audio.Extractor
	sess  *speech.Session
	clock clock.Clock
	log   log.Logger
	bus   events.Bus[Event]

	mu          sync.Mutex
	cfg         Config
	active      bool
	destroyed   bool
	ctx         context.Context
	cancel      context.CancelFunc
	sources     map[string]string
	transcripts map[string][]speech.Result
	stats       Stats
	initErr     error

	// blocked holds a terminal recognition error. New sources do not
	// restart recognition until the next explicit Start.
	blocked error
	unsubs  []func()
}

// New builds the pipeline and starts detection. Extraction and recognition
// wait for Start.
func New(host Host, cfg Config, clk clock.Clock, logger log.Logger) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	p := &Processor{
		clock:       clk,
		log:         logger.Component("processor"),
		cfg:         cfg,
		sources:     make(map[string]string),
		transcripts: make(map[string][]speech.Result),
	}
	p.det = detector.New(host.Document, cfg.Detector, clk, logger)
	p.ext = audio.New(host.Audio, cfg.Audio, clk, logger)
	p.cfg.Audio = p.ext.Config()
	p.sess = speech.New(host.Speech, cfg.Speech, clk, logger)
	p.initErr = errors.Join(p.ext.Err(), p.sess.Err())
	if p.initErr != nil {
		p.log.Err(p.initErr, "initialization incomplete; start disabled")
	}
	p.stats.Platform = p.det.Profile().Name

	p.unsubs = []func(){
		p.det.Subscribe(p.onDetector),
		p.ext.Subscribe(p.onAudio),
		p.sess.Subscribe(p.onSpeech),
	}
	p.det.Start()
	return p
}

func (p *Processor) Subscribe(fn func(Event)) func() {
	return p.bus.Subscribe(fn)
}

// Err returns the stored initialization error.
func (p *Processor) Err() error { return p.initErr }

func (p *Processor) Detector() *detector.Detector { return p.det }
func (p *Processor) Extractor() *audio.Extractor  { return p.ext }
func (p *Processor) Session() *speech.Session     { return p.sess }

// Start begins acting on detected videos. Calling it while running only
// logs a warning.
func (p *Processor) Start() error {
	if p.initErr != nil {
		return p.initErr
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.active {
		retry := p.blocked != nil && len(p.sources) > 0 && p.cfg.RealTime
		p.blocked = nil
		ctx := p.ctx
		p.mu.Unlock()
		if retry {
			p.log.Info("restarting recognition on request")
			p.ensureSession(ctx)
			p.publishStatus()
			return nil
		}
		p.log.Warn("start called while already running")
		return nil
	}
	p.active = true
	p.blocked = nil
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("capture started")
	p.publishStatus()
	for _, v := range p.det.Videos() {
		if v.HasAudio {
			p.attach(v)
		}
	}
	return nil
}

// Stop tears down every source and the recognition session. Failures on
// one source do not stop the others from being released.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		p.log.Warn("stop called while not running")
		return nil
	}
	p.active = false
	ids := make([]string, 0, len(p.sources))
	for _, sid := range p.sources {
		ids = append(ids, sid)
	}
	p.sources = make(map[string]string)
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	var errs []error
	for _, sid := range ids {
		if err := p.ext.Stop(sid); err != nil {
			errs = append(errs, err)
		}
	}
	p.sess.Stop()
	p.log.Infof("capture stopped (%d sources released)", len(ids))
	p.publishStatus()
	return errors.Join(errs...)
}

// Toggle starts when stopped and stops when running.
func (p *Processor) Toggle() (bool, error) {
	if p.Recording() {
		return false, p.Stop()
	}
	err := p.Start()
	return err == nil, err
}

func (p *Processor) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Processor) attach(v detector.Video) {
	p.mu.Lock()
	if !p.active || p.destroyed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.sources[v.ID]; ok {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	sid, err := p.ext.Extract(ctx, v)
	if err != nil {
		p.log.Warnf("no audio for %s: %v", v.ID, err)
		return
	}
	if err := p.ext.StartProcessing(sid); err != nil {
		p.log.Err(err, "start processing")
		p.ext.Stop(sid)
		return
	}

	p.mu.Lock()
	_, dup := p.sources[v.ID]
	if !p.active || p.destroyed || dup {
		p.mu.Unlock()
		p.ext.Stop(sid)
		return
	}
	p.sources[v.ID] = sid
	realtime := p.cfg.RealTime
	p.mu.Unlock()

	p.bus.Publish(Event{Kind: EventAudioStarted, VideoID: v.ID, SourceID: sid})
	if realtime {
		p.ensureSession(ctx)
	}
	p.publishStatus()
}

func (p *Processor) detach(videoID string) {
	p.mu.Lock()
	sid, ok := p.sources[videoID]
	delete(p.sources, videoID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.ext.Stop(sid); err != nil {
		p.fail(err, "audio")
	}
}

func (p *Processor) ensureSession(ctx context.Context) {
	p.mu.Lock()
	blocked := p.blocked
	p.mu.Unlock()
	if blocked != nil {
		p.log.Debugf("recognition blocked until start: %v", blocked)
		return
	}
	if p.sess.Listening() {
		return
	}
	if _, err := p.sess.Start(ctx); err != nil {
		p.log.Err(err, "recognition did not start")
		if errors.Is(err, speech.ErrStartTimeout) {
			p.fail(err, "speech")
		}
	}
}

func (p *Processor) onDetector(ev detector.Event) {
	switch ev.Kind {
	case detector.EventDetected:
		p.mu.Lock()
		p.stats.VideosDetected++
		p.mu.Unlock()
		p.bus.Publish(Event{Kind: EventVideoDetected, Video: ev.Video, VideoID: ev.VideoID})
		if ev.Video.HasAudio {
			p.attach(ev.Video)
		} else {
			p.log.Debugf("video %s has no audio; skipping", ev.VideoID)
		}
		p.publishStatus()

	case detector.EventUpdated:
		if ev.Video.HasAudio {
			p.attach(ev.Video)
		}

	case detector.EventRemoved:
		p.detach(ev.VideoID)
		p.bus.Publish(Event{Kind: EventVideoRemoved, VideoID: ev.VideoID})
		p.publishStatus()

	case detector.EventError:
		p.fail(ev.Err, "detector")
	}
}

func (p *Processor) onAudio(ev audio.Event) {
	switch ev.Kind {
	case audio.EventChunk:
		p.sess.Feed(ev.Chunk)

	case audio.EventEnded:
		p.mu.Lock()
		if sid, ok := p.sources[ev.VideoID]; ok && sid == ev.SourceID {
			delete(p.sources, ev.VideoID)
		}
		p.mu.Unlock()

	case audio.EventError:
		p.fail(ev.Err, ev.Context)
	}
}

func (p *Processor) onSpeech(ev speech.Event) {
	switch ev.Kind {
	case speech.EventResult:
		r := ev.Result
		p.mu.Lock()
		p.transcripts[r.SessionID] = append(p.transcripts[r.SessionID], r)
		p.stats.TotalTranscriptions++
		if r.Text != "" {
			p.stats.SuccessfulTranscriptions++
		}
		p.stats.LastTranscription = r.Timestamp
		p.mu.Unlock()
		p.bus.Publish(Event{Kind: EventTranscription, Result: r})
		p.publishStatus()

	case speech.EventInterim:
		p.bus.Publish(Event{Kind: EventInterim, Result: ev.Result})

	case speech.EventInterimExpired:
		p.bus.Publish(Event{Kind: EventInterimExpired, Result: speech.Result{SessionID: ev.SessionID}})

	case speech.EventStarted, speech.EventStopped, speech.EventEnded:
		p.publishStatus()

	case speech.EventError:
		if speech.IsTerminal(ev.Err) {
			p.mu.Lock()
			p.blocked = ev.Err
			p.mu.Unlock()
		}
		p.fail(ev.Err, "speech")
	}
}

func (p *Processor) fail(err error, where string) {
	if err == nil {
		return
	}
	p.log.Warnf("%s error: %v", where, err)
	p.bus.Publish(Event{Kind: EventError, Err: err, Context: where})
	p.publishStatus()
}

func (p *Processor) publishStatus() {
	p.bus.Publish(Event{Kind: EventStatusChange, Stats: p.Stats()})
}

func (p *Processor) Stats() Stats {
	videos := len(p.det.Videos())
	listening := p.sess.Listening()
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.VideosActive = videos
	s.AudioStreamsActive = len(p.sources)
	s.Active = p.active
	if listening {
		s.ActiveSessions = 1
	}
	return s
}

// Status reports the quality of a live source when there is one and the
// configured quality otherwise.
func (p *Processor) Status() Status {
	p.mu.Lock()
	st := Status{
		IsInitialized: p.initErr == nil && !p.destroyed,
		IsRecording:   p.active,
	}
	for _, list := range p.transcripts {
		st.TranscriptCount += len(list)
	}
	sids := make([]string, 0, len(p.sources))
	for _, sid := range p.sources {
		sids = append(sids, sid)
	}
	p.mu.Unlock()

	st.AudioQuality = p.ext.Config().Quality
	for _, sid := range sids {
		if info, ok := p.ext.Source(sid); ok {
			st.AudioQuality = info.Quality
			break
		}
	}
	return st
}

// Transcripts returns one session's finals in arrival order, or with an
// empty id every session's finals ordered by timestamp.
func (p *Processor) Transcripts(sessionID string) []speech.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != "" {
		return append([]speech.Result(nil), p.transcripts[sessionID]...)
	}
	var all []speech.Result
	for _, list := range p.transcripts {
		all = append(all, list...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all
}

func (p *Processor) Export(opts transcript.Options) string {
	return transcript.Export(p.Transcripts(""), opts)
}

// Clear drops every stored transcript.
func (p *Processor) Clear() {
	p.mu.Lock()
	p.transcripts = make(map[string][]speech.Result)
	p.mu.Unlock()
	p.publishStatus()
}

func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig merges patch. Speech settings reach the live session at once;
// audio settings only affect later extractions.
func (p *Processor) UpdateConfig(patch Patch) error {
	p.mu.Lock()
	if patch.RealTime != nil {
		p.cfg.RealTime = *patch.RealTime
	}
	if patch.Audio != nil {
		p.cfg.Audio = p.cfg.Audio.Apply(*patch.Audio)
	}
	audioCfg := p.cfg.Audio
	p.cfg.Speech = p.cfg.Speech.Apply(patch.Speech)
	p.mu.Unlock()

	if patch.Audio != nil {
		p.ext.UpdateConfig(audioCfg)
	}
	return p.sess.UpdateConfig(patch.Speech)
}

// Destroy stops if running and tears down every subsystem. It is safe to
// call more than once.
func (p *Processor) Destroy() {
	if p.Recording() {
		p.Stop()
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	p.det.Stop()
	if err := p.ext.Destroy(); err != nil {
		p.log.Err(err, "audio teardown")
	}
	p.sess.Destroy()

	p.mu.Lock()
	p.sources = make(map[string]string)
	p.transcripts = make(map[string][]speech.Result)
	p.mu.Unlock()
	p.bus.Clear()
	p.log.Info("processor destroyed")
}
