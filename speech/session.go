package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"vidscribe/audio"
	"vidscribe/events"
	"vidscribe/log"
)

// Session keeps one logical recognition session alive across engine
// restarts. Engine callbacks from superseded launches are ignored.
type Session struct {
	engine Engine
	clock  clock.Clock
	log    log.Logger
	bus    events.Bus[Event]

	mu         sync.Mutex
	cfg        Config
	state      State
	wanted     bool
	destroyed  bool
	id         string
	gen        uint64
	rec        Recognizer
	startWait  chan struct{}
	startErr   error
	restartT   *clock.Timer
	reconnects int

	interim    *Result
	interimSeq uint64
	interimT   *clock.Timer

	transcript  []Result
	startedAt   time.Time
	lastResult  time.Time
	lastFeed    time.Time
	stats       Stats
	initErr     error
}

func New(engine Engine, cfg Config, clk clock.Clock, logger log.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	s := &Session{
		engine: engine,
		clock:  clk,
		log:    logger.Component("speech"),
		cfg:    cfg,
	}
	if engine == nil {
		s.initErr = ErrEngineUnavailable
		s.log.Error("no recognition engine; sessions disabled")
	}
	return s
}

func (s *Session) Subscribe(fn func(Event)) func() {
	return s.bus.Subscribe(fn)
}

func (s *Session) Err() error {
	return s.initErr
}

func (s *Session) publish(evs []Event) {
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

// Start launches a session and waits for the engine to confirm it. When a
// session is already listening its id is returned.
func (s *Session) Start(ctx context.Context) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return "", ErrDestroyed
	}
	if s.state == StateListening {
		id := s.id
		s.mu.Unlock()
		return id, nil
	}
	s.wanted = true
	s.reconnects = 0
	inFlight := s.state == StateStarting
	if s.startWait == nil {
		s.startWait = make(chan struct{})
	}
	wait := s.startWait
	timeout := s.cfg.StartTimeout
	s.mu.Unlock()

	if !inFlight {
		s.launch()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		expired = s.clock.After(timeout)
	}
	select {
	case <-wait:
	case <-ctx.Done():
		s.failStart(ctx.Err())
		return "", ctx.Err()
	case <-expired:
		s.failStart(ErrStartTimeout)
		return "", ErrStartTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateListening {
		return s.id, nil
	}
	if s.startErr != nil {
		return "", s.startErr
	}
	return "", ErrStopped
}

// launch creates a fresh recognizer for the current generation and starts
// it. Any previous recognizer is aborted.
func (s *Session) launch() {
	s.mu.Lock()
	if !s.wanted || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.rec
	s.rec = nil
	s.state = StateStarting
	s.startErr = nil
	if s.startWait == nil {
		s.startWait = make(chan struct{})
	}
	settings := s.cfg.settings()
	s.mu.Unlock()

	if old != nil {
		old.Abort()
	}

	rec, err := s.engine.NewRecognizer(func(ev EngineEvent) { s.handle(gen, ev) })
	if err != nil {
		s.failLaunch(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen || !s.wanted {
		s.mu.Unlock()
		rec.Abort()
		return
	}
	s.rec = rec
	s.mu.Unlock()

	if err := rec.Apply(settings); err != nil {
		s.failLaunch(gen, err)
		return
	}
	if err := rec.Start(); err != nil {
		s.failLaunch(gen, err)
	}
}

func (s *Session) failLaunch(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	rec := s.rec
	s.rec = nil
	s.state = StateIdle
	s.wanted = false
	s.stats.Errors++
	s.startErr = fmt.Errorf("start recognizer: %w", err)
	s.closeWaitLocked()
	startErr := s.startErr
	s.mu.Unlock()

	if rec != nil {
		rec.Abort()
	}
	s.log.Err(err, "recognizer failed to start")
	s.bus.Publish(Event{Kind: EventError, Err: startErr})
}

// failStart gives up on a pending start, e.g. after a timeout.
func (s *Session) failStart(err error) {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.gen++
	rec := s.rec
	s.rec = nil
	s.state = StateIdle
	s.wanted = false
	s.startErr = err
	s.closeWaitLocked()
	s.mu.Unlock()

	if rec != nil {
		rec.Abort()
	}
	s.log.Warnf("start abandoned: %v", err)
}

func (s *Session) closeWaitLocked() {
	if s.startWait != nil {
		close(s.startWait)
		s.startWait = nil
	}
}

func (s *Session) handle(gen uint64, ev EngineEvent) {
	s.mu.Lock()
	if gen != s.gen || s.destroyed {
		s.mu.Unlock()
		return
	}
	var out []Event
	var abort Recognizer
	switch ev.Kind {
	case EngineStart:
		out = s.onStartLocked()
	case EngineResult:
		out = s.onResultLocked(gen, ev)
	case EngineError:
		out, abort = s.onErrorLocked(gen, ev)
	case EngineEnd:
		out = s.onEndLocked(gen)
	}
	s.mu.Unlock()

	if abort != nil {
		abort.Abort()
	}
	s.publish(out)
}

func (s *Session) onStartLocked() []Event {
	if s.state != StateStarting {
		return nil
	}
	s.id = uuid.NewString()
	s.state = StateListening
	s.transcript = nil
	s.startedAt = s.clock.Now()
	s.lastResult = time.Time{}
	s.stats.Sessions++
	s.closeWaitLocked()
	s.log.Infof("session %s listening (%s)", s.id, s.cfg.Language)
	return []Event{{Kind: EventStarted, SessionID: s.id}}
}

func (s *Session) onResultLocked(gen uint64, ev EngineEvent) []Event {
	if s.state != StateListening || len(ev.Results) == 0 {
		return nil
	}
	raw := ev.Results[len(ev.Results)-1]
	if len(raw.Alternatives) == 0 {
		return nil
	}

	now := s.clock.Now()
	since := s.startedAt
	if !s.lastResult.IsZero() {
		since = s.lastResult
	}
	best := raw.Alternatives[0]
	res := Result{
		Text:         strings.TrimSpace(best.Transcript),
		Confidence:   clamp01(best.Confidence),
		IsFinal:      raw.Final,
		Timestamp:    now,
		SessionID:    s.id,
		Language:     s.cfg.Language,
		Alternatives: append([]Alternative(nil), raw.Alternatives...),
		Duration:     now.Sub(since),
	}
	s.stats.Results++
	s.reconnects = 0

	if !raw.Final {
		s.stats.Interims++
		s.setInterimLocked(gen, res)
		return []Event{{Kind: EventInterim, SessionID: s.id, Result: res}}
	}

	s.clearInterimLocked()
	s.lastResult = now
	if res.Confidence < s.cfg.ConfidenceThreshold {
		s.stats.Filtered++
		s.log.Debugf("final below threshold (%.2f < %.2f) dropped", res.Confidence, s.cfg.ConfidenceThreshold)
		return nil
	}

	s.transcript = append(s.transcript, res)
	s.stats.Finals++
	n := float64(s.stats.Finals)
	s.stats.AvgConfidence = (s.stats.AvgConfidence*(n-1) + res.Confidence) / n
	if !s.lastFeed.IsZero() {
		s.stats.AvgLatency = (s.stats.AvgLatency + now.Sub(s.lastFeed)) / 2
	}
	return []Event{{Kind: EventResult, SessionID: s.id, Result: res}}
}

func (s *Session) setInterimLocked(gen uint64, res Result) {
	if s.interimT != nil {
		s.interimT.Stop()
	}
	s.interimSeq++
	seq := s.interimSeq
	r := res
	s.interim = &r
	if ttl := s.cfg.InterimTTL; ttl > 0 {
		s.interimT = s.clock.AfterFunc(ttl, func() { s.expireInterim(gen, seq) })
	}
}

func (s *Session) clearInterimLocked() bool {
	if s.interimT != nil {
		s.interimT.Stop()
		s.interimT = nil
	}
	s.interimSeq++
	had := s.interim != nil
	s.interim = nil
	return had
}

func (s *Session) expireInterim(gen uint64, seq uint64) {
	s.mu.Lock()
	if gen != s.gen || seq != s.interimSeq || s.interim == nil {
		s.mu.Unlock()
		return
	}
	id := s.interim.SessionID
	s.interim = nil
	s.interimT = nil
	s.mu.Unlock()
	s.bus.Publish(Event{Kind: EventInterimExpired, SessionID: id})
}

func (s *Session) onErrorLocked(gen uint64, ev EngineEvent) ([]Event, Recognizer) {
	rerr := &RecognitionError{Code: ev.Code, Message: ev.Message, SessionID: s.id}
	var out []Event
	if s.clearInterimLocked() {
		out = append(out, Event{Kind: EventInterimExpired, SessionID: s.id})
	}

	switch Classify(ev.Code) {
	case ClassIgnored:
		s.log.Debugf("ignoring %s", ev.Code)
		return out, nil

	case ClassTransient:
		s.log.Debugf("no speech on %s; restarting", s.id)
		s.scheduleRestartLocked(gen, s.cfg.RestartDelay)
		return out, nil

	case ClassRecoverable:
		s.stats.Errors++
		if s.reconnects < s.cfg.MaxReconnects {
			s.reconnects++
			s.stats.Reconnects++
			s.log.Warnf("network error on %s; reconnect %d/%d in %s", s.id, s.reconnects, s.cfg.MaxReconnects, s.cfg.ReconnectDelay)
			s.scheduleRestartLocked(gen, s.cfg.ReconnectDelay)
			return out, nil
		}
		rerr.Err = ErrReconnectsExhausted
	default:
		s.stats.Errors++
	}

	s.log.Err(rerr, "recognition stopped")
	rec := s.rec
	s.rec = nil
	s.gen++
	s.state = StateIdle
	s.wanted = false
	if s.startWait != nil {
		s.startErr = rerr
		s.closeWaitLocked()
	}
	return append(out, Event{Kind: EventError, SessionID: s.id, Err: rerr}), rec
}

// scheduleRestartLocked relaunches after delay. The current recognizer is
// kept until the relaunch aborts it so its trailing end is recognized.
func (s *Session) scheduleRestartLocked(gen uint64, delay time.Duration) {
	s.state = StateErroring
	if s.restartT != nil {
		s.restartT.Stop()
	}
	s.restartT = s.clock.AfterFunc(delay, func() { s.restart(gen) })
}

func (s *Session) restart(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.wanted || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.restartT = nil
	s.stats.Restarts++
	s.mu.Unlock()
	s.launch()
}

func (s *Session) onEndLocked(gen uint64) []Event {
	if s.rec == nil {
		return nil
	}
	switch s.state {
	case StateErroring:
		return nil
	case StateListening:
		if s.wanted && s.cfg.Continuous {
			s.log.Debugf("engine ended %s; restarting", s.id)
			s.scheduleRestartLocked(gen, s.cfg.RestartDelay)
			return nil
		}
	case StateStarting:
		s.startErr = errEndedBeforeStart
		s.closeWaitLocked()
		s.wanted = false
	}
	s.rec = nil
	s.state = StateIdle
	id := s.id
	var out []Event
	if s.clearInterimLocked() {
		out = append(out, Event{Kind: EventInterimExpired, SessionID: id})
	}
	return append(out, Event{Kind: EventEnded, SessionID: id})
}

// Stop asks the engine to stop and marks the session inactive at once. A
// trailing engine end is still reported as EventEnded.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.wanted && s.state != StateListening && s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.wanted = false
	if s.restartT != nil {
		s.restartT.Stop()
		s.restartT = nil
	}
	s.clearInterimLocked()
	rec := s.rec
	if rec != nil {
		s.state = StateEnding
	} else {
		s.state = StateIdle
	}
	if s.startWait != nil {
		s.startErr = ErrStopped
		s.closeWaitLocked()
	}
	id := s.id
	s.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
	s.log.Infof("session %s stopped", id)
	s.bus.Publish(Event{Kind: EventStopped, SessionID: id})
}

// Feed forwards a chunk to the recognizer when the session is listening
// and reports whether it was delivered.
func (s *Session) Feed(c audio.Chunk) bool {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return false
	}
	sink, ok := s.rec.(AudioSink)
	if ok {
		s.lastFeed = s.clock.Now()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	sink.Feed(c)
	return true
}

// UpdateConfig applies p to the live recognizer if there is one and to
// every later launch.
func (s *Session) UpdateConfig(p Patch) error {
	s.mu.Lock()
	s.cfg = s.cfg.Apply(p)
	settings := s.cfg.settings()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	if err := rec.Apply(settings); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	return nil
}

// Destroy stops the session for good.
func (s *Session) Destroy() {
	s.Stop()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.gen++
	rec := s.rec
	s.rec = nil
	s.state = StateIdle
	if s.interimT != nil {
		s.interimT.Stop()
	}
	s.mu.Unlock()
	if rec != nil {
		rec.Abort()
	}
	s.bus.Clear()
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the id of the current or most recent session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Transcript returns the accepted finals of the current session in arrival
// order.
func (s *Session) Transcript() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.transcript...)
}

func (s *Session) Interim() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interim == nil {
		return Result{}, false
	}
	return *s.interim, true
}

// IsTerminal reports whether err ends recognition until the user acts.
func IsTerminal(err error) bool {
	var rerr *RecognitionError
	return errors.As(err, &rerr) && rerr.Terminal()
}
