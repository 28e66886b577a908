package speech

import (
	"sync"

	"vidscribe/audio"
)

// FakeEngine hands out FakeRecognizers. With AutoStart set, a recognizer
// confirms its start from inside Start.
type FakeEngine struct {
	mu        sync.Mutex
	AutoStart bool
	NewErr    error
	StartErr  error
	recs      []*FakeRecognizer
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{AutoStart: true}
}

func (f *FakeEngine) NewRecognizer(emit func(EngineEvent)) (Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	r := &FakeRecognizer{emit: emit, autoStart: f.AutoStart, startErr: f.StartErr}
	f.recs = append(f.recs, r)
	return r, nil
}

// Last returns the most recently created recognizer, or nil.
func (f *FakeEngine) Last() *FakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recs) == 0 {
		return nil
	}
	return f.recs[len(f.recs)-1]
}

func (f *FakeEngine) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type FakeRecognizer struct {
	emit      func(EngineEvent)
	autoStart bool
	startErr  error

	mu       sync.Mutex
	settings Settings
	applied  int
	started  bool
	stopped  bool
	aborted  bool
	fed      []audio.Chunk
}

func (r *FakeRecognizer) Apply(s Settings) error {
	r.mu.Lock()
	r.settings = s
	r.applied++
	r.mu.Unlock()
	return nil
}

func (r *FakeRecognizer) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	if r.autoStart {
		r.emit(EngineEvent{Kind: EngineStart})
	}
	return nil
}

func (r *FakeRecognizer) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *FakeRecognizer) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
}

func (r *FakeRecognizer) Feed(c audio.Chunk) {
	r.mu.Lock()
	r.fed = append(r.fed, c)
	r.mu.Unlock()
}

func (r *FakeRecognizer) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *FakeRecognizer) Applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

func (r *FakeRecognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *FakeRecognizer) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *FakeRecognizer) Fed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fed)
}

func (r *FakeRecognizer) ConfirmStart() { r.emit(EngineEvent{Kind: EngineStart}) }

func (r *FakeRecognizer) Final(text string, confidence float64) {
	r.emit(EngineEvent{Kind: EngineResult, Results: []RawResult{{
		Final:        true,
		Alternatives: []Alternative{{Transcript: text, Confidence: confidence}},
	}}})
}

func (r *FakeRecognizer) Interim(text string) {
	r.emit(EngineEvent{Kind: EngineResult, Results: []RawResult{{
		Alternatives: []Alternative{{Transcript: text, Confidence: 0.5}},
	}}})
}

func (r *FakeRecognizer) Fail(code ErrorCode) {
	r.emit(EngineEvent{Kind: EngineError, Code: code})
}

func (r *FakeRecognizer) End() { r.emit(EngineEvent{Kind: EngineEnd}) }
