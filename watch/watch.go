// Package watch runs a scan function on startup, after a quiet period
// following change notifications, and on a fixed backstop interval.
package watch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Trigger int

const (
	TriggerInitial Trigger = iota
	TriggerChange
	TriggerInterval
)

func (t Trigger) String() string {
	switch t {
	case TriggerInitial:
		return "initial"
	case TriggerChange:
		return "change"
	case TriggerInterval:
		return "interval"
	}
	return "unknown"
}

// Watcher never runs two scans at once and never scans after Stop.
type Watcher struct {
	clock    clock.Clock
	debounce time.Duration
	interval time.Duration
	scan     func(Trigger)

	scanMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	debounceT *clock.Timer
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// New returns a Watcher. A zero interval disables the backstop scan.
func New(clk clock.Clock, debounce, interval time.Duration, scan func(Trigger)) *Watcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Watcher{
		clock:    clk,
		debounce: debounce,
		interval: interval,
		scan:     scan,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start runs the initial scan on the calling goroutine, then arms the
// backstop ticker. Calling Start again is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.run(TriggerInitial)

	if w.interval <= 0 {
		close(w.loopDone)
		return
	}
	ticker := w.clock.Ticker(w.interval)
	go func() {
		defer close(w.loopDone)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.run(TriggerInterval)
			}
		}
	}()
}

// Notify reports a relevant change. The scan runs once no further
// notification has arrived for the debounce period.
func (w *Watcher) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return
	}
	if w.debounceT != nil {
		w.debounceT.Stop()
	}
	w.debounceT = w.clock.AfterFunc(w.debounce, func() { w.run(TriggerChange) })
}

func (w *Watcher) run(t Trigger) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.scan(t)
}

// Stop cancels pending and periodic scans. It is safe to call repeatedly
// and from inside the scan function.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.debounceT != nil {
		w.debounceT.Stop()
		w.debounceT = nil
	}
	close(w.stopCh)
	w.mu.Unlock()
}

// Done is closed once the backstop loop has exited. It only closes for a
// watcher that was started.
func (w *Watcher) Done() <-chan struct{} {
	return w.loopDone
}
