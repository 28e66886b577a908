// Package hotkey listens for the global capture toggle chord (Ctrl+Shift+Space).
package hotkey

import (
	"context"
	"time"
)

// Chord is the human-readable form of the toggle key combination.
const Chord = "Ctrl+Shift+Space"

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Bind registers hk and calls toggle once per press until ctx is done.
// Presses closer together than guard are treated as key bounce and dropped.
// The returned channel is closed after hk has been unregistered.
func Bind(ctx context.Context, hk Hotkey, guard time.Duration, toggle func()) (<-chan struct{}, error) {
	if err := hk.Register(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer hk.Unregister()
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-hk.Keydown():
				now := time.Now()
				if !last.IsZero() && now.Sub(last) < guard {
					continue
				}
				last = now
				toggle()
			case <-hk.Keyup():
			}
		}
	}()
	return done, nil
}
