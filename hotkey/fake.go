package hotkey

import (
	"errors"
	"sync"
)

var errAlreadyRegistered = errors.New("hotkey already registered")

// FakeHotkey is an in-memory Hotkey driven by Press/Release.
type FakeHotkey struct {
	mu         sync.Mutex
	registered bool
	released   bool
	failWith   error

	keydown chan struct{}
	keyup   chan struct{}
}

func NewFake() *FakeHotkey {
	return &FakeHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

// FailRegister makes the next Register return err.
func (f *FakeHotkey) FailRegister(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *FakeHotkey) Register() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return err
	}
	if f.registered {
		return errAlreadyRegistered
	}
	f.registered = true
	return nil
}

func (f *FakeHotkey) Unregister() {
	f.mu.Lock()
	f.registered = false
	f.released = true
	f.mu.Unlock()
}

// Unregistered reports whether Unregister has been called.
func (f *FakeHotkey) Unregistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *FakeHotkey) Keydown() <-chan struct{} { return f.keydown }
func (f *FakeHotkey) Keyup() <-chan struct{}   { return f.keyup }

func (f *FakeHotkey) Press()   { f.keydown <- struct{}{} }
func (f *FakeHotkey) Release() { f.keyup <- struct{}{} }
