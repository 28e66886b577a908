//go:build linux

package hotkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const inputDir = "/dev/input"

// errNoAccess hints at the usual fix for unreadable evdev devices.
var errNoAccess = errors.New("cannot open any keyboard device (add the user to the 'input' group and log in again)")

type evdevHotkey struct {
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

// New reads the chord straight from evdev so it works under both X11 and
// Wayland.
func New() Hotkey {
	return &evdevHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (h *evdevHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return errors.New("no keyboard devices found")
	}
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}
	if len(h.files) == 0 {
		return errNoAccess
	}
	return nil
}

func (h *evdevHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var c chord
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			down, up := c.feed(buf[i : i+inputEventSize])
			switch {
			case down:
				notify(h.keydown)
			case up:
				notify(h.keyup)
			}
		}
		select {
		case <-h.stop:
			return
		default:
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *evdevHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *evdevHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *evdevHotkey) Keyup() <-chan struct{}   { return h.keyup }

const (
	evKey          = 1
	keyPress       = 1
	keyRelease     = 0
	keyLCtrl       = 29
	keyRCtrl       = 97
	keyLShift      = 42
	keyRShift      = 54
	keySpace       = 57
	inputEventSize = 24
)

// chord tracks modifier state for one device and reports Ctrl+Shift+Space
// press and release edges. Auto-repeat (value 2) never produces an edge.
type chord struct {
	ctrl, shift, held bool
}

func (c *chord) feed(ev []byte) (down, up bool) {
	if binary.LittleEndian.Uint16(ev[16:]) != evKey {
		return false, false
	}
	code := binary.LittleEndian.Uint16(ev[18:])
	value := int32(binary.LittleEndian.Uint32(ev[20:]))
	pressed, released := value == keyPress, value == keyRelease

	switch code {
	case keyLCtrl, keyRCtrl:
		c.ctrl = pressed || (!released && c.ctrl)
	case keyLShift, keyRShift:
		c.shift = pressed || (!released && c.shift)
	case keySpace:
		if pressed && !c.held && c.ctrl && c.shift {
			c.held = true
			return true, false
		}
		if released && c.held {
			c.held = false
			return false, true
		}
	}
	return false, false
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, err
	}
	var keyboards []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") && isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join(inputDir, e.Name()))
		}
	}
	return keyboards, nil
}

// isKeyboard treats a device with a long key capability bitmap as a keyboard;
// mice and power buttons only advertise a handful of keys.
func isKeyboard(event string) bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/input", event, "device", "capabilities", "key"))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose reports whether the chord can be read without registering it.
func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", errors.New("no keyboard devices found")
	}
	for _, path := range keyboards {
		if f, err := os.Open(path); err == nil {
			f.Close()
			return fmt.Sprintf("%s via %s (%d keyboard(s))", Chord, path, len(keyboards)), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s): %w", len(keyboards), errNoAccess)
}
