// Package beep plays short audible cues when capture starts, stops or fails.
package beep

import (
	"math"
	"sync"
)

const sampleRate = 44100

type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueError
)

func (c Cue) String() string {
	switch c {
	case CueStart:
		return "start"
	case CueStop:
		return "stop"
	case CueError:
		return "error"
	}
	return "unknown"
}

type tone struct {
	freq   float64
	dur    float64 // seconds
	volume float64
	decay  float64
	double bool
}

// Start is a high short tick, stop a slightly lower one, error a low
// double beep.
var tones = map[Cue]tone{
	CueStart: {freq: 1200, dur: 0.2, volume: 0.5, decay: 60},
	CueStop:  {freq: 900, dur: 0.2, volume: 0.5, decay: 40},
	CueError: {freq: 350, dur: 0.08, volume: 0.6, decay: 30, double: true},
}

const doubleGap = 0.05

// Samples renders c as mono PCM16 at 44.1 kHz.
func Samples(c Cue) []int16 {
	t, ok := tones[c]
	if !ok {
		return nil
	}
	s := tick(t)
	if !t.double {
		return s
	}
	out := make([]int16, 0, 2*len(s)+int(sampleRate*doubleGap))
	out = append(out, s...)
	out = append(out, make([]int16, int(sampleRate*doubleGap))...)
	return append(out, s...)
}

func tick(t tone) []int16 {
	n := int(sampleRate * t.dur)
	out := make([]int16, n)
	for i := range out {
		x := float64(i) / sampleRate
		env := math.Exp(-x * t.decay)
		out[i] = int16(math.Sin(2*math.Pi*t.freq*x) * 32767 * t.volume * env)
	}
	return out
}

// Player renders cues on an output device. Play must not block the caller
// for the length of the cue.
type Player interface {
	Play(Cue)
}

type nopPlayer struct{}

func (nopPlayer) Play(Cue) {}

// Nop returns a silent Player.
func Nop() Player { return nopPlayer{} }

// Announcer turns capture state into cues: one on each recording flip and
// one per failure.
type Announcer struct {
	mu        sync.Mutex
	player    Player
	recording bool
}

func NewAnnouncer(p Player) *Announcer {
	if p == nil {
		p = Nop()
	}
	return &Announcer{player: p}
}

// Recording reports the current capture state. Repeated reports of the same
// state are silent.
func (a *Announcer) Recording(on bool) {
	a.mu.Lock()
	changed := on != a.recording
	a.recording = on
	a.mu.Unlock()
	if !changed {
		return
	}
	if on {
		a.player.Play(CueStart)
	} else {
		a.player.Play(CueStop)
	}
}

func (a *Announcer) Failed() {
	a.player.Play(CueError)
}
