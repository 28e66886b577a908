package main

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"vidscribe/beep"
	"vidscribe/processor"
	"vidscribe/speech"
	"vidscribe/transcript"
)

// eventSink abstracts the display layer so the headless console and the
// Bubble Tea TUI receive the same pipeline events.
type eventSink interface {
	Status(stats processor.Stats)
	VideoDetected(id, platform string, hasAudio bool)
	VideoRemoved(id string)
	Transcription(r speech.Result)
	Interim(text string)
	InterimExpired()
	Error(where string, err error)
}

// forward subscribes s to p and returns the unsubscribe function.
func forward(p *processor.Processor, s eventSink) func() {
	return p.Subscribe(func(ev processor.Event) {
		switch ev.Kind {
		case processor.EventStatusChange:
			s.Status(ev.Stats)
		case processor.EventVideoDetected:
			s.VideoDetected(ev.VideoID, ev.Video.Platform, ev.Video.HasAudio)
		case processor.EventVideoRemoved:
			s.VideoRemoved(ev.VideoID)
		case processor.EventTranscription:
			s.Transcription(ev.Result)
		case processor.EventInterim:
			s.Interim(ev.Result.Text)
		case processor.EventInterimExpired:
			s.InterimExpired()
		case processor.EventError:
			s.Error(ev.Context, ev.Err)
		}
	})
}

// announce plays a cue on every recording flip and pipeline error.
func announce(p *processor.Processor, a *beep.Announcer) func() {
	return p.Subscribe(func(ev processor.Event) {
		switch ev.Kind {
		case processor.EventStatusChange:
			a.Recording(ev.Stats.Active)
		case processor.EventError:
			a.Failed()
		}
	})
}

// consoleSink prints one line per event. Status changes are only printed
// when recording flips.
type consoleSink struct {
	mu        sync.Mutex
	w         io.Writer
	recording bool
}

func newConsoleSink(w io.Writer) *consoleSink {
	return &consoleSink{w: w}
}

func (c *consoleSink) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *consoleSink) Status(stats processor.Stats) {
	c.mu.Lock()
	changed := stats.Active != c.recording
	c.recording = stats.Active
	c.mu.Unlock()
	if !changed {
		return
	}
	state := "idle"
	if stats.Active {
		state = "capturing"
	}
	c.printf("* %s: %d videos, %d streams\n", state, stats.VideosActive, stats.AudioStreamsActive)
}

func (c *consoleSink) VideoDetected(id, platform string, hasAudio bool) {
	audio := "no audio"
	if hasAudio {
		audio = "audio"
	}
	c.printf("+ video %s (%s, %s)\n", short(id), platform, audio)
}

func (c *consoleSink) VideoRemoved(id string) {
	c.printf("- video %s\n", short(id))
}

func (c *consoleSink) Transcription(r speech.Result) {
	c.printf("> %s\n", transcript.Line(r, transcript.Options{Timestamps: true, Speakers: true, Confidence: true}))
}

func (c *consoleSink) Interim(text string) {
	c.printf("~ %s\n", text)
}

func (c *consoleSink) InterimExpired() {}

func (c *consoleSink) Error(where string, err error) {
	c.printf("! %s: %v\n", where, err)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// tuiSink relays events to a running Bubble Tea program.
type tuiSink struct {
	prog *tea.Program
}

func (t tuiSink) Status(stats processor.Stats) { t.prog.Send(statusMsg(stats)) }

func (t tuiSink) VideoDetected(id, platform string, hasAudio bool) {
	t.prog.Send(videoMsg{ID: id, Added: true, HasAudio: hasAudio})
}

func (t tuiSink) VideoRemoved(id string)        { t.prog.Send(videoMsg{ID: id}) }
func (t tuiSink) Transcription(r speech.Result) { t.prog.Send(captionMsg(r)) }
func (t tuiSink) Interim(text string)           { t.prog.Send(interimMsg(text)) }
func (t tuiSink) InterimExpired()               { t.prog.Send(interimMsg("")) }

func (t tuiSink) Error(where string, err error) {
	t.prog.Send(errorMsg(fmt.Sprintf("%s: %v", where, err)))
}
