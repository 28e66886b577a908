package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"vidscribe/processor"
	"vidscribe/speech"
	"vidscribe/transcript"
)

// driver runs the headless command protocol read from stdin:
//
//	TOGGLE | START | STOP | SCAN | ADD <id> | REMOVE <id> | PAUSE <id> | PLAY <id>
//	RESULT <confidence> <text> | INTERIM <text> | ERROR <code> | END
//	EXPORT | CLEAR | STATUS | SLEEP <ms> | QUIT
type driver struct {
	p    *processor.Processor
	sim  *simulation
	out  io.Writer
	opts transcript.Options
	copy func(string) error
}

func newDriver(p *processor.Processor, sim *simulation, out io.Writer, opts transcript.Options, copy func(string) error) *driver {
	return &driver{p: p, sim: sim, out: out, opts: opts, copy: copy}
}

// run executes commands until QUIT, end of input or ctx is done.
func (d *driver) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := d.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(d.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (d *driver) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(cmd) {
	case "QUIT":
		return true, nil

	case "TOGGLE":
		on, err := d.p.Toggle()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(d.out, "recording %s\n", onOff(on))

	case "START":
		if err := d.p.Start(); err != nil {
			return false, err
		}
		fmt.Fprintln(d.out, "recording on")

	case "STOP":
		if err := d.p.Stop(); err != nil {
			return false, err
		}
		fmt.Fprintln(d.out, "recording off")

	case "SCAN":
		added, removed := d.p.Detector().Scan()
		fmt.Fprintf(d.out, "scan: %d added, %d removed\n", len(added), len(removed))

	case "ADD":
		if err := d.sim.attach(arg); err != nil {
			return false, err
		}
		d.p.Detector().Scan()

	case "REMOVE":
		if err := d.sim.detach(arg); err != nil {
			return false, err
		}
		d.p.Detector().Scan()

	case "PAUSE", "PLAY":
		el, err := d.sim.video(arg)
		if err != nil {
			return false, err
		}
		el.SetPaused(strings.EqualFold(cmd, "PAUSE"))
		d.p.Detector().Scan()

	case "RESULT":
		rec, err := d.recognizer()
		if err != nil {
			return false, err
		}
		confStr, text, _ := strings.Cut(arg, " ")
		conf, err := strconv.ParseFloat(confStr, 64)
		if err != nil {
			return false, fmt.Errorf("RESULT <confidence> <text>: %w", err)
		}
		rec.Final(text, conf)

	case "INTERIM":
		rec, err := d.recognizer()
		if err != nil {
			return false, err
		}
		rec.Interim(arg)

	case "ERROR":
		rec, err := d.recognizer()
		if err != nil {
			return false, err
		}
		rec.Fail(speech.ErrorCode(arg))

	case "END":
		rec, err := d.recognizer()
		if err != nil {
			return false, err
		}
		rec.End()

	case "EXPORT":
		text := d.p.Export(d.opts)
		if text == "" {
			return false, fmt.Errorf("nothing to export")
		}
		fmt.Fprintln(d.out, text)
		if d.copy != nil {
			if err := d.copy(text); err != nil {
				return false, fmt.Errorf("clipboard: %w", err)
			}
		}

	case "CLEAR":
		d.p.Clear()
		fmt.Fprintln(d.out, "transcripts cleared")

	case "STATUS":
		st, stats := d.p.Status(), d.p.Stats()
		fmt.Fprintf(d.out, "status: recording=%s platform=%s videos=%d streams=%d transcripts=%d session=%s\n",
			onOff(st.IsRecording), stats.Platform, stats.VideosActive, stats.AudioStreamsActive,
			st.TranscriptCount, d.p.Session().State())

	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("SLEEP <ms>: %w", err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func (d *driver) recognizer() (*speech.FakeRecognizer, error) {
	if d.sim.speech == nil {
		return nil, fmt.Errorf("recognition results can only be injected with the fake engine")
	}
	rec := d.sim.speech.Last()
	if rec == nil {
		return nil, fmt.Errorf("no recognition session yet")
	}
	return rec, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
