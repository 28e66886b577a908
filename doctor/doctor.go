// Package doctor runs the diagnostic checks behind `vidscribe doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/term"

	"vidscribe/audio"
	"vidscribe/clipboard"
	"vidscribe/config"
	"vidscribe/dom"
	"vidscribe/hotkey"
	"vidscribe/log"
	"vidscribe/platform"
	"vidscribe/processor"
	"vidscribe/speech"
)

var errSkipped = errors.New("skipped")

type Options struct {
	Settings *config.Settings
	LogDir   string
	// Endpoint overrides the Deepgram listen URL.
	Endpoint string
	Timeout  time.Duration
}

type check struct {
	name string
	run  func(ctx context.Context, opts Options) (string, error)
}

var checks = []check{
	{"Configuration", checkConfig},
	{"Platform profiles", checkProfiles},
	{"Log directory", checkLogDir},
	{"Clipboard", checkClipboard},
	{"Terminal", checkTerminal},
	{"Global hotkey", checkHotkey},
	{"Recognition service", checkRecognition},
	{"Pipeline self-test", checkPipeline},
}

// Run executes every check and returns an exit code (0=all pass, 1=any fail).
func Run(ctx context.Context, w io.Writer, opts Options) int {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	fmt.Fprintln(w, "vidscribe doctor - system diagnostics")
	fmt.Fprintln(w, "=====================================")

	allPass := true
	for i, c := range checks {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		msg, err := c.run(ctx, opts)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(w, "  SKIP: %s\n", msg)
		case err != nil:
			allPass = false
			fmt.Fprintf(w, "  FAIL: %v\n", err)
		default:
			fmt.Fprintf(w, "  PASS: %s\n", msg)
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkConfig(_ context.Context, opts Options) (string, error) {
	if opts.Settings == nil {
		return "", errors.New("settings not loaded")
	}
	if err := opts.Settings.Validate(); err != nil {
		return "", err
	}
	path := config.Path()
	if _, err := os.Stat(path); err != nil {
		return "defaults (no " + path + ")", nil
	}
	return path, nil
}

func checkProfiles(context.Context, Options) (string, error) {
	if err := platform.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d profiles loaded", len(platform.All())), nil
}

func checkLogDir(_ context.Context, opts Options) (string, error) {
	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(opts.LogDir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", opts.LogDir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return filepath.Clean(opts.LogDir), nil
}

func checkClipboard(context.Context, Options) (string, error) {
	if _, err := clipboard.Read(); err != nil {
		if errors.Is(err, clipboard.ErrUnsupported) {
			return "no clipboard utility; export prints to stdout only", errSkipped
		}
		return "", err
	}
	return "clipboard readable", nil
}

func checkTerminal(context.Context, Options) (string, error) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return "stdout is not a terminal; run falls back to the stdin driver", errSkipped
	}
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%dx%d", w, h), nil
}

func checkHotkey(context.Context, Options) (string, error) {
	msg, err := hotkey.Diagnose()
	if err != nil {
		return "run --hotkey will be unavailable: " + err.Error(), errSkipped
	}
	return msg, nil
}

// checkRecognition opens one streaming session and waits for the service to
// accept it.
func checkRecognition(ctx context.Context, opts Options) (string, error) {
	if opts.Settings == nil || opts.Settings.Deepgram.APIKey == "" {
		return "no Deepgram key configured", errSkipped
	}
	dg := speech.NewDeepgram(opts.Settings.Deepgram.APIKey, opts.Settings.Deepgram.Model, log.Nop())
	if opts.Endpoint != "" {
		dg.WithEndpoint(opts.Endpoint)
	}

	events := make(chan speech.EngineEvent, 4)
	rec, err := dg.NewRecognizer(func(ev speech.EngineEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer rec.Abort()

	cfg := opts.Settings.Processor().Speech
	if err := rec.Apply(speech.Settings{
		Language:        cfg.Language,
		Continuous:      cfg.Continuous,
		InterimResults:  cfg.InterimResults,
		MaxAlternatives: cfg.MaxAlternatives,
		SampleRate:      cfg.SampleRate,
	}); err != nil {
		return "", err
	}
	start := time.Now()
	if err := rec.Start(); err != nil {
		return "", err
	}

	timeout := time.NewTimer(opts.Timeout)
	defer timeout.Stop()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case speech.EngineStart:
				return fmt.Sprintf("connected in %dms", time.Since(start).Milliseconds()), nil
			case speech.EngineError:
				return "", fmt.Errorf("%s: %s", ev.Code, ev.Message)
			case speech.EngineEnd:
				return "", errors.New("session closed before it started")
			}
		case <-timeout.C:
			return "", fmt.Errorf("no answer within %s", opts.Timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// checkPipeline runs detection, extraction and recognition against an
// in-memory page and checks that one final result comes out.
func checkPipeline(_ context.Context, opts Options) (string, error) {
	doc := dom.NewFakeDocument("meet.google.com")
	el := dom.NewFakeVideo(640, 480)
	el.Stream = dom.NewFakeStream("doctor", true)
	doc.Append(el)

	eng := audio.NewFakeEngine(16000)
	sp := speech.NewFakeEngine()
	cfg := processor.DefaultConfig()
	if opts.Settings != nil {
		cfg = opts.Settings.Processor()
		cfg.RealTime = true
	}
	p := processor.New(processor.Host{Document: doc, Audio: audio.Host{Engine: eng}, Speech: sp}, cfg, clock.New(), log.Nop())
	defer p.Destroy()

	if err := p.Start(); err != nil {
		return "", err
	}
	procs := eng.Processors()
	if len(procs) == 0 {
		return "", errors.New("no audio source was extracted")
	}
	procs[0].Emit(audio.Buffer{Channels: [][]float32{make([]float32, 1600)}, SampleRate: 16000})
	rec := sp.Last()
	if rec == nil || rec.Fed() == 0 {
		return "", errors.New("audio did not reach recognition")
	}
	rec.Final("doctor check", 0.99)
	if n := len(p.Transcripts("")); n != 1 {
		return "", fmt.Errorf("expected 1 transcript, got %d", n)
	}
	return "detect, extract, recognize ok", nil
}
