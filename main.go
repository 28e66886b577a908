package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vidscribe/audio"
	"vidscribe/beep"
	"vidscribe/bridge"
	"vidscribe/clipboard"
	"vidscribe/config"
	"vidscribe/doctor"
	"vidscribe/hotkey"
	"vidscribe/log"
	"vidscribe/platform"
	"vidscribe/processor"
	"vidscribe/shutdown"
	"vidscribe/speech"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vidscribe",
		Short:         "Transcribe speech from the videos on a meeting or media page",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version
	root.AddCommand(newRunCmd(), newProfilesCmd(), newDoctorCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vidscribe %s\n", version)
		},
	}
}

func newDoctorCmd() *cobra.Command {
	var logPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run system diagnostics and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
				settings = nil
			}
			dir, err := log.ResolveDir(logPath)
			if err != nil {
				return err
			}
			if code := doctor.Run(cmd.Context(), cmd.OutOrStdout(), doctor.Options{Settings: settings, LogDir: dir}); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "logpath", "", "Log directory to check (default: OS-specific location)")
	return cmd
}

func newProfilesCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List platform profiles, or show the one a host selects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := platform.Err(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if host != "" {
				p := platform.Select(host, nil)
				fmt.Fprintf(out, "%s -> %s\n", host, p.Name)
				fmt.Fprintf(out, "  videos:       %v\n", p.VideoSelectors)
				fmt.Fprintf(out, "  containers:   %v\n", p.ContainerSelectors)
				fmt.Fprintf(out, "  participants: %v\n", p.ParticipantAttributes)
				return nil
			}
			profiles := platform.All()
			sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
			for _, p := range profiles {
				fmt.Fprintf(out, "%-12s %v\n", p.Name, p.Domains)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Show the profile selected for this hostname")
	return cmd
}

type runOptions struct {
	scenario string
	wav      string
	bridge   string
	engine   string
	logPath  string
	tui      bool
	start    bool
	hotkey   bool
	beep     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture pipeline against a simulated page",
		Long: "Build a page from a scenario file and run detection, extraction and recognition on it.\n" +
			"Without a terminal (or with --tui=false) the pipeline is driven by commands on stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "Scenario TOML describing the page (required)")
	cmd.Flags().StringVar(&opts.wav, "wav", "", "16-bit mono WAV played into every extracted source")
	cmd.Flags().StringVar(&opts.bridge, "bridge", "", "Serve the control websocket on this address (default from config)")
	cmd.Flags().StringVar(&opts.engine, "engine", "fake", "Recognition engine: fake or deepgram")
	cmd.Flags().StringVar(&opts.logPath, "logpath", "", "Log directory (default: OS-specific location)")
	cmd.Flags().BoolVar(&opts.tui, "tui", true, "Show the terminal UI when stdout is a terminal")
	cmd.Flags().BoolVar(&opts.start, "start", false, "Start capturing immediately")
	cmd.Flags().BoolVar(&opts.beep, "beep", false, "Play a cue when capture starts, stops or fails")
	cmd.Flags().BoolVar(&opts.hotkey, "hotkey", false, "Toggle capture with the global "+hotkey.Chord+" chord")
	cmd.MarkFlagRequired("scenario")
	return cmd
}

func runScenario(parent context.Context, opts runOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	logDir, err := log.ResolveDir(opts.logPath)
	if err != nil {
		return fmt.Errorf("resolve log directory: %w", err)
	}
	files, err := log.Open(logDir, level)
	if err != nil {
		return err
	}
	defer files.Close()
	logger := files.Logger()

	crashPath := filepath.Join(logDir, "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	sc, err := LoadScenario(opts.scenario)
	if err != nil {
		return err
	}
	sim := sc.Build()

	var engine speech.Engine
	switch opts.engine {
	case "fake":
		sim.speech = speech.NewFakeEngine()
		engine = sim.speech
	case "deepgram":
		if settings.Deepgram.APIKey == "" {
			return errors.New("deepgram engine needs DEEPGRAM_API_KEY or [deepgram] api_key")
		}
		engine = speech.NewDeepgram(settings.Deepgram.APIKey, settings.Deepgram.Model, logger)
	default:
		return fmt.Errorf("unknown engine %q (use fake or deepgram)", opts.engine)
	}

	ctx, stop := shutdown.Context(parent)
	defer stop()

	p := processor.New(sim.Host(engine), settings.Processor(), clock.New(), logger)
	defer p.Destroy()
	logger.Infof("session start: host=%s platform=%s engine=%s", sc.Host, p.Stats().Platform, opts.engine)

	p.Subscribe(func(ev processor.Event) {
		if ev.Kind == processor.EventTranscription {
			files.TranscriptionText(ev.Result.Text)
		}
	})

	if opts.beep {
		announce(p, beep.NewAnnouncer(beep.New(logger)))
	}

	if opts.wav != "" {
		samples, err := audio.LoadWAV(opts.wav)
		if err != nil {
			return fmt.Errorf("loading WAV: %w", err)
		}
		feedWAV(ctx, p, sim, samples, settings.Audio.BufferSize)
	}

	interactive := opts.tui && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))

	var prog *tea.Program
	var progMu sync.Mutex
	showUI := func() error {
		progMu.Lock()
		defer progMu.Unlock()
		if prog == nil {
			return bridge.ErrUIUnavailable
		}
		prog.Send(showUIMsg{})
		return nil
	}

	if addr := opts.bridge; addr != "" || settings.Bridge != "" {
		if addr == "" {
			addr = settings.Bridge
		}
		b := bridge.New(p, bridge.Options{
			Export:    settings.ExportOptions(),
			Clipboard: clipboard.Copy,
			ShowUI:    showUI,
		}, logger)
		defer b.Close()
		srv := &http.Server{Addr: addr, Handler: b, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infof("bridge listening on ws://%s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err(err, "bridge server")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	if opts.start {
		if err := p.Start(); err != nil {
			return err
		}
	}

	if opts.hotkey {
		_, err := hotkey.Bind(ctx, hotkey.New(), 300*time.Millisecond, func() {
			on, err := p.Toggle()
			if err != nil {
				logger.Err(err, "hotkey toggle")
				return
			}
			logger.Infof("hotkey toggle: recording=%t", on)
		})
		if err != nil {
			logger.Err(err, "hotkey unavailable")
			fmt.Fprintf(os.Stderr, "warning: global hotkey disabled: %v\n", err)
		}
	}

	if interactive {
		model := newTUIModel(p, settings.ExportOptions(), clipboard.Copy)
		progMu.Lock()
		prog = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		progMu.Unlock()
		unsub := forward(p, tuiSink{prog: prog})
		defer unsub()
		_, err := prog.Run()
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	console := newConsoleSink(os.Stdout)
	unsub := forward(p, console)
	defer unsub()
	d := newDriver(p, sim, os.Stdout, settings.ExportOptions(), clipboard.Copy)
	return d.run(ctx, os.Stdin)
}

// feedWAV plays samples into every processor node the simulated audio
// engine creates, paced in real time until ctx ends.
func feedWAV(ctx context.Context, p *processor.Processor, sim *simulation, samples []float32, bufferSize int) {
	var mu sync.Mutex
	played := make(map[*audio.FakeProcessor]bool)
	p.Subscribe(func(ev processor.Event) {
		if ev.Kind != processor.EventAudioStarted {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, proc := range sim.audio.Processors() {
			if played[proc] || proc.Disconnected() {
				continue
			}
			played[proc] = true
			audio.Play(ctx, proc, samples, bufferSize, sim.audio.SampleRate(), true)
		}
	})
}
