package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"vidscribe/audio"
)

// isolate points XDG_CONFIG_HOME and the working directory at empty temp
// dirs and clears the overrides a developer shell might carry.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(t.TempDir())
	for _, k := range []string{
		"DEEPGRAM_API_KEY", "VIDSCRIBE_DEEPGRAM_API_KEY", "VIDSCRIBE_DEEPGRAM_MODEL",
		"VIDSCRIBE_LANGUAGE", "VIDSCRIBE_AUDIO_SOURCE", "VIDSCRIBE_BRIDGE_ADDR",
		"VIDSCRIBE_LOG_LEVEL", "VIDSCRIBE_PLATFORMS", "VIDSCRIBE_CONFIDENCE_THRESHOLD",
		"VIDSCRIBE_REAL_TIME",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeConfig(t *testing.T, xdg, body string) {
	t.Helper()
	dir := filepath.Join(xdg, "vidscribe")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	isolate(t)
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s, Default()) {
		t.Errorf("got %+v", s)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	xdg := isolate(t)
	writeConfig(t, xdg, `
real_time = false
platforms = ["zoom"]

[audio]
source = "element"
buffer_size = 2048

[speech]
language = "de-DE"
confidence_threshold = 0.8
`)
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.RealTime || s.Audio.Source != "element" || s.Audio.BufferSize != 2048 {
		t.Errorf("audio = %+v, real_time = %v", s.Audio, s.RealTime)
	}
	if s.Speech.Language != "de-DE" || s.Speech.ConfidenceThreshold != 0.8 {
		t.Errorf("speech = %+v", s.Speech)
	}
	if s.Audio.SampleRate != 16000 || !s.Speech.Continuous {
		t.Error("unset keys lost their defaults")
	}
}

func TestDotenvAndEnv(t *testing.T) {
	isolate(t)
	if err := os.WriteFile(".env", []byte("VIDSCRIBE_DEEPGRAM_API_KEY=from-dotenv\nVIDSCRIBE_LANGUAGE=fr-FR\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set, even empty.
	os.Unsetenv("VIDSCRIBE_DEEPGRAM_API_KEY")
	os.Unsetenv("VIDSCRIBE_LANGUAGE")
	t.Cleanup(func() {
		os.Unsetenv("VIDSCRIBE_DEEPGRAM_API_KEY")
		os.Unsetenv("VIDSCRIBE_LANGUAGE")
	})
	t.Setenv("VIDSCRIBE_PLATFORMS", "google-meet, teams")

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.Deepgram.APIKey != "from-dotenv" || s.Speech.Language != "fr-FR" {
		t.Errorf("dotenv not applied: %+v %+v", s.Deepgram, s.Speech)
	}
	if !reflect.DeepEqual(s.Platforms, []string{"google-meet", "teams"}) {
		t.Errorf("platforms = %v", s.Platforms)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad toml", file: "audio = ["},
		{name: "unknown source", file: "[audio]\nsource = \"microphone\""},
		{name: "threshold range", file: "[speech]\nconfidence_threshold = 1.5"},
		{name: "env threshold", env: map[string]string{"VIDSCRIBE_CONFIDENCE_THRESHOLD": "high"}},
		{name: "env real time", env: map[string]string{"VIDSCRIBE_REAL_TIME": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xdg := isolate(t)
			if tt.file != "" {
				writeConfig(t, xdg, tt.file)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMethods(t *testing.T) {
	s := Default()
	if got := s.Methods(); !reflect.DeepEqual(got, audio.DefaultConfig().Methods) {
		t.Errorf("auto = %v", got)
	}
	s.Audio.Source = "capture"
	want := []audio.Method{audio.MethodCapture, audio.MethodMediaStream, audio.MethodElement}
	if got := s.Methods(); !reflect.DeepEqual(got, want) {
		t.Errorf("capture first = %v", got)
	}
}

func TestProcessorConfig(t *testing.T) {
	s := Default()
	s.RealTime = false
	s.Platforms = []string{"zoom"}
	s.Audio.SampleRate = 48000
	s.Speech.ConfidenceThreshold = 0.7
	s.Speech.Language = "es-ES"

	cfg := s.Processor()
	if cfg.RealTime {
		t.Error("real time carried over")
	}
	if !reflect.DeepEqual(cfg.Detector.EnabledPlatforms, []string{"zoom"}) {
		t.Errorf("platforms = %v", cfg.Detector.EnabledPlatforms)
	}
	if cfg.Audio.Quality.SampleRate != 48000 || cfg.Speech.SampleRate != 48000 {
		t.Errorf("sample rate = %d / %d", cfg.Audio.Quality.SampleRate, cfg.Speech.SampleRate)
	}
	if cfg.Speech.ConfidenceThreshold != 0.7 || cfg.Speech.Language != "es-ES" {
		t.Errorf("speech = %+v", cfg.Speech)
	}
	if cfg.Speech.StartTimeout == 0 {
		t.Error("timing defaults lost")
	}

	opts := s.ExportOptions()
	if !opts.Timestamps || !opts.Speakers || opts.Confidence {
		t.Errorf("export = %+v", opts)
	}
}
