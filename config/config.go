// Package config loads persisted settings: built-in defaults, then
// $XDG_CONFIG_HOME/vidscribe/config.toml, then .env, then VIDSCRIBE_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"vidscribe/audio"
	"vidscribe/processor"
	"vidscribe/speech"
	"vidscribe/transcript"
)

const SourceAuto = "auto"

type Settings struct {
	Audio    AudioSettings    `toml:"audio"`
	Speech   SpeechSettings   `toml:"speech"`
	Export   ExportSettings   `toml:"export"`
	Deepgram DeepgramSettings `toml:"deepgram"`

	RealTime  bool     `toml:"real_time"`
	Platforms []string `toml:"platforms"`
	Bridge    string   `toml:"bridge_addr"`
	LogLevel  string   `toml:"log_level"`
}

type AudioSettings struct {
	SampleRate     int    `toml:"sample_rate"`
	Source         string `toml:"source"`
	NoiseReduction bool   `toml:"noise_reduction"`
	BufferSize     int    `toml:"buffer_size"`
}

type SpeechSettings struct {
	Language            string  `toml:"language"`
	Continuous          bool    `toml:"continuous"`
	InterimResults      bool    `toml:"interim_results"`
	MaxAlternatives     int     `toml:"max_alternatives"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
}

type ExportSettings struct {
	Timestamps bool `toml:"timestamps"`
	Speakers   bool `toml:"speakers"`
	Confidence bool `toml:"confidence"`
}

type DeepgramSettings struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

func Default() *Settings {
	return &Settings{
		Audio: AudioSettings{
			SampleRate: 16000,
			Source:     SourceAuto,
			BufferSize: 4096,
		},
		Speech: SpeechSettings{
			Language:            "en-US",
			Continuous:          true,
			InterimResults:      true,
			MaxAlternatives:     1,
			ConfidenceThreshold: 0.6,
		},
		Export:   ExportSettings{Timestamps: true, Speakers: true},
		Deepgram: DeepgramSettings{Model: "nova-3"},
		RealTime: true,
		LogLevel: "info",
	}
}

func Load() (*Settings, error) {
	return LoadFile(Path())
}

// LoadFile layers path (skipped when empty or missing), .env and the
// environment over the defaults. Keys absent from the file keep their
// defaults.
func LoadFile(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, s); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	if err := applyEnvOverrides(s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Path returns the config file location, or "" when there is no home.
func Path() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vidscribe", "config.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "vidscribe", "config.toml")
	}
	return ""
}

func applyEnvOverrides(s *Settings) error {
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		s.Deepgram.APIKey = v
	}
	if v := os.Getenv("VIDSCRIBE_DEEPGRAM_API_KEY"); v != "" {
		s.Deepgram.APIKey = v
	}
	if v := os.Getenv("VIDSCRIBE_DEEPGRAM_MODEL"); v != "" {
		s.Deepgram.Model = v
	}
	if v := os.Getenv("VIDSCRIBE_LANGUAGE"); v != "" {
		s.Speech.Language = v
	}
	if v := os.Getenv("VIDSCRIBE_AUDIO_SOURCE"); v != "" {
		s.Audio.Source = v
	}
	if v := os.Getenv("VIDSCRIBE_BRIDGE_ADDR"); v != "" {
		s.Bridge = v
	}
	if v := os.Getenv("VIDSCRIBE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("VIDSCRIBE_PLATFORMS"); v != "" {
		s.Platforms = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.Platforms = append(s.Platforms, p)
			}
		}
	}
	if v := os.Getenv("VIDSCRIBE_CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VIDSCRIBE_CONFIDENCE_THRESHOLD: %w", err)
		}
		s.Speech.ConfidenceThreshold = f
	}
	if v := os.Getenv("VIDSCRIBE_REAL_TIME"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VIDSCRIBE_REAL_TIME: %w", err)
		}
		s.RealTime = b
	}
	return nil
}

func (s *Settings) Validate() error {
	if s.Audio.Source != SourceAuto {
		if _, err := audio.ParseMethod(s.Audio.Source); err != nil {
			return err
		}
	}
	if t := s.Speech.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", t)
	}
	if s.Audio.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", s.Audio.SampleRate)
	}
	if s.Audio.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", s.Audio.BufferSize)
	}
	return nil
}

// Methods returns the extraction order. A named source is tried first and
// the remaining methods keep their default order.
func (s *Settings) Methods() []audio.Method {
	order := audio.DefaultConfig().Methods
	if s.Audio.Source == SourceAuto {
		return order
	}
	first := audio.Method(s.Audio.Source)
	out := []audio.Method{first}
	for _, m := range order {
		if m != first {
			out = append(out, m)
		}
	}
	return out
}

func (s *Settings) Processor() processor.Config {
	cfg := processor.DefaultConfig()
	cfg.RealTime = s.RealTime
	cfg.Detector.EnabledPlatforms = s.Platforms

	cfg.Audio.Methods = s.Methods()
	cfg.Audio.BufferSize = s.Audio.BufferSize
	cfg.Audio.Quality.SampleRate = s.Audio.SampleRate
	cfg.Audio.NoiseReduction = s.Audio.NoiseReduction

	cfg.Speech = cfg.Speech.Apply(speech.Patch{
		Language:            &s.Speech.Language,
		Continuous:          &s.Speech.Continuous,
		InterimResults:      &s.Speech.InterimResults,
		MaxAlternatives:     &s.Speech.MaxAlternatives,
		ConfidenceThreshold: &s.Speech.ConfidenceThreshold,
	})
	cfg.Speech.SampleRate = s.Audio.SampleRate
	return cfg
}

func (s *Settings) ExportOptions() transcript.Options {
	return transcript.Options{
		Timestamps: s.Export.Timestamps,
		Speakers:   s.Export.Speakers,
		Confidence: s.Export.Confidence,
	}
}
