package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"vidscribe/audio"
	"vidscribe/dom"
	"vidscribe/processor"
	"vidscribe/speech"
)

// Scenario describes a simulated page: its host and the videos on it.
type Scenario struct {
	Host       string      `toml:"host"`
	SampleRate int         `toml:"sample_rate"`
	Capture    bool        `toml:"capture"`
	Permission bool        `toml:"permission"`
	Videos     []VideoSpec `toml:"video"`
}

type VideoSpec struct {
	ID          string   `toml:"id"`
	Src         string   `toml:"src"`
	Stream      string   `toml:"stream"`
	Audio       *bool    `toml:"audio"`
	Width       int      `toml:"width"`
	Height      int      `toml:"height"`
	X           float64  `toml:"x"`
	Y           float64  `toml:"y"`
	Paused      bool     `toml:"paused"`
	Duration    float64  `toml:"duration"`
	Hidden      bool     `toml:"hidden"`
	CrossOrigin bool     `toml:"cross_origin"`
	Deferred    bool     `toml:"deferred"`
	Selectors   []string `toml:"selectors"`

	Attrs map[string]string `toml:"attrs"`
	// Containers maps an ancestor selector to that ancestor's attributes.
	Containers map[string]map[string]string `toml:"containers"`
}

func LoadScenario(path string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.DecodeFile(path, &sc); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, sc.validate()
}

func ParseScenario(data string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.Decode(data, &sc); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return &sc, sc.validate()
}

func (sc *Scenario) validate() error {
	if sc.Host == "" {
		sc.Host = "localhost"
	}
	if sc.SampleRate == 0 {
		sc.SampleRate = 16000
	}
	seen := make(map[string]bool)
	for i := range sc.Videos {
		v := &sc.Videos[i]
		if v.ID == "" {
			return fmt.Errorf("video %d has no id", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate video id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Width == 0 {
			v.Width = 640
		}
		if v.Height == 0 {
			v.Height = 360
		}
	}
	return nil
}

// simulation is the fake page and capabilities built from a scenario.
type simulation struct {
	doc      *dom.FakeDocument
	audio    *audio.FakeEngine
	capturer *audio.FakeCapturer
	perms    audio.FakePermissions
	speech   *speech.FakeEngine

	videos   map[string]*dom.FakeElement
	deferred map[string]bool
}

func (sc *Scenario) Build() *simulation {
	sim := &simulation{
		doc:      dom.NewFakeDocument(sc.Host),
		audio:    audio.NewFakeEngine(sc.SampleRate),
		perms:    audio.FakePermissions{Allow: sc.Permission},
		videos:   make(map[string]*dom.FakeElement),
		deferred: make(map[string]bool),
	}
	if sc.Capture {
		sim.capturer = &audio.FakeCapturer{Stream: dom.NewFakeStream("tab-capture", true)}
	}
	for _, v := range sc.Videos {
		el := v.element()
		sim.videos[v.ID] = el
		if v.Deferred {
			sim.deferred[v.ID] = true
			continue
		}
		sim.doc.Append(el)
	}
	return sim
}

func (v VideoSpec) element() *dom.FakeElement {
	el := dom.NewFakeVideo(v.Width, v.Height)
	el.Box.X, el.Box.Y = v.X, v.Y
	el.SrcURL = v.Src
	el.IsPaused = v.Paused
	el.IsVisible = !v.Hidden
	el.CrossOrigin = v.CrossOrigin
	el.Selectors = v.Selectors
	el.Attrs = v.Attrs
	if v.Duration > 0 {
		el.Dur = v.Duration
	}

	hasAudio := v.Audio == nil || *v.Audio
	if v.Stream != "" {
		el.Stream = dom.NewFakeStream(v.Stream, hasAudio)
	} else {
		el.HasAudio = hasAudio
	}

	if len(v.Containers) > 0 {
		el.Ancestors = make(map[string]*dom.FakeElement, len(v.Containers))
		for sel, attrs := range v.Containers {
			el.Ancestors[sel] = &dom.FakeElement{Tag: "div", Attrs: attrs}
		}
	}
	return el
}

func (s *simulation) Host(engine speech.Engine) processor.Host {
	h := processor.Host{
		Document: s.doc,
		Audio:    audio.Host{Engine: s.audio, Permissions: s.perms},
		Speech:   engine,
	}
	if s.capturer != nil {
		h.Audio.Capturer = s.capturer
	}
	return h
}

// attach adds a deferred video to the page.
func (s *simulation) attach(id string) error {
	el, ok := s.videos[id]
	if !ok {
		return fmt.Errorf("unknown video %q", id)
	}
	if !s.deferred[id] {
		return fmt.Errorf("video %q is already on the page", id)
	}
	delete(s.deferred, id)
	s.doc.Append(el)
	return nil
}

func (s *simulation) detach(id string) error {
	el, ok := s.videos[id]
	if !ok {
		return fmt.Errorf("unknown video %q", id)
	}
	if s.deferred[id] {
		return fmt.Errorf("video %q is not on the page", id)
	}
	s.deferred[id] = true
	s.doc.Remove(el)
	return nil
}

func (s *simulation) video(id string) (*dom.FakeElement, error) {
	el, ok := s.videos[id]
	if !ok {
		return nil, fmt.Errorf("unknown video %q", id)
	}
	return el, nil
}
