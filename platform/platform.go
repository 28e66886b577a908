// Package platform holds the static selector bundles for supported meeting
// sites and picks the one governing a page.
package platform

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

const Generic = "generic"

type Indicators struct {
	InMeeting    []string `toml:"in_meeting"`
	Participants []string `toml:"participants"`
	Muted        []string `toml:"muted"`
}

type Profile struct {
	Name                  string     `toml:"name"`
	Domains               []string   `toml:"domains"`
	VideoSelectors        []string   `toml:"video_selectors"`
	ContainerSelectors    []string   `toml:"container_selectors"`
	StageSelectors        []string   `toml:"stage_selectors"`
	ParticipantAttributes []string   `toml:"participant_attributes"`
	Indicators            Indicators `toml:"indicators"`
}

//go:embed profiles.toml
var profilesTOML string

var (
	loadOnce sync.Once
	profiles []Profile
	loadErr  error
)

func load() {
	var file struct {
		Profile []Profile `toml:"profile"`
	}
	if _, err := toml.Decode(profilesTOML, &file); err != nil {
		loadErr = fmt.Errorf("decoding profiles: %w", err)
		return
	}
	profiles = file.Profile
	if _, ok := find(Generic); !ok {
		loadErr = fmt.Errorf("profiles: missing %q profile", Generic)
	}
}

func find(name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// All returns every known profile, generic last.
func All() []Profile {
	loadOnce.Do(load)
	return slices.Clone(profiles)
}

func Lookup(name string) (Profile, bool) {
	loadOnce.Do(load)
	return find(name)
}

func fallback() Profile {
	if p, ok := find(Generic); ok {
		return p
	}
	return Profile{Name: Generic, VideoSelectors: []string{"video"}}
}

// Select returns the profile whose domain is the longest suffix match for
// hostname. It falls back to the generic profile when nothing matches, or
// when enabled is non-empty and does not list the match.
func Select(hostname string, enabled []string) Profile {
	loadOnce.Do(load)
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")

	var best Profile
	bestLen := 0
	for _, p := range profiles {
		for _, d := range p.Domains {
			d = strings.ToLower(d)
			if host != d && !strings.HasSuffix(host, "."+d) {
				continue
			}
			if len(d) > bestLen {
				best, bestLen = p, len(d)
			}
		}
	}
	if bestLen == 0 {
		return fallback()
	}
	if len(enabled) > 0 && !slices.Contains(enabled, best.Name) {
		return fallback()
	}
	return best
}

// Err reports a problem decoding the embedded profiles. Select keeps working
// with a minimal generic profile when it is non-nil.
func Err() error {
	loadOnce.Do(load)
	return loadErr
}
