// Package dom describes the slice of a host web page the capture pipeline
// consumes: element lookup, geometry, playback state, media streams and
// structural mutation notifications.
//
// Implementations must return pointer-backed Elements so that the same page
// element compares equal across queries.
package dom

import "strings"

type Rect struct {
	X, Y          float64
	Width, Height float64
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackSettings mirrors what a live track reports about its format. Zero
// values mean the host did not report the field.
type TrackSettings struct {
	SampleRate   int
	ChannelCount int
	SampleSize   int
}

type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	Live() bool
	Settings() TrackSettings
	Stop()
}

type Stream interface {
	ID() string
	Active() bool
	Tracks() []Track
}

// AudioTracks returns the stream's audio tracks.
func AudioTracks(s Stream) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == TrackAudio {
			out = append(out, t)
		}
	}
	return out
}

// HasLiveAudio reports whether s carries at least one enabled, live audio track.
func HasLiveAudio(s Stream) bool {
	for _, t := range AudioTracks(s) {
		if t.Enabled() && t.Live() {
			return true
		}
	}
	return false
}

// Node is anything a structural mutation can add or remove.
type Node interface {
	TagName() string
	// HasDescendant reports whether a descendant element has the given tag.
	HasDescendant(tag string) bool
}

type Element interface {
	Node

	// Src is the current media URL, possibly a blob: reference. Empty when
	// playback comes from SrcObject.
	Src() string
	SrcObject() Stream
	Rect() Rect
	VideoWidth() int
	VideoHeight() int
	// Duration in seconds; +Inf for live sources, NaN when unknown.
	Duration() float64
	Volume() float64
	Muted() bool
	Paused() bool
	Ended() bool
	Visible() bool
	// DecodesAudio is the host's best guess that an element without a
	// SrcObject is producing audio.
	DecodesAudio() bool
	SameOrigin() bool
	Connected() bool
	Attr(name string) string
	Closest(selector string) (Element, error)
}

type MutationKind string

const (
	MutationChildList  MutationKind = "childList"
	MutationAttributes MutationKind = "attributes"
)

type Mutation struct {
	Kind    MutationKind
	Added   []Node
	Removed []Node
}

type Document interface {
	Hostname() string
	// Ready is false until the page can be queried.
	Ready() bool
	// QuerySelectorAll fails for malformed selectors.
	QuerySelectorAll(selector string) ([]Element, error)
	// Observe registers fn for subtree mutations and returns a cancel func.
	Observe(fn func([]Mutation)) (cancel func())
}

// TouchesTag reports whether any childList mutation adds or removes an
// element with the given tag, directly or as a descendant.
func TouchesTag(muts []Mutation, tag string) bool {
	tag = strings.ToLower(tag)
	touches := func(nodes []Node) bool {
		for _, n := range nodes {
			if n == nil {
				continue
			}
			if strings.ToLower(n.TagName()) == tag || n.HasDescendant(tag) {
				return true
			}
		}
		return false
	}
	for _, m := range muts {
		if m.Kind != MutationChildList {
			continue
		}
		if touches(m.Added) || touches(m.Removed) {
			return true
		}
	}
	return false
}
