package dom

import "testing"

func TestTouchesTag(t *testing.T) {
	video := NewFakeVideo(640, 480)
	wrapper := &FakeElement{Tag: "div", Descendants: []string{"video"}}
	plain := &FakeElement{Tag: "div"}

	tests := []struct {
		name string
		muts []Mutation
		want bool
	}{
		{"added video", []Mutation{{Kind: MutationChildList, Added: []Node{video}}}, true},
		{"removed video", []Mutation{{Kind: MutationChildList, Removed: []Node{video}}}, true},
		{"wrapper with video", []Mutation{{Kind: MutationChildList, Added: []Node{wrapper}}}, true},
		{"plain div", []Mutation{{Kind: MutationChildList, Added: []Node{plain}}}, false},
		{"attribute change", []Mutation{{Kind: MutationAttributes, Added: []Node{video}}}, false},
		{"none", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TouchesTag(tt.muts, "video"); got != tt.want {
				t.Errorf("TouchesTag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasLiveAudio(t *testing.T) {
	if !HasLiveAudio(NewFakeStream("s", true)) {
		t.Error("enabled audio track should count")
	}
	if HasLiveAudio(NewFakeStream("s", false)) {
		t.Error("disabled audio track should not count")
	}
	if HasLiveAudio(NewFakeStream("s")) {
		t.Error("video-only stream should not count")
	}
	ended := NewFakeStream("s", true)
	ended.TrackList[1].IsEnded = true
	if HasLiveAudio(ended) {
		t.Error("ended audio track should not count")
	}
	if HasLiveAudio(nil) {
		t.Error("nil stream should not count")
	}
}

func TestFakeDocumentQuery(t *testing.T) {
	doc := NewFakeDocument("meet.google.com")
	v := NewFakeVideo(640, 480)
	v.Selectors = []string{"[data-participant-id] video"}
	doc.Append(v)

	for _, sel := range []string{"video", "[data-participant-id] video"} {
		els, err := doc.QuerySelectorAll(sel)
		if err != nil {
			t.Fatalf("%s: %v", sel, err)
		}
		if len(els) != 1 || els[0] != Element(v) {
			t.Errorf("%s: got %v", sel, els)
		}
	}

	doc.FailSelector("div[")
	if _, err := doc.QuerySelectorAll("div["); err == nil {
		t.Error("expected error for failing selector")
	}

	doc.Remove(v)
	if v.Connected() {
		t.Error("removed element still connected")
	}
	els, _ := doc.QuerySelectorAll("video")
	if len(els) != 0 {
		t.Errorf("removed element still returned: %v", els)
	}
}

func TestFakeObserve(t *testing.T) {
	doc := NewFakeDocument("example.com")
	var got [][]Mutation
	cancel := doc.Observe(func(m []Mutation) { got = append(got, m) })

	v := NewFakeVideo(640, 480)
	doc.Append(v)
	cancel()
	doc.Remove(v)

	if len(got) != 1 {
		t.Fatalf("observer called %d times, want 1", len(got))
	}
	if !TouchesTag(got[0], "video") {
		t.Error("append mutation should touch video")
	}
}

func TestClosestMissingIsNil(t *testing.T) {
	v := NewFakeVideo(10, 10)
	el, err := v.Closest(".stage")
	if err != nil || el != nil {
		t.Errorf("Closest() = %v, %v; want nil, nil", el, err)
	}
}
