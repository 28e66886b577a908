package detector

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"vidscribe/dom"
	"vidscribe/log"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func newDetector(t *testing.T, host string) (*Detector, *dom.FakeDocument, *clock.Mock, *eventLog) {
	t.Helper()
	doc := dom.NewFakeDocument(host)
	mock := clock.NewMock()
	d := New(doc, DefaultConfig(), mock, log.Nop())
	events := &eventLog{}
	d.Subscribe(events.record)
	t.Cleanup(d.Stop)
	return d, doc, mock, events
}

func audioVideo(id string, w, h int) *dom.FakeElement {
	el := dom.NewFakeVideo(w, h)
	el.Stream = dom.NewFakeStream(id, true)
	return el
}

func TestDetectsQualifyingVideoOnStart(t *testing.T) {
	d, doc, _, events := newDetector(t, "example.com")
	doc.Append(audioVideo("s1", 640, 480))

	d.Start()

	vids := d.Videos()
	if len(vids) != 1 {
		t.Fatalf("videos = %d, want 1", len(vids))
	}
	v := vids[0]
	if !v.HasAudio || !v.IsMain {
		t.Errorf("HasAudio=%v IsMain=%v, want both true", v.HasAudio, v.IsMain)
	}
	if v.Platform != "generic" {
		t.Errorf("platform = %q", v.Platform)
	}
	if events.count(EventDetected) != 1 {
		t.Errorf("detected events = %d", events.count(EventDetected))
	}
}

func TestQualification(t *testing.T) {
	tests := []struct {
		name string
		el   func() *dom.FakeElement
		want bool
	}{
		{"too small", func() *dom.FakeElement { return dom.NewFakeVideo(80, 80) }, false},
		{"hidden", func() *dom.FakeElement {
			el := dom.NewFakeVideo(200, 200)
			el.IsVisible = false
			return el
		}, false},
		{"paused short clip", func() *dom.FakeElement {
			el := dom.NewFakeVideo(200, 200)
			el.IsPaused = true
			el.Dur = 0.5
			return el
		}, false},
		{"paused long clip", func() *dom.FakeElement {
			el := dom.NewFakeVideo(200, 200)
			el.IsPaused = true
			el.Dur = 30
			return el
		}, true},
		{"playing", func() *dom.FakeElement { return dom.NewFakeVideo(100, 100) }, true},
		{"not a video", func() *dom.FakeElement {
			el := dom.NewFakeVideo(200, 200)
			el.Tag = "canvas"
			el.Selectors = []string{"video"}
			return el
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, doc, _, _ := newDetector(t, "example.com")
			doc.Append(tt.el())
			added, _ := d.Scan()
			if got := len(added) == 1; got != tt.want {
				t.Errorf("detected = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRescanDoesNotDuplicate(t *testing.T) {
	d, doc, _, events := newDetector(t, "example.com")
	doc.Append(audioVideo("s1", 640, 480))

	d.Scan()
	added, removed := d.Scan()
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("second scan: added=%d removed=%d", len(added), len(removed))
	}
	if events.count(EventDetected) != 1 {
		t.Errorf("detected events = %d, want 1", events.count(EventDetected))
	}
}

func TestIdentitySurvivesResolutionChange(t *testing.T) {
	d, doc, _, _ := newDetector(t, "example.com")
	el := audioVideo("s1", 640, 480)
	doc.Append(el)
	d.Scan()

	el.NativeWidth = 1280
	added, _ := d.Scan()
	if len(added) != 0 {
		t.Errorf("resolution change re-detected the element")
	}
}

func TestRemovedWhenDetached(t *testing.T) {
	d, doc, _, events := newDetector(t, "example.com")
	el := audioVideo("s1", 640, 480)
	doc.Append(el)
	added, _ := d.Scan()

	doc.Remove(el)
	_, removed := d.Scan()
	if len(removed) != 1 || removed[0] != added[0].ID {
		t.Fatalf("removed = %v, want [%s]", removed, added[0].ID)
	}
	ev, ok := events.last(EventRemoved)
	if !ok || ev.VideoID != added[0].ID {
		t.Errorf("removed event = %+v", ev)
	}
	if len(d.Videos()) != 0 {
		t.Errorf("live set not empty")
	}
}

func TestMutationTriggersDebouncedScan(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	d.Start()

	doc.Append(audioVideo("s1", 640, 480))
	if events.count(EventDetected) != 0 {
		t.Fatal("scan ran before debounce elapsed")
	}
	mock.Add(250 * time.Millisecond)
	waitFor(t, func() bool { return events.count(EventDetected) == 1 })
}

func TestAttributeMutationIgnored(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	d.Start()

	el := audioVideo("s1", 640, 480)
	el.Selectors = nil
	doc.Mutate(dom.Mutation{Kind: dom.MutationAttributes, Added: []dom.Node{el}})
	mock.Add(250 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if events.count(EventDetected) != 0 {
		t.Error("attribute mutation caused a scan")
	}
}

func TestIntervalScanCatchesMissedChanges(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	d.Start()

	el := audioVideo("s1", 640, 480)
	el.IsPaused = true
	el.Dur = 0.2
	doc.Append(el)
	mock.Add(250 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if events.count(EventDetected) != 0 {
		t.Fatal("paused short clip detected")
	}

	el.SetPaused(false)
	mock.Add(2 * time.Second)
	waitFor(t, func() bool { return events.count(EventDetected) == 1 })
}

func TestUpdatedOnSignificantChange(t *testing.T) {
	d, doc, _, events := newDetector(t, "example.com")
	el := audioVideo("s1", 640, 480)
	doc.Append(el)
	d.Scan()

	el.SetVolume(0.95)
	d.Scan()
	if events.count(EventUpdated) != 0 {
		t.Fatal("small volume change reported")
	}

	el.SetVolume(0.5)
	d.Scan()
	ev, ok := events.last(EventUpdated)
	if !ok {
		t.Fatal("no update for volume drop")
	}
	if ev.Video.Metadata.Volume != 0.5 {
		t.Errorf("volume = %v", ev.Video.Metadata.Volume)
	}
}

func TestAudioTrackDisabled(t *testing.T) {
	d, doc, _, _ := newDetector(t, "example.com")
	el := dom.NewFakeVideo(640, 480)
	el.Stream = dom.NewFakeStream("s1", false)
	doc.Append(el)

	added, _ := d.Scan()
	if len(added) != 1 {
		t.Fatalf("added = %d", len(added))
	}
	if added[0].HasAudio {
		t.Error("disabled audio track counted as audio")
	}
}

func TestElementAudioWithoutStream(t *testing.T) {
	d, doc, _, _ := newDetector(t, "example.com")
	el := dom.NewFakeVideo(640, 480)
	el.SrcURL = "https://cdn.example.com/clip.mp4"
	el.HasAudio = true
	doc.Append(el)

	added, _ := d.Scan()
	if len(added) != 1 || !added[0].HasAudio {
		t.Fatalf("added = %+v", added)
	}
}

func TestInitRetriesThenFails(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	doc.SetReady(false)

	d.Start()
	for i := 0; i < 10 && events.count(EventError) == 0; i++ {
		mock.Add(5 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return events.count(EventError) == 1 })

	ev, _ := events.last(EventError)
	if !errors.Is(ev.Err, ErrInitFailed) {
		t.Errorf("err = %v, want ErrInitFailed", ev.Err)
	}

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if events.count(EventError) != 1 {
		t.Error("retried after giving up")
	}
}

func TestInitRetrySucceeds(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	doc.SetReady(false)
	doc.Append(audioVideo("s1", 640, 480))

	d.Start()
	if len(d.Videos()) != 0 {
		t.Fatal("scanned an unready document")
	}
	doc.SetReady(true)
	mock.Add(time.Second)
	waitFor(t, func() bool { return events.count(EventDetected) == 1 })
	if events.count(EventError) != 0 {
		t.Error("unexpected error event")
	}
}

func TestBadSelectorSkipped(t *testing.T) {
	d, doc, _, _ := newDetector(t, "meet.google.com")
	doc.FailSelector("[data-participant-id] video")
	doc.Append(audioVideo("s1", 640, 480))

	added, _ := d.Scan()
	if len(added) != 1 {
		t.Fatalf("added = %d, want 1", len(added))
	}
	if added[0].Platform != "google-meet" {
		t.Errorf("platform = %q", added[0].Platform)
	}
}

func TestParticipantAndStage(t *testing.T) {
	d, doc, _, _ := newDetector(t, "meet.google.com")
	tile := &dom.FakeElement{Tag: "div", Attrs: map[string]string{"data-participant-id": "p-42"}}
	stage := &dom.FakeElement{Tag: "div"}

	el := audioVideo("s1", 200, 150)
	el.Ancestors = map[string]*dom.FakeElement{
		"[data-participant-id]":     tile,
		"[data-layout='spotlight']": stage,
	}
	doc.Append(el)

	small := audioVideo("s2", 200, 150)
	small.Box.X = 300
	doc.Append(small)

	added, _ := d.Scan()
	if len(added) != 2 {
		t.Fatalf("added = %d", len(added))
	}
	if added[0].ParticipantID != "p-42" || !added[0].IsMain {
		t.Errorf("staged tile: participant=%q main=%v", added[0].ParticipantID, added[0].IsMain)
	}
	if added[1].ParticipantID != "" || added[1].IsMain {
		t.Errorf("plain tile: participant=%q main=%v", added[1].ParticipantID, added[1].IsMain)
	}
	if d.ClassifyMain(added[1]) {
		t.Error("ClassifyMain disagrees with scan")
	}
}

func TestMeetingState(t *testing.T) {
	d, doc, _, _ := newDetector(t, "meet.google.com")
	if st := d.MeetingState(); st != (MeetingState{}) {
		t.Fatalf("empty page state = %+v", st)
	}

	doc.Append(&dom.FakeElement{Tag: "div", Selectors: []string{"[jsname='CQylAd']"}})
	doc.Append(&dom.FakeElement{Tag: "div", Selectors: []string{"[data-participant-id]"}})
	doc.Append(&dom.FakeElement{Tag: "div", Selectors: []string{"[data-participant-id]"}})
	doc.FailSelector("[data-is-muted='true']")

	st := d.MeetingState()
	want := MeetingState{InMeeting: true, ParticipantCount: 2}
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}
}

func TestGenericMeetingStateFollowsVideos(t *testing.T) {
	d, doc, _, _ := newDetector(t, "example.com")
	if d.MeetingState().InMeeting {
		t.Fatal("in meeting with no videos")
	}
	doc.Append(audioVideo("s1", 640, 480))
	d.Scan()
	if !d.MeetingState().InMeeting {
		t.Error("not in meeting with a live video")
	}
}

func TestStop(t *testing.T) {
	d, doc, mock, events := newDetector(t, "example.com")
	doc.Append(audioVideo("s1", 640, 480))
	d.Start()
	d.Stop()
	d.Stop()

	if len(d.Videos()) != 0 {
		t.Error("live set kept after Stop")
	}
	doc.Append(audioVideo("s2", 320, 240))
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if added, _ := d.Scan(); len(added) != 0 {
		t.Error("Scan worked after Stop")
	}
	if events.count(EventRemoved) != 0 {
		t.Error("Stop published removals")
	}
}

func TestIdentityDeterministic(t *testing.T) {
	a := audioVideo("s1", 640, 480)
	b := audioVideo("s1", 640, 480)
	if Identity(a) != Identity(b) {
		t.Error("same inputs gave different ids")
	}
	b.Box.X = 10
	if Identity(a) == Identity(b) {
		t.Error("different position gave the same id")
	}
}
