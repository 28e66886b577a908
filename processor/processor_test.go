package processor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"vidscribe/audio"
	"vidscribe/dom"
	"vidscribe/log"
	"vidscribe/speech"
	"vidscribe/transcript"
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

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
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

type harness struct {
	doc    *dom.FakeDocument
	audio  *audio.FakeEngine
	speech *speech.FakeEngine
	mock   *clock.Mock
	p      *Processor
	events *eventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		doc:    dom.NewFakeDocument("meet.google.com"),
		audio:  audio.NewFakeEngine(16000),
		speech: speech.NewFakeEngine(),
		mock:   clock.NewMock(),
		events: &eventLog{},
	}
	h.p = New(Host{Document: h.doc, Audio: audio.Host{Engine: h.audio}, Speech: h.speech}, cfg, h.mock, log.Nop())
	h.p.Subscribe(h.events.record)
	t.Cleanup(h.p.Destroy)
	return h
}

// addVideo attaches a playing 640x480 video with a live stream and runs a
// scan.
func (h *harness) addVideo(id string, x float64, audioEnabled bool) *dom.FakeElement {
	el := dom.NewFakeVideo(640, 480)
	el.Box.X = x
	el.Stream = dom.NewFakeStream(id, audioEnabled)
	h.doc.Append(el)
	h.p.Detector().Scan()
	return el
}

func TestScenarioStreamToTranscript(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	h.addVideo("s1", 0, true)

	detected := h.events.of(EventVideoDetected)
	if len(detected) != 1 || !detected[0].Video.HasAudio {
		t.Fatalf("detected = %+v", detected)
	}
	started := h.events.of(EventAudioStarted)
	if len(started) != 1 {
		t.Fatalf("audio started = %d", len(started))
	}
	info, _ := h.p.Extractor().Source(started[0].SourceID)
	if info.Method != audio.MethodMediaStream {
		t.Errorf("method = %s", info.Method)
	}
	if !h.p.Session().Listening() {
		t.Fatal("no recognition session")
	}

	h.speech.Last().Final("hello team", 0.9)
	got := h.p.Transcripts("")
	if len(got) != 1 || got[0].Text != "hello team" {
		t.Fatalf("transcripts = %+v", got)
	}
	if len(h.events.of(EventTranscription)) != 1 {
		t.Error("no transcription event")
	}
	st := h.p.Stats()
	if st.TotalTranscriptions != 1 || st.SuccessfulTranscriptions != 1 || st.ActiveSessions != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScenarioDisabledTrackNeverExtracted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, false)

	detected := h.events.of(EventVideoDetected)
	if len(detected) != 1 || detected[0].Video.Metadata.HasAudioTrack {
		t.Fatalf("detected = %+v", detected)
	}
	if h.audio.Created() != 0 {
		t.Errorf("extraction attempted: %d nodes", h.audio.Created())
	}
	if st := h.p.Stats(); st.AudioStreamsActive != 0 {
		t.Errorf("audio streams = %d", st.AudioStreamsActive)
	}
}

func TestScenarioLowConfidenceDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)

	h.speech.Last().Final("mumble", 0.4)
	if len(h.p.Transcripts("")) != 0 {
		t.Fatal("low-confidence final stored")
	}
	st := h.p.Stats()
	if st.TotalTranscriptions != 0 || st.SuccessfulTranscriptions != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScenarioNoSpeechRestart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)
	first := h.p.Session().ID()

	h.speech.Last().Interim("half a thou")
	h.speech.Last().Fail(speech.CodeNoSpeech)
	h.mock.Add(100 * time.Millisecond)
	waitFor(t, func() bool { return h.speech.Count() == 2 && h.p.Session().Listening() })

	second := h.p.Session().ID()
	if second == first {
		t.Fatal("session id unchanged")
	}
	if len(h.p.Transcripts("")) != 0 {
		t.Error("interim became a transcript")
	}
	if len(h.events.of(EventError)) != 0 {
		t.Error("no-speech surfaced")
	}

	h.speech.Last().Final("back again", 0.8)
	if got := h.p.Transcripts(second); len(got) != 1 {
		t.Errorf("new session transcripts = %d", len(got))
	}
}

func TestTerminalErrorWaitsForStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("a", 0, true)
	if h.speech.Count() != 1 {
		t.Fatalf("recognizers = %d", h.speech.Count())
	}

	h.speech.Last().Fail(speech.CodeNotAllowed)
	waitFor(t, func() bool { return !h.p.Session().Listening() })

	h.addVideo("b", 700, true)
	h.mock.Add(5 * time.Second)
	if got := h.speech.Count(); got != 1 {
		t.Fatalf("new video restarted recognition: recognizers = %d", got)
	}
	if h.p.Session().Listening() {
		t.Fatal("session listening after a terminal error")
	}
	if got := h.p.Stats().AudioStreamsActive; got != 2 {
		t.Errorf("audio streams = %d, want 2", got)
	}

	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.speech.Count() == 2 && h.p.Session().Listening() })
}

func TestTerminalErrorClearedByToggle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("a", 0, true)
	h.speech.Last().Fail(speech.CodeAudioCapture)
	waitFor(t, func() bool { return !h.p.Session().Listening() })

	if on, err := h.p.Toggle(); on || err != nil {
		t.Fatalf("toggle off = %t, %v", on, err)
	}
	if on, err := h.p.Toggle(); !on || err != nil {
		t.Fatalf("toggle on = %t, %v", on, err)
	}
	waitFor(t, func() bool { return h.speech.Count() == 2 && h.p.Session().Listening() })
}

func TestScenarioStopReleasesAllSources(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("a", 0, true)
	h.addVideo("b", 700, true)
	h.addVideo("c", 1400, true)

	if st := h.p.Stats(); st.AudioStreamsActive != 3 {
		t.Fatalf("audio streams = %d, want 3", st.AudioStreamsActive)
	}
	if err := h.p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.audio.Live() != 0 {
		t.Errorf("%d nodes still connected", h.audio.Live())
	}
	st := h.p.Stats()
	if st.AudioStreamsActive != 0 || st.Active || st.ActiveSessions != 0 {
		t.Errorf("stats = %+v", st)
	}
	if h.p.Extractor().ActiveCount() != 0 {
		t.Error("extractor still holds sources")
	}
}

func TestRemovalTearsDownOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	el := h.addVideo("s1", 0, true)

	var ended int
	var mu sync.Mutex
	h.p.Extractor().Subscribe(func(ev audio.Event) {
		if ev.Kind == audio.EventEnded {
			mu.Lock()
			ended++
			mu.Unlock()
		}
	})

	h.doc.Remove(el)
	h.p.Detector().Scan()
	h.p.Detector().Scan()

	if n := len(h.events.of(EventVideoRemoved)); n != 1 {
		t.Errorf("removed events = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if ended != 1 {
		t.Errorf("source torn down %d times", ended)
	}
	if h.p.Stats().AudioStreamsActive != 0 {
		t.Error("mapping kept")
	}
}

func TestStableVideoDetectedOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)
	h.p.Detector().Scan()
	h.p.Detector().Scan()

	if n := len(h.events.of(EventVideoDetected)); n != 1 {
		t.Errorf("detected events = %d", n)
	}
	if n := len(h.events.of(EventAudioStarted)); n != 1 {
		t.Errorf("audio started = %d", n)
	}
}

func TestExtractionFallback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.audio.StreamErr = errors.New("stream source rejected")
	h.p.Start()
	h.addVideo("s1", 0, true)

	started := h.events.of(EventAudioStarted)
	if len(started) != 1 || started[0].SourceID == "" {
		t.Fatalf("audio started = %+v", started)
	}
	info, _ := h.p.Extractor().Source(started[0].SourceID)
	if info.Method != audio.MethodElement {
		t.Errorf("method = %s", info.Method)
	}
	if h.audio.Live() != 2 {
		t.Errorf("live nodes = %d, want 2", h.audio.Live())
	}
}

func TestExtractionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.audio.StreamErr = errors.New("no")
	h.audio.ElementErr = errors.New("no")
	h.p.Start()
	h.addVideo("s1", 0, true)

	errs := h.events.of(EventError)
	if len(errs) != 1 || errs[0].Context != "extraction" {
		t.Fatalf("errors = %+v", errs)
	}
	if !h.p.Recording() {
		t.Error("processor stopped after an extraction failure")
	}
}

func TestChunksReachListeningSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)

	proc := h.audio.Processors()[0]
	buf := audio.Buffer{Channels: [][]float32{make([]float32, 160)}, SampleRate: 16000}
	proc.Emit(buf)
	rec := h.speech.Last()
	if rec.Fed() != 1 {
		t.Fatalf("fed = %d", rec.Fed())
	}

	h.p.Session().Stop()
	proc.Emit(buf)
	if rec.Fed() != 1 {
		t.Error("chunk delivered with no listening session")
	}
}

func TestVideosDetectedBeforeStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addVideo("s1", 0, true)
	if h.audio.Created() != 0 {
		t.Fatal("extracted while stopped")
	}
	if h.p.Stats().VideosDetected != 1 {
		t.Error("detection not counted while stopped")
	}

	h.p.Start()
	if n := len(h.events.of(EventAudioStarted)); n != 1 {
		t.Errorf("existing video not extracted on Start: %d", n)
	}
}

func TestRealTimeOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RealTime = false
	h := newHarness(t, cfg)
	h.p.Start()
	h.addVideo("s1", 0, true)
	if h.speech.Count() != 0 {
		t.Error("session started with real-time off")
	}
	if h.p.Stats().AudioStreamsActive != 1 {
		t.Error("source not extracted")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if err := h.p.Stop(); err != nil {
		t.Fatal(err)
	}
	h.p.Start()
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	h.addVideo("s1", 0, true)
	if err := h.p.Stop(); err != nil {
		t.Fatal(err)
	}
	before := h.p.Stats()
	if err := h.p.Stop(); err != nil {
		t.Fatal(err)
	}
	if after := h.p.Stats(); after != before {
		t.Errorf("second Stop changed stats: %+v -> %+v", before, after)
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	on, err := h.p.Toggle()
	if err != nil || !on {
		t.Fatalf("Toggle = %v, %v", on, err)
	}
	on, err = h.p.Toggle()
	if err != nil || on {
		t.Fatalf("Toggle = %v, %v", on, err)
	}
}

func TestMissingEngineFailsClosed(t *testing.T) {
	doc := dom.NewFakeDocument("example.com")
	p := New(Host{Document: doc, Audio: audio.Host{Engine: audio.NewFakeEngine(16000)}}, DefaultConfig(), clock.NewMock(), log.Nop())
	defer p.Destroy()

	if err := p.Start(); !errors.Is(err, speech.ErrEngineUnavailable) {
		t.Fatalf("Start = %v", err)
	}
	if p.Status().IsInitialized || p.Recording() {
		t.Errorf("status = %+v", p.Status())
	}
	if err := p.Start(); !errors.Is(err, speech.ErrEngineUnavailable) {
		t.Errorf("second Start = %v", err)
	}
}

func TestTranscriptOrdering(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)
	first := h.p.Session().ID()

	for _, text := range []string{"one", "two", "three"} {
		h.speech.Last().Final(text, 0.9)
		h.mock.Add(time.Second)
	}

	h.speech.Last().End()
	h.mock.Add(100 * time.Millisecond)
	waitFor(t, func() bool { return h.speech.Count() == 2 && h.p.Session().Listening() })
	h.speech.Last().Final("four", 0.9)

	one := h.p.Transcripts(first)
	if len(one) != 3 {
		t.Fatalf("session transcripts = %d", len(one))
	}
	for i := 1; i < len(one); i++ {
		if one[i].Timestamp.Before(one[i-1].Timestamp) {
			t.Errorf("entry %d out of order", i)
		}
	}

	all := h.p.Transcripts("")
	var texts []string
	for _, r := range all {
		texts = append(texts, r.Text)
	}
	if got := strings.Join(texts, ","); got != "one,two,three,four" {
		t.Errorf("merged = %s", got)
	}
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("a", 0, true)

	threshold := 0.95
	elementOnly := audio.Patch{Methods: []audio.Method{audio.MethodElement}}
	if err := h.p.UpdateConfig(Patch{Audio: &elementOnly, Speech: speech.Patch{ConfidenceThreshold: &threshold}}); err != nil {
		t.Fatal(err)
	}

	h.speech.Last().Final("fairly sure", 0.9)
	if len(h.p.Transcripts("")) != 0 {
		t.Error("threshold not hot-swapped")
	}

	first := h.events.of(EventAudioStarted)[0].SourceID
	if info, _ := h.p.Extractor().Source(first); info.Method != audio.MethodMediaStream {
		t.Error("live source reconfigured")
	}
	h.addVideo("b", 700, true)
	started := h.events.of(EventAudioStarted)
	if info, _ := h.p.Extractor().Source(started[1].SourceID); info.Method != audio.MethodElement {
		t.Errorf("next extraction used %s", info.Method)
	}
	if got := h.p.Config().Speech.ConfidenceThreshold; got != 0.95 {
		t.Errorf("stored threshold = %v", got)
	}
}

func TestPartialAudioPatchMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.Methods = []audio.Method{audio.MethodElement}
	cfg.Audio.BufferSize = 2048
	h := newHarness(t, cfg)

	on := true
	if err := h.p.UpdateConfig(Patch{Audio: &audio.Patch{NoiseReduction: &on}}); err != nil {
		t.Fatal(err)
	}

	for name, got := range map[string]audio.Config{
		"processor": h.p.Config().Audio,
		"extractor": h.p.Extractor().Config(),
	} {
		if len(got.Methods) != 1 || got.Methods[0] != audio.MethodElement {
			t.Errorf("%s methods = %v", name, got.Methods)
		}
		if got.BufferSize != 2048 || !got.NoiseReduction || got.Quality.SampleRate != 16000 {
			t.Errorf("%s config = %+v", name, got)
		}
	}

	h.p.Start()
	h.addVideo("a", 0, true)
	started := h.events.of(EventAudioStarted)
	if len(started) != 1 {
		t.Fatalf("audio started = %d", len(started))
	}
	if info, _ := h.p.Extractor().Source(started[0].SourceID); info.Method != audio.MethodElement {
		t.Errorf("extraction used %s", info.Method)
	}
}

func TestStatusExportClear(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)
	h.speech.Last().Final("hello team", 0.9)

	st := h.p.Status()
	if !st.IsInitialized || !st.IsRecording || st.TranscriptCount != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.AudioQuality.SampleRate != 16000 {
		t.Errorf("quality = %+v", st.AudioQuality)
	}

	text := h.p.Export(transcript.Options{Confidence: true})
	if text != "hello team (90%)" {
		t.Errorf("export = %q", text)
	}

	h.p.Clear()
	if h.p.Status().TranscriptCount != 0 {
		t.Error("Clear kept transcripts")
	}
}

func TestDetectorInitErrorSurfaced(t *testing.T) {
	doc := dom.NewFakeDocument("example.com")
	doc.SetReady(false)
	mock := clock.NewMock()
	events := &eventLog{}
	p := New(Host{Document: doc, Audio: audio.Host{Engine: audio.NewFakeEngine(16000)}, Speech: speech.NewFakeEngine()}, DefaultConfig(), mock, log.Nop())
	defer p.Destroy()
	p.Subscribe(events.record)

	for i := 0; i < 10 && len(events.of(EventError)) == 0; i++ {
		mock.Add(5 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return len(events.of(EventError)) == 1 })
	if ev := events.of(EventError)[0]; ev.Context != "detector" {
		t.Errorf("context = %q", ev.Context)
	}
}

func TestDestroy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.p.Start()
	h.addVideo("s1", 0, true)

	h.p.Destroy()
	h.p.Destroy()
	if h.audio.Live() != 0 || !h.audio.Closed() {
		t.Error("audio not torn down")
	}
	if err := h.p.Start(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start after Destroy = %v", err)
	}
	if h.p.Status().IsInitialized {
		t.Error("initialized after Destroy")
	}
}
