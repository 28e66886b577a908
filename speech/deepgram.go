package speech

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"vidscribe/audio"
	"vidscribe/log"
)

const deepgramURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams PCM16 to Deepgram's live endpoint.
type Deepgram struct {
	apiKey   string
	model    string
	endpoint string
	log      log.Logger
}

func NewDeepgram(apiKey, model string, logger log.Logger) *Deepgram {
	if model == "" {
		model = "nova-3"
	}
	return &Deepgram{apiKey: apiKey, model: model, endpoint: deepgramURL, log: logger.Component("deepgram")}
}

// WithEndpoint points the engine at another listen URL.
func (d *Deepgram) WithEndpoint(u string) *Deepgram {
	d.endpoint = u
	return d
}

func (d *Deepgram) NewRecognizer(emit func(EngineEvent)) (Recognizer, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: %w: missing api key", ErrEngineUnavailable)
	}
	return &deepgramRecognizer{d: d, emit: emit, audioCh: make(chan []byte, 128)}, nil
}

func (d *Deepgram) listenURL(s Settings) (string, error) {
	endpoint, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	q := endpoint.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	if s.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprintf("%d", s.SampleRate))
	}
	if s.Language != "" {
		q.Set("language", s.Language)
	}
	q.Set("interim_results", fmt.Sprintf("%t", s.InterimResults))
	if s.MaxAlternatives > 1 {
		q.Set("alternatives", fmt.Sprintf("%d", s.MaxAlternatives))
	}
	q.Set("punctuate", "true")
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

type deepgramRecognizer struct {
	d       *Deepgram
	emit    func(EngineEvent)
	audioCh chan []byte

	mu       sync.Mutex
	settings Settings
	conn     *websocket.Conn
	cancel   context.CancelFunc
	started  bool
	closing  bool

	// sendClosed is set when audioCh is closed; both only change under mu.
	sendClosed bool
	endOnce    sync.Once
}

// Apply records settings. Deepgram fixes them per connection, so changes
// reach the service on the next Start.
func (r *deepgramRecognizer) Apply(s Settings) error {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	return nil
}

func (r *deepgramRecognizer) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	settings := r.settings
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	u, err := r.d.listenURL(settings)
	if err != nil {
		return err
	}

	go func() {
		headers := http.Header{}
		headers.Set("Authorization", "Token "+r.d.apiKey)
		conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: headers})
		if err != nil {
			r.fail(CodeNetwork, err)
			return
		}
		r.mu.Lock()
		if r.closing {
			r.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			r.end()
			return
		}
		r.conn = conn
		r.mu.Unlock()

		r.emit(EngineEvent{Kind: EngineStart})
		go r.runSender(ctx, conn)
		go r.runReceiver(ctx, conn)
	}()
	return nil
}

func (r *deepgramRecognizer) Feed(c audio.Chunk) {
	r.mu.Lock()
	rate := r.settings.SampleRate
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return
	}
	pcm := EncodePCM16(Resample(c.Samples, c.SampleRate, rate))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendClosed {
		return
	}
	select {
	case r.audioCh <- pcm:
	default:
		r.d.log.Debugf("audio backlog full; dropped %d bytes", len(pcm))
	}
}

func (r *deepgramRecognizer) runSender(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-r.audioCh:
			if !ok {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
					r.d.log.Debugf("close stream: %v", err)
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
				r.fail(CodeNetwork, err)
				return
			}
		}
	}
}

func (r *deepgramRecognizer) runReceiver(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.mu.Unlock()
			if closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.shutdown()
				r.end()
				return
			}
			r.fail(CodeNetwork, err)
			return
		}
		ev, ok, err := ParseDeepgram(data)
		if err != nil {
			r.d.log.Debugf("unparseable message: %v", err)
			continue
		}
		if ok {
			r.emit(ev)
		}
	}
}

func (r *deepgramRecognizer) fail(code ErrorCode, err error) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		r.end()
		return
	}
	r.emit(EngineEvent{Kind: EngineError, Code: code, Message: err.Error()})
	r.shutdown()
	r.end()
}

func (r *deepgramRecognizer) end() {
	r.endOnce.Do(func() { r.emit(EngineEvent{Kind: EngineEnd}) })
}

// Stop flushes queued audio and asks the service to close the stream.
func (r *deepgramRecognizer) Stop() {
	r.mu.Lock()
	r.closing = true
	if !r.sendClosed {
		r.sendClosed = true
		close(r.audioCh)
	}
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		r.shutdown()
		r.end()
	}
}

func (r *deepgramRecognizer) Abort() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.shutdown()
	r.end()
}

func (r *deepgramRecognizer) shutdown() {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancel
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
}

type deepgramMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// ParseDeepgram turns one live-API message into a result event. Messages
// other than non-empty results are reported as not ok.
func ParseDeepgram(data []byte) (EngineEvent, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return EngineEvent{}, false, err
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return EngineEvent{}, false, nil
	}
	raw := RawResult{Final: msg.IsFinal || msg.SpeechFinal || msg.FromFinalize}
	for _, alt := range msg.Channel.Alternatives {
		raw.Alternatives = append(raw.Alternatives, Alternative{
			Transcript: strings.TrimSpace(alt.Transcript),
			Confidence: alt.Confidence,
		})
	}
	if raw.Alternatives[0].Transcript == "" {
		return EngineEvent{}, false, nil
	}
	return EngineEvent{Kind: EngineResult, Results: []RawResult{raw}}, true, nil
}

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// EncodePCM16 clips samples to [-1, 1] and encodes them little-endian.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
