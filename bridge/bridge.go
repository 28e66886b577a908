// Package bridge is the message boundary between the capture pipeline and
// its controls. Requests are small JSON messages naming a verb; replies and
// pushed pipeline events travel back over the same websocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidscribe/log"
	"vidscribe/processor"
	"vidscribe/transcript"
)

const (
	TypeToggle    = "toggle"
	TypeShowUI    = "show-ui"
	TypeExport    = "export"
	TypeClear     = "clear"
	TypeGetStatus = "get-status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrUIUnavailable = errors.New("no ui attached")
	ErrNothingToCopy = errors.New("no transcripts to export")
)

type Message struct {
	Type string `json:"type"`
}

type Status struct {
	IsInitialized   bool   `json:"isInitialized"`
	IsRecording     bool   `json:"isRecording"`
	TranscriptCount int    `json:"transcriptCount"`
	SampleRate      int    `json:"sampleRate"`
	Channels        int    `json:"channels"`
	Platform        string `json:"platform"`
	VideosActive    int    `json:"videosActive"`
	AudioStreams    int    `json:"audioStreams"`
}

type Transcription struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	SessionID  string    `json:"sessionId"`
	SpeakerID  string    `json:"speakerId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Response answers one Message (ReplyTo set) or carries a pushed event
// (Event set).
type Response struct {
	ReplyTo       string         `json:"replyTo,omitempty"`
	Event         string         `json:"event,omitempty"`
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	Recording     bool           `json:"recording"`
	Text          string         `json:"text,omitempty"`
	Status        *Status        `json:"status,omitempty"`
	Transcription *Transcription `json:"transcription,omitempty"`
}

// Pipeline is the part of the processor the bridge drives.
type Pipeline interface {
	Toggle() (bool, error)
	Recording() bool
	Status() processor.Status
	Stats() processor.Stats
	Export(transcript.Options) string
	Clear()
	Subscribe(func(processor.Event)) func()
}

type Options struct {
	Export    transcript.Options
	Clipboard func(string) error
	ShowUI    func() error
}

type Bridge struct {
	p        Pipeline
	opts     Options
	log      log.Logger
	upgrader websocket.Upgrader
	unsub    func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func New(p Pipeline, opts Options, logger log.Logger) *Bridge {
	b := &Bridge{
		p:       p,
		opts:    opts,
		log:     logger.Component("bridge"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Only loopback peers reach the listener.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.unsub = p.Subscribe(b.onEvent)
	return b
}

// Handle answers one message without any transport.
func (b *Bridge) Handle(ctx context.Context, msg Message) Response {
	resp := Response{ReplyTo: msg.Type}
	if err := ctx.Err(); err != nil {
		return b.failed(resp, err)
	}

	switch msg.Type {
	case TypeToggle:
		on, err := b.p.Toggle()
		if err != nil {
			return b.failed(resp, err)
		}
		resp.Recording = on

	case TypeShowUI:
		if b.opts.ShowUI == nil {
			return b.failed(resp, ErrUIUnavailable)
		}
		if err := b.opts.ShowUI(); err != nil {
			return b.failed(resp, err)
		}

	case TypeExport:
		text := b.p.Export(b.opts.Export)
		if text == "" {
			return b.failed(resp, ErrNothingToCopy)
		}
		if b.opts.Clipboard != nil {
			if err := b.opts.Clipboard(text); err != nil {
				return b.failed(resp, err)
			}
		}
		resp.Text = text

	case TypeClear:
		b.p.Clear()

	case TypeGetStatus:
		st := b.status()
		resp.Status = &st

	default:
		return b.failed(resp, ErrUnknownType)
	}
	resp.OK = true
	if resp.ReplyTo != TypeToggle {
		resp.Recording = b.p.Recording()
	}
	return resp
}

func (b *Bridge) failed(resp Response, err error) Response {
	b.log.Warnf("%s failed: %v", resp.ReplyTo, err)
	resp.OK = false
	resp.Error = err.Error()
	resp.Recording = b.p.Recording()
	return resp
}

func (b *Bridge) status() Status {
	return toStatus(b.p.Status(), b.p.Stats())
}

func toStatus(st processor.Status, stats processor.Stats) Status {
	return Status{
		IsInitialized:   st.IsInitialized,
		IsRecording:     st.IsRecording,
		TranscriptCount: st.TranscriptCount,
		SampleRate:      st.AudioQuality.SampleRate,
		Channels:        st.AudioQuality.ChannelCount,
		Platform:        stats.Platform,
		VideosActive:    stats.VideosActive,
		AudioStreams:    stats.AudioStreamsActive,
	}
}

func (b *Bridge) onEvent(ev processor.Event) {
	var resp Response
	switch ev.Kind {
	case processor.EventStatusChange:
		st := toStatus(b.p.Status(), ev.Stats)
		resp = Response{Event: "status", OK: true, Recording: ev.Stats.Active, Status: &st}
	case processor.EventTranscription:
		r := ev.Result
		resp = Response{Event: "transcription", OK: true, Recording: true, Transcription: &Transcription{
			Text:       r.Text,
			Confidence: r.Confidence,
			SessionID:  r.SessionID,
			SpeakerID:  r.SpeakerID,
			Timestamp:  r.Timestamp,
		}}
	case processor.EventError:
		resp = Response{Event: "error", Error: ev.Context + ": " + ev.Err.Error()}
	default:
		return
	}
	b.broadcast(resp)
}

func (b *Bridge) broadcast(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.log.Err(err, "encode push")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.log.Debugf("client backlog full; dropping %s", resp.Event)
		}
	}
}

// Clients returns the number of connected websocket peers.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// peer disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Err(err, "websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.log.Debugf("client connected from %s", r.RemoteAddr)

	go b.writePump(c)
	b.readPump(r.Context(), c)
}

func (b *Bridge) drop(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Bridge) readPump(ctx context.Context, c *client) {
	defer func() {
		b.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warnf("websocket read: %v", err)
			}
			return
		}

		var msg Message
		var resp Response
		if err := json.Unmarshal(data, &msg); err != nil {
			resp = b.failed(Response{}, err)
		} else {
			resp = b.Handle(ctx, msg)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			b.log.Err(err, "encode reply")
			continue
		}

		b.mu.Lock()
		if _, ok := b.clients[c]; ok {
			select {
			case c.send <- out:
			default:
				b.log.Warnf("client backlog full; dropping reply to %s", msg.Type)
			}
		}
		b.mu.Unlock()
	}
}

func (b *Bridge) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.log.Debugf("websocket write: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and stops pushing events.
func (b *Bridge) Close() {
	b.unsub()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}
