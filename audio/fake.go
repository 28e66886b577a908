package audio

import (
	"context"
	"errors"
	"sync"

	"vidscribe/dom"
)

// FakeEngine is an in-memory audio graph. Every node it hands out is
// recorded so tests can check that failed attempts leave nothing connected.
type FakeEngine struct {
	mu sync.Mutex

	Rate         int
	StreamErr    error
	ElementErr   error
	ProcessorErr error
	ConnectErr   error
	PanicStream  bool
	CloseErr     error

	nodes  []*FakeNode
	procs  []*FakeProcessor
	dest   *FakeNode
	closed bool
}

func NewFakeEngine(rate int) *FakeEngine {
	return &FakeEngine{Rate: rate, dest: &FakeNode{Kind: "destination"}}
}

func (f *FakeEngine) SampleRate() int { return f.Rate }

func (f *FakeEngine) newNode(kind, ref string) *FakeNode {
	n := &FakeNode{Kind: kind, Ref: ref, connectErr: f.ConnectErr}
	f.nodes = append(f.nodes, n)
	return n
}

func (f *FakeEngine) NewStreamSource(s dom.Stream) (Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PanicStream {
		panic("stream source exploded")
	}
	if f.StreamErr != nil {
		return nil, f.StreamErr
	}
	return f.newNode("stream", s.ID()), nil
}

func (f *FakeEngine) NewElementSource(el dom.Element) (Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ElementErr != nil {
		return nil, f.ElementErr
	}
	return f.newNode("element", el.Src()), nil
}

func (f *FakeEngine) NewProcessor(bufferSize, channels int) (Processor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProcessorErr != nil {
		return nil, f.ProcessorErr
	}
	p := &FakeProcessor{FakeNode: f.newNode("processor", ""), Size: bufferSize, Channels: channels}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *FakeEngine) Destination() Node { return f.dest }

func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.CloseErr
}

func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Live counts nodes that were created and not yet disconnected.
func (f *FakeEngine) Live() int {
	f.mu.Lock()
	nodes := append([]*FakeNode(nil), f.nodes...)
	f.mu.Unlock()
	n := 0
	for _, node := range nodes {
		if !node.Disconnected() {
			n++
		}
	}
	return n
}

func (f *FakeEngine) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func (f *FakeEngine) Processors() []*FakeProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProcessor(nil), f.procs...)
}

type FakeNode struct {
	mu           sync.Mutex
	Kind         string
	Ref          string
	outputs      []Node
	disconnected bool
	connectErr   error
}

func (n *FakeNode) Connect(dst Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connectErr != nil {
		return n.connectErr
	}
	n.outputs = append(n.outputs, dst)
	return nil
}

func (n *FakeNode) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outputs = nil
	n.disconnected = true
	return nil
}

func (n *FakeNode) Disconnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnected
}

type FakeProcessor struct {
	*FakeNode
	Size     int
	Channels int

	hmu     sync.Mutex
	handler func(Buffer)
}

func (p *FakeProcessor) SetHandler(fn func(Buffer)) {
	p.hmu.Lock()
	p.handler = fn
	p.hmu.Unlock()
}

func (p *FakeProcessor) HasHandler() bool {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	return p.handler != nil
}

// Emit delivers b the way a full buffer would be. It is a no-op while no
// handler is installed.
func (p *FakeProcessor) Emit(b Buffer) {
	p.hmu.Lock()
	fn := p.handler
	p.hmu.Unlock()
	if fn != nil {
		fn(b)
	}
}

type FakeCapturer struct {
	mu     sync.Mutex
	Stream *dom.FakeStream
	Err    error
	calls  int
	last   Constraints
}

func (c *FakeCapturer) CaptureTab(_ context.Context, cons Constraints) (dom.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = cons
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Stream == nil {
		return nil, errors.New("nothing to capture")
	}
	return c.Stream, nil
}

func (c *FakeCapturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type FakePermissions struct {
	Allow bool
	Err   error
}

func (p FakePermissions) Granted(context.Context, Permission) (bool, error) {
	return p.Allow, p.Err
}
