//go:build darwin

package beep

import (
	"sync"

	"github.com/gen2brain/malgo"

	"vidscribe/log"
)

// malgoPlayer keeps one playback device open and swaps the buffer it drains.
type malgoPlayer struct {
	logger log.Logger

	initOnce sync.Once
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	initErr  error

	mu  sync.Mutex
	buf []byte
	pos int
}

func New(logger log.Logger) Player {
	return &malgoPlayer{logger: logger.Component("beep")}
}

func (m *malgoPlayer) init() {
	m.ctx, m.initErr = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if m.initErr != nil {
		return
	}
	if m.initErr = m.openDevice(); m.initErr != nil {
		m.ctx.Uninit()
		m.ctx = nil
	}
}

func (m *malgoPlayer) openDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: m.fill})
	if err != nil {
		return err
	}
	m.device = dev
	return nil
}

func (m *malgoPlayer) fill(out, _ []byte, frames uint32) {
	m.mu.Lock()
	n := copy(out[:frames*2], m.buf[m.pos:])
	m.pos += n
	m.mu.Unlock()
	clear(out[n:])
}

func (m *malgoPlayer) Play(c Cue) {
	m.initOnce.Do(m.init)
	if m.initErr != nil {
		m.logger.Warnf("malgo init: %v", m.initErr)
		return
	}
	samples := Samples(c)
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		buf[2*i] = byte(s)
		buf[2*i+1] = byte(s >> 8)
	}

	m.device.Stop()
	m.mu.Lock()
	m.buf, m.pos = buf, 0
	m.mu.Unlock()
	if err := m.device.Start(); err == nil {
		return
	}
	// The device goes stale across sleep/wake; reopen once.
	m.device.Uninit()
	if err := m.openDevice(); err != nil {
		m.logger.Warnf("malgo reopen: %v", err)
		return
	}
	if err := m.device.Start(); err != nil {
		m.logger.Warnf("malgo start: %v", err)
	}
}
