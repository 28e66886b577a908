//go:build linux

package beep

import (
	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"vidscribe/log"
)

type pulsePlayer struct {
	logger log.Logger
}

// New plays cues through PulseAudio (or PipeWire's pulse shim).
func New(logger log.Logger) Player {
	return &pulsePlayer{logger: logger.Component("beep")}
}

func (p *pulsePlayer) Play(c Cue) {
	samples := Samples(c)
	if len(samples) == 0 {
		return
	}
	go func() {
		if err := p.play(samples); err != nil {
			p.logger.Warnf("pulse playback (%s): %v", c, err)
		}
	}()
}

func (p *pulsePlayer) play(samples []int16) error {
	c, err := pulse.NewClient(pulse.ClientApplicationName("vidscribe"))
	if err != nil {
		return err
	}
	defer c.Close()

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[pos:])
		pos += n
		return n, nil
	})
	stream, err := c.NewPlayback(reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(cs *proto.CreatePlaybackStream) {
			cs.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	)
	if err != nil {
		return err
	}
	defer stream.Close()
	stream.Start()
	stream.Drain()
	stream.Stop()
	return stream.Error()
}
