package audio

import (
	"context"
	"encoding/binary"
	"os"
	"time"
)

const WAVHeaderSize = 44

// LoadWAV reads a canonical 16-bit mono PCM WAV file into float samples.
func LoadWAV(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return DecodePCM16(data), nil
}

func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Play feeds samples to p one buffer at a time. Without realtime every
// buffer is delivered before Play returns. With realtime the buffers are
// paced at their own duration on a goroutine and silence follows until ctx
// is done. The returned channel closes once the samples have been delivered.
func Play(ctx context.Context, p *FakeProcessor, samples []float32, bufferSize, rate int, realtime bool) <-chan struct{} {
	done := make(chan struct{})
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}
	feed := func(pos int) int {
		end := min(pos+bufferSize, len(samples))
		buf := make([]float32, end-pos)
		copy(buf, samples[pos:end])
		p.Emit(Buffer{Channels: [][]float32{buf}, SampleRate: rate})
		return end
	}

	if !realtime {
		for pos := 0; pos < len(samples); {
			pos = feed(pos)
		}
		close(done)
		return done
	}

	interval := time.Duration(bufferSize) * time.Second / time.Duration(rate)
	go func() {
		pos := 0
		silence := make([]float32, bufferSize)
		finished := false
		for {
			select {
			case <-ctx.Done():
				if !finished {
					close(done)
				}
				return
			default:
			}

			if !p.HasHandler() {
				time.Sleep(time.Millisecond)
				continue
			}

			if pos < len(samples) {
				pos = feed(pos)
			} else {
				if !finished {
					finished = true
					close(done)
				}
				p.Emit(Buffer{Channels: [][]float32{silence}, SampleRate: rate})
			}

			select {
			case <-ctx.Done():
				if !finished {
					close(done)
				}
				return
			case <-time.After(interval):
			}
		}
	}()
	return done
}
