//go:build linux

package hotkey

import (
	"encoding/binary"
	"testing"
)

func event(typ, code uint16, value int32) []byte {
	ev := make([]byte, inputEventSize)
	binary.LittleEndian.PutUint16(ev[16:], typ)
	binary.LittleEndian.PutUint16(ev[18:], code)
	binary.LittleEndian.PutUint32(ev[20:], uint32(value))
	return ev
}

func TestChordEdges(t *testing.T) {
	tests := []struct {
		name  string
		seq   [][]byte
		downs int
		ups   int
	}{
		{
			name: "full chord",
			seq: [][]byte{
				event(evKey, keyLCtrl, keyPress),
				event(evKey, keyRShift, keyPress),
				event(evKey, keySpace, keyPress),
				event(evKey, keySpace, 2),
				event(evKey, keySpace, keyRelease),
			},
			downs: 1, ups: 1,
		},
		{
			name: "space without shift",
			seq: [][]byte{
				event(evKey, keyLCtrl, keyPress),
				event(evKey, keySpace, keyPress),
				event(evKey, keySpace, keyRelease),
			},
		},
		{
			name: "modifier released first",
			seq: [][]byte{
				event(evKey, keyLCtrl, keyPress),
				event(evKey, keyLShift, keyPress),
				event(evKey, keyLCtrl, keyRelease),
				event(evKey, keySpace, keyPress),
			},
		},
		{
			name: "non-key events ignored",
			seq: [][]byte{
				event(evKey, keyLCtrl, keyPress),
				event(evKey, keyLShift, keyPress),
				event(4, keySpace, keyPress),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c chord
			var downs, ups int
			for _, ev := range tt.seq {
				d, u := c.feed(ev)
				if d {
					downs++
				}
				if u {
					ups++
				}
			}
			if downs != tt.downs || ups != tt.ups {
				t.Errorf("downs=%d ups=%d, want %d/%d", downs, ups, tt.downs, tt.ups)
			}
		})
	}
}
