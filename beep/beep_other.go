//go:build !linux && !darwin

package beep

import "vidscribe/log"

// New returns a silent player; cues are not supported on this platform.
func New(log.Logger) Player { return Nop() }
