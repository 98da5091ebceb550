//go:build linux

package media

// Register the V4L2 camera and malgo microphone drivers. Without these,
// mediadevices enumerates no devices and capture fails over to audio-only and
// then to the classified access error.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
