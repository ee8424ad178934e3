//go:build !linux || !cgo

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// defaultOpener covers platforms without a mediadevices driver wired in.
// Calls cannot acquire local media here; Capture always fails and the
// manager surfaces the error to the caller.
type defaultOpener struct{}

// NewPlatformOpener returns the no-capture opener for non-Linux platforms.
// Capture preferences have nothing to select here and are ignored.
func NewPlatformOpener(CapturePreferences) MediaOpener {
	return defaultOpener{}
}

func (defaultOpener) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (defaultOpener) Capture(MediaProfile) (MediaSource, error) {
	return nil, errors.New("media capture not supported on this platform")
}
