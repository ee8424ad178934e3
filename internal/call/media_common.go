package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// captureSource bundles captured tracks with their release function.
type captureSource struct {
	tracks  []webrtc.TrackLocal
	closeFn func()
	once    sync.Once
}

func (s *captureSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *captureSource) Close() {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
