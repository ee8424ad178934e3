//go:build linux && cgo

package call

import (
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureOpener acquires camera and microphone via pion/mediadevices
// (V4L2 + malgo). VP8 for video, Opus for audio.
type captureOpener struct {
	selector *mediadevices.CodecSelector
	prefs    CapturePreferences
}

// NewPlatformOpener returns the Linux capture opener. Preferred camera and
// microphone labels steer device selection in Capture.
func NewPlatformOpener(prefs CapturePreferences) MediaOpener {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		panic(fmt.Sprintf("vp8 params: %v", err))
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		panic(fmt.Sprintf("opus params: %v", err))
	}

	return &captureOpener{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		prefs: prefs,
	}
}

// Populate registers the capture codecs with the media engine. Must run
// before the peer connection is built so negotiated codecs match what the
// encoders produce.
func (o *captureOpener) Populate(me *webrtc.MediaEngine) error {
	o.selector.Populate(me)
	return nil
}

// Capture opens local devices per the profile. GetUserMedia fails as a unit
// when either requested track cannot be opened, so degraded attempts follow
// the full one: a missing or busy microphone must not prevent the camera
// from working and vice versa.
func (o *captureOpener) Capture(profile MediaProfile) (MediaSource, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found")
	}
	for _, d := range devices {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if profile.Video && profile.Audio {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else if profile.Video {
		attempts = []attempt{{true, false, "video-only"}}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: o.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640x480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
				if id := deviceID(devices, mediadevices.VideoInput, o.prefs.Camera); id != "" {
					c.DeviceID = prop.String(id)
				}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if id := deviceID(devices, mediadevices.AudioInput, o.prefs.Microphone); id != "" {
					c.DeviceID = prop.String(id)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s): %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			locals = append(locals, track)
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return &captureSource{
			tracks: locals,
			closeFn: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}, nil
	}

	if lastErr == nil {
		lastErr = ErrNoMediaTracks
	}
	return nil, fmt.Errorf("media capture failed: %w", lastErr)
}

// deviceID resolves a preferred device label to its enumerated ID. A label
// match is a case-insensitive substring so "C920" finds "HD Pro Webcam C920".
// Empty preference or no match falls back to driver default selection.
func deviceID(devices []mediadevices.MediaDeviceInfo, kind mediadevices.MediaDeviceType, label string) string {
	if label == "" {
		return ""
	}
	want := strings.ToLower(label)
	for _, d := range devices {
		if d.Kind == kind && strings.Contains(strings.ToLower(d.Label), want) {
			return d.DeviceID
		}
	}
	log.Warnf("no %v device matching %q, using default", kind, label)
	return ""
}
