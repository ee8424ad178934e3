package call

import (
	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the transport
// layer. transport.Channel satisfies it.
type Signaler interface {
	Send(typ string, payload any) error
}

// MediaProfile mirrors the {audio, video} constraints exchanged in offers.
type MediaProfile struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// DefaultMediaProfile is used when an offer carries no media constraints.
var DefaultMediaProfile = MediaProfile{Audio: true, Video: false}

// CapturePreferences gate and direct local media capture. Camera and
// Microphone select devices by label; empty picks the platform default.
type CapturePreferences struct {
	VideoDisabled bool
	Camera        string
	Microphone    string
}

// apply clamps a requested profile to the preferences. A video request with
// video disabled degrades to audio rather than failing the call.
func (p CapturePreferences) apply(m MediaProfile) MediaProfile {
	if p.VideoDisabled && m.Video {
		m.Video = false
		m.Audio = true
	}
	return m
}

// OfferPayload carries a session offer. Outbound frames set To; inbound
// ones carry From.
type OfferPayload struct {
	To    int64                     `json:"to,omitempty"`
	From  int64                     `json:"from,omitempty"`
	SDP   webrtc.SessionDescription `json:"sdp"`
	Media MediaProfile              `json:"media"`
}

// AnswerPayload carries the session answer back to the offerer.
type AnswerPayload struct {
	To   int64                     `json:"to,omitempty"`
	From int64                     `json:"from,omitempty"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// ICEPayload carries one trickle ICE candidate.
type ICEPayload struct {
	To        int64                   `json:"to,omitempty"`
	From      int64                   `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// PeerPayload addresses a bare call:end / call:cancel signal.
type PeerPayload struct {
	To   int64 `json:"to,omitempty"`
	From int64 `json:"from,omitempty"`
}

// MediaSource owns the local capture tracks for one session. Exactly one
// exists at a time; Close releases the devices and must be idempotent.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// MediaOpener acquires local media for a session. Populate runs before the
// peer connection is built so capture codecs register with the media
// engine; Capture runs after.
type MediaOpener interface {
	Populate(*webrtc.MediaEngine) error
	Capture(profile MediaProfile) (MediaSource, error)
}

// LocalSink receives the local media source for self-view rendering.
// RemoteSink receives remote tracks as they arrive. The UI supplies
// implementations bound to its video elements; nil sinks are allowed.
type LocalSink interface {
	Attach(src MediaSource)
	Detach()
}

type RemoteSink interface {
	Attach(track *webrtc.TrackRemote)
	Detach()
}

// EndReason tags why a session was torn down.
type EndReason string

const (
	EndReasonLocal     EndReason = "local"     // explicit EndCall
	EndReasonRemote    EndReason = "remote"    // remote call:end / call:cancel
	EndReasonTimeout   EndReason = "timeout"   // ringing timer expired
	EndReasonTransport EndReason = "transport" // ICE/DTLS terminal state
	EndReasonError     EndReason = "error"     // setup failure unwound
)
