package session

import "github.com/echo-im/echoclient/internal/call"

// Mode is the call phase the UI renders.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeOutgoing Mode = "outgoing"
	ModeIncoming Mode = "incoming"
	ModeActive   Mode = "active"
)

// CallState is the UI-facing view of the current call.
type CallState struct {
	Mode   Mode              `json:"mode"`
	PeerID int64             `json:"peerId,omitempty"`
	Media  call.MediaProfile `json:"media"`

	// Offer holds the pending remote offer while Mode is incoming.
	Offer *call.OfferPayload `json:"-"`

	// Local track toggles, valid while Mode is outgoing or active.
	MicMuted bool `json:"micMuted"`
	CamOff   bool `json:"camOff"`
}

// Ringer plays the incoming-call ringtone. Implementations must not block;
// the controller calls Play and Stop from its event paths.
type Ringer interface {
	Play()
	Stop()
}
