// Package call manages the single native WebRTC call session using Pion.
// Coupling to the rest of echoclient is via the Signaler interface only:
// the manager exchanges offer/answer/ICE through it and never touches the
// websocket directly.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// DefaultRingingTimeout bounds how long an unanswered outgoing call rings
// before it is cancelled.
const DefaultRingingTimeout = 30 * time.Second

var (
	// ErrCallInProgress is returned when a session already exists.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoMediaTracks is returned when capture yields zero tracks.
	ErrNoMediaTracks = errors.New("no media tracks acquired")
)

// Options configure a Manager.
type Options struct {
	Signaler       Signaler
	Media          MediaOpener // nil selects the platform capture opener
	Capture        CapturePreferences
	ICEServers     []string
	RingingTimeout time.Duration
}

// Manager owns at most one peer session and its local media stream.
type Manager struct {
	sig        Signaler
	media      MediaOpener
	prefs      CapturePreferences
	iceServers []string
	ringing    time.Duration

	mu         sync.Mutex
	sess       *session
	localSink  LocalSink
	remoteSink RemoteSink
	onEnded    func(peer int64, reason EndReason)
}

// session is one negotiated (or negotiating) peer connection. The id guards
// stale timers and late pc callbacks after teardown.
type session struct {
	id       string
	peer     int64
	outgoing bool
	answered bool

	pc        *webrtc.PeerConnection
	media     MediaSource
	senders   map[*webrtc.RTPSender]webrtc.TrackLocal
	ringTimer *time.Timer

	remoteTracks []*webrtc.TrackRemote
}

// New creates a call manager. No session exists until StartCall or
// AcceptIncoming.
func New(opts Options) *Manager {
	if opts.Media == nil {
		opts.Media = NewPlatformOpener(opts.Capture)
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if opts.RingingTimeout <= 0 {
		opts.RingingTimeout = DefaultRingingTimeout
	}
	return &Manager{
		sig:        opts.Signaler,
		media:      opts.Media,
		prefs:      opts.Capture,
		iceServers: opts.ICEServers,
		ringing:    opts.RingingTimeout,
	}
}

// OnEnded registers the teardown callback. Fired once per session, with the
// peer id and reason, after all resources are released.
func (m *Manager) OnEnded(fn func(peer int64, reason EndReason)) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// Peer returns the current session's remote peer, false when idle.
func (m *Manager) Peer() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0, false
	}
	return m.sess.peer, true
}

// Active reports whether a session exists in any phase.
func (m *Manager) Active() bool {
	_, ok := m.Peer()
	return ok
}

// StartCall creates an outgoing session: acquires local media matching the
// profile, sends an offer to calleeID, and arms the ringing timeout. Fails
// with ErrCallInProgress when a session already exists. Any setup failure
// fully unwinds partial state before returning.
func (m *Manager) StartCall(calleeID int64, media MediaProfile) error {
	sess, err := m.begin(calleeID, true)
	if err != nil {
		return err
	}

	media = m.prefs.apply(media)
	if err := m.setup(sess, media, nil); err != nil {
		m.teardown(sess, "", EndReasonError)
		return err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		m.teardown(sess, "", EndReasonError)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		m.teardown(sess, "", EndReasonError)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := m.sig.Send("call:offer", OfferPayload{To: calleeID, SDP: offer, Media: media}); err != nil {
		log.Warnf("offer to %d not sent immediately: %v", calleeID, err)
	}

	m.armRingTimer(sess)
	log.Infof("outgoing call to %d (audio=%v video=%v)", calleeID, media.Audio, media.Video)
	return nil
}

// AcceptIncoming applies a remote offer, acquires local media matching the
// offer's profile, and answers. When setup fails after the session is
// registered, the offerer is notified with call:cancel before the error
// returns.
func (m *Manager) AcceptIncoming(offer OfferPayload) error {
	sess, err := m.begin(offer.From, false)
	if err != nil {
		return err
	}

	media := offer.Media
	if !media.Audio && !media.Video {
		media = DefaultMediaProfile
	}
	media = m.prefs.apply(media)

	if err := m.setup(sess, media, &offer.SDP); err != nil {
		m.teardown(sess, "call:cancel", EndReasonError)
		return err
	}

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		m.teardown(sess, "call:cancel", EndReasonError)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		m.teardown(sess, "call:cancel", EndReasonError)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := m.sig.Send("call:answer", AnswerPayload{To: offer.From, SDP: answer}); err != nil {
		log.Warnf("answer to %d not sent immediately: %v", offer.From, err)
	}

	m.mu.Lock()
	sess.answered = true
	m.mu.Unlock()
	log.Infof("accepted call from %d", offer.From)
	return nil
}

// ApplyAnswer applies a remote answer only when fromID matches the pending
// outgoing peer. Stale answers from a previous attempt are ignored without
// touching the session.
func (m *Manager) ApplyAnswer(fromID int64, sdp webrtc.SessionDescription) bool {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.peer != fromID || !sess.outgoing || sess.answered {
		m.mu.Unlock()
		log.Debugf("ignoring answer from %d: no matching pending call", fromID)
		return false
	}
	m.mu.Unlock()

	if err := sess.pc.SetRemoteDescription(sdp); err != nil {
		log.Warnf("apply answer from %d: %v", fromID, err)
		return false
	}

	m.mu.Lock()
	sess.answered = true
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}
	m.mu.Unlock()
	log.Infof("answer applied, call with %d active", fromID)
	return true
}

// HandleRemoteICE adds a candidate from the current peer. Candidates for a
// different peer, or while no session exists, are stale and dropped.
func (m *Manager) HandleRemoteICE(fromID int64, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil || sess.peer != fromID {
		log.Debugf("ignoring ICE candidate from %d: no matching session", fromID)
		return
	}
	if err := sess.pc.AddICECandidate(candidate); err != nil {
		log.Warnf("add ICE candidate from %d: %v", fromID, err)
	}
}

// HandleRemoteEnd tears down the session when the current peer reports
// hangup or cancel. No end notice is echoed back. fromID 0 matches any peer.
func (m *Manager) HandleRemoteEnd(fromID int64) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil || (fromID != 0 && sess.peer != fromID) {
		return
	}
	m.teardown(sess, "", EndReasonRemote)
}

// SetAudioEnabled toggles the outbound audio tracks without renegotiation.
// No-op when no local media exists.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.setTrackEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled toggles the outbound video tracks without renegotiation.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.setTrackEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (m *Manager) setTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil || sess.media == nil {
		return
	}
	for sender, track := range sess.senders {
		if track.Kind() != kind {
			continue
		}
		var err error
		if enabled {
			err = sender.ReplaceTrack(track)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Warnf("toggle %s track: %v", kind, err)
		}
	}
}

// EndCall tears the session down and notifies the remote peer best-effort.
// Idempotent: safe when no session exists or when called repeatedly.
func (m *Manager) EndCall() {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	notify := "call:end"
	if sess.outgoing && !sess.answered {
		notify = "call:cancel"
	}
	m.teardown(sess, notify, EndReasonLocal)
}

// BindSinks (re)binds the UI media sinks. Existing local/remote streams are
// attached immediately; nil sinks detach without affecting the streams.
func (m *Manager) BindSinks(local LocalSink, remote RemoteSink) {
	m.mu.Lock()
	prevLocal, prevRemote := m.localSink, m.remoteSink
	m.localSink = local
	m.remoteSink = remote
	sess := m.sess
	m.mu.Unlock()

	if local == nil && prevLocal != nil {
		prevLocal.Detach()
	}
	if remote == nil && prevRemote != nil {
		prevRemote.Detach()
	}
	if sess == nil {
		return
	}
	if local != nil && sess.media != nil {
		local.Attach(sess.media)
	}
	if remote != nil {
		for _, t := range sess.remoteTracks {
			remote.Attach(t)
		}
	}
}

// begin registers a fresh session or fails when one already exists.
func (m *Manager) begin(peer int64, outgoing bool) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return nil, ErrCallInProgress
	}
	sess := &session{
		id:       uuid.NewString(),
		peer:     peer,
		outgoing: outgoing,
		senders:  make(map[*webrtc.RTPSender]webrtc.TrackLocal),
	}
	m.sess = sess
	return sess, nil
}

// setup builds the peer connection, applies remoteOffer when accepting,
// captures local media, and attaches tracks. Leaves partial state on the
// session for teardown to unwind on failure.
func (m *Manager) setup(sess *session, media MediaProfile, remoteOffer *webrtc.SessionDescription) error {
	pc, err := m.newPeerConnection(sess)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.mu.Lock()
	sess.pc = pc
	m.mu.Unlock()

	if remoteOffer != nil {
		if err := pc.SetRemoteDescription(*remoteOffer); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
	}

	src, err := m.media.Capture(media)
	if err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}
	tracks := src.Tracks()
	if len(tracks) == 0 {
		src.Close()
		return ErrNoMediaTracks
	}

	m.mu.Lock()
	sess.media = src
	localSink := m.localSink
	m.mu.Unlock()

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		m.mu.Lock()
		sess.senders[sender] = t
		m.mu.Unlock()
	}
	if localSink != nil {
		localSink.Attach(src)
	}
	return nil
}

func (m *Manager) newPeerConnection(sess *session) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := m.media.Populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay or NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range m.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	id := sess.id
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		current := m.sess != nil && m.sess.id == id
		peer := sess.peer
		m.mu.Unlock()
		if !current {
			return
		}
		if err := m.sig.Send("call:ice", ICEPayload{To: peer, Candidate: c.ToJSON()}); err != nil {
			log.Debugf("ICE candidate to %d not sent: %v", peer, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		if m.sess == nil || m.sess.id != id {
			m.mu.Unlock()
			return
		}
		m.sess.remoteTracks = append(m.sess.remoteTracks, track)
		sink := m.remoteSink
		m.mu.Unlock()
		log.Debugf("remote %s track received", track.Kind())
		if sink != nil {
			sink.Attach(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.mu.Lock()
			current := m.sess
			m.mu.Unlock()
			if current == nil || current.id != id {
				return // our own teardown closing the pc
			}
			log.Warnf("peer connection %s, tearing down", state)
			m.teardown(current, "", EndReasonTransport)
		}
	})

	return pc, nil
}

// armRingTimer starts the ringing timeout. Expiry cancels the call and
// notifies the callee; a timer firing after teardown or answer is a no-op,
// guarded by the session identity.
func (m *Manager) armRingTimer(sess *session) {
	id := sess.id
	m.mu.Lock()
	sess.ringTimer = time.AfterFunc(m.ringing, func() {
		m.mu.Lock()
		current := m.sess
		stale := current == nil || current.id != id || current.answered
		m.mu.Unlock()
		if stale {
			return
		}
		log.Infof("ringing timeout, cancelling call to %d", current.peer)
		m.teardown(current, "call:cancel", EndReasonTimeout)
	})
	m.mu.Unlock()
}

// teardown releases everything the session owns: ring timer, media tracks,
// peer connection. Exactly one caller wins; the rest are no-ops. notify is
// the optional signal type ("call:end" or "call:cancel") sent best-effort.
func (m *Manager) teardown(sess *session, notify string, reason EndReason) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	localSink, remoteSink := m.localSink, m.remoteSink
	onEnded := m.onEnded
	m.mu.Unlock()

	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	if sess.media != nil {
		sess.media.Close()
	}
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			log.Debugf("close peer connection: %v", err)
		}
	}
	if localSink != nil {
		localSink.Detach()
	}
	if remoteSink != nil {
		remoteSink.Detach()
	}
	if notify != "" {
		_ = m.sig.Send(notify, PeerPayload{To: sess.peer})
	}
	log.Infof("call with %d ended (%s)", sess.peer, reason)
	if onEnded != nil {
		onEnded(sess.peer, reason)
	}
}
