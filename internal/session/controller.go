// Package session orchestrates the client core: it owns the login lifecycle
// and routes transport events to the call, conversation, presence, and
// roster components. The UI talks to the Controller only.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/api"
	"github.com/echo-im/echoclient/internal/call"
	"github.com/echo-im/echoclient/internal/conversation"
	"github.com/echo-im/echoclient/internal/presence"
	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/roster"
	"github.com/echo-im/echoclient/internal/storage"
	"github.com/echo-im/echoclient/internal/transport"
)

var log = logging.Logger("session")

// DefaultSubscribeRetry covers topic subscriptions racing a connection that
// drops again right after the connected event.
var DefaultSubscribeRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Options wire a Controller. Channel, API and Store are required; Calls may
// be nil to build a default call manager; Ringer may be nil for silence.
// HistoryLimit bounds the in-memory history per conversation, 0 keeps the
// conversation manager's default.
type Options struct {
	Channel      *transport.Channel
	API          *api.Client
	Store        *storage.DB
	Calls        *call.Manager
	Ringer       Ringer
	ToastTTL     time.Duration
	HistoryLimit int
}

// Controller is the top-level coordinator for one logged-in user.
type Controller struct {
	ch     *transport.Channel
	api    *api.Client
	store  *storage.DB
	calls  *call.Manager
	pres   *presence.Publisher
	roster *roster.Table
	ringer Ringer
	toasts *toaster

	historyLimit int

	mu        sync.Mutex
	self      api.Profile
	conv      *conversation.Manager
	callState CallState
	subRetry  *retry.Timer

	callListenerMu sync.Mutex
	callListeners  []chan CallState

	offs []func()
}

// NewController builds the controller and registers its transport routes.
// No network activity happens until Login or Restore.
func NewController(opts Options) *Controller {
	c := &Controller{
		ch:           opts.Channel,
		api:          opts.API,
		store:        opts.Store,
		calls:        opts.Calls,
		pres:         presence.New(opts.Channel),
		roster:       roster.NewTable(),
		ringer:       opts.Ringer,
		toasts:       newToaster(opts.ToastTTL),
		historyLimit: opts.HistoryLimit,
		callState:    CallState{Mode: ModeIdle},
	}
	if c.calls == nil {
		c.calls = call.New(call.Options{Signaler: opts.Channel})
	}
	c.calls.OnEnded(c.onCallEnded)

	c.offs = append(c.offs,
		c.ch.On(transport.EventConnected, func(transport.Event) { c.onConnected() }),
		c.ch.On(transport.TypeCallOffer, c.onOffer),
		c.ch.On(transport.TypeCallAnswer, c.onAnswer),
		c.ch.On(transport.TypeCallICE, c.onICE),
		c.ch.On(transport.TypeCallEnd, c.onRemoteEnd),
		c.ch.On(transport.TypeCallCancel, c.onRemoteEnd),
		c.ch.On(transport.TypePresence, c.onPresence),
		c.ch.On(transport.TypeChatMessage, c.onChatMessage),
		c.ch.On(transport.TypeFriendRequest, c.onFriendRequest),
		c.ch.On(transport.TypeFriendAccepted, c.onFriendAccepted),
		c.ch.On(transport.TypeUserUpdated, c.onUserUpdated),
	)
	return c
}

// Roster exposes the friend table for UI reads and subscriptions.
func (c *Controller) Roster() *roster.Table { return c.roster }

// Calls exposes the call manager, mainly for sink binding.
func (c *Controller) Calls() *call.Manager { return c.calls }

// Conversations returns the conversation manager, nil before login.
func (c *Controller) Conversations() *conversation.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Self returns the logged-in profile, zero before login.
func (c *Controller) Self() api.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Login authenticates, persists the session, and brings the realtime
// channel up.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	s, err := c.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := c.store.SaveSession(storage.SavedSession{
		Token: s.Token, UserID: s.UserID, Username: s.Username,
	}); err != nil {
		log.Warnf("persist session: %v", err)
	}
	if err := c.store.RememberAccount(s.Username, s.UserID); err != nil {
		log.Warnf("remember account: %v", err)
	}
	return c.begin(ctx, api.Profile{ID: s.UserID, Username: s.Username, Email: s.Email}, s.Token)
}

// Register creates an account and logs straight in.
func (c *Controller) Register(ctx context.Context, username, email, password string) error {
	s, err := c.api.Register(ctx, username, email, password)
	if err != nil {
		return err
	}
	if err := c.store.SaveSession(storage.SavedSession{
		Token: s.Token, UserID: s.UserID, Username: s.Username,
	}); err != nil {
		log.Warnf("persist session: %v", err)
	}
	if err := c.store.RememberAccount(s.Username, s.UserID); err != nil {
		log.Warnf("remember account: %v", err)
	}
	return c.begin(ctx, api.Profile{ID: s.UserID, Username: s.Username, Email: s.Email}, s.Token)
}

// Restore resumes a persisted session. The token is validated with WhoAmI
// first; a rejected token clears the stored session and fails.
func (c *Controller) Restore(ctx context.Context) error {
	saved, ok := c.store.LoadSession()
	if !ok {
		return fmt.Errorf("no saved session")
	}
	c.api.SetToken(saved.Token)
	profile, err := c.api.WhoAmI(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			_ = c.store.ClearSession()
		}
		return fmt.Errorf("restore session: %w", err)
	}
	return c.begin(ctx, profile, saved.Token)
}

// begin finishes login: wires the conversation manager, connects the
// channel, announces presence, and loads the roster.
func (c *Controller) begin(ctx context.Context, profile api.Profile, token string) error {
	c.mu.Lock()
	c.self = profile
	if c.conv != nil {
		c.conv.Close()
	}
	// A nil *storage.DB must stay a nil MessageStore, not a typed non-nil one.
	var msgStore conversation.MessageStore
	if c.store != nil {
		msgStore = c.store
	}
	c.conv = conversation.New(c.ch, profile.ID, msgStore)
	c.conv.SetHistoryCap(c.historyLimit)
	c.mu.Unlock()

	c.ch.Connect(transport.Credentials{Token: token, UserID: profile.ID})
	c.pres.Announce(presence.StatusOnline)

	if err := c.refreshRoster(ctx); err != nil {
		log.Warnf("initial roster load: %v", err)
	}
	log.Infof("logged in as %s (%d)", profile.Username, profile.ID)
	return nil
}

// Logout announces OFFLINE best-effort, tears everything down, and clears
// the persisted session.
func (c *Controller) Logout() {
	c.pres.Shutdown()
	c.calls.EndCall()

	c.mu.Lock()
	conv := c.conv
	c.conv = nil
	c.self = api.Profile{}
	if c.subRetry != nil {
		c.subRetry.Stop()
		c.subRetry = nil
	}
	c.mu.Unlock()
	if conv != nil {
		conv.Close()
	}

	c.ch.Disconnect()
	c.api.SetToken("")
	if err := c.store.ClearSession(); err != nil {
		log.Warnf("clear session: %v", err)
	}
	c.setCallState(CallState{Mode: ModeIdle})
	log.Info("logged out")
}

// Close releases the controller without touching the persisted session.
func (c *Controller) Close() {
	for _, off := range c.offs {
		off()
	}
	c.offs = nil
	c.pres.Close()
	c.mu.Lock()
	conv := c.conv
	c.conv = nil
	if c.subRetry != nil {
		c.subRetry.Stop()
		c.subRetry = nil
	}
	c.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
	c.toasts.close()
}

// refreshRoster reloads friends and pending requests from the backend.
func (c *Controller) refreshRoster(ctx context.Context) error {
	friends, err := c.api.Friends(ctx)
	if err != nil {
		return err
	}
	requests, err := c.api.FriendRequests(ctx)
	if err != nil {
		return err
	}
	c.roster.Reset(friends, requests)
	return nil
}

// CallStateSnapshot returns the current call state.
func (c *Controller) CallStateSnapshot() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callState
}

// SubscribeCallState returns a channel receiving every call state change.
func (c *Controller) SubscribeCallState() chan CallState {
	c.callListenerMu.Lock()
	defer c.callListenerMu.Unlock()
	ch := make(chan CallState, 8)
	c.callListeners = append(c.callListeners, ch)
	return ch
}

// UnsubscribeCallState removes a call state listener.
func (c *Controller) UnsubscribeCallState(ch chan CallState) {
	c.callListenerMu.Lock()
	defer c.callListenerMu.Unlock()
	for i, l := range c.callListeners {
		if l == ch {
			close(l)
			c.callListeners = append(c.callListeners[:i], c.callListeners[i+1:]...)
			return
		}
	}
}

// ActiveToasts returns the not-yet-expired toasts.
func (c *Controller) ActiveToasts() []Toast { return c.toasts.snapshot() }

// SubscribeToasts returns a channel receiving each new toast.
func (c *Controller) SubscribeToasts() chan Toast { return c.toasts.subscribe() }

// UnsubscribeToasts removes a toast listener.
func (c *Controller) UnsubscribeToasts(ch chan Toast) { c.toasts.unsubscribe(ch) }

// StartVoiceCall places an audio-only call to a friend.
func (c *Controller) StartVoiceCall(calleeID int64) error {
	return c.startCall(calleeID, call.MediaProfile{Audio: true})
}

// StartVideoCall places an audio+video call to a friend.
func (c *Controller) StartVideoCall(calleeID int64) error {
	return c.startCall(calleeID, call.MediaProfile{Audio: true, Video: true})
}

func (c *Controller) startCall(calleeID int64, media call.MediaProfile) error {
	c.mu.Lock()
	if c.callState.Mode != ModeIdle {
		c.mu.Unlock()
		return call.ErrCallInProgress
	}
	c.mu.Unlock()

	if err := c.calls.StartCall(calleeID, media); err != nil {
		c.toasts.push("Call failed", err.Error())
		return err
	}
	c.setCallState(CallState{Mode: ModeOutgoing, PeerID: calleeID, Media: media})
	return nil
}

// AcceptIncoming answers the pending incoming call.
func (c *Controller) AcceptIncoming() error {
	c.mu.Lock()
	state := c.callState
	c.mu.Unlock()
	if state.Mode != ModeIncoming || state.Offer == nil {
		return fmt.Errorf("no incoming call to accept")
	}

	c.stopRinger()
	if err := c.calls.AcceptIncoming(*state.Offer); err != nil {
		c.toasts.push("Call failed", err.Error())
		c.setCallState(CallState{Mode: ModeIdle})
		return err
	}
	// state.Media already carries the defaulted profile from onOffer.
	c.setCallState(CallState{Mode: ModeActive, PeerID: state.PeerID, Media: state.Media})
	return nil
}

// DeclineIncoming rejects the pending incoming call with an end notice.
func (c *Controller) DeclineIncoming() {
	c.mu.Lock()
	state := c.callState
	c.mu.Unlock()
	if state.Mode != ModeIncoming {
		return
	}
	c.stopRinger()
	if err := c.ch.Send(transport.TypeCallEnd, call.PeerPayload{To: state.PeerID}); err != nil {
		log.Debugf("decline notice to %d: %v", state.PeerID, err)
	}
	c.setCallState(CallState{Mode: ModeIdle})
}

// EndCall hangs up whatever call exists.
func (c *Controller) EndCall() {
	c.mu.Lock()
	mode := c.callState.Mode
	peer := c.callState.PeerID
	c.mu.Unlock()

	if mode == ModeIncoming {
		// Nothing negotiated yet; just notify and reset.
		c.stopRinger()
		_ = c.ch.Send(transport.TypeCallEnd, call.PeerPayload{To: peer})
		c.setCallState(CallState{Mode: ModeIdle})
		return
	}
	c.calls.EndCall()
}

// ToggleMic flips the local audio mute and returns the new muted state.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	c.callState.MicMuted = !c.callState.MicMuted
	muted := c.callState.MicMuted
	state := c.callState
	c.mu.Unlock()
	c.calls.SetAudioEnabled(!muted)
	c.notifyCallState(state)
	return muted
}

// ToggleCam flips the local camera and returns true when the camera is off.
func (c *Controller) ToggleCam() bool {
	c.mu.Lock()
	c.callState.CamOff = !c.callState.CamOff
	off := c.callState.CamOff
	state := c.callState
	c.mu.Unlock()
	c.calls.SetVideoEnabled(!off)
	c.notifyCallState(state)
	return off
}

// SetActiveConversation opens the conversation with a friend and returns its
// canonical id. History comes from the local store first; when nothing is
// cached yet the backend history endpoint backfills it.
func (c *Controller) SetActiveConversation(ctx context.Context, friendID int64) (string, error) {
	c.mu.Lock()
	conv := c.conv
	selfID := c.self.ID
	c.mu.Unlock()
	if conv == nil {
		return "", fmt.Errorf("not logged in")
	}
	id := transport.ConversationID(selfID, friendID)
	conv.SetActive(id)

	if len(conv.History(id)) == 0 {
		msgs, err := c.api.History(ctx, id)
		if err != nil {
			log.Warnf("history fetch for %s: %v", id, err)
			return id, nil
		}
		for _, m := range msgs {
			conv.Ingest(id, m)
		}
	}
	return id, nil
}

// DeleteConversation removes a conversation's history on the backend and
// drops the local copy, persisted rows included.
func (c *Controller) DeleteConversation(ctx context.Context, friendID int64) error {
	c.mu.Lock()
	conv := c.conv
	selfID := c.self.ID
	c.mu.Unlock()
	if conv == nil {
		return fmt.Errorf("not logged in")
	}
	id := transport.ConversationID(selfID, friendID)
	if err := c.api.DeleteConversation(ctx, id); err != nil {
		return err
	}
	conv.Clear(id)
	return nil
}

// SendMessage sends a chat message to a friend through the active flow.
func (c *Controller) SendMessage(friendID int64, content string) (conversation.Message, error) {
	c.mu.Lock()
	conv := c.conv
	selfID := c.self.ID
	c.mu.Unlock()
	if conv == nil {
		return conversation.Message{}, fmt.Errorf("not logged in")
	}
	id := transport.ConversationID(selfID, friendID)
	return conv.SendText(id, friendID, content)
}

// onConnected re-establishes the server-side topic subscriptions that died
// with the previous connection. The conversation manager resubscribes its
// own topic.
func (c *Controller) onConnected() {
	c.mu.Lock()
	if c.subRetry != nil {
		c.subRetry.Stop()
	}
	c.subRetry = DefaultSubscribeRetry.Start(c.trySubscribeTopics, func() {
		log.Warn("topic subscriptions: retries exhausted")
	})
	c.mu.Unlock()
	if !c.trySubscribeTopics() {
		return
	}
	c.mu.Lock()
	if c.subRetry != nil {
		c.subRetry.Stop()
		c.subRetry = nil
	}
	c.mu.Unlock()
}

func (c *Controller) trySubscribeTopics() bool {
	creds, ok := c.ch.Identity()
	if !ok {
		return true // logged out; nothing to subscribe
	}
	// Frames from these topics are routed by their type tags; the handlers
	// only exist to hold the server-side subscription.
	notif := c.ch.Subscribe(transport.NotificationsTopic(creds.UserID), func(json.RawMessage) {})
	if notif == nil {
		return false
	}
	pres := c.ch.Subscribe(transport.PresenceTopic, func(json.RawMessage) {})
	if pres == nil {
		return false
	}
	log.Debugf("notification and presence topics subscribed")
	return true
}

// onOffer handles an inbound call offer. A second offer while any call is in
// progress is declined with an end notice back to the offerer.
func (c *Controller) onOffer(evt transport.Event) {
	var offer call.OfferPayload
	if err := evt.Decode(&offer); err != nil {
		log.Debugf("malformed offer: %v", err)
		return
	}

	c.mu.Lock()
	busy := c.callState.Mode != ModeIdle
	c.mu.Unlock()
	if busy || c.calls.Active() {
		log.Infof("busy, declining offer from %d", offer.From)
		_ = c.ch.Send(transport.TypeCallEnd, call.PeerPayload{To: offer.From})
		return
	}

	media := offer.Media
	if !media.Audio && !media.Video {
		media = call.DefaultMediaProfile
	}
	c.setCallState(CallState{Mode: ModeIncoming, PeerID: offer.From, Media: media, Offer: &offer})
	c.playRinger()

	name := fmt.Sprintf("user %d", offer.From)
	if f, ok := c.roster.Get(offer.From); ok {
		name = f.Username
	}
	c.toasts.push("Incoming call", name)
}

func (c *Controller) onAnswer(evt transport.Event) {
	var answer call.AnswerPayload
	if err := evt.Decode(&answer); err != nil {
		log.Debugf("malformed answer: %v", err)
		return
	}
	if !c.calls.ApplyAnswer(answer.From, answer.SDP) {
		return
	}
	c.mu.Lock()
	state := c.callState
	state.Mode = ModeActive
	c.callState = state
	c.mu.Unlock()
	c.notifyCallState(state)
}

func (c *Controller) onICE(evt transport.Event) {
	var ice call.ICEPayload
	if err := evt.Decode(&ice); err != nil {
		log.Debugf("malformed ICE payload: %v", err)
		return
	}
	c.calls.HandleRemoteICE(ice.From, ice.Candidate)
}

func (c *Controller) onRemoteEnd(evt transport.Event) {
	var p call.PeerPayload
	if err := evt.Decode(&p); err != nil {
		log.Debugf("malformed end payload: %v", err)
	}

	c.mu.Lock()
	state := c.callState
	c.mu.Unlock()
	if state.Mode == ModeIncoming && (p.From == 0 || p.From == state.PeerID) {
		// Caller cancelled before we answered.
		c.stopRinger()
		c.setCallState(CallState{Mode: ModeIdle})
		c.toasts.push("Missed call", fmt.Sprintf("user %d", state.PeerID))
		return
	}
	c.calls.HandleRemoteEnd(p.From)
}

// onCallEnded is the call manager's teardown callback; it resets the UI
// state whatever caused the teardown.
func (c *Controller) onCallEnded(peer int64, reason call.EndReason) {
	c.stopRinger()
	c.setCallState(CallState{Mode: ModeIdle})
	switch reason {
	case call.EndReasonTimeout:
		c.toasts.push("No answer", fmt.Sprintf("user %d did not pick up", peer))
	case call.EndReasonRemote:
		c.toasts.push("Call ended", fmt.Sprintf("user %d hung up", peer))
	case call.EndReasonTransport:
		c.toasts.push("Call dropped", "connection to peer lost")
	}
}

func (c *Controller) onPresence(evt transport.Event) {
	var p transport.PresencePayload
	if err := evt.Decode(&p); err != nil {
		log.Debugf("malformed presence: %v", err)
		return
	}
	c.roster.SetPresence(p.UserID, p.Status)
}

// onChatMessage handles messages delivered over the notifications stream,
// which covers conversations that are not the active subscription.
func (c *Controller) onChatMessage(evt transport.Event) {
	var msg conversation.Message
	if err := evt.Decode(&msg); err != nil {
		log.Debugf("malformed chat message: %v", err)
		return
	}
	c.mu.Lock()
	conv := c.conv
	selfID := c.self.ID
	c.mu.Unlock()
	if conv == nil {
		return
	}
	id := transport.ConversationID(msg.SenderID, msg.ReceiverID)
	conv.Ingest(id, msg)

	if msg.SenderID != selfID && conv.Active() != id {
		name := fmt.Sprintf("user %d", msg.SenderID)
		if f, ok := c.roster.Get(msg.SenderID); ok {
			name = f.Username
		}
		c.toasts.push(name, msg.Content)
	}
}

func (c *Controller) onFriendRequest(evt transport.Event) {
	var r roster.Request
	if err := evt.Decode(&r); err != nil {
		log.Debugf("malformed friend request: %v", err)
		return
	}
	c.roster.AddRequest(r)
	c.toasts.push("Friend request", r.Username)
}

func (c *Controller) onFriendAccepted(evt transport.Event) {
	var f roster.Friend
	if err := evt.Decode(&f); err != nil {
		log.Debugf("malformed friend accepted: %v", err)
		return
	}
	c.roster.Upsert(f)
	c.toasts.push("Friend added", f.Username)
}

func (c *Controller) onUserUpdated(evt transport.Event) {
	var f roster.Friend
	if err := evt.Decode(&f); err != nil {
		log.Debugf("malformed user update: %v", err)
		return
	}
	c.mu.Lock()
	if f.ID == c.self.ID {
		c.self.Username = f.Username
		c.self.AvatarURL = f.AvatarURL
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.roster.Upsert(f)
}

func (c *Controller) setCallState(state CallState) {
	c.mu.Lock()
	c.callState = state
	c.mu.Unlock()
	c.notifyCallState(state)
}

func (c *Controller) notifyCallState(state CallState) {
	c.callListenerMu.Lock()
	for _, l := range c.callListeners {
		select {
		case l <- state:
		default:
		}
	}
	c.callListenerMu.Unlock()
}

func (c *Controller) playRinger() {
	if c.ringer != nil {
		c.ringer.Play()
	}
}

func (c *Controller) stopRinger() {
	if c.ringer != nil {
		c.ringer.Stop()
	}
}
