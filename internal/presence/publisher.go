// Package presence announces the local user's status over the transport
// channel. Only the most recently requested status is ever published —
// values requested while disconnected supersede each other, never queue.
package presence

import (
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/transport"
)

var log = logging.Logger("presence")

// Canonical status tokens.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusAway    = "AWAY"
	StatusDND     = "DND"
)

// DefaultRetry bounds the publish retry schedule while the channel is not
// ready. After the attempts run out the pending status is dropped with a
// warning.
var DefaultRetry = retry.Policy{MaxAttempts: 6, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second}

// Publisher owns the single pending presence value and its retry schedule.
type Publisher struct {
	ch     *transport.Channel
	policy retry.Policy

	mu      sync.Mutex
	pending string
	retryT  *retry.Timer

	offConnected func()
}

// New creates a Publisher bound to ch. Every successful (re)connection
// publishes the pending status, or ONLINE when none is pending.
func New(ch *transport.Channel) *Publisher {
	p := &Publisher{ch: ch, policy: DefaultRetry}
	p.offConnected = ch.On(transport.EventConnected, func(transport.Event) {
		p.onConnected()
	})
	return p
}

// Announce requests that status be published. Publishes immediately when
// the channel is connected and the identity is known; otherwise the value
// becomes the single pending status, retried with backoff.
func (p *Publisher) Announce(status string) {
	s := normalize(status)
	if p.publish(s) {
		p.clearPending()
		return
	}
	p.setPending(s)
}

// Shutdown attempts a best-effort OFFLINE announcement and cancels any
// pending retry. Not guaranteed delivered when the network is already down.
// The publisher stays usable: the next connect publishes ONLINE again, so a
// logout followed by a fresh login keeps announcing.
func (p *Publisher) Shutdown() {
	p.clearPending()
	_ = p.publish(StatusOffline)
}

// Close releases the transport hook. The publisher must not be used after.
func (p *Publisher) Close() {
	p.clearPending()
	if p.offConnected != nil {
		p.offConnected()
		p.offConnected = nil
	}
}

// Pending returns the currently pending status, "" when none.
func (p *Publisher) Pending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *Publisher) onConnected() {
	p.mu.Lock()
	toSend := p.pending
	p.mu.Unlock()
	if toSend == "" {
		toSend = StatusOnline
	}
	if p.publish(toSend) {
		p.clearPending()
		return
	}
	p.setPending(toSend)
}

// publish attempts one immediate send. False when the channel is not ready
// or the send fails.
func (p *Publisher) publish(status string) bool {
	creds, ok := p.ch.Identity()
	if !ok || !p.ch.Connected() {
		return false
	}
	err := p.ch.Send(transport.TypePresence, transport.PresencePayload{
		UserID: creds.UserID,
		Status: status,
	})
	if err != nil {
		log.Warnf("publish %s: %v", status, err)
		return false
	}
	log.Debugf("published %s", status)
	return true
}

// setPending overwrites the pending value and restarts the retry schedule
// from attempt zero. Newer requests supersede older pending ones.
func (p *Publisher) setPending(status string) {
	p.mu.Lock()
	p.pending = status
	if p.retryT != nil {
		p.retryT.Stop()
	}
	p.retryT = p.policy.Start(p.tryPending, func() {
		p.mu.Lock()
		dropped := p.pending
		p.pending = ""
		p.retryT = nil
		p.mu.Unlock()
		log.Warnf("presence retry exhausted, dropping %s", dropped)
	})
	p.mu.Unlock()
}

func (p *Publisher) tryPending() bool {
	p.mu.Lock()
	status := p.pending
	p.mu.Unlock()
	if status == "" {
		return true
	}
	if !p.publish(status) {
		return false
	}
	p.clearPending()
	return true
}

func (p *Publisher) clearPending() {
	p.mu.Lock()
	p.pending = ""
	if p.retryT != nil {
		p.retryT.Stop()
		p.retryT = nil
	}
	p.mu.Unlock()
}

func normalize(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	if s == "" {
		return StatusOnline
	}
	return s
}
