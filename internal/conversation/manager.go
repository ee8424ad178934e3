// Package conversation manages the single active conversation subscription
// and the per-conversation message history, including reconciliation of
// optimistic local messages with their server echoes.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/transport"
)

var log = logging.Logger("conversation")

// DefaultHistoryCap bounds the in-memory history per conversation.
const DefaultHistoryCap = 500

// DefaultSubscribeRetry covers subscription attempts that race a
// not-yet-ready transport.
var DefaultSubscribeRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// MessageStore persists history rows. Optional; nil disables persistence.
type MessageStore interface {
	AppendMessage(conversationID string, m Message) error
	ConfirmMessage(conversationID, localID string, m Message) error
	Messages(conversationID string, limit int) ([]Message, error)
	DeleteConversation(conversationID string) error
}

// Manager guarantees at most one live conversation subscription at a time.
type Manager struct {
	ch     *transport.Channel
	selfID int64
	policy retry.Policy
	store  MessageStore

	mu         sync.Mutex
	active     string
	sub        *transport.Subscription
	retryT     *retry.Timer
	history    map[string][]Message
	seen       map[string]map[int64]struct{}
	historyCap int

	listenerMu sync.RWMutex
	listeners  []chan Message

	offConnected func()
}

// New creates a Manager for the local user. The manager resubscribes the
// active conversation automatically after every successful (re)connect.
func New(ch *transport.Channel, selfID int64, store MessageStore) *Manager {
	m := &Manager{
		ch:         ch,
		selfID:     selfID,
		policy:     DefaultSubscribeRetry,
		store:      store,
		history:    make(map[string][]Message),
		seen:       make(map[string]map[int64]struct{}),
		historyCap: DefaultHistoryCap,
	}
	m.offConnected = ch.On(transport.EventConnected, func(transport.Event) {
		m.resubscribe()
	})
	return m
}

// SetActive switches the live subscription to conversationID. The previous
// topic is unsubscribed first; switching never leaves two subscriptions
// active. An empty id just tears the current one down.
func (m *Manager) SetActive(conversationID string) {
	m.mu.Lock()
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	if m.retryT != nil {
		m.retryT.Stop()
		m.retryT = nil
	}
	m.active = conversationID
	m.mu.Unlock()

	if conversationID == "" {
		return
	}
	m.loadHistory(conversationID)
	if !m.trySubscribe(conversationID) {
		m.scheduleSubscribe(conversationID)
	}
}

// SetHistoryCap bounds the in-memory history kept per conversation. Values
// below one keep the current cap.
func (m *Manager) SetHistoryCap(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.historyCap = n
	m.mu.Unlock()
}

// Active returns the currently selected conversation id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Subscribed reports whether a live subscription exists right now.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// SendText appends an optimistic history entry and transmits the message.
func (m *Manager) SendText(conversationID string, receiverID int64, content string) (Message, error) {
	if content == "" {
		return Message{}, fmt.Errorf("send: empty content")
	}
	msg := newOptimistic(m.selfID, receiverID, content)
	m.append(conversationID, msg)
	if m.store != nil {
		if err := m.store.AppendMessage(conversationID, msg); err != nil {
			log.Warnf("persist message: %v", err)
		}
	}
	err := m.ch.Send(transport.ChatTypePrefix+conversationID, transport.ChatSendPayload{
		ReceiverID: receiverID,
		Content:    content,
	})
	return msg, err
}

// Ingest processes one inbound chat message for a conversation. Duplicates
// (by server id) are dropped; echoes of optimistic local sends replace the
// optimistic entry in place instead of appending a duplicate.
func (m *Manager) Ingest(conversationID string, msg Message) {
	m.mu.Lock()
	if msg.ID != 0 {
		ids := m.seen[conversationID]
		if ids == nil {
			ids = make(map[int64]struct{})
			m.seen[conversationID] = ids
		}
		if _, dup := ids[msg.ID]; dup {
			m.mu.Unlock()
			return
		}
		ids[msg.ID] = struct{}{}
	}

	if msg.SenderID == m.selfID {
		hist := m.history[conversationID]
		for i := len(hist) - 1; i >= 0; i-- {
			e := hist[i]
			if e.Optimistic && e.Content == msg.Content {
				msg.LocalID = e.LocalID
				msg.Optimistic = false
				hist[i] = msg
				m.mu.Unlock()
				if m.store != nil {
					if err := m.store.ConfirmMessage(conversationID, msg.LocalID, msg); err != nil {
						log.Warnf("confirm message: %v", err)
					}
				}
				m.notify(msg)
				return
			}
		}
	}
	m.mu.Unlock()

	m.append(conversationID, msg)
	if m.store != nil {
		if err := m.store.AppendMessage(conversationID, msg); err != nil {
			log.Warnf("persist message: %v", err)
		}
	}
}

// History returns a copy of the conversation's messages, oldest first.
func (m *Manager) History(conversationID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[conversationID]
	out := make([]Message, len(hist))
	copy(out, hist)
	return out
}

// Clear drops local history for a conversation and deletes persisted rows.
func (m *Manager) Clear(conversationID string) {
	m.mu.Lock()
	delete(m.history, conversationID)
	delete(m.seen, conversationID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteConversation(conversationID); err != nil {
			log.Warnf("delete conversation %s: %v", conversationID, err)
		}
	}
}

// Subscribe returns a channel receiving every ingested or sent message.
func (m *Manager) Subscribe() <-chan Message {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	ch := make(chan Message, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan Message) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close tears down the subscription and listeners.
func (m *Manager) Close() {
	if m.offConnected != nil {
		m.offConnected()
		m.offConnected = nil
	}
	m.SetActive("")
	m.listenerMu.Lock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
	m.listenerMu.Unlock()
}

// loadHistory seeds the in-memory history from the store the first time a
// conversation becomes active. Server ids from persisted rows join the seen
// set so live echoes of already-stored messages dedupe.
func (m *Manager) loadHistory(conversationID string) {
	m.mu.Lock()
	_, loaded := m.history[conversationID]
	store := m.store
	limit := m.historyCap
	m.mu.Unlock()
	if loaded || store == nil {
		return
	}

	msgs, err := store.Messages(conversationID, limit)
	if err != nil {
		log.Warnf("load history for %s: %v", conversationID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	m.mu.Lock()
	if _, raced := m.history[conversationID]; !raced {
		m.history[conversationID] = msgs
		ids := make(map[int64]struct{}, len(msgs))
		for _, msg := range msgs {
			if msg.ID != 0 {
				ids[msg.ID] = struct{}{}
			}
		}
		m.seen[conversationID] = ids
	}
	m.mu.Unlock()
}

// trySubscribe attempts one subscription for conversationID. False when the
// transport is not ready or the conversation changed underneath.
func (m *Manager) trySubscribe(conversationID string) bool {
	m.mu.Lock()
	if m.active != conversationID {
		m.mu.Unlock()
		return true // superseded; stop retrying
	}
	if m.sub != nil {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	sub := m.ch.Subscribe(transport.ConversationTopic(conversationID), func(payload json.RawMessage) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Debugf("dropping malformed chat payload: %v", err)
			return
		}
		m.Ingest(conversationID, msg)
	})
	if sub == nil {
		return false
	}

	m.mu.Lock()
	if m.active != conversationID {
		m.mu.Unlock()
		sub.Unsubscribe()
		return true
	}
	m.sub = sub
	m.mu.Unlock()
	log.Debugf("subscribed to %s", conversationID)
	return true
}

func (m *Manager) scheduleSubscribe(conversationID string) {
	m.mu.Lock()
	if m.retryT != nil {
		m.retryT.Stop()
	}
	m.retryT = m.policy.Start(
		func() bool { return m.trySubscribe(conversationID) },
		func() { log.Warnf("subscribe %s: retries exhausted", conversationID) },
	)
	m.mu.Unlock()
}

// resubscribe re-establishes the active conversation after a reconnect.
// Subscriptions die with the connection, so the old handle is discarded.
func (m *Manager) resubscribe() {
	m.mu.Lock()
	active := m.active
	m.sub = nil
	if m.retryT != nil {
		m.retryT.Stop()
		m.retryT = nil
	}
	m.mu.Unlock()

	if active == "" {
		return
	}
	if !m.trySubscribe(active) {
		m.scheduleSubscribe(active)
	}
}

func (m *Manager) append(conversationID string, msg Message) {
	m.mu.Lock()
	hist := append(m.history[conversationID], msg)
	if len(hist) > m.historyCap {
		hist = hist[len(hist)-m.historyCap:]
	}
	m.history[conversationID] = hist
	m.mu.Unlock()
	m.notify(msg)
}

func (m *Manager) notify(msg Message) {
	m.listenerMu.RLock()
	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
		}
	}
	m.listenerMu.RUnlock()
}
