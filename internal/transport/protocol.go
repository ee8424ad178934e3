// Package transport maintains the one persistent websocket channel to the
// Echo server. Wire format: JSON frames of {type, topic, payload}. Topic
// subscriptions and a local typed event registry are layered on top, with
// automatic reconnect and a bounded outbound queue while disconnected.
package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Control frame types understood by the server.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// Signal types carried over the channel. Outbound call signals address the
// remote user in the payload's "to" field; inbound ones carry "from".
const (
	TypeCallOffer  = "call:offer"
	TypeCallAnswer = "call:answer"
	TypeCallICE    = "call:ice"
	TypeCallEnd    = "call:end"
	TypeCallCancel = "call:cancel"
	TypePresence   = "presence"

	// Inbound notification types (per-user notifications topic).
	TypeChatMessage    = "chat:message"
	TypeFriendRequest  = "friend:request"
	TypeFriendAccepted = "friend:accepted"
	TypeUserUpdated    = "user:updated"

	// ChatTypePrefix + conversationID is the outbound chat message type.
	ChatTypePrefix = "chat:"
)

// Lifecycle event types emitted locally, never sent on the wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"

	// Wildcard listeners receive every event with its type tag.
	Wildcard = "*"
)

// Frame is the wire unit. ID is unique per send; ordering is preserved
// within a single connection epoch only.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is what local listeners receive: the frame's type tag plus payload.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// PresencePayload announces the local user's status to the presence topic.
type PresencePayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// ChatSendPayload is the outbound body of a chat:<conversationID> frame.
type ChatSendPayload struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// ConversationID returns the canonical topic id for an unordered pair of
// user ids: "<min>_<max>".
func ConversationID(a, b int64) string {
	if b < a {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + "_" + strconv.FormatInt(b, 10)
}

// ConversationTopic addresses one conversation's message stream.
func ConversationTopic(conversationID string) string {
	return "chat/" + conversationID
}

// NotificationsTopic addresses a user's personal notification stream.
func NotificationsTopic(userID int64) string {
	return "notifications/" + strconv.FormatInt(userID, 10)
}

// PresenceTopic is the shared presence broadcast topic.
const PresenceTopic = "presence"
