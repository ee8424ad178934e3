package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat history entry. Optimistic entries are created locally
// before server confirmation and carry only a LocalID; the server echo with
// a real ID replaces them in place.
type Message struct {
	ID         int64  `json:"id,omitempty"`
	LocalID    string `json:"localId,omitempty"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Optimistic bool   `json:"-"`
}

// newOptimistic creates the locally rendered copy of an outbound message.
func newOptimistic(senderID, receiverID int64, content string) Message {
	return Message{
		LocalID:    uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		Optimistic: true,
	}
}
