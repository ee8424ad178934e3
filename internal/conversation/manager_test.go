package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/transport"
)

type fakeConn struct {
	mu      sync.Mutex
	written []transport.Frame
	inbox   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.inbox:
		return m, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	var fr transport.Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) frames() []transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Frame, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) topicsOf(typ string) []string {
	var out []string
	for _, fr := range f.frames() {
		if fr.Type == typ {
			out = append(out, fr.Topic)
		}
	}
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	persisted []Message
	appended  []Message
	confirmed []string
	deleted   []string
}

func (s *fakeStore) AppendMessage(_ string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, m)
	return nil
}

func (s *fakeStore) ConfirmMessage(_ string, localID string, _ Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, localID)
	return nil
}

func (s *fakeStore) Messages(_ string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.persisted
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]Message(nil), out...), nil
}

func (s *fakeStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func newConnectedChannel(t *testing.T, conns ...*fakeConn) (*transport.Channel, *fakeConn) {
	t.Helper()
	idx := 0
	var mu sync.Mutex
	ch := transport.NewChannel(transport.Options{
		URL: "ws://test/ws",
		Dialer: func(context.Context, string, http.Header) (transport.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			if idx >= len(conns) {
				return nil, errors.New("no more conns")
			}
			c := conns[idx]
			idx++
			return c, nil
		},
		Reconnect: retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	t.Cleanup(ch.Disconnect)
	ch.Connect(transport.Credentials{Token: "tok", UserID: 1})
	require.Eventually(t, ch.Connected, time.Second, 2*time.Millisecond)
	return ch, conns[0]
}

func TestSetActiveKeepsSingleSubscription(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	m := New(ch, 1, nil)
	defer m.Close()

	m.SetActive("1_2")
	require.Eventually(t, m.Subscribed, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"chat/1_2"}, conn.topicsOf("subscribe"))

	m.SetActive("1_3")
	require.Eventually(t, func() bool {
		return len(conn.topicsOf("subscribe")) == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"chat/1_2"}, conn.topicsOf("unsubscribe"))
	assert.Equal(t, "1_3", m.Active())
}

func TestSendTextAppendsOptimisticAndPersists(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	store := &fakeStore{}
	m := New(ch, 1, store)
	defer m.Close()

	msg, err := m.SendText("1_2", 2, "hello")
	require.NoError(t, err)
	assert.True(t, msg.Optimistic)
	assert.NotEmpty(t, msg.LocalID)
	assert.Zero(t, msg.ID)

	hist := m.History("1_2")
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Content)

	store.mu.Lock()
	assert.Len(t, store.appended, 1)
	store.mu.Unlock()

	var sent bool
	for _, fr := range conn.frames() {
		if fr.Type == "chat:1_2" {
			sent = true
		}
	}
	assert.True(t, sent)
}

func TestIngestReconcilesOptimisticEcho(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	store := &fakeStore{}
	m := New(ch, 1, store)
	defer m.Close()

	local, err := m.SendText("1_2", 2, "hello")
	require.NoError(t, err)

	m.Ingest("1_2", Message{ID: 99, SenderID: 1, ReceiverID: 2, Content: "hello", Timestamp: 1234})

	hist := m.History("1_2")
	require.Len(t, hist, 1)
	assert.Equal(t, int64(99), hist[0].ID)
	assert.Equal(t, local.LocalID, hist[0].LocalID)
	assert.False(t, hist[0].Optimistic)

	store.mu.Lock()
	assert.Equal(t, []string{local.LocalID}, store.confirmed)
	store.mu.Unlock()
}

func TestIngestDedupesByServerID(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	m := New(ch, 1, nil)
	defer m.Close()

	echo := Message{ID: 7, SenderID: 2, ReceiverID: 1, Content: "yo", Timestamp: 1}
	m.Ingest("1_2", echo)
	m.Ingest("1_2", echo)

	assert.Len(t, m.History("1_2"), 1)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	ch, _ := newConnectedChannel(t, first, second)
	m := New(ch, 1, nil)
	defer m.Close()

	m.SetActive("1_2")
	require.Eventually(t, m.Subscribed, time.Second, 2*time.Millisecond)

	first.Close()

	require.Eventually(t, func() bool {
		return len(second.topicsOf("subscribe")) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"chat/1_2"}, second.topicsOf("subscribe"))
}

func TestSetActiveWhileDisconnectedSubscribesOnRetry(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	m := New(ch, 1, nil)
	m.policy = retry.Policy{MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	defer m.Close()

	// Unsubscribed channel state: sever the conn; subscription must appear
	// once the channel is back.
	conn.Close()
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, 2*time.Millisecond)
	m.SetActive("1_2")
	assert.False(t, m.Subscribed())
}

func TestClearDropsHistoryAndStoreRows(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	store := &fakeStore{}
	m := New(ch, 1, store)
	defer m.Close()

	m.Ingest("1_2", Message{ID: 5, SenderID: 2, ReceiverID: 1, Content: "x", Timestamp: 1})
	m.Clear("1_2")

	assert.Empty(t, m.History("1_2"))
	store.mu.Lock()
	assert.Equal(t, []string{"1_2"}, store.deleted)
	store.mu.Unlock()
}

func TestSetActiveLoadsPersistedHistory(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	store := &fakeStore{persisted: []Message{
		{ID: 1, SenderID: 2, ReceiverID: 1, Content: "old", Timestamp: 10},
		{ID: 2, SenderID: 1, ReceiverID: 2, Content: "older", Timestamp: 20},
	}}
	m := New(ch, 1, store)
	defer m.Close()

	m.SetActive("1_2")
	hist := m.History("1_2")
	require.Len(t, hist, 2)
	assert.Equal(t, "old", hist[0].Content)

	// A live echo of a stored message must not duplicate it.
	m.Ingest("1_2", Message{ID: 2, SenderID: 1, ReceiverID: 2, Content: "older", Timestamp: 20})
	assert.Len(t, m.History("1_2"), 2)
}

func TestHistoryBounded(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newConnectedChannel(t, conn)
	m := New(ch, 1, nil)
	m.SetHistoryCap(3)
	defer m.Close()

	for i := int64(1); i <= 5; i++ {
		m.Ingest("1_2", Message{ID: i, SenderID: 2, ReceiverID: 1, Content: "m", Timestamp: i})
	}
	hist := m.History("1_2")
	require.Len(t, hist, 3)
	assert.Equal(t, int64(3), hist[0].ID)
	assert.Equal(t, int64(5), hist[2].ID)
}
