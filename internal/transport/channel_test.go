package transport

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
)

type fakeConn struct {
	mu        sync.Mutex
	written   []Frame
	failWrite bool

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) setFailWrite(fail bool) {
	f.mu.Lock()
	f.failWrite = fail
	f.mu.Unlock()
}

func (f *fakeConn) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) deliver(t *testing.T, fr Frame) {
	t.Helper()
	data, err := json.Marshal(fr)
	require.NoError(t, err)
	f.inbox <- data
}

// fakeDialer hands out conns in sequence, one per dial, after failing the
// first `failures` attempts.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    int
}

func (d *fakeDialer) dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestChannel(t *testing.T, conns ...*fakeConn) (*Channel, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{conns: conns}
	ch := NewChannel(Options{
		URL:       "ws://test/ws",
		Dialer:    d.dial,
		Reconnect: retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	t.Cleanup(ch.Disconnect)
	return ch, d
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	require.Eventually(t, ch.Connected, time.Second, 2*time.Millisecond)
}

func TestSendQueuesWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newTestChannel(t, conn)

	require.NoError(t, ch.Send("presence", map[string]string{"status": "ONLINE"}))
	require.NoError(t, ch.Send("chat:1_2", map[string]string{"content": "hi"}))
	assert.Empty(t, conn.frames())

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)

	require.Eventually(t, func() bool { return len(conn.frames()) == 2 }, time.Second, 2*time.Millisecond)
	frames := conn.frames()
	assert.Equal(t, "presence", frames[0].Type)
	assert.Equal(t, "chat:1_2", frames[1].Type)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	ch := NewChannel(Options{
		URL:           "ws://test/ws",
		Dialer:        d.dial,
		QueueCapacity: 2,
	})
	t.Cleanup(ch.Disconnect)

	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, ch.Send(typ, nil))
	}

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	require.Eventually(t, func() bool { return len(conn.frames()) == 2 }, time.Second, 2*time.Millisecond)
	frames := conn.frames()
	assert.Equal(t, "second", frames[0].Type)
	assert.Equal(t, "third", frames[1].Type)
}

func TestSubscribeReturnsNilWhileDisconnected(t *testing.T) {
	ch, _ := newTestChannel(t)
	assert.Nil(t, ch.Subscribe("chat/1_2", func(json.RawMessage) {}))
}

func TestSubscribeSendsControlFrameAndDispatchesTopic(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newTestChannel(t, conn)
	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)

	got := make(chan json.RawMessage, 1)
	sub := ch.Subscribe("chat/1_2", func(p json.RawMessage) { got <- p })
	require.NotNil(t, sub)

	frames := conn.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "subscribe", frames[0].Type)
	assert.Equal(t, "chat/1_2", frames[0].Topic)

	conn.deliver(t, Frame{Type: "chat:message", Topic: "chat/1_2", Payload: json.RawMessage(`{"content":"hey"}`)})
	select {
	case p := <-got:
		assert.JSONEq(t, `{"content":"hey"}`, string(p))
	case <-time.After(time.Second):
		t.Fatal("topic handler not invoked")
	}

	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		frames := conn.frames()
		return frames[len(frames)-1].Type == "unsubscribe"
	}, time.Second, 2*time.Millisecond)
}

func TestWildcardListenerAndPanicIsolation(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newTestChannel(t, conn)

	ch.On("presence", func(Event) { panic("boom") })
	typed := make(chan Event, 1)
	ch.On("presence", func(e Event) { typed <- e })
	wild := make(chan Event, 1)
	ch.On(Wildcard, func(e Event) {
		if e.Type == "presence" {
			wild <- e
		}
	})

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)
	conn.deliver(t, Frame{Type: "presence", Payload: json.RawMessage(`{"userId":7,"status":"ONLINE"}`)})

	for name, c := range map[string]chan Event{"typed": typed, "wildcard": wild} {
		select {
		case e := <-c:
			var p PresencePayload
			require.NoError(t, e.Decode(&p))
			assert.Equal(t, int64(7), p.UserID)
		case <-time.After(time.Second):
			t.Fatalf("%s listener not invoked", name)
		}
	}
}

func TestWriteFailureRequeuesAndReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	ch, _ := newTestChannel(t, first, second)

	disconnected := make(chan struct{}, 1)
	ch.On(EventDisconnected, func(Event) {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)

	first.setFailWrite(true)
	require.Error(t, ch.Send("presence", map[string]string{"status": "AWAY"}))

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event after write failure")
	}

	// Reconnect flushes the requeued frame onto the fresh conn.
	require.Eventually(t, func() bool {
		for _, f := range second.frames() {
			if f.Type == "presence" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func TestReadFailureTriggersReconnectAndResubscribeWorks(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	ch, _ := newTestChannel(t, first, second)

	var connects int
	var mu sync.Mutex
	ch.On(EventConnected, func(Event) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)
	require.NotNil(t, ch.Subscribe("chat/1_2", func(json.RawMessage) {}))

	first.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2
	}, time.Second, 2*time.Millisecond)

	// Old subscription died with the connection.
	assert.Empty(t, second.frames())
	require.NotNil(t, ch.Subscribe("chat/1_2", func(json.RawMessage) {}))
}

func TestDisconnectClearsIdentityAndQueue(t *testing.T) {
	conn := newFakeConn()
	ch, _ := newTestChannel(t, conn)
	ch.Connect(Credentials{Token: "tok", UserID: 9})
	waitConnected(t, ch)

	ch.Disconnect()
	_, ok := ch.Identity()
	assert.False(t, ok)
	assert.False(t, ch.Connected())

	// Queued frames from before Disconnect must not leak into a new login.
	require.NoError(t, ch.Send("presence", nil))
	ch.Disconnect()
	ch2Conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{ch2Conn}}
	ch.dialer = d.dial
	ch.Connect(Credentials{Token: "tok2", UserID: 10})
	waitConnected(t, ch)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ch2Conn.frames())
}

func TestConversationIDSortsPair(t *testing.T) {
	assert.Equal(t, "3_12", ConversationID(12, 3))
	assert.Equal(t, "3_12", ConversationID(3, 12))
	assert.Equal(t, "chat/3_12", ConversationTopic(ConversationID(12, 3)))
	assert.Equal(t, "notifications/42", NotificationsTopic(42))
}

func TestFailedInitialDialRetriesUntilConnected(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}, failures: 2}
	ch := NewChannel(Options{
		URL:       "ws://test/ws",
		Dialer:    d.dial,
		Reconnect: retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	t.Cleanup(ch.Disconnect)

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	waitConnected(t, ch)
	assert.Equal(t, 3, d.dialCount())
}

func TestDisconnectAbandonsInitialDialRetry(t *testing.T) {
	d := &fakeDialer{failures: 1000}
	ch := NewChannel(Options{
		URL:       "ws://test/ws",
		Dialer:    d.dial,
		Reconnect: retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})

	ch.Connect(Credentials{Token: "tok", UserID: 1})
	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, time.Second, 2*time.Millisecond)

	ch.Disconnect()
	settled := d.dialCount()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, d.dialCount(), settled+1)
}

func TestConnectIdempotentWithSameCredentials(t *testing.T) {
	conn := newFakeConn()
	ch, d := newTestChannel(t, conn)
	creds := Credentials{Token: "tok", UserID: 1}
	ch.Connect(creds)
	waitConnected(t, ch)
	ch.Connect(creds)
	time.Sleep(20 * time.Millisecond)

	d.mu.Lock()
	dials := d.dials
	d.mu.Unlock()
	assert.Equal(t, 1, dials)
}
