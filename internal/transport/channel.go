package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/util"
)

var log = logging.Logger("transport")

// DefaultQueueCapacity bounds the outbound queue held while disconnected.
// Oldest frames are dropped first when over capacity.
const DefaultQueueCapacity = 64

const dialTimeout = 10 * time.Second

// DefaultReconnect is the backoff schedule used after an unexpected
// connection loss. Unbounded attempts; abandoned once credentials are
// cleared via Disconnect.
var DefaultReconnect = retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}

// Credentials identify the local user on the channel.
type Credentials struct {
	Token  string
	UserID int64
}

// State of the underlying connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// TopicHandler receives the payload of every frame addressed to a
// subscribed topic.
type TopicHandler func(payload json.RawMessage)

// Subscription is a live binding of one topic to one handler. Unsubscribe
// releases it; the binding also dies with the connection (subscriptions do
// not survive a reconnect — callers resubscribe on the connected event).
type Subscription struct {
	topic string
	ch    *Channel
	once  sync.Once
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe releases the binding and notifies the server best-effort.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		c := s.ch
		c.mu.Lock()
		delete(c.topics, s.topic)
		conn := c.conn
		connected := c.state == Connected
		c.mu.Unlock()
		if connected && conn != nil {
			_ = c.writeConn(conn, Frame{Type: frameUnsubscribe, ID: uuid.NewString(), Topic: s.topic})
		}
	})
}

// Options configure a Channel.
type Options struct {
	URL           string
	Dialer        Dialer
	QueueCapacity int
	Reconnect     retry.Policy
}

// Channel is the one logical persistent connection to the server. Create it
// once, inject it into consumers, and Dispose of it via Disconnect.
type Channel struct {
	url       string
	dialer    Dialer
	reconnect retry.Policy

	mu     sync.Mutex
	state  State
	creds  Credentials
	conn   Conn
	gen    uint64 // connection generation; guards stale readers and timers
	queue  *util.RingBuffer[Frame]
	topics map[string]TopicHandler
	retryT *retry.Timer

	writeMu sync.Mutex // serializes writes to the active conn

	listenerMu sync.Mutex
	listeners  map[string]map[int]func(Event)
	nextID     int
}

// NewChannel creates a disconnected channel. No network activity happens
// until Connect.
func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Reconnect.BaseDelay == 0 {
		opts.Reconnect = DefaultReconnect
	}
	return &Channel{
		url:       opts.URL,
		dialer:    opts.Dialer,
		reconnect: opts.Reconnect,
		queue:     util.NewRingBuffer[Frame](opts.QueueCapacity),
		topics:    make(map[string]TopicHandler),
		listeners: make(map[string]map[int]func(Event)),
	}
}

// Connect establishes the connection. Idempotent: a second call with the
// same credentials while connected or connecting is a no-op. A credential
// change closes the stale connection first and dials fresh.
func (c *Channel) Connect(creds Credentials) {
	if creds.Token == "" {
		log.Warn("connect: missing token")
		return
	}
	c.mu.Lock()
	if c.creds == creds && c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.retryT != nil {
		c.retryT.Stop()
		c.retryT = nil
	}
	c.creds = creds
	c.gen++
	c.state = Disconnected
	c.mu.Unlock()
	go c.tryDial()
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// Identity returns the current credentials, false when none are set.
func (c *Channel) Identity() (Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, c.creds.Token != ""
}

// Send transmits a typed frame immediately when connected; otherwise the
// frame joins the bounded outbound queue and is flushed on the next
// successful connect. A write failure marks the connection lost and
// requeues the frame.
func (c *Channel) Send(typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send %s: marshal payload: %w", typ, err)
	}
	f := Frame{Type: typ, ID: uuid.NewString(), Payload: raw}

	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.queue.Push(f)
		c.mu.Unlock()
		log.Debugf("send %s: not connected, queued", typ)
		return nil
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	if err := c.writeConn(conn, f); err != nil {
		c.mu.Lock()
		c.queue.Push(f)
		c.mu.Unlock()
		c.connectionLost(conn, gen)
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// Subscribe registers a server-side subscription for topic. Returns nil
// while disconnected or when the subscribe frame cannot be written; the
// caller owns the retry.
func (c *Channel) Subscribe(topic string, fn TopicHandler) *Subscription {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		log.Debugf("subscribe %s: not connected", topic)
		return nil
	}
	c.topics[topic] = fn
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeConn(conn, Frame{Type: frameSubscribe, ID: uuid.NewString(), Topic: topic}); err != nil {
		log.Warnf("subscribe %s: %v", topic, err)
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
		return nil
	}
	return &Subscription{topic: topic, ch: c}
}

// On registers a local listener for an event type ("*" receives every
// event). The returned function removes the listener.
func (c *Channel) On(eventType string, fn func(Event)) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	set := c.listeners[eventType]
	if set == nil {
		set = make(map[int]func(Event))
		c.listeners[eventType] = set
	}
	set[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		if set, ok := c.listeners[eventType]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.listeners, eventType)
			}
		}
		c.listenerMu.Unlock()
	}
}

// Disconnect closes the connection, clears reconnect timers and the
// outbound queue, and forgets the credentials. Any scheduled reconnect is
// silently abandoned.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.retryT != nil {
		c.retryT.Stop()
		c.retryT = nil
	}
	c.gen++
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	c.creds = Credentials{}
	c.topics = make(map[string]TopicHandler)
	c.queue.Drain()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emit(EventDisconnected, nil)
}

// tryDial performs one connection attempt. Returns true when no further
// attempts are needed (success, or the attempt was superseded).
func (c *Channel) tryDial() bool {
	c.mu.Lock()
	if c.creds.Token == "" || c.state == Connected {
		c.mu.Unlock()
		return true
	}
	c.state = Connecting
	gen := c.gen
	url := c.url
	token := c.creds.Token
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := c.dialer(ctx, url, header)
	if err != nil {
		log.Warnf("dial %s: %v", url, err)
		c.mu.Lock()
		if c.gen == gen {
			c.state = Disconnected
			// A failed first dial must retry like a lost connection does,
			// so a login during a server blip still comes up eventually.
			if c.creds.Token != "" && c.retryT == nil {
				c.retryT = c.reconnect.Start(c.tryDial, nil)
			}
		}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	if c.gen != gen || c.creds.Token != token {
		c.mu.Unlock()
		_ = conn.Close()
		return true
	}
	c.state = Connected
	c.conn = conn
	if c.retryT != nil {
		c.retryT.Stop()
		c.retryT = nil
	}
	queued := c.queue.Drain()
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	for _, f := range queued {
		if err := c.writeConn(conn, f); err != nil {
			log.Warnf("flush %s: %v", f.Type, err)
			break
		}
	}
	log.Infof("connected, flushed %d queued frames", len(queued))
	c.emit(EventConnected, nil)
	return true
}

// connectionLost handles an unexpected closure of conn. No-op when the
// channel already moved on (generation mismatch). Schedules backoff
// reconnect while credentials are still known.
func (c *Channel) connectionLost(conn Conn, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = Disconnected
	c.conn = nil
	c.topics = make(map[string]TopicHandler)
	if c.creds.Token != "" && c.retryT == nil {
		c.retryT = c.reconnect.Start(c.tryDial, nil)
	}
	c.mu.Unlock()

	_ = conn.Close()
	log.Warn("connection lost, reconnect scheduled")
	c.emit(EventDisconnected, nil)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, gen)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			log.Debugf("dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f Frame) {
	if f.Topic != "" {
		c.mu.Lock()
		h := c.topics[f.Topic]
		c.mu.Unlock()
		if h != nil {
			safeCall(func() { h(f.Payload) })
		}
	}
	c.emit(f.Type, f.Payload)
}

// emit delivers an event to type listeners plus wildcard listeners.
// Iteration happens over a snapshot so handlers may subscribe/unsubscribe
// during delivery, and a panicking handler never blocks the rest.
func (c *Channel) emit(typ string, payload json.RawMessage) {
	evt := Event{Type: typ, Payload: payload}
	c.listenerMu.Lock()
	fns := make([]func(Event), 0, len(c.listeners[typ])+len(c.listeners[Wildcard]))
	for _, fn := range c.listeners[typ] {
		fns = append(fns, fn)
	}
	for _, fn := range c.listeners[Wildcard] {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		func(fn func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("listener panic on %s: %v", typ, r)
				}
			}()
			fn(evt)
		}(fn)
	}
}

func (c *Channel) writeConn(conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("topic handler panic: %v", r)
		}
	}()
	fn()
}
