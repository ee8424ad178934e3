// Package roster tracks the friend list and pending friend requests, fed by
// the REST friends endpoints and updated live from presence frames.
package roster

import (
	"sync"
	"time"
)

// Friend is one roster entry. Status holds the last presence token seen for
// the user (ONLINE, OFFLINE, AWAY, DND); LastSeen is when it arrived.
type Friend struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// Request is one pending incoming friend request.
type Request struct {
	ID       int64  `json:"id"`
	FromID   int64  `json:"fromId"`
	Username string `json:"username"`
}

// Event describes one roster change for listeners.
type Event struct {
	Type     string    `json:"type"` // "friend", "presence", "remove", "request", "reset"
	FriendID int64     `json:"friendId,omitempty"`
	Friend   *Friend   `json:"friend,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Friends  []Friend  `json:"friends,omitempty"`
	Requests []Request `json:"requests,omitempty"`
}

// Table is the in-memory roster. All methods are safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	friends   map[int64]Friend
	requests  map[int64]Request
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		friends:  make(map[int64]Friend),
		requests: make(map[int64]Request),
	}
}

// Reset replaces the whole roster, typically after the REST friends fetch on
// login. Presence already learned for a surviving friend is preserved so the
// fetch does not blank out live statuses.
func (t *Table) Reset(friends []Friend, requests []Request) {
	t.mu.Lock()
	next := make(map[int64]Friend, len(friends))
	for _, f := range friends {
		if prev, ok := t.friends[f.ID]; ok && f.Status == "" {
			f.Status = prev.Status
			f.LastSeen = prev.LastSeen
		}
		next[f.ID] = f
	}
	t.friends = next
	t.requests = make(map[int64]Request, len(requests))
	for _, r := range requests {
		t.requests[r.ID] = r
	}
	snapshot := t.friendsLocked()
	reqs := t.requestsLocked()
	t.notify(Event{Type: "reset", Friends: snapshot, Requests: reqs})
	t.mu.Unlock()
}

// Upsert adds or updates one friend entry.
func (t *Table) Upsert(f Friend) {
	t.mu.Lock()
	if prev, ok := t.friends[f.ID]; ok && f.Status == "" {
		f.Status = prev.Status
		f.LastSeen = prev.LastSeen
	}
	t.friends[f.ID] = f
	t.notify(Event{Type: "friend", FriendID: f.ID, Friend: &f})
	t.mu.Unlock()
}

// SetPresence records a presence token for a friend. Unknown users are
// ignored; presence for strangers carries no roster meaning.
func (t *Table) SetPresence(userID int64, status string) {
	t.mu.Lock()
	f, ok := t.friends[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if f.Status == status {
		f.LastSeen = time.Now()
		t.friends[userID] = f
		t.mu.Unlock()
		return
	}
	f.Status = status
	f.LastSeen = time.Now()
	t.friends[userID] = f
	t.notify(Event{Type: "presence", FriendID: userID, Friend: &f})
	t.mu.Unlock()
}

// Remove drops a friend from the roster.
func (t *Table) Remove(userID int64) {
	t.mu.Lock()
	if _, ok := t.friends[userID]; ok {
		delete(t.friends, userID)
		t.notify(Event{Type: "remove", FriendID: userID})
	}
	t.mu.Unlock()
}

// AddRequest records an incoming friend request.
func (t *Table) AddRequest(r Request) {
	t.mu.Lock()
	t.requests[r.ID] = r
	t.notify(Event{Type: "request", Request: &r})
	t.mu.Unlock()
}

// ResolveRequest removes a pending request, adding the sender as a friend
// when accepted.
func (t *Table) ResolveRequest(requestID int64, accepted *Friend) {
	t.mu.Lock()
	delete(t.requests, requestID)
	if accepted != nil {
		t.friends[accepted.ID] = *accepted
		f := *accepted
		t.notify(Event{Type: "friend", FriendID: f.ID, Friend: &f})
	}
	t.mu.Unlock()
}

// Get returns one friend entry.
func (t *Table) Get(userID int64) (Friend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.friends[userID]
	return f, ok
}

// IsFriend reports roster membership.
func (t *Table) IsFriend(userID int64) bool {
	_, ok := t.Get(userID)
	return ok
}

// Friends returns a copy of all friend entries.
func (t *Table) Friends() []Friend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.friendsLocked()
}

// Requests returns a copy of all pending requests.
func (t *Table) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestsLocked()
}

// Subscribe returns a channel receiving roster events. Slow listeners drop
// events rather than block the table.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) friendsLocked() []Friend {
	out := make([]Friend, 0, len(t.friends))
	for _, f := range t.friends {
		out = append(out, f)
	}
	return out
}

func (t *Table) requestsLocked() []Request {
	out := make([]Request, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, r)
	}
	return out
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
