package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultToastTTL is how long a toast stays in the active list.
const DefaultToastTTL = 3500 * time.Millisecond

// Toast is one transient notification record.
type Toast struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// toaster owns the active toast list and its listener channels. Delivery is
// non-blocking; slow listeners miss toasts rather than stall the caller.
type toaster struct {
	ttl time.Duration

	mu        sync.Mutex
	active    []Toast
	listeners []chan Toast
}

func newToaster(ttl time.Duration) *toaster {
	if ttl <= 0 {
		ttl = DefaultToastTTL
	}
	return &toaster{ttl: ttl}
}

func (t *toaster) push(title, message string) Toast {
	toast := Toast{ID: uuid.NewString(), Title: title, Message: message}
	t.mu.Lock()
	t.active = append(t.active, toast)
	for _, l := range t.listeners {
		select {
		case l <- toast:
		default:
		}
	}
	t.mu.Unlock()

	time.AfterFunc(t.ttl, func() { t.expire(toast.ID) })
	return toast
}

func (t *toaster) expire(id string) {
	t.mu.Lock()
	for i, toast := range t.active {
		if toast.ID == id {
			t.active = append(t.active[:i], t.active[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

func (t *toaster) snapshot() []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Toast, len(t.active))
	copy(out, t.active)
	return out
}

func (t *toaster) subscribe() chan Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Toast, 8)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *toaster) unsubscribe(ch chan Toast) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *toaster) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.listeners {
		close(l)
	}
	t.listeners = nil
	t.active = nil
}
