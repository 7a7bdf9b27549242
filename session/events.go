package session

import (
	"fmt"
	"sync"
	"time"

	"shv-client/handshake"
)

// EventKind names a notable session occurrence.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventHelloSent
	EventLoginSent
	EventAuthenticated
	EventLoginFailed
	EventRequestSent
	EventMessageReceived
	EventDecodeError
	EventNotification
	EventError
	EventDisconnected
)

var eventNames = [...]string{
	"state",
	"hello",
	"login",
	"authenticated",
	"login-failed",
	"request",
	"response",
	"decode-error",
	"notification",
	"error",
	"disconnected",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventNames[k]
}

// Event is one entry of the session's diagnostic log. State is the session state at
// the time the event was published.
type Event struct {
	Kind  EventKind
	State handshake.State
	Text  string
	Time  time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("15:04:05.000"), e.Kind, e.Text)
}

// hub fans events out to subscribers without ever blocking the publisher. A subscriber
// whose buffer is full misses the event.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// publish returns the number of subscribers that missed ev.
func (h *hub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

// close ends every subscription; later subscribers get a closed channel.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
