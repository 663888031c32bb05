// Package broadcast fans state changes out to listeners.
//
// Two delivery paths exist. Listeners registered with Subscribe are called
// synchronously, in registration order, on the goroutine that called Notify.
// Watchers registered with Watch receive an Event on a channel; they are the
// out-of-tree path for components that are not wired to the manager's
// listener list (websocket clients, relays).
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names the kind of change that triggered a notification.
type Topic string

const (
	TopicActivity Topic = "activity"
	TopicTickets  Topic = "tickets"
	TopicState    Topic = "state"
	TopicSport    Topic = "sport"
	TopicPending  Topic = "pending"
)

// Event is delivered to watchers once per notification.
type Event struct {
	Seq   uint64    `json:"seq"`
	Topic Topic     `json:"topic"`
	At    time.Time `json:"at"`
}

// PanicHandler receives a recovered listener panic.
type PanicHandler func(listener int, err error)

type listener struct {
	id uint64
	fn func()
}

type watcher struct {
	ch chan Event
}

// Hub is the publish/subscribe point. The zero value is not usable; use New.
type Hub struct {
	mu        sync.RWMutex
	listeners []listener
	watchers  map[uint64]*watcher
	nextID    uint64
	seq       uint64
	dropped   atomic.Uint64
	onPanic   PanicHandler
}

// New creates an empty hub. onPanic may be nil.
func New(onPanic PanicHandler) *Hub {
	return &Hub{
		watchers: make(map[uint64]*watcher),
		onPanic:  onPanic,
	}
}

// Subscribe registers fn and returns a disposer. Calling the disposer more
// than once has no further effect.
func (h *Hub) Subscribe(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, l := range h.listeners {
				if l.id == id {
					h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Watch returns a channel that receives one Event per notification. When the
// channel buffer is full the event is dropped; watchers are expected to
// re-read state rather than rely on every event. cancel closes the channel.
func (h *Hub) Watch(buffer int) (events <-chan Event, cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	w := &watcher{ch: make(chan Event, buffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.watchers[id] = w
	h.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			close(w.ch)
			h.mu.Unlock()
		})
	}
}

// Notify invokes every listener once, then emits one Event to every watcher.
// A panicking listener is recovered and reported; the rest still run.
func (h *Hub) Notify(topic Topic) Event {
	h.mu.Lock()
	h.seq++
	ev := Event{Seq: h.seq, Topic: topic, At: time.Now()}
	snapshot := make([]listener, len(h.listeners))
	copy(snapshot, h.listeners)
	h.mu.Unlock()

	for i, l := range snapshot {
		h.invoke(i, l.fn)
	}

	h.mu.RLock()
	for _, w := range h.watchers {
		select {
		case w.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()

	return ev
}

func (h *Hub) invoke(index int, fn func()) {
	defer func() {
		if r := recover(); r != nil && h.onPanic != nil {
			h.onPanic(index, fmt.Errorf("listener panic: %v", r))
		}
	}()
	fn()
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Watchers returns the number of open watch channels.
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Seq returns the sequence number of the last notification.
func (h *Hub) Seq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Dropped returns how many watcher events were discarded on full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
