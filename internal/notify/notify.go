// Package notify carries value changes and peer table updates from
// the devices to outside listeners (websocket clients, MQTT).
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stapelberg/hmcentral/internal/logging"
)

type Kind string

const (
	PeerAdded    Kind = "peer-added"
	PeerRemoved  Kind = "peer-removed"
	ValueChanged Kind = "value-changed"
	Service      Kind = "service"
)

// Event is one notification. Address has the form SERIAL:CHANNEL.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	Time    time.Time      `json:"time"`
	Kind    Kind           `json:"kind"`
	Address string         `json:"address"`
	Values  map[string]any `json:"values,omitempty"`
}

func NewEvent(kind Kind, serial string, channel int, values map[string]any) Event {
	return Event{
		ID:      uuid.New(),
		Time:    time.Now(),
		Kind:    kind,
		Address: fmt.Sprintf("%s:%d", serial, channel),
		Values:  values,
	}
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher which drops all events.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Hub fans out events to subscribers and sinks. Subscribers which do
// not keep up lose events rather than stalling the publisher.
type Hub struct {
	mu    sync.Mutex
	next  int
	subs  map[int]chan Event
	sinks []Publisher
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// AddSink registers a sink which receives every event.
func (h *Hub) AddSink(s Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe returns a channel of events and a function to cancel the
// subscription, which closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	sinks := h.sinks
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logging.L().Debugf("subscriber %d too slow, dropping event %s", id, ev.ID)
		}
	}
	h.mu.Unlock()

	for _, s := range sinks {
		s.Publish(ev)
	}
}
