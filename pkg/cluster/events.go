package cluster

import (
	"sync"

	"github.com/amirimatin/consul-cluster/pkg/node"
)

// EventType mirrors node.EventType at the façade boundary, keeping the
// internal node package decoupled from what external callers import.
type EventType string

const (
	EventMemberJoin  EventType = "member_join"
	EventMemberLeave EventType = "member_leave"
)

// Event is an application-consumable membership change.
type Event struct {
	Type EventType
	ID   string
}

// Listener is called once per Event, off the watch/dispatch goroutine.
// Handlers must not block for long.
type Listener func(Event)

// Subscribe registers l to receive every future membership event. It
// simply forwards node.Manager's own subscription, translating the event
// type at the boundary; there is no unsubscribe, mirroring
// node.Manager.Subscribe, which is append-only for the façade's lifetime.
func (c *Cluster) Subscribe(l Listener) {
	c.node.Subscribe(func(e node.Event) {
		switch e.Type {
		case node.EventJoin:
			l(Event{Type: EventMemberJoin, ID: e.ID})
		case node.EventLeave:
			l(Event{Type: EventMemberLeave, ID: e.ID})
		}
	})
}

// eventBus is a best-effort fan out of events to registered channels;
// unlike the façade's Listener callbacks (served by node.Manager's worker
// pool), a slow subscriber here only drops its own events, never blocks a
// watch. Nothing in the module registers a channel (add is never called),
// and the introspection endpoint serves no event stream.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.Unlock()
}
