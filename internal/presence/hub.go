package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-process presence broadcaster shared by clients of one process.
type Hub struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]map[*MemoryChannel]Member
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[uuid.UUID]map[*MemoryChannel]Member)}
}

// Channel returns a new client handle on the hub.
func (h *Hub) Channel() *MemoryChannel {
	return &MemoryChannel{hub: h}
}

func (h *Hub) setLocked(room uuid.UUID) Set {
	set := make(Set, len(h.rooms[room]))
	for _, m := range h.rooms[room] {
		set[m.ID] = m
	}
	return set
}

func (h *Hub) broadcastLocked(room uuid.UUID, ev Event, skip *MemoryChannel) {
	for ch := range h.rooms[room] {
		if ch != skip {
			ch.deliver(ev)
		}
	}
}

// MemoryChannel is a Channel on a Hub.
type MemoryChannel struct {
	hub    *Hub
	mu     sync.Mutex
	room   uuid.UUID
	self   Member
	events chan Event
}

func (c *MemoryChannel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *MemoryChannel) Track(ctx context.Context, room uuid.UUID, self Member) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.events != nil {
		c.mu.Unlock()
		return nil, errors.New("presence channel already tracking")
	}
	c.room, c.self = room, self
	c.events = make(chan Event, 64)
	events := c.events
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*MemoryChannel]Member)
	}
	h.rooms[room][c] = self
	h.broadcastLocked(room, Event{Kind: EventJoin, Member: self}, c)
	c.deliver(Event{Kind: EventSync, Set: h.setLocked(room)})
	h.mu.Unlock()
	return events, nil
}

func (c *MemoryChannel) Refresh(ctx context.Context) error {
	return ctx.Err()
}

func (c *MemoryChannel) Snapshot(ctx context.Context, room uuid.UUID) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.setLocked(room), nil
}

func (c *MemoryChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	room, self, events := c.room, c.self, c.events
	c.events = nil
	c.mu.Unlock()
	if events == nil {
		return nil
	}

	h := c.hub
	h.mu.Lock()
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.broadcastLocked(room, Event{Kind: EventLeave, Member: self}, c)
	h.mu.Unlock()
	close(events)
	return nil
}
