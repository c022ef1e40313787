// Package presence tracks which clients are connected to a room. Presence is
// ephemeral and never persisted; it only drives online/away decisions.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Member is one connected client.
type Member struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Set is a full membership view keyed by player id.
type Set map[uuid.UUID]Member

// Has reports whether id is present.
func (s Set) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the member ids in a stable order.
func (s Set) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Clone copies the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns the union of s and o; o wins on conflicting entries.
func (s Set) Merge(o Set) Set {
	out := s.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

// EventKind classifies presence events.
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
	EventSync  EventKind = "sync"
)

// Event is a presence change. Sync events carry the full membership in Set.
type Event struct {
	Kind   EventKind `json:"kind"`
	Member Member    `json:"member"`
	Set    Set       `json:"set,omitempty"`
}

// Apply folds ev into s and returns the resulting set.
func (s Set) Apply(ev Event) Set {
	switch ev.Kind {
	case EventJoin:
		out := s.Clone()
		out[ev.Member.ID] = ev.Member
		return out
	case EventLeave:
		out := s.Clone()
		delete(out, ev.Member.ID)
		return out
	case EventSync:
		return ev.Set.Clone()
	}
	return s
}

// Channel is a best-effort presence broadcast for one client.
type Channel interface {
	// Track announces self in room and streams membership events until Untrack.
	Track(ctx context.Context, room uuid.UUID, self Member) (<-chan Event, error)
	// Refresh renews the tracked member's liveness.
	Refresh(ctx context.Context) error
	// Snapshot returns the current membership of any room.
	Snapshot(ctx context.Context, room uuid.UUID) (Set, error)
	// Untrack leaves the room and closes the event stream.
	Untrack(ctx context.Context) error
}
