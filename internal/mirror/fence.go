package mirror

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resource names the kind of row a fence protects.
type Resource string

const (
	ResourceRoom      Resource = "room"
	ResourcePlayer    Resource = "player"
	ResourceGameState Resource = "game_state"
)

// Fence records a local optimistic write. BaseVersion is the version the write
// was derived from; AckVersion is the version the store assigned, once known.
type Fence struct {
	At          time.Time
	BaseVersion int64
	AckVersion  int64
	Acked       bool
}

type fenceKey struct {
	res Resource
	id  uuid.UUID
}

// Fences is the set of write fences for one client.
type Fences struct {
	mu    sync.Mutex
	grace time.Duration
	m     map[fenceKey]Fence
}

// NewFences creates an empty fence set with the given grace window.
func NewFences(grace time.Duration) *Fences {
	return &Fences{grace: grace, m: make(map[fenceKey]Fence)}
}

// Mark records a local write of (res, id) derived from base at now.
func (f *Fences) Mark(res Resource, id uuid.UUID, base int64, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[fenceKey{res, id}] = Fence{At: now, BaseVersion: base}
}

// Ack records the version the store assigned to the fenced write.
func (f *Fences) Ack(res Resource, id uuid.UUID, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fenceKey{res, id}
	fence, ok := f.m[k]
	if !ok {
		return
	}
	fence.Acked = true
	if version > fence.AckVersion {
		fence.AckVersion = version
	}
	f.m[k] = fence
}

// Clear drops the fence for (res, id).
func (f *Fences) Clear(res Resource, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, fenceKey{res, id})
}

// Get returns the fence for (res, id), if any.
func (f *Fences) Get(res Resource, id uuid.UUID) (Fence, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fence, ok := f.m[fenceKey{res, id}]
	return fence, ok
}

// Allow reports whether an inbound value of (res, id) at version may replace
// the mirror. Outside the grace window remote data always wins. Inside it, a
// value is discarded while the local write is unacknowledged, or when it is
// not newer than both the write's base and its acknowledged version.
func (f *Fences) Allow(res Resource, id uuid.UUID, version int64, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fenceKey{res, id}
	fence, ok := f.m[k]
	if !ok {
		return true
	}
	if now.Sub(fence.At) > f.grace {
		delete(f.m, k)
		return true
	}
	if !fence.Acked {
		return false
	}
	floor := fence.BaseVersion
	if fence.AckVersion > floor {
		floor = fence.AckVersion
	}
	return version > floor
}

// Prune drops fences whose grace window has elapsed.
func (f *Fences) Prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, fence := range f.m {
		if now.Sub(fence.At) > f.grace {
			delete(f.m, k)
		}
	}
}
