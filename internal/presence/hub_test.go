package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
	}
	return Event{}
}

func TestHubTrackBroadcastsJoinAndSync(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	room := uuid.New()
	a := Member{ID: uuid.New(), Name: "Ann"}
	b := Member{ID: uuid.New(), Name: "Bob"}

	chA := hub.Channel()
	evA, err := chA.Track(ctx, room, a)
	require.NoError(t, err)
	sync := recv(t, evA)
	assert.Equal(t, EventSync, sync.Kind)
	assert.True(t, sync.Set.Has(a.ID))

	chB := hub.Channel()
	evB, err := chB.Track(ctx, room, b)
	require.NoError(t, err)

	join := recv(t, evA)
	assert.Equal(t, EventJoin, join.Kind)
	assert.Equal(t, b.ID, join.Member.ID)

	syncB := recv(t, evB)
	assert.Len(t, syncB.Set, 2)

	snap, err := chA.Snapshot(ctx, room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, snap.IDs())
}

func TestHubUntrackBroadcastsLeave(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	room := uuid.New()
	a := Member{ID: uuid.New()}
	b := Member{ID: uuid.New()}

	chA := hub.Channel()
	evA, err := chA.Track(ctx, room, a)
	require.NoError(t, err)
	recv(t, evA)

	chB := hub.Channel()
	evB, err := chB.Track(ctx, room, b)
	require.NoError(t, err)
	recv(t, evA)

	require.NoError(t, chB.Untrack(ctx))
	leave := recv(t, evA)
	assert.Equal(t, EventLeave, leave.Kind)
	assert.Equal(t, b.ID, leave.Member.ID)

	// drain the sync, then expect the closed stream
	recv(t, evB)
	_, open := <-evB
	assert.False(t, open)

	require.NoError(t, chB.Untrack(ctx), "second untrack is a no-op")
}

func TestHubTrackTwiceFails(t *testing.T) {
	ch := NewHub().Channel()
	_, err := ch.Track(context.Background(), uuid.New(), Member{ID: uuid.New()})
	require.NoError(t, err)
	_, err = ch.Track(context.Background(), uuid.New(), Member{ID: uuid.New()})
	assert.Error(t, err)
}

func TestSetApply(t *testing.T) {
	a := Member{ID: uuid.New()}
	b := Member{ID: uuid.New()}
	s := Set{}.Apply(Event{Kind: EventJoin, Member: a})
	s = s.Apply(Event{Kind: EventJoin, Member: b})
	assert.Len(t, s, 2)
	s = s.Apply(Event{Kind: EventLeave, Member: a})
	assert.False(t, s.Has(a.ID))
	s = s.Apply(Event{Kind: EventSync, Set: Set{a.ID: a}})
	assert.True(t, s.Has(a.ID))
	assert.False(t, s.Has(b.ID))
}
