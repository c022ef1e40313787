package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayServer(t *testing.T) (*PresenceRelay, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	relay := NewPresenceRelay(logger)
	mux := http.NewServeMux()
	relay.Routes(mux, logger)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return relay, srv
}

func nextEvent(t *testing.T, ch <-chan presence.Event) presence.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay event")
	}
	return presence.Event{}
}

func TestRelayJoinLeaveAndSnapshot(t *testing.T) {
	_, srv := newRelayServer(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()
	room := uuid.New()

	a := presence.NewRelayChannel(srv.URL, logger)
	memberA := presence.Member{ID: uuid.New(), Name: "Ann"}
	evA, err := a.Track(ctx, room, memberA)
	require.NoError(t, err)
	first := nextEvent(t, evA)
	assert.Equal(t, presence.EventSync, first.Kind)
	assert.True(t, first.Set.Has(memberA.ID))

	b := presence.NewRelayChannel(srv.URL, logger)
	memberB := presence.Member{ID: uuid.New(), Name: "Bob"}
	_, err = b.Track(ctx, room, memberB)
	require.NoError(t, err)

	join := nextEvent(t, evA)
	assert.Equal(t, presence.EventJoin, join.Kind)
	assert.Equal(t, memberB.ID, join.Member.ID)

	snap, err := a.Snapshot(ctx, room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{memberA.ID, memberB.ID}, snap.IDs())
	require.NoError(t, a.Refresh(ctx))

	require.NoError(t, b.Untrack(ctx))
	leave := nextEvent(t, evA)
	assert.Equal(t, presence.EventLeave, leave.Kind)
	assert.Equal(t, memberB.ID, leave.Member.ID)

	require.NoError(t, a.Untrack(ctx))
}

func TestRelayRejectsBadRoom(t *testing.T) {
	_, srv := newRelayServer(t)
	resp, err := http.Get(srv.URL + "/presence/not-a-uuid/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomFromPath(t *testing.T) {
	id := uuid.New()
	got, ok := roomFromPath("/presence/" + id.String() + "/members")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = roomFromPath("/presence/")
	assert.False(t, ok)
}
