package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(t *testing.T, s Store, code string) *models.Room {
	t.Helper()
	room := &models.Room{Code: code, Status: models.RoomStatusLobby, Settings: models.DefaultSettings()}
	require.NoError(t, s.CreateRoom(context.Background(), room))
	return room
}

func TestMemoryStoreVersionsIncrease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryOptions{})
	room := newRoom(t, s, "ABCD")
	assert.Equal(t, int64(1), room.Version)

	room.Settings.ScoreTarget = 20
	v, err := s.UpdateRoom(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	p := &models.Player{RoomID: room.ID, Name: "Ada"}
	require.NoError(t, s.InsertPlayer(ctx, p))
	updated, err := s.PatchPlayer(ctx, p.ID, models.PlayerPatch{LastAnswer: models.Ptr("text:hi")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "text:hi", updated.LastAnswer)
}

func TestMemoryStoreCompareAndSetPhase(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryOptions{})
	room := newRoom(t, s, "WXYZ")
	_, err := s.PutGameState(ctx, &models.GameState{RoomID: room.ID, Phase: models.PhaseLobby})
	require.NoError(t, err)

	version, ok, err := s.CompareAndSetPhase(ctx, room.ID, models.PhaseLobby, models.GameState{Phase: models.PhaseText})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, version)

	_, ok, err = s.CompareAndSetPhase(ctx, room.ID, models.PhaseLobby, models.GameState{Phase: models.PhaseEmoji1})
	require.NoError(t, err)
	assert.False(t, ok, "second writer expecting lobby must lose")

	gs, err := s.GetGameState(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseText, gs.Phase)
}

func TestMemoryStoreFeedDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(MemoryOptions{Duplicate: true})
	room := newRoom(t, s, "QRST")

	feed, err := s.Subscribe(ctx, room.ID)
	require.NoError(t, err)

	p := &models.Player{RoomID: room.ID, Name: "Bo"}
	require.NoError(t, s.InsertPlayer(ctx, p))

	for i := 0; i < 2; i++ {
		select {
		case ev := <-feed:
			assert.Equal(t, TablePlayers, ev.Table)
			assert.Equal(t, p.ID, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("expected duplicated notification")
		}
	}
}

func TestMemoryStoreFeedClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(MemoryOptions{})
	room := newRoom(t, s, "MNPQ")
	feed, err := s.Subscribe(ctx, room.ID)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-feed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed did not close")
	}
}

func TestMemoryStoreOffline(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryOptions{})
	s.SetOffline(true)
	_, err := s.GetRoom(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrConnectionTimeout)
	s.SetOffline(false)
	_, err = s.GetRoom(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeleteRoomCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryOptions{})
	room := newRoom(t, s, "HJKL")
	require.NoError(t, s.InsertPlayer(ctx, &models.Player{RoomID: room.ID, Name: "Cy"}))
	require.NoError(t, s.DeleteRoom(ctx, room.ID))

	players, err := s.ListPlayers(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, players)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h/db", migrateURL("postgres://u:p@h/db"))
	assert.Equal(t, "pgx5://u:p@h/db", migrateURL("postgresql://u:p@h/db"))
	assert.Equal(t, "pgx5://x", migrateURL("pgx5://x"))
}
