// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Table names a record family in the store.
type Table string

const (
	TableRooms      Table = "rooms"
	TablePlayers    Table = "players"
	TableGameStates Table = "game_states"
)

// Op is the kind of change a ChangeEvent describes.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeEvent is one notification from the change feed. Delivery is
// at-least-once and unordered across tables; for deletes only the ids are set.
type ChangeEvent struct {
	Table     Table
	Op        Op
	ID        uuid.UUID
	RoomID    uuid.UUID
	Room      *models.Room
	Player    *models.Player
	GameState *models.GameState
	At        time.Time
}

// Version returns the row version carried by the event, or zero for deletes.
func (ev ChangeEvent) Version() int64 {
	switch {
	case ev.Room != nil:
		return ev.Room.Version
	case ev.Player != nil:
		return ev.Player.Version
	case ev.GameState != nil:
		return ev.GameState.Version
	}
	return 0
}

// Store is the shared record store every client reads and writes. It enforces
// no business rules; every write bumps the row version by one.
type Store interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindRoomsByCode(ctx context.Context, code string) ([]models.Room, error)
	UpdateRoom(ctx context.Context, room *models.Room) (int64, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error

	ListPlayers(ctx context.Context, roomID uuid.UUID) ([]models.Player, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	InsertPlayer(ctx context.Context, player *models.Player) error
	PatchPlayer(ctx context.Context, id uuid.UUID, patch models.PlayerPatch) (*models.Player, error)
	DeletePlayer(ctx context.Context, id uuid.UUID) error

	GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error)
	PutGameState(ctx context.Context, state *models.GameState) (int64, error)
	// CompareAndSetPhase writes next only if the stored phase still equals
	// expected. It reports whether the write happened and, if so, the row's
	// new version.
	CompareAndSetPhase(ctx context.Context, roomID uuid.UUID, expected models.Phase, next models.GameState) (version int64, swapped bool, err error)

	// Subscribe streams changes for one room until ctx is done.
	Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan ChangeEvent, error)
}
