// internal/database/postgres.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/sirupsen/logrus"
)

// NotifyChannel is the LISTEN channel the schema triggers publish to.
const NotifyChannel = "emojichain_changes"

// PostgresStore implements Store on a pgx pool. Change notifications come
// from row triggers via LISTEN/NOTIFY.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool, logger logrus.FieldLogger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const roomColumns = `id, code, status, settings, version, created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	var status string
	var settings []byte
	if err := row.Scan(&r.ID, &r.Code, &status, &settings, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = models.RoomStatus(status)
	if err := json.Unmarshal(settings, &r.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode room settings: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	settings, err := json.Marshal(room.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode room settings: %w", err)
	}
	q := `
	INSERT INTO rooms (id, code, status, settings)
	VALUES ($1, $2, $3, $4::jsonb)
	RETURNING version, created_at, updated_at
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, room.ID, room.Code, string(room.Status), string(settings)).
			Scan(&room.Version, &room.CreatedAt, &room.UpdatedAt)
	})
}

func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	return scanRoom(s.pool.QueryRow(ctx, q, id))
}

func (s *PostgresStore) FindRoomsByCode(ctx context.Context, code string) ([]models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE UPPER(code) = UPPER($1) ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, room *models.Room) (int64, error) {
	settings, err := json.Marshal(room.Settings)
	if err != nil {
		return 0, fmt.Errorf("failed to encode room settings: %w", err)
	}
	q := `
	UPDATE rooms
	   SET code = $2, status = $3, settings = $4::jsonb,
	       version = version + 1, updated_at = NOW()
	 WHERE id = $1
	RETURNING version
	`
	var version int64
	err = s.pool.QueryRow(ctx, q, room.ID, room.Code, string(room.Status), string(settings)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

// DeleteRoom removes the room; players and game state cascade.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
		return err
	})
}

const playerColumns = `id, room_id, name, avatar, is_host, score, votes_used, last_answer, last_seen, joined_at, version`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var p models.Player
	var votes []byte
	err := row.Scan(&p.ID, &p.RoomID, &p.Name, &p.Avatar, &p.IsHost, &p.Score,
		&votes, &p.LastAnswer, &p.LastSeen, &p.JoinedAt, &p.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &p.VotesUsed); err != nil {
			return nil, fmt.Errorf("failed to decode votes_used: %w", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context, roomID uuid.UUID) ([]models.Player, error) {
	q := `SELECT ` + playerColumns + ` FROM players WHERE room_id = $1 ORDER BY joined_at`
	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []models.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	q := `SELECT ` + playerColumns + ` FROM players WHERE id = $1`
	return scanPlayer(s.pool.QueryRow(ctx, q, id))
}

func (s *PostgresStore) InsertPlayer(ctx context.Context, player *models.Player) error {
	if player.ID == uuid.Nil {
		player.ID = uuid.New()
	}
	votes, err := json.Marshal(player.VotesUsed)
	if err != nil {
		return fmt.Errorf("failed to encode votes_used: %w", err)
	}
	if player.VotesUsed == nil {
		votes = []byte("{}")
	}
	q := `
	INSERT INTO players (id, room_id, name, avatar, is_host, score, votes_used, last_answer)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	RETURNING last_seen, joined_at, version
	`
	err = s.pool.QueryRow(ctx, q, player.ID, player.RoomID, player.Name, player.Avatar,
		player.IsHost, player.Score, string(votes), player.LastAnswer).
		Scan(&player.LastSeen, &player.JoinedAt, &player.Version)
	if err != nil {
		var fkErr interface{ SQLState() string }
		if errors.As(err, &fkErr) && fkErr.SQLState() == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert player: %w", err)
	}
	return nil
}

func (s *PostgresStore) PatchPlayer(ctx context.Context, id uuid.UUID, patch models.PlayerPatch) (*models.Player, error) {
	sets := []string{"version = version + 1"}
	args := []interface{}{id}
	add := func(col string, val interface{}, cast string) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
	}
	if patch.Name != nil {
		add("name", *patch.Name, "")
	}
	if patch.IsHost != nil {
		add("is_host", *patch.IsHost, "")
	}
	if patch.Score != nil {
		add("score", *patch.Score, "")
	}
	if patch.VotesUsed != nil {
		votes, err := json.Marshal(patch.VotesUsed)
		if err != nil {
			return nil, fmt.Errorf("failed to encode votes_used: %w", err)
		}
		add("votes_used", string(votes), "::jsonb")
	}
	if patch.LastAnswer != nil {
		add("last_answer", *patch.LastAnswer, "")
	}
	if patch.LastSeen != nil {
		add("last_seen", *patch.LastSeen, "")
	}
	q := `UPDATE players SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + playerColumns
	return scanPlayer(s.pool.QueryRow(ctx, q, args...))
}

func (s *PostgresStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM players WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error) {
	var gs models.GameState
	var phase string
	q := `SELECT room_id, phase, phase_expiry, version, updated_at FROM game_states WHERE room_id = $1`
	err := s.pool.QueryRow(ctx, q, roomID).Scan(&gs.RoomID, &phase, &gs.PhaseExpiry, &gs.Version, &gs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	gs.Phase = models.Phase(phase)
	return &gs, nil
}

func (s *PostgresStore) PutGameState(ctx context.Context, state *models.GameState) (int64, error) {
	q := `
	INSERT INTO game_states (room_id, phase, phase_expiry)
	VALUES ($1, $2, $3)
	ON CONFLICT (room_id)
	DO UPDATE SET phase = EXCLUDED.phase, phase_expiry = EXCLUDED.phase_expiry,
	              version = game_states.version + 1, updated_at = NOW()
	RETURNING version
	`
	var version int64
	err := s.pool.QueryRow(ctx, q, state.RoomID, string(state.Phase), state.PhaseExpiry).Scan(&version)
	return version, err
}

func (s *PostgresStore) CompareAndSetPhase(ctx context.Context, roomID uuid.UUID, expected models.Phase, next models.GameState) (int64, bool, error) {
	q := `
	UPDATE game_states
	   SET phase = $3, phase_expiry = $4, version = version + 1, updated_at = NOW()
	 WHERE room_id = $1 AND phase = $2
	RETURNING version
	`
	var version int64
	err := s.pool.QueryRow(ctx, q, roomID, string(expected), string(next.Phase), next.PhaseExpiry).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

type notification struct {
	Table  Table     `json:"table"`
	Op     Op        `json:"op"`
	ID     uuid.UUID `json:"id"`
	RoomID uuid.UUID `json:"room_id"`
}

// Subscribe listens on NotifyChannel and re-reads each changed row. A lost
// listener connection is re-established with backoff; the channel closes
// only when ctx is done.
func (s *PostgresStore) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan ChangeEvent, error) {
	out := make(chan ChangeEvent, 256)
	go func() {
		defer close(out)
		backoff := 500 * time.Millisecond
		for ctx.Err() == nil {
			err := s.listen(ctx, roomID, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).WithField("room", roomID).Warn("change feed listener lost, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 8*time.Second {
				backoff *= 2
			}
		}
	}()
	return out, nil
}

func (s *PostgresStore) listen(ctx context.Context, roomID uuid.UUID, out chan<- ChangeEvent) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer func() {
		// A connection still LISTENing must not go back to the pool.
		conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			s.logger.WithError(err).Debug("ignoring malformed notification")
			continue
		}
		if note.RoomID != roomID {
			continue
		}
		ev, err := s.load(ctx, note)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Row vanished before we read it; a delete notification follows.
				continue
			}
			s.logger.WithError(err).Debug("failed to load changed row")
			continue
		}
		select {
		case out <- ev:
		default:
			s.logger.WithField("room", roomID).Debug("change feed subscriber is slow, dropping event")
		}
	}
}

func (s *PostgresStore) load(ctx context.Context, note notification) (ChangeEvent, error) {
	ev := ChangeEvent{Table: note.Table, Op: note.Op, ID: note.ID, RoomID: note.RoomID, At: time.Now()}
	if note.Op == OpDelete {
		return ev, nil
	}
	var err error
	switch note.Table {
	case TableRooms:
		ev.Room, err = s.GetRoom(ctx, note.ID)
	case TablePlayers:
		ev.Player, err = s.GetPlayer(ctx, note.ID)
	case TableGameStates:
		ev.GameState, err = s.GetGameState(ctx, note.ID)
	default:
		err = fmt.Errorf("unknown table %q", note.Table)
	}
	return ev, err
}
