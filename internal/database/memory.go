// internal/database/memory.go
package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
)

// MemoryOptions tunes the in-memory change feed so tests can reproduce the
// delivery faults of a real realtime store.
type MemoryOptions struct {
	// Lag delays every notification.
	Lag time.Duration
	// Duplicate delivers every notification twice.
	Duplicate bool
	// Buffer is the per-subscriber queue size; notifications beyond it are dropped.
	Buffer int
}

// MemoryStore is an in-process Store shared by every client of one process.
type MemoryStore struct {
	mu      sync.Mutex
	opts    MemoryOptions
	offline bool

	rooms   map[uuid.UUID]*models.Room
	players map[uuid.UUID]*models.Player
	states  map[uuid.UUID]*models.GameState

	subs map[uuid.UUID]map[*memorySub]struct{}
	now  func() time.Time
}

type memorySub struct {
	mu     sync.Mutex
	ch     chan ChangeEvent
	closed bool
}

func (s *memorySub) send(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Slow subscriber; the periodic resync recovers the dropped change.
	}
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewMemoryStore initializes an empty store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &MemoryStore{
		opts:    opts,
		rooms:   make(map[uuid.UUID]*models.Room),
		players: make(map[uuid.UUID]*models.Player),
		states:  make(map[uuid.UUID]*models.GameState),
		subs:    make(map[uuid.UUID]map[*memorySub]struct{}),
		now:     time.Now,
	}
}

// SetOffline makes every call fail with ErrConnectionTimeout until cleared.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline {
		return models.ErrConnectionTimeout
	}
	return nil
}

// publishLocked fans ev out to the room's subscribers. Caller holds m.mu.
func (m *MemoryStore) publishLocked(ev ChangeEvent) {
	ev.At = m.now()
	for sub := range m.subs[ev.RoomID] {
		sub := sub
		deliver := func() {
			sub.send(ev)
			if m.opts.Duplicate {
				sub.send(ev)
			}
		}
		if m.opts.Lag > 0 {
			time.AfterFunc(m.opts.Lag, deliver)
		} else {
			deliver()
		}
	}
}

func (m *MemoryStore) CreateRoom(ctx context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	now := m.now().UTC()
	room.CreatedAt, room.UpdatedAt = now, now
	room.Version = 1
	m.rooms[room.ID] = room.Clone()
	m.publishLocked(ChangeEvent{Table: TableRooms, Op: OpInsert, ID: room.ID, RoomID: room.ID, Room: room.Clone()})
	return nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) FindRoomsByCode(ctx context.Context, code string) ([]models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []models.Room
	for _, r := range m.rooms {
		if strings.EqualFold(r.Code, code) {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRoom(ctx context.Context, room *models.Room) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	cur, ok := m.rooms[room.ID]
	if !ok {
		return 0, ErrNotFound
	}
	next := room.Clone()
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()
	next.Version = cur.Version + 1
	m.rooms[room.ID] = next
	m.publishLocked(ChangeEvent{Table: TableRooms, Op: OpUpdate, ID: room.ID, RoomID: room.ID, Room: next.Clone()})
	return next.Version, nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.rooms[id]; !ok {
		return nil
	}
	delete(m.rooms, id)
	delete(m.states, id)
	for pid, p := range m.players {
		if p.RoomID == id {
			delete(m.players, pid)
		}
	}
	m.publishLocked(ChangeEvent{Table: TableRooms, Op: OpDelete, ID: id, RoomID: id})
	return nil
}

func (m *MemoryStore) ListPlayers(ctx context.Context, roomID uuid.UUID) ([]models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []models.Player
	for _, p := range m.players {
		if p.RoomID == roomID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryStore) GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	p, ok := m.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p.Clone()
	return &cp, nil
}

func (m *MemoryStore) InsertPlayer(ctx context.Context, player *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.rooms[player.RoomID]; !ok {
		return ErrNotFound
	}
	if player.ID == uuid.Nil {
		player.ID = uuid.New()
	}
	now := m.now().UTC()
	if player.JoinedAt.IsZero() {
		player.JoinedAt = now
	}
	if player.LastSeen.IsZero() {
		player.LastSeen = now
	}
	player.Version = 1
	cp := player.Clone()
	m.players[player.ID] = &cp
	ev := cp.Clone()
	m.publishLocked(ChangeEvent{Table: TablePlayers, Op: OpInsert, ID: player.ID, RoomID: player.RoomID, Player: &ev})
	return nil
}

func (m *MemoryStore) PatchPlayer(ctx context.Context, id uuid.UUID, patch models.PlayerPatch) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	p, ok := m.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(p)
	p.Version++
	out := p.Clone()
	ev := p.Clone()
	m.publishLocked(ChangeEvent{Table: TablePlayers, Op: OpUpdate, ID: id, RoomID: p.RoomID, Player: &ev})
	return &out, nil
}

func (m *MemoryStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	p, ok := m.players[id]
	if !ok {
		return nil
	}
	delete(m.players, id)
	m.publishLocked(ChangeEvent{Table: TablePlayers, Op: OpDelete, ID: id, RoomID: p.RoomID})
	return nil
}

func (m *MemoryStore) GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	gs, ok := m.states[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return gs.Clone(), nil
}

func (m *MemoryStore) PutGameState(ctx context.Context, state *models.GameState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.putStateLocked(*state), nil
}

func (m *MemoryStore) putStateLocked(state models.GameState) int64 {
	op := OpInsert
	next := state.Clone()
	next.Version = 1
	if cur, ok := m.states[state.RoomID]; ok {
		op = OpUpdate
		next.Version = cur.Version + 1
	}
	next.UpdatedAt = m.now().UTC()
	m.states[state.RoomID] = next
	m.publishLocked(ChangeEvent{Table: TableGameStates, Op: op, ID: state.RoomID, RoomID: state.RoomID, GameState: next.Clone()})
	return next.Version
}

func (m *MemoryStore) CompareAndSetPhase(ctx context.Context, roomID uuid.UUID, expected models.Phase, next models.GameState) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, false, err
	}
	cur, ok := m.states[roomID]
	if !ok {
		return 0, false, ErrNotFound
	}
	if cur.Phase != expected {
		return 0, false, nil
	}
	next.RoomID = roomID
	return m.putStateLocked(next), true, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	sub := &memorySub{ch: make(chan ChangeEvent, m.opts.Buffer)}
	if m.subs[roomID] == nil {
		m.subs[roomID] = make(map[*memorySub]struct{})
	}
	m.subs[roomID][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[roomID], sub)
		if len(m.subs[roomID]) == 0 {
			delete(m.subs, roomID)
		}
		m.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}
