// Package mirror keeps a client's local copy of a room's rows consistent with
// the shared record store despite a lagging, duplicating change feed.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/jason-s-yu/emojichain/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Source identifies which producer delivered an update to Apply.
type Source string

const (
	SourceFeed Source = "feed"
	SourcePoll Source = "poll"
)

// Options tunes a Synchronizer.
type Options struct {
	Grace     time.Duration // write fence grace window
	ResyncMin time.Duration
	ResyncMax time.Duration
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

func (o *Options) defaults() {
	if o.Grace <= 0 {
		o.Grace = 3 * time.Second
	}
	if o.ResyncMin <= 0 {
		o.ResyncMin = 5 * time.Second
	}
	if o.ResyncMax < o.ResyncMin {
		o.ResyncMax = o.ResyncMin
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Synchronizer owns the mirror of one room. Both the change feed and the
// periodic resync funnel through Apply, so the merge rule is the same no
// matter which producer saw a change first.
type Synchronizer struct {
	store  database.Store
	opts   Options
	logger logrus.FieldLogger
	fences *Fences

	mu         sync.Mutex
	roomID     uuid.UUID
	selfID     uuid.UUID
	room       *models.Room
	players    map[uuid.UUID]*models.Player
	state      *models.GameState
	presence   presence.Set
	roomGone   bool
	tombstones map[uuid.UUID]time.Time
	rng        *rand.Rand

	changes chan struct{}
}

// New creates a synchronizer for roomID on behalf of selfID.
func New(store database.Store, roomID, selfID uuid.UUID, opts Options) *Synchronizer {
	opts.defaults()
	return &Synchronizer{
		store:      store,
		opts:       opts,
		logger:     opts.Logger.WithFields(logrus.Fields{"room": roomID, "player": selfID}),
		fences:     NewFences(opts.Grace),
		roomID:     roomID,
		selfID:     selfID,
		players:    make(map[uuid.UUID]*models.Player),
		presence:   presence.Set{},
		tombstones: make(map[uuid.UUID]time.Time),
		rng:        rand.New(rand.NewSource(opts.Now().UnixNano())),
		changes:    make(chan struct{}, 1),
	}
}

// RoomID returns the mirrored room id.
func (s *Synchronizer) RoomID() uuid.UUID { return s.roomID }

// SelfID returns the local player id.
func (s *Synchronizer) SelfID() uuid.UUID { return s.selfID }

// Fences exposes the write fences, mainly for tests.
func (s *Synchronizer) Fences() *Fences { return s.fences }

// Changes is signalled, coalesced, whenever the mirror changes.
func (s *Synchronizer) Changes() <-chan struct{} { return s.changes }

func (s *Synchronizer) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// RoomGone reports whether the room row has been observed deleted.
func (s *Synchronizer) RoomGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomGone
}

// Snapshot returns an immutable copy of the mirror.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Room:      s.room.Clone(),
		GameState: s.state.Clone(),
		Presence:  s.presence.Clone(),
		SelfID:    s.selfID,
		TakenAt:   s.opts.Now(),
	}
	snap.Players = make([]models.Player, 0, len(s.players))
	for _, p := range s.players {
		snap.Players = append(snap.Players, p.Clone())
	}
	sort.Slice(snap.Players, func(i, j int) bool {
		if snap.Players[i].JoinedAt.Equal(snap.Players[j].JoinedAt) {
			return snap.Players[i].ID.String() < snap.Players[j].ID.String()
		}
		return snap.Players[i].JoinedAt.Before(snap.Players[j].JoinedAt)
	})
	return snap
}

// ApplyPresence folds a presence event into the mirror.
func (s *Synchronizer) ApplyPresence(ev presence.Event) {
	s.mu.Lock()
	s.presence = s.presence.Apply(ev)
	s.mu.Unlock()
	s.notify()
}

// SetPresence replaces the presence set.
func (s *Synchronizer) SetPresence(set presence.Set) {
	s.mu.Lock()
	s.presence = set.Clone()
	s.mu.Unlock()
	s.notify()
}

// Apply reconciles one change with the mirror and reports whether the mirror
// changed. Deletes from the feed always apply; deletions inferred by a poll
// respect the fences like any other inbound value.
func (s *Synchronizer) Apply(src Source, ev database.ChangeEvent) bool {
	now := s.opts.Now()
	s.mu.Lock()
	changed := s.applyLocked(src, ev, now)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

func (s *Synchronizer) applyLocked(src Source, ev database.ChangeEvent, now time.Time) bool {
	if ev.RoomID != uuid.Nil && ev.RoomID != s.roomID {
		return false
	}
	log := s.logger.WithFields(logrus.Fields{"source": src, "table": ev.Table, "op": ev.Op, "id": ev.ID})

	switch ev.Table {
	case database.TableRooms:
		if ev.Op == database.OpDelete {
			if s.room == nil && s.roomGone {
				return false
			}
			s.room, s.roomGone = nil, true
			return true
		}
		if ev.Room == nil {
			return false
		}
		if !s.fences.Allow(ResourceRoom, ev.ID, ev.Room.Version, now) {
			log.WithError(models.ErrStaleWriteConflict).Debug("fenced room update discarded")
			return false
		}
		if s.room != nil && s.room.Version >= ev.Room.Version {
			return false
		}
		s.room, s.roomGone = ev.Room.Clone(), false
		return true

	case database.TablePlayers:
		if ev.Op == database.OpDelete {
			if src == SourcePoll && !s.fences.Allow(ResourcePlayer, ev.ID, 0, now) {
				return false
			}
			if _, ok := s.players[ev.ID]; !ok {
				return false
			}
			delete(s.players, ev.ID)
			s.tombstones[ev.ID] = now
			return true
		}
		if ev.Player == nil {
			return false
		}
		if at, dead := s.tombstones[ev.ID]; dead {
			if src == SourceFeed && now.Sub(at) <= s.opts.Grace {
				return false
			}
			delete(s.tombstones, ev.ID)
		}
		if !s.fences.Allow(ResourcePlayer, ev.ID, ev.Player.Version, now) {
			log.WithError(models.ErrStaleWriteConflict).Debug("fenced player update discarded")
			return false
		}
		cur, exists := s.players[ev.ID]
		if exists && cur.Version >= ev.Player.Version {
			return false
		}
		next := ev.Player.Clone()
		if exists {
			next.LastAnswer = protocol.Prefer(cur.LastAnswer, next.LastAnswer)
		}
		s.players[ev.ID] = &next
		return true

	case database.TableGameStates:
		if ev.Op == database.OpDelete {
			if s.state == nil {
				return false
			}
			s.state = nil
			return true
		}
		if ev.GameState == nil {
			return false
		}
		if !s.fences.Allow(ResourceGameState, ev.ID, ev.GameState.Version, now) {
			log.WithError(models.ErrStaleWriteConflict).Debug("fenced game state update discarded")
			return false
		}
		if s.state != nil && s.state.Version >= ev.GameState.Version {
			return false
		}
		s.state = ev.GameState.Clone()
		return true
	}
	return false
}

// Resync re-reads the room's rows and feeds them through Apply. It is the
// poll producer; errors are returned for logging and retried on the next tick.
func (s *Synchronizer) Resync(ctx context.Context) error {
	room, err := s.store.GetRoom(ctx, s.roomID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.Apply(SourcePoll, database.ChangeEvent{Table: database.TableRooms, Op: database.OpDelete, ID: s.roomID, RoomID: s.roomID})
		return nil
	case err != nil:
		return fmt.Errorf("resync room: %w", err)
	}

	players, err := s.store.ListPlayers(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("resync players: %w", err)
	}
	state, err := s.store.GetGameState(ctx, s.roomID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("resync game state: %w", err)
	}

	now := s.opts.Now()
	changed := false
	s.mu.Lock()
	changed = s.applyLocked(SourcePoll, database.ChangeEvent{Table: database.TableRooms, Op: database.OpUpdate, ID: room.ID, RoomID: room.ID, Room: room}, now) || changed

	seen := make(map[uuid.UUID]bool, len(players))
	for i := range players {
		p := players[i]
		seen[p.ID] = true
		changed = s.applyLocked(SourcePoll, database.ChangeEvent{Table: database.TablePlayers, Op: database.OpUpdate, ID: p.ID, RoomID: s.roomID, Player: &p}, now) || changed
	}
	for id := range s.players {
		if !seen[id] {
			changed = s.applyLocked(SourcePoll, database.ChangeEvent{Table: database.TablePlayers, Op: database.OpDelete, ID: id, RoomID: s.roomID}, now) || changed
		}
	}
	if state != nil {
		changed = s.applyLocked(SourcePoll, database.ChangeEvent{Table: database.TableGameStates, Op: database.OpUpdate, ID: s.roomID, RoomID: s.roomID, GameState: state}, now) || changed
	}
	for id, at := range s.tombstones {
		if now.Sub(at) > s.opts.Grace {
			delete(s.tombstones, id)
		}
	}
	s.mu.Unlock()

	s.fences.Prune(now)
	if changed {
		s.notify()
	}
	return nil
}

// WriteRoom applies mutate to the mirrored room, fences it and writes it
// through. A failed write rolls the mirror back and drops the fence, so the
// store's view is the one read next.
func (s *Synchronizer) WriteRoom(ctx context.Context, mutate func(*models.Room) error) (*models.Room, error) {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return nil, models.ErrRoomNotFound
	}
	prev := s.room
	next := s.room.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.fences.Mark(ResourceRoom, s.roomID, s.room.Version, s.opts.Now())
	s.room = next
	s.mu.Unlock()
	s.notify()

	version, err := s.store.UpdateRoom(ctx, next.Clone())
	if err != nil {
		s.fences.Clear(ResourceRoom, s.roomID)
		s.mu.Lock()
		if s.room == next {
			s.room = prev
		}
		s.mu.Unlock()
		s.notify()
		return nil, fmt.Errorf("write room: %w", err)
	}
	s.fences.Ack(ResourceRoom, s.roomID, version)
	s.mu.Lock()
	if s.room == next {
		s.room.Version = version
	}
	s.mu.Unlock()
	out := next.Clone()
	out.Version = version
	return out, nil
}

// WritePlayer patches a player row optimistically.
func (s *Synchronizer) WritePlayer(ctx context.Context, id uuid.UUID, patch models.PlayerPatch) (*models.Player, error) {
	if patch.Empty() {
		return nil, nil
	}
	s.mu.Lock()
	cur, ok := s.players[id]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrPlayerNotFound
	}
	next := cur.Clone()
	patch.Apply(&next)
	s.fences.Mark(ResourcePlayer, id, cur.Version, s.opts.Now())
	s.players[id] = &next
	s.mu.Unlock()
	s.notify()

	stored, err := s.store.PatchPlayer(ctx, id, patch)
	if err != nil {
		s.fences.Clear(ResourcePlayer, id)
		s.mu.Lock()
		if s.players[id] == &next {
			s.players[id] = cur
		}
		s.mu.Unlock()
		s.notify()
		if errors.Is(err, database.ErrNotFound) {
			return nil, models.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("write player: %w", err)
	}
	s.fences.Ack(ResourcePlayer, id, stored.Version)
	s.mu.Lock()
	if p, ok := s.players[id]; ok && p.Version < stored.Version {
		merged := stored.Clone()
		merged.LastAnswer = protocol.Prefer(p.LastAnswer, stored.LastAnswer)
		s.players[id] = &merged
	}
	s.mu.Unlock()
	return stored, nil
}

// InsertPlayer writes a new player row and mirrors it.
func (s *Synchronizer) InsertPlayer(ctx context.Context, p *models.Player) error {
	if err := s.store.InsertPlayer(ctx, p); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.ErrRoomNotFound
		}
		return fmt.Errorf("insert player: %w", err)
	}
	s.fences.Mark(ResourcePlayer, p.ID, 0, s.opts.Now())
	s.fences.Ack(ResourcePlayer, p.ID, p.Version)
	s.mu.Lock()
	cp := p.Clone()
	delete(s.tombstones, p.ID)
	s.players[p.ID] = &cp
	s.mu.Unlock()
	s.notify()
	return nil
}

// DeletePlayer removes a player row from the mirror and the store. The row is
// put back if the store refuses the delete.
func (s *Synchronizer) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	prev, had := s.players[id]
	delete(s.players, id)
	s.tombstones[id] = s.opts.Now()
	s.mu.Unlock()
	s.notify()

	err := s.store.DeletePlayer(ctx, id)
	if err == nil || errors.Is(err, database.ErrNotFound) {
		return nil
	}
	s.mu.Lock()
	delete(s.tombstones, id)
	if _, back := s.players[id]; had && !back {
		s.players[id] = prev
	}
	s.mu.Unlock()
	s.notify()
	return fmt.Errorf("delete player: %w", err)
}

// WriteGameState replaces the game state unconditionally.
func (s *Synchronizer) WriteGameState(ctx context.Context, state models.GameState) error {
	state.RoomID = s.roomID
	s.mu.Lock()
	var base int64
	if s.state != nil {
		base = s.state.Version
	}
	s.fences.Mark(ResourceGameState, s.roomID, base, s.opts.Now())
	prev := s.state
	next := state.Clone()
	next.Version = base
	s.state = next
	s.mu.Unlock()
	s.notify()

	version, err := s.store.PutGameState(ctx, &state)
	if err != nil {
		s.fences.Clear(ResourceGameState, s.roomID)
		s.mu.Lock()
		if s.state == next {
			s.state = prev
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("write game state: %w", err)
	}
	s.fences.Ack(ResourceGameState, s.roomID, version)
	s.mu.Lock()
	if s.state == next {
		s.state.Version = version
	}
	s.mu.Unlock()
	return nil
}

// CompareAndSetPhase moves the phase from expected to next only if the store
// still holds expected. The mirror is updated only when the swap happened.
func (s *Synchronizer) CompareAndSetPhase(ctx context.Context, expected models.Phase, next models.GameState) (bool, error) {
	next.RoomID = s.roomID
	s.mu.Lock()
	var base int64
	if s.state != nil {
		base = s.state.Version
	}
	s.mu.Unlock()

	s.fences.Mark(ResourceGameState, s.roomID, base, s.opts.Now())
	version, ok, err := s.store.CompareAndSetPhase(ctx, s.roomID, expected, next)
	if err != nil || !ok {
		// Nothing local to protect; let the store's view through.
		s.fences.Clear(ResourceGameState, s.roomID)
		if err != nil {
			return false, fmt.Errorf("compare and set phase: %w", err)
		}
		return false, nil
	}
	s.fences.Ack(ResourceGameState, s.roomID, version)
	s.mu.Lock()
	cp := next.Clone()
	cp.Version = version
	if s.state == nil || s.state.Version < cp.Version {
		s.state = cp
	}
	s.mu.Unlock()
	s.notify()
	return true, nil
}

func (s *Synchronizer) nextResync() time.Duration {
	span := s.opts.ResyncMax - s.opts.ResyncMin
	s.mu.Lock()
	defer s.mu.Unlock()
	if span <= 0 {
		return s.opts.ResyncMin
	}
	return s.opts.ResyncMin + time.Duration(s.rng.Int63n(int64(span)))
}

// Run consumes the change feed and the jittered resync ticker until ctx is
// done. A failed or closed subscription is retried on the next resync.
func (s *Synchronizer) Run(ctx context.Context) error {
	subscribe := func() <-chan database.ChangeEvent {
		feed, err := s.store.Subscribe(ctx, s.roomID)
		if err != nil {
			s.logger.WithError(err).Warn("change feed unavailable, relying on resync")
			return nil
		}
		return feed
	}
	feed := subscribe()

	if err := s.Resync(ctx); err != nil {
		s.logger.WithError(err).Warn("initial resync failed")
	}

	timer := time.NewTimer(s.nextResync())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			s.Apply(SourceFeed, ev)
		case <-timer.C:
			if err := s.Resync(ctx); err != nil {
				s.logger.WithError(err).Debug("resync failed, retrying next tick")
			}
			if feed == nil && ctx.Err() == nil {
				feed = subscribe()
			}
			timer.Reset(s.nextResync())
		}
	}
}
