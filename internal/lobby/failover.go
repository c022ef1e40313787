// internal/lobby/failover.go
package lobby

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/mirror"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
)

// Candidate is one room record competing for a join code.
type Candidate struct {
	Room          models.Room
	Players       []models.Player
	HasOnlineHost bool
	OnlineOthers  int
}

// Score ranks a candidate: an online host dominates, then online non-host players.
func (c Candidate) Score() int {
	s := c.OnlineOthers
	if c.HasOnlineHost {
		s += 100
	}
	return s
}

// Evaluate builds a candidate from a room's rows and an online predicate.
func Evaluate(room models.Room, players []models.Player, online func(uuid.UUID) bool) Candidate {
	c := Candidate{Room: room, Players: players}
	for _, p := range players {
		if !online(p.ID) {
			continue
		}
		if p.IsHost && !c.HasOnlineHost {
			c.HasOnlineHost = true
			continue
		}
		c.OnlineOthers++
	}
	return c
}

// Pick returns the canonical candidate: highest score, newest on ties.
func Pick(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score() != sorted[j].Score() {
			return sorted[i].Score() > sorted[j].Score()
		}
		return sorted[i].Room.CreatedAt.After(sorted[j].Room.CreatedAt)
	})
	return sorted[0], true
}

// Resolver converges duplicate room records sharing a code onto one.
type Resolver struct {
	store        database.Store
	presence     presence.Channel
	activeWindow time.Duration
	now          func() time.Time
	logger       logrus.FieldLogger
}

// NewResolver creates a resolver. presence may be nil, in which case players
// seen within activeWindow count as online.
func NewResolver(store database.Store, ch presence.Channel, activeWindow time.Duration, logger logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, presence: ch, activeWindow: activeWindow, now: time.Now, logger: logger}
}

func (r *Resolver) onlineFunc(ctx context.Context, room models.Room, players []models.Player) func(uuid.UUID) bool {
	if r.presence != nil {
		if set, err := r.presence.Snapshot(ctx, room.ID); err == nil {
			return set.Has
		}
	}
	now := r.now()
	seen := make(map[uuid.UUID]bool, len(players))
	for _, p := range players {
		seen[p.ID] = p.ActiveWithin(r.activeWindow, now)
	}
	return func(id uuid.UUID) bool { return seen[id] }
}

// Candidates loads and scores every room holding code.
func (r *Resolver) Candidates(ctx context.Context, code string) ([]Candidate, error) {
	rooms, err := r.store.FindRoomsByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}
	cands := make([]Candidate, 0, len(rooms))
	for _, room := range rooms {
		players, err := r.store.ListPlayers(ctx, room.ID)
		if err != nil {
			return nil, fmt.Errorf("list players: %w", err)
		}
		cands = append(cands, Evaluate(room, players, r.onlineFunc(ctx, room, players)))
	}
	return cands, nil
}

// Resolve picks the canonical room for code and deletes empty losers.
func (r *Resolver) Resolve(ctx context.Context, code string) (models.Room, error) {
	cands, err := r.Candidates(ctx, code)
	if err != nil {
		return models.Room{}, err
	}
	winner, ok := Pick(cands)
	if !ok {
		return models.Room{}, models.ErrRoomNotFound
	}
	if len(cands) > 1 {
		log := r.logger.WithFields(logrus.Fields{"code": code, "winner": winner.Room.ID, "rooms": len(cands)})
		log.Warn("split brain detected")
		for _, c := range cands {
			if c.Room.ID == winner.Room.ID || len(c.Players) > 0 {
				continue
			}
			if err := r.store.DeleteRoom(ctx, c.Room.ID); err != nil {
				log.WithError(err).Warn("failed to delete empty duplicate room")
			}
		}
	}
	return winner.Room, nil
}

// Scan checks whether current is still the canonical room for code. When it
// is not, the canonical room is returned with ErrSplitBrainConflict so the
// caller can rejoin it.
func (r *Resolver) Scan(ctx context.Context, code string, current uuid.UUID) (models.Room, error) {
	winner, err := r.Resolve(ctx, code)
	if err != nil {
		return models.Room{}, err
	}
	if winner.ID != current {
		return winner, fmt.Errorf("%w: room %s superseded by %s", models.ErrSplitBrainConflict, current, winner.ID)
	}
	return winner, nil
}

// Decision is what the host election asks the local client to do.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionPromoteSelf
	DecisionDemoteSelf
)

func (d Decision) String() string {
	switch d {
	case DecisionPromoteSelf:
		return "promote"
	case DecisionDemoteSelf:
		return "demote"
	}
	return "none"
}

// Elector runs client-side host election with hysteresis. Each client runs
// its own; only the preferred candidate ever promotes itself.
type Elector struct {
	offlineGrace time.Duration // host row exists but is offline
	missingGrace time.Duration // no host row at all
	now          func() time.Time

	vacantSince time.Time
}

// NewElector creates an elector with the two grace windows.
func NewElector(offlineGrace, missingGrace time.Duration) *Elector {
	return &Elector{offlineGrace: offlineGrace, missingGrace: missingGrace, now: time.Now}
}

// SetClock overrides the time source.
func (e *Elector) SetClock(now func() time.Time) { e.now = now }

// Preferred returns who should hold host among players: the manual anchor
// when present, else the longest tenured.
func Preferred(players []models.Player, anchor uuid.UUID) (models.Player, bool) {
	if len(players) == 0 {
		return models.Player{}, false
	}
	if anchor != uuid.Nil {
		for _, p := range players {
			if p.ID == anchor {
				return p, true
			}
		}
	}
	best := players[0]
	for _, p := range players[1:] {
		if p.JoinedAt.Before(best.JoinedAt) || (p.JoinedAt.Equal(best.JoinedAt) && p.ID.String() < best.ID.String()) {
			best = p
		}
	}
	return best, true
}

// Evaluate inspects snap and decides whether the local player should take or
// give up host.
func (e *Elector) Evaluate(snap mirror.Snapshot) Decision {
	now := e.now()
	anchor := snap.Settings().ManualHostID

	var onlineHosts []models.Player
	for _, h := range snap.Hosts() {
		if snap.Online(h.ID) {
			onlineHosts = append(onlineHosts, h)
		}
	}
	if len(onlineHosts) > 0 {
		e.vacantSince = time.Time{}
		if len(onlineHosts) == 1 || !snap.IsHost() {
			return DecisionNone
		}
		if keep, ok := Preferred(onlineHosts, anchor); ok && keep.ID != snap.SelfID {
			return DecisionDemoteSelf
		}
		return DecisionNone
	}

	if e.vacantSince.IsZero() {
		e.vacantSince = now
	}
	grace := e.missingGrace
	if len(snap.Hosts()) > 0 {
		grace = e.offlineGrace
	}
	if now.Sub(e.vacantSince) < grace {
		return DecisionNone
	}
	next, ok := Preferred(snap.OnlinePlayers(), anchor)
	if ok && next.ID == snap.SelfID {
		return DecisionPromoteSelf
	}
	return DecisionNone
}
