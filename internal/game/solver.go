// internal/game/solver.go
package game

import (
	"context"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
)

// defaultNodeBudget caps the number of search nodes one Solve call may visit.
const defaultNodeBudget = 200_000

// Solve maps every participant to a distinct candidate chain they have never
// contributed to. Participants and candidates are shuffled first so the
// mapping is unpredictable. It returns nil when no such bijection exists, the
// node budget runs out, or ctx is done.
func Solve(ctx context.Context, participants []uuid.UUID, chains map[uuid.UUID]*models.Chain, candidates []uuid.UUID, rng *rand.Rand) map[uuid.UUID]uuid.UUID {
	if len(participants) != len(candidates) || len(participants) == 0 {
		return nil
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	order := append([]uuid.UUID(nil), participants...)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	pool := append([]uuid.UUID(nil), candidates...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	s := &search{
		ctx:       ctx,
		rng:       rng,
		order:     order,
		pool:      pool,
		chains:    chains,
		used:      make(map[uuid.UUID]bool, len(pool)),
		out:       make(map[uuid.UUID]uuid.UUID, len(order)),
		remaining: defaultNodeBudget,
	}
	if !s.assign(0) {
		return nil
	}
	return s.out
}

type search struct {
	ctx       context.Context
	rng       *rand.Rand
	order     []uuid.UUID
	pool      []uuid.UUID
	chains    map[uuid.UUID]*models.Chain
	used      map[uuid.UUID]bool
	out       map[uuid.UUID]uuid.UUID
	remaining int
}

func (s *search) assign(depth int) bool {
	if depth == len(s.order) {
		return true
	}
	s.remaining--
	if s.remaining < 0 {
		return false
	}
	if depth%64 == 0 && s.ctx.Err() != nil {
		s.remaining = 0
		return false
	}

	player := s.order[depth]
	for _, idx := range s.rng.Perm(len(s.pool)) {
		chainID := s.pool[idx]
		if s.used[chainID] || s.chains[chainID].ContributedBy(player) {
			continue
		}
		s.used[chainID] = true
		s.out[player] = chainID
		if s.assign(depth + 1) {
			return true
		}
		delete(s.out, player)
		s.used[chainID] = false
		if s.remaining < 0 {
			return false
		}
	}
	return false
}

// Rotate is the degraded assignment: participant i takes candidate i+shift.
// It ignores the no-repeat constraint.
func Rotate(participants, candidates []uuid.UUID, shift int) map[uuid.UUID]uuid.UUID {
	n := len(candidates)
	if n == 0 {
		return map[uuid.UUID]uuid.UUID{}
	}
	if shift < 0 {
		shift = -shift
	}
	out := make(map[uuid.UUID]uuid.UUID, len(participants))
	for i, p := range participants {
		out[p] = candidates[(i+shift)%n]
	}
	return out
}

// Assign runs Solve and falls back to Rotate when no valid mapping is found.
// degraded reports whether the fallback was used.
func Assign(ctx context.Context, participants []uuid.UUID, chains map[uuid.UUID]*models.Chain, candidates []uuid.UUID, rng *rand.Rand, shift int) (mapping map[uuid.UUID]uuid.UUID, degraded bool) {
	if m := Solve(ctx, participants, chains, candidates, rng); m != nil {
		return m, false
	}
	return Rotate(participants, candidates, shift), true
}
