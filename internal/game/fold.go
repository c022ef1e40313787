// internal/game/fold.go
package game

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
)

// StartRound creates one chain per participant and assigns each participant
// their own chain for the text phase. Previous round state is discarded.
func StartRound(s *models.Settings, participants []uuid.UUID, names map[uuid.UUID]string) {
	s.Round++
	s.PlayerOrder = append([]uuid.UUID(nil), participants...)
	s.Chains = make(map[uuid.UUID]*models.Chain, len(participants))
	s.Assignments = map[models.Phase]map[uuid.UUID]uuid.UUID{
		models.PhaseText: make(map[uuid.UUID]uuid.UUID, len(participants)),
	}
	s.History = make(map[models.Phase]map[uuid.UUID]string)
	s.RevealStep = 0
	s.RevealChainIndex = 0
	if s.PlayerNames == nil {
		s.PlayerNames = make(map[uuid.UUID]string)
	}
	for _, pid := range participants {
		chain := &models.Chain{ID: uuid.New(), CreatorID: pid}
		s.Chains[chain.ID] = chain
		s.Assignments[models.PhaseText][pid] = chain.ID
		if name, ok := names[pid]; ok {
			s.PlayerNames[pid] = name
		}
	}
}

// Placeholder returns the deterministic stand-in for a missing contribution.
// The wording depends on whether the player was still connected so the reveal
// reads naturally.
func Placeholder(f protocol.Family, name string, online bool) string {
	if name == "" {
		name = "Someone"
	}
	switch f {
	case protocol.FamilyEmoji:
		if online {
			return "🤷"
		}
		return "📴"
	case protocol.FamilyGuess:
		if online {
			return fmt.Sprintf("%s had no idea", name)
		}
		return fmt.Sprintf("%s lost connection", name)
	default:
		if online {
			return fmt.Sprintf("%s was lost for words", name)
		}
		return fmt.Sprintf("%s left before finishing", name)
	}
}

// contentFor extracts a usable contribution from a raw answer: the final
// submission for the phase, else a non-empty draft of the same family.
func contentFor(raw string, phase models.Phase) (string, bool) {
	a, ok := protocol.Parse(raw)
	if !ok || a.Family() != protocol.FamilyOf(phase) {
		return "", false
	}
	content := strings.TrimSpace(a.Payload)
	if content == "" {
		return "", false
	}
	return content, true
}

// Fold appends exactly one history entry for phase to every assigned chain.
// Chains that already hold an entry for phase are left untouched, so folding
// twice is harmless. It returns the number of entries appended and how many
// of those were placeholders.
func Fold(s *models.Settings, phase models.Phase, answers map[uuid.UUID]string, online func(uuid.UUID) bool) (appended, placeholders int) {
	assigned := s.Assignments[phase]
	if s.History == nil {
		s.History = make(map[models.Phase]map[uuid.UUID]string)
	}
	if s.History[phase] == nil {
		s.History[phase] = make(map[uuid.UUID]string)
	}
	family := protocol.FamilyOf(phase)

	for _, pid := range s.PlayerOrder {
		chain := s.Chains[assigned[pid]]
		if chain == nil {
			continue
		}
		if _, done := chain.EntryFor(phase); done {
			continue
		}
		raw := answers[pid]
		content, ok := contentFor(raw, phase)
		if !ok {
			content = Placeholder(family, s.PlayerNames[pid], online != nil && online(pid))
			placeholders++
		}
		chain.History = append(chain.History, models.ChainEntry{
			Phase:    phase,
			PlayerID: pid,
			Content:  content,
		})
		s.History[phase][pid] = raw
		appended++
	}
	return appended, placeholders
}

// AssignPhase computes the assignment for next. The shift used by the
// degraded rotation is the phase's index in the round so successive fallbacks
// still move chains along.
func AssignPhase(ctx context.Context, s *models.Settings, next models.Phase, rng *rand.Rand) (degraded bool) {
	if s.Assignments == nil {
		s.Assignments = make(map[models.Phase]map[uuid.UUID]uuid.UUID)
	}
	shift := 1
	for i, p := range ContentPhases(s.GameMode) {
		if p == next {
			shift = i
		}
	}
	mapping, degraded := Assign(ctx, s.PlayerOrder, s.Chains, s.ChainIDs(), rng, shift)
	s.Assignments[next] = mapping
	return degraded
}

// ChainFor returns the chain a player works on during phase.
func ChainFor(s models.Settings, phase models.Phase, playerID uuid.UUID) (*models.Chain, bool) {
	id, ok := s.Assignments[phase][playerID]
	if !ok {
		return nil, false
	}
	c, ok := s.Chains[id]
	return c, ok && c != nil
}

// Prompt returns what a player is shown during phase: the latest entry of the
// chain they were assigned.
func Prompt(s models.Settings, phase models.Phase, playerID uuid.UUID) (models.ChainEntry, bool) {
	c, ok := ChainFor(s, phase, playerID)
	if !ok {
		return models.ChainEntry{}, false
	}
	return c.Latest()
}
