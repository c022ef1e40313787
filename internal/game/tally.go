// internal/game/tally.go
package game

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
)

// TallyResult is the outcome of counting one vote phase.
type TallyResult struct {
	Deltas    map[uuid.UUID]int
	Scores    map[uuid.UUID]int
	VotesUsed map[uuid.UUID]map[string]int
}

// Tally counts every player's vote submission. Votes beyond the per-round
// budget, self votes and votes for unknown players are ignored. Final scores
// are floored at zero.
func Tally(players []models.Player, scoreTarget int) TallyResult {
	res := TallyResult{
		Deltas:    make(map[uuid.UUID]int),
		Scores:    make(map[uuid.UUID]int),
		VotesUsed: make(map[uuid.UUID]map[string]int),
	}
	known := make(map[uuid.UUID]bool, len(players))
	for _, p := range players {
		known[p.ID] = true
	}

	voters := append([]models.Player(nil), players...)
	sort.Slice(voters, func(i, j int) bool {
		return bytes.Compare(voters[i].ID[:], voters[j].ID[:]) < 0
	})

	budget := protocol.Budget(scoreTarget)
	for _, voter := range voters {
		if !protocol.IsSubmissionFor(voter.LastAnswer, models.PhaseVote) {
			continue
		}
		votes, err := protocol.DecodeVotes(voter.LastAnswer)
		if err != nil {
			continue
		}
		cast := make(map[protocol.Category]int)
		for _, v := range votes {
			if v.TargetID == voter.ID || !known[v.TargetID] {
				continue
			}
			if cast[v.Category] >= budget[v.Category] {
				continue
			}
			cast[v.Category]++
			res.Deltas[v.TargetID] += v.Category.Points()
		}
		if len(cast) == 0 {
			continue
		}
		used := make(map[string]int, len(voter.VotesUsed)+len(cast))
		for k, n := range voter.VotesUsed {
			used[k] = n
		}
		for c, n := range cast {
			used[string(c)] += n
		}
		res.VotesUsed[voter.ID] = used
	}

	for _, p := range players {
		score := p.Score + res.Deltas[p.ID]
		if score < 0 {
			score = 0
		}
		res.Scores[p.ID] = score
	}
	return res
}

// WinnerReached reports whether any score meets the target.
func WinnerReached(scores map[uuid.UUID]int, target int) bool {
	if target <= 0 {
		return false
	}
	for _, s := range scores {
		if s >= target {
			return true
		}
	}
	return false
}
