// internal/game/phase.go
package game

import (
	"fmt"
	"time"

	"github.com/jason-s-yu/emojichain/internal/models"
)

var standardSequence = []models.Phase{
	models.PhaseLobby,
	models.PhaseText,
	models.PhaseEmoji1,
	models.PhaseInterpretation1,
	models.PhaseEmoji2,
	models.PhaseInterpretation2,
	models.PhaseEmoji3,
	models.PhaseReveal,
	models.PhaseVote,
	models.PhaseScoreboard,
}

var emojiOnlySequence = []models.Phase{
	models.PhaseLobby,
	models.PhaseText,
	models.PhaseEmoji1,
	models.PhaseEmoji2,
	models.PhaseEmoji3,
	models.PhaseEmoji4,
	models.PhaseEmoji5,
	models.PhaseReveal,
	models.PhaseVote,
	models.PhaseScoreboard,
}

// priority is a total order over every phase of either mode. Interpretation
// phases interleave with emoji phases so both sequences stay increasing.
var priority = map[models.Phase]int{
	models.PhaseLobby:           0,
	models.PhaseText:            10,
	models.PhaseEmoji1:          20,
	models.PhaseInterpretation1: 25,
	models.PhaseEmoji2:          30,
	models.PhaseInterpretation2: 35,
	models.PhaseEmoji3:          40,
	models.PhaseEmoji4:          50,
	models.PhaseEmoji5:          60,
	models.PhaseReveal:          70,
	models.PhaseVote:            80,
	models.PhaseScoreboard:      90,
	models.PhaseWinner:          100,
}

// Sequence returns the ordered phases of one round for mode, starting at lobby.
func Sequence(mode string) []models.Phase {
	if mode == models.GameModeEmojiOnly {
		return emojiOnlySequence
	}
	return standardSequence
}

// Priority returns the phase's position in the global order, or -1 if unknown.
func Priority(p models.Phase) int {
	if v, ok := priority[p]; ok {
		return v
	}
	return -1
}

// CanTransition rejects backward moves except an explicit restart to lobby and
// the scoreboard -> text loop into a new round.
func CanTransition(from, to models.Phase, mode string) bool {
	if Priority(to) < 0 {
		return false
	}
	if to == models.PhaseLobby {
		return from != models.PhaseLobby
	}
	if from == models.PhaseScoreboard {
		return to == models.PhaseText || to == models.PhaseWinner
	}
	if from == models.PhaseWinner {
		return false
	}
	if to == models.PhaseScoreboard && CollectsAnswers(from) {
		// population collapse ends the round early
		return true
	}
	next, ok := nextInSequence(from, mode)
	return ok && next == to
}

// Next returns the phase that follows from. Leaving the scoreboard goes to
// winner when someone reached the score target and to a new round otherwise.
func Next(from models.Phase, mode string, winnerReached bool) (models.Phase, error) {
	switch from {
	case models.PhaseScoreboard:
		if winnerReached {
			return models.PhaseWinner, nil
		}
		return models.PhaseText, nil
	case models.PhaseWinner:
		return models.PhaseLobby, nil
	}
	next, ok := nextInSequence(from, mode)
	if !ok {
		return "", fmt.Errorf("%w: no phase after %s in %s mode", models.ErrInvalidTransition, from, mode)
	}
	return next, nil
}

func nextInSequence(from models.Phase, mode string) (models.Phase, bool) {
	seq := Sequence(mode)
	for i, p := range seq {
		if p == from && i+1 < len(seq) {
			return seq[i+1], true
		}
	}
	return "", false
}

// IsContent reports whether the phase collects chain contributions.
func IsContent(p models.Phase) bool {
	switch p {
	case models.PhaseText,
		models.PhaseEmoji1, models.PhaseEmoji2, models.PhaseEmoji3, models.PhaseEmoji4, models.PhaseEmoji5,
		models.PhaseInterpretation1, models.PhaseInterpretation2:
		return true
	}
	return false
}

// IsNavigational reports phases whose advance skips the laggard grace delay.
func IsNavigational(p models.Phase) bool {
	switch p {
	case models.PhaseVote, models.PhaseScoreboard, models.PhaseLobby, models.PhaseWinner:
		return true
	}
	return false
}

// CollectsAnswers reports whether readiness is measured by player submissions.
func CollectsAnswers(p models.Phase) bool {
	return IsContent(p) || p == models.PhaseVote
}

// Duration returns how long a phase runs before timing out, or zero for
// untimed phases (lobby, reveal, winner).
func Duration(p models.Phase, s models.Settings) time.Duration {
	switch {
	case IsContent(p):
		return time.Duration(s.RoundDuration) * time.Second
	case p == models.PhaseVote:
		return time.Duration(s.VoteDuration) * time.Second
	case p == models.PhaseScoreboard:
		return time.Duration(s.ScoreboardDuration) * time.Second
	}
	return 0
}

// Expiry computes the absolute deadline for entering p at now.
func Expiry(p models.Phase, s models.Settings, now time.Time) *time.Time {
	d := Duration(p, s)
	if d <= 0 {
		return nil
	}
	t := now.Add(d).UTC()
	return &t
}

// ContentPhases returns the content phases of one round in order.
func ContentPhases(mode string) []models.Phase {
	var out []models.Phase
	for _, p := range Sequence(mode) {
		if IsContent(p) {
			out = append(out, p)
		}
	}
	return out
}

// PreviousContent returns the content phase preceding p, used to find what a
// player is shown while working on p.
func PreviousContent(p models.Phase, mode string) (models.Phase, bool) {
	phases := ContentPhases(mode)
	for i, c := range phases {
		if c == p && i > 0 {
			return phases[i-1], true
		}
	}
	return "", false
}
