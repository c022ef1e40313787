package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase names one stage of the round-robin game.
type Phase string

const (
	PhaseLobby           Phase = "lobby"
	PhaseText            Phase = "text"
	PhaseEmoji1          Phase = "emoji_1"
	PhaseEmoji2          Phase = "emoji_2"
	PhaseEmoji3          Phase = "emoji_3"
	PhaseEmoji4          Phase = "emoji_4"
	PhaseEmoji5          Phase = "emoji_5"
	PhaseInterpretation1 Phase = "interpretation_1"
	PhaseInterpretation2 Phase = "interpretation_2"
	PhaseReveal          Phase = "reveal"
	PhaseVote            Phase = "vote"
	PhaseScoreboard      Phase = "scoreboard"
	PhaseWinner          Phase = "winner"
)

func (p Phase) String() string {
	return string(p)
}

// GameState is the single per-room row holding the current phase. Only the
// host writes it.
type GameState struct {
	RoomID      uuid.UUID  `json:"room_id"`
	Phase       Phase      `json:"phase"`
	PhaseExpiry *time.Time `json:"phase_expiry,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the phase deadline plus drift has passed.
func (g *GameState) Expired(now time.Time, drift time.Duration) bool {
	if g == nil || g.PhaseExpiry == nil {
		return false
	}
	return now.After(g.PhaseExpiry.Add(drift))
}

// Remaining returns the time left before the deadline, or zero for untimed phases.
func (g *GameState) Remaining(now time.Time) time.Duration {
	if g == nil || g.PhaseExpiry == nil {
		return 0
	}
	if d := g.PhaseExpiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a copy of the game state.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	cp := *g
	if g.PhaseExpiry != nil {
		t := *g.PhaseExpiry
		cp.PhaseExpiry = &t
	}
	return &cp
}
