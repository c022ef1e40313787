package models

import (
	"time"

	"github.com/google/uuid"
)

// Player is one participant row. Rows are soft-retained during play so a
// reloading client can reclaim its identity; they are hard-deleted on an
// explicit leave, on return to the lobby and on AFK timeout.
type Player struct {
	ID         uuid.UUID      `json:"id"`
	RoomID     uuid.UUID      `json:"room_id"`
	Name       string         `json:"name"`
	Avatar     string         `json:"avatar"` // "<emoji>|<fingerprint>"
	IsHost     bool           `json:"is_host"`
	Score      int            `json:"score"`
	VotesUsed  map[string]int `json:"votes_used"`
	LastAnswer string         `json:"last_answer"`
	LastSeen   time.Time      `json:"last_seen"`
	JoinedAt   time.Time      `json:"joined_at"`
	Version    int64          `json:"version"`
}

// Clone returns a deep copy of the player.
func (p Player) Clone() Player {
	if p.VotesUsed != nil {
		votes := make(map[string]int, len(p.VotesUsed))
		for k, v := range p.VotesUsed {
			votes[k] = v
		}
		p.VotesUsed = votes
	}
	return p
}

// ActiveWithin reports whether the player refreshed LastSeen within window of now.
func (p Player) ActiveWithin(window time.Duration, now time.Time) bool {
	return !p.LastSeen.IsZero() && now.Sub(p.LastSeen) <= window
}

// PlayerPatch carries a narrow update of player-scoped fields. Nil fields are
// left untouched.
type PlayerPatch struct {
	Name       *string
	IsHost     *bool
	Score      *int
	VotesUsed  map[string]int
	LastAnswer *string
	LastSeen   *time.Time
}

// Apply writes the non-nil fields of the patch onto p.
func (pp PlayerPatch) Apply(p *Player) {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.IsHost != nil {
		p.IsHost = *pp.IsHost
	}
	if pp.Score != nil {
		p.Score = *pp.Score
	}
	if pp.VotesUsed != nil {
		votes := make(map[string]int, len(pp.VotesUsed))
		for k, v := range pp.VotesUsed {
			votes[k] = v
		}
		p.VotesUsed = votes
	}
	if pp.LastAnswer != nil {
		p.LastAnswer = *pp.LastAnswer
	}
	if pp.LastSeen != nil {
		p.LastSeen = *pp.LastSeen
	}
}

// Empty reports whether the patch changes nothing.
func (pp PlayerPatch) Empty() bool {
	return pp.Name == nil && pp.IsHost == nil && pp.Score == nil &&
		pp.VotesUsed == nil && pp.LastAnswer == nil && pp.LastSeen == nil
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
