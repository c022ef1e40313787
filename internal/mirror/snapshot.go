package mirror

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
)

// Snapshot is an immutable copy of the mirror handed to timers and callers.
type Snapshot struct {
	Room      *models.Room
	Players   []models.Player // ordered by JoinedAt
	GameState *models.GameState
	Presence  presence.Set
	SelfID    uuid.UUID
	TakenAt   time.Time
}

// Phase returns the current phase, or lobby when no game state is mirrored.
func (s Snapshot) Phase() models.Phase {
	if s.GameState == nil {
		return models.PhaseLobby
	}
	return s.GameState.Phase
}

// Player looks up a player by id.
func (s Snapshot) Player(id uuid.UUID) (models.Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return models.Player{}, false
}

// Self returns the local player's row.
func (s Snapshot) Self() (models.Player, bool) {
	return s.Player(s.SelfID)
}

// IsHost reports whether the local player holds host.
func (s Snapshot) IsHost() bool {
	self, ok := s.Self()
	return ok && self.IsHost
}

// Online reports whether id is in the presence set.
func (s Snapshot) Online(id uuid.UUID) bool {
	return s.Presence.Has(id)
}

// OnlinePlayers returns the players currently present, in join order.
func (s Snapshot) OnlinePlayers() []models.Player {
	var out []models.Player
	for _, p := range s.Players {
		if s.Online(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Hosts returns every player row flagged as host.
func (s Snapshot) Hosts() []models.Player {
	var out []models.Player
	for _, p := range s.Players {
		if p.IsHost {
			out = append(out, p)
		}
	}
	return out
}

// Answers maps player id to the raw last_answer.
func (s Snapshot) Answers() map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(s.Players))
	for _, p := range s.Players {
		out[p.ID] = p.LastAnswer
	}
	return out
}

// Settings returns the room settings, or defaults when no room is mirrored.
func (s Snapshot) Settings() models.Settings {
	if s.Room == nil {
		return models.DefaultSettings()
	}
	return s.Room.Settings
}
