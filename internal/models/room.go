// internal/models/room.go
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the coarse lifecycle state stored on the room row.
type RoomStatus string

const (
	RoomStatusLobby   RoomStatus = "lobby"
	RoomStatusPlaying RoomStatus = "playing"
)

// Game modes supported by the phase machine.
const (
	GameModeStandard  = "standard"
	GameModeEmojiOnly = "emoji_only"
)

// Room represents a row in the rooms table. Several rows may transiently share
// a Code while a split-brain is being resolved.
type Room struct {
	ID        uuid.UUID  `json:"id"`
	Code      string     `json:"code"`
	Status    RoomStatus `json:"status"`
	Settings  Settings   `json:"settings"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Settings is the room's settings bag. Besides the lobby configuration it holds
// the derived round state written by the host: participant order, chains,
// per-phase assignments, the archival history and the reveal cursor.
type Settings struct {
	GameMode           string `json:"game_mode"`
	RoundDuration      int    `json:"round_duration"`      // seconds per content phase
	VoteDuration       int    `json:"vote_duration"`       // seconds for the vote phase
	ScoreboardDuration int    `json:"scoreboard_duration"` // seconds the scoreboard stays up
	MaxPlayers         int    `json:"max_players"`
	ScoreTarget        int    `json:"score_target"`
	SpectatorMode      bool   `json:"spectator_mode"`

	Round       int                               `json:"round"`
	PlayerOrder []uuid.UUID                       `json:"player_order"`
	PlayerNames map[uuid.UUID]string              `json:"player_names"`
	Chains      map[uuid.UUID]*Chain              `json:"chains"`
	Assignments map[Phase]map[uuid.UUID]uuid.UUID `json:"assignments"`
	History     map[Phase]map[uuid.UUID]string    `json:"history"`

	RevealStep       int        `json:"reveal_step"`
	RevealChainIndex int        `json:"reveal_chain_index"`
	PhaseExpiry      *time.Time `json:"phase_expiry,omitempty"`

	KickedNames        []string  `json:"kicked_names"`
	KickedFingerprints []string  `json:"kicked_fingerprints"`
	ManualHostID       uuid.UUID `json:"manual_host_id"`
}

// DefaultSettings returns the settings a freshly created room starts with.
func DefaultSettings() Settings {
	return Settings{
		GameMode:           GameModeStandard,
		RoundDuration:      60,
		VoteDuration:       45,
		ScoreboardDuration: 10,
		MaxPlayers:         15,
		ScoreTarget:        10,
		PlayerNames:        make(map[uuid.UUID]string),
	}
}

// IsParticipant reports whether id is part of the active round.
func (s Settings) IsParticipant(id uuid.UUID) bool {
	for _, p := range s.PlayerOrder {
		if p == id {
			return true
		}
	}
	return false
}

// ChainIDs returns the chain ids of the round ordered by the creator's position
// in PlayerOrder. Chains whose creator is unknown are appended afterwards.
func (s Settings) ChainIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Chains))
	seen := make(map[uuid.UUID]bool, len(s.Chains))
	for _, pid := range s.PlayerOrder {
		for id, c := range s.Chains {
			if c.CreatorID == pid && !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}
	for id := range s.Chains {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsKickedName reports whether name is on the room's ban list.
func (s Settings) IsKickedName(name string) bool {
	for _, n := range s.KickedNames {
		if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// IsKickedFingerprint reports whether the fingerprint digest is banned.
func (s Settings) IsKickedFingerprint(digest string) bool {
	if digest == "" {
		return false
	}
	for _, d := range s.KickedFingerprints {
		if d == digest {
			return true
		}
	}
	return false
}

// ResetRound discards all derived round state, used on return to lobby.
func (s *Settings) ResetRound() {
	s.Round = 0
	s.PlayerOrder = nil
	s.Chains = nil
	s.Assignments = nil
	s.History = nil
	s.RevealStep = 0
	s.RevealChainIndex = 0
	s.PhaseExpiry = nil
}

// Clone returns a deep copy of the settings bag.
func (s Settings) Clone() Settings {
	// The bag is plain JSON data; a round trip is the simplest faithful copy
	// of the nested maps and chain histories.
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	return out
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Settings = r.Settings.Clone()
	return &cp
}
