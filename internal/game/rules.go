// internal/game/rules.go
package game

import (
	"fmt"

	"github.com/jason-s-yu/emojichain/internal/models"
)

// Limits applied to host-edited settings.
const (
	MinPlayers     = 2
	MaxRoomPlayers = 15
)

// UpdateSettings applies a partial lobby settings update.
// If a key is not present it is ignored and the old value persists.
func UpdateSettings(s *models.Settings, updates map[string]interface{}) error {
	var ok bool

	assignBool := func(field *bool, key string) error {
		if val, exists := updates[key]; exists && val != nil {
			*field, ok = val.(bool)
			if !ok {
				return fmt.Errorf("invalid type for %s", key)
			}
		}
		return nil
	}

	assignInt := func(field *int, key string, minVal, maxVal int) error {
		val, exists := updates[key]
		if !exists || val == nil {
			return nil
		}
		var n int
		switch v := val.(type) {
		case float64: // JSON numbers decode as float64
			n = int(v)
		case int:
			n = v
		default:
			return fmt.Errorf("invalid type for %s", key)
		}
		if n < minVal || (maxVal > 0 && n > maxVal) {
			return fmt.Errorf("%s must be between %d and %d", key, minVal, maxVal)
		}
		*field = n
		return nil
	}

	next := *s
	if val, exists := updates["game_mode"]; exists && val != nil {
		mode, isString := val.(string)
		if !isString || (mode != models.GameModeStandard && mode != models.GameModeEmojiOnly) {
			return fmt.Errorf("invalid game_mode %v", val)
		}
		next.GameMode = mode
	}
	if err := assignInt(&next.RoundDuration, "round_duration", 10, 600); err != nil {
		return err
	}
	if err := assignInt(&next.VoteDuration, "vote_duration", 10, 600); err != nil {
		return err
	}
	if err := assignInt(&next.ScoreboardDuration, "scoreboard_duration", 3, 120); err != nil {
		return err
	}
	if err := assignInt(&next.MaxPlayers, "max_players", MinPlayers, MaxRoomPlayers); err != nil {
		return err
	}
	if err := assignInt(&next.ScoreTarget, "score_target", 1, 100); err != nil {
		return err
	}
	if err := assignBool(&next.SpectatorMode, "spectator_mode"); err != nil {
		return err
	}

	s.GameMode = next.GameMode
	s.RoundDuration = next.RoundDuration
	s.VoteDuration = next.VoteDuration
	s.ScoreboardDuration = next.ScoreboardDuration
	s.MaxPlayers = next.MaxPlayers
	s.ScoreTarget = next.ScoreTarget
	s.SpectatorMode = next.SpectatorMode
	return nil
}
