package game

import (
	"testing"
	"time"

	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequences(t *testing.T) {
	std := Sequence(models.GameModeStandard)
	assert.Equal(t, models.PhaseLobby, std[0])
	assert.Equal(t, models.PhaseScoreboard, std[len(std)-1])
	assert.NotContains(t, std, models.PhaseEmoji4)

	emoji := Sequence(models.GameModeEmojiOnly)
	assert.Contains(t, emoji, models.PhaseEmoji5)
	assert.NotContains(t, emoji, models.PhaseInterpretation1)

	for _, seq := range [][]models.Phase{std, emoji} {
		for i := 1; i < len(seq); i++ {
			assert.Less(t, Priority(seq[i-1]), Priority(seq[i]), "priority must increase along %v", seq)
		}
	}
}

func TestCanTransition(t *testing.T) {
	mode := models.GameModeStandard
	assert.True(t, CanTransition(models.PhaseLobby, models.PhaseText, mode))
	assert.True(t, CanTransition(models.PhaseEmoji1, models.PhaseInterpretation1, mode))
	assert.False(t, CanTransition(models.PhaseEmoji1, models.PhaseEmoji2, mode), "standard mode interleaves guesses")
	assert.True(t, CanTransition(models.PhaseEmoji1, models.PhaseEmoji2, models.GameModeEmojiOnly))

	assert.False(t, CanTransition(models.PhaseVote, models.PhaseText, mode), "backwards")
	assert.False(t, CanTransition(models.PhaseEmoji2, models.PhaseEmoji1, mode), "backwards")
	assert.True(t, CanTransition(models.PhaseScoreboard, models.PhaseText, mode), "new round loop")
	assert.True(t, CanTransition(models.PhaseScoreboard, models.PhaseWinner, mode))
	assert.True(t, CanTransition(models.PhaseVote, models.PhaseLobby, mode), "restart")
	assert.False(t, CanTransition(models.PhaseLobby, models.PhaseLobby, mode))
	assert.True(t, CanTransition(models.PhaseEmoji2, models.PhaseScoreboard, mode), "collapse")
	assert.False(t, CanTransition(models.PhaseReveal, models.PhaseScoreboard, mode))
	assert.False(t, CanTransition(models.PhaseWinner, models.PhaseText, mode))
}

func TestNext(t *testing.T) {
	next, err := Next(models.PhaseEmoji3, models.GameModeStandard, false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReveal, next)

	next, err = Next(models.PhaseScoreboard, models.GameModeStandard, false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseText, next)

	next, err = Next(models.PhaseScoreboard, models.GameModeStandard, true)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWinner, next)

	next, err = Next(models.PhaseWinner, models.GameModeStandard, false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseLobby, next)
}

func TestDurations(t *testing.T) {
	s := models.DefaultSettings()
	s.RoundDuration, s.VoteDuration, s.ScoreboardDuration = 30, 20, 5
	assert.Equal(t, 30*time.Second, Duration(models.PhaseEmoji2, s))
	assert.Equal(t, 20*time.Second, Duration(models.PhaseVote, s))
	assert.Equal(t, 5*time.Second, Duration(models.PhaseScoreboard, s))
	assert.Zero(t, Duration(models.PhaseReveal, s))
	assert.Nil(t, Expiry(models.PhaseLobby, s, time.Now()))
	assert.True(t, IsNavigational(models.PhaseVote))
	assert.False(t, IsNavigational(models.PhaseText))
}

func TestUpdateSettings(t *testing.T) {
	s := models.DefaultSettings()
	err := UpdateSettings(&s, map[string]interface{}{
		"round_duration": float64(90),
		"game_mode":      models.GameModeEmojiOnly,
		"spectator_mode": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 90, s.RoundDuration)
	assert.Equal(t, models.GameModeEmojiOnly, s.GameMode)
	assert.True(t, s.SpectatorMode)

	err = UpdateSettings(&s, map[string]interface{}{"max_players": 40, "score_target": 5})
	assert.Error(t, err)
	assert.Equal(t, 15, s.MaxPlayers, "rejected update leaves settings untouched")
	assert.Equal(t, 10, s.ScoreTarget)
}
