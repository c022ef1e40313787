package game

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func assertBijection(t *testing.T, participants, candidates []uuid.UUID, m map[uuid.UUID]uuid.UUID) {
	t.Helper()
	require.Len(t, m, len(participants))
	seen := make(map[uuid.UUID]bool)
	for _, p := range participants {
		c, ok := m[p]
		require.True(t, ok, "participant %s unassigned", p)
		assert.False(t, seen[c], "chain %s assigned twice", c)
		seen[c] = true
	}
	assert.ElementsMatch(t, candidates, keys(seen))
}

func keys(m map[uuid.UUID]bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// playRound runs every content phase of one round with the given
// participants, folding a submission for each and returning the settings.
func playRound(t *testing.T, s *models.Settings, participants []uuid.UUID, rng *rand.Rand) (degradedPhases int) {
	t.Helper()
	StartRound(s, participants, nil)
	phases := ContentPhases(s.GameMode)
	for i, phase := range phases {
		answers := make(map[uuid.UUID]string)
		for _, p := range participants {
			answers[p] = "text:x"
		}
		Fold(s, phase, answers, func(uuid.UUID) bool { return true })
		if i+1 < len(phases) {
			if AssignPhase(context.Background(), s, phases[i+1], rng) {
				degradedPhases++
			}
			assertBijection(t, s.PlayerOrder, s.ChainIDs(), s.Assignments[phases[i+1]])
		}
	}
	return degradedPhases
}

func TestSolveFindsBijection(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	players := ids(6)
	s := models.DefaultSettings()
	StartRound(&s, players, nil)
	Fold(&s, models.PhaseText, nil, nil)

	m := Solve(context.Background(), players, s.Chains, s.ChainIDs(), rng)
	require.NotNil(t, m)
	assertBijection(t, players, s.ChainIDs(), m)
	for p, c := range m {
		assert.NotEqual(t, p, s.Chains[c].CreatorID, "no one gets their own chain back")
	}
}

func TestNoChainRevisitsContributorAcrossChurnedRounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := ids(9)
	rosters := [][]uuid.UUID{
		pool[:6],
		append(append([]uuid.UUID{}, pool[1:6]...), pool[6], pool[7]),
		pool[2:9],
	}
	for _, mode := range []string{models.GameModeStandard, models.GameModeEmojiOnly} {
		s := models.DefaultSettings()
		s.GameMode = mode
		for _, roster := range rosters {
			degraded := playRound(t, &s, roster, rng)
			assert.Zero(t, degraded, "six or more players always admit a valid assignment")
			for _, chain := range s.Chains {
				authors := make(map[uuid.UUID]bool)
				for _, e := range chain.History {
					assert.False(t, authors[e.PlayerID], "player %s wrote twice on chain %s", e.PlayerID, chain.ID)
					authors[e.PlayerID] = true
				}
				assert.Len(t, chain.History, len(ContentPhases(mode)))
			}
		}
	}
}

func TestAssignFallsBackToRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	players := ids(3)
	s := models.DefaultSettings()
	degraded := playRound(t, &s, players, rng)
	assert.Positive(t, degraded, "three players cannot fill six distinct contributions")
}

func TestSolveRejectsSizeMismatch(t *testing.T) {
	assert.Nil(t, Solve(context.Background(), ids(3), nil, ids(2), nil))
}

func TestSolveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	players := ids(4)
	s := models.DefaultSettings()
	StartRound(&s, players, nil)
	assert.Nil(t, Solve(ctx, players, s.Chains, s.ChainIDs(), rand.New(rand.NewSource(1))))

	m, degraded := Assign(ctx, players, s.Chains, s.ChainIDs(), nil, 1)
	assert.True(t, degraded)
	assertBijection(t, players, s.ChainIDs(), m)
}

func TestRotate(t *testing.T) {
	p := ids(3)
	c := ids(3)
	m := Rotate(p, c, 1)
	assert.Equal(t, c[1], m[p[0]])
	assert.Equal(t, c[2], m[p[1]])
	assert.Equal(t, c[0], m[p[2]])
}
