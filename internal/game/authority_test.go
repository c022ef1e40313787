package game

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/mirror"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type table struct {
	store   *database.MemoryStore
	room    *models.Room
	players []*models.Player
	sync    *mirror.Synchronizer
	auth    *Authority
	sink    *archive.MemorySink
	clock   *testClock
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastTimings() Timings {
	return Timings{SolverBudget: 50 * time.Millisecond, LaggardPoll: time.Millisecond}
}

// newTable seeds a lobby with n players; the first one is host and drives
// the authority. Everyone starts online.
func newTable(t *testing.T, names ...string) *table {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore(database.MemoryOptions{})
	room := &models.Room{Code: "ABCD", Status: models.RoomStatusLobby, Settings: models.DefaultSettings()}
	require.NoError(t, store.CreateRoom(ctx, room))
	_, err := store.PutGameState(ctx, &models.GameState{RoomID: room.ID, Phase: models.PhaseLobby})
	require.NoError(t, err)

	base := time.Now().Add(-time.Minute)
	tb := &table{store: store, room: room, sink: &archive.MemorySink{}, clock: &testClock{t: time.Now()}}
	set := presence.Set{}
	for i, name := range names {
		p := &models.Player{RoomID: room.ID, Name: name, IsHost: i == 0, JoinedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.InsertPlayer(ctx, p))
		tb.players = append(tb.players, p)
		set[p.ID] = presence.Member{ID: p.ID, Name: name}
	}
	tb.sync = mirror.New(store, room.ID, tb.players[0].ID, mirror.Options{Grace: time.Second, Logger: quietLogger()})
	require.NoError(t, tb.sync.Resync(ctx))
	tb.sync.SetPresence(set)

	tb.auth = NewAuthority(tb.sync, fastTimings(), tb.sink, quietLogger())
	tb.auth.SetClock(tb.clock.Now)
	tb.auth.SetRand(rand.New(rand.NewSource(3)))
	return tb
}

func (tb *table) submit(t *testing.T, idx int, raw string) {
	t.Helper()
	_, err := tb.store.PatchPlayer(context.Background(), tb.players[idx].ID, models.PlayerPatch{LastAnswer: models.Ptr(raw)})
	require.NoError(t, err)
}

func (tb *table) offline(ids ...int) {
	set := tb.sync.Snapshot().Presence
	for _, i := range ids {
		delete(set, tb.players[i].ID)
	}
	tb.sync.SetPresence(set)
}

func (tb *table) resync(t *testing.T) mirror.Snapshot {
	t.Helper()
	require.NoError(t, tb.sync.Resync(context.Background()))
	return tb.sync.Snapshot()
}

func TestStartGameCreatesOneChainPerPlayer(t *testing.T) {
	tb := newTable(t, "Ann", "Bob", "Cy")
	require.NoError(t, tb.auth.StartGame(context.Background()))

	snap := tb.resync(t)
	assert.Equal(t, models.PhaseText, snap.Phase())
	assert.Equal(t, models.RoomStatusPlaying, snap.Room.Status)
	assert.Len(t, snap.Room.Settings.Chains, 3)
	assert.Equal(t, 1, snap.Room.Settings.Round)
	require.NotNil(t, snap.GameState.PhaseExpiry)
}

func TestStartGameRequiresTwoOnline(t *testing.T) {
	tb := newTable(t, "Ann", "Bob")
	tb.offline(1)
	assert.Error(t, tb.auth.StartGame(context.Background()))
}

func TestReadyAdvanceFoldsTextPhase(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	require.NoError(t, tb.auth.StartGame(ctx))

	texts := []string{"a cat in a hat", "two ships", "rainy monday"}
	for i, txt := range texts {
		tb.submit(t, i, "text:"+txt)
	}
	snap := tb.resync(t)
	require.Equal(t, TriggerReady, tb.auth.Check(snap))

	next, err := tb.auth.Advance(ctx, TriggerReady)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEmoji1, next)

	snap = tb.resync(t)
	assert.Equal(t, models.PhaseEmoji1, snap.Phase())
	chains := snap.Room.Settings.Chains
	require.Len(t, chains, 3)
	for i, p := range tb.players {
		chain, ok := ChainFor(snap.Room.Settings, models.PhaseText, p.ID)
		require.True(t, ok)
		require.Len(t, chain.History, 1)
		assert.Equal(t, texts[i], chain.History[0].Content)

		assigned, ok := ChainFor(snap.Room.Settings, models.PhaseEmoji1, p.ID)
		require.True(t, ok)
		assert.NotEqual(t, p.ID, assigned.CreatorID)
	}
	for _, p := range snap.Players {
		assert.Empty(t, p.LastAnswer, "answers are cleared for the new phase")
	}
}

func TestTimeoutSubstitutesPresenceAwarePlaceholders(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy", "Dee")
	require.NoError(t, tb.auth.StartGame(ctx))

	tb.submit(t, 0, "text:first")
	tb.submit(t, 1, "text:second")
	tb.offline(3)
	snap := tb.resync(t)
	assert.Equal(t, TriggerNone, tb.auth.Check(snap))

	tb.clock.Advance(2 * time.Minute)
	require.Equal(t, TriggerTimeout, tb.auth.Check(snap))
	next, err := tb.auth.Advance(ctx, TriggerTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEmoji1, next)

	settings := tb.resync(t).Room.Settings
	cy, _ := ChainFor(settings, models.PhaseText, tb.players[2].ID)
	dee, _ := ChainFor(settings, models.PhaseText, tb.players[3].ID)
	assert.Equal(t, "Cy was lost for words", cy.History[0].Content)
	assert.Equal(t, "Dee left before finishing", dee.History[0].Content)
}

func TestPopulationCollapseJumpsToScoreboard(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	require.NoError(t, tb.auth.StartGame(ctx))

	tb.offline(1, 2)
	snap := tb.resync(t)
	require.Equal(t, TriggerCollapse, tb.auth.Check(snap))

	next, err := tb.auth.Advance(ctx, TriggerCollapse)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScoreboard, next)

	snap = tb.resync(t)
	assert.Equal(t, models.PhaseScoreboard, snap.Phase())
	for _, c := range snap.Room.Settings.Chains {
		assert.Len(t, c.History, 1, "the interrupted phase is still folded")
	}
	require.Len(t, tb.sink.Records(), 1)
	assert.Equal(t, 1, tb.sink.Records()[0].Round)
}

func TestVoteTallyWritesScores(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy", "Dee")
	_, _, err := tb.store.CompareAndSetPhase(ctx, tb.room.ID, models.PhaseLobby, models.GameState{Phase: models.PhaseVote})
	require.NoError(t, err)
	_, err = tb.sync.WriteRoom(ctx, func(r *models.Room) error {
		r.Settings.PlayerOrder = []uuid.UUID{tb.players[0].ID, tb.players[1].ID, tb.players[2].ID, tb.players[3].ID}
		return nil
	})
	require.NoError(t, err)

	tb.submit(t, 0, voteAnswer(t, voteFor("funniest", tb.players[1].ID), voteFor("mostAccurate", tb.players[2].ID), voteFor("mostDestroyed", tb.players[3].ID)))
	for i := 1; i < 4; i++ {
		tb.submit(t, i, voteAnswer(t, voteFor("funniest", tb.players[0].ID)))
	}
	snap := tb.resync(t)
	require.Equal(t, TriggerReady, tb.auth.Check(snap))
	next, err := tb.auth.Advance(ctx, TriggerReady)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScoreboard, next)

	snap = tb.resync(t)
	score := func(i int) int {
		p, _ := snap.Player(tb.players[i].ID)
		return p.Score
	}
	assert.Equal(t, 3, score(0))
	assert.Equal(t, 1, score(1))
	assert.Equal(t, 2, score(2))
	assert.Equal(t, 0, score(3))
}

// flakyMirror fails the next failRoom room writes.
type flakyMirror struct {
	*mirror.Synchronizer
	failRoom int
}

func (f *flakyMirror) WriteRoom(ctx context.Context, mutate func(*models.Room) error) (*models.Room, error) {
	if f.failRoom > 0 {
		f.failRoom--
		return nil, models.ErrConnectionTimeout
	}
	return f.Synchronizer.WriteRoom(ctx, mutate)
}

func TestRetriedVoteAdvanceScoresOnce(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	_, _, err := tb.store.CompareAndSetPhase(ctx, tb.room.ID, models.PhaseLobby, models.GameState{Phase: models.PhaseVote})
	require.NoError(t, err)
	_, err = tb.sync.WriteRoom(ctx, func(r *models.Room) error {
		r.Settings.PlayerOrder = []uuid.UUID{tb.players[0].ID, tb.players[1].ID, tb.players[2].ID}
		return nil
	})
	require.NoError(t, err)

	tb.submit(t, 0, voteAnswer(t, voteFor("mostAccurate", tb.players[1].ID)))
	tb.submit(t, 1, voteAnswer(t, voteFor("funniest", tb.players[0].ID)))
	tb.submit(t, 2, voteAnswer(t, voteFor("funniest", tb.players[0].ID)))
	tb.resync(t)

	flaky := &flakyMirror{Synchronizer: tb.sync, failRoom: 1}
	auth := NewAuthority(flaky, fastTimings(), tb.sink, quietLogger())

	phase, err := auth.Advance(ctx, TriggerReady)
	require.ErrorIs(t, err, models.ErrConnectionTimeout)
	assert.Equal(t, models.PhaseVote, phase)

	storedScore := func(i int) int {
		p, err := tb.store.GetPlayer(ctx, tb.players[i].ID)
		require.NoError(t, err)
		return p.Score
	}
	assert.Equal(t, 0, storedScore(1), "no score may land before the phase moves")

	tb.resync(t)
	phase, err = auth.Advance(ctx, TriggerReady)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScoreboard, phase)
	assert.Equal(t, 2, storedScore(0))
	assert.Equal(t, 2, storedScore(1))
	assert.Equal(t, 0, storedScore(2))

	bob, err := tb.store.GetPlayer(ctx, tb.players[1].ID)
	require.NoError(t, err)
	assert.Empty(t, bob.LastAnswer)
	assert.Equal(t, 1, bob.VotesUsed["funniest"])
}

func TestNonHostNeverAdvances(t *testing.T) {
	tb := newTable(t, "Ann", "Bob")
	other := mirror.New(tb.store, tb.room.ID, tb.players[1].ID, mirror.Options{Logger: quietLogger()})
	require.NoError(t, other.Resync(context.Background()))
	auth := NewAuthority(other, fastTimings(), nil, quietLogger())

	assert.Equal(t, TriggerNone, auth.Check(other.Snapshot()))
	assert.ErrorIs(t, auth.StartGame(context.Background()), models.ErrNotHost)
}

func TestLosingConditionalWriteDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	require.NoError(t, tb.auth.StartGame(ctx))
	tb.resync(t)

	// Another would-be host moves the room on while our mirror is stale.
	_, _, err := tb.store.CompareAndSetPhase(ctx, tb.room.ID, models.PhaseText, models.GameState{Phase: models.PhaseEmoji1})
	require.NoError(t, err)

	phase, err := tb.auth.Advance(ctx, TriggerReady)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseText, phase)
	gs, err := tb.store.GetGameState(ctx, tb.room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEmoji1, gs.Phase)
}

func TestAdvanceLockHeldDuringSettle(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	tb.auth.t.Settle = time.Hour
	require.NoError(t, tb.auth.StartGame(ctx))
	tb.resync(t)

	phase, err := tb.auth.Advance(ctx, TriggerTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseText, phase, "second transition waits for the settle delay")
}

func TestStepRevealThenVote(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob")
	_, _, err := tb.store.CompareAndSetPhase(ctx, tb.room.ID, models.PhaseLobby, models.GameState{Phase: models.PhaseReveal})
	require.NoError(t, err)
	_, err = tb.sync.WriteRoom(ctx, func(r *models.Room) error {
		StartRound(&r.Settings, []uuid.UUID{tb.players[0].ID, tb.players[1].ID}, nil)
		Fold(&r.Settings, models.PhaseText, nil, nil)
		return nil
	})
	require.NoError(t, err)
	tb.resync(t)

	phase, err := tb.auth.StepReveal(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReveal, phase)
	assert.Equal(t, 1, tb.resync(t).Room.Settings.RevealChainIndex)

	phase, err = tb.auth.StepReveal(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseVote, phase)
}

func TestRestartReturnsToLobbyAndDropsDeparted(t *testing.T) {
	ctx := context.Background()
	tb := newTable(t, "Ann", "Bob", "Cy")
	require.NoError(t, tb.auth.StartGame(ctx))
	tb.offline(2)
	tb.resync(t)

	require.NoError(t, tb.auth.Restart(ctx))
	snap := tb.resync(t)
	assert.Equal(t, models.PhaseLobby, snap.Phase())
	assert.Equal(t, models.RoomStatusLobby, snap.Room.Status)
	assert.Empty(t, snap.Room.Settings.Chains)
	_, ok := snap.Player(tb.players[2].ID)
	assert.False(t, ok, "offline players are removed on return to lobby")
}
