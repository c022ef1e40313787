package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/lobby"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const pollEvery = 5 * time.Millisecond

func testTimings() Timings {
	t := DefaultTimings()
	t.Tick = 10 * time.Millisecond
	t.HostMonitor = 20 * time.Millisecond
	t.AFKSweep = 30 * time.Millisecond
	t.Heartbeat = time.Hour
	t.SplitBrain = 50 * time.Millisecond
	t.ResyncMin = 40 * time.Millisecond
	t.ResyncMax = 60 * time.Millisecond
	t.FenceGrace = 100 * time.Millisecond
	t.HostOfflineGrace = 150 * time.Millisecond
	t.HostMissingGrace = 30 * time.Millisecond
	t.Authority = game.Timings{
		CollapseGrace:  10 * time.Millisecond,
		LaggardTimeout: 20 * time.Millisecond,
		LaggardPoll:    5 * time.Millisecond,
		SolverBudget:   50 * time.Millisecond,
	}
	return t
}

type env struct {
	t      *testing.T
	store  *database.MemoryStore
	hub    *presence.Hub
	sink   *archive.MemorySink
	logger *logrus.Logger
	keys   map[*Client]*auth.MemoryKeystore
	wg     sync.WaitGroup
}

func newEnv(t *testing.T) *env {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	e := &env{
		t:      t,
		store:  database.NewMemoryStore(database.MemoryOptions{}),
		hub:    presence.NewHub(),
		sink:   &archive.MemorySink{},
		logger: logger,
		keys:   make(map[*Client]*auth.MemoryKeystore),
	}
	t.Cleanup(e.wg.Wait)
	return e
}

func (e *env) client(name string) *Client {
	keys := auth.NewMemoryKeystore()
	c := New(Deps{
		Store:    e.store,
		Presence: e.hub.Channel(),
		Keys:     keys,
		Sink:     e.sink,
		Logger:   e.logger,
	}, lobby.Identity{Name: name, Emoji: "🙂", Fingerprint: "fp-" + name}, testTimings())
	e.keys[c] = keys
	return c
}

// run starts clients in the background; they stop when the test ends or the
// returned cancel is called.
func (e *env) run(c *Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	e.t.Cleanup(cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = c.Run(ctx)
	}()
	return cancel
}

func (e *env) table(names ...string) []*Client {
	e.t.Helper()
	ctx := context.Background()
	clients := make([]*Client, 0, len(names))
	host := e.client(names[0])
	res, err := host.Create(ctx)
	require.NoError(e.t, err)
	clients = append(clients, host)
	for _, name := range names[1:] {
		c := e.client(name)
		_, err := c.Join(ctx, res.Room.Code)
		require.NoError(e.t, err)
		clients = append(clients, c)
	}
	for _, c := range clients {
		e.run(c)
	}
	require.Eventually(e.t, func() bool {
		return len(host.Snapshot().OnlinePlayers()) == len(names)
	}, waitFor, pollEvery)
	return clients
}

func waitPhase(t *testing.T, c *Client, phase models.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Phase() == phase }, waitFor, pollEvery,
		"still in %s", c.Snapshot().Phase())
}

func TestJoinUnknownCode(t *testing.T) {
	e := newEnv(t)
	_, err := e.client("Ana").Join(context.Background(), "zzzz")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestThreePlayersPlayTextRound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo", "Cy")
	host := clients[0]

	require.NoError(t, host.StartGame(ctx))
	phrases := map[string]bool{}
	for i, c := range clients {
		waitPhase(t, c, models.PhaseText)
		phrase := "phrase number " + string(rune('A'+i))
		phrases[phrase] = true
		require.NoError(t, c.Submit(ctx, phrase))
	}

	waitPhase(t, host, models.PhaseEmoji1)
	chains := host.Snapshot().Settings().Chains
	require.Len(t, chains, 3)
	for _, chain := range chains {
		require.Len(t, chain.History, 1)
		assert.Equal(t, models.PhaseText, chain.History[0].Phase)
		assert.True(t, phrases[chain.History[0].Content], chain.History[0].Content)
	}
	for _, c := range clients {
		waitPhase(t, c, models.PhaseEmoji1)
		self, _ := c.Snapshot().Self()
		assert.Empty(t, self.LastAnswer, "answers are cleared for the new phase")
	}
}

func TestIdenticalSubmissionIsNotRewritten(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo", "Cy")
	require.NoError(t, clients[0].StartGame(ctx))
	bo := clients[1]
	waitPhase(t, bo, models.PhaseText)

	require.NoError(t, bo.Submit(ctx, "a cat on a bike"))
	first, err := e.store.GetPlayer(ctx, bo.SelfID())
	require.NoError(t, err)
	require.NoError(t, bo.Submit(ctx, "a cat on a bike"))
	second, err := e.store.GetPlayer(ctx, bo.SelfID())
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "text:a cat on a bike", second.LastAnswer)

	// A draft saved afterwards never displaces the final answer.
	require.NoError(t, bo.SaveDraft(ctx, "a cat on a bi"))
	third, err := e.store.GetPlayer(ctx, bo.SelfID())
	require.NoError(t, err)
	assert.Equal(t, first.Version, third.Version)
}

func TestSubmitOutsideAnsweringPhase(t *testing.T) {
	e := newEnv(t)
	clients := e.table("Ana", "Bo")
	err := clients[1].Submit(context.Background(), "too early")
	assert.ErrorIs(t, err, models.ErrWrongPhase)
}

func TestRemainingPlayerBecomesHostWhenHostLeaves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo")
	host, bo := clients[0], clients[1]

	require.NoError(t, host.Leave(ctx))
	require.Eventually(t, func() bool { return bo.Snapshot().IsHost() }, waitFor, pollEvery)

	p, err := e.store.GetPlayer(ctx, bo.SelfID())
	require.NoError(t, err)
	assert.True(t, p.IsHost)
	_, ok := e.keys[host].Get(host.Code())
	assert.False(t, ok, "leaving purges the session token")
}

func TestOfflineHostIsReplacedAfterGrace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	host := e.client("Ana")
	res, err := host.Create(ctx)
	require.NoError(t, err)
	bo := e.client("Bo")
	_, err = bo.Join(ctx, res.Room.Code)
	require.NoError(t, err)
	stopHost := e.run(host)
	e.run(bo)
	require.Eventually(t, func() bool { return bo.Snapshot().Online(host.SelfID()) }, waitFor, pollEvery)

	stopHost()
	require.Eventually(t, func() bool { return bo.Snapshot().IsHost() }, waitFor, pollEvery)
	oldHost, err := e.store.GetPlayer(ctx, res.Player.ID)
	require.NoError(t, err, "the offline host keeps its row")
	assert.True(t, oldHost.IsHost)

	// The old host comes back and yields to the active host.
	again := e.client("Ana")
	joined, err := again.Join(ctx, res.Room.Code)
	require.NoError(t, err)
	assert.Equal(t, res.Player.ID, joined.Player.ID)
	assert.False(t, joined.Player.IsHost)
}

func TestKickedPlayerGetsTerminalError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo")
	host, bo := clients[0], clients[1]
	code := bo.Code()

	require.NoError(t, host.Kick(ctx, bo.SelfID()))
	select {
	case err := <-bo.Errors():
		assert.ErrorIs(t, err, models.ErrKicked)
	case <-time.After(waitFor):
		t.Fatal("no terminal error")
	}
	_, ok := e.keys[bo].Get(code)
	assert.False(t, ok)

	_, err := e.client("Bo").Join(ctx, code)
	assert.ErrorIs(t, err, models.ErrKicked)
}

func TestPromoteHostAnchorsElection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo", "Cy")
	host, cy := clients[0], clients[2]

	require.NoError(t, host.PromoteHost(ctx, cy.SelfID()))
	require.Eventually(t, func() bool { return cy.Snapshot().IsHost() && !host.Snapshot().IsHost() }, waitFor, pollEvery)
	assert.Equal(t, cy.SelfID(), cy.Snapshot().Settings().ManualHostID)
	assert.ErrorIs(t, host.StartGame(ctx), models.ErrNotHost)
}

func TestUpdateSettingsInLobby(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo")
	require.NoError(t, clients[0].UpdateSettings(ctx, map[string]interface{}{"game_mode": models.GameModeEmojiOnly, "score_target": float64(5)}))
	require.Eventually(t, func() bool {
		return clients[1].Snapshot().Settings().GameMode == models.GameModeEmojiOnly
	}, waitFor, pollEvery)
	assert.ErrorIs(t, clients[1].UpdateSettings(ctx, map[string]interface{}{"score_target": float64(7)}), models.ErrNotHost)
}

func TestSplitBrainMovesClientToCanonicalRoom(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ana := e.client("Ana")
	res, err := ana.Create(ctx)
	require.NoError(t, err)

	// A second room under the same code, created later, with its own online host.
	time.Sleep(2 * time.Millisecond)
	dup := &models.Room{Code: res.Room.Code, Status: models.RoomStatusLobby, Settings: models.DefaultSettings()}
	require.NoError(t, e.store.CreateRoom(ctx, dup))
	_, err = e.store.PutGameState(ctx, &models.GameState{RoomID: dup.ID, Phase: models.PhaseLobby})
	require.NoError(t, err)
	other := &models.Player{RoomID: dup.ID, Name: "Zed", IsHost: true}
	require.NoError(t, e.store.InsertPlayer(ctx, other))
	_, err = e.hub.Channel().Track(ctx, dup.ID, presence.Member{ID: other.ID, Name: "Zed"})
	require.NoError(t, err)

	e.run(ana)
	require.Eventually(t, func() bool {
		snap := ana.Snapshot()
		return snap.Room != nil && snap.Room.ID == dup.ID
	}, waitFor, pollEvery)
	require.Eventually(t, func() bool { return ana.Snapshot().Online(other.ID) }, waitFor, pollEvery)
	assert.False(t, ana.Snapshot().IsHost())
}

func TestRunWithoutJoin(t *testing.T) {
	e := newEnv(t)
	err := e.client("Ana").Run(context.Background())
	assert.True(t, errors.Is(err, errNotJoined))
}

func TestAutoplayersFinishARound(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clients := e.table("Ana", "Bo", "Cy")
	for i, c := range clients {
		NewAutoplayer(c, i == 0, 5*time.Millisecond).Attach(ctx)
	}

	host := clients[0]
	require.Eventually(t, func() bool { return host.Snapshot().Phase() == models.PhaseScoreboard }, 10*time.Second, 10*time.Millisecond,
		"stuck in %s", host.Snapshot().Phase())

	settings := host.Snapshot().Settings()
	require.Len(t, settings.Chains, 3)
	for _, chain := range settings.Chains {
		assert.Len(t, chain.History, len(game.ContentPhases(models.GameModeStandard)))
	}
	require.Eventually(t, func() bool { return len(e.sink.Records()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, 1, e.sink.Records()[0].Round)
}

func TestSubmissionDuringOutageReachesStore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clients := e.table("Ana", "Bo", "Cy")
	host, bo := clients[0], clients[1]
	require.NoError(t, host.StartGame(ctx))
	waitPhase(t, bo, models.PhaseText)

	e.store.SetOffline(true)
	require.NoError(t, bo.Submit(ctx, "lost phrase"), "a timed out write is retried, not reported")
	e.store.SetOffline(false)

	require.Eventually(t, func() bool {
		p, err := e.store.GetPlayer(ctx, bo.SelfID())
		return err == nil && p.LastAnswer == "text:lost phrase"
	}, waitFor, pollEvery)
	assert.Equal(t, models.PhaseText, host.Snapshot().Phase())
}

func TestRunReturnsOnCancelAndLeavesPresence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	host := e.client("Ana")
	res, err := host.Create(ctx)
	require.NoError(t, err)
	bo := e.client("Bo")
	_, err = bo.Join(ctx, res.Room.Code)
	require.NoError(t, err)
	e.run(bo)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- host.Run(runCtx) }()
	require.Eventually(t, func() bool { return bo.Snapshot().Online(host.SelfID()) }, waitFor, pollEvery)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	require.Eventually(t, func() bool { return !bo.Snapshot().Online(host.SelfID()) }, waitFor, pollEvery)
}
