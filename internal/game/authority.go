// internal/game/authority.go
package game

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/mirror"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Trigger is the reason the host advances the phase.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerReady
	TriggerTimeout
	TriggerCollapse
)

func (t Trigger) String() string {
	switch t {
	case TriggerReady:
		return "ready"
	case TriggerTimeout:
		return "timeout"
	case TriggerCollapse:
		return "collapse"
	}
	return "none"
}

// Mirror is the slice of the state synchronizer the host drives.
type Mirror interface {
	Snapshot() mirror.Snapshot
	Resync(ctx context.Context) error
	WriteRoom(ctx context.Context, mutate func(*models.Room) error) (*models.Room, error)
	WritePlayer(ctx context.Context, id uuid.UUID, patch models.PlayerPatch) (*models.Player, error)
	DeletePlayer(ctx context.Context, id uuid.UUID) error
	CompareAndSetPhase(ctx context.Context, expected models.Phase, next models.GameState) (bool, error)
}

// Timings are the host authority's delays.
type Timings struct {
	Drift          time.Duration // allowance past phase_expiry
	CollapseGrace  time.Duration // wait before short-circuiting a collapsed round
	Settle         time.Duration // advance lock hold after a transition
	LaggardTimeout time.Duration // bounded wait for late submissions
	LaggardPoll    time.Duration
	SolverBudget   time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		Drift:          2500 * time.Millisecond,
		CollapseGrace:  time.Second,
		Settle:         time.Second,
		LaggardTimeout: 1500 * time.Millisecond,
		LaggardPoll:    250 * time.Millisecond,
		SolverBudget:   50 * time.Millisecond,
	}
}

// Authority runs the phase machine on the client currently holding host.
// Every transition is guarded twice: a local try-lock that stays held for the
// settle delay, and a conditional phase write in the store.
type Authority struct {
	m       Mirror
	t       Timings
	sink    archive.Sink
	logger  logrus.FieldLogger
	now     func() time.Time
	advance sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewAuthority creates an authority over m. sink may be nil.
func NewAuthority(m Mirror, t Timings, sink archive.Sink, logger logrus.FieldLogger) *Authority {
	return &Authority{
		m:      m,
		t:      t,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

// SetRand seeds the solver's randomness, for reproducible tests.
func (a *Authority) SetRand(rng *rand.Rand) {
	a.rngMu.Lock()
	a.rng = rng
	a.rngMu.Unlock()
}

// activeParticipants returns the round's participants that are online.
func activeParticipants(snap mirror.Snapshot) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range snap.Settings().PlayerOrder {
		if _, ok := snap.Player(id); ok && snap.Online(id) {
			out = append(out, id)
		}
	}
	return out
}

// Ready reports whether every online participant has a final submission for
// the current phase.
func Ready(snap mirror.Snapshot) bool {
	phase := snap.Phase()
	if !CollectsAnswers(phase) {
		return false
	}
	active := activeParticipants(snap)
	if len(active) == 0 {
		return false
	}
	for _, id := range active {
		p, _ := snap.Player(id)
		if !protocol.IsSubmissionFor(p.LastAnswer, phase) {
			return false
		}
	}
	return true
}

// Check evaluates the advancement triggers against snap. Only the host acts;
// for everyone else it returns TriggerNone.
func (a *Authority) Check(snap mirror.Snapshot) Trigger {
	if !snap.IsHost() || snap.Room == nil || snap.GameState == nil {
		return TriggerNone
	}
	phase := snap.Phase()
	if CollectsAnswers(phase) {
		if len(activeParticipants(snap)) < 2 {
			return TriggerCollapse
		}
		if Ready(snap) {
			return TriggerReady
		}
	}
	if Duration(phase, snap.Settings()) > 0 && snap.GameState.Expired(a.now(), a.t.Drift) {
		return TriggerTimeout
	}
	return TriggerNone
}

// tryLock takes the advance lock. The returned release hands it back after
// the settle delay so the store's notifications can flow in first.
func (a *Authority) tryLock() (release func(), ok bool) {
	if !a.advance.TryLock() {
		return nil, false
	}
	return func() {
		if a.t.Settle <= 0 {
			a.advance.Unlock()
			return
		}
		time.AfterFunc(a.t.Settle, a.advance.Unlock)
	}, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// awaitLaggards re-polls the store until everyone has submitted or the
// laggard timeout elapses.
func (a *Authority) awaitLaggards(ctx context.Context, wait time.Duration) mirror.Snapshot {
	deadline := a.now().Add(wait)
	for {
		if err := a.m.Resync(ctx); err != nil {
			a.logger.WithError(err).Debug("laggard re-poll failed")
		}
		snap := a.m.Snapshot()
		if Ready(snap) || !a.now().Before(deadline) {
			return snap
		}
		if err := sleepCtx(ctx, a.t.LaggardPoll); err != nil {
			return a.m.Snapshot()
		}
	}
}

// Advance moves the room to the next phase for trigger. It returns the phase
// written, or the current one when another advance is in flight or another
// writer got there first.
func (a *Authority) Advance(ctx context.Context, trigger Trigger) (models.Phase, error) {
	release, ok := a.tryLock()
	if !ok {
		return a.m.Snapshot().Phase(), nil
	}
	defer release()

	snap := a.m.Snapshot()
	if !snap.IsHost() {
		return snap.Phase(), models.ErrNotHost
	}
	from := snap.Phase()

	switch {
	case trigger == TriggerCollapse:
		if err := sleepCtx(ctx, a.t.CollapseGrace); err != nil {
			return from, err
		}
		snap = a.awaitLaggards(ctx, 0)
	case trigger == TriggerTimeout && !IsNavigational(from):
		snap = a.awaitLaggards(ctx, a.t.LaggardTimeout)
	}
	if snap.Phase() != from || snap.Room == nil {
		return snap.Phase(), nil
	}

	settings := snap.Settings()
	mode := settings.GameMode
	var next models.Phase
	var tally *TallyResult

	switch {
	case trigger == TriggerCollapse && CollectsAnswers(from):
		next = models.PhaseScoreboard
	case from == models.PhaseScoreboard:
		scores := make(map[uuid.UUID]int, len(snap.Players))
		for _, p := range snap.Players {
			scores[p.ID] = p.Score
		}
		next, _ = Next(from, mode, WinnerReached(scores, settings.ScoreTarget))
	default:
		n, err := Next(from, mode, false)
		if err != nil {
			return from, err
		}
		next = n
	}
	if from == models.PhaseVote {
		res := Tally(snap.Players, settings.ScoreTarget)
		tally = &res
	}

	log := a.logger.WithFields(logrus.Fields{
		"room":    snap.Room.ID,
		"from":    from,
		"to":      next,
		"trigger": trigger,
	})

	if IsContent(from) {
		appended, placeholders := Fold(&settings, from, snap.Answers(), snap.Online)
		log.WithFields(logrus.Fields{"appended": appended, "placeholders": placeholders}).Debug("folded phase")
	}
	if IsContent(from) && IsContent(next) {
		solveCtx, cancel := context.WithTimeout(ctx, a.t.SolverBudget)
		a.rngMu.Lock()
		degraded := AssignPhase(solveCtx, &settings, next, a.rng)
		a.rngMu.Unlock()
		cancel()
		if degraded {
			log.Warn("assignment solver fell back to rotation")
		}
	}
	if next == models.PhaseText && from == models.PhaseScoreboard {
		a.startRound(&settings, snap)
	}

	swapped, err := a.commit(ctx, snap, settings, from, next, tally, log)
	if err != nil || !swapped {
		return from, err
	}

	if next == models.PhaseScoreboard {
		a.publish(ctx, snap, settings, tally)
	}
	return next, nil
}

// startRound seeds a new round from the players currently online.
func (a *Authority) startRound(settings *models.Settings, snap mirror.Snapshot) {
	ids := make([]uuid.UUID, 0, len(snap.Players))
	names := make(map[uuid.UUID]string, len(snap.Players))
	for _, p := range snap.OnlinePlayers() {
		ids = append(ids, p.ID)
		names[p.ID] = p.Name
	}
	StartRound(settings, ids, names)
}

// commit writes the settings bag, swaps the phase conditionally and then
// clears every answer for the new phase. Tallied scores ride on the same
// player writes, so a lost or failed swap leaves ballots and scores untouched
// for the next attempt. It reports whether the swap won.
func (a *Authority) commit(ctx context.Context, snap mirror.Snapshot, settings models.Settings, from, next models.Phase, tally *TallyResult, log logrus.FieldLogger) (bool, error) {
	if !CanTransition(from, next, settings.GameMode) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, next)
	}
	now := a.now()
	settings.PhaseExpiry = Expiry(next, settings, now)
	if next == models.PhaseLobby {
		settings.ResetRound()
	}
	status := models.RoomStatusPlaying
	if next == models.PhaseLobby {
		status = models.RoomStatusLobby
	}

	if _, err := a.m.WriteRoom(ctx, func(r *models.Room) error {
		r.Settings = settings
		r.Status = status
		return nil
	}); err != nil {
		return false, fmt.Errorf("write settings: %w", err)
	}

	swapped, err := a.m.CompareAndSetPhase(ctx, from, models.GameState{Phase: next, PhaseExpiry: settings.PhaseExpiry})
	if err != nil {
		return false, fmt.Errorf("advance phase: %w", err)
	}
	if !swapped {
		log.Info("phase already moved by another writer")
		return false, nil
	}
	log.Info("phase advanced")

	for _, p := range snap.Players {
		patch := models.PlayerPatch{}
		if p.LastAnswer != "" {
			patch.LastAnswer = models.Ptr("")
		}
		if tally != nil {
			if score, ok := tally.Scores[p.ID]; ok && score != p.Score {
				patch.Score = models.Ptr(score)
			}
			if used, ok := tally.VotesUsed[p.ID]; ok {
				patch.VotesUsed = used
			}
		}
		if patch.Empty() {
			continue
		}
		if _, err := a.m.WritePlayer(ctx, p.ID, patch); err != nil {
			log.WithError(err).WithField("player", p.ID).Warn("failed to write round results")
		}
	}

	if next == models.PhaseLobby || next == models.PhaseWinner {
		for _, p := range snap.Players {
			if p.ID == snap.SelfID || snap.Online(p.ID) {
				continue
			}
			if err := a.m.DeletePlayer(ctx, p.ID); err != nil {
				log.WithError(err).WithField("player", p.ID).Debug("failed to remove departed player")
			}
		}
	}
	return true, nil
}

func (a *Authority) publish(ctx context.Context, snap mirror.Snapshot, settings models.Settings, tally *TallyResult) {
	if a.sink == nil || snap.Room == nil {
		return
	}
	room := *snap.Room
	room.Settings = settings
	scores := make(map[uuid.UUID]int, len(snap.Players))
	for _, p := range snap.Players {
		scores[p.ID] = p.Score
	}
	if tally != nil {
		for id, s := range tally.Scores {
			scores[id] = s
		}
	}
	if err := a.sink.PublishRound(ctx, archive.NewRoundRecord(room, scores, a.now())); err != nil {
		a.logger.WithError(err).Warn("failed to archive round")
	}
}

// StartGame moves the room from the lobby into the first round with every
// online player as a participant.
func (a *Authority) StartGame(ctx context.Context) error {
	release, ok := a.tryLock()
	if !ok {
		return nil
	}
	defer release()

	snap := a.m.Snapshot()
	if !snap.IsHost() {
		return models.ErrNotHost
	}
	if snap.Phase() != models.PhaseLobby {
		return fmt.Errorf("%w: game already started", models.ErrInvalidTransition)
	}
	online := snap.OnlinePlayers()
	if len(online) < MinPlayers {
		return fmt.Errorf("need at least %d players online, have %d", MinPlayers, len(online))
	}

	settings := snap.Settings()
	a.startRound(&settings, snap)
	for _, p := range snap.Players {
		if p.Score == 0 && len(p.VotesUsed) == 0 {
			continue
		}
		if _, err := a.m.WritePlayer(ctx, p.ID, models.PlayerPatch{Score: models.Ptr(0), VotesUsed: map[string]int{}}); err != nil {
			a.logger.WithError(err).Debug("failed to reset score")
		}
	}
	log := a.logger.WithFields(logrus.Fields{"room": snap.Room.ID, "from": models.PhaseLobby, "to": models.PhaseText})
	_, err := a.commit(ctx, snap, settings, models.PhaseLobby, models.PhaseText, nil, log)
	return err
}

// StepReveal moves the host-controlled reveal cursor one entry forward. After
// the last entry of the last chain the room moves on to voting.
func (a *Authority) StepReveal(ctx context.Context) (models.Phase, error) {
	release, ok := a.tryLock()
	if !ok {
		return a.m.Snapshot().Phase(), nil
	}
	defer release()

	snap := a.m.Snapshot()
	if !snap.IsHost() {
		return snap.Phase(), models.ErrNotHost
	}
	if snap.Phase() != models.PhaseReveal {
		return snap.Phase(), fmt.Errorf("%w: not revealing", models.ErrWrongPhase)
	}
	settings := snap.Settings()
	chains := settings.ChainIDs()

	if settings.RevealChainIndex < len(chains) {
		chain := settings.Chains[chains[settings.RevealChainIndex]]
		settings.RevealStep++
		if chain == nil || settings.RevealStep >= len(chain.History) {
			settings.RevealChainIndex++
			settings.RevealStep = 0
		}
	}
	if settings.RevealChainIndex < len(chains) {
		_, err := a.m.WriteRoom(ctx, func(r *models.Room) error {
			r.Settings.RevealStep = settings.RevealStep
			r.Settings.RevealChainIndex = settings.RevealChainIndex
			return nil
		})
		return models.PhaseReveal, err
	}

	log := a.logger.WithFields(logrus.Fields{"room": snap.Room.ID, "from": models.PhaseReveal, "to": models.PhaseVote})
	swapped, err := a.commit(ctx, snap, settings, models.PhaseReveal, models.PhaseVote, nil, log)
	if err != nil || !swapped {
		return models.PhaseReveal, err
	}
	return models.PhaseVote, nil
}

// Restart returns the room to the lobby from any phase, wiping scores and
// round state.
func (a *Authority) Restart(ctx context.Context) error {
	release, ok := a.tryLock()
	if !ok {
		return nil
	}
	defer release()

	snap := a.m.Snapshot()
	if !snap.IsHost() {
		return models.ErrNotHost
	}
	from := snap.Phase()
	if from == models.PhaseLobby {
		return nil
	}
	for _, p := range snap.Players {
		if p.Score == 0 && len(p.VotesUsed) == 0 {
			continue
		}
		if _, err := a.m.WritePlayer(ctx, p.ID, models.PlayerPatch{Score: models.Ptr(0), VotesUsed: map[string]int{}}); err != nil {
			a.logger.WithError(err).Debug("failed to reset score")
		}
	}
	settings := snap.Settings()
	settings.Round = 0
	log := a.logger.WithFields(logrus.Fields{"room": snap.Room.ID, "from": from, "to": models.PhaseLobby})
	_, err := a.commit(ctx, snap, settings, from, models.PhaseLobby, nil, log)
	return err
}
