// internal/session/autoplay.go
package session

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
)

var botPhrases = []string{
	"a wizard losing a staring contest",
	"the moon ordering takeout",
	"a dog who thinks he is a cat",
	"rain falling upwards on a tuesday",
	"two robots arguing about pizza",
	"a very small volcano with big dreams",
}

var botEmoji = []string{"🐙", "🌮", "🚀", "🎻", "🧀", "🌋", "👻", "🦖", "🎈", "🍕", "🌧️", "🤖"}

// Autoplayer drives a client headlessly: it answers every phase, votes at
// random and, when hosting, starts the game and steps through the reveal.
type Autoplayer struct {
	c           *Client
	autoStart   bool
	revealEvery time.Duration

	mu         sync.Mutex
	rng        *rand.Rand
	lastReveal time.Time
}

// NewAutoplayer wraps c. With autoStart the host starts as soon as enough
// players are online.
func NewAutoplayer(c *Client, autoStart bool, revealEvery time.Duration) *Autoplayer {
	return &Autoplayer{
		c:           c,
		autoStart:   autoStart,
		revealEvery: revealEvery,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attach registers the autoplayer on the client's tick.
func (a *Autoplayer) Attach(ctx context.Context) {
	a.c.OnTick(func(Tick) { a.Step(ctx) })
}

func (a *Autoplayer) pick(list []string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return list[a.rng.Intn(len(list))]
}

func (a *Autoplayer) emoji(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = a.pick(botEmoji)
	}
	return strings.Join(parts, " ")
}

// Step performs at most one action for the current snapshot.
func (a *Autoplayer) Step(ctx context.Context) {
	snap := a.c.Snapshot()
	self, ok := snap.Self()
	if !ok {
		return
	}
	phase := snap.Phase()
	settings := snap.Settings()

	if snap.IsHost() {
		switch phase {
		case models.PhaseLobby:
			if a.autoStart && len(snap.OnlinePlayers()) >= game.MinPlayers {
				a.report(a.c.StartGame(ctx))
			}
			return
		case models.PhaseReveal:
			a.mu.Lock()
			due := time.Since(a.lastReveal) >= a.revealEvery
			if due {
				a.lastReveal = time.Now()
			}
			a.mu.Unlock()
			if due {
				_, err := a.c.StepReveal(ctx)
				a.report(err)
			}
			return
		}
	}

	if !settings.IsParticipant(self.ID) || protocol.IsSubmissionFor(self.LastAnswer, phase) {
		return
	}
	switch protocol.FamilyOf(phase) {
	case protocol.FamilyText:
		a.report(a.c.Submit(ctx, a.pick(botPhrases)))
	case protocol.FamilyEmoji:
		a.report(a.c.Submit(ctx, a.emoji(3)))
	case protocol.FamilyGuess:
		guess := a.pick(botPhrases)
		if prompt, ok := game.Prompt(settings, phase, self.ID); ok {
			guess = "something like " + prompt.Content
		}
		a.report(a.c.Submit(ctx, guess))
	case protocol.FamilyVote:
		a.report(a.c.Vote(ctx, a.ballot(settings.PlayerOrder, self.ID)))
	}
}

// ballot casts one vote per category at random other participants.
func (a *Autoplayer) ballot(order []uuid.UUID, self uuid.UUID) []protocol.Vote {
	var others []uuid.UUID
	for _, id := range order {
		if id != self {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return []protocol.Vote{}
	}
	votes := make([]protocol.Vote, 0, len(protocol.Categories))
	a.mu.Lock()
	for _, cat := range protocol.Categories {
		votes = append(votes, protocol.Vote{Category: cat, TargetID: others[a.rng.Intn(len(others))]})
	}
	a.mu.Unlock()
	return votes
}

func (a *Autoplayer) report(err error) {
	if err != nil {
		a.c.logger.WithError(err).Debug("autoplay action failed")
	}
}
