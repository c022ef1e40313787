// internal/session/tasks.go
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/lobby"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
	"github.com/sirupsen/logrus"
)

// tick publishes the countdown and re-asserts a pending final submission.
func (c *Client) tick(ctx context.Context) {
	s, _, err := c.state()
	if err != nil {
		return
	}
	snap := s.Snapshot()
	c.reassert(ctx, snap.Phase(), snap.Settings().Round)

	c.mu.Lock()
	fn := c.onTick
	c.mu.Unlock()
	if fn != nil {
		fn(Tick{Phase: snap.Phase(), Round: snap.Settings().Round, Remaining: snap.GameState.Remaining(time.Now())})
	}
}

// reassert rewrites the pending final answer until the store acknowledges it,
// and again whenever a draft for the same phase displaces it afterwards. A
// phase change abandons it.
func (c *Client) reassert(ctx context.Context, phase models.Phase, round int) {
	s, _, err := c.state()
	if err != nil {
		return
	}
	c.mu.Lock()
	p := c.pending
	if p.raw != "" && (p.phase != phase || p.round != round) {
		c.pending = pendingAnswer{}
		p = pendingAnswer{}
	}
	c.mu.Unlock()
	if p.raw == "" {
		return
	}

	self, ok := s.Snapshot().Self()
	if !ok {
		return
	}
	// Until the store has accepted the answer once, keep writing it whatever
	// the mirror shows.
	if p.acked {
		if self.LastAnswer == p.raw {
			return
		}
		current, isTagged := protocol.Parse(self.LastAnswer)
		clobbered := isTagged && !current.IsFinal() && current.Family() == protocol.FamilyOf(phase)
		if !clobbered {
			// An emptied answer after an acknowledged write is the host clearing
			// the round, not a lost submission.
			return
		}
	}
	if _, err := s.WritePlayer(ctx, self.ID, models.PlayerPatch{LastAnswer: &p.raw}); err != nil {
		c.logger.WithError(err).Debug("re-assert of pending answer failed")
		return
	}
	c.markAcked(p)
}

func (c *Client) markAcked(p pendingAnswer) {
	c.mu.Lock()
	if c.pending.raw == p.raw && c.pending.phase == p.phase && c.pending.round == p.round {
		c.pending.acked = true
	}
	c.mu.Unlock()
}

// monitor runs host election and, on the host, the phase triggers.
func (c *Client) monitor(ctx context.Context) {
	s, authority, err := c.state()
	if err != nil {
		return
	}
	c.mu.Lock()
	elector := c.elector
	c.mu.Unlock()

	snap := s.Snapshot()
	switch elector.Evaluate(snap) {
	case lobby.DecisionPromoteSelf:
		c.logger.Info("promoting self to host")
		if _, err := s.WritePlayer(ctx, snap.SelfID, models.PlayerPatch{IsHost: models.Ptr(true)}); err != nil {
			c.logger.WithError(err).Warn("host promotion failed")
		}
		return
	case lobby.DecisionDemoteSelf:
		c.logger.Info("stepping down as duplicate host")
		if _, err := s.WritePlayer(ctx, snap.SelfID, models.PlayerPatch{IsHost: models.Ptr(false)}); err != nil {
			c.logger.WithError(err).Warn("host demotion failed")
		}
		return
	}

	trigger := authority.Check(snap)
	if trigger == game.TriggerNone {
		return
	}
	phase, err := authority.Advance(ctx, trigger)
	if err != nil {
		c.logger.WithError(err).WithField("trigger", trigger).Warn("phase advance failed")
		return
	}
	c.logger.WithFields(logrus.Fields{"trigger": trigger, "phase": phase}).Debug("host monitor advanced")
}

// sweep detects that this player or the room is gone and, on the host,
// removes players that went quiet outside active play.
func (c *Client) sweep(ctx context.Context) {
	s, _, err := c.state()
	if err != nil {
		return
	}
	if s.RoomGone() {
		c.raise(models.ErrRoomNotFound)
		return
	}
	snap := s.Snapshot()
	if snap.Room == nil {
		return
	}
	if _, ok := snap.Self(); !ok {
		// The feed is unordered; reload so a kick's ban list is seen before
		// deciding why the row went away.
		if err := s.Resync(ctx); err != nil {
			c.logger.WithError(err).Debug("resync before removal check failed")
			return
		}
		if s.RoomGone() {
			c.raise(models.ErrRoomNotFound)
			return
		}
		snap = s.Snapshot()
		if _, ok := snap.Self(); ok {
			return
		}
		settings := snap.Settings()
		if settings.IsKickedName(c.identity.Name) || settings.IsKickedFingerprint(auth.FingerprintDigest(c.identity.Fingerprint)) {
			c.raise(models.ErrKicked)
		} else {
			c.raise(models.ErrAfkTimeout)
		}
		return
	}
	if !snap.IsHost() {
		return
	}
	phase := snap.Phase()
	if phase != models.PhaseLobby && phase != models.PhaseWinner {
		return
	}
	now := time.Now()
	for _, p := range snap.Players {
		if p.ID == snap.SelfID || snap.Online(p.ID) || p.ActiveWithin(c.t.AFKTimeout, now) {
			continue
		}
		c.logger.WithField("target", p.ID).Info("removing inactive player")
		if err := s.DeletePlayer(ctx, p.ID); err != nil {
			c.logger.WithError(err).Debug("inactive player removal failed")
		}
	}
}

// heartbeat refreshes last_seen and presence liveness.
func (c *Client) heartbeat(ctx context.Context) {
	s, _, err := c.state()
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if _, err := s.WritePlayer(ctx, s.SelfID(), models.PlayerPatch{LastSeen: &now}); err != nil {
		c.logger.WithError(err).Debug("heartbeat write failed")
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.Refresh(ctx); err != nil {
			c.logger.WithError(err).Debug("presence refresh failed")
		}
	}
}

// scan looks for a duplicate room under our code. It reports the room to
// move to when ours lost.
func (c *Client) scan(ctx context.Context) (models.Room, bool) {
	s, _, err := c.state()
	if err != nil {
		return models.Room{}, false
	}
	winner, err := c.resolver.Scan(ctx, c.Code(), s.RoomID())
	switch {
	case err == nil:
		return models.Room{}, false
	case errors.Is(err, models.ErrSplitBrainConflict):
		c.logger.WithError(err).Warn("split brain resolved against this room")
		return winner, true
	case errors.Is(err, models.ErrRoomNotFound):
		// Our own room vanished; the sweep reports it once the mirror agrees.
		return models.Room{}, false
	default:
		c.logger.WithError(err).Debug("split brain scan failed")
		return models.Room{}, false
	}
}
