// internal/session/actions.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
)

// Submit sends the final answer for the current phase. Sending the same
// answer again in the same phase is a no-op and issues no write.
func (c *Client) Submit(ctx context.Context, payload string) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	phase := snap.Phase()
	family := protocol.FamilyOf(phase)
	if family == protocol.FamilyNone || family == protocol.FamilyVote {
		return fmt.Errorf("%w: %s does not take submissions", models.ErrWrongPhase, phase)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return errors.New("submission is empty")
	}
	return c.submitFinal(ctx, protocol.Final(family, payload).String(), phase, snap.Settings().Round)
}

// Vote casts the local player's awards for the round.
func (c *Client) Vote(ctx context.Context, votes []protocol.Vote) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	if snap.Phase() != models.PhaseVote {
		return fmt.Errorf("%w: not voting", models.ErrWrongPhase)
	}
	for _, v := range votes {
		if v.TargetID == snap.SelfID {
			return errors.New("cannot vote for yourself")
		}
	}
	settings := snap.Settings()
	if err := protocol.ValidateBudget(votes, settings.ScoreTarget); err != nil {
		return err
	}
	raw, err := protocol.EncodeVotes(votes)
	if err != nil {
		return err
	}
	return c.submitFinal(ctx, raw, models.PhaseVote, settings.Round)
}

func (c *Client) submitFinal(ctx context.Context, raw string, phase models.Phase, round int) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	key := strconv.Itoa(round) + "/" + string(phase) + "/" + raw

	c.mu.Lock()
	if c.submitted == key {
		c.mu.Unlock()
		return nil
	}
	c.submitted = key
	c.pending = pendingAnswer{raw: raw, phase: phase, round: round}
	c.mu.Unlock()

	if _, err := s.WritePlayer(ctx, s.SelfID(), models.PlayerPatch{LastAnswer: &raw}); err != nil {
		if errors.Is(err, models.ErrConnectionTimeout) {
			// Pending answers are re-asserted every tick.
			c.logger.WithError(err).Debug("submission deferred")
			return nil
		}
		c.mu.Lock()
		if c.submitted == key {
			c.submitted = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("submit: %w", err)
	}
	c.markAcked(pendingAnswer{raw: raw, phase: phase, round: round})
	return nil
}

// SaveDraft autosaves unsent input. A draft never replaces a final answer
// already sent in this phase.
func (c *Client) SaveDraft(ctx context.Context, payload string) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	phase := snap.Phase()
	family := protocol.FamilyOf(phase)
	if family == protocol.FamilyNone {
		return fmt.Errorf("%w: %s does not take drafts", models.ErrWrongPhase, phase)
	}
	self, ok := snap.Self()
	if !ok {
		return models.ErrPlayerNotFound
	}
	if protocol.IsSubmissionFor(self.LastAnswer, phase) {
		return nil
	}
	c.mu.Lock()
	hasPending := c.pending.raw != "" && c.pending.phase == phase
	c.mu.Unlock()
	if hasPending {
		return nil
	}
	raw := protocol.Draft(family, payload).String()
	if raw == self.LastAnswer {
		return nil
	}
	_, err = s.WritePlayer(ctx, self.ID, models.PlayerPatch{LastAnswer: &raw})
	return err
}

// Leave removes the local player, deletes the room if it is now empty and
// stops every task.
func (c *Client) Leave(ctx context.Context) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = pendingAnswer{}
	c.mu.Unlock()
	c.stop(nil)

	snap := s.Snapshot()
	if err := s.DeletePlayer(ctx, snap.SelfID); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	c.reconnector.Forget(c.Code())

	others := 0
	for _, p := range snap.Players {
		if p.ID != snap.SelfID {
			others++
		}
	}
	if others == 0 {
		if err := c.deps.Store.DeleteRoom(ctx, s.RoomID()); err != nil {
			return fmt.Errorf("delete empty room: %w", err)
		}
	}
	c.logger.Info("left room")
	return nil
}

// StartGame begins the first round. Host only.
func (c *Client) StartGame(ctx context.Context) error {
	_, a, err := c.state()
	if err != nil {
		return err
	}
	return a.StartGame(ctx)
}

// StepReveal advances the reveal cursor. Host only.
func (c *Client) StepReveal(ctx context.Context) (models.Phase, error) {
	_, a, err := c.state()
	if err != nil {
		return "", err
	}
	return a.StepReveal(ctx)
}

// Restart sends the room back to the lobby. Host only.
func (c *Client) Restart(ctx context.Context) error {
	_, a, err := c.state()
	if err != nil {
		return err
	}
	return a.Restart(ctx)
}

// Kick bans a player by name and device and removes their row. Host only.
func (c *Client) Kick(ctx context.Context, target uuid.UUID) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	if !snap.IsHost() {
		return models.ErrNotHost
	}
	if target == snap.SelfID {
		return errors.New("cannot kick yourself")
	}
	p, ok := snap.Player(target)
	if !ok {
		return models.ErrPlayerNotFound
	}
	digest := auth.FingerprintDigest(protocol.ParseAvatar(p.Avatar).Fingerprint)
	if _, err := s.WriteRoom(ctx, func(r *models.Room) error {
		if !r.Settings.IsKickedName(p.Name) {
			r.Settings.KickedNames = append(r.Settings.KickedNames, p.Name)
		}
		if digest != "" && !r.Settings.IsKickedFingerprint(digest) {
			r.Settings.KickedFingerprints = append(r.Settings.KickedFingerprints, digest)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("kick: %w", err)
	}
	c.logger.WithField("target", target).Info("kicked player")
	return s.DeletePlayer(ctx, target)
}

// PromoteHost hands host to target and anchors the election on them.
func (c *Client) PromoteHost(ctx context.Context, target uuid.UUID) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	if !snap.IsHost() {
		return models.ErrNotHost
	}
	if _, ok := snap.Player(target); !ok {
		return models.ErrPlayerNotFound
	}
	if target == snap.SelfID {
		return nil
	}
	if _, err := s.WriteRoom(ctx, func(r *models.Room) error {
		r.Settings.ManualHostID = target
		return nil
	}); err != nil {
		return fmt.Errorf("promote host: %w", err)
	}
	if _, err := s.WritePlayer(ctx, target, models.PlayerPatch{IsHost: models.Ptr(true)}); err != nil {
		return fmt.Errorf("promote host: %w", err)
	}
	_, err = s.WritePlayer(ctx, snap.SelfID, models.PlayerPatch{IsHost: models.Ptr(false)})
	return err
}

// UpdateSettings applies a partial settings update in the lobby. Host only.
func (c *Client) UpdateSettings(ctx context.Context, updates map[string]interface{}) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	if !snap.IsHost() {
		return models.ErrNotHost
	}
	if snap.Phase() != models.PhaseLobby {
		return fmt.Errorf("%w: settings are locked during play", models.ErrWrongPhase)
	}
	_, err = s.WriteRoom(ctx, func(r *models.Room) error {
		return game.UpdateSettings(&r.Settings, updates)
	})
	return err
}
