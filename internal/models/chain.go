package models

import "github.com/google/uuid"

// ChainEntry is one contribution to a chain.
type ChainEntry struct {
	Phase    Phase     `json:"phase"`
	PlayerID uuid.UUID `json:"playerId"`
	Content  string    `json:"content"`
}

// Chain is an append-only relay of contributions started by CreatorID.
type Chain struct {
	ID        uuid.UUID    `json:"id"`
	CreatorID uuid.UUID    `json:"creator_id"`
	History   []ChainEntry `json:"history"`
}

// ContributedBy reports whether playerID created or already wrote to the chain.
func (c *Chain) ContributedBy(playerID uuid.UUID) bool {
	if c == nil {
		return false
	}
	if c.CreatorID == playerID {
		return true
	}
	for _, e := range c.History {
		if e.PlayerID == playerID {
			return true
		}
	}
	return false
}

// EntryFor returns the entry recorded for phase, if any.
func (c *Chain) EntryFor(phase Phase) (ChainEntry, bool) {
	if c == nil {
		return ChainEntry{}, false
	}
	for _, e := range c.History {
		if e.Phase == phase {
			return e, true
		}
	}
	return ChainEntry{}, false
}

// Latest returns the most recent entry.
func (c *Chain) Latest() (ChainEntry, bool) {
	if c == nil || len(c.History) == 0 {
		return ChainEntry{}, false
	}
	return c.History[len(c.History)-1], true
}
