package models

import "errors"

// Terminal errors end the session for a room code. The client raises each one
// once and purges the stored session for that code.
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrKicked       = errors.New("kicked from room")
	ErrAfkTimeout   = errors.New("removed for inactivity")
)

// Transient errors are absorbed by the retry and resync loops.
var (
	ErrConnectionTimeout  = errors.New("store connection timeout")
	ErrSplitBrainConflict = errors.New("duplicate rooms share a join code")
	ErrStaleWriteConflict = errors.New("stale write discarded by fence")
)

var (
	ErrPlayerNotFound    = errors.New("player not found")
	ErrNotHost           = errors.New("operation requires host")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrWrongPhase        = errors.New("submission does not match current phase")
	ErrVoteBudget        = errors.New("vote budget exceeded")
)

// IsTerminal reports whether err should end the session and return the player
// to the entry screen.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrKicked) ||
		errors.Is(err, ErrAfkTimeout)
}
