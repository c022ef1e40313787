// internal/lobby/codes.go
package lobby

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/sirupsen/logrus"
)

// CodeAlphabet leaves out characters that are easy to confuse (I, L, O, 0, 1).
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a join code.
const CodeLength = 4

// ErrNoFreeCode is returned when every generated code collided with a live room.
var ErrNoFreeCode = errors.New("could not allocate a free join code")

// NewCode draws a random join code.
func NewCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is well formed.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}

// Codes allocates join codes, reclaiming codes held by stale rooms.
type Codes struct {
	store      database.Store
	staleAfter time.Duration
	attempts   int
	now        func() time.Time
	generate   func() (string, error)
	logger     logrus.FieldLogger
}

// NewCodes creates an allocator. Rooms idle for longer than staleAfter are
// deleted to free their code.
func NewCodes(store database.Store, staleAfter time.Duration, logger logrus.FieldLogger) *Codes {
	return &Codes{
		store:      store,
		staleAfter: staleAfter,
		attempts:   20,
		now:        time.Now,
		generate:   NewCode,
		logger:     logger,
	}
}

// Allocate returns a code no live room is using.
func (c *Codes) Allocate(ctx context.Context) (string, error) {
	for i := 0; i < c.attempts; i++ {
		code, err := c.generate()
		if err != nil {
			return "", err
		}
		rooms, err := c.store.FindRoomsByCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("lookup code %s: %w", code, err)
		}
		if len(rooms) == 0 {
			return code, nil
		}

		stale := true
		for _, r := range rooms {
			if c.now().Sub(r.UpdatedAt) <= c.staleAfter {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		for _, r := range rooms {
			if err := c.store.DeleteRoom(ctx, r.ID); err != nil {
				return "", fmt.Errorf("reclaim code %s: %w", code, err)
			}
		}
		c.logger.WithField("code", code).Info("reclaimed join code from stale room")
		return code, nil
	}
	return "", ErrNoFreeCode
}
