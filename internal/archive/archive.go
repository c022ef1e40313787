// Package archive ships finished rounds off the clients and into long-term
// storage. Clients push records onto a Redis list; the historian pops them in
// batches and writes them to Postgres.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
)

// DefaultQueueName is the Redis list finished rounds are pushed to.
const DefaultQueueName = "emojichain_rounds"

// RoundRecord is one finished round as the host saw it on entering the scoreboard.
type RoundRecord struct {
	RoomID     uuid.UUID            `json:"room_id"`
	Code       string               `json:"code"`
	Round      int                  `json:"round"`
	Chains     []models.Chain       `json:"chains"`
	Names      map[uuid.UUID]string `json:"names"`
	Scores     map[uuid.UUID]int    `json:"scores"`
	FinishedAt int64                `json:"finished_at"` // epoch millis
}

// NewRoundRecord builds a record from the room's settings in chain order.
func NewRoundRecord(room models.Room, scores map[uuid.UUID]int, at time.Time) RoundRecord {
	rec := RoundRecord{
		RoomID:     room.ID,
		Code:       room.Code,
		Round:      room.Settings.Round,
		Names:      make(map[uuid.UUID]string, len(room.Settings.PlayerNames)),
		Scores:     make(map[uuid.UUID]int, len(scores)),
		FinishedAt: at.UnixMilli(),
	}
	for _, id := range room.Settings.ChainIDs() {
		if c := room.Settings.Chains[id]; c != nil {
			rec.Chains = append(rec.Chains, *c)
		}
	}
	for id, name := range room.Settings.PlayerNames {
		rec.Names[id] = name
	}
	for id, s := range scores {
		rec.Scores[id] = s
	}
	return rec
}

// Sink accepts finished rounds.
type Sink interface {
	PublishRound(ctx context.Context, rec RoundRecord) error
}

// MemorySink collects records in process.
type MemorySink struct {
	mu      sync.Mutex
	records []RoundRecord
}

func (m *MemorySink) PublishRound(ctx context.Context, rec RoundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns the rounds published so far.
func (m *MemorySink) Records() []RoundRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RoundRecord(nil), m.records...)
}
