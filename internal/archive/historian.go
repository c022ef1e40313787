package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Writer persists a batch of rounds atomically.
type Writer interface {
	WriteRounds(ctx context.Context, batch []RoundRecord) error
}

// PostgresWriter writes rounds into the round_archive table.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter wraps an open pool.
func NewPostgresWriter(pool *pgxpool.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

// WriteRounds inserts every chain of every record in a single transaction.
// Re-archiving a round overwrites its chains.
func (w *PostgresWriter) WriteRounds(ctx context.Context, batch []RoundRecord) error {
	return pgx.BeginTxFunc(ctx, w.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batch {
			for _, chain := range rec.Chains {
				history, err := json.Marshal(chain.History)
				if err != nil {
					return err
				}
				_, err = tx.Exec(ctx, `
					INSERT INTO round_archive (room_id, round, chain_id, creator_id, history, archived_at)
					VALUES ($1, $2, $3, $4, $5::jsonb, $6)
					ON CONFLICT (room_id, round, chain_id)
					DO UPDATE SET history = EXCLUDED.history, archived_at = EXCLUDED.archived_at
				`, rec.RoomID, rec.Round, chain.ID, chain.CreatorID, string(history), time.UnixMilli(rec.FinishedAt).UTC())
				if err != nil {
					return fmt.Errorf("insert chain %s: %w", chain.ID, err)
				}
			}
		}
		return nil
	})
}

// Historian pops round records from Redis, accumulates them and flushes
// them to a Writer when the batch fills or the flush delay elapses.
type Historian struct {
	rdb        *redis.Client
	writer     Writer
	queue      string
	batchSize  int
	flushDelay time.Duration
	logger     logrus.FieldLogger

	batchMu sync.Mutex
	batch   []RoundRecord
}

// HistorianOptions configures a Historian.
type HistorianOptions struct {
	Queue      string
	BatchSize  int
	FlushDelay time.Duration
}

// NewHistorian constructs a historian.
func NewHistorian(rdb *redis.Client, writer Writer, opts HistorianOptions, logger logrus.FieldLogger) *Historian {
	if opts.Queue == "" {
		opts.Queue = DefaultQueueName
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 500 * time.Millisecond
	}
	return &Historian{
		rdb:        rdb,
		writer:     writer,
		queue:      opts.Queue,
		batchSize:  opts.BatchSize,
		flushDelay: opts.FlushDelay,
		logger:     logger,
		batch:      make([]RoundRecord, 0, opts.BatchSize),
	}
}

// Run reads the queue until ctx is done, then flushes what is left.
func (h *Historian) Run(ctx context.Context) error {
	h.logger.WithField("queue", h.queue).Info("historian started")
	defer func() {
		h.Flush(context.Background())
		h.logger.Info("historian stopped")
	}()

	ticker := time.NewTicker(h.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			h.Flush(ctx)

		default:
			// BLPop with a timeout so cancellation is noticed.
			res, err := h.rdb.BLPop(ctx, time.Second, h.queue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					h.logger.WithError(err).Error("BLPop failed")
					time.Sleep(h.flushDelay)
				}
				continue
			}
			if len(res) < 2 {
				continue
			}
			// res[0] is the queue name and res[1] the payload.
			h.Handle(ctx, res[1])
		}
	}
}

// Handle decodes one queue payload and adds it to the batch.
func (h *Historian) Handle(ctx context.Context, payload string) {
	var rec RoundRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		h.logger.WithError(err).Warn("invalid round record")
		return
	}
	h.batchMu.Lock()
	h.batch = append(h.batch, rec)
	full := len(h.batch) >= h.batchSize
	h.batchMu.Unlock()
	if full {
		h.Flush(ctx)
	}
}

// Flush writes the current batch in one transaction. A failed batch is put
// back so the next flush retries it.
func (h *Historian) Flush(ctx context.Context) {
	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	batch := make([]RoundRecord, len(h.batch))
	copy(batch, h.batch)
	h.batch = h.batch[:0]
	h.batchMu.Unlock()

	if err := h.writer.WriteRounds(ctx, batch); err != nil {
		h.logger.WithError(err).Error("failed to flush round batch")
		h.batchMu.Lock()
		h.batch = append(batch, h.batch...)
		h.batchMu.Unlock()
		return
	}
	h.logger.WithField("rounds", len(batch)).Debug("flushed rounds to archive")
}

// Pending returns the number of buffered records.
func (h *Historian) Pending() int {
	h.batchMu.Lock()
	defer h.batchMu.Unlock()
	return len(h.batch)
}
