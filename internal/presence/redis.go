// internal/presence/redis.go
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedis opens a client for addr/db and verifies it with a ping.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisChannel keeps a hash of member -> last heartbeat per room and
// announces joins and leaves over pub/sub.
type RedisChannel struct {
	rdb      *redis.Client
	ttl      time.Duration
	logger   logrus.FieldLogger
	snapshot func(ctx context.Context, room uuid.UUID) (Set, error)

	mu     sync.Mutex
	room   uuid.UUID
	self   Member
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisChannel builds a channel. Members whose heartbeat is older than ttl
// are left out of snapshots, and the tracked room is re-read every third of
// ttl so members that vanished without a leave event drop out locally too.
func NewRedisChannel(rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisChannel {
	c := &RedisChannel{rdb: rdb, ttl: ttl, logger: logger}
	c.snapshot = c.Snapshot
	return c
}

func (c *RedisChannel) syncEvery() time.Duration {
	if d := c.ttl / 3; d > 0 {
		return d
	}
	return time.Second
}

type redisEntry struct {
	Member Member `json:"member"`
	Seen   int64  `json:"seen"` // unix millis
}

func membersKey(room uuid.UUID) string { return "presence:" + room.String() }
func eventsKey(room uuid.UUID) string  { return "presence:" + room.String() + ":events" }

func (c *RedisChannel) heartbeat(ctx context.Context, room uuid.UUID, self Member) error {
	data, err := json.Marshal(redisEntry{Member: self, Seen: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, membersKey(room), self.ID.String(), data)
	pipe.Expire(ctx, membersKey(room), 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisChannel) publish(ctx context.Context, room uuid.UUID, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, eventsKey(room), data).Err()
}

func (c *RedisChannel) Track(ctx context.Context, room uuid.UUID, self Member) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil, errors.New("presence channel already tracking")
	}

	pubsub := c.rdb.Subscribe(ctx, eventsKey(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence events: %w", err)
	}
	if err := c.heartbeat(ctx, room, self); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to record presence: %w", err)
	}
	if err := c.publish(ctx, room, Event{Kind: EventJoin, Member: self}); err != nil {
		c.logger.WithError(err).Warn("failed to announce presence join")
	}

	c.room, c.self, c.pubsub = room, self, pubsub
	c.done = make(chan struct{})
	events := make(chan Event, 64)

	initial, err := c.Snapshot(ctx, room)
	if err != nil {
		c.logger.WithError(err).Warn("initial presence snapshot failed")
	} else {
		events <- Event{Kind: EventSync, Set: initial}
	}

	go c.readLoop(room, pubsub.Channel(), events, c.done)
	return events, nil
}

func (c *RedisChannel) readLoop(room uuid.UUID, msgs <-chan *redis.Message, events chan<- Event, done <-chan struct{}) {
	defer close(events)
	ticker := time.NewTicker(c.syncEvery())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.syncEvery())
			set, err := c.snapshot(ctx, room)
			cancel()
			if err != nil {
				c.logger.WithError(err).Debug("presence resync failed")
				continue
			}
			select {
			case events <- Event{Kind: EventSync, Set: set}:
			default:
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.WithError(err).Debug("ignoring malformed presence event")
				continue
			}
			select {
			case events <- ev:
			default:
			}
		}
	}
}

func (c *RedisChannel) Refresh(ctx context.Context) error {
	c.mu.Lock()
	room, self, tracking := c.room, c.self, c.pubsub != nil
	c.mu.Unlock()
	if !tracking {
		return nil
	}
	return c.heartbeat(ctx, room, self)
}

func (c *RedisChannel) Snapshot(ctx context.Context, room uuid.UUID) (Set, error) {
	all, err := c.rdb.HGetAll(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	set := make(Set, len(all))
	for _, raw := range all {
		var entry redisEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Seen >= cutoff {
			set[entry.Member.ID] = entry.Member
		}
	}
	return set, nil
}

func (c *RedisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	room, self, pubsub, done := c.room, c.self, c.pubsub, c.done
	c.pubsub, c.done = nil, nil
	c.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	close(done)

	var errs []error
	if err := c.rdb.HDel(ctx, membersKey(room), self.ID.String()).Err(); err != nil {
		errs = append(errs, err)
	}
	if err := c.publish(ctx, room, Event{Kind: EventLeave, Member: self}); err != nil {
		errs = append(errs, err)
	}
	if err := pubsub.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
