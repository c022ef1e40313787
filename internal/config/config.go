// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/session"
	"github.com/sirupsen/logrus"
)

// Presence backends.
const (
	PresenceRedis  = "redis"
	PresenceRelay  = "relay"
	PresenceMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`

	PresenceBackend string `env:"PRESENCE_BACKEND" envDefault:"redis"`
	RelayURL        string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	RelayAddr       string `env:"RELAY_ADDR" envDefault:":8080"`

	KeystorePath string `env:"KEYSTORE_PATH" envDefault:".emojichain/keys.json"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	ArchiveQueue      string        `env:"ARCHIVE_QUEUE" envDefault:"emojichain_rounds"`
	ArchiveBatchSize  int           `env:"ARCHIVE_BATCH_SIZE" envDefault:"20"`
	ArchiveFlushDelay time.Duration `env:"ARCHIVE_FLUSH_DELAY" envDefault:"500ms"`

	Timings Timings
}

// Timings mirrors session.Timings with environment overrides.
type Timings struct {
	Tick        time.Duration `env:"TICK_INTERVAL" envDefault:"200ms"`
	HostMonitor time.Duration `env:"HOST_MONITOR_INTERVAL" envDefault:"1s"`
	AFKSweep    time.Duration `env:"AFK_SWEEP_INTERVAL" envDefault:"2s"`
	Heartbeat   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	SplitBrain  time.Duration `env:"SPLIT_BRAIN_INTERVAL" envDefault:"15s"`
	ResyncMin   time.Duration `env:"RESYNC_MIN" envDefault:"5s"`
	ResyncMax   time.Duration `env:"RESYNC_MAX" envDefault:"8s"`

	FenceGrace       time.Duration `env:"FENCE_GRACE" envDefault:"3s"`
	ExpiryDrift      time.Duration `env:"EXPIRY_DRIFT" envDefault:"2500ms"`
	CollapseGrace    time.Duration `env:"COLLAPSE_GRACE" envDefault:"1s"`
	SettleDelay      time.Duration `env:"SETTLE_DELAY" envDefault:"1s"`
	LaggardTimeout   time.Duration `env:"LAGGARD_TIMEOUT" envDefault:"1500ms"`
	LaggardPoll      time.Duration `env:"LAGGARD_POLL" envDefault:"250ms"`
	SolverBudget     time.Duration `env:"SOLVER_BUDGET" envDefault:"50ms"`
	HostOfflineGrace time.Duration `env:"HOST_OFFLINE_GRACE" envDefault:"5s"`
	HostMissingGrace time.Duration `env:"HOST_MISSING_GRACE" envDefault:"500ms"`
	ActiveWindow     time.Duration `env:"ACTIVE_WINDOW" envDefault:"45s"`
	AFKTimeout       time.Duration `env:"AFK_TIMEOUT" envDefault:"60s"`
	StaleRoom        time.Duration `env:"STALE_ROOM" envDefault:"4h"`
	TokenTTL         time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	switch c.PresenceBackend {
	case PresenceRedis, PresenceRelay, PresenceMemory:
	default:
		return fmt.Errorf("unknown PRESENCE_BACKEND %q", c.PresenceBackend)
	}
	if c.Timings.ResyncMax < c.Timings.ResyncMin {
		return fmt.Errorf("RESYNC_MAX (%s) is below RESYNC_MIN (%s)", c.Timings.ResyncMax, c.Timings.ResyncMin)
	}
	if c.ArchiveBatchSize <= 0 {
		return fmt.Errorf("ARCHIVE_BATCH_SIZE must be positive, got %d", c.ArchiveBatchSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// Session converts the timing block to the session client's schedule.
func (t Timings) Session() session.Timings {
	return session.Timings{
		Tick:             t.Tick,
		HostMonitor:      t.HostMonitor,
		AFKSweep:         t.AFKSweep,
		Heartbeat:        t.Heartbeat,
		SplitBrain:       t.SplitBrain,
		ResyncMin:        t.ResyncMin,
		ResyncMax:        t.ResyncMax,
		FenceGrace:       t.FenceGrace,
		HostOfflineGrace: t.HostOfflineGrace,
		HostMissingGrace: t.HostMissingGrace,
		ActiveWindow:     t.ActiveWindow,
		AFKTimeout:       t.AFKTimeout,
		StaleRoom:        t.StaleRoom,
		TokenTTL:         t.TokenTTL,
		Authority: game.Timings{
			Drift:          t.ExpiryDrift,
			CollapseGrace:  t.CollapseGrace,
			Settle:         t.SettleDelay,
			LaggardTimeout: t.LaggardTimeout,
			LaggardPoll:    t.LaggardPoll,
			SolverBudget:   t.SolverBudget,
		},
	}
}

// NewLogger builds the process logger at the configured level.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}
