// Package session runs one player's client: it joins a room, keeps the mirror
// in sync, drives the host authority when this client holds host and
// surfaces terminal errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/game"
	"github.com/jason-s-yu/emojichain/internal/lobby"
	"github.com/jason-s-yu/emojichain/internal/mirror"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
)

// Timings are the periods of the client's recurring tasks and the windows
// they enforce.
type Timings struct {
	Tick        time.Duration
	HostMonitor time.Duration
	AFKSweep    time.Duration
	Heartbeat   time.Duration
	SplitBrain  time.Duration
	ResyncMin   time.Duration
	ResyncMax   time.Duration

	FenceGrace       time.Duration
	HostOfflineGrace time.Duration
	HostMissingGrace time.Duration
	ActiveWindow     time.Duration
	AFKTimeout       time.Duration
	StaleRoom        time.Duration
	TokenTTL         time.Duration

	Authority game.Timings
}

// DefaultTimings returns the production schedule.
func DefaultTimings() Timings {
	return Timings{
		Tick:             200 * time.Millisecond,
		HostMonitor:      time.Second,
		AFKSweep:         2 * time.Second,
		Heartbeat:        10 * time.Second,
		SplitBrain:       15 * time.Second,
		ResyncMin:        5 * time.Second,
		ResyncMax:        8 * time.Second,
		FenceGrace:       3 * time.Second,
		HostOfflineGrace: 5 * time.Second,
		HostMissingGrace: 500 * time.Millisecond,
		ActiveWindow:     45 * time.Second,
		AFKTimeout:       60 * time.Second,
		StaleRoom:        4 * time.Hour,
		TokenTTL:         24 * time.Hour,
		Authority:        game.DefaultTimings(),
	}
}

// Deps are the collaborators a client runs against.
type Deps struct {
	Store    database.Store
	Presence presence.Channel
	Keys     auth.Keystore
	Sink     archive.Sink // may be nil
	Logger   logrus.FieldLogger
}

// Tick is the countdown view handed to OnTick listeners.
type Tick struct {
	Phase     models.Phase
	Round     int
	Remaining time.Duration
}

var errNotJoined = errors.New("client has not joined a room")

// errRejoin asks the run loop to move to the canonical room.
type errRejoin struct{ room models.Room }

func (e errRejoin) Error() string { return "rejoin room " + e.room.ID.String() }

// Client is one player's session.
type Client struct {
	deps     Deps
	t        Timings
	identity lobby.Identity
	logger   logrus.FieldLogger

	issuer      *auth.Issuer
	codes       *lobby.Codes
	reconnector *lobby.Reconnector
	resolver    *lobby.Resolver

	mu        sync.Mutex
	code      string
	sync      *mirror.Synchronizer
	authority *game.Authority
	elector   *lobby.Elector
	pending   pendingAnswer
	submitted string // round/phase/value key of the last final write
	onTick    func(Tick)
	stopped   bool
	fatal     error
	cancelRun context.CancelFunc

	errs     chan error
	terminal sync.Once
}

type pendingAnswer struct {
	raw   string
	phase models.Phase
	round int
	acked bool // the store accepted the write at least once
}

// New creates a client for identity. It does not touch the store until
// Create or Join.
func New(deps Deps, identity lobby.Identity, t Timings) *Client {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Keys == nil {
		deps.Keys = auth.NewMemoryKeystore()
	}
	issuer := auth.NewIssuer(t.TokenTTL)
	c := &Client{
		deps:     deps,
		t:        t,
		identity: identity,
		logger:   deps.Logger,
		issuer:   issuer,
		codes:    lobby.NewCodes(deps.Store, t.StaleRoom, deps.Logger),
		resolver: lobby.NewResolver(deps.Store, deps.Presence, t.ActiveWindow, deps.Logger),
		errs:     make(chan error, 1),
	}
	c.reconnector = lobby.NewReconnector(deps.Store, issuer, deps.Keys, t.ActiveWindow, deps.Logger)
	return c
}

// Create makes a new room with this client as host.
func (c *Client) Create(ctx context.Context) (lobby.JoinResult, error) {
	res, err := c.reconnector.Create(ctx, c.codes, c.identity)
	if err != nil {
		return lobby.JoinResult{}, err
	}
	return res, c.attach(ctx, res)
}

// Join resolves code to its canonical room and joins it, restoring a previous
// identity when possible. Terminal failures purge the stored token.
func (c *Client) Join(ctx context.Context, code string) (lobby.JoinResult, error) {
	code = lobby.NormalizeCode(code)
	room, err := c.resolver.Resolve(ctx, code)
	if err != nil {
		if models.IsTerminal(err) {
			c.reconnector.Forget(code)
		}
		return lobby.JoinResult{}, err
	}
	return c.joinRoom(ctx, room)
}

func (c *Client) joinRoom(ctx context.Context, room models.Room) (lobby.JoinResult, error) {
	res, err := c.reconnector.Join(ctx, room, c.identity)
	if err != nil {
		if models.IsTerminal(err) {
			c.reconnector.Forget(room.Code)
		}
		return lobby.JoinResult{}, err
	}
	return res, c.attach(ctx, res)
}

// attach builds the per-room machinery for a join result and loads the mirror.
func (c *Client) attach(ctx context.Context, res lobby.JoinResult) error {
	logger := c.deps.Logger.WithFields(logrus.Fields{"code": res.Room.Code, "player": res.Player.ID})
	s := mirror.New(c.deps.Store, res.Room.ID, res.Player.ID, mirror.Options{
		Grace:     c.t.FenceGrace,
		ResyncMin: c.t.ResyncMin,
		ResyncMax: c.t.ResyncMax,
		Logger:    logger,
	})
	if err := s.Resync(ctx); err != nil {
		return fmt.Errorf("load room: %w", err)
	}
	if c.deps.Presence != nil {
		// Seed presence so the first host checks see who is already here.
		if set, err := c.deps.Presence.Snapshot(ctx, res.Room.ID); err == nil {
			if set == nil {
				set = presence.Set{}
			}
			set[res.Player.ID] = presence.Member{ID: res.Player.ID, Name: res.Player.Name, JoinedAt: time.Now()}
			s.SetPresence(set)
		}
	}

	c.mu.Lock()
	c.code = res.Room.Code
	c.sync = s
	c.authority = game.NewAuthority(s, c.t.Authority, c.deps.Sink, logger)
	c.elector = lobby.NewElector(c.t.HostOfflineGrace, c.t.HostMissingGrace)
	c.pending = pendingAnswer{}
	c.submitted = ""
	c.logger = logger
	c.mu.Unlock()
	return nil
}

func (c *Client) state() (*mirror.Synchronizer, *game.Authority, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sync == nil {
		return nil, nil, errNotJoined
	}
	return c.sync, c.authority, nil
}

// Snapshot returns the current mirror.
func (c *Client) Snapshot() mirror.Snapshot {
	s, _, err := c.state()
	if err != nil {
		return mirror.Snapshot{}
	}
	return s.Snapshot()
}

// Code returns the joined room's code.
func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// SelfID returns the local player id, or uuid.Nil before joining.
func (c *Client) SelfID() uuid.UUID {
	s, _, err := c.state()
	if err != nil {
		return uuid.Nil
	}
	return s.SelfID()
}

// Errors delivers at most one terminal error.
func (c *Client) Errors() <-chan error { return c.errs }

// OnTick registers fn to receive the countdown every tick.
func (c *Client) OnTick(fn func(Tick)) {
	c.mu.Lock()
	c.onTick = fn
	c.mu.Unlock()
}

// raise reports a terminal error once, purges the room's token and stops
// every task.
func (c *Client) raise(err error) {
	c.terminal.Do(func() {
		c.logger.WithError(err).Warn("session ended")
		c.reconnector.Forget(c.Code())
		c.errs <- err
		c.stop(err)
	})
}

// stop ends the run loop. err is nil for a voluntary leave.
func (c *Client) stop(err error) {
	c.mu.Lock()
	c.stopped = true
	if err != nil {
		c.fatal = err
	}
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run keeps the session alive until ctx is cancelled, the player leaves or a
// terminal error is raised. A split-brain moves the session to the canonical
// room without returning.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runRoom(ctx)
		var rejoin errRejoin
		if !errors.As(err, &rejoin) {
			return err
		}
		c.logger.WithField("room", rejoin.room.ID).Info("moving to canonical room")
		c.reconnector.Forget(rejoin.room.Code)
		if _, err := c.joinRoom(ctx, rejoin.room); err != nil {
			if models.IsTerminal(err) {
				c.raise(err)
				return err
			}
			return fmt.Errorf("rejoin canonical room: %w", err)
		}
	}
}

func (c *Client) runRoom(parent context.Context) error {
	s, _, err := c.state()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return c.fatal
	}
	c.cancelRun = cancel
	c.mu.Unlock()

	var wg sync.WaitGroup
	untrack := func() {}
	if c.deps.Presence != nil {
		self, _ := s.Snapshot().Self()
		events, err := c.deps.Presence.Track(ctx, s.RoomID(), presence.Member{ID: s.SelfID(), Name: self.Name, JoinedAt: time.Now()})
		if err != nil {
			c.logger.WithError(err).Warn("presence unavailable")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-events:
						if !ok {
							return
						}
						s.ApplyPresence(ev)
					}
				}
			}()
			untrack = func() {
				untrackCtx, done := context.WithTimeout(context.Background(), time.Second)
				defer done()
				if err := c.deps.Presence.Untrack(untrackCtx); err != nil {
					c.logger.WithError(err).Debug("presence untrack failed")
				}
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Debug("synchronizer stopped")
		}
	}()

	rejoin := make(chan models.Room, 1)
	c.every(ctx, &wg, "tick", c.t.Tick, c.tick)
	c.every(ctx, &wg, "host monitor", c.t.HostMonitor, c.monitor)
	c.every(ctx, &wg, "afk sweep", c.t.AFKSweep, c.sweep)
	c.every(ctx, &wg, "heartbeat", c.t.Heartbeat, c.heartbeat)
	c.every(ctx, &wg, "split brain", c.t.SplitBrain, func(ctx context.Context) {
		if room, moved := c.scan(ctx); moved {
			select {
			case rejoin <- room:
			default:
			}
			cancel()
		}
	})

	var result error
	select {
	case <-ctx.Done():
		result = parent.Err()
		if result == nil {
			result = context.Canceled
		}
	case room := <-rejoin:
		result = errRejoin{room: room}
	}
	cancel()
	untrack()
	wg.Wait()
	select {
	case room := <-rejoin:
		result = errRejoin{room: room}
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return c.fatal
	}
	return result
}

// every runs fn each period until ctx is done. A panicking task is logged
// and the schedule continues.
func (c *Client) every(ctx context.Context, wg *sync.WaitGroup, name string, period time.Duration, fn func(context.Context)) {
	if period <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.safely(ctx, name, fn)
			}
		}
	}()
}

func (c *Client) safely(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("task", name).Errorf("recovered from panic: %v", r)
		}
	}()
	fn(ctx)
}
