// internal/lobby/reconnect.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/models"
	"github.com/jason-s-yu/emojichain/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Identity is what a client presents when creating or joining a room.
type Identity struct {
	Name        string
	Emoji       string
	Fingerprint string
}

// Method records how a join resolved the player row.
type Method string

const (
	MethodToken       Method = "token"
	MethodFingerprint Method = "fingerprint"
	MethodNew         Method = "new"
)

// JoinResult is the outcome of Create or Join.
type JoinResult struct {
	Room   models.Room
	Player models.Player
	Token  string
	Method Method
}

// Reconnector admits players to rooms, restoring an existing identity when the
// device already has one.
type Reconnector struct {
	store        database.Store
	issuer       *auth.Issuer
	keys         auth.Keystore
	activeWindow time.Duration
	now          func() time.Time
	logger       logrus.FieldLogger
}

// NewReconnector wires a reconnector. activeWindow decides whether a competing
// host claim is still live when a former host returns.
func NewReconnector(store database.Store, issuer *auth.Issuer, keys auth.Keystore, activeWindow time.Duration, logger logrus.FieldLogger) *Reconnector {
	return &Reconnector{
		store:        store,
		issuer:       issuer,
		keys:         keys,
		activeWindow: activeWindow,
		now:          time.Now,
		logger:       logger,
	}
}

// Create allocates a code and inserts a fresh room with id as its host.
func (r *Reconnector) Create(ctx context.Context, codes *Codes, id Identity) (JoinResult, error) {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return JoinResult{}, errors.New("name is required")
	}
	code, err := codes.Allocate(ctx)
	if err != nil {
		return JoinResult{}, err
	}

	room := &models.Room{Code: code, Status: models.RoomStatusLobby, Settings: models.DefaultSettings()}
	if err := r.store.CreateRoom(ctx, room); err != nil {
		return JoinResult{}, fmt.Errorf("create room: %w", err)
	}
	if _, err := r.store.PutGameState(ctx, &models.GameState{RoomID: room.ID, Phase: models.PhaseLobby}); err != nil {
		return JoinResult{}, fmt.Errorf("create game state: %w", err)
	}

	host := &models.Player{
		RoomID:   room.ID,
		Name:     name,
		Avatar:   protocol.EncodeAvatar(id.Emoji, id.Fingerprint),
		IsHost:   true,
		LastSeen: r.now().UTC(),
	}
	if err := r.store.InsertPlayer(ctx, host); err != nil {
		return JoinResult{}, fmt.Errorf("insert host: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"code": code, "room": room.ID, "player": host.ID}).Info("room created")
	return r.finish(*room, *host, id, MethodNew)
}

// Join admits id to room. It tries the stored token, then the device
// fingerprint, and only then creates a new player.
func (r *Reconnector) Join(ctx context.Context, room models.Room, id Identity) (JoinResult, error) {
	log := r.logger.WithFields(logrus.Fields{"code": room.Code, "room": room.ID})
	if room.Settings.IsKickedFingerprint(auth.FingerprintDigest(id.Fingerprint)) {
		return JoinResult{}, models.ErrKicked
	}

	players, err := r.store.ListPlayers(ctx, room.ID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("list players: %w", err)
	}

	if p, ok := r.byToken(room, players, id); ok {
		log.WithField("player", p.ID).Debug("restored player from token")
		return r.restore(ctx, room, players, p, id, MethodToken)
	}
	if p, ok := byFingerprint(players, id.Fingerprint); ok {
		log.WithField("player", p.ID).Debug("restored player from fingerprint")
		return r.restore(ctx, room, players, p, id, MethodFingerprint)
	}

	name := strings.TrimSpace(id.Name)
	if name == "" {
		return JoinResult{}, errors.New("name is required")
	}
	if room.Settings.IsKickedName(name) {
		return JoinResult{}, models.ErrKicked
	}
	if len(players) >= room.Settings.MaxPlayers {
		return JoinResult{}, models.ErrRoomFull
	}

	p := &models.Player{
		RoomID:   room.ID,
		Name:     uniqueName(players, name),
		Avatar:   protocol.EncodeAvatar(id.Emoji, id.Fingerprint),
		IsHost:   len(players) == 0,
		LastSeen: r.now().UTC(),
	}
	if err := r.store.InsertPlayer(ctx, p); err != nil {
		return JoinResult{}, fmt.Errorf("insert player: %w", err)
	}
	log.WithFields(logrus.Fields{"player": p.ID, "name": p.Name}).Info("player joined")
	return r.finish(room, *p, id, MethodNew)
}

func (r *Reconnector) byToken(room models.Room, players []models.Player, id Identity) (models.Player, bool) {
	if r.keys == nil {
		return models.Player{}, false
	}
	tok, ok := r.keys.Get(room.Code)
	if !ok {
		return models.Player{}, false
	}
	pid, err := r.issuer.Verify(tok, room.Code, id.Fingerprint)
	if err != nil {
		r.logger.WithError(err).Debug("stored token rejected")
		return models.Player{}, false
	}
	for _, p := range players {
		if p.ID == pid {
			return p, true
		}
	}
	return models.Player{}, false
}

// byFingerprint returns the most recently seen row carrying fingerprint.
func byFingerprint(players []models.Player, fingerprint string) (models.Player, bool) {
	if fingerprint == "" {
		return models.Player{}, false
	}
	var best models.Player
	found := false
	for _, p := range players {
		if protocol.ParseAvatar(p.Avatar).Fingerprint != fingerprint {
			continue
		}
		if !found || p.LastSeen.After(best.LastSeen) {
			best, found = p, true
		}
	}
	return best, found
}

func (r *Reconnector) restore(ctx context.Context, room models.Room, players []models.Player, p models.Player, id Identity, method Method) (JoinResult, error) {
	now := r.now().UTC()
	fp := protocol.ParseAvatar(p.Avatar).Fingerprint

	// Ghost rows left behind by earlier sessions of the same device.
	for _, other := range players {
		if other.ID == p.ID || fp == "" || protocol.ParseAvatar(other.Avatar).Fingerprint != fp {
			continue
		}
		if err := r.store.DeletePlayer(ctx, other.ID); err != nil {
			return JoinResult{}, fmt.Errorf("remove ghost player: %w", err)
		}
	}

	patch := models.PlayerPatch{LastSeen: &now}
	if p.IsHost {
		for _, other := range players {
			if other.ID != p.ID && other.IsHost && other.ActiveWithin(r.activeWindow, now) {
				patch.IsHost = models.Ptr(false)
				break
			}
		}
	}
	updated, err := r.store.PatchPlayer(ctx, p.ID, patch)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return JoinResult{}, models.ErrPlayerNotFound
		}
		return JoinResult{}, fmt.Errorf("restore player: %w", err)
	}
	return r.finish(room, *updated, id, method)
}

func (r *Reconnector) finish(room models.Room, p models.Player, id Identity, method Method) (JoinResult, error) {
	res := JoinResult{Room: room, Player: p, Method: method}
	if r.issuer == nil || id.Fingerprint == "" {
		return res, nil
	}
	tok, err := r.issuer.Issue(p.ID, room.Code, id.Fingerprint)
	if err != nil {
		return JoinResult{}, fmt.Errorf("issue token: %w", err)
	}
	res.Token = tok
	if r.keys != nil {
		if err := r.keys.Put(room.Code, tok); err != nil {
			r.logger.WithError(err).Warn("failed to persist session token")
		}
	}
	return res, nil
}

// uniqueName appends a counter when name is already taken in the room.
func uniqueName(players []models.Player, name string) string {
	taken := func(n string) bool {
		for _, p := range players {
			if strings.EqualFold(p.Name, n) {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + " " + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// Forget drops the stored token for code, used after a terminal error.
func (r *Reconnector) Forget(code string) {
	if r.keys == nil {
		return
	}
	if err := r.keys.Delete(code); err != nil {
		r.logger.WithError(err).Warn("failed to purge session token")
	}
}
