// internal/handlers/relay.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/middleware"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/sirupsen/logrus"
)

// PresenceSubprotocol is the websocket subprotocol spoken by relay clients.
const PresenceSubprotocol = "presence"

// PresenceRelay is a dumb presence broadcast hub. It tracks who is connected
// to each room and fans join/leave events out; it holds no game logic.
type PresenceRelay struct {
	logger logrus.FieldLogger

	mu    sync.Mutex
	rooms map[uuid.UUID]map[*relayConn]presence.Member
}

type relayConn struct {
	member  presence.Member
	outChan chan presence.Event
}

// write pushes an event onto the connection's queue non-blockingly.
func (rc *relayConn) write(ev presence.Event) {
	select {
	case rc.outChan <- ev:
	default:
		// Slow client; it resynchronizes from the next snapshot.
	}
}

// NewPresenceRelay creates an empty relay.
func NewPresenceRelay(logger logrus.FieldLogger) *PresenceRelay {
	return &PresenceRelay{
		logger: logger,
		rooms:  make(map[uuid.UUID]map[*relayConn]presence.Member),
	}
}

func (pr *PresenceRelay) setLocked(room uuid.UUID) presence.Set {
	set := make(presence.Set, len(pr.rooms[room]))
	for _, m := range pr.rooms[room] {
		set[m.ID] = m
	}
	return set
}

func (pr *PresenceRelay) add(room uuid.UUID, rc *relayConn) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.rooms[room] == nil {
		pr.rooms[room] = make(map[*relayConn]presence.Member)
	}
	for other := range pr.rooms[room] {
		other.write(presence.Event{Kind: presence.EventJoin, Member: rc.member})
	}
	pr.rooms[room][rc] = rc.member
	rc.write(presence.Event{Kind: presence.EventSync, Set: pr.setLocked(room)})
}

func (pr *PresenceRelay) remove(room uuid.UUID, rc *relayConn) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.rooms[room], rc)
	stillHere := false
	for other := range pr.rooms[room] {
		if other.member.ID == rc.member.ID {
			stillHere = true
		}
	}
	if !stillHere {
		for other := range pr.rooms[room] {
			other.write(presence.Event{Kind: presence.EventLeave, Member: rc.member})
		}
	}
	if len(pr.rooms[room]) == 0 {
		delete(pr.rooms, room)
	}
}

// Members returns the current set for room.
func (pr *PresenceRelay) Members(room uuid.UUID) presence.Set {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.setLocked(room)
}

// roomFromPath extracts the room id from /presence/{room}[/members].
func roomFromPath(path string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/presence/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	return id, err == nil
}

// MembersHandler serves GET /presence/{room}/members as a JSON snapshot.
func (pr *PresenceRelay) MembersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, ok := roomFromPath(r.URL.Path)
		if !ok {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pr.Members(room)); err != nil {
			pr.logger.WithError(err).Warn("failed to encode presence snapshot")
		}
	}
}

// WSHandler accepts presence connections on /presence/{room}?id=&name=.
func (pr *PresenceRelay) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, roomOK := roomFromPath(r.URL.Path)

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{PresenceSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			pr.logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != PresenceSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the presence subprotocol")
			return
		}
		if !roomOK {
			c.Close(InvalidRoomIDError, "invalid room id")
			return
		}
		memberID, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			c.Close(InvalidMemberError, "invalid member id")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		rc := &relayConn{
			member: presence.Member{
				ID:       memberID,
				Name:     r.URL.Query().Get("name"),
				JoinedAt: time.Now().UTC(),
			},
			outChan: make(chan presence.Event, 32),
		}
		pr.add(room, rc)
		log := pr.logger.WithFields(logrus.Fields{"room": room, "member": memberID})
		middleware.LogWebSocketConnect(log, r)

		go pr.writePump(ctx, c, rc, log)
		err = pr.readPump(ctx, c, log)

		pr.remove(room, rc)
		middleware.LogWebSocketDisconnect(log, r, err)
	}
}

// readPump drains client frames. Clients only send heartbeats, so anything
// read just proves liveness; a read error ends the membership.
func (pr *PresenceRelay) readPump(ctx context.Context, c *websocket.Conn, log logrus.FieldLogger) error {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Debug("presence read ended")
			return err
		}
	}
}

func (pr *PresenceRelay) writePump(ctx context.Context, c *websocket.Conn, rc *relayConn, log logrus.FieldLogger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rc.outChan:
			data, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).Warn("failed to marshal presence event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.WithError(err).Debug("failed to write presence event")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				log.WithError(err).Debug("presence ping failed")
				return
			}
		}
	}
}

// Routes mounts the relay on mux.
func (pr *PresenceRelay) Routes(mux *http.ServeMux, logger logrus.FieldLogger) {
	ws := pr.WSHandler()
	members := pr.MembersHandler()
	mux.Handle("/presence/", middleware.LogMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/members") {
			members(w, r)
			return
		}
		ws(w, r)
	})))
}
