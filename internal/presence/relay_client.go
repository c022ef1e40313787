// internal/presence/relay_client.go
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RelayChannel talks to a presence relay over a websocket. baseURL is the
// relay's http(s) root; the websocket URL is derived from it.
type RelayChannel struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelayChannel builds a channel against the relay at baseURL.
func NewRelayChannel(baseURL string, logger logrus.FieldLogger) *RelayChannel {
	return &RelayChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

func (c *RelayChannel) wsURL(room uuid.UUID, self Member) (string, error) {
	u, err := url.Parse(c.baseURL + "/presence/" + room.String())
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("id", self.ID.String())
	q.Set("name", self.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *RelayChannel) Track(ctx context.Context, room uuid.UUID, self Member) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil, errors.New("presence channel already tracking")
	}

	target, err := c.wsURL(room, self)
	if err != nil {
		return nil, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		Subprotocols: []string{"presence"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial presence relay: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn, c.cancel, c.done = conn, cancel, make(chan struct{})
	events := make(chan Event, 64)
	go c.readLoop(readCtx, conn, events, c.done)
	return events, nil
}

func (c *RelayChannel) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event, done chan struct{}) {
	defer close(done)
	defer close(events)
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.logger.WithError(err).Warn("presence relay read ended")
			}
			return
		}
		select {
		case events <- ev:
		default:
		}
	}
}

// Refresh pings the relay; a failed ping means the relay has dropped us.
func (c *RelayChannel) Refresh(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("presence channel not tracking")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Ping(pingCtx)
}

func (c *RelayChannel) Snapshot(ctx context.Context, room uuid.UUID) (Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/presence/"+room.String()+"/members", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presence snapshot: unexpected status %d", resp.StatusCode)
	}
	var set Set
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	if set == nil {
		set = Set{}
	}
	return set, nil
}

func (c *RelayChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "leaving")
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
