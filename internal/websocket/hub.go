// Package websocket pushes notify events to the user's open browser tabs.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/mailcore/internal/notify"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	queueSize    = 32
)

// Client is one open tab. Events are queued and written by a single writer
// goroutine, so a slow tab never blocks the publisher.
type Client struct {
	conn   *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	closer sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, queue: make(chan []byte, queueSize), done: make(chan struct{})}
}

// Conn returns the underlying WebSocket connection. Callers only read from it.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// enqueue reports false when the queue is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closer.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writeLoop owns every write on the connection, including keepalive pings.
func (c *Client) writeLoop(onError func(error)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = c.conn.WriteMessage(websocket.TextMessage, msg)
		case <-ticker.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		}
		if err != nil {
			onError(err)
			return
		}
	}
}

// Hub tracks the open connections of every user. A user may have several
// tabs open, up to maxPerUser.
type Hub struct {
	mu         sync.RWMutex
	users      map[string]map[*Client]struct{}
	maxPerUser int
	log        *logrus.Entry
}

var _ notify.Publisher = (*Hub)(nil)

// NewHub creates a Hub. maxPerUser defaults to 10.
func NewHub(maxPerUser int, logger *logrus.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		users:      make(map[string]map[*Client]struct{}),
		maxPerUser: maxPerUser,
		log:        logger.WithField("component", "WebSocketHub"),
	}
}

// Register starts pushing to conn. Over the per-user limit the connection
// is closed with a policy violation and nil is returned.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabs := h.users[userID]
	if len(tabs) >= h.maxPerUser {
		h.log.WithFields(logrus.Fields{"user_id": userID, "max": h.maxPerUser}).Warn("Connection limit reached, rejecting tab")
		reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this user")
		_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}
	if tabs == nil {
		tabs = make(map[*Client]struct{})
		h.users[userID] = tabs
	}

	client := newClient(conn)
	tabs[client] = struct{}{}
	go client.writeLoop(func(err error) {
		h.log.WithError(err).WithField("user_id", userID).Debug("Write failed, dropping tab")
		h.Unregister(userID, client)
	})
	return client
}

// Unregister forgets client and closes its connection. It is safe to call
// more than once.
func (h *Hub) Unregister(userID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if tabs := h.users[userID]; tabs != nil {
		delete(tabs, client)
		if len(tabs) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	client.close()
}

// Send queues msg for every tab of the user. Tabs that fall too far behind
// are dropped; the browser reconnects and reloads state.
func (h *Hub) Send(userID string, msg []byte) {
	h.mu.RLock()
	var lagging []*Client
	for client := range h.users[userID] {
		if !client.enqueue(msg) {
			lagging = append(lagging, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range lagging {
		h.log.WithField("user_id", userID).Warn("Tab is not reading, dropping it")
		h.Unregister(userID, client)
	}
}

// Publish sends event to the user as JSON.
func (h *Hub) Publish(userID string, event notify.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).WithField("type", event.Type).Error("Failed to encode event")
		return
	}
	h.Send(userID, msg)
}

// ActiveConnections returns how many tabs the user has open.
func (h *Hub) ActiveConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
