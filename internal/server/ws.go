package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
	"github.com/TobiSchelling/sourcetrace/internal/session"
	"github.com/TobiSchelling/sourcetrace/internal/volume"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Time an event may wait for room in a full send buffer. Events are
	// queued while the session holds its lock, so this bounds how long a
	// stalled peer can delay cancel.
	sendWait = 2 * time.Second
)

// Client actions.
const (
	ActionStartAnalysis = "start_analysis"
	ActionCancel        = "cancel"
	ActionGetTweets     = "get_tweets"
	ActionGetVolume     = "get_volume"
)

// Error codes sent on error events.
const (
	ErrCodeBusy          = "busy_session"
	ErrCodeInvalid       = "invalid_message"
	ErrCodeUnknownAction = "unknown_action"
	ErrCodeCorpus        = "corpus_unavailable"
)

const eventTweets = "tweets"

var (
	errClientGone = errors.New("client disconnected")
	errSlowClient = errors.New("client send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks websocket clients. Every client owns one session coordinator.
type Hub struct {
	deps       session.Deps
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	mutex      sync.RWMutex
}

// Client is one websocket connection. It is the event sink of its
// coordinator.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	coord *session.Coordinator
	ctx   context.Context
	stop  context.CancelFunc
	log   logrus.FieldLogger

	sendTimeout time.Duration
}

// clientMessage is a request from the browser.
type clientMessage struct {
	Action   string `json:"action"`
	TweetID  string `json:"tweet_id"`
	TweetURL string `json:"tweet_url"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

type tweetsPayload struct {
	Data  []corpus.Post `json:"data"`
	Total int           `json:"total"`
}

// NewHub creates a new websocket hub.
func NewHub(deps session.Deps, m *metrics.Metrics, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		deps:       deps,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log,
	}
}

// Run tracks clients until ctx is cancelled, then disconnects them all.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ConnectionOpened()
			client.log.WithField("client_count", n).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			n := len(h.clients)
			h.mutex.Unlock()
			if ok {
				h.metrics.ConnectionClosed()
				client.log.WithField("client_count", n).Info("Client disconnected")
			}

		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.conn.Close()
				delete(h.clients, client)
				h.metrics.ConnectionClosed()
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	active := 0
	for client := range h.clients {
		switch client.coord.Status() {
		case session.StatusAnalyzing, session.StatusSearching:
			active++
		}
	}
	return map[string]any{
		"total_clients": len(h.clients),
		"active_runs":   active,
	}
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		ctx:  ctx,
		stop: stop,

		sendTimeout: sendWait,
	}
	client.coord = session.New(h.deps, client)
	client.log = h.log.WithField("session_id", client.coord.ID())

	select {
	case h.register <- client:
	case <-h.done:
		stop()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Emit queues an event for the peer. It blocks for at most the client's
// send timeout when the send buffer is full.
func (c *Client) Emit(ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	case <-timer.C:
		return errSlowClient
	}
}

func (c *Client) sendError(code, message string) {
	if err := c.Emit(session.Event{
		Type:    session.EventError,
		Payload: session.ErrorPayload{Error: code, Message: message},
	}); err != nil {
		c.log.WithError(err).Debug("error event not delivered")
	}
}

// shutdown stops the client's run and pumps. It is safe to call more than
// once.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.stop()
		c.coord.Close()
		c.conn.Close()
	})
}

// readPump reads client actions until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket connection error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError(ErrCodeInvalid, err.Error())
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg clientMessage) {
	switch msg.Action {
	case ActionStartAnalysis:
		_, err := c.coord.Start(c.ctx, session.Request{TweetID: msg.TweetID, TweetURL: msg.TweetURL})
		if errors.Is(err, session.ErrBusy) {
			c.sendError(ErrCodeBusy, "an analysis is already running in this session")
		}

	case ActionCancel:
		c.coord.Cancel()

	case ActionGetTweets:
		snap, err := c.hub.deps.Source.Snapshot(c.ctx)
		if err != nil {
			c.sendError(ErrCodeCorpus, err.Error())
			return
		}
		limit := msg.Limit
		if limit <= 0 || limit > maxPageSize {
			limit = defaultPageSize
		}
		page := snap.Page(msg.Offset, limit)
		if page == nil {
			page = []corpus.Post{}
		}
		c.Emit(session.Event{Type: eventTweets, Payload: tweetsPayload{Data: page, Total: snap.Len()}})

	case ActionGetVolume:
		snap, err := c.hub.deps.Source.Snapshot(c.ctx)
		if err != nil {
			c.sendError(ErrCodeCorpus, err.Error())
			return
		}
		c.Emit(session.Event{Type: session.EventVolume, Payload: volume.Aggregate(snap.Posts(), c.hub.deps.Location)})

	default:
		c.sendError(ErrCodeUnknownAction, "unknown action "+msg.Action)
	}
}

// writePump writes queued events and keepalive pings to the peer. Each
// event is its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
