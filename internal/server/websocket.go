package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/boardflow/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second // must fire before wsPongTimeout
	wsMaxFrameSize = 64 * 1024
	wsSendBuffer   = 256
)

// WSMessage is the client-to-server websocket protocol.
type WSMessage struct {
	Type   string `json:"type"` // subscribe, unsubscribe, ping
	TaskID string `json:"task_id,omitempty"`
}

// WSHandler upgrades connections and forwards published events to
// subscribers. Clients subscribe per task or to "*" for everything.
type WSHandler struct {
	upgrader  websocket.Upgrader
	publisher events.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

// wsSession is one websocket client. Outbound frames funnel through
// out so only the writer goroutine touches the connection for writes.
type wsSession struct {
	conn *websocket.Conn
	out  chan any

	closeOnce sync.Once
	closed    chan struct{}

	subMu  sync.Mutex
	taskID string
	feed   <-chan events.Event
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		publisher: pub,
		logger:    logger,
		sessions:  make(map[*wsSession]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := &wsSession{
		conn:   conn,
		out:    make(chan any, wsSendBuffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()

	go h.writer(sess)
	go h.reader(sess)
}

func (h *WSHandler) reader(s *wsSession) {
	defer h.drop(s)

	s.conn.SetReadLimit(wsMaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed JSON keeps the connection; tell the client.
			s.send(map[string]any{"type": "error", "error": "invalid message format"})
			continue
		}
		h.dispatch(s, msg)
	}
}

func (h *WSHandler) writer(s *wsSession) {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) dispatch(s *wsSession, msg WSMessage) {
	switch msg.Type {
	case "subscribe":
		h.subscribe(s, msg.TaskID)
	case "unsubscribe":
		h.unsubscribe(s)
		s.send(map[string]any{"type": "unsubscribed"})
	case "ping":
		s.send(map[string]any{"type": "pong"})
	default:
		s.send(map[string]any{"type": "error", "error": "unknown message type: " + msg.Type})
	}
}

func (h *WSHandler) subscribe(s *wsSession, taskID string) {
	if taskID == "" {
		s.send(map[string]any{"type": "error", "error": `task_id required for subscribe (use "*" for all tasks)`})
		return
	}

	h.unsubscribe(s)

	s.subMu.Lock()
	s.taskID = taskID
	s.feed = h.publisher.Subscribe(taskID)
	feed := s.feed
	s.subMu.Unlock()

	go s.forward(feed)
	s.send(map[string]any{"type": "subscribed", "task_id": taskID})
}

func (h *WSHandler) unsubscribe(s *wsSession) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.feed != nil {
		h.publisher.Unsubscribe(s.taskID, s.feed)
		s.taskID = ""
		s.feed = nil
	}
}

// forward relays one subscription's events until the feed is replaced,
// closed, or the session ends.
func (s *wsSession) forward(feed <-chan events.Event) {
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			s.subMu.Lock()
			current := s.feed == feed
			s.subMu.Unlock()
			if !current {
				return
			}
			s.send(eventFrame(ev))
		}
	}
}

func eventFrame(ev events.Event) map[string]any {
	return map[string]any{
		"type":    "event",
		"event":   string(ev.Type),
		"task_id": ev.TaskID,
		"data":    ev.Data,
		"time":    ev.Time,
	}
}

// send queues a frame without blocking; a slow client loses frames
// rather than stalling the publisher.
func (s *wsSession) send(frame any) {
	select {
	case s.out <- frame:
	case <-s.closed:
	default:
	}
}

func (h *WSHandler) drop(s *wsSession) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	h.mu.Unlock()

	h.unsubscribe(s)
	s.closeOnce.Do(func() { close(s.closed) })
}

// ConnectionCount reports active websocket connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close drops every connection.
func (h *WSHandler) Close() {
	h.mu.Lock()
	open := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		h.drop(s)
	}
}
