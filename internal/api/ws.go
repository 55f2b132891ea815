package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/progress"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsMaxMessage   = 4096
	wsBufferSize   = 1024
	wsCloseTimeout = time.Second
)

var errSinkClosed = errors.New("progress socket closed")

// registration is the only message clients send.
type registration struct {
	UserID string `json:"userId"`
}

// wsSink delivers progress over one websocket connection. Send never blocks:
// values go through a one-slot mailbox where a newer value replaces an
// unsent older one, and a single writer goroutine owns the connection.
type wsSink struct {
	conn    *websocket.Conn
	mailbox chan int
	done    chan struct{}
	closed  atomic.Bool
	writer  sync.WaitGroup
	logger  *slog.Logger

	stopOnce  sync.Once
	closeOnce sync.Once
}

func newWSSink(conn *websocket.Conn, logger *slog.Logger) *wsSink {
	s := &wsSink{
		conn:    conn,
		mailbox: make(chan int, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	s.writer.Add(1)
	go s.writeLoop()
	return s
}

func (s *wsSink) Open() bool {
	return !s.closed.Load()
}

func (s *wsSink) Send(value int) error {
	if s.closed.Load() {
		return errSinkClosed
	}
	for {
		select {
		case s.mailbox <- value:
			return nil
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}

func (s *wsSink) writeLoop() {
	defer s.writer.Done()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case v := <-s.mailbox:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(v))); err != nil {
				s.logger.Debug("progress write failed", "error", err)
				s.stop()
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stop()
				s.conn.Close()
				return
			}
		}
	}
}

// stop marks the sink closed and ends the writer.
func (s *wsSink) stop() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// close stops the writer, flushes a pending value when possible, sends a
// close frame and releases the connection, which also ends the read loop.
func (s *wsSink) close(code int, text string) {
	s.stop()
	s.writer.Wait()

	s.closeOnce.Do(func() {
		select {
		case v := <-s.mailbox:
			s.conn.SetWriteDeadline(time.Now().Add(wsCloseTimeout))
			s.conn.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(v)))
		default:
		}
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(wsCloseTimeout))
		s.conn.Close()
	})
}

// wsHub tracks open sockets so shutdown can close them; hijacked
// connections are invisible to http.Server.Shutdown.
type wsHub struct {
	mu    sync.Mutex
	sinks map[*wsSink]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{sinks: make(map[*wsSink]struct{})}
}

func (h *wsHub) add(s *wsSink) {
	h.mu.Lock()
	h.sinks[s] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) remove(s *wsSink) {
	h.mu.Lock()
	delete(h.sinks, s)
	h.mu.Unlock()
}

func (h *wsHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	sinks := make([]*wsSink, 0, len(h.sinks))
	for s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.Unlock()

	for _, s := range sinks {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func wsHandler(cfg ServerConfig, hub *wsHub) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(origin, cfg.AllowedOrigins)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			cfg.Logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		logger := logging.WithRequestID(cfg.Logger, requestID(r)).With("remote_addr", r.RemoteAddr)
		sink := newWSSink(conn, logger)
		hub.add(sink)
		logger.Info("progress client connected")

		users := readRegistrations(conn, sink, cfg.Bus, logger)

		for _, userID := range users {
			if cfg.Bus.Unregister(userID, sink) {
				logger.Info("user disconnected", "user_id", userID)
			}
		}
		hub.remove(sink)
		sink.close(websocket.CloseNormalClosure, "")
		logger.Info("progress client disconnected")
	}
}

// readRegistrations reads {"userId":...} messages until the connection
// fails and returns every user id it registered, in order.
func readRegistrations(conn *websocket.Conn, sink *wsSink, bus *progress.Bus, logger *slog.Logger) []string {
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var users []string
	seen := make(map[string]bool)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("progress socket read failed", "error", err)
			}
			return users
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg registration
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed progress message", "error", err)
			continue
		}
		if msg.UserID == "" {
			continue
		}

		bus.Register(msg.UserID, sink)
		if !seen[msg.UserID] {
			seen[msg.UserID] = true
			users = append(users, msg.UserID)
		}
		logger.Info("user connected", "user_id", msg.UserID)
	}
}
