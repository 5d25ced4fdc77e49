package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joescharf/amux/internal/protocol"
	"github.com/joescharf/amux/internal/terminal"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// Viewers in the background answer at twice their heartbeat interval.
	wsReadWait   = 3 * wsPingInterval
	wsSendBuffer = 256
)

var (
	errSlowConsumer = errors.New("send buffer full")
	errConnClosed   = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is a viewer WebSocket attached to a terminal session. Send only
// queues; the write pump owns the socket for writes.
type wsConn struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.closing)
	})
	return nil
}

func (s *Server) serveTerminalWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if sessionID == "" {
		closeWith(conn, protocol.CloseMissingSession, "missing session id")
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		closeWith(conn, protocol.CloseUnknownSession, "unknown session")
		return
	}

	c := &wsConn{
		id:        clientID,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		closing:   make(chan struct{}),
	}
	done := make(chan struct{})
	go s.wsWritePump(c, done)

	if err := s.registry.Attach(sessionID, c); err != nil {
		code := protocol.CloseUnknownSession
		if !errors.Is(err, terminal.ErrNotFound) {
			code = protocol.CloseNormal
		}
		_ = c.Close(code, err.Error())
		<-done
		return
	}
	s.logger.Debug("viewer attached", "session", sessionID, "client", clientID)

	s.wsReadPump(c)
	s.registry.Detach(sessionID, c)
	_ = c.Close(protocol.CloseNormal, "")
	<-done
	s.logger.Debug("viewer detached", "session", sessionID, "client", clientID)
}

// wsWritePump drains the send queue, keeps the connection alive with ping
// frames, and performs the close handshake once Close is called.
func (s *Server) wsWritePump(c *wsConn, done chan<- struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(done)
	}()

	ping, _ := protocol.Encode(protocol.Ping())
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", "session", c.sessionID, "client", c.id, "error", err)
				_ = c.Close(protocol.CloseNormal, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				_ = c.Close(protocol.CloseNormal, "")
				return
			}
		case <-c.closing:
			// Output queued before the close goes out first.
			if c.flush() == nil {
				closeWith(c.conn, c.closeCode, c.closeReason)
			}
			return
		}
	}
}

func (c *wsConn) flush() error {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// wsReadPump forwards viewer input to the session until the socket fails.
func (s *Server) wsReadPump(c *wsConn) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "session", c.sessionID, "client", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadWait))

		f, err := protocol.Parse(raw)
		if err != nil {
			s.logger.Warn("dropping bad frame", "session", c.sessionID, "client", c.id, "error", err)
			continue
		}
		switch f.Type {
		case protocol.TypeData:
			if err := s.registry.Write(c.sessionID, []byte(f.Data)); err != nil {
				s.logger.Warn("terminal write failed", "session", c.sessionID, "error", err)
			}
		case protocol.TypeResize:
			if err := s.registry.Resize(c.sessionID, f.Cols, f.Rows); err != nil {
				s.logger.Warn("terminal resize failed", "session", c.sessionID, "error", err)
			}
		case protocol.TypePing:
			_ = c.Send(protocol.Pong())
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	if code == 0 {
		code = protocol.CloseNormal
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
