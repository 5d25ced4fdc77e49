package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joescharf/amux/internal/protocol"
)

const writeWait = 10 * time.Second

// WSDialer dials the server's terminal WebSocket endpoint.
type WSDialer struct {
	// URL is the ws:// or wss:// endpoint, without query.
	URL string
	// ClientID identifies this viewer; the server replaces an attached conn
	// with the same id.
	ClientID string
	Logger   *slog.Logger

	dialer websocket.Dialer
}

// NewWSDialer builds a dialer for a server base URL such as
// http://localhost:7070.
func NewWSDialer(baseURL string) (*WSDialer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/terminals/ws"
	return &WSDialer{
		URL:      u.String(),
		ClientID: uuid.NewString(),
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Dial opens a transport for sessionID.
func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Transport, error) {
	q := url.Values{}
	q.Set("session", sessionID)
	if d.ClientID != "" {
		q.Set("client", d.ClientID)
	}
	target := d.URL + "?" + q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrSessionGone, sessionID)
			}
			return nil, fmt.Errorf("dial %s: %s: %w", sessionID, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", sessionID, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{conn: conn, sessionID: sessionID, logger: logger}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	sessionID string
	logger    *slog.Logger

	writeMu sync.Mutex
	closed  bool
}

func (t *wsTransport) Send(f protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

func (t *wsTransport) Recv() (protocol.Frame, error) {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case protocol.CloseNormal, protocol.CloseMissingSession, protocol.CloseUnknownSession:
					return protocol.Frame{}, fmt.Errorf("%w: %w (%d %s)", ErrSessionGone, ErrConnectionClosed, ce.Code, ce.Text)
				}
				return protocol.Frame{}, fmt.Errorf("%w: %d %s", ErrConnectionClosed, ce.Code, ce.Text)
			}
			return protocol.Frame{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		f, err := protocol.Parse(raw)
		if err != nil {
			t.logger.Warn("dropping bad frame", "session", t.sessionID, "error", err)
			continue
		}
		return f, nil
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
