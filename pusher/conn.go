package pusher

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// MessageConn is a single message-framed duplex connection. The production
// implementation wraps a websocket; tests substitute in-memory fakes.
// ReadMessage and WriteMessage may be called concurrently with each other,
// but each side has at most one caller at a time.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer produces a MessageConn for an endpoint URL. A Channel owns exactly
// one dial attempt at a time.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (MessageConn, error)
}

// WebSocketDialer is the production Dialer, speaking the dashpush
// subprotocol over websocket text messages.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// DialContext implements Dialer.
func (d *WebSocketDialer) DialContext(ctx context.Context, urlStr string) (MessageConn, error) {
	wd := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{ProtocolVersion},
	}
	wsc, resp, err := wd.DialContext(ctx, urlStr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: wsc}, nil
}

// wsConn adapts a gorilla websocket connection to MessageConn. Control
// frames are handled by the underlying library; non-data frames never
// surface here.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

var hostHasPort = regexp.MustCompile(`:\d+$`)

// endpointURL derives the channel's websocket endpoint from the hosting
// application's address and the channel's fixed path suffix: apply a default
// scheme and port, swap http(s) to ws(s), and append the suffix that
// identifies the channel's purpose on the server.
func endpointURL(server, pathSuffix string) (string, error) {
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	//apply default port
	if !hostHasPort.MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + pathSuffix
	return u.String(), nil
}
