package pusher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
)

// handleClientHandler is the main http handler for the push server:
// websocket upgrades on the configured path, health/version checks for
// everything else.
func (s *Server) handleClientHandler(w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" && r.URL.Path == s.config.Path {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if strings.HasPrefix(protocol, "dashpush-") && protocol != ProtocolVersion {
			s.ILogf("Client connection using unsupported protocol '%s', expected '%s'", protocol, ProtocolVersion)
			http.Error(w, "Not Found", 404)
			return
		}
		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			err = s.DLogErrorf("Failed to upgrade to websocket: %s", err)
			http.Error(w, err.Error(), 503)
			return
		}
		// serve synchronously: returning would cancel r.Context(), which
		// scopes the client's handler dispatches
		s.serveClient(r.Context(), wsc)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(BuildVersion))
		return
	}

	http.Error(w, "Not Found", 404)
}

// serveClient owns one upgraded connection from registration to teardown.
func (s *Server) serveClient(ctx context.Context, wsc *websocket.Conn) {
	cl := newServerClient(ctx, s, wsc)
	s.addClient(cl)
	s.connStats.Open()
	cl.DLogf("%s connected", s.connStats.String())
	defer func() {
		s.removeClient(cl)
		cl.close()
		s.connStats.Close()
		cl.DLogf("%s disconnected (%s)", s.connStats.String(), s.connStats.TrafficString())
	}()
	go cl.sender()
	cl.receiver()
}

// serverClient is one connected channel client, as seen from the server. A
// sender goroutine drains the outbound queue so broadcasts and replies never
// block on a slow socket; the receiver dispatches requests in arrival order.
type serverClient struct {
	logger.Logger
	server   *Server
	mc       MessageConn
	outbound chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	closer   sync.Once
}

func newServerClient(ctx context.Context, s *Server, wsc *websocket.Conn) *serverClient {
	id := s.connStats.New()
	ctx, cancel := context.WithCancel(ctx)
	return &serverClient{
		Logger:   s.ForkLogf("client#%d (%s)", id, wsc.RemoteAddr()),
		server:   s,
		mc:       &wsConn{conn: wsc},
		outbound: make(chan []byte, s.config.SendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// enqueue queues an envelope for delivery to this client. Returns false,
// dropping the envelope, when the client is too far behind.
func (cl *serverClient) enqueue(raw []byte) bool {
	select {
	case cl.outbound <- raw:
		return true
	default:
		return false
	}
}

// sender is the only writer on the socket.
func (cl *serverClient) sender() {
	for {
		select {
		case <-cl.ctx.Done():
			return
		case raw := <-cl.outbound:
			if err := cl.mc.WriteMessage(raw); err != nil {
				cl.DLogf("write failed: %s", err)
				cl.close()
				return
			}
			cl.server.connStats.AddOut(len(raw))
		}
	}
}

// receiver reads request envelopes and dispatches them, one at a time, until
// the connection dies.
func (cl *serverClient) receiver() {
	for {
		raw, err := cl.mc.ReadMessage()
		if err != nil {
			cl.DLogf("read ended: %s", err)
			return
		}
		cl.server.connStats.AddIn(len(raw))
		var env requestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			cl.DLogf("dropping malformed request envelope: %s", err)
			continue
		}
		if env.URL == "" {
			cl.DLogf("dropping request %d with empty url", env.ID)
			continue
		}
		cl.server.dispatchRequest(cl, &env)
	}
}

func (cl *serverClient) close() {
	cl.closer.Do(func() {
		cl.cancel()
		cl.mc.Close()
	})
}
