package pusher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// RequestHandler services one named endpoint on the server. data is the raw
// request payload (nil when the client sent none); the returned value is
// marshalled into the reply envelope. An error produces no reply--the
// client's future simply never resolves, matching the channel's silent-loss
// contract. The context is cancelled when the requesting client disconnects.
type RequestHandler func(ctx context.Context, data json.RawMessage) (interface{}, error)

// ServerConfig is the configuration for a push Server.
type ServerConfig struct {
	// Path is the websocket upgrade path. Defaults to DefaultPathSuffix.
	Path string

	// SendQueueSize is the per-client outbound queue depth. A client that
	// falls further behind has envelopes dropped. Defaults to 32.
	SendQueueSize int

	Debug bool

	// Logger, if nil, is created from Debug.
	Logger logger.Logger
}

// Server is the hosting side of the push channel: it upgrades websocket
// clients, dispatches their request envelopes to registered handlers, and
// broadcasts entity updates to every connected client.
type Server struct {
	*asyncobj.Helper
	config      ServerConfig
	httpServer  *HTTPServer
	httpHandler http.Handler
	connStats   ConnStats

	// guarded by the helper's Lock
	handlers map[string]RequestHandler
	clients  map[*serverClient]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{ProtocolVersion},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates and returns a new push server.
func NewServer(config *ServerConfig) (*Server, error) {
	cfg := *config
	if cfg.Path == "" {
		cfg.Path = DefaultPathSuffix
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 32
	}
	lg := cfg.Logger
	if lg == nil {
		logLevel := logger.LogLevelInfo
		if cfg.Debug {
			logLevel = logger.LogLevelDebug
		}
		var err error
		lg, err = logger.New(
			logger.WithPrefix("pushserver"),
			logger.WithLogLevel(logLevel),
		)
		if err != nil {
			return nil, err
		}
	}
	s := &Server{
		config:   cfg,
		handlers: make(map[string]RequestHandler),
		clients:  make(map[*serverClient]struct{}),
	}
	s.Helper = asyncobj.NewHelper(lg, s)
	s.httpServer = NewHTTPServer(lg)

	h := http.Handler(http.HandlerFunc(s.handleClientHandler))
	if cfg.Debug {
		h = requestlog.Wrap(h)
	}
	s.httpHandler = h

	s.SetIsActivated()
	return s, nil
}

// AddURL registers the handler for a named endpoint, overwriting any prior
// handler for that name.
func (s *Server) AddURL(url string, handler RequestHandler) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.handlers[url] = handler
}

// Handler returns the server's http.Handler so a hosting application can
// mount the channel inside its own server. The handler serves the websocket
// upgrade on the configured path plus /health and /version.
func (s *Server) Handler() http.Handler {
	return s.httpHandler
}

// Run serves the push channel on host:port and blocks until the context is
// cancelled or the server is shut down.
func (s *Server) Run(ctx context.Context, host, port string) error {
	s.ILogf("Listening on %s:%s...", host, port)
	err := s.httpServer.ListenAndServe(ctx, host+":"+port, s.httpHandler)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

// Broadcast pushes an update set--a mapping from entity identifier to new
// value--to every connected client. notify selects the "mod_n" envelope,
// asking client observers to fire their notification side effects.
func (s *Server) Broadcast(mods map[string]interface{}, notify bool) error {
	mode := BroadcastSilent
	if notify {
		mode = BroadcastNotify
	}
	raw, err := json.Marshal(&broadcastEnvelope{ID: mode.String(), Data: mods})
	if err != nil {
		return err
	}
	s.Lock.Lock()
	targets := make([]*serverClient, 0, len(s.clients))
	for cl := range s.clients {
		targets = append(targets, cl)
	}
	s.Lock.Unlock()
	for _, cl := range targets {
		if !cl.enqueue(raw) {
			cl.WLogf("send queue full, dropping %s broadcast", mode)
		}
	}
	return nil
}

// NumClients returns the number of currently connected clients.
func (s *Server) NumClients() int {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return len(s.clients)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	s.Lock.Lock()
	targets := make([]*serverClient, 0, len(s.clients))
	for cl := range s.clients {
		targets = append(targets, cl)
	}
	s.clients = make(map[*serverClient]struct{})
	s.Lock.Unlock()
	for _, cl := range targets {
		cl.close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close completely shuts down the server, then returns the final completion
// value.
func (s *Server) Close() error {
	s.StartShutdown(nil)
	return s.WaitShutdown()
}

// dispatchRequest services one request envelope from one client. Requests
// from a single client are dispatched in arrival order, one at a time, the
// way the hosting framework's callbacks expect.
func (s *Server) dispatchRequest(cl *serverClient, env *requestEnvelope) {
	s.Lock.Lock()
	handler := s.handlers[env.URL]
	s.Lock.Unlock()
	if handler == nil {
		cl.DLogf("no handler for url %q, dropping request %d", env.URL, env.ID)
		return
	}
	out, err := handler(cl.ctx, env.Data)
	if err != nil {
		cl.WLogf("handler %q failed for request %d: %s", env.URL, env.ID, err)
		return
	}
	raw, err := json.Marshal(&responseEnvelope{ID: env.ID, Data: out})
	if err != nil {
		cl.WLogf("handler %q produced unmarshallable reply for request %d: %s", env.URL, env.ID, err)
		return
	}
	if !cl.enqueue(raw) {
		cl.WLogf("send queue full, dropping reply %d", env.ID)
	}
}

func (s *Server) addClient(cl *serverClient) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.clients[cl] = struct{}{}
}

func (s *Server) removeClient(cl *serverClient) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	delete(s.clients, cl)
}
