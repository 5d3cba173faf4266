package pusher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// DefaultPendingLimit bounds the pending-request table. Above it, the older
// half of outstanding requests is evicted before a new one is issued.
const DefaultPendingLimit = 50

// DefaultPathSuffix is the deployment path identifying the general-purpose
// push channel on the hosting server.
const DefaultPathSuffix = "/_push"

// Config configures a client Channel.
type Config struct {
	// Server is the base address of the hosting application, e.g.
	// "http://vizy.local:5000" or just "vizy.local:5000". The scheme is
	// swapped to ws/wss and the path suffix appended.
	Server string

	// PathSuffix identifies the channel's purpose on the server. Defaults
	// to DefaultPathSuffix.
	PathSuffix string

	// PendingLimit bounds the pending-request table. Defaults to
	// DefaultPendingLimit.
	PendingLimit int

	// MaxRetryCount limits additional dial attempts while the channel is
	// in the connecting state. 0 means a single attempt; a negative value
	// retries until shutdown.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff delay between dial attempts.
	// Values under one second are raised to five minutes.
	MaxRetryInterval time.Duration

	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration

	Debug bool

	// Logger, if nil, is created from Debug.
	Logger logger.Logger

	// Dialer, if nil, is a WebSocketDialer. Tests substitute fakes here.
	Dialer Dialer
}

// Channel is a client-side duplex push channel. It owns the socket, the
// observer registry, the pending-request table and the outbound queue; see
// the package documentation for the lifecycle contract.
//
// All methods are safe for concurrent use. Inbound dispatch, observer
// callbacks and request resolution are serialized on the connection's single
// reader goroutine.
type Channel struct {
	*asyncobj.Helper
	config Config
	url    string
	dialer Dialer
	stats  ConnStats

	// The fields below are guarded by the helper's Lock. Observer
	// callbacks run outside the lock so they may call back in.
	conn      *connHandle
	observers map[string]Observer
	pending   *pendingTable
	queue     [][]byte
	nextSeq   uint64
}

// connHandle is one underlying connection attempt. Exactly one exists per
// channel at any time; it is replaced by a fresh handle on the next use
// after closure.
type connHandle struct {
	mc         MessageConn
	connecting bool
	opened     bool
}

// NewChannel creates a new Channel. No connection is made until the first
// Register or Request.
func NewChannel(config *Config) (*Channel, error) {
	cfg := *config
	if cfg.PathSuffix == "" {
		cfg.PathSuffix = DefaultPathSuffix
	}
	if cfg.PendingLimit == 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if cfg.MaxRetryInterval < time.Second {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		logLevel := logger.LogLevelInfo
		if cfg.Debug {
			logLevel = logger.LogLevelDebug
		}
		var err error
		lg, err = logger.New(
			logger.WithPrefix("pushchan"),
			logger.WithLogLevel(logLevel),
		)
		if err != nil {
			return nil, err
		}
	}
	urlStr, err := endpointURL(cfg.Server, cfg.PathSuffix)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	c := &Channel{
		config:    cfg,
		url:       urlStr,
		dialer:    dialer,
		observers: make(map[string]Observer),
		pending:   newPendingTable(cfg.PendingLimit),
	}
	c.Helper = asyncobj.NewHelper(lg, c)
	c.SetIsActivated()
	return c, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (c *Channel) HandleOnceShutdown(completionErr error) error {
	c.Lock.Lock()
	h := c.conn
	c.conn = nil
	c.queue = nil
	c.pending.clear()
	c.Lock.Unlock()
	if h != nil && h.mc != nil {
		h.mc.Close()
	}
	return completionErr
}

// Close shuts the channel down and abandons all outstanding requests. Their
// result channels never resolve.
func (c *Channel) Close() error {
	c.StartShutdown(nil)
	return c.WaitShutdown()
}

// Register stores observer under the descriptor's identifier, overwriting
// any prior observer for that identifier, and lazily brings the connection
// online. Observers are never removed for the life of the channel.
func (c *Channel) Register(d Descriptor, observer Observer) {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	c.ensureConnectionLocked()
	c.observers[d.ID] = observer
}

// Request issues a correlated call to a named server endpoint. The returned
// capacity-one channel receives the reply's data exactly once--or never, if
// the connection is lost or the request is evicted under backpressure; no
// error is ever delivered on it. The only synchronous error is payload
// marshalling.
func (c *Channel) Request(endpoint string, payload interface{}) (<-chan json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	c.Lock.Lock()
	defer c.Lock.Unlock()

	if evicted := c.pending.maintain(); evicted > 0 {
		c.WLogf("pending table exceeded %d entries; evicted %d stale requests", c.config.PendingLimit, evicted)
	}

	seq := c.nextSeq
	raw, err := json.Marshal(&requestEnvelope{ID: seq, URL: endpoint, Data: data})
	if err != nil {
		return nil, err
	}
	result := c.pending.add(seq)
	c.sendLocked(raw)
	c.nextSeq++
	return result, nil
}

// RequestWait issues a correlated call and waits for its reply. The context
// bounds the wait; the channel layer itself never times out.
func (c *Channel) RequestWait(ctx context.Context, endpoint string, payload interface{}) (json.RawMessage, error) {
	result, err := c.Request(endpoint, payload)
	if err != nil {
		return nil, err
	}
	select {
	case data := <-result:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendLocked hands an envelope to the connection: queued while connecting,
// transmitted immediately once open. Transmission failures are not surfaced
// here; the reader goroutine observes the closure and abandons state.
func (c *Channel) sendLocked(raw []byte) {
	c.ensureConnectionLocked()
	h := c.conn
	if h == nil {
		// shutting down
		return
	}
	if h.connecting {
		c.queue = append(c.queue, raw)
		return
	}
	c.writeLocked(h, raw)
}

func (c *Channel) writeLocked(h *connHandle, raw []byte) {
	if err := h.mc.WriteMessage(raw); err != nil {
		c.DLogf("write failed: %s", err)
		return
	}
	c.stats.AddOut(len(raw))
}

// ensureConnectionLocked is idempotent: if any connection handle exists, in
// any state, it is a no-op. Otherwise a fresh handle is created in the
// connecting state and a dial is started. This single-flight construction
// guarantees at most one underlying connection per channel.
func (c *Channel) ensureConnectionLocked() {
	if c.conn != nil {
		return
	}
	// The caller holds c.Lock, which asyncobj.Helper.IsStartedShutdown would
	// re-acquire; ShutdownStartedChan is lock-free.
	select {
	case <-c.ShutdownStartedChan():
		return
	default:
	}
	h := &connHandle{connecting: true}
	c.conn = h
	c.stats.New()
	go c.connectAndServe(h)
}

// connectAndServe dials the endpoint, flushes the outbound queue, then runs
// the read loop until the connection dies. Exactly one instance runs per
// connection handle.
func (c *Channel) connectAndServe(h *connHandle) {
	mc, err := c.dial()

	c.Lock.Lock()
	if c.conn != h {
		// abandoned while dialing (channel shut down)
		c.Lock.Unlock()
		if mc != nil {
			mc.Close()
		}
		return
	}
	if err != nil {
		c.Lock.Unlock()
		c.connectionLost(h, err)
		return
	}
	h.mc = mc
	h.connecting = false
	h.opened = true
	c.stats.Open()
	//flush everything queued while connecting, strictly in enqueue order
	queued := c.queue
	c.queue = nil
	for _, raw := range queued {
		c.writeLocked(h, raw)
	}
	c.Lock.Unlock()

	c.DLogf("%s connected to %s (%d queued envelopes flushed)", c.stats.String(), c.url, len(queued))

	for {
		raw, err := mc.ReadMessage()
		if err != nil {
			c.connectionLost(h, err)
			return
		}
		c.stats.AddIn(len(raw))
		c.dispatch(raw)
	}
}

// dial attempts to connect, retrying with backoff per the configured
// policy. The default policy is a single attempt.
func (c *Channel) dial() (MessageConn, error) {
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for {
		mc, err := c.dialer.DialContext(context.Background(), c.url)
		if err == nil {
			return mc, nil
		}
		attempt := int(b.Attempt())
		if c.IsStartedShutdown() {
			return nil, err
		}
		if c.config.MaxRetryCount >= 0 && attempt >= c.config.MaxRetryCount {
			return nil, err
		}
		d := b.Duration()
		c.DLogf("connect to %s failed (attempt %d): %s; retrying in %s", c.url, attempt+1, err, d)
		time.Sleep(d)
	}
}

// connectionLost abandons a dead connection handle: the handle is cleared,
// the outbound queue discarded, and every pending request abandoned. The
// channel does not reconnect here; the next Register or Request does,
// lazily, with a fresh handle.
func (c *Channel) connectionLost(h *connHandle, err error) {
	c.Lock.Lock()
	stale := c.conn != h
	var abandoned, queued int
	if !stale {
		abandoned = c.pending.len()
		queued = len(c.queue)
		c.conn = nil
		c.queue = nil
		c.pending.clear()
		if h.opened {
			c.stats.Close()
		}
	}
	c.Lock.Unlock()
	if h.mc != nil {
		h.mc.Close()
	}
	if stale {
		return
	}
	c.DLogf("%s connection lost (%s); abandoned %d pending requests, dropped %d queued envelopes (%s)",
		c.stats.String(), err, abandoned, queued, c.stats.TrafficString())
}

// dispatch routes one inbound message: broadcasts fan out to observers,
// replies resolve their pending entry exactly once, and everything else is
// dropped silently (an unknown correlation id may be a duplicate or a reply
// to an already-evicted request).
func (c *Channel) dispatch(raw []byte) {
	resp, bcast, err := decodeInbound(raw)
	if err != nil {
		c.DLogf("dropping undecodable envelope: %s", err)
		return
	}
	if bcast != nil {
		c.deliverUpdate(bcast.Data, bcast.Mode == BroadcastNotify)
		return
	}
	c.Lock.Lock()
	result, ok := c.pending.take(resp.ID)
	c.Lock.Unlock()
	if !ok {
		c.DLogf("dropping reply with unknown id %d", resp.ID)
		return
	}
	result <- resp.Data
}

// deliverUpdate fans an update set out to registered observers. Identifiers
// with no observer are ignored; an entity may exist server-side before any
// client component observes it. Callbacks run outside the lock, still
// serialized by the reader goroutine, so an observer may issue requests.
func (c *Channel) deliverUpdate(data map[string]json.RawMessage, notify bool) {
	type delivery struct {
		fn    Observer
		value json.RawMessage
	}
	var matched []delivery
	c.Lock.Lock()
	for id, value := range data {
		if fn, ok := c.observers[id]; ok {
			matched = append(matched, delivery{fn: fn, value: value})
		}
	}
	c.Lock.Unlock()
	for _, d := range matched {
		d.fn(d.value, notify, hasChildren(d.value))
	}
}
