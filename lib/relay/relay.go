// Package relay implements a Chrome DevTools Protocol relay between one
// browser-extension producer and any number of CDP clients. Clients speak
// standard CDP as if connected to a browser; the relay multiplexes their
// sessions onto the single page the extension exposes, correlates command
// ids, routes events by session, and answers target discovery locally.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
)

// Screenshots and printToPDF results ride in single frames, so the read
// limit sits far above the websocket default.
const maxFrameBytes = 100 * 1024 * 1024 // 100 MB

// Config carries the runtime options. Zero values take documented defaults.
type Config struct {
	// Token gates the client endpoint when non-empty. With no token the
	// relay trusts localhost and accepts every client.
	Token string
	// ExtensionIDs overrides the compile-time allowlist.
	ExtensionIDs []string

	PingInterval       time.Duration
	CommandTimeout     time.Duration
	LongCommandTimeout time.Duration
	HandshakeTimeout   time.Duration

	MaxClientQueueBytes  int
	MaxClientQueueFrames int

	// LogTraffic logs every relayed frame's id/method/sessionId at debug.
	LogTraffic bool
}

func (c Config) withDefaults() Config {
	if len(c.ExtensionIDs) == 0 {
		c.ExtensionIDs = DefaultExtensionIDs
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.LongCommandTimeout <= 0 {
		c.LongCommandTimeout = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxClientQueueBytes <= 0 {
		c.MaxClientQueueBytes = 1 << 20 // 1 MiB
	}
	if c.MaxClientQueueFrames <= 0 {
		c.MaxClientQueueFrames = 1024
	}
	return c
}

// Relay is the connection registry, correlation table, and session router
// behind both WebSocket endpoints. One mutex guards the core tables; it is
// held only across in-memory mutation, never across socket I/O (send-queue
// pushes do not block).
type Relay struct {
	cfg  Config
	log  *slog.Logger
	gate *gate

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	clients  map[string]*clientConn
	ext      *extensionConn
	pending  map[int64]*pendingCommand
	sessions map[string]*sessionBinding
	target   *syntheticTarget
	version  versionInfo

	nextRelayID atomic.Int64
	counters    relayCounters
	connWG      sync.WaitGroup
}

// New builds a relay and starts its deadline sweeper. Callers must Shutdown
// to release it.
func New(cfg Config, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	g, err := newGate(cfg.Token, cfg.ExtensionIDs)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	r := &Relay{
		cfg:      cfg,
		log:      log,
		gate:     g,
		clients:  make(map[string]*clientConn),
		pending:  make(map[int64]*pendingCommand),
		sessions: make(map[string]*sessionBinding),
		version:  defaultVersionInfo(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.sweepLoop()
	return r, nil
}

// Handler returns the HTTP surface: the two WebSocket endpoints, the status
// route, and 404 for everything else including wrong methods.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.Recoverer)
	router.Get("/cdp", r.handleCDP)
	router.Get("/extension", r.handleExtension)
	router.Get("/extension/status", r.handleStatus)
	router.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	})
	return router
}

func (r *Relay) handleCDP(w http.ResponseWriter, req *http.Request) {
	if r.draining() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if aerr := r.gate.checkClient(req); aerr != nil {
		r.counters.RejectedUpgrades.Add(1)
		r.log.Warn("client upgrade rejected", "category", aerr.category, "remote_addr", req.RemoteAddr)
		http.Error(w, aerr.Error(), aerr.status)
		return
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.log.Error("client websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c := newClientConn(r, conn, req.RemoteAddr)
	if !r.addClient(c) {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	defer r.connWG.Done()
	c.log.Info("client connected", "remote_addr", c.remoteAddr)
	c.run(req.Context())
}

func (r *Relay) handleExtension(w http.ResponseWriter, req *http.Request) {
	if r.draining() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	extensionID, aerr := r.gate.checkExtension(req)
	if aerr != nil {
		r.counters.RejectedUpgrades.Add(1)
		r.log.Warn("extension upgrade rejected", "category", aerr.category, "remote_addr", req.RemoteAddr)
		http.Error(w, aerr.Error(), aerr.status)
		return
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.log.Error("extension websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	e := newExtensionConn(r, conn, extensionID, req.RemoteAddr)
	replaced, ok := r.addExtension(e)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	if replaced != nil {
		replaced.beginClose(websocket.StatusNormalClosure, "replaced")
		r.log.Info("extension replaced", "old_remote", replaced.remoteAddr, "new_remote", req.RemoteAddr)
	}
	defer r.connWG.Done()
	e.log.Info("extension connected", "remote_addr", req.RemoteAddr)
	e.run(req.Context())
}

func (r *Relay) draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) addClient(c *clientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	c.state = stateOpen
	r.clients[c.id] = c
	r.connWG.Add(1)
	return true
}

// removeClient unregisters a client and discards its pending commands and
// session bindings. Idempotent.
func (r *Relay) removeClient(c *clientConn) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.id)
	c.state = stateClosing
	r.dropClientPendingLocked(c)
	r.dropClientSessionsLocked(c)
	r.mu.Unlock()
	c.log.Info("client disconnected")
}

// addExtension installs a new producer, displacing the previous one. The
// displaced extension is returned so the caller can close it with reason
// "replaced"; its in-flight commands resolve as "browser disconnected".
func (r *Relay) addExtension(e *extensionConn) (replaced *extensionConn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	replaced = r.ext
	r.ext = e
	e.state = stateOpen
	r.connWG.Add(1)
	if replaced != nil {
		replaced.state = stateClosing
		r.counters.ExtensionReplacements.Add(1)
		r.failAllPendingLocked(codeServerError, "browser disconnected")
		r.dropAllSessionsLocked()
		r.target = nil
		r.version = defaultVersionInfo()
	}
	return replaced, true
}

// removeExtension clears the producer slot if this connection still holds
// it. A replaced extension finds the slot already taken and only tears down
// its own socket.
func (r *Relay) removeExtension(e *extensionConn) {
	r.mu.Lock()
	if r.ext != e {
		r.mu.Unlock()
		return
	}
	r.ext = nil
	e.state = stateClosing
	r.failAllPendingLocked(codeServerError, "browser disconnected")
	r.dropAllSessionsLocked()
	r.target = nil
	r.version = defaultVersionInfo()
	r.mu.Unlock()
	e.log.Info("extension disconnected")
}

// handleClientFrame is the client dispatch path: leniently parsed commands
// go to the synthetic responder or the forwarding engine; anything else is
// dropped with at most a best-effort error reply.
func (r *Relay) handleClientFrame(c *clientConn, data []byte) {
	r.logTraffic("client->relay", data)
	msg, err := parseCDP(data)
	if err != nil {
		r.counters.ProtocolErrors.Add(1)
		if id, ok := peekID(data); ok {
			c.sendError(id, "", codeInvalidRequest, "invalid message")
		} else {
			c.log.Debug("dropping unparseable client frame", "err", err)
		}
		return
	}
	if !msg.isCommand() {
		r.counters.ProtocolErrors.Add(1)
		if msg.ID != nil {
			c.sendError(*msg.ID, msg.SessionID, codeInvalidRequest, "message must have a string method")
		} else {
			c.log.Debug("dropping client frame without id", "method", msg.Method)
		}
		return
	}
	if r.handleSynthetic(c, msg) {
		return
	}
	r.forwardCommand(c, msg, data)
}

// forwardCommand rewrites a client command under a relay id and sends it to
// the extension. Rejections (no extension, foreign session, saturated
// extension queue) answer locally under the client's original id.
func (r *Relay) forwardCommand(c *clientConn, msg *cdpMessage, data []byte) {
	r.mu.Lock()
	ext := r.ext
	if ext == nil {
		r.mu.Unlock()
		c.sendError(*msg.ID, msg.SessionID, codeServerError, "browser not connected")
		return
	}
	if msg.SessionID != "" {
		b, ok := r.sessions[msg.SessionID]
		if !ok || b.clientID != c.id {
			r.mu.Unlock()
			c.sendError(*msg.ID, msg.SessionID, codeSessionNotOwned, "session not owned")
			return
		}
	}
	relayID := r.registerPendingLocked(c, *msg.ID, msg.Method, msg.SessionID)
	r.mu.Unlock()

	frame, err := rewriteID(data, relayID)
	if err != nil {
		// data survived parseCDP, so this cannot fire; keep the command from
		// hanging if it somehow does.
		r.untrackPending(relayID)
		c.sendError(*msg.ID, msg.SessionID, codeServerError, "relay encoding failure")
		return
	}
	r.logTraffic("relay->extension", frame)
	if !ext.send(frame, true) {
		if r.untrackPending(relayID) {
			c.sendError(*msg.ID, msg.SessionID, codeServerError, "extension busy")
		}
		return
	}
	r.counters.ForwardedCommands.Add(1)
}

// untrackPending removes a pending entry if it still exists; false means
// something else (extension swap, sweep) already resolved it.
func (r *Relay) untrackPending(relayID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.takePendingLocked(relayID)
	return ok
}

// sweepLoop expires pending commands. The cadence follows the command
// timeout so short test deadlines still expire promptly.
func (r *Relay) sweepLoop() {
	interval := r.cfg.CommandTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepExpiredPending(now)
		}
	}
}

// Shutdown refuses new upgrades, drains in-flight commands with an error,
// closes every connection with 1001, and waits for handlers up to the grace
// window before force-terminating. Safe to call more than once.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	var clients []*clientConn
	var ext *extensionConn
	if !alreadyClosed {
		r.failAllPendingLocked(codeServerError, "relay shutdown")
		clients = lo.Values(r.clients)
		ext = r.ext
	}
	r.mu.Unlock()

	if !alreadyClosed {
		for _, c := range clients {
			c.beginClose(websocket.StatusGoingAway, "relay shutting down")
		}
		if ext != nil {
			ext.beginClose(websocket.StatusGoingAway, "relay shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		r.connWG.Wait()
		close(done)
	}()
	grace := time.NewTimer(closeGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		r.log.Warn("force-terminating connections past the grace window")
		for _, c := range clients {
			_ = c.conn.CloseNow()
		}
		if ext != nil {
			_ = ext.conn.CloseNow()
		}
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
	r.cancel()
	r.log.Info("relay shut down")
	return nil
}

// logTraffic logs the envelope fields of a relayed frame when traffic
// logging is on. Payloads are elided: screenshots do not belong in logs.
func (r *Relay) logTraffic(direction string, data []byte) {
	if !r.cfg.LogTraffic {
		return
	}
	attrs := make([]any, 0, 8)
	attrs = append(attrs, "direction", direction)
	if v := peekField(data, "id"); v != "" {
		attrs = append(attrs, "id", v)
	}
	if v := peekField(data, "method"); v != "" {
		attrs = append(attrs, "method", v)
	}
	if v := peekField(data, "sessionId"); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	r.log.Debug("cdp frame", attrs...)
}
