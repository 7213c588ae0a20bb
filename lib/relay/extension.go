package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// extensionConn is the single trusted producer on the extension endpoint.
// Keepalive is application-level ({"method":"ping"} / {"method":"pong"})
// because the extension's WebSocket runs inside a service worker that does
// not surface protocol pings.
type extensionConn struct {
	relay       *Relay
	conn        *websocket.Conn
	queue       *sendQueue
	log         *slog.Logger
	extensionID string
	remoteAddr  string
	connectedAt time.Time

	lastPong  atomic.Int64 // unix nanos of the last pong
	announced atomic.Bool  // target handshake received

	// guarded by relay.mu
	state connState

	closeMu     sync.Mutex
	closeSet    bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newExtensionConn(r *Relay, conn *websocket.Conn, extensionID, remoteAddr string) *extensionConn {
	return &extensionConn{
		relay:       r,
		conn:        conn,
		queue:       newSendQueue(r.cfg.MaxClientQueueBytes, r.cfg.MaxClientQueueFrames),
		log:         r.log.With("extension_id", extensionID),
		extensionID: extensionID,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		state:       stateConnecting,
	}
}

func (e *extensionConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writeLoop(ctx)
	}()
	go e.keepalive(ctx)

	// The extension must announce its target as the first frame; one that
	// stays silent is indistinguishable from a broken one.
	handshake := time.AfterFunc(e.relay.cfg.HandshakeTimeout, func() {
		if !e.announced.Load() {
			e.log.Warn("extension never announced a target, terminating")
			_ = e.conn.CloseNow()
		}
	})
	defer handshake.Stop()

	e.readLoop(ctx)

	e.relay.removeExtension(e)
	e.queue.finish()
	select {
	case <-writerDone:
	case <-time.After(closeGrace):
	}
	_ = e.conn.CloseNow()
	e.relay.mu.Lock()
	e.state = stateClosed
	e.relay.mu.Unlock()
}

func (e *extensionConn) readLoop(ctx context.Context) {
	for {
		typ, data, err := e.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			e.protocolViolation("binary frame")
			return
		}
		e.relay.handleExtensionFrame(e, data)
	}
}

func (e *extensionConn) writeLoop(ctx context.Context) {
	for {
		frame, err := e.queue.next(ctx)
		if err != nil {
			if errors.Is(err, errQueueClosed) {
				code, reason := e.closeStatus()
				_ = e.conn.Close(code, reason)
			}
			return
		}
		if err := e.conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}
}

// keepalive sends application-level pings and terminates the extension when
// no pong has arrived for two intervals.
func (e *extensionConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(e.relay.cfg.PingInterval)
	defer ticker.Stop()
	e.lastPong.Store(time.Now().UnixNano())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		silent := time.Since(time.Unix(0, e.lastPong.Load()))
		if silent >= 2*e.relay.cfg.PingInterval {
			e.log.Warn("extension missed two pings, terminating", "since_pong", silent.Round(time.Millisecond))
			_ = e.conn.CloseNow()
			return
		}
		e.send([]byte(`{"method":"ping"}`), false)
	}
}

func (e *extensionConn) beginClose(code websocket.StatusCode, reason string) {
	e.closeMu.Lock()
	if !e.closeSet {
		e.closeSet = true
		e.closeCode = code
		e.closeReason = reason
	}
	e.closeMu.Unlock()
	e.queue.finish()
}

func (e *extensionConn) closeStatus() (websocket.StatusCode, string) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if !e.closeSet {
		return websocket.StatusNormalClosure, ""
	}
	return e.closeCode, e.closeReason
}

// send enqueues a frame for the extension writer. Forwarded commands are
// droppable so a wedged extension surfaces as "extension busy" instead of
// unbounded memory growth; control frames bypass the cap.
func (e *extensionConn) send(frame []byte, droppable bool) bool {
	return e.queue.push(frame, droppable)
}

// protocolViolation closes the extension with 1002. The producer is trusted
// code; a malformed frame from it is a bug, not input to tolerate.
func (e *extensionConn) protocolViolation(reason string) {
	e.relay.counters.ProtocolErrors.Add(1)
	e.log.Error("extension protocol violation", "reason", reason)
	e.beginClose(websocket.StatusProtocolError, reason)
}

// handleExtensionFrame dispatches one frame from the extension: responses
// resolve pending commands, forwardCDPEvent frames unwrap into the session
// router, log and ping/pong are consumed here.
func (r *Relay) handleExtensionFrame(e *extensionConn, data []byte) {
	r.logTraffic("extension->relay", data)
	msg, err := parseCDP(data)
	if err != nil {
		e.protocolViolation("non-JSON frame")
		return
	}
	switch {
	case msg.isResponse():
		r.routeResponse(msg, data)
	case msg.Method == methodForwardEvent:
		var ev forwardedEvent
		if err := json.Unmarshal(msg.Params, &ev); err != nil || ev.Method == "" {
			e.protocolViolation("malformed forwardCDPEvent")
			return
		}
		r.routeForwardedEvent(e, &ev)
	case msg.Method == methodPong:
		e.lastPong.Store(time.Now().UnixNano())
	case msg.Method == methodPing:
		e.send([]byte(`{"method":"pong"}`), false)
	case msg.Method == methodLog:
		e.forwardLog(msg.Params)
	case msg.isEvent():
		// Unwrapped CDP events are not part of the producer protocol.
		r.counters.ProtocolErrors.Add(1)
		e.log.Warn("ignoring unwrapped event from extension", "method", msg.Method)
	default:
		e.protocolViolation("frame is neither response nor event")
	}
}

// routeResponse resolves a pending command and forwards the extension's
// reply under the client's original id, everything else byte-faithful.
func (r *Relay) routeResponse(msg *cdpMessage, data []byte) {
	r.mu.Lock()
	p, ok := r.takePendingLocked(*msg.ID)
	if !ok {
		r.mu.Unlock()
		r.counters.UnmatchedResponses.Add(1)
		r.log.Debug("dropping response with unknown relay id", "relay_id", *msg.ID)
		return
	}
	c, ok := r.clients[p.clientID]
	if !ok {
		r.mu.Unlock()
		r.counters.UnmatchedResponses.Add(1)
		return
	}
	frame, err := rewriteID(data, p.originalID)
	if err != nil {
		r.mu.Unlock()
		c.log.Error("rewrite response id", "err", err)
		return
	}
	c.send(frame, false)
	r.mu.Unlock()
	r.logTraffic("relay->client", frame)
}

// routeForwardedEvent unwraps an extension event and routes it: target
// lifecycle frames maintain the synthetic target, session-scoped events go
// to the owning client, browser-level events broadcast to everyone.
func (r *Relay) routeForwardedEvent(e *extensionConn, ev *forwardedEvent) {
	switch ev.Method {
	case "Target.attachedToTarget":
		r.handleTargetAnnouncement(e, ev)
		return
	case "Target.targetInfoChanged":
		r.refreshTarget(ev)
		return
	case "Target.detachedFromTarget":
		r.handleExtensionDetach(ev)
		return
	case "Page.frameNavigated":
		r.refreshNavigationHint(ev)
	}

	var params any
	if len(ev.Params) > 0 {
		params = ev.Params
	}
	frame, err := json.Marshal(eventFrame{Method: ev.Method, SessionID: ev.SessionID, Params: params})
	if err != nil {
		e.log.Error("marshal forwarded event", "err", err, "method", ev.Method)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.SessionID == "" {
		for _, c := range r.clients {
			c.send(frame, true)
		}
		return
	}
	b, ok := r.sessions[ev.SessionID]
	if !ok {
		r.counters.DroppedEvents.Add(1)
		r.log.Debug("dropping event for unowned session", "method", ev.Method, "session_id", ev.SessionID)
		return
	}
	if c, ok := r.clients[b.clientID]; ok {
		c.send(frame, true)
	}
}

// handleTargetAnnouncement installs the synthetic target. The first
// announcement completes the extension handshake and notifies clients that
// asked for discovery or auto-attach.
func (r *Relay) handleTargetAnnouncement(e *extensionConn, ev *forwardedEvent) {
	var p struct {
		TargetInfo targetInfo `json:"targetInfo"`
		UserAgent  string     `json:"userAgent"`
		Product    string     `json:"product"`
	}
	if len(ev.Params) > 0 {
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			e.protocolViolation("malformed target announcement")
			return
		}
	}
	first := !e.announced.Swap(true)

	r.mu.Lock()
	r.setTargetLocked(p.TargetInfo)
	if p.UserAgent != "" {
		r.version.UserAgent = p.UserAgent
	}
	if p.Product != "" {
		r.version.Product = p.Product
	}
	info, _ := r.targetInfoLocked()
	if first {
		for _, c := range r.clients {
			if c.discover {
				c.sendEvent("Target.targetCreated", "", map[string]any{"targetInfo": info})
			}
			if c.autoAttach {
				b := r.bindSessionLocked(c, c.waitOnAttach)
				c.sendEvent("Target.attachedToTarget", "", r.attachEventParamsLocked(b))
			}
		}
	}
	r.mu.Unlock()

	e.log.Info("extension announced target", "target_id", info.TargetID, "url", info.URL)
}

// refreshTarget applies a Target.targetInfoChanged update and replays it to
// clients that enabled discovery.
func (r *Relay) refreshTarget(ev *forwardedEvent) {
	var p struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	r.mu.Lock()
	if r.target == nil {
		r.mu.Unlock()
		return
	}
	r.setTargetLocked(p.TargetInfo)
	info, _ := r.targetInfoLocked()
	for _, c := range r.clients {
		if c.discover {
			c.sendEvent("Target.targetInfoChanged", "", map[string]any{"targetInfo": info})
		}
	}
	r.mu.Unlock()
}

// handleExtensionDetach routes a detach for a relay-owned session to its
// owner and drops the binding; detaches for sessions the relay never minted
// are extension-internal and consumed.
func (r *Relay) handleExtensionDetach(ev *forwardedEvent) {
	sessionID := gjson.GetBytes(ev.Params, "sessionId").String()
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	r.unbindSessionLocked(b)
	if c, ok := r.clients[b.clientID]; ok {
		c.sendEvent("Target.detachedFromTarget", "", map[string]string{
			"sessionId": b.id,
			"targetId":  b.targetID,
		})
	}
}

// refreshNavigationHint keeps the synthetic target URL current from
// top-frame navigations. The event itself still routes normally.
func (r *Relay) refreshNavigationHint(ev *forwardedEvent) {
	if gjson.GetBytes(ev.Params, "frame.parentId").Exists() {
		return // subframe navigation
	}
	url := gjson.GetBytes(ev.Params, "frame.url").String()
	if url == "" {
		return
	}
	r.mu.Lock()
	if r.target != nil {
		r.target.info.URL = url
	}
	r.mu.Unlock()
}

// forwardLog surfaces extension-side diagnostics through the relay logger.
func (e *extensionConn) forwardLog(params json.RawMessage) {
	var p extensionLog
	if err := json.Unmarshal(params, &p); err != nil {
		e.log.Debug("unparseable extension log frame", "err", err)
		return
	}
	level := slog.LevelInfo
	switch p.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	e.log.Log(context.Background(), level, "extension log", "args", string(p.Args))
}
