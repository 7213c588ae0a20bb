package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// closeGrace bounds how long a connection may spend draining its send
// queue once it is asked to close.
const closeGrace = 2 * time.Second

// clientConn is one automation client on the client endpoint. A reader
// goroutine feeds frames to the relay, a writer goroutine drains the send
// queue, and a keepalive goroutine pings at the configured interval.
type clientConn struct {
	id         string
	remoteAddr string
	relay      *Relay
	conn       *websocket.Conn
	queue      *sendQueue
	log        *slog.Logger

	// guarded by relay.mu
	state        connState
	sessions     map[string]struct{}
	pending      map[int64]struct{}
	discover     bool
	autoAttach   bool
	waitOnAttach bool

	closeMu     sync.Mutex
	closeSet    bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newClientConn(r *Relay, conn *websocket.Conn, remoteAddr string) *clientConn {
	id := uuid.NewString()
	return &clientConn{
		id:         id,
		remoteAddr: remoteAddr,
		relay:      r,
		conn:       conn,
		queue:      newSendQueue(r.cfg.MaxClientQueueBytes, r.cfg.MaxClientQueueFrames),
		log:        r.log.With("client_id", id),
		state:      stateConnecting,
		sessions:   make(map[string]struct{}),
		pending:    make(map[int64]struct{}),
	}
}

// run owns the connection until it dies: reader in this goroutine, writer
// and keepalive alongside. On exit the registry entry is gone, the backlog
// has been given closeGrace to flush, and the socket is torn down.
func (c *clientConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	go c.keepalive(ctx)

	c.readLoop(ctx)

	c.relay.removeClient(c)
	c.queue.finish()
	select {
	case <-writerDone:
	case <-time.After(closeGrace):
	}
	_ = c.conn.CloseNow()
	c.relay.mu.Lock()
	c.state = stateClosed
	c.relay.mu.Unlock()
}

func (c *clientConn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.relay.counters.ProtocolErrors.Add(1)
			c.log.Debug("dropping binary frame from client")
			continue
		}
		c.relay.handleClientFrame(c, data)
	}
}

func (c *clientConn) writeLoop(ctx context.Context) {
	for {
		frame, err := c.queue.next(ctx)
		if err != nil {
			if errors.Is(err, errQueueClosed) {
				code, reason := c.closeStatus()
				_ = c.conn.Close(code, reason)
			}
			return
		}
		if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}
}

// keepalive pings on the protocol level; CDP libraries answer pongs
// transparently while they read. A peer that produces no pong within two
// intervals is dead. Ping waits for the pong, so one outstanding ping at a
// time covers the two-interval window.
func (c *clientConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.relay.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*c.relay.cfg.PingInterval)
		err := c.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("client unresponsive to pings, terminating")
			_ = c.conn.CloseNow()
			return
		}
	}
}

// beginClose records the close status for the writer and stops intake; the
// writer performs the close handshake once the backlog is flushed.
func (c *clientConn) beginClose(code websocket.StatusCode, reason string) {
	c.closeMu.Lock()
	if !c.closeSet {
		c.closeSet = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.closeMu.Unlock()
	c.queue.finish()
}

func (c *clientConn) closeStatus() (websocket.StatusCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closeSet {
		return websocket.StatusNormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

// send enqueues a frame for the writer. Droppable frames are events; they
// are counted when the backpressure cap discards them. Never blocks, safe
// under relay.mu.
func (c *clientConn) send(frame []byte, droppable bool) {
	if !c.queue.push(frame, droppable) && droppable {
		c.relay.counters.DroppedEvents.Add(1)
	}
}

func (c *clientConn) sendResult(id int64, sessionID string, result any) {
	frame, err := json.Marshal(responseFrame{ID: id, SessionID: sessionID, Result: result})
	if err != nil {
		c.log.Error("marshal response", "err", err)
		return
	}
	c.send(frame, false)
}

func (c *clientConn) sendError(id int64, sessionID string, code int, message string) {
	frame, err := json.Marshal(errorFrame{ID: id, SessionID: sessionID, Error: &cdpError{Code: code, Message: message}})
	if err != nil {
		c.log.Error("marshal error response", "err", err)
		return
	}
	c.send(frame, false)
}

func (c *clientConn) sendEvent(method, sessionID string, params any) {
	frame, err := json.Marshal(eventFrame{Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		c.log.Error("marshal event", "err", err, "method", method)
		return
	}
	c.send(frame, true)
}
