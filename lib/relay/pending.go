package relay

import "time"

// pendingCommand correlates one forwarded command with its originator. The
// relay-scoped id replaces the client's own id on the wire so concurrent
// clients cannot collide; responses are rewritten back on the way out.
type pendingCommand struct {
	relayID    int64
	clientID   string
	originalID int64
	method     string
	sessionID  string
	deadline   time.Time
}

// registerPendingLocked files a forwarded command and returns its relay id.
// Caller holds r.mu.
func (r *Relay) registerPendingLocked(c *clientConn, originalID int64, method, sessionID string) int64 {
	relayID := r.nextRelayID.Add(1)
	deadline := r.cfg.CommandTimeout
	if isLongCommand(method) {
		deadline = r.cfg.LongCommandTimeout
	}
	p := &pendingCommand{
		relayID:    relayID,
		clientID:   c.id,
		originalID: originalID,
		method:     method,
		sessionID:  sessionID,
		deadline:   time.Now().Add(deadline),
	}
	r.pending[relayID] = p
	c.pending[relayID] = struct{}{}
	return relayID
}

// takePendingLocked removes and returns the entry for a relay id. Caller
// holds r.mu.
func (r *Relay) takePendingLocked(relayID int64) (*pendingCommand, bool) {
	p, ok := r.pending[relayID]
	if !ok {
		return nil, false
	}
	delete(r.pending, relayID)
	if c, ok := r.clients[p.clientID]; ok {
		delete(c.pending, relayID)
	}
	return p, true
}

// dropClientPendingLocked discards every pending command a departing client
// owns. The entries resolve as synthesized "connection closed" errors; with
// the owner gone there is nobody left to deliver them to. Caller holds r.mu.
func (r *Relay) dropClientPendingLocked(c *clientConn) {
	for relayID := range c.pending {
		delete(r.pending, relayID)
	}
	c.pending = make(map[int64]struct{})
}

// failAllPendingLocked resolves every in-flight command with the given
// error, delivering a reply under the client's original id. Caller holds
// r.mu.
func (r *Relay) failAllPendingLocked(code int, message string) {
	for relayID, p := range r.pending {
		delete(r.pending, relayID)
		c, ok := r.clients[p.clientID]
		if !ok {
			continue
		}
		delete(c.pending, relayID)
		c.sendError(p.originalID, p.sessionID, code, message)
	}
}

// sweepExpiredPending resolves commands past their deadline with a relay
// timeout error. Runs from the sweep loop.
func (r *Relay) sweepExpiredPending(now time.Time) {
	var timedOut int
	r.mu.Lock()
	for relayID, p := range r.pending {
		if !now.After(p.deadline) {
			continue
		}
		delete(r.pending, relayID)
		timedOut++
		c, ok := r.clients[p.clientID]
		if !ok {
			continue
		}
		delete(c.pending, relayID)
		c.sendError(p.originalID, p.sessionID, codeServerError, "relay timeout")
		r.log.Warn("command timed out", "method", p.method, "client_id", p.clientID, "relay_id", relayID)
	}
	r.mu.Unlock()
	if timedOut > 0 {
		r.counters.TimedOutCommands.Add(uint64(timedOut))
	}
}
