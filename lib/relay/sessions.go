package relay

import "github.com/nrednav/cuid2"

// sessionBinding records which client owns a relay-allocated session id.
// Exactly one client owns a session; events carrying the id route to it.
type sessionBinding struct {
	id                 string
	clientID           string
	targetID           string
	waitingForDebugger bool
}

// syntheticTarget is the relay's view of the one page the extension
// exposes. It exists from extension handshake to extension disconnect.
type syntheticTarget struct {
	info targetInfo
}

func defaultVersionInfo() versionInfo {
	return versionInfo{
		ProtocolVersion: "1.3",
		Product:         "Chrome/CDP-Relay",
		Revision:        "1",
		UserAgent:       "CDP-Relay",
		JSVersion:       "V8",
	}
}

// setTargetLocked installs or refreshes the synthetic target from an
// extension announcement. Missing fields keep relay defaults; a missing
// targetId is minted once per extension connection. Caller holds r.mu.
func (r *Relay) setTargetLocked(info targetInfo) {
	if info.TargetID == "" {
		if r.target != nil {
			info.TargetID = r.target.info.TargetID
		} else {
			info.TargetID = cuid2.Generate()
		}
	}
	if info.Type == "" {
		info.Type = "page"
	}
	if info.URL == "" {
		info.URL = "about:blank"
	}
	r.target = &syntheticTarget{info: info}
}

// targetInfoLocked returns the synthetic target with its attached flag
// reflecting current session bindings. Caller holds r.mu.
func (r *Relay) targetInfoLocked() (targetInfo, bool) {
	if r.target == nil {
		return targetInfo{}, false
	}
	info := r.target.info
	info.Attached = false
	for _, b := range r.sessions {
		if b.targetID == info.TargetID {
			info.Attached = true
			break
		}
	}
	return info, true
}

// bindSessionLocked attaches a client to the synthetic target under a fresh
// session id. Caller holds r.mu.
func (r *Relay) bindSessionLocked(c *clientConn, waitingForDebugger bool) *sessionBinding {
	b := &sessionBinding{
		id:                 newSessionID(),
		clientID:           c.id,
		targetID:           r.target.info.TargetID,
		waitingForDebugger: waitingForDebugger,
	}
	r.sessions[b.id] = b
	c.sessions[b.id] = struct{}{}
	return b
}

// unbindSessionLocked removes one session binding. Caller holds r.mu.
func (r *Relay) unbindSessionLocked(b *sessionBinding) {
	delete(r.sessions, b.id)
	if c, ok := r.clients[b.clientID]; ok {
		delete(c.sessions, b.id)
	}
}

// dropClientSessionsLocked clears every binding a departing client owns.
// Caller holds r.mu.
func (r *Relay) dropClientSessionsLocked(c *clientConn) {
	for id := range c.sessions {
		delete(r.sessions, id)
	}
	c.sessions = make(map[string]struct{})
}

// dropAllSessionsLocked clears every binding, notifying each owner that its
// session detached. Used when the extension goes away. Caller holds r.mu.
func (r *Relay) dropAllSessionsLocked() {
	for id, b := range r.sessions {
		delete(r.sessions, id)
		if c, ok := r.clients[b.clientID]; ok {
			delete(c.sessions, id)
			c.sendEvent("Target.detachedFromTarget", "", map[string]string{
				"sessionId": id,
				"targetId":  b.targetID,
			})
		}
	}
}
