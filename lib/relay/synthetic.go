package relay

import "encoding/json"

// handleSynthetic answers the target-discovery surface locally so that
// unmodified CDP clients can drive the one page the extension exposes. It
// reports whether the method was handled. Replies are enqueued before any
// events they imply, so clients always observe response-then-event order.
func (r *Relay) handleSynthetic(c *clientConn, msg *cdpMessage) bool {
	id := *msg.ID
	switch msg.Method {
	case "Browser.getVersion":
		r.mu.Lock()
		v := r.version
		r.mu.Unlock()
		c.sendResult(id, msg.SessionID, v)
	case "Browser.setDownloadBehavior":
		c.sendResult(id, msg.SessionID, struct{}{})
	case "Target.setDiscoverTargets":
		r.syntheticSetDiscoverTargets(c, id, msg.Params)
	case "Target.getTargets":
		r.syntheticGetTargets(c, id, msg.SessionID)
	case "Target.getTargetInfo":
		r.syntheticGetTargetInfo(c, id, msg.SessionID, msg.Params)
	case "Target.attachToTarget":
		r.syntheticAttachToTarget(c, id, msg.Params)
	case "Target.setAutoAttach":
		r.syntheticSetAutoAttach(c, id, msg.SessionID, msg.Params)
	case "Target.detachFromTarget":
		r.syntheticDetachFromTarget(c, id, msg.SessionID, msg.Params)
	case "Runtime.runIfWaitingForDebugger":
		r.syntheticRunIfWaiting(c, id, msg.SessionID)
	default:
		return false
	}
	r.counters.SyntheticCommands.Add(1)
	return true
}

func (r *Relay) syntheticSetDiscoverTargets(c *clientConn, id int64, params json.RawMessage) {
	var p struct {
		Discover bool `json:"discover"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	r.mu.Lock()
	toggledOn := p.Discover && !c.discover
	c.discover = p.Discover
	info, exists := r.targetInfoLocked()
	c.sendResult(id, "", struct{}{})
	if toggledOn && exists {
		c.sendEvent("Target.targetCreated", "", map[string]any{"targetInfo": info})
	}
	r.mu.Unlock()
}

func (r *Relay) syntheticGetTargets(c *clientConn, id int64, sessionID string) {
	r.mu.Lock()
	infos := make([]targetInfo, 0, 1)
	if info, ok := r.targetInfoLocked(); ok {
		infos = append(infos, info)
	}
	r.mu.Unlock()
	c.sendResult(id, sessionID, map[string]any{"targetInfos": infos})
}

func (r *Relay) syntheticGetTargetInfo(c *clientConn, id int64, sessionID string, params json.RawMessage) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	r.mu.Lock()
	info, ok := r.targetInfoLocked()
	r.mu.Unlock()
	if !ok || (p.TargetID != "" && p.TargetID != info.TargetID) {
		c.sendError(id, sessionID, codeNoSuchTarget, "no such target")
		return
	}
	c.sendResult(id, sessionID, map[string]any{"targetInfo": info})
}

func (r *Relay) syntheticAttachToTarget(c *clientConn, id int64, params json.RawMessage) {
	var p struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"` // accepted and ignored: sessions here are always flat
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	r.mu.Lock()
	info, ok := r.targetInfoLocked()
	if !ok || p.TargetID != info.TargetID {
		r.mu.Unlock()
		c.sendError(id, "", codeNoSuchTarget, "no such target")
		return
	}
	b := r.bindSessionLocked(c, false)
	c.sendResult(id, "", map[string]string{"sessionId": b.id})
	c.sendEvent("Target.attachedToTarget", "", r.attachEventParamsLocked(b))
	r.mu.Unlock()
}

func (r *Relay) syntheticSetAutoAttach(c *clientConn, id int64, sessionID string, params json.RawMessage) {
	var p struct {
		AutoAttach                     bool `json:"autoAttach"`
		WaitForDebuggerOnInitialAttach bool `json:"waitForDebuggerOnInitialAttach"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if sessionID != "" {
		// Session-scoped auto-attach governs nested targets, which never
		// materialize behind a single-page producer. Acknowledge only.
		r.mu.Lock()
		b, ok := r.sessions[sessionID]
		if !ok || b.clientID != c.id {
			r.mu.Unlock()
			c.sendError(id, sessionID, codeSessionNotOwned, "session not owned")
			return
		}
		c.sendResult(id, sessionID, struct{}{})
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	c.autoAttach = p.AutoAttach
	c.waitOnAttach = p.WaitForDebuggerOnInitialAttach
	c.sendResult(id, "", struct{}{})
	if p.AutoAttach {
		if _, ok := r.targetInfoLocked(); ok {
			b := r.bindSessionLocked(c, p.WaitForDebuggerOnInitialAttach)
			c.sendEvent("Target.attachedToTarget", "", r.attachEventParamsLocked(b))
		}
	}
	r.mu.Unlock()
}

func (r *Relay) syntheticDetachFromTarget(c *clientConn, id int64, sessionID string, params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	target := p.SessionID
	if target == "" {
		target = sessionID
	}
	r.mu.Lock()
	b, ok := r.sessions[target]
	if !ok || b.clientID != c.id {
		r.mu.Unlock()
		c.sendError(id, sessionID, codeSessionNotOwned, "session not owned")
		return
	}
	r.unbindSessionLocked(b)
	c.sendResult(id, sessionID, struct{}{})
	c.sendEvent("Target.detachedFromTarget", "", map[string]string{
		"sessionId": b.id,
		"targetId":  b.targetID,
	})
	r.mu.Unlock()
}

// syntheticRunIfWaiting acknowledges Runtime.runIfWaitingForDebugger and
// releases the waiting flag. The extension has no debugger pause to resume,
// so the relay answers for it.
func (r *Relay) syntheticRunIfWaiting(c *clientConn, id int64, sessionID string) {
	r.mu.Lock()
	if sessionID != "" {
		b, ok := r.sessions[sessionID]
		if !ok || b.clientID != c.id {
			r.mu.Unlock()
			c.sendError(id, sessionID, codeSessionNotOwned, "session not owned")
			return
		}
		b.waitingForDebugger = false
	}
	c.sendResult(id, sessionID, struct{}{})
	r.mu.Unlock()
}

// attachEventParamsLocked builds Target.attachedToTarget params for a fresh
// binding. Caller holds r.mu.
func (r *Relay) attachEventParamsLocked(b *sessionBinding) map[string]any {
	info, _ := r.targetInfoLocked()
	return map[string]any{
		"sessionId":          b.id,
		"targetInfo":         info,
		"waitingForDebugger": b.waitingForDebugger,
	}
}
