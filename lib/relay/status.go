package relay

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/onkernel/cdp-relay/lib/logger"
)

// relayCounters are the run-long tallies. Mutated throughout the relay,
// read by the status surface and at shutdown.
type relayCounters struct {
	DroppedEvents         atomic.Uint64
	TimedOutCommands      atomic.Uint64
	ExtensionReplacements atomic.Uint64
	ForwardedCommands     atomic.Uint64
	SyntheticCommands     atomic.Uint64
	UnmatchedResponses    atomic.Uint64
	ProtocolErrors        atomic.Uint64
	RejectedUpgrades      atomic.Uint64
}

// Status is the GET /extension/status body.
type Status struct {
	Connected   bool           `json:"connected"`
	Clients     int            `json:"clients"`
	ExtensionID string         `json:"extensionId,omitempty"`
	Counters    StatusCounters `json:"counters"`
}

type StatusCounters struct {
	DroppedEvents         uint64 `json:"droppedEvents"`
	TimedOutCommands      uint64 `json:"timedOutCommands"`
	ExtensionReplacements uint64 `json:"extensionReplacements"`
}

// Status reports the current connection state and counters.
func (r *Relay) Status() Status {
	r.mu.Lock()
	st := Status{
		Connected: r.ext != nil,
		Clients:   len(r.clients),
	}
	if r.ext != nil {
		st.ExtensionID = r.ext.extensionID
	}
	r.mu.Unlock()
	st.Counters = StatusCounters{
		DroppedEvents:         r.counters.DroppedEvents.Load(),
		TimedOutCommands:      r.counters.TimedOutCommands.Load(),
		ExtensionReplacements: r.counters.ExtensionReplacements.Load(),
	}
	return st
}

func (r *Relay) handleStatus(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
		log.Debug("status write failed", "err", err)
	}
}
