package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// CDP error codes synthesized by the relay. -32000 is the generic server
// error Chrome itself uses for runtime failures.
const (
	codeServerError     = -32000
	codeSessionNotOwned = -32001
	codeInvalidRequest  = -32600
	codeNoSuchTarget    = -32602
)

// Out-of-band methods on the extension socket. Real CDP events travel
// wrapped in forwardCDPEvent; log and ping/pong never leave the relay.
const (
	methodForwardEvent = "forwardCDPEvent"
	methodLog          = "log"
	methodPing         = "ping"
	methodPong         = "pong"
)

// cdpMessage is the envelope view of a frame: commands carry id+method,
// responses carry id with result or error, events carry method alone.
// Payloads stay raw so forwarded frames pass through byte-faithful.
type cdpMessage struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *cdpMessage) isCommand() bool  { return m.ID != nil && m.Method != "" }
func (m *cdpMessage) isResponse() bool { return m.ID != nil && m.Method == "" }
func (m *cdpMessage) isEvent() bool    { return m.ID == nil && m.Method != "" }

// forwardedEvent is the payload of a forwardCDPEvent frame: a real CDP
// event wrapped for transport from the extension.
type forwardedEvent struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// extensionLog is the payload of an out-of-band log frame.
type extensionLog struct {
	Level string          `json:"level"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// targetInfo mirrors the Target.TargetInfo fields the relay tracks for the
// one page the extension exposes.
type targetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	CanAccessOpener  bool   `json:"canAccessOpener"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// versionInfo is the Browser.getVersion result, seeded with relay defaults
// and overridden by whatever the extension announces.
type versionInfo struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

type responseFrame struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Result    any    `json:"result"`
}

type errorFrame struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Error     *cdpError `json:"error"`
}

type eventFrame struct {
	Method    string `json:"method"`
	SessionID string `json:"sessionId,omitempty"`
	Params    any    `json:"params,omitempty"`
}

// parseCDP decodes a frame into the envelope view. Unknown fields are
// ignored here; rewriteID preserves them on the forwarded copy.
func parseCDP(data []byte) (*cdpMessage, error) {
	var msg cdpMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// peekID recovers a numeric id from a frame that failed envelope decoding,
// so a best-effort error reply can still reference it.
func peekID(data []byte) (int64, bool) {
	if !gjson.ValidBytes(data) {
		return 0, false
	}
	v := gjson.GetBytes(data, "id")
	if v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

// peekField extracts one top-level field as a string without a full
// decode, for traffic logging.
func peekField(data []byte, key string) string {
	v := gjson.GetBytes(data, key)
	if !v.Exists() {
		return ""
	}
	return v.String()
}

// rewriteID returns a copy of the frame with its id field replaced,
// preserving every other top-level field byte for byte.
func rewriteID(data []byte, id int64) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	return json.Marshal(fields)
}

// newSessionID mints a random 32-char lowercase hex session id.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return hex.EncodeToString(b[:])
}

// longCommandMethods get the extended response deadline: navigation and
// rendering round-trips routinely outlive the default.
var longCommandMethods = map[string]struct{}{
	"Page.navigate":          {},
	"Page.reload":            {},
	"Page.captureScreenshot": {},
	"Page.printToPDF":        {},
	"Runtime.evaluate":       {},
	"Runtime.callFunctionOn": {},
}

func isLongCommand(method string) bool {
	_, ok := longCommandMethods[method]
	return ok
}
