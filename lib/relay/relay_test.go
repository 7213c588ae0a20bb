package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testExtensionID     = "jfeammnjpkecdekppnclgkkffahnhfhe"
	testExtensionOrigin = "chrome-extension://" + testExtensionID
	testTargetID        = "6A5B9C0D1E2F30415263748596A7B8C9"
)

var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRelay hosts a relay behind an httptest server. Cleanup shuts the relay
// down before the server so handler goroutines drain first.
type testRelay struct {
	relay *Relay
	srv   *httptest.Server
}

func newTestRelay(t testing.TB, cfg Config) *testRelay {
	t.Helper()
	return newTestRelayWithLogger(t, cfg, silentLogger())
}

func newTestRelayWithLogger(t testing.TB, cfg Config, log *slog.Logger) *testRelay {
	t.Helper()
	r, err := New(cfg, log)
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(srv.Client().CloseIdleConnections)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return &testRelay{relay: r, srv: srv}
}

func (tr *testRelay) wsURL(path, query string) string {
	u, err := url.Parse(tr.srv.URL)
	if err != nil {
		panic(err)
	}
	u.Scheme = "ws"
	u.Path = path
	u.RawQuery = query
	return u.String()
}

func dialClient(t testing.TB, ctx context.Context, tr *testRelay, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, tr.wsURL("/cdp", query), &websocket.DialOptions{
		HTTPClient: tr.srv.Client(),
	})
	require.NoError(t, err)
	conn.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func dialExtension(t testing.TB, ctx context.Context, tr *testRelay) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, tr.wsURL("/extension", ""), &websocket.DialOptions{
		HTTPClient: tr.srv.Client(),
		HTTPHeader: http.Header{"Origin": []string{testExtensionOrigin}},
	})
	require.NoError(t, err)
	conn.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// announceTargetID performs the extension handshake for the given target id
// and URL. The relay exposes no targets until this frame is processed.
func announceTargetID(t testing.TB, ctx context.Context, ext *websocket.Conn, targetID, pageURL string) {
	t.Helper()
	frame := fmt.Sprintf(`{"method":"forwardCDPEvent","params":{"method":"Target.attachedToTarget","params":{"targetInfo":{"targetId":%q,"type":"page","title":"Example","url":%q},"userAgent":"Mozilla/5.0 (RelayTest)"}}}`, targetID, pageURL)
	require.NoError(t, ext.Write(ctx, websocket.MessageText, []byte(frame)))
}

func announceTarget(t testing.TB, ctx context.Context, ext *websocket.Conn) {
	t.Helper()
	announceTargetID(t, ctx, ext, testTargetID, "https://example.com/")
}

func sendText(t testing.TB, ctx context.Context, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

// readFrame returns the next text frame, parsed for gjson assertions.
func readFrame(t testing.TB, ctx context.Context, conn *websocket.Conn) gjson.Result {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(readCtx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	return gjson.ParseBytes(data)
}

// readExtensionFrame skips relay keepalive pings, which interleave with
// forwarded traffic on the extension socket.
func readExtensionFrame(t testing.TB, ctx context.Context, ext *websocket.Conn) gjson.Result {
	t.Helper()
	for {
		frame := readFrame(t, ctx, ext)
		if frame.Get("method").String() == methodPing {
			continue
		}
		return frame
	}
}

// attachSession drives Target.attachToTarget for the synthetic target and
// returns the allocated session id, consuming the attach event.
func attachSession(t testing.TB, ctx context.Context, client *websocket.Conn, id int64) string {
	t.Helper()
	sendText(t, ctx, client, fmt.Sprintf(`{"id":%d,"method":"Target.attachToTarget","params":{"targetId":%q,"flatten":true}}`, id, testTargetID))
	resp := readFrame(t, ctx, client)
	require.EqualValues(t, id, resp.Get("id").Int())
	sessionID := resp.Get("result.sessionId").String()
	require.Regexp(t, sessionIDPattern, sessionID)
	ev := readFrame(t, ctx, client)
	require.Equal(t, "Target.attachedToTarget", ev.Get("method").String())
	require.Equal(t, sessionID, ev.Get("params.sessionId").String())
	return sessionID
}

func getStatus(t testing.TB, tr *testRelay) Status {
	t.Helper()
	resp, err := tr.srv.Client().Get(tr.srv.URL + "/extension/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

// waitFor polls until cond stops returning an error, with the retry cadence
// used across these tests.
func waitFor(t testing.TB, cond func() error) {
	t.Helper()
	err := retry.New(
		retry.Attempts(60),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(cond)
	require.NoError(t, err)
}

// waitForTarget blocks until the extension announcement has been applied.
// Status.Connected flips on admission, before the handshake frame is read,
// so target-dependent tests wait on this instead.
func waitForTarget(t testing.TB, tr *testRelay) {
	t.Helper()
	waitFor(t, func() error {
		tr.relay.mu.Lock()
		defer tr.relay.mu.Unlock()
		if tr.relay.target == nil {
			return errors.New("target not announced yet")
		}
		return nil
	})
}

// Scenario: a client asking for targets before any extension connects gets an
// empty list, not an error.
func TestGetTargetsWithoutExtension(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	client := dialClient(t, ctx, tr, "")
	sendText(t, ctx, client, `{"id":1,"method":"Target.getTargets"}`)
	resp := readFrame(t, ctx, client)
	require.EqualValues(t, 1, resp.Get("id").Int())
	require.True(t, resp.Get("result.targetInfos").IsArray())
	require.Empty(t, resp.Get("result.targetInfos").Array())
}

// Scenario: once the extension announces its page, discovery reports exactly
// one page target.
func TestGetTargetsWithExtension(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	ext := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, ext)
	waitForTarget(t, tr)

	client := dialClient(t, ctx, tr, "")
	sendText(t, ctx, client, `{"id":1,"method":"Target.getTargets"}`)
	resp := readFrame(t, ctx, client)
	require.EqualValues(t, 1, resp.Get("id").Int())
	infos := resp.Get("result.targetInfos").Array()
	require.Len(t, infos, 1)
	require.Equal(t, "page", infos[0].Get("type").String())
	require.Equal(t, testTargetID, infos[0].Get("targetId").String())
	require.Equal(t, "https://example.com/", infos[0].Get("url").String())
}

// Scenario: attaching to the synthetic target yields a 32-hex session id and
// an attachedToTarget event naming it, in that order.
func TestAttachToTarget(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	ext := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, ext)
	waitForTarget(t, tr)
	client := dialClient(t, ctx, tr, "")

	sendText(t, ctx, client, fmt.Sprintf(`{"id":2,"method":"Target.attachToTarget","params":{"targetId":%q,"flatten":true}}`, testTargetID))
	resp := readFrame(t, ctx, client)
	require.EqualValues(t, 2, resp.Get("id").Int())
	sessionID := resp.Get("result.sessionId").String()
	require.Regexp(t, sessionIDPattern, sessionID)

	ev := readFrame(t, ctx, client)
	require.Equal(t, "Target.attachedToTarget", ev.Get("method").String())
	require.Equal(t, sessionID, ev.Get("params.sessionId").String())
	require.Equal(t, testTargetID, ev.Get("params.targetInfo.targetId").String())
	require.True(t, ev.Get("params.targetInfo.attached").Bool())

	// A second client attaches independently and gets its own session.
	other := dialClient(t, ctx, tr, "")
	otherSession := attachSession(t, ctx, other, 2)
	require.NotEqual(t, sessionID, otherSession)
}

// Scenario: a session-scoped command is forwarded under a relay-assigned id
// and the reply comes back under the client's original id.
func TestForwardEvaluateRoundTrip(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	ext := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, ext)
	waitForTarget(t, tr)
	client := dialClient(t, ctx, tr, "")
	sessionID := attachSession(t, ctx, client, 2)

	sendText(t, ctx, client, fmt.Sprintf(`{"id":3,"method":"Runtime.evaluate","sessionId":%q,"params":{"expression":"1+1"}}`, sessionID))

	forwarded := readExtensionFrame(t, ctx, ext)
	require.Equal(t, "Runtime.evaluate", forwarded.Get("method").String())
	require.Equal(t, sessionID, forwarded.Get("sessionId").String())
	require.Equal(t, "1+1", forwarded.Get("params.expression").String())
	relayID := forwarded.Get("id").Int()
	require.NotZero(t, relayID)

	sendText(t, ctx, ext, fmt.Sprintf(`{"id":%d,"sessionId":%q,"result":{"result":{"type":"number","value":2}}}`, relayID, sessionID))

	resp := readFrame(t, ctx, client)
	require.EqualValues(t, 3, resp.Get("id").Int())
	require.EqualValues(t, 2, resp.Get("result.result.value").Int())
}

// Scenario: with a token configured, the wrong token is refused before the
// handshake and the right one is accepted.
func TestClientTokenGate(t *testing.T) {
	tr := newTestRelay(t, Config{Token: "secret-token"})
	ctx := context.Background()

	_, resp, err := websocket.Dial(ctx, tr.wsURL("/cdp", "token=wrong"), &websocket.DialOptions{HTTPClient: tr.srv.Client()})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, tr.wsURL("/cdp", ""), &websocket.DialOptions{HTTPClient: tr.srv.Client()})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client := dialClient(t, ctx, tr, "token=secret-token")
	sendText(t, ctx, client, `{"id":1,"method":"Target.getTargets"}`)
	resp2 := readFrame(t, ctx, client)
	require.EqualValues(t, 1, resp2.Get("id").Int())
}

// Scenario: a second extension displaces the first, which sees a normal
// closure carrying the reason "replaced".
func TestExtensionReplaced(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	extA := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, extA)
	waitForTarget(t, tr)

	extB := dialExtension(t, ctx, tr)
	replacementTarget := "00112233445566778899AABBCCDDEEFF"
	announceTargetID(t, ctx, extB, replacementTarget, "https://example.com/b")

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err := extA.Read(readCtx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.StatusNormalClosure, closeErr.Code)
	require.Contains(t, closeErr.Reason, "replaced")

	require.EqualValues(t, 1, tr.relay.counters.ExtensionReplacements.Load())

	// The replacement is authoritative: discovery serves its target.
	waitForTarget(t, tr)
	client := dialClient(t, ctx, tr, "")
	sendText(t, ctx, client, `{"id":1,"method":"Target.getTargets"}`)
	resp := readFrame(t, ctx, client)
	infos := resp.Get("result.targetInfos").Array()
	require.Len(t, infos, 1)
	require.Equal(t, replacementTarget, infos[0].Get("targetId").String())
}

// Scenario: commands sent while no extension is connected fail immediately
// instead of waiting out the command deadline.
func TestForwardWithoutExtension(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	client := dialClient(t, ctx, tr, "")
	start := time.Now()
	sendText(t, ctx, client, `{"id":4,"method":"Page.navigate","params":{"url":"about:blank"}}`)
	resp := readFrame(t, ctx, client)
	require.Less(t, time.Since(start), 2*time.Second)
	require.EqualValues(t, 4, resp.Get("id").Int())
	require.EqualValues(t, codeServerError, resp.Get("error.code").Int())
	require.Equal(t, "browser not connected", resp.Get("error.message").String())
}

func TestStatusEndpoint(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	st := getStatus(t, tr)
	require.False(t, st.Connected)
	require.Zero(t, st.Clients)
	require.Empty(t, st.ExtensionID)

	dialClient(t, ctx, tr, "")
	ext := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, ext)

	waitFor(t, func() error {
		st := getStatus(t, tr)
		if !st.Connected {
			return errors.New("extension not reflected yet")
		}
		if st.Clients != 1 {
			return fmt.Errorf("want 1 client, got %d", st.Clients)
		}
		if st.ExtensionID != testExtensionID {
			return fmt.Errorf("unexpected extension id %q", st.ExtensionID)
		}
		return nil
	})

	require.NoError(t, ext.Close(websocket.StatusNormalClosure, "done"))
	waitFor(t, func() error {
		if getStatus(t, tr).Connected {
			return errors.New("extension still reported connected")
		}
		return nil
	})
}

// The HTTP surface is the status route and nothing else: unknown paths and
// wrong methods both 404.
func TestHTTPSurface(t *testing.T) {
	tr := newTestRelay(t, Config{})

	resp, err := tr.srv.Client().Get(tr.srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = tr.srv.Client().Post(tr.srv.URL+"/extension/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = tr.srv.Client().Get(tr.srv.URL + "/extension/status/extra")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdown(t *testing.T) {
	tr := newTestRelay(t, Config{})
	ctx := context.Background()

	ext := dialExtension(t, ctx, tr)
	announceTarget(t, ctx, ext)
	waitForTarget(t, tr)
	client := dialClient(t, ctx, tr, "")

	// Leave a command in flight so shutdown has something to drain.
	sendText(t, ctx, client, `{"id":11,"method":"Network.enable","params":{}}`)
	forwarded := readExtensionFrame(t, ctx, ext)
	require.Equal(t, "Network.enable", forwarded.Get("method").String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, tr.relay.Shutdown(shutdownCtx))

	// The pending command resolves before the close frame arrives.
	errResp := readFrame(t, ctx, client)
	require.EqualValues(t, 11, errResp.Get("id").Int())
	require.EqualValues(t, codeServerError, errResp.Get("error.code").Int())
	require.Equal(t, "relay shutdown", errResp.Get("error.message").String())

	readCtx, cancelRead := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRead()
	_, _, err := client.Read(readCtx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	// No endpoint accepts new upgrades.
	_, resp, err := websocket.Dial(ctx, tr.wsURL("/cdp", ""), &websocket.DialOptions{HTTPClient: tr.srv.Client()})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Idempotent.
	require.NoError(t, tr.relay.Shutdown(context.Background()))
}
