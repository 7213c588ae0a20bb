package relay

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const extensionOriginPrefix = "chrome-extension://"

// Chrome encodes extension ids as 32 characters drawn from a-p.
var extensionIDPattern = regexp.MustCompile(`^[a-p]{32}$`)

// DefaultExtensionIDs is the compile-time allowlist: the published extension
// id followed by the unpacked development builds.
var DefaultExtensionIDs = []string{
	"jfeammnjpkecdekppnclgkkffahnhfhe",
	"eohjcnbdgkalmpifenhbodjcmkagilpf",
	"mlbcdafgnpihejkomlcbdafgnpihejko",
}

// authError carries the HTTP status for a refused upgrade and a short
// category for logs. The detail never echoes presented credentials.
type authError struct {
	status   int
	category string
	detail   string
}

func (e *authError) Error() string { return e.detail }

// gate validates upgrade requests before any WebSocket handshake happens:
// shared token on the client endpoint, extension-id allowlist on the
// extension endpoint.
type gate struct {
	token      string
	extensions map[string]struct{}
}

func newGate(token string, extensionIDs []string) (*gate, error) {
	g := &gate{token: token, extensions: make(map[string]struct{}, len(extensionIDs))}
	for _, id := range extensionIDs {
		if !extensionIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid extension id %q", id)
		}
		g.extensions[id] = struct{}{}
	}
	return g, nil
}

// checkClient authorizes a client upgrade by its token query parameter.
// With no configured token every client is accepted (localhost trust).
func (g *gate) checkClient(r *http.Request) *authError {
	if g.token == "" {
		return nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return &authError{status: http.StatusUnauthorized, category: "no-token", detail: "missing token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		return &authError{status: http.StatusUnauthorized, category: "bad-token", detail: "token mismatch"}
	}
	return nil
}

// checkExtension authorizes an extension upgrade by its Origin header and
// returns the allowlisted extension id.
func (g *gate) checkExtension(r *http.Request) (string, *authError) {
	origin := r.Header.Get("Origin")
	if !strings.HasPrefix(origin, extensionOriginPrefix) {
		return "", &authError{status: http.StatusForbidden, category: "bad-origin", detail: "origin is not a chrome extension"}
	}
	id := strings.TrimSuffix(strings.TrimPrefix(origin, extensionOriginPrefix), "/")
	if _, ok := g.extensions[id]; !ok {
		return "", &authError{status: http.StatusForbidden, category: "unknown-ext", detail: "extension id not in allowlist"}
	}
	return id, nil
}
