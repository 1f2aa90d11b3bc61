// Package httpconnect implements the HTTP CONNECT proxy-traversal state
// machine and its pluggable authentication strategies (Basic, Digest, and
// a platform NTLM/Negotiate hook).
package httpconnect

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Status is an AuthStrategy's authentication progress.
type Status int

const (
	StatusAuthenticating Status = iota
	StatusAuthenticated
	StatusAuthFailure
)

// AuthStrategy is the contract every HTTP proxy auth scheme implements:
// Status, Support, ProcessResponse and PopulateRequest, plus Name.
type AuthStrategy interface {
	Name() string
	Status() Status
	// Support reports whether this strategy applies to the given challenge
	// response (inspects WWW-Authenticate/Proxy-Authenticate).
	Support(resp *http.Response) bool
	// ProcessResponse mutates internal state in reaction to a 401/407 (or
	// final success/failure) response.
	ProcessResponse(resp *http.Response)
	// PopulateRequest adds the Authorization/Proxy-Authorization header.
	PopulateRequest(req *http.Request)
}

func headerValueBeginsWith(resp *http.Response, name, prefix string) bool {
	for _, v := range resp.Header.Values(name) {
		if strings.HasPrefix(strings.TrimSpace(v), prefix) {
			return true
		}
	}
	return false
}

// proxyAuthentication reports whether the challenge came via
// Proxy-Authenticate (proxy auth) as opposed to WWW-Authenticate (origin
// auth relayed through the proxy).
func proxyAuthentication(resp *http.Response) bool {
	return resp.Header.Get("Proxy-Authenticate") != ""
}

func authHeaderName(isProxyAuth bool) string {
	if isProxyAuth {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// Credentials carries the username/password (and domain, for NTLM/Negotiate)
// used to populate any strategy.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// BasicStrategy implements HTTP Basic auth: a single round trip carrying
// base64(username:password).
type BasicStrategy struct {
	creds            Credentials
	status           Status
	requestPopulated bool
	isProxyAuth      bool
}

func NewBasicStrategy(creds Credentials) *BasicStrategy {
	return &BasicStrategy{creds: creds, status: StatusAuthenticating}
}

func (s *BasicStrategy) Name() string { return "Basic" }
func (s *BasicStrategy) Status() Status { return s.status }

func (s *BasicStrategy) Support(resp *http.Response) bool {
	return !s.requestPopulated &&
		(headerValueBeginsWith(resp, "Proxy-Authenticate", "Basic") ||
			headerValueBeginsWith(resp, "WWW-Authenticate", "Basic"))
}

func (s *BasicStrategy) ProcessResponse(resp *http.Response) {
	if resp.StatusCode == http.StatusOK {
		s.status = StatusAuthenticated
		return
	}
	if !s.Support(resp) {
		s.status = StatusAuthFailure
		return
	}
	s.isProxyAuth = proxyAuthentication(resp)
}

func (s *BasicStrategy) PopulateRequest(req *http.Request) {
	token := base64.StdEncoding.EncodeToString([]byte(s.creds.Username + ":" + s.creds.Password))
	req.Header.Set(authHeaderName(s.isProxyAuth), "Basic "+token)
	s.requestPopulated = true
}

// qop values for Digest.
type qop int

const (
	qopNone qop = iota
	qopAuth
	qopAuthInt
)

// DigestStrategy implements RFC 2617 Digest auth: challenge parsing,
// per-request cnonce and nonce-count tracking, and the MD5 response
// computation (including the md5-sess and auth-int variants).
type DigestStrategy struct {
	creds            Credentials
	status           Status
	requestPopulated bool
	isProxyAuth      bool

	challenge  map[string]string
	qop        qop
	cnonce     string
	nonceCount uint32
}

func NewDigestStrategy(creds Credentials) *DigestStrategy {
	return &DigestStrategy{creds: creds, status: StatusAuthenticating}
}

func (s *DigestStrategy) Name() string { return "Digest" }
func (s *DigestStrategy) Status() Status { return s.status }

func (s *DigestStrategy) Support(resp *http.Response) bool {
	return !s.requestPopulated &&
		(headerValueBeginsWith(resp, "Proxy-Authenticate", "Digest") ||
			headerValueBeginsWith(resp, "WWW-Authenticate", "Digest"))
}

func (s *DigestStrategy) ProcessResponse(resp *http.Response) {
	if resp.StatusCode == http.StatusOK {
		s.status = StatusAuthenticated
		return
	}
	if !s.Support(resp) {
		s.status = StatusAuthFailure
		return
	}
	s.isProxyAuth = proxyAuthentication(resp)
	headerName := "Proxy-Authenticate"
	if !s.isProxyAuth {
		headerName = "WWW-Authenticate"
	}
	s.challenge = parseDigestChallenge(resp.Header.Get(headerName))
	switch s.challenge["qop"] {
	case "auth-int":
		s.qop = qopAuthInt
	case "auth":
		s.qop = qopAuth
	default:
		s.qop = qopNone
	}
	s.cnonce = generateCnonce()
	s.nonceCount = 0
}

// parseDigestChallenge parses the comma-separated key="value" (or bare
// value) pairs of a WWW-Authenticate/Proxy-Authenticate: Digest header.
func parseDigestChallenge(header string) map[string]string {
	out := map[string]string{}
	header = strings.TrimPrefix(strings.TrimSpace(header), "Digest")
	for _, part := range splitDigestParams(header) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitDigestParams splits on commas that are not inside a quoted value.
func splitDigestParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func generateCnonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}

func (s *DigestStrategy) a1() string {
	realm := s.challenge["realm"]
	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", s.creds.Username, realm, s.creds.Password))
	if s.challenge["algorithm"] == "MD5-sess" {
		ha1 = md5hex(fmt.Sprintf("%s:%s:%s", ha1, s.challenge["nonce"], s.cnonce))
	}
	return ha1
}

func (s *DigestStrategy) a2(method, uri string) string {
	if s.qop == qopAuthInt {
		// auth-int also covers H(entity-body); a CONNECT request has no body.
		return md5hex(fmt.Sprintf("%s:%s:%s", method, uri, md5hex("")))
	}
	return md5hex(fmt.Sprintf("%s:%s", method, uri))
}

func (s *DigestStrategy) PopulateRequest(req *http.Request) {
	s.nonceCount++
	nc := fmt.Sprintf("%08x", s.nonceCount)
	// For CONNECT the digest-uri is the authority form ("host:port"), the
	// same form the request line carries.
	uri := req.URL.Opaque
	if uri == "" {
		uri = req.URL.Path
	}
	if uri == "" && req.Method == http.MethodConnect {
		uri = req.URL.Host
	}
	if uri == "" {
		uri = "/"
	}
	a1 := s.a1()
	a2 := s.a2(req.Method, uri)

	var response string
	switch s.qop {
	case qopAuth, qopAuthInt:
		response = md5hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", a1, s.challenge["nonce"], nc, s.cnonce, qopString(s.qop), a2))
	default:
		response = md5hex(fmt.Sprintf("%s:%s:%s", a1, s.challenge["nonce"], a2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		s.creds.Username, s.challenge["realm"], s.challenge["nonce"], uri, response)
	if s.qop != qopNone {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, qopString(s.qop), nc, s.cnonce)
	}
	if opaque, ok := s.challenge["opaque"]; ok {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	if algo, ok := s.challenge["algorithm"]; ok {
		fmt.Fprintf(&b, `, algorithm=%s`, algo)
	}
	req.Header.Set(authHeaderName(s.isProxyAuth), b.String())
	s.requestPopulated = true
}

func qopString(q qop) string {
	if q == qopAuthInt {
		return "auth-int"
	}
	return "auth"
}

// PlatformAuthImpl is the NTLM/Negotiate token-exchange primitive, kept
// behind an interface so Basic/Digest keep working where neither SSPI nor
// GSSAPI is available. This build ships the portable no-op fallback only;
// a real Windows build would back it with SSPI.
type PlatformAuthImpl interface {
	Init() error
	ProcessServerToken(token []byte) error
	GetAuthToken() ([]byte, error)
	Available() bool
}

// noopPlatformAuth is the fallback PlatformAuthImpl used on every platform
// this module targets: it reports itself unavailable so NTLM/Negotiate are
// skipped in the auth strategy ordering and Basic/Digest still work.
type noopPlatformAuth struct{}

func (noopPlatformAuth) Init() error { return fmt.Errorf("platform auth not available") }
func (noopPlatformAuth) ProcessServerToken([]byte) error {
	return fmt.Errorf("platform auth not available")
}
func (noopPlatformAuth) GetAuthToken() ([]byte, error) {
	return nil, fmt.Errorf("platform auth not available")
}
func (noopPlatformAuth) Available() bool { return false }

// DefaultPlatformAuth is the PlatformAuthImpl used by NTLM/Negotiate
// strategies when none is explicitly supplied.
var DefaultPlatformAuth PlatformAuthImpl = noopPlatformAuth{}

// ntlmNegotiateStrategy is shared scaffolding for NTLM and Negotiate: both
// delegate token exchange to a PlatformAuthImpl and carry the resulting
// base64 token through the auth header across 2-3 round trips.
type ntlmNegotiateStrategy struct {
	name        string
	headerToken string
	platform    PlatformAuthImpl
	status      Status
	isProxyAuth bool
}

func (s *ntlmNegotiateStrategy) Name() string   { return s.name }
func (s *ntlmNegotiateStrategy) Status() Status { return s.status }

func (s *ntlmNegotiateStrategy) Support(resp *http.Response) bool {
	return s.platform.Available() &&
		(headerValueBeginsWith(resp, "Proxy-Authenticate", s.headerToken) ||
			headerValueBeginsWith(resp, "WWW-Authenticate", s.headerToken))
}

func (s *ntlmNegotiateStrategy) ProcessResponse(resp *http.Response) {
	if resp.StatusCode == http.StatusOK {
		s.status = StatusAuthenticated
		return
	}
	if !s.platform.Available() {
		s.status = StatusAuthFailure
		return
	}
	s.isProxyAuth = proxyAuthentication(resp)
	if err := s.platform.Init(); err != nil {
		s.status = StatusAuthFailure
	}
}

func (s *ntlmNegotiateStrategy) PopulateRequest(req *http.Request) {
	token, err := s.platform.GetAuthToken()
	if err != nil {
		return
	}
	req.Header.Set(authHeaderName(s.isProxyAuth), s.headerToken+" "+base64.StdEncoding.EncodeToString(token))
}

// NewNTLMStrategy returns an NTLM AuthStrategy backed by platform (or
// DefaultPlatformAuth, which reports itself unavailable).
func NewNTLMStrategy(platform PlatformAuthImpl) AuthStrategy {
	if platform == nil {
		platform = DefaultPlatformAuth
	}
	return &ntlmNegotiateStrategy{name: "NTLM", headerToken: "NTLM", platform: platform, status: StatusAuthenticating}
}

// NewNegotiateStrategy returns a Negotiate (SPNEGO/Kerberos) AuthStrategy
// backed by platform (or DefaultPlatformAuth).
func NewNegotiateStrategy(platform PlatformAuthImpl) AuthStrategy {
	if platform == nil {
		platform = DefaultPlatformAuth
	}
	return &ntlmNegotiateStrategy{name: "Negotiate", headerToken: "Negotiate", platform: platform, status: StatusAuthenticating}
}
