// Package auth implements RTSP Basic and Digest authentication (RFC 2617,
// RFC 2069), split the way bluenviron/gortsplib's pkg/auth is: a
// Validate/Validator side and a Sender/client-credential side. This
// package additionally carries qop=auth with nonce-count/cnonce, SHA-256
// as an alternative to MD5, nextnonce rotation via Authentication-Info,
// and a bounded client retry budget.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/corestream/rtsp/pkg/liberrors"
)

// Scheme names the authentication scheme a challenge or credential uses.
type Scheme int

// Supported authentication schemes.
const (
	SchemeBasic Scheme = iota
	SchemeDigest
)

func (s Scheme) String() string {
	if s == SchemeBasic {
		return "Basic"
	}
	return "Digest"
}

// Algorithm names the hash algorithm a Digest exchange uses.
type Algorithm int

// Supported digest algorithms.
const (
	AlgorithmMD5 Algorithm = iota
	AlgorithmSHA256
)

func (a Algorithm) String() string {
	if a == AlgorithmSHA256 {
		return "SHA-256"
	}
	return "MD5"
}

func parseAlgorithm(s string) Algorithm {
	if strings.EqualFold(s, "SHA-256") {
		return AlgorithmSHA256
	}
	return AlgorithmMD5
}

func hashHex(alg Algorithm, in string) string {
	if alg == AlgorithmSHA256 {
		sum := sha256.Sum256([]byte(in))
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum([]byte(in))
	return hex.EncodeToString(sum[:])
}

// GenerateNonce returns a fresh random hex nonce.
func GenerateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateCNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Challenge is the parsed content of one WWW-Authenticate header value.
type Challenge struct {
	Scheme    Scheme
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm Algorithm
	QOP       string // "auth", or "" for RFC 2069 style
}

// ParseChallenges parses every WWW-Authenticate header value offered by a
// server and returns the supported ones in the order given, skipping any it
// cannot use; Best chooses among them.
func ParseChallenges(values []string) ([]Challenge, error) {
	var out []Challenge
	for _, v := range values {
		c, err := parseChallenge(v)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, liberrors.ErrAuth{Msg: "no supported authentication challenge found"}
	}
	return out, nil
}

// Best picks the strongest challenge offered, preferring Digest over Basic.
func Best(challenges []Challenge) Challenge {
	for _, c := range challenges {
		if c.Scheme == SchemeDigest {
			return c
		}
	}
	return challenges[0]
}

func parseChallenge(v string) (Challenge, error) {
	switch {
	case strings.HasPrefix(v, "Digest "):
		params := parseParams(v[len("Digest "):])
		c := Challenge{
			Scheme:    SchemeDigest,
			Realm:     params["realm"],
			Nonce:     params["nonce"],
			Opaque:    params["opaque"],
			Algorithm: parseAlgorithm(params["algorithm"]),
			QOP:       params["qop"],
		}
		if c.Realm == "" || c.Nonce == "" {
			return Challenge{}, fmt.Errorf("incomplete digest challenge")
		}
		// qop may be offered as a comma-separated list; we only support auth.
		if c.QOP != "" && !containsToken(c.QOP, "auth") {
			return Challenge{}, fmt.Errorf("unsupported qop %q", c.QOP)
		}
		if c.QOP != "" {
			c.QOP = "auth"
		}
		return c, nil

	case strings.HasPrefix(v, "Basic "):
		params := parseParams(v[len("Basic "):])
		return Challenge{Scheme: SchemeBasic, Realm: params["realm"]}, nil
	}
	return Challenge{}, fmt.Errorf("unsupported authentication scheme")
}

func containsToken(list, tok string) bool {
	for _, p := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(p), tok) {
			return true
		}
	}
	return false
}

// parseParams parses a comma-separated key=value (optionally quoted) list.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitParams(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[strings.ToLower(k)] = v
	}
	return out
}

// splitParams splits on commas that are not inside double quotes.
func splitParams(s string) []string {
	var out []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// Client drives credential generation for one RTSP connection, retrying
// with a fresh nonce when the server rotates it via Authentication-Info,
// and failing fast once a retry budget is exhausted.
type Client struct {
	Username string
	Password string

	mu        sync.Mutex
	challenge Challenge
	nc        uint32
	retries   int
	maxRetry  int
}

// NewClient builds a Client that will answer the given challenge.
// maxRetry bounds how many 401 rejections OnRejected accepts before it
// returns ErrAuth.
func NewClient(username, password string, challenge Challenge, maxRetry int) *Client {
	if maxRetry <= 0 {
		maxRetry = 1
	}
	return &Client{Username: username, Password: password, challenge: challenge, maxRetry: maxRetry}
}

// Authorize builds the Authorization header value for one request.
func (c *Client) Authorize(method, uri string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.challenge.Scheme {
	case SchemeBasic:
		enc := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		return "Basic " + enc, nil

	case SchemeDigest:
		alg := c.challenge.Algorithm
		ha1 := hashHex(alg, c.Username+":"+c.challenge.Realm+":"+c.Password)
		ha2 := hashHex(alg, method+":"+uri)

		if c.challenge.QOP == "" {
			response := hashHex(alg, ha1+":"+c.challenge.Nonce+":"+ha2)
			return fmt.Sprintf(
				`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
				c.Username, c.challenge.Realm, c.challenge.Nonce, uri, response,
			), nil
		}

		c.nc++
		nc := fmt.Sprintf("%08x", c.nc)
		cnonce, err := generateCNonce()
		if err != nil {
			return "", err
		}

		response := hashHex(alg, strings.Join([]string{ha1, c.challenge.Nonce, nc, cnonce, "auth", ha2}, ":"))

		header := fmt.Sprintf(
			`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", qop=auth, nc=%s, cnonce="%s"`,
			c.Username, c.challenge.Realm, c.challenge.Nonce, uri, response, nc, cnonce,
		)
		if alg == AlgorithmSHA256 {
			header += `, algorithm=SHA-256`
		}
		if c.challenge.Opaque != "" {
			header += fmt.Sprintf(`, opaque="%s"`, c.challenge.Opaque)
		}
		return header, nil
	}

	return "", liberrors.ErrAuth{Msg: "unsupported authentication scheme"}
}

// OnRejected records a 401 response to the most recent request, optionally
// replacing the challenge (the server may have sent a new nonce with
// stale=true) and resetting the nonce-count. It returns ErrAuth once the
// retry budget is exhausted.
func (c *Client) OnRejected(newChallenge *Challenge) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retries++
	if c.retries > c.maxRetry {
		return liberrors.ErrAuth{Msg: "authentication retry budget exhausted"}
	}
	if newChallenge != nil {
		c.challenge = *newChallenge
		c.nc = 0
	}
	return nil
}

// OnAuthenticationInfo applies a server's Authentication-Info header,
// rotating to the next nonce and resetting the nonce-count, per RFC 2617 §3.2.3.
func (c *Client) OnAuthenticationInfo(header string) {
	params := parseParams(header)
	if next, ok := params["nextnonce"]; ok && next != "" {
		c.mu.Lock()
		c.challenge.Nonce = next
		c.nc = 0
		c.mu.Unlock()
	}
}

// nonceState tracks server-side reuse of a single issued nonce.
type nonceState struct {
	reuses int
	stale  bool
}

// Server validates Authorization headers against a set of known users and
// rotates nonces after they have been reused too many times.
type Server struct {
	Realm         string
	Algorithm     Algorithm
	QOP           string
	MaxNonceReuse int
	Users         func(username string) (password string, ok bool)

	mu     sync.Mutex
	nonces map[string]*nonceState
}

// NewServer builds a Server validator. userLookup resolves a username to
// its cleartext password (Digest requires the password in the clear, or at
// least HA1, to compute a response).
func NewServer(realm string, alg Algorithm, maxNonceReuse int, userLookup func(string) (string, bool)) *Server {
	return &Server{
		Realm:         realm,
		Algorithm:     alg,
		QOP:           "auth",
		MaxNonceReuse: maxNonceReuse,
		Users:         userLookup,
		nonces:        make(map[string]*nonceState),
	}
}

// Challenge issues a new nonce and returns the WWW-Authenticate header
// value pair (Basic and Digest) to send in a 401 response.
func (s *Server) Challenge() ([]string, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nonces[nonce] = &nonceState{}
	s.mu.Unlock()

	digest := fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth"`, s.Realm, nonce)
	if s.Algorithm == AlgorithmSHA256 {
		digest += `, algorithm=SHA-256`
	}
	basic := fmt.Sprintf(`Basic realm="%s"`, s.Realm)
	return []string{digest, basic}, nil
}

// Validate checks one Authorization header value against method+uri. It
// returns liberrors.ErrAuth on any failure, including nonce exhaustion, in
// which case the caller should reissue a fresh Challenge (stale nonce).
func (s *Server) Validate(authHeader, method, uri, altURI string) (string, error) {
	var c Challenge
	var err error
	switch {
	case strings.HasPrefix(authHeader, "Digest "):
		c, err = parseChallenge(authHeader)
	case strings.HasPrefix(authHeader, "Basic "):
		return "", s.validateBasic(authHeader)
	default:
		return "", liberrors.ErrAuth{Msg: "missing or unsupported Authorization header"}
	}
	if err != nil {
		return "", liberrors.ErrAuth{Msg: err.Error()}
	}

	params := parseParams(authHeader[len("Digest "):])
	username, uriParam, response, nc, cnonce := params["username"], params["uri"], params["response"], params["nc"], params["cnonce"]
	if username == "" || uriParam == "" || response == "" {
		return "", liberrors.ErrAuth{Msg: "incomplete digest credentials"}
	}

	password, ok := s.Users(username)
	if !ok {
		return "", liberrors.ErrAuth{Msg: "unknown user"}
	}

	s.mu.Lock()
	state, known := s.nonces[c.Nonce]
	s.mu.Unlock()
	if !known {
		return "", liberrors.ErrAuth{Msg: "stale nonce"}
	}

	if uriParam != uri && uriParam != altURI {
		return "", liberrors.ErrAuth{Msg: "uri mismatch"}
	}

	ha1 := hashHex(s.Algorithm, username+":"+s.Realm+":"+password)
	ha2 := hashHex(s.Algorithm, method+":"+uriParam)

	var expected string
	if params["qop"] != "" {
		if nc == "" || cnonce == "" {
			return "", liberrors.ErrAuth{Msg: "missing nc/cnonce for qop=auth"}
		}
		expected = hashHex(s.Algorithm, strings.Join([]string{ha1, c.Nonce, nc, cnonce, "auth", ha2}, ":"))
	} else {
		expected = hashHex(s.Algorithm, ha1+":"+c.Nonce+":"+ha2)
	}

	if expected != response {
		return "", liberrors.ErrAuth{Msg: "authentication failed"}
	}

	s.mu.Lock()
	state.reuses++
	var nextNonce string
	if s.MaxNonceReuse > 0 && state.reuses >= s.MaxNonceReuse {
		delete(s.nonces, c.Nonce)
		fresh, err := GenerateNonce()
		if err == nil {
			s.nonces[fresh] = &nonceState{}
			nextNonce = fresh
		}
	}
	s.mu.Unlock()

	if nextNonce != "" {
		return fmt.Sprintf(`nextnonce="%s"`, nextNonce), nil
	}
	return "", nil
}

func (s *Server) validateBasic(header string) error {
	enc := strings.TrimPrefix(header, "Basic ")
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return liberrors.ErrAuth{Msg: "malformed basic credentials"}
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return liberrors.ErrAuth{Msg: "malformed basic credentials"}
	}
	password, ok := s.Users(parts[0])
	if !ok || password != parts[1] {
		return liberrors.ErrAuth{Msg: "authentication failed"}
	}
	return nil
}
