package gqlink

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the current credential. It is called once per
// outbound request and once per stream connection.
type TokenProvider interface {
	Token() (string, bool)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func() (string, bool)

func (f TokenProviderFunc) Token() (string, bool) {
	return f()
}

// StaticTokenProvider always returns the same credential. An empty string
// means no credential.
type StaticTokenProvider string

func (s StaticTokenProvider) Token() (string, bool) {
	return string(s), s != ""
}

// MemoryTokenStore is an in-memory credential that can be replaced or
// cleared at any time, for example after a login or logout.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenStore returns a store holding token.
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the stored credential.
func (s *MemoryTokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Clear removes the stored credential.
func (s *MemoryTokenStore) Clear() {
	s.Set("")
}

// JWTTokenProvider withholds credentials whose exp claim has passed. The
// signature is not verified; that is the server's job.
type JWTTokenProvider struct {
	source TokenProvider
	margin time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTTokenProvider wraps source. Tokens expiring within margin are
// treated as already expired.
func NewJWTTokenProvider(source TokenProvider, margin time.Duration) *JWTTokenProvider {
	return &JWTTokenProvider{
		source: source,
		margin: margin,
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

func (p *JWTTokenProvider) Token() (string, bool) {
	if p.source == nil {
		return "", false
	}
	raw, ok := p.source.Token()
	if !ok {
		return "", false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := p.parser.ParseUnverified(strings.TrimPrefix(raw, "Bearer "), &claims); err != nil {
		return "", false
	}
	if claims.ExpiresAt != nil && !p.now().Add(p.margin).Before(claims.ExpiresAt.Time) {
		return "", false
	}
	return raw, true
}

// schemeTokenProvider prefixes credentials with an authorization scheme.
type schemeTokenProvider struct {
	source TokenProvider
	scheme string
}

func (p schemeTokenProvider) Token() (string, bool) {
	token, ok := p.source.Token()
	if !ok {
		return "", false
	}
	if strings.HasPrefix(token, p.scheme+" ") {
		return token, true
	}
	return p.scheme + " " + token, true
}

// AuthorizationMiddleware sets the Authorization header from provider on
// every request. The header is replaced, never appended, so it appears
// exactly once. Requests pass unmodified when there is no credential.
func AuthorizationMiddleware(provider TokenProvider) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if provider == nil {
			return next.RoundTrip(req)
		}
		token, ok := provider.Token()
		if !ok {
			return next.RoundTrip(req)
		}
		authed := req.Clone(req.Context())
		authed.Header.Set("Authorization", token)
		return next.RoundTrip(authed)
	}
}
