// Package security implements a shared-secret access gate: secret
// extraction from a request's path/query/headers and constant-time
// validation against the configured secret.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
)

const (
	minPathKeyLen = 32
	maxPathKeyLen = 44
	bearerPrefix  = "Bearer "
)

// Gate implements SecurityGate against a single configured secret.
type Gate struct {
	enabled bool
	secret  string
	logger  *logging.Logger
}

var _ Validator = (*Gate)(nil)

// New constructs a Gate. If cfg.RequireSecureKey is set and no secret is
// configured, one is generated.
func New(cfg *config.SecurityConfig, logger *logging.Logger) *Gate {
	secret := cfg.SecureKey
	if cfg.RequireSecureKey && secret == "" {
		secret = GenerateSecret()
		if logger != nil {
			logger.Warn("no secure_key configured; generated one for this process")
		}
	}
	return &Gate{
		enabled: cfg.RequireSecureKey,
		secret:  secret,
		logger:  logger,
	}
}

// GenerateSecret returns 32 cryptographically random bytes, URL-safe
// base64-encoded with padding stripped.
func GenerateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("security: failed to read random bytes: " + err.Error())
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "=")
}

// Extract finds a secret in path, query, or headers, in that priority order,
// and returns it alongside the path with any path-embedded secret stripped.
func (g *Gate) Extract(path string, headers http.Header, query url.Values) (secret string, sanitizedPath string) {
	if key, rest, ok := extractFromPath(path); ok {
		return key, rest
	}
	if key := query.Get("key"); key != "" {
		return key, path
	}
	if key := headers.Get("X-API-Buddy-Key"); key != "" {
		return key, path
	}
	if auth := headers.Get("Authorization"); len(auth) > len(bearerPrefix) &&
		strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):]), path
	}
	return "", path
}

// extractFromPath strips a leading /{key}/... segment that looks like a
// base64url secret (32-44 chars), returning the remainder as the sanitized
// path.
func extractFromPath(path string) (key, rest string, ok bool) {
	if !strings.HasPrefix(path, "/") {
		return "", path, false
	}
	trimmed := strings.TrimPrefix(path, "/")
	segment, remainder, found := strings.Cut(trimmed, "/")
	if !found {
		return "", path, false
	}
	if len(segment) < minPathKeyLen || len(segment) > maxPathKeyLen {
		return "", path, false
	}
	for _, r := range segment {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return "", path, false
		}
	}
	return segment, "/" + remainder, true
}

// Validate reports whether secret matches the configured secret. If
// security is disabled, it always returns true. Comparison uses
// subtle.ConstantTimeCompare, which is constant-time for inputs of equal
// length; a length mismatch returns early.
func (g *Gate) Validate(secret string) bool {
	if !g.enabled {
		return true
	}
	if secret == "" || g.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) == 1
}

// Enabled reports whether the secure-key requirement is active.
func (g *Gate) Enabled() bool {
	return g.enabled
}
