package security

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/tinkermonkey/apibuddy/pkg/config"
)

func TestValidateDisabledAlwaysTrue(t *testing.T) {
	g := New(&config.SecurityConfig{RequireSecureKey: false}, nil)
	if !g.Validate("") {
		t.Error("expected validate to pass when security is disabled")
	}
}

func TestValidateRequiresMatch(t *testing.T) {
	g := New(&config.SecurityConfig{RequireSecureKey: true, SecureKey: "correct-secret"}, nil)

	if g.Validate("") {
		t.Error("expected empty secret to fail validation")
	}
	if g.Validate("wrong-secret") {
		t.Error("expected mismatched secret to fail validation")
	}
	if !g.Validate("correct-secret") {
		t.Error("expected matching secret to pass validation")
	}
}

func TestGenerateSecretIsURLSafeAndUnpadded(t *testing.T) {
	s := GenerateSecret()
	if len(s) == 0 {
		t.Fatal("expected non-empty secret")
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			t.Errorf("unexpected character %q in generated secret", r)
		}
	}
}

func TestExtractFromPathPrefix(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)
	candidate := GenerateSecret() // 43 chars, within the 32-44 heuristic

	secret, path := g.Extract("/"+candidate+"/api/v1/resource", http.Header{}, url.Values{})
	if secret != candidate {
		t.Errorf("expected extracted secret %q, got %q", candidate, secret)
	}
	if path != "/api/v1/resource" {
		t.Errorf("expected sanitized path, got %q", path)
	}
}

func TestExtractIgnoresShortOrLongPathSegments(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)

	secret, path := g.Extract("/short/rest", http.Header{}, url.Values{})
	if secret != "" {
		t.Errorf("expected no extraction for an out-of-range segment, got %q", secret)
	}
	if path != "/short/rest" {
		t.Errorf("expected path unchanged, got %q", path)
	}

	long := "/" + strings.Repeat("a", 45) + "/rest"
	secret, path = g.Extract(long, http.Header{}, url.Values{})
	if secret != "" {
		t.Errorf("expected no extraction for an out-of-range segment, got %q", secret)
	}
	if path != long {
		t.Errorf("expected path unchanged, got %q", path)
	}
}

func TestExtractFromQuery(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)
	q := url.Values{"key": {"qkey"}}

	secret, path := g.Extract("/domain/resource", http.Header{}, q)
	if secret != "qkey" {
		t.Errorf("expected query-param secret, got %q", secret)
	}
	if path != "/domain/resource" {
		t.Errorf("expected path unchanged, got %q", path)
	}
}

func TestExtractFromCustomHeader(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)
	h := http.Header{}
	h.Set("X-API-Buddy-Key", "hkey")

	secret, _ := g.Extract("/domain/resource", h, url.Values{})
	if secret != "hkey" {
		t.Errorf("expected header secret, got %q", secret)
	}
}

func TestExtractFromBearerHeader(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)
	h := http.Header{}
	h.Set("Authorization", "Bearer bkey")

	secret, _ := g.Extract("/domain/resource", h, url.Values{})
	if secret != "bkey" {
		t.Errorf("expected bearer token secret, got %q", secret)
	}
}

func TestExtractPriorityPathBeatsQueryBeatsHeader(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)
	candidate := GenerateSecret()
	h := http.Header{}
	h.Set("X-API-Buddy-Key", "hkey")
	q := url.Values{"key": {"qkey"}}

	secret, _ := g.Extract("/"+candidate+"/rest", h, q)
	if secret != candidate {
		t.Errorf("expected path secret to win, got %q", secret)
	}
}

func TestExtractNoSecretPresent(t *testing.T) {
	g := New(&config.SecurityConfig{}, nil)

	secret, path := g.Extract("/domain/resource", http.Header{}, url.Values{})
	if secret != "" {
		t.Errorf("expected no secret found, got %q", secret)
	}
	if path != "/domain/resource" {
		t.Errorf("expected path unchanged, got %q", path)
	}
}
