package security

import (
	"net/http"
	"net/url"
)

// Validator is the SecurityGate contract the pipeline depends on. Defined
// separately from Gate so the pipeline depends on behavior, not on *Gate.
type Validator interface {
	Extract(path string, headers http.Header, query url.Values) (secret, sanitizedPath string)
	Validate(secret string) bool
	Enabled() bool
}
