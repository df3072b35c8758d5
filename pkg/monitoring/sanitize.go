package monitoring

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tinkermonkey/apibuddy/pkg/config"
)

// sensitiveSubstrings match field names that must be redacted from the
// admin-facing config view, regardless of casing.
var sensitiveSubstrings = []string{"key", "secret", "password", "token"}

// SanitizeConfig renders cfg as a generic JSON-shaped map with every
// sensitive-looking field replaced by "[REDACTED]", alongside the sorted
// dot-path of each field that was redacted.
func SanitizeConfig(cfg *config.Config) (map[string]any, []string) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return map[string]any{}, nil
	}

	var redacted []string
	redactSensitive(generic, "", &redacted)
	sort.Strings(redacted)
	return generic, redacted
}

func redactSensitive(node map[string]any, prefix string, redacted *[]string) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if isSensitiveFieldName(key) {
			node[key] = "[REDACTED]"
			*redacted = append(*redacted, path)
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			redactSensitive(v, path, redacted)
		}
	}
}

func isSensitiveFieldName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
