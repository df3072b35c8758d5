package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tinkermonkey/apibuddy/pkg/monitoring"
)

// validateConfigRequest is the POST /admin/validate-config body: a partial
// configuration overlay under "configuration".
type validateConfigRequest struct {
	Configuration map[string]any `json:"configuration"`
}

type validateConfigResponse struct {
	Valid        bool           `json:"valid"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
	MergedConfig map[string]any `json:"merged_config"`
}

// expectedSectionFields lists the fields a complete section is expected to
// carry, used only to generate "using default value" warnings when a user
// submits a partial section (grounded on
// original_source/.../test_admin_endpoints.py's
// test_config_warnings_generation).
var expectedSectionFields = map[string][]string{
	"server":     {"host", "port", "request_timeout"},
	"security":   {"require_secure_key", "secure_key", "log_security_events"},
	"cache":      {"database_path", "default_ttl_seconds", "max_cache_response_size", "max_cache_entries", "compression_threshold"},
	"throttling": {"default_requests_per_hour", "progressive_max_delay", "domain_limits"},
	"admin":      {"enabled", "rate_limit_per_minute"},
}

func (s *Server) handleAdminValidateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "failed to read request body", "INVALID_BODY")
		return
	}
	if len(body) == 0 {
		writeAdminError(w, http.StatusBadRequest, "Request body is required", "EMPTY_BODY")
		return
	}

	var req validateConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "INVALID_JSON")
		return
	}

	baseConfig, _ := monitoring.SanitizeConfig(s.cfg)
	merged := mergeConfigOverlay(baseConfig, req.Configuration)

	errs := validateConfigSections(req.Configuration)
	warnings := generateConfigWarnings(req.Configuration, merged)

	writeAdminJSON(w, http.StatusOK, validateConfigResponse{
		Valid:        len(errs) == 0,
		Errors:       errs,
		Warnings:     warnings,
		MergedConfig: merged,
	})
}

// mergeConfigOverlay overlays user-provided sections on top of the current
// configuration, section by section (shallow per top-level key, matching
// the original's "validates post-default-merge" behavior).
func mergeConfigOverlay(base map[string]any, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for section, value := range overlay {
		baseSection, baseIsMap := merged[section].(map[string]any)
		overlaySection, overlayIsMap := value.(map[string]any)
		if baseIsMap && overlayIsMap {
			combined := make(map[string]any, len(baseSection))
			for k, v := range baseSection {
				combined[k] = v
			}
			for k, v := range overlaySection {
				combined[k] = v
			}
			merged[section] = combined
			continue
		}
		merged[section] = value
	}
	return merged
}

// validateConfigSections rejects sections with a recognizable structural
// problem. The only named sections are the ones the configuration schema
// defines; anything else is accepted but not validated further.
func validateConfigSections(overlay map[string]any) []string {
	var errs []string
	for section, value := range overlay {
		if _, ok := expectedSectionFields[section]; !ok {
			if section != "domain_mappings" && section != "logging" && section != "telemetry" {
				errs = append(errs, fmt.Sprintf("unknown configuration section: %s", section))
			}
			continue
		}
		if _, ok := value.(map[string]any); !ok {
			errs = append(errs, fmt.Sprintf("%s must be an object", section))
		}
	}
	return errs
}

// generateConfigWarnings flags fields a user's partial section omitted,
// now filled by the merged default.
func generateConfigWarnings(overlay map[string]any, merged map[string]any) []string {
	var warnings []string
	for section, value := range overlay {
		fields, ok := expectedSectionFields[section]
		if !ok {
			continue
		}
		userSection, ok := value.(map[string]any)
		if !ok {
			continue
		}
		mergedSection, _ := merged[section].(map[string]any)
		for _, field := range fields {
			if _, present := userSection[field]; present {
				continue
			}
			if mergedSection == nil {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("%s.%s not specified, using default value", section, field))
		}
	}
	return warnings
}
