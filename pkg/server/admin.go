package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/monitoring"
)

// errorResponse is the JSON envelope every admin failure response uses:
// {timestamp, success:false, error, error_code}.
type errorResponse struct {
	Timestamp string `json:"timestamp"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func isoNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/health", s.withAdminGuard(s.handleAdminHealth))
	mux.HandleFunc("GET /admin/config", s.withAdminGuard(s.handleAdminConfig))
	mux.HandleFunc("GET /admin/status", s.withAdminGuard(s.handleAdminStatus))
	mux.HandleFunc("GET /admin/cache", s.withAdminGuard(s.handleAdminCache))
	mux.HandleFunc("GET /admin/cache/{domain}", s.withAdminGuard(s.handleAdminCacheDomain))
	mux.HandleFunc("GET /admin/domains", s.withAdminGuard(s.handleAdminDomains))
	mux.HandleFunc("POST /admin/validate-config", s.withAdminGuard(s.handleAdminValidateConfig))
}

// withAdminGuard applies the admin-enabled check and the per-client-IP rate
// limit ahead of every admin handler.
func (s *Server) withAdminGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Admin.Enabled {
			writeAdminError(w, http.StatusNotFound, "admin interface is disabled", "ADMIN_DISABLED")
			return
		}

		if s.limiter != nil {
			clientIP := clientIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
			if !s.limiter.allow(clientIP) {
				if s.logger != nil {
					s.logger.Warn("admin request rate limited", "client_ip", clientIP, "path", r.URL.Path)
				}
				if s.metrics != nil {
					s.metrics.AdminRateLimitDropped.Add(r.Context(), 1)
				}
				writeAdminError(w, http.StatusTooManyRequests, "admin rate limit exceeded", "RATE_LIMIT_EXCEEDED")
				return
			}
		}

		next(w, r)
	}
}

func writeAdminJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAdminError(w http.ResponseWriter, status int, message, code string) {
	writeAdminJSON(w, status, errorResponse{
		Timestamp: isoNow(),
		Success:   false,
		Error:     message,
		ErrorCode: code,
	})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"timestamp": isoNow(),
		"status":    "healthy",
	})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	sanitized, redactedFields := monitoring.SanitizeConfig(s.cfg)
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"timestamp":        isoNow(),
		"config":           sanitized,
		"sanitized_fields": redactedFields,
	})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "monitoring facade unavailable", "MONITORING_UNAVAILABLE")
		return
	}

	components := s.facade.ComponentStatuses(r.Context())
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"timestamp":      isoNow(),
		"status":         s.facade.OverallStatus(components),
		"components":     components,
		"uptime_seconds": s.facade.UptimeSeconds(),
	})
}

func (s *Server) handleAdminCache(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "monitoring facade unavailable", "MONITORING_UNAVAILABLE")
		return
	}
	writeAdminJSON(w, http.StatusOK, s.facade.CacheStats(r.Context()))
}

func (s *Server) handleAdminCacheDomain(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "monitoring facade unavailable", "MONITORING_UNAVAILABLE")
		return
	}

	domain := r.PathValue("domain")
	stats, ok := s.facade.DomainCacheStats(domain)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "domain not configured: "+domain, "DOMAIN_NOT_FOUND")
		return
	}
	writeAdminJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminDomains(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "monitoring facade unavailable", "MONITORING_UNAVAILABLE")
		return
	}
	writeAdminJSON(w, http.StatusOK, s.facade.DomainStats(r.Context()))
}
