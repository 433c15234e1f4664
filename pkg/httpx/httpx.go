// Package httpx holds the JSON envelope and middleware shared by the control
// service and its clients.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Reason codes carried in the "code" field of every error envelope.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidInput        = "invalid_input"
	CodeUnauthorized        = "unauthorized"
	CodeServerMisconfigured = "server_misconfigured"
	CodeUpstreamFailure     = "upstream_failure"
	CodeRateLimited         = "rate_limited"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal"
)

// ErrorBody is the failure envelope.
type ErrorBody struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// DefaultAllowedHeaders covers every credential carrier the admin surface
// accepts.
const DefaultAllowedHeaders = "Authorization,Content-Type,X-Admin-Key,X-API-Key,X-Control-Key"

// CORSMiddleware enforces an explicit origin allowlist. "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range allowedOrigins {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			preflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
			if _, ok := allowed[origin]; !ok && !allowAll {
				if preflight {
					Error(w, http.StatusForbidden, CodeUnauthorized, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = DefaultAllowedHeaders
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg, Code: code})
}

// UpstreamError reports a failed provider call with the status it returned.
func UpstreamError(w http.ResponseWriter, upstreamStatus int, msg string) {
	WriteJSON(w, http.StatusBadGateway, ErrorBody{Error: msg, Code: CodeUpstreamFailure, UpstreamStatus: upstreamStatus})
}

var ErrEmptyBody = errors.New("request body is empty")

// DecodeJSON reads one JSON value from r. Unknown fields are accepted so
// older and newer front-ends keep working.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
