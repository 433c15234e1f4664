package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNotConfigured means the server has no secret; every request fails
	// closed. It is a server fault, not a caller fault.
	ErrNotConfigured = errors.New("admin credential not configured")
	ErrUnauthorized  = errors.New("missing or invalid credential")
)

// Carriers are the headers a credential may arrive in, highest precedence
// first. Front-ends were written against different conventions; all of
// them are accepted here so routes never parse headers themselves.
var Carriers = []string{
	"X-Admin-Key",
	"X-API-Key",
	"X-Control-Key",
	"Authorization",
}

const bearerPrefix = "bearer "

// TokenFromHeader returns the first non-empty credential in carrier order.
// A "Bearer " prefix on Authorization is stripped case-insensitively.
func TokenFromHeader(h http.Header) string {
	for _, name := range Carriers {
		raw := strings.TrimSpace(h.Get(name))
		if name == "Authorization" {
			raw = stripBearer(raw)
		}
		if raw != "" {
			return raw
		}
	}
	return ""
}

func stripBearer(raw string) string {
	if strings.EqualFold(raw, strings.TrimSpace(bearerPrefix)) {
		return ""
	}
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(raw[len(bearerPrefix):])
	}
	return raw
}

// Validator compares presented credentials against one configured secret.
type Validator struct {
	secret string
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: strings.TrimSpace(secret)}
}

func (v *Validator) Configured() bool {
	return v != nil && v.secret != ""
}

// Check validates a raw token. Only an exact match is accepted.
func (v *Validator) Check(token string) error {
	if !v.Configured() {
		return ErrNotConfigured
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// CheckRequest extracts the credential from r and validates it.
func (v *Validator) CheckRequest(r *http.Request) error {
	if !v.Configured() {
		return ErrNotConfigured
	}
	return v.Check(TokenFromHeader(r.Header))
}

// RejectFunc writes the failure response for a rejected request.
type RejectFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware runs next only when the credential is valid. Nothing behind
// it is reached on failure.
func (v *Validator) Middleware(reject RejectFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = DefaultReject
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.CheckRequest(r); err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func DefaultReject(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotConfigured) {
		http.Error(w, "admin auth not configured", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
