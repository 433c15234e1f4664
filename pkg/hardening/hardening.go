// Package hardening refuses to start production-like deployments with
// insecure settings.
package hardening

import (
	"fmt"
	"strings"
)

type Requirement struct {
	Name  string
	Value string
}

type Options struct {
	Service     string
	Environment string
	// Strict can be turned off to run a staging box with relaxed checks.
	Strict bool

	StoreDriver        string
	DatabaseRequireTLS bool

	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool

	CORSAllowedOrigins []string
	RequiredSecrets    []Requirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.Strict {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	switch strings.ToLower(strings.TrimSpace(o.StoreDriver)) {
	case "", "memory":
		return fmt.Errorf("%s: strict production hardening requires a durable STORE_DRIVER (sqlite or postgres)", service)
	case "postgres":
		if !o.DatabaseRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
		}
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

// validateCORSOrigins allows an empty list: the admin surface is then only
// reachable from non-browser clients.
func validateCORSOrigins(origins []string, service string) error {
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
		host := strings.TrimPrefix(lower, "https://")
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
	}
	return nil
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
