package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "control",
		Environment:        "production",
		Strict:             true,
		StoreDriver:        "postgres",
		DatabaseRequireTLS: true,
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    true,
		CORSAllowedOrigins: []string{"https://console.example.com"},
		RequiredSecrets:    []Requirement{{Name: "ADMIN_KEY", Value: "secret"}},
	}
	if err := ValidateProduction(base); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"non_prod_skip", func(o *Options) { o.Environment = "development"; o.StoreDriver = "memory"; o.CORSAllowedOrigins = []string{"*"} }, ""},
		{"strict_off_skip", func(o *Options) { o.Strict = false; o.DatabaseRequireTLS = false }, ""},
		{"admin_key_required", func(o *Options) { o.RequiredSecrets[0].Value = " " }, "ADMIN_KEY"},
		{"memory_store_forbidden", func(o *Options) { o.StoreDriver = "memory" }, "STORE_DRIVER"},
		{"sqlite_needs_no_db_tls", func(o *Options) { o.StoreDriver = "sqlite"; o.DatabaseRequireTLS = false }, ""},
		{"db_tls_required", func(o *Options) { o.DatabaseRequireTLS = false }, "DATABASE_REQUIRE_TLS"},
		{"redis_tls_required", func(o *Options) { o.RedisRequireTLS = false }, "REDIS_REQUIRE_TLS"},
		{"redis_insecure_forbidden", func(o *Options) { o.RedisTLSInsecure = true }, "REDIS_TLS_INSECURE"},
		{"no_redis_no_redis_checks", func(o *Options) { o.RedisAddr = ""; o.RedisRequireTLS = false }, ""},
		{"cors_wildcard_forbidden", func(o *Options) { o.CORSAllowedOrigins = []string{"*"} }, "wildcard"},
		{"cors_http_forbidden", func(o *Options) { o.CORSAllowedOrigins = []string{"http://console.example.com"} }, "HTTPS"},
		{"cors_localhost_forbidden", func(o *Options) { o.CORSAllowedOrigins = []string{"https://localhost:3000"} }, "localhost"},
		{"cors_empty_allowed", func(o *Options) { o.CORSAllowedOrigins = nil }, ""},
		{"staging_is_production_like", func(o *Options) { o.Environment = "Stage"; o.DatabaseRequireTLS = false }, "DATABASE_REQUIRE_TLS"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			o := base
			o.RequiredSecrets = append([]Requirement(nil), base.RequiredSecrets...)
			tt.mutate(&o)
			err := ValidateProduction(o)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
