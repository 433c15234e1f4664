package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresPoolConfigTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		dsn        string
		requireTLS bool
		want       error
	}{
		{name: "verify-full", dsn: "postgres://u:p@db:5432/x?sslmode=verify-full", requireTLS: true},
		{name: "require", dsn: "postgres://u:p@db:5432/x?sslmode=require", requireTLS: true},
		{name: "keyword dsn", dsn: "host=db user=u dbname=x sslmode=require", requireTLS: true},
		{name: "prefer falls back", dsn: "postgres://u:p@db:5432/x?sslmode=prefer", requireTLS: true, want: ErrInsecureDB},
		{name: "default sslmode", dsn: "postgres://u:p@db:5432/x", requireTLS: true, want: ErrInsecureDB},
		{name: "disable", dsn: "postgres://u:p@db:5432/x?sslmode=disable", requireTLS: true, want: ErrInsecureDB},
		{name: "disable allowed without requirement", dsn: "postgres://u:p@db:5432/x?sslmode=disable"},
		{name: "empty", dsn: "", want: ErrNoDatabaseURL},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := postgresPoolConfig(tt.dsn, tt.requireTLS)
			if !errors.Is(err, tt.want) {
				t.Fatalf("postgresPoolConfig(%q) error = %v, want %v", tt.dsn, err, tt.want)
			}
			if err == nil && cfg.ConnConfig.RuntimeParams["application_name"] != applicationName {
				t.Fatalf("application_name not set: %v", cfg.ConnConfig.RuntimeParams)
			}
		})
	}
	if _, err := postgresPoolConfig("://bad", false); err == nil || !strings.Contains(err.Error(), "parse DATABASE_URL") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func testConnector(newPool func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) pgConnector {
	return pgConnector{newPool: newPool, attempts: 2, pingTimeout: 50 * time.Millisecond}
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	calls := 0
	c := testConnector(func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		calls++
		return nil, errors.New("boom")
	})
	cfg, err := postgresPoolConfig("postgres://u:p@127.0.0.1:5432/x?sslmode=disable", false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.connect(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("attempts = %d", calls)
	}
}

func TestConnectPingFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg, err := postgresPoolConfig("postgres://u:p@"+addr+"/x?sslmode=disable", false)
	if err != nil {
		t.Fatal(err)
	}
	c := testConnector(pgxpool.NewWithConfig)
	c.attempts = 1
	if _, err := c.connect(context.Background(), cfg); err == nil {
		t.Fatal("expected ping failure against a closed port")
	}
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := testConnector(func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		t.Fatal("pool must not be dialled after cancellation")
		return nil, nil
	})
	cfg, _ := postgresPoolConfig("postgres://u:p@127.0.0.1:5432/x?sslmode=disable", false)
	if _, err := c.connect(ctx, cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewPostgresPoolRejectsBeforeDialling(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), "", false); !errors.Is(err, ErrNoDatabaseURL) {
		t.Fatalf("expected ErrNoDatabaseURL, got %v", err)
	}
	if _, err := NewPostgresPool(context.Background(), "postgres://u:p@db/x?sslmode=disable", true); !errors.Is(err, ErrInsecureDB) {
		t.Fatalf("expected ErrInsecureDB, got %v", err)
	}
}
