// Package store opens the persistence backends behind the settings store,
// the install registry and the audit trail.
package store

import (
	"context"
	"fmt"
	"strings"

	"killswitch/pkg/audit"
	"killswitch/pkg/installs"
	"killswitch/pkg/settings"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	RequireTLS  bool

	RedactAudit   bool
	AuditHashSalt []byte
}

// Backend bundles the three collections served by one driver.
type Backend struct {
	Driver   string
	Settings settings.Store
	Installs installs.Registry
	Audit    audit.Sink

	close func()
}

func (b *Backend) Close() {
	if b != nil && b.close != nil {
		b.close()
	}
}

// Open returns a ready backend with its schema in place.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", DriverMemory:
		sink := audit.NewMemorySink()
		sink.Redact = opts.RedactAudit
		sink.HashSalt = opts.AuditHashSalt
		return &Backend{
			Driver:   DriverMemory,
			Settings: settings.NewMemoryStore(),
			Installs: installs.NewMemoryRegistry(),
			Audit:    sink,
		}, nil
	case DriverSQLite:
		db, err := OpenSQLite(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		db.RedactAudit = opts.RedactAudit
		db.AuditHashSalt = opts.AuditHashSalt
		return &Backend{
			Driver:   DriverSQLite,
			Settings: db,
			Installs: db,
			Audit:    db.Audit(),
			close:    func() { _ = db.Close() },
		}, nil
	case DriverPostgres:
		pool, err := NewPostgresPool(ctx, opts.DatabaseURL, opts.RequireTLS)
		if err != nil {
			return nil, err
		}
		pg := NewPostgres(pool, audit.Writer{Redact: opts.RedactAudit, HashSalt: opts.AuditHashSalt})
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
		return &Backend{
			Driver:   DriverPostgres,
			Settings: pg,
			Installs: pg,
			Audit:    pg.Audit(),
			close:    pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
