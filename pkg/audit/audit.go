// Package audit records who changed release policy and how.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ActionUpdateSettings = "settings.update"
	ActionKill           = "version.kill"
	ActionUnkill         = "version.unkill"
	ActionToggleBeta     = "beta.toggle"
	ActionSetRelease     = "release.set"
)

type Record struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Target     string          `json:"target,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Sink stores audit records. List returns newest first.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

// NewRecord stamps an id and time and encodes detail as JSON.
func NewRecord(action, target string, detail any) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Action:    action,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			rec.Detail = raw
		}
	}
	return rec
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer is the Postgres-backed Sink.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS admin_audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail JSONB,
		remote_addr TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS admin_audit_created_at_idx ON admin_audit (created_at DESC)`,
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := w.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = RedactRecord(rec, w.HashSalt)
	}
	var detail any
	if len(rec.Detail) > 0 {
		detail = rec.Detail
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admin_audit (id, action, target, detail, remote_addr, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.Action, rec.Target, detail, rec.RemoteAddr, rec.CreatedAt)
	return err
}

func (w *Writer) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT id, action, target, detail, remote_addr, created_at
		FROM admin_audit
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var detail []byte
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Target, &detail, &rec.RemoteAddr, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			rec.Detail = detail
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
