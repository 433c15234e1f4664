package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"killswitch/pkg/audit"
	"killswitch/pkg/installs"
	"killswitch/pkg/settings"
)

// SQLite is the single-node backend. One connection serialises writers, so
// every transaction is atomic with respect to readers.
type SQLite struct {
	db  *sql.DB
	Now func() time.Time

	RedactAudit   bool
	AuditHashSalt []byte
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS killed_versions (
		version TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS installs (
		install_id TEXT PRIMARY KEY,
		version TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		machine TEXT,
		username TEXT,
		uptime_s INTEGER,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS installs_last_seen_idx ON installs (last_seen DESC)`,
	`CREATE TABLE IF NOT EXISTS admin_audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail TEXT,
		remote_addr TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS admin_audit_created_at_idx ON admin_audit (created_at DESC)`,
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLite{db: db, Now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) nowMillis() int64 {
	return s.Now().UTC().UnixMilli()
}

func (s *SQLite) GetAll(ctx context.Context) (settings.Settings, error) {
	var out settings.Settings
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = sqliteReadSettings(ctx, tx)
		return err
	})
	return out, err
}

func (s *SQLite) Update(ctx context.Context, patch settings.Partial) (settings.Settings, error) {
	var out settings.Settings
	now := s.nowMillis()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range patch.Pairs() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, key, value, now); err != nil {
				return err
			}
		}
		if patch.KillList != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM killed_versions`); err != nil {
				return err
			}
			for v, reason := range *patch.KillList {
				if _, err := tx.ExecContext(ctx, `INSERT INTO killed_versions (version, reason, created_at) VALUES (?, ?, ?)`, v, reason, now); err != nil {
					return err
				}
			}
		}
		var err error
		out, err = sqliteReadSettings(ctx, tx)
		return err
	})
	return out, err
}

func (s *SQLite) IsKilled(ctx context.Context, version string) (string, bool, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `SELECT reason FROM killed_versions WHERE version = ?`, strings.TrimSpace(version)).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}

func (s *SQLite) Kill(ctx context.Context, version, reason string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO killed_versions (version, reason, created_at) VALUES (?, ?, ?)
			ON CONFLICT (version) DO UPDATE SET reason = excluded.reason
		`, v, reason, s.nowMillis()); err != nil {
			return err
		}
		var err error
		out, err = sqliteReadKillList(ctx, tx)
		return err
	})
	return out, err
}

func (s *SQLite) Unkill(ctx context.Context, version string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM killed_versions WHERE version = ?`, v); err != nil {
			return err
		}
		var err error
		out, err = sqliteReadKillList(ctx, tx)
		return err
	})
	return out, err
}

func sqliteReadSettings(ctx context.Context, tx *sql.Tx) (settings.Settings, error) {
	out := settings.Defaults()
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			_ = rows.Close()
			return out, err
		}
		settings.ApplyPair(&out, key, value)
	}
	if err := rows.Close(); err != nil {
		return out, err
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	out.KillList, err = sqliteReadKillList(ctx, tx)
	return out, err
}

func sqliteReadKillList(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version, reason FROM killed_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var v, reason string
		if err := rows.Scan(&v, &reason); err != nil {
			return nil, err
		}
		out[v] = reason
	}
	return out, rows.Err()
}

func (s *SQLite) Upsert(ctx context.Context, installID string, u installs.Update) (installs.Record, error) {
	id, err := installs.NormalizeID(installID)
	if err != nil {
		return installs.Record{}, err
	}
	now := s.nowMillis()
	var rec installs.Record
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO installs (install_id, version, channel, platform, machine, username, uptime_s, first_seen, last_seen)
			VALUES (?1, COALESCE(?2, ''), COALESCE(?3, ''), COALESCE(?4, ''), ?5, ?6, ?7, ?8, ?8)
			ON CONFLICT (install_id) DO UPDATE SET
				version = COALESCE(?2, installs.version),
				channel = COALESCE(?3, installs.channel),
				platform = COALESCE(?4, installs.platform),
				machine = COALESCE(?5, installs.machine),
				username = COALESCE(?6, installs.username),
				uptime_s = COALESCE(?7, installs.uptime_s),
				last_seen = ?8
		`, id, nullString(u.Version), nullString(u.Channel), nullString(u.Platform),
			nullString(u.Machine), nullString(u.User), nullInt64(u.UptimeS), now); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+installColumns+` FROM installs WHERE install_id = ?`, id)
		var err error
		rec, err = scanSQLiteInstall(row)
		return err
	})
	return rec, err
}

func (s *SQLite) List(ctx context.Context, limit int) ([]installs.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+installColumns+`
		FROM installs
		ORDER BY last_seen DESC, install_id ASC
		LIMIT ?
	`, installs.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]installs.Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteInstall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInstall(row rowScanner) (installs.Record, error) {
	var (
		rec             installs.Record
		machine, user   sql.NullString
		uptime          sql.NullInt64
		first, lastSeen int64
	)
	if err := row.Scan(&rec.InstallID, &rec.Version, &rec.Channel, &rec.Platform,
		&machine, &user, &uptime, &first, &lastSeen); err != nil {
		return installs.Record{}, err
	}
	if machine.Valid {
		rec.Machine = installs.String(machine.String)
	}
	if user.Valid {
		rec.User = installs.String(user.String)
	}
	if uptime.Valid {
		rec.UptimeS = installs.Int64(uptime.Int64)
	}
	rec.FirstSeen = time.UnixMilli(first).UTC()
	rec.LastSeen = time.UnixMilli(lastSeen).UTC()
	return rec, nil
}

// Audit returns the audit sink sharing this database.
func (s *SQLite) Audit() audit.Sink { return sqliteAudit{s} }

type sqliteAudit struct{ s *SQLite }

func (a sqliteAudit) Append(ctx context.Context, rec audit.Record) error {
	if a.s.RedactAudit {
		rec = audit.RedactRecord(rec, a.s.AuditHashSalt)
	}
	var detail any
	if len(rec.Detail) > 0 {
		detail = string(rec.Detail)
	}
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO admin_audit (id, action, target, detail, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Action, rec.Target, detail, rec.RemoteAddr, rec.CreatedAt.UTC().UnixMilli())
	return err
}

func (a sqliteAudit) List(ctx context.Context, limit int) ([]audit.Record, error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, action, target, detail, remote_addr, created_at
		FROM admin_audit
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]audit.Record, 0)
	for rows.Next() {
		var (
			rec     audit.Record
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Target, &detail, &rec.RemoteAddr, &created); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			rec.Detail = json.RawMessage(detail.String)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
