package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"killswitch/pkg/audit"
	"killswitch/pkg/installs"
	"killswitch/pkg/settings"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres keeps settings as one row per key, the kill list and installs in
// their own tables, and the audit trail through audit.Writer.
type Postgres struct {
	db    pgDB
	audit *audit.Writer
	Now   func() time.Time
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS killed_versions (
		version TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS installs (
		install_id TEXT PRIMARY KEY,
		version TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		machine TEXT,
		username TEXT,
		uptime_s BIGINT,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS installs_last_seen_idx ON installs (last_seen DESC)`,
}

func NewPostgres(db pgDB, auditOpts audit.Writer) *Postgres {
	w := auditOpts
	w.DB = db
	return &Postgres{db: db, audit: &w, Now: time.Now}
}

// EnsureSchema creates missing tables. Existing tables are left alone.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return p.audit.EnsureSchema(ctx)
}

func (p *Postgres) Audit() audit.Sink { return p.audit }

var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (p *Postgres) GetAll(ctx context.Context) (settings.Settings, error) {
	var out settings.Settings
	err := pgx.BeginTxFunc(ctx, p.db, snapshotTx, func(tx pgx.Tx) error {
		var err error
		out, err = readSettings(ctx, tx)
		return err
	})
	return out, err
}

func (p *Postgres) Update(ctx context.Context, patch settings.Partial) (settings.Settings, error) {
	var out settings.Settings
	err := pgx.BeginTxFunc(ctx, p.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for key, value := range patch.Pairs() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
			`, key, value); err != nil {
				return err
			}
		}
		if patch.KillList != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM killed_versions`); err != nil {
				return err
			}
			for v, reason := range *patch.KillList {
				if _, err := tx.Exec(ctx, `INSERT INTO killed_versions (version, reason) VALUES ($1, $2)`, v, reason); err != nil {
					return err
				}
			}
		}
		var err error
		out, err = readSettings(ctx, tx)
		return err
	})
	return out, err
}

func (p *Postgres) IsKilled(ctx context.Context, version string) (string, bool, error) {
	var reason string
	err := p.db.QueryRow(ctx, `SELECT reason FROM killed_versions WHERE version = $1`, strings.TrimSpace(version)).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}

func (p *Postgres) Kill(ctx context.Context, version, reason string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	err = pgx.BeginTxFunc(ctx, p.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO killed_versions (version, reason, created_at) VALUES ($1, $2, now())
			ON CONFLICT (version) DO UPDATE SET reason = EXCLUDED.reason
		`, v, reason); err != nil {
			return err
		}
		var err error
		out, err = readKillList(ctx, tx)
		return err
	})
	return out, err
}

func (p *Postgres) Unkill(ctx context.Context, version string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	err = pgx.BeginTxFunc(ctx, p.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM killed_versions WHERE version = $1`, v); err != nil {
			return err
		}
		var err error
		out, err = readKillList(ctx, tx)
		return err
	})
	return out, err
}

func readSettings(ctx context.Context, tx pgx.Tx) (settings.Settings, error) {
	out := settings.Defaults()
	rows, err := tx.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return out, err
		}
		settings.ApplyPair(&out, key, value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}
	out.KillList, err = readKillList(ctx, tx)
	return out, err
}

func readKillList(ctx context.Context, tx pgx.Tx) (map[string]string, error) {
	rows, err := tx.Query(ctx, `SELECT version, reason FROM killed_versions`)
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

const installColumns = `install_id, version, channel, platform, machine, username, uptime_s, first_seen, last_seen`

func (p *Postgres) Upsert(ctx context.Context, installID string, u installs.Update) (installs.Record, error) {
	id, err := installs.NormalizeID(installID)
	if err != nil {
		return installs.Record{}, err
	}
	now := p.Now().UTC()
	row := p.db.QueryRow(ctx, `
		INSERT INTO installs (`+installColumns+`)
		VALUES ($1, COALESCE($2::text, ''), COALESCE($3::text, ''), COALESCE($4::text, ''), $5::text, $6::text, $7::bigint, $8, $8)
		ON CONFLICT (install_id) DO UPDATE SET
			version = COALESCE($2::text, installs.version),
			channel = COALESCE($3::text, installs.channel),
			platform = COALESCE($4::text, installs.platform),
			machine = COALESCE($5::text, installs.machine),
			username = COALESCE($6::text, installs.username),
			uptime_s = COALESCE($7::bigint, installs.uptime_s),
			last_seen = $8
		RETURNING `+installColumns,
		id, u.Version, u.Channel, u.Platform, u.Machine, u.User, u.UptimeS, now)
	return scanInstall(row)
}

func (p *Postgres) List(ctx context.Context, limit int) ([]installs.Record, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+installColumns+`
		FROM installs
		ORDER BY last_seen DESC, install_id ASC
		LIMIT $1
	`, installs.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]installs.Record, 0)
	for rows.Next() {
		rec, err := scanInstall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanInstall(row pgx.Row) (installs.Record, error) {
	var rec installs.Record
	err := row.Scan(&rec.InstallID, &rec.Version, &rec.Channel, &rec.Platform,
		&rec.Machine, &rec.User, &rec.UptimeS, &rec.FirstSeen, &rec.LastSeen)
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.LastSeen = rec.LastSeen.UTC()
	return rec, err
}
