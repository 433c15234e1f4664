// Package installs tracks the last known state of every client install.
package installs

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	MaxListLimit     = 2000
	DefaultListLimit = 200
)

// ErrEmptyInstallID rejects register and heartbeat calls without an id.
var ErrEmptyInstallID = errors.New("install_id is required")

// Record is the stored state of one install.
type Record struct {
	InstallID string    `json:"install_id"`
	Version   string    `json:"version"`
	Channel   string    `json:"channel"`
	Platform  string    `json:"platform"`
	Machine   *string   `json:"machine"`
	User      *string   `json:"user"`
	UptimeS   *int64    `json:"uptime_s"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Update carries the fields a register or heartbeat call supplied. Nil
// fields keep the stored value; on first sight they are stored empty.
type Update struct {
	Version  *string
	Channel  *string
	Platform *string
	Machine  *string
	User     *string
	UptimeS  *int64
}

// Registry is the durable install collaborator.
type Registry interface {
	// Upsert creates the record with FirstSeen=LastSeen=now or refreshes
	// LastSeen and the supplied fields. It returns the stored record.
	Upsert(ctx context.Context, installID string, u Update) (Record, error)
	// List returns at most limit records, most recently seen first.
	List(ctx context.Context, limit int) ([]Record, error)
}

// ClampLimit bounds operator-supplied list sizes. Zero or negative means
// "use the default".
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// NormalizeID trims id and rejects an empty result.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyInstallID
	}
	return id, nil
}

// Merge applies u to r. It is shared by the in-memory registry and tests of
// SQL backends so all backends agree on field semantics.
func (u Update) Merge(r *Record) {
	if u.Version != nil {
		r.Version = *u.Version
	}
	if u.Channel != nil {
		r.Channel = *u.Channel
	}
	if u.Platform != nil {
		r.Platform = *u.Platform
	}
	if u.Machine != nil {
		m := *u.Machine
		r.Machine = &m
	}
	if u.User != nil {
		v := *u.User
		r.User = &v
	}
	if u.UptimeS != nil {
		v := *u.UptimeS
		r.UptimeS = &v
	}
}

// String and Int64 build the optional fields of an Update.
func String(v string) *string { return &v }
func Int64(v int64) *int64    { return &v }
