// Package settings holds the mutable release policy read by the policy engine
// and written by the admin surface.
package settings

import (
	"context"
	"errors"
	"sort"
	"strings"

	"killswitch/pkg/version"
)

const (
	DefaultLatestVersion = "0.0.0"
	DefaultBetaEnabled   = true
)

// ErrEmptyVersion rejects kill and unkill calls for a blank version.
var ErrEmptyVersion = errors.New("version is required")

// Settings is the full policy snapshot. KillList maps an exact version string
// to an optional reason; a missing key means the version is not killed.
type Settings struct {
	BetaEnabled   bool              `json:"beta_enabled"`
	LatestVersion string            `json:"latest_version"`
	PatchURL      string            `json:"patch_url"`
	ForceUpdate   bool              `json:"force_update"`
	KillList      map[string]string `json:"kill_list"`
	StatusText    string            `json:"status_text"`
	StatusNote    string            `json:"status_note"`
	StatusSubnote string            `json:"status_subnote"`
}

// Defaults returns the snapshot used for any field never written.
func Defaults() Settings {
	return Settings{
		BetaEnabled:   DefaultBetaEnabled,
		LatestVersion: DefaultLatestVersion,
		KillList:      map[string]string{},
	}
}

// Clone returns a copy that shares no map with s.
func (s Settings) Clone() Settings {
	out := s
	out.KillList = CloneKillList(s.KillList)
	return out
}

// KilledVersions lists kill-list keys in numeric version order.
func (s Settings) KilledVersions() []string {
	out := make([]string, 0, len(s.KillList))
	for v := range s.KillList {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return version.Less(out[i], out[j]) })
	return out
}

// Partial is a merge update. Nil fields are left untouched. KillList, when
// non-nil, replaces the whole kill list.
type Partial struct {
	BetaEnabled   *bool              `json:"beta_enabled,omitempty" yaml:"beta_enabled,omitempty"`
	LatestVersion *string            `json:"latest_version,omitempty" yaml:"latest_version,omitempty"`
	PatchURL      *string            `json:"patch_url,omitempty" yaml:"patch_url,omitempty"`
	ForceUpdate   *bool              `json:"force_update,omitempty" yaml:"force_update,omitempty"`
	KillList      *map[string]string `json:"kill_list,omitempty" yaml:"kill_list,omitempty"`
	StatusText    *string            `json:"status_text,omitempty" yaml:"status_text,omitempty"`
	StatusNote    *string            `json:"status_note,omitempty" yaml:"status_note,omitempty"`
	StatusSubnote *string            `json:"status_subnote,omitempty" yaml:"status_subnote,omitempty"`
}

// IsEmpty reports whether p changes nothing.
func (p Partial) IsEmpty() bool {
	return p.BetaEnabled == nil && p.LatestVersion == nil && p.PatchURL == nil && p.ForceUpdate == nil &&
		p.KillList == nil && p.StatusText == nil && p.StatusNote == nil && p.StatusSubnote == nil
}

// Apply merges p into s in place.
func (p Partial) Apply(s *Settings) {
	if p.BetaEnabled != nil {
		s.BetaEnabled = *p.BetaEnabled
	}
	if p.LatestVersion != nil {
		s.LatestVersion = *p.LatestVersion
	}
	if p.PatchURL != nil {
		s.PatchURL = *p.PatchURL
	}
	if p.ForceUpdate != nil {
		s.ForceUpdate = *p.ForceUpdate
	}
	if p.StatusText != nil {
		s.StatusText = *p.StatusText
	}
	if p.StatusNote != nil {
		s.StatusNote = *p.StatusNote
	}
	if p.StatusSubnote != nil {
		s.StatusSubnote = *p.StatusSubnote
	}
	if p.KillList != nil {
		s.KillList = CloneKillList(*p.KillList)
	}
}

// Store is the durable settings collaborator. Every method is safe for
// concurrent use and every write is atomic with respect to readers.
type Store interface {
	// GetAll never fails because of keys that were never written.
	GetAll(ctx context.Context) (Settings, error)
	Update(ctx context.Context, p Partial) (Settings, error)
	// IsKilled returns the stored reason and whether version is killed.
	IsKilled(ctx context.Context, version string) (string, bool, error)
	// Kill overwrites any existing reason and returns the resulting kill list.
	Kill(ctx context.Context, version, reason string) (map[string]string, error)
	// Unkill is a no-op for versions that are not killed.
	Unkill(ctx context.Context, version string) (map[string]string, error)
}

// CloneKillList copies in; a nil map yields an empty one.
func CloneKillList(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NormalizeVersion trims surrounding space but keeps case: kill-list keys are
// exact strings.
func NormalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrEmptyVersion
	}
	return v, nil
}

// Bool and String build the optional fields of a Partial.
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
