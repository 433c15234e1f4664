// Package admin implements the operator operations over the settings store,
// the install registry and the audit trail. Callers authenticate before
// reaching it; nothing here inspects credentials.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"killswitch/pkg/audit"
	"killswitch/pkg/installs"
	"killswitch/pkg/settings"
)

var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Service struct {
	Settings settings.Store
	Installs installs.Registry
	// Audit is optional.
	Audit            audit.Sink
	DefaultListLimit int
}

// Release is the set of fields that must change together.
type Release struct {
	LatestVersion string `json:"latest_version" yaml:"latest_version"`
	PatchURL      string `json:"patch_url" yaml:"patch_url"`
	ForceUpdate   bool   `json:"force_update" yaml:"force_update"`
}

type remoteAddrKey struct{}

// WithRemoteAddr tags ctx with the operator address recorded in the audit
// trail.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(remoteAddrKey{}).(string)
	return v
}

func (s *Service) GetSettings(ctx context.Context) (settings.Settings, error) {
	return s.Settings.GetAll(ctx)
}

// SetSettings merges p. Fields the caller did not send are left alone.
func (s *Service) SetSettings(ctx context.Context, p settings.Partial) (settings.Settings, error) {
	if p.KillList != nil {
		clean := make(map[string]string, len(*p.KillList))
		for v, reason := range *p.KillList {
			nv, err := settings.NormalizeVersion(v)
			if err != nil {
				return settings.Settings{}, invalid("kill_list contains an empty version")
			}
			clean[nv] = reason
		}
		p.KillList = &clean
	}
	if p.IsEmpty() {
		return s.Settings.GetAll(ctx)
	}
	out, err := s.Settings.Update(ctx, p)
	if err != nil {
		return settings.Settings{}, err
	}
	s.record(ctx, audit.ActionUpdateSettings, "", p)
	return out, nil
}

func (s *Service) KillVersion(ctx context.Context, version, reason string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	reason = strings.TrimSpace(reason)
	out, err := s.Settings.Kill(ctx, v, reason)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionKill, v, map[string]string{"reason": reason})
	return out, nil
}

func (s *Service) UnkillVersion(ctx context.Context, version string) (map[string]string, error) {
	v, err := settings.NormalizeVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out, err := s.Settings.Unkill(ctx, v)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionUnkill, v, nil)
	return out, nil
}

func (s *Service) ToggleBeta(ctx context.Context, enabled bool) (settings.Settings, error) {
	out, err := s.Settings.Update(ctx, settings.Partial{BetaEnabled: &enabled})
	if err != nil {
		return settings.Settings{}, err
	}
	s.record(ctx, audit.ActionToggleBeta, "", map[string]bool{"enabled": enabled})
	return out, nil
}

// SetRelease writes all three release fields in one update.
func (s *Service) SetRelease(ctx context.Context, r Release) (settings.Settings, error) {
	latest := strings.TrimSpace(r.LatestVersion)
	if latest == "" {
		return settings.Settings{}, invalid("latest_version is required")
	}
	patchURL := strings.TrimSpace(r.PatchURL)
	force := r.ForceUpdate
	out, err := s.Settings.Update(ctx, settings.Partial{
		LatestVersion: &latest,
		PatchURL:      &patchURL,
		ForceUpdate:   &force,
	})
	if err != nil {
		return settings.Settings{}, err
	}
	s.record(ctx, audit.ActionSetRelease, latest, Release{LatestVersion: latest, PatchURL: patchURL, ForceUpdate: force})
	return out, nil
}

func (s *Service) ListInstalls(ctx context.Context, limit int) ([]installs.Record, error) {
	return s.Installs.List(ctx, s.limit(limit))
}

func (s *Service) ListAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	if s.Audit == nil {
		return []audit.Record{}, nil
	}
	return s.Audit.List(ctx, s.limit(limit))
}

func (s *Service) limit(limit int) int {
	if limit <= 0 && s.DefaultListLimit > 0 {
		limit = s.DefaultListLimit
	}
	return installs.ClampLimit(limit)
}

// record appends to the audit trail. The mutation has already committed,
// so a failure here is logged and not returned.
func (s *Service) record(ctx context.Context, action, target string, detail any) {
	if s.Audit == nil {
		return
	}
	rec := audit.NewRecord(action, target, detail)
	rec.RemoteAddr = remoteAddr(ctx)
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("admin audit append failed action=%s target=%s: %v", action, target, err)
	}
}
