package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"killswitch/pkg/admin"
	"killswitch/pkg/httpx"
	"killswitch/pkg/settings"
)

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Admin.GetSettings(r.Context())
	if err != nil {
		internalServerError(w, "get settings", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) setSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Partial
	if !decodeBody(w, r, &p) {
		return
	}
	snap, err := s.Admin.SetSettings(r.Context(), p)
	if err != nil {
		adminError(w, "set settings", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

type killRequest struct {
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

func (s *Server) killVersion(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !decodeBody(w, r, &req) {
		return
	}
	list, err := s.Admin.KillVersion(r.Context(), req.Version, req.Reason)
	if err != nil {
		adminError(w, "kill version", err)
		return
	}
	writeKillList(w, list)
}

func (s *Server) unkillVersion(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !decodeBody(w, r, &req) {
		return
	}
	list, err := s.Admin.UnkillVersion(r.Context(), req.Version)
	if err != nil {
		adminError(w, "unkill version", err)
		return
	}
	writeKillList(w, list)
}

func writeKillList(w http.ResponseWriter, list map[string]string) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"kill_list":       list,
		"killed_versions": settings.Settings{KillList: list}.KilledVersions(),
	})
}

func (s *Server) toggleBeta(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, "enabled is required")
		return
	}
	snap, err := s.Admin.ToggleBeta(r.Context(), *req.Enabled)
	if err != nil {
		adminError(w, "toggle beta", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) setRelease(w http.ResponseWriter, r *http.Request) {
	var req admin.Release
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.Admin.SetRelease(r.Context(), req)
	if err != nil {
		adminError(w, "set release", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) listInstalls(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.Admin.ListInstalls(r.Context(), limit)
	if err != nil {
		internalServerError(w, "list installs", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"installs": items, "count": len(items)})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.Admin.ListAudit(r.Context(), limit)
	if err != nil {
		internalServerError(w, "list audit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": items, "count": len(items)})
}

// queryLimit parses ?limit=. Absent means the configured default; range
// clamping happens in the admin service.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, "limit must be an integer")
		return 0, false
	}
	if n < 1 {
		n = 1
	}
	return n, true
}

func adminError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, admin.ErrInvalidInput) || errors.Is(err, settings.ErrEmptyVersion) {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, err.Error())
		return
	}
	internalServerError(w, op, err)
}
