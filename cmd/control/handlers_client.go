package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"killswitch/pkg/httpx"
	"killswitch/pkg/installs"
	"killswitch/pkg/policyeval"
)

const (
	defaultChannel  = "beta"
	defaultPlatform = "windows"
)

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// publicSettings lets a client learn it is dead without holding a credential.
func (s *Server) publicSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Settings.GetAll(r.Context())
	if err != nil {
		internalServerError(w, "read settings", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) clientConfig(w http.ResponseWriter, r *http.Request) {
	var report policyeval.Report
	if !decodeBody(w, r, &report) {
		return
	}
	s.decide(w, r, report, nil)
}

type registerRequest struct {
	InstallID   string  `json:"install_id"`
	Version     string  `json:"version"`
	Channel     string  `json:"channel"`
	Platform    string  `json:"platform"`
	Machine     *string `json:"machine"`
	MachineHash *string `json:"machine_hash"`
	User        *string `json:"user"`
}

func (s *Server) registerInstall(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, version, ok := requireInstall(w, req.InstallID, req.Version)
	if !ok {
		return
	}
	machine := req.Machine
	if machine == nil {
		machine = req.MachineHash
	}
	rec, err := s.Installs.Upsert(r.Context(), id, installs.Update{
		Version:  &version,
		Channel:  installs.String(orDefault(req.Channel, defaultChannel)),
		Platform: installs.String(orDefault(req.Platform, defaultPlatform)),
		Machine:  machine,
		User:     req.User,
	})
	if err != nil {
		internalServerError(w, "register install", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "install": rec})
}

type heartbeatRequest struct {
	InstallID  string `json:"install_id"`
	Version    string `json:"version"`
	Channel    string `json:"channel"`
	UptimeS    *int64 `json:"uptime_s"`
	AppUptimeS *int64 `json:"app_uptime_s"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, version, ok := requireInstall(w, req.InstallID, req.Version)
	if !ok {
		return
	}
	uptime := req.UptimeS
	if uptime == nil {
		uptime = req.AppUptimeS
	}
	channel := orDefault(req.Channel, defaultChannel)
	if _, err := s.Installs.Upsert(r.Context(), id, installs.Update{
		Version: &version,
		Channel: &channel,
		UptimeS: uptime,
	}); err != nil {
		internalServerError(w, "heartbeat", err)
		return
	}
	s.decide(w, r, policyeval.Report{Version: version, Channel: channel}, map[string]any{"ok": true})
}

// decide evaluates report against a fresh snapshot and writes the decision,
// merged with extra when given.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, report policyeval.Report, extra map[string]any) {
	snap, err := s.Settings.GetAll(r.Context())
	if err != nil {
		internalServerError(w, "read settings", err)
		return
	}
	d := policyeval.Evaluate(report, snap)
	s.Metrics.IncDecision(d.ReasonCode)
	if extra == nil {
		httpx.WriteJSON(w, http.StatusOK, d)
		return
	}
	body, err := mergeJSON(d, extra)
	if err != nil {
		internalServerError(w, "encode decision", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func requireInstall(w http.ResponseWriter, installID, version string) (string, string, bool) {
	id, err := installs.NormalizeID(installID)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, err.Error())
		return "", "", false
	}
	version = strings.TrimSpace(version)
	if version == "" {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidInput, "version is required")
		return "", "", false
	}
	return id, version, true
}

// decodeBody writes the failure response itself and reports whether the
// handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := httpx.DecodeJSON(r, v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		httpx.Error(w, http.StatusRequestEntityTooLarge, httpx.CodeInvalidInput, "request body too large")
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidJSON, "request body is empty")
	default:
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidJSON, "invalid json")
	}
	return false
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// mergeJSON flattens v and adds extra on top. Heartbeat answers carry the
// decision fields at the top level next to "ok".
func mergeJSON(v any, extra map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for k, val := range extra {
		out[k] = val
	}
	return out, nil
}
