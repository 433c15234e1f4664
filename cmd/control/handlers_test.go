package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"killswitch/pkg/audit"
	"killswitch/pkg/config"
	"killswitch/pkg/httpx"
	"killswitch/pkg/metrics"
	"killswitch/pkg/ratelimit"
	"killswitch/pkg/store"
)

const testKey = "secret123"

func testConfig() config.Config {
	return config.Config{
		AdminKey:            testKey,
		InstallListDefault:  200,
		MaxRequestBodyBytes: 1 << 20,
		TTS: config.TTSConfig{
			DefaultVoiceID: "voice-default",
			DefaultModelID: "model-default",
			Timeout:        5 * time.Second,
		},
		Entitlement: config.EntitlementConfig{
			TierOrder: []string{"free", "plus", "pro"},
			Timeout:   5 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, http.Handler) {
	t.Helper()
	backend, err := store.Open(context.Background(), store.Options{Driver: store.DriverMemory})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(backend.Close)
	s := newServer(cfg, backend, ratelimit.NewInMemory(time.Minute))
	return s, s.Routes()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Key": testKey}
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorBody {
	t.Helper()
	var out httpx.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPublicRoutes(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK || decodeMap(t, rec)["service"] != serviceName {
		t.Fatalf("unexpected root response %d %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/settings", "", nil)
	body := decodeMap(t, rec)
	if body["beta_enabled"] != true || body["latest_version"] != "0.0.0" {
		t.Fatalf("unexpected default settings: %v", body)
	}
	for _, key := range []string{"kill_list", "killed_versions", "patch_url", "status_text", "status_note", "status_subnote"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("settings missing %q: %v", key, body)
		}
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers not applied")
	}

	rec = doRequest(t, h, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != httpx.CodeNotFound {
		t.Fatalf("unexpected not-found response %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	s, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"1.0.0"}`, nil)
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != httpx.CodeUnauthorized {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"1.0.0"}`, map[string]string{"Authorization": "Bearer secret124"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	snap, _ := s.Settings.GetAll(context.Background())
	if len(snap.KillList) != 0 {
		t.Fatalf("rejected request must not mutate: %v", snap.KillList)
	}

	rec = doRequest(t, h, http.MethodGet, "/admin/settings", "", map[string]string{"authorization": "bearer secret123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected lowercase bearer to pass, got %d", rec.Code)
	}
	for _, hdr := range []string{"X-Admin-Key", "X-API-Key", "X-Control-Key"} {
		rec = doRequest(t, h, http.MethodGet, "/admin/settings", "", map[string]string{hdr: testKey})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", hdr, rec.Code)
		}
	}

	auth := s.Metrics.Snapshot().Auth
	if auth[metrics.AuthRejected] != 2 || auth[metrics.AuthOK] != 4 {
		t.Fatalf("unexpected auth counters: %v", auth)
	}
}

func TestAdminGateMisconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AdminKey = ""
	s, h := newTestServer(t, cfg)

	rec := doRequest(t, h, http.MethodGet, "/admin/settings", "", map[string]string{"X-Admin-Key": "anything"})
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec).Code != httpx.CodeServerMisconfigured {
		t.Fatalf("expected 503 server_misconfigured, got %d %s", rec.Code, rec.Body.String())
	}
	auth := s.Metrics.Snapshot().Auth
	if auth[metrics.AuthMisconfigured] != 1 || auth[metrics.AuthRejected] != 0 {
		t.Fatalf("misconfiguration must be counted apart: %v", auth)
	}
}

func TestSetSettingsMerge(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodPost, "/admin/settings", `{"beta_enabled":false,"latest_version":"2.0.0","unknown_field":1}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("set settings: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/admin/settings", `{"latest_version":"3.0.0"}`, adminHeaders())
	body := decodeMap(t, rec)
	if body["beta_enabled"] != false || body["latest_version"] != "3.0.0" {
		t.Fatalf("merge erased fields: %v", body)
	}

	rec = doRequest(t, h, http.MethodPost, "/admin/settings", `{"killed_versions":["1.10.0","1.2.0"]}`, adminHeaders())
	body = decodeMap(t, rec)
	killed, _ := body["killed_versions"].([]any)
	if len(killed) != 2 || killed[0] != "1.2.0" || killed[1] != "1.10.0" {
		t.Fatalf("legacy kill list not applied in numeric order: %v", body["killed_versions"])
	}

	rec = doRequest(t, h, http.MethodPost, "/admin/settings", `{"beta_enabled":`, adminHeaders())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != httpx.CodeInvalidJSON {
		t.Fatalf("expected invalid_json, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestKillUnkillAndClientConfig(t *testing.T) {
	s, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"0.1.4","reason":"crash on start"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("kill: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if list, _ := body["kill_list"].(map[string]any); list["0.1.4"] != "crash on start" {
		t.Fatalf("unexpected kill response: %v", body)
	}

	rec = doRequest(t, h, http.MethodPost, "/client/config", `{"version":"0.1.4","channel":"beta"}`, nil)
	d := decodeMap(t, rec)
	if d["locked"] != true || d["reason"] != "crash on start" || d["reason_code"] != "VERSION_KILLED" {
		t.Fatalf("unexpected decision: %v", d)
	}
	if d["kill_build"] != true || d["kill_reason"] != "crash on start" {
		t.Fatalf("legacy fields not mirrored: %v", d)
	}

	for i := 0; i < 2; i++ {
		rec = doRequest(t, h, http.MethodPost, "/admin/unkill", `{"version":"0.1.4"}`, adminHeaders())
		if rec.Code != http.StatusOK {
			t.Fatalf("unkill #%d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	if list, _ := decodeMap(t, rec)["kill_list"].(map[string]any); len(list) != 0 {
		t.Fatalf("kill list not empty after unkill: %v", list)
	}

	rec = doRequest(t, h, http.MethodPost, "/client/config", `{"version":"0.1.4","channel":"beta"}`, nil)
	if decodeMap(t, rec)["locked"] != false {
		t.Fatalf("unkilled version still locked: %s", rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"  "}`, adminHeaders())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != httpx.CodeInvalidInput {
		t.Fatalf("expected invalid_input for empty version, got %d %s", rec.Code, rec.Body.String())
	}

	decisions := s.Metrics.Snapshot().Decisions
	if decisions["VERSION_KILLED"] != 1 || decisions["UNLOCKED"] != 1 {
		t.Fatalf("unexpected decision counters: %v", decisions)
	}
}

func TestReleaseAndBeta(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodPost, "/admin/release", `{"latest_version":"2.0.0","patch_url":"https://dl.example/2.0.0","force_update":true}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0","channel":"prod"}`, nil)
	d := decodeMap(t, rec)
	if d["locked"] != true || d["reason"] != "update required." || d["update_available"] != true {
		t.Fatalf("unexpected forced-update decision: %v", d)
	}

	rec = doRequest(t, h, http.MethodPost, "/admin/beta", `{}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/admin/beta", `{"enabled":false}`, adminHeaders())
	if decodeMap(t, rec)["beta_enabled"] != false {
		t.Fatalf("beta not disabled: %s", rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/client/config", `{"version":"2.0.0","channel":"beta"}`, nil)
	if d := decodeMap(t, rec); d["reason"] != "beta ended." {
		t.Fatalf("expected beta ended, got %v", d)
	}

	rec = doRequest(t, h, http.MethodPost, "/admin/release", `{"patch_url":"x"}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without latest_version, got %d", rec.Code)
	}
}

func TestRegisterHeartbeatAndInstalls(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	rec := doRequest(t, h, http.MethodPost, "/install/register", `{"install_id":"inst-1","version":"1.0.0","machine_hash":"abc"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	install, _ := decodeMap(t, rec)["install"].(map[string]any)
	if install["platform"] != "windows" || install["channel"] != "beta" || install["machine"] != "abc" {
		t.Fatalf("register defaults/aliases not applied: %v", install)
	}

	doRequest(t, h, http.MethodPost, "/admin/beta", `{"enabled":false}`, adminHeaders())
	rec = doRequest(t, h, http.MethodPost, "/install/heartbeat", `{"install_id":"inst-1","version":"1.0.1","app_uptime_s":42}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", rec.Code, rec.Body.String())
	}
	hb := decodeMap(t, rec)
	if hb["ok"] != true || hb["locked"] != true || hb["kill_build"] != true || hb["reason"] != "beta ended." {
		t.Fatalf("unexpected heartbeat response: %v", hb)
	}

	rec = doRequest(t, h, http.MethodGet, "/admin/installs?limit=5", "", adminHeaders())
	list := decodeMap(t, rec)
	items, _ := list["installs"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one install, got %v", list)
	}
	got := items[0].(map[string]any)
	if got["version"] != "1.0.1" || got["uptime_s"] != float64(42) || got["platform"] != "windows" {
		t.Fatalf("heartbeat did not refresh record: %v", got)
	}
	if got["first_seen"] == nil || got["last_seen"] == nil {
		t.Fatalf("timestamps missing: %v", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/admin/installs?limit=abc", "", adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric limit, got %d", rec.Code)
	}
}

func TestInstallValidation(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	cases := []struct {
		name string
		path string
		body string
		code string
	}{
		{"register without id", "/install/register", `{"version":"1.0.0"}`, httpx.CodeInvalidInput},
		{"register without version", "/install/register", `{"install_id":"x"}`, httpx.CodeInvalidInput},
		{"heartbeat without id", "/install/heartbeat", `{"install_id":" ","version":"1.0.0"}`, httpx.CodeInvalidInput},
		{"heartbeat bad json", "/install/heartbeat", `{`, httpx.CodeInvalidJSON},
		{"client config empty body", "/client/config", "", httpx.CodeInvalidJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, tc.path, tc.body, nil)
			if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != tc.code {
				t.Fatalf("expected 400 %s, got %d %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestBodyBytes = 16
	_, h := newTestServer(t, cfg)
	rec := doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0","channel":"beta"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuditTrail(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"1.0.0"}`, adminHeaders())
	doRequest(t, h, http.MethodPost, "/admin/beta", `{"enabled":true}`, adminHeaders())

	rec := doRequest(t, h, http.MethodGet, "/admin/audit?limit=10", "", adminHeaders())
	body := decodeMap(t, rec)
	records, _ := body["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %v", body)
	}
	newest := records[0].(map[string]any)
	if newest["action"] != audit.ActionToggleBeta || newest["remote_addr"] != "192.0.2.1" {
		t.Fatalf("unexpected newest record: %v", newest)
	}
}

func TestRateLimitOnPublicEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	s, h := newTestServer(t, cfg)

	rec := doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/install/heartbeat", `{"install_id":"a","version":"1.0.0"}`, nil)
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != httpx.CodeRateLimited {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rec := doRequest(t, h, http.MethodGet, "/settings", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("settings read must not be limited, got %d", rec.Code)
	}
	if s.Metrics.Snapshot().RateLimited["/install/heartbeat"] != 1 {
		t.Fatalf("rate limit not counted: %v", s.Metrics.Snapshot().RateLimited)
	}
}

func TestRateLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	_, h := newTestServer(t, cfg)

	allowed := 0
	for i := 0; i < 10; i++ {
		rec := doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0"}`,
			map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i), "X-Real-IP": fmt.Sprintf("198.51.100.%d", i)})
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("rotating forwarded headers reset the limit: %d/10 allowed", allowed)
	}
}

func TestForwardedHeadersHonouredWhenTrusted(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	cfg.TrustForwardedHeaders = true
	_, h := newTestServer(t, cfg)

	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		rec := doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0"}`, map[string]string{"X-Forwarded-For": ip})
		if rec.Code != http.StatusOK {
			t.Fatalf("client %s limited behind a trusted proxy: %d", ip, rec.Code)
		}
	}
	rec := doRequest(t, h, http.MethodPost, "/admin/beta", `{"enabled":true}`,
		map[string]string{"X-Admin-Key": testKey, "X-Forwarded-For": "203.0.113.9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("beta: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodGet, "/admin/audit?limit=1", "", adminHeaders())
	records, _ := decodeMap(t, rec)["records"].([]any)
	if len(records) != 1 || records[0].(map[string]any)["remote_addr"] != "203.0.113.9" {
		t.Fatalf("audit address not taken from trusted header: %v", records)
	}
}

func TestAuditAddressIgnoresForwardedHeadersByDefault(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doRequest(t, h, http.MethodPost, "/admin/beta", `{"enabled":false}`,
		map[string]string{"X-Admin-Key": testKey, "X-Forwarded-For": "203.0.113.9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("beta: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodGet, "/admin/audit?limit=1", "", adminHeaders())
	records, _ := decodeMap(t, rec)["records"].([]any)
	if len(records) != 1 || records[0].(map[string]any)["remote_addr"] != "192.0.2.1" {
		t.Fatalf("audit address forged through X-Forwarded-For: %v", records)
	}
}

func TestPaddedVersionLocksOnEveryRoute(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doRequest(t, h, http.MethodPost, "/admin/kill", `{"version":"1.0.0 ","reason":"bad build"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("kill: %d %s", rec.Code, rec.Body.String())
	}
	for _, v := range []string{"1.0.0 ", "1.0.0", " 1.0.0"} {
		body := fmt.Sprintf(`{"version":%q,"channel":"beta"}`, v)
		d := decodeMap(t, doRequest(t, h, http.MethodPost, "/client/config", body, nil))
		if d["locked"] != true || d["reason"] != "bad build" {
			t.Fatalf("client config for %q not locked: %v", v, d)
		}
		hb := fmt.Sprintf(`{"install_id":"i-1","version":%q,"channel":"beta"}`, v)
		d = decodeMap(t, doRequest(t, h, http.MethodPost, "/install/heartbeat", hb, nil))
		if d["locked"] != true || d["reason"] != "bad build" {
			t.Fatalf("heartbeat for %q not locked: %v", v, d)
		}
	}
}

func TestTTSProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/text-to-speech/voice-default":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3-bytes"))
		case "/v1/text-to-speech/voice-default/stream":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("stream-bytes"))
		default:
			http.Error(w, "voice not found", http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.TTS.BaseURL = upstream.URL
	cfg.TTS.APIKey = "xi-key"
	s, h := newTestServer(t, cfg)

	rec := doRequest(t, h, http.MethodPost, "/tts", `{"text":"hello"}`, adminHeaders())
	if rec.Code != http.StatusOK || rec.Body.String() != "mp3-bytes" || rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("unexpected tts response %d %q", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/tts/stream", `{"text":"hello"}`, adminHeaders())
	if rec.Code != http.StatusOK || rec.Body.String() != "stream-bytes" {
		t.Fatalf("unexpected stream response %d %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/tts", `{"text":"hello","voice_id":"ghost"}`, adminHeaders())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if eb := decodeError(t, rec); eb.Code != httpx.CodeUpstreamFailure || eb.UpstreamStatus != http.StatusNotFound {
		t.Fatalf("unexpected upstream envelope: %+v", eb)
	}
	if s.Metrics.Snapshot().UpstreamFailures[providerTTS] != 1 {
		t.Fatalf("upstream failure not counted: %v", s.Metrics.Snapshot().UpstreamFailures)
	}

	rec = doRequest(t, h, http.MethodPost, "/tts", `{"text":"  "}`, adminHeaders())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != httpx.CodeInvalidInput {
		t.Fatalf("expected invalid_input for empty text, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/tts", `{"text":"hello"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tts must require the credential, got %d", rec.Code)
	}
}

func TestTTSProxyMisconfigured(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doRequest(t, h, http.MethodPost, "/tts", `{"text":"hello"}`, adminHeaders())
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec).Code != httpx.CodeServerMisconfigured {
		t.Fatalf("expected 503 server_misconfigured, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestEntitlementFailsOpen(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rec := doRequest(t, h, http.MethodPost, "/entitlement", `{"email":"a@example.com"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("entitlement: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["tier"] != "free" || body["source"] != "fallback" {
		t.Fatalf("expected lowest-tier fallback, got %v", body)
	}
	rec = doRequest(t, h, http.MethodPost, "/entitlement", `{"email":""}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty email, got %d", rec.Code)
	}
}

func TestAdminMetricsEndpoints(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	doRequest(t, h, http.MethodPost, "/client/config", `{"version":"1.0.0"}`, nil)

	rec := doRequest(t, h, http.MethodGet, "/admin/metrics", "", adminHeaders())
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.Endpoints["POST /client/config"].Count != 1 {
		t.Fatalf("client config not recorded: %v", snap.Endpoints)
	}
	rec = doRequest(t, h, http.MethodGet, "/admin/metrics/prometheus", "", adminHeaders())
	if !strings.Contains(rec.Body.String(), "killswitch_decisions_total") {
		t.Fatalf("unexpected prometheus output: %s", rec.Body.String())
	}
}
