// Package metrics keeps in-process counters for the control service.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Auth outcomes. Misconfiguration is a server fault and is counted apart
// from rejected credentials.
const (
	AuthOK            = "ok"
	AuthRejected      = "rejected"
	AuthMisconfigured = "misconfigured"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	decision    map[string]int64
	auth        map[string]int64
	upstream    map[string]int64
	rateLimited map[string]int64
	latency     map[string]*Latency
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                     `json:"generated_at"`
	Endpoints        map[string]EndpointStat    `json:"endpoints"`
	Decisions        map[string]int64           `json:"decisions"`
	Auth             map[string]int64           `json:"auth"`
	UpstreamFailures map[string]int64           `json:"upstream_failures"`
	RateLimited      map[string]int64           `json:"rate_limited"`
	Latency          map[string]LatencySnapshot `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		decision:    map[string]int64{},
		auth:        map[string]int64{},
		upstream:    map[string]int64{},
		rateLimited: map[string]int64{},
		latency:     map[string]*Latency{},
	}
}

func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	lat, ok := r.latency[route]
	if !ok {
		lat = NewLatency()
		r.latency[route] = lat
	}
	r.mu.Unlock()
	lat.Observe(d)
}

// IncDecision counts a policy decision by its reason code, or "UNLOCKED".
func (r *Registry) IncDecision(reasonCode string) {
	reasonCode = strings.TrimSpace(reasonCode)
	if reasonCode == "" {
		reasonCode = "UNLOCKED"
	}
	r.inc(r.decision, reasonCode)
}

func (r *Registry) IncAuth(outcome string) {
	if outcome == "" {
		return
	}
	r.inc(r.auth, outcome)
}

func (r *Registry) IncUpstreamFailure(provider string) {
	if provider == "" {
		return
	}
	r.inc(r.upstream, provider)
}

func (r *Registry) IncRateLimited(scope string) {
	if scope == "" {
		return
	}
	r.inc(r.rateLimited, scope)
}

func (r *Registry) inc(m map[string]int64, key string) {
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:        copyCounts(r.decision),
		Auth:             copyCounts(r.auth),
		UpstreamFailures: copyCounts(r.upstream),
		RateLimited:      copyCounts(r.rateLimited),
		Latency:          make(map[string]LatencySnapshot, len(r.latency)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.latency {
		out.Latency[k] = v.Snapshot()
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler renders the counters in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# TYPE killswitch_requests_total counter\n")
		for _, route := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "killswitch_requests_total{route=%q} %d\n", route, snap.Endpoints[route].Count)
		}
		b.WriteString("# TYPE killswitch_request_errors_total counter\n")
		for _, route := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "killswitch_request_errors_total{route=%q} %d\n", route, snap.Endpoints[route].ErrorCount)
		}
		writeCounter(b, "killswitch_decisions_total", "reason", snap.Decisions)
		writeCounter(b, "killswitch_auth_total", "outcome", snap.Auth)
		writeCounter(b, "killswitch_upstream_failures_total", "provider", snap.UpstreamFailures)
		writeCounter(b, "killswitch_rate_limited_total", "scope", snap.RateLimited)
		for _, route := range SortedKeys(snap.Latency) {
			l := snap.Latency[route]
			for _, bucket := range l.Buckets {
				fmt.Fprintf(b, "killswitch_request_seconds_bucket{route=%q,le=\"%g\"} %d\n", route, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "killswitch_request_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", route, l.Count)
			fmt.Fprintf(b, "killswitch_request_seconds_sum{route=%q} %.6f\n", route, l.Sum)
			fmt.Fprintf(b, "killswitch_request_seconds_count{route=%q} %d\n", route, l.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, label string, values map[string]int64) {
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(values) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
