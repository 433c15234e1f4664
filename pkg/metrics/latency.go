package metrics

import (
	"sync"
	"time"
)

// Bucket counts observations at or below Le seconds.
type Bucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Latency is a cumulative histogram of request durations.
type Latency struct {
	mu     sync.Mutex
	counts []int64
	sum    float64
	count  int64
}

type LatencySnapshot struct {
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
	P50     float64  `json:"p50"`
	P95     float64  `json:"p95"`
	P99     float64  `json:"p99"`
}

func NewLatency() *Latency {
	return &Latency{counts: make([]int64, len(latencyBounds))}
}

func (l *Latency) Observe(d time.Duration) {
	sec := d.Seconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sum += sec
	l.count++
	for i, le := range latencyBounds {
		if sec <= le {
			l.counts[i]++
		}
	}
}

func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LatencySnapshot{Buckets: make([]Bucket, len(latencyBounds)), Sum: l.sum, Count: l.count}
	for i, le := range latencyBounds {
		snap.Buckets[i] = Bucket{Le: le, Count: l.counts[i]}
	}
	snap.P50 = quantile(snap, 0.50)
	snap.P95 = quantile(snap, 0.95)
	snap.P99 = quantile(snap, 0.99)
	return snap
}

// quantile returns the smallest bucket bound covering q of the
// observations, or the largest bound when the tail overflows.
func quantile(s LatencySnapshot, q float64) float64 {
	if s.Count == 0 {
		return 0
	}
	target := int64(q*float64(s.Count) + 0.5)
	if target < 1 {
		target = 1
	}
	for _, b := range s.Buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}
