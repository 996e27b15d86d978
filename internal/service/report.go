package service

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"route-deal-alerts/internal/policy"
)

// RunReport summarises one pipeline cycle.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// Skipped is set when another process held the run lock.
	Skipped bool

	Routes         int
	Fetched        int
	FetchFailed    int
	PersistFailed  int
	Observations   int
	Rejected       int
	Unknown        int
	Bottoms        int
	MistakeFares   int
	Sent           int
	Deferred       int
	DispatchFailed int
	Flushed        int
	Suppressed     map[policy.Reason]int

	EvictedObservations int64
	EvictedAlerts       int64
}

func newReport(started time.Time) *RunReport {
	return &RunReport{StartedAt: started, Suppressed: make(map[policy.Reason]int)}
}

// Duration is the wall time of the run.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailureRate is the share of routes that could not be fetched or persisted.
func (r RunReport) FailureRate() float64 {
	if r.Routes == 0 {
		return 0
	}
	return float64(r.FetchFailed+r.PersistFailed) / float64(r.Routes)
}

// Healthy reports whether the failure rate stayed at or below threshold.
func (r RunReport) Healthy(threshold float64) bool {
	return r.FailureRate() <= threshold
}

// SuppressedTotal sums suppressions over all reasons.
func (r RunReport) SuppressedTotal() int {
	var n int
	for _, c := range r.Suppressed {
		n += c
	}
	return n
}

func (r RunReport) suppressedSummary() string {
	keys := make([]string, 0, len(r.Suppressed))
	for reason := range r.Suppressed {
		keys = append(keys, string(reason))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Itoa(r.Suppressed[policy.Reason(k)]))
	}
	return strings.Join(parts, ",")
}

// Log writes the report as one structured line.
func (r RunReport) Log(logger zerolog.Logger, threshold float64) {
	event := logger.Info()
	if !r.Healthy(threshold) {
		event = logger.Warn().Bool("unhealthy", true)
	}
	event.
		Int("routes", r.Routes).
		Int("fetched", r.Fetched).
		Int("fetch_failed", r.FetchFailed).
		Int("persist_failed", r.PersistFailed).
		Int("observations", r.Observations).
		Int("rejected", r.Rejected).
		Int("unknown", r.Unknown).
		Int("bottoms", r.Bottoms).
		Int("mistake_fares", r.MistakeFares).
		Int("sent", r.Sent).
		Int("deferred", r.Deferred).
		Int("flushed", r.Flushed).
		Int("dispatch_failed", r.DispatchFailed).
		Str("suppressed", r.suppressedSummary()).
		Float64("failure_rate", r.FailureRate()).
		Int64("evicted_observations", r.EvictedObservations).
		Int64("evicted_alerts", r.EvictedAlerts).
		Dur("duration", r.Duration()).
		Msg("run finished")
}

// reportSink serialises updates from concurrent workers.
type reportSink struct {
	mu     sync.Mutex
	report *RunReport
}

func (s *reportSink) update(fn func(r *RunReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.report)
}
