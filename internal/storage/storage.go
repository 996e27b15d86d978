package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrStaleObservation rejects an observation older than the newest stored one.
	ErrStaleObservation = errors.New("storage: observation older than route history")
)

// HistoryStore keeps the bounded per-route price series.
type HistoryStore interface {
	AppendObservation(ctx context.Context, obs Observation) error
	Snapshot(ctx context.Context, routeKey string) ([]Observation, error)
	ListRoutes(ctx context.Context) ([]string, error)
	EvictObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertLedger records dispatched alerts and the daily counter.
type AlertLedger interface {
	// RecordAlert appends rec and increments the counter for day in one transaction.
	RecordAlert(ctx context.Context, rec AlertRecord, day string) (DailyCounter, error)
	AlertsSince(ctx context.Context, routeKey string, since time.Time) ([]AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DailyCounter(ctx context.Context, day string) (DailyCounter, error)
	DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertQueue persists deferred alerts in insertion order.
type AlertQueue interface {
	EnqueueAlert(ctx context.Context, routeKey string, payload []byte, at time.Time) error
	PendingAlerts(ctx context.Context) ([]QueuedAlert, error)
	AckAlerts(ctx context.Context, ids []int64) error
}

// AdvisoryLocker exposes cross-process run exclusion.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern of a run.
type Store interface {
	HistoryStore
	AlertLedger
	AlertQueue
	Close()
}

func copyObservations(src []Observation) []Observation {
	out := make([]Observation, len(src))
	copy(out, src)
	return out
}
