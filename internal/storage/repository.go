package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/001_init.sql
var initSchemaSQL string

const (
	latestObservedAtSQL = `SELECT max(observed_at) FROM route_observations WHERE route_key = $1;`

	insertObservationSQL = `INSERT INTO route_observations (
        route_key,
        price,
        observed_at,
        confidence,
        sample_count
    ) VALUES ($1,$2,$3,$4,$5);`

	trimObservationsSQL = `DELETE FROM route_observations
    WHERE route_key = $1
      AND id IN (
        SELECT id FROM route_observations
        WHERE route_key = $1
        ORDER BY observed_at DESC, id DESC
        OFFSET $2
      );`

	snapshotSQL = `SELECT
        route_key,
        price::text,
        observed_at,
        confidence,
        sample_count
    FROM route_observations
    WHERE route_key = $1
    ORDER BY observed_at, id;`

	listRoutesSQL = `SELECT DISTINCT route_key FROM route_observations ORDER BY route_key;`

	evictObservationsSQL = `DELETE FROM route_observations WHERE observed_at < $1;`

	insertAlertSQL = `INSERT INTO alert_ledger (
        id,
        route_key,
        price_band,
        price,
        mistake_fare,
        sent_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	bumpCounterSQL = `INSERT INTO daily_counter (id, day, count) VALUES (1, $1, 1)
    ON CONFLICT (id) DO UPDATE
    SET count = CASE WHEN daily_counter.day = EXCLUDED.day THEN daily_counter.count + 1 ELSE 1 END,
        day   = EXCLUDED.day
    RETURNING day, count;`

	selectCounterSQL = `SELECT day, count FROM daily_counter WHERE id = 1;`

	alertsSinceSQL = `SELECT
        id::text,
        route_key,
        price_band::text,
        price::text,
        mistake_fare,
        sent_at
    FROM alert_ledger
    WHERE route_key = $1
      AND sent_at >= $2
    ORDER BY sent_at;`

	listRecentAlertsSQL = `SELECT
        id::text,
        route_key,
        price_band::text,
        price::text,
        mistake_fare,
        sent_at
    FROM alert_ledger
    ORDER BY sent_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_ledger WHERE sent_at < $1;`

	enqueueAlertSQL = `INSERT INTO night_queue (route_key, payload, enqueued_at) VALUES ($1,$2,$3);`

	pendingAlertsSQL = `SELECT id, route_key, payload, enqueued_at FROM night_queue ORDER BY id;`

	ackAlertsSQL = `DELETE FROM night_queue WHERE id = ANY($1);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore persists history, ledger and queue in PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention int
}

// NewPostgresStore wires a pgx pool into a Store bounded to retention entries per route.
func NewPostgresStore(pool *pgxpool.Pool, retention int) *PostgresStore {
	return &PostgresStore{pool: pool, retention: retention}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema applies the embedded schema; every statement is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, initSchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock dies with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendObservation inserts obs and trims the route to the retention bound in one transaction.
func (s *PostgresStore) AppendObservation(ctx context.Context, obs Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var latest *time.Time
	if err := tx.QueryRow(ctx, latestObservedAtSQL, obs.RouteKey).Scan(&latest); err != nil {
		return fmt.Errorf("read latest observation: %w", err)
	}
	if latest != nil && obs.ObservedAt.Before(*latest) {
		return ErrStaleObservation
	}

	if _, err := tx.Exec(ctx, insertObservationSQL,
		obs.RouteKey,
		obs.Price.String(),
		obs.ObservedAt.UTC(),
		obs.Confidence,
		obs.SampleCount,
	); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	if _, err := tx.Exec(ctx, trimObservationsSQL, obs.RouteKey, s.retention); err != nil {
		return fmt.Errorf("trim observations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Snapshot returns the route history ordered by observed_at ascending.
func (s *PostgresStore) Snapshot(ctx context.Context, routeKey string) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, snapshotSQL, routeKey)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	history := make([]Observation, 0, s.retention)
	for rows.Next() {
		var (
			obs      Observation
			priceStr string
		)
		if err := rows.Scan(&obs.RouteKey, &priceStr, &obs.ObservedAt, &obs.Confidence, &obs.SampleCount); err != nil {
			return nil, err
		}
		obs.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		history = append(history, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return history, nil
}

// ListRoutes lists every route key with stored history.
func (s *PostgresStore) ListRoutes(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRoutesSQL)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	routes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect routes: %w", err)
	}
	return routes, nil
}

// EvictObservationsBefore removes observations older than cutoff.
func (s *PostgresStore) EvictObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, evictObservationsSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict observations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordAlert appends rec to the ledger and bumps the daily counter atomically.
func (s *PostgresStore) RecordAlert(ctx context.Context, rec AlertRecord, day string) (DailyCounter, error) {
	pool, err := s.getPool()
	if err != nil {
		return DailyCounter{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return DailyCounter{}, fmt.Errorf("begin record alert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertAlertSQL,
		rec.ID,
		rec.RouteKey,
		rec.PriceBand.String(),
		rec.Price.String(),
		rec.MistakeFare,
		rec.SentAt.UTC(),
	); err != nil {
		return DailyCounter{}, fmt.Errorf("insert alert: %w", err)
	}

	var counter DailyCounter
	if err := tx.QueryRow(ctx, bumpCounterSQL, day).Scan(&counter.Day, &counter.Count); err != nil {
		return DailyCounter{}, fmt.Errorf("bump daily counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DailyCounter{}, fmt.Errorf("commit record alert: %w", err)
	}
	return counter, nil
}

// DailyCounter reads the counter, rolled over to day.
func (s *PostgresStore) DailyCounter(ctx context.Context, day string) (DailyCounter, error) {
	pool, err := s.getPool()
	if err != nil {
		return DailyCounter{}, err
	}
	var counter DailyCounter
	err = pool.QueryRow(ctx, selectCounterSQL).Scan(&counter.Day, &counter.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyCounter{Day: day}, nil
	}
	if err != nil {
		return DailyCounter{}, fmt.Errorf("read daily counter: %w", err)
	}
	return counter.On(day), nil
}

// AlertsSince lists ledger records for a route sent at or after since.
func (s *PostgresStore) AlertsSince(ctx context.Context, routeKey string, since time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, alertsSinceSQL, routeKey, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query alerts since: %w", err)
	}
	return collectAlerts(rows)
}

// ListRecentAlerts lists most recent alerts.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// DeleteAlertsBefore deletes ledger records older than cutoff.
func (s *PostgresStore) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnqueueAlert appends a deferred payload to the night queue.
func (s *PostgresStore) EnqueueAlert(ctx context.Context, routeKey string, payload []byte, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, enqueueAlertSQL, routeKey, payload, at.UTC()); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}

// PendingAlerts lists queued payloads in insertion order.
func (s *PostgresStore) PendingAlerts(ctx context.Context) ([]QueuedAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pendingAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("query night queue: %w", err)
	}
	defer rows.Close()

	queued := make([]QueuedAlert, 0)
	for rows.Next() {
		var item QueuedAlert
		var payload []byte
		if err := rows.Scan(&item.ID, &item.RouteKey, &payload, &item.EnqueuedAt); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		queued = append(queued, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return queued, nil
}

// AckAlerts removes flushed entries from the night queue.
func (s *PostgresStore) AckAlerts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ackAlertsSQL, ids); err != nil {
		return fmt.Errorf("ack night queue: %w", err)
	}
	return nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var rec AlertRecord
		var bandStr, priceStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.RouteKey,
			&bandStr,
			&priceStr,
			&rec.MistakeFare,
			&rec.SentAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.PriceBand, convErr = decimal.NewFromString(bandStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price band: %w", convErr)
		}
		rec.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
