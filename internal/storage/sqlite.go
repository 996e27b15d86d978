package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS route_observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	route_key TEXT NOT NULL,
	price TEXT NOT NULL,
	observed_at_ns INTEGER NOT NULL,
	confidence REAL NOT NULL,
	sample_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_route_observations_route ON route_observations(route_key, observed_at_ns, id);

CREATE TABLE IF NOT EXISTS alert_ledger (
	id TEXT PRIMARY KEY,
	route_key TEXT NOT NULL,
	price_band TEXT NOT NULL,
	price TEXT NOT NULL,
	mistake_fare INTEGER NOT NULL DEFAULT 0,
	sent_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_ledger_route_sent ON alert_ledger(route_key, sent_at_ns);

CREATE TABLE IF NOT EXISTS daily_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	day TEXT NOT NULL,
	count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS night_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	route_key TEXT NOT NULL,
	payload TEXT NOT NULL,
	enqueued_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_lock (
	key INTEGER PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at_ns INTEGER NOT NULL
);
`

// SQLiteOptions tune the single-file store.
type SQLiteOptions struct {
	Retention int
	LockTTL   time.Duration
}

// SQLiteStore persists history, ledger and queue in a local SQLite file.
type SQLiteStore struct {
	db        *sql.DB
	retention int
	lockTTL   time.Duration
	now       func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}

	store := &SQLiteStore{db: db, retention: opts.Retention, lockTTL: lockTTL, now: time.Now}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// TryAdvisoryLock claims the run lock row; a holder past its TTL is considered dead.
func (s *SQLiteStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	holder := uuid.NewString()
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expires int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at_ns FROM run_lock WHERE key = ?`, key).Scan(&expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, fmt.Errorf("read run lock: %w", err)
	case expires > now.UnixNano():
		return nil, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_lock (key, holder, expires_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at_ns = excluded.expires_at_ns`,
		key, holder, now.Add(s.lockTTL).UnixNano(),
	); err != nil {
		return nil, false, fmt.Errorf("claim run lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit run lock: %w", err)
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = s.db.ExecContext(ctxUnlock, `DELETE FROM run_lock WHERE key = ? AND holder = ?`, key, holder)
	}
	return unlock, true, nil
}

// AppendObservation inserts obs and trims the route to the retention bound in one transaction.
func (s *SQLiteStore) AppendObservation(ctx context.Context, obs Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT max(observed_at_ns) FROM route_observations WHERE route_key = ?`, obs.RouteKey,
	).Scan(&latest); err != nil {
		return fmt.Errorf("read latest observation: %w", err)
	}
	if latest.Valid && obs.ObservedAt.UnixNano() < latest.Int64 {
		return ErrStaleObservation
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO route_observations (route_key, price, observed_at_ns, confidence, sample_count) VALUES (?, ?, ?, ?, ?)`,
		obs.RouteKey, obs.Price.String(), obs.ObservedAt.UnixNano(), obs.Confidence, obs.SampleCount,
	); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM route_observations
		 WHERE route_key = ?
		   AND id IN (
		     SELECT id FROM route_observations
		     WHERE route_key = ?
		     ORDER BY observed_at_ns DESC, id DESC
		     LIMIT -1 OFFSET ?
		   )`,
		obs.RouteKey, obs.RouteKey, s.retention,
	); err != nil {
		return fmt.Errorf("trim observations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Snapshot returns the route history ordered by observed_at ascending.
func (s *SQLiteStore) Snapshot(ctx context.Context, routeKey string) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT route_key, price, observed_at_ns, confidence, sample_count
		 FROM route_observations WHERE route_key = ?
		 ORDER BY observed_at_ns, id`, routeKey)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	history := make([]Observation, 0, s.retention)
	for rows.Next() {
		var (
			obs      Observation
			priceStr string
			atNs     int64
		)
		if err := rows.Scan(&obs.RouteKey, &priceStr, &atNs, &obs.Confidence, &obs.SampleCount); err != nil {
			return nil, err
		}
		obs.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		obs.ObservedAt = time.Unix(0, atNs).UTC()
		history = append(history, obs)
	}
	return history, rows.Err()
}

// ListRoutes lists every route key with stored history.
func (s *SQLiteStore) ListRoutes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT route_key FROM route_observations ORDER BY route_key`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		routes = append(routes, key)
	}
	return routes, rows.Err()
}

// EvictObservationsBefore removes observations older than cutoff.
func (s *SQLiteStore) EvictObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM route_observations WHERE observed_at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("evict observations: %w", err)
	}
	return res.RowsAffected()
}

// RecordAlert appends rec to the ledger and bumps the daily counter atomically.
func (s *SQLiteStore) RecordAlert(ctx context.Context, rec AlertRecord, day string) (DailyCounter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DailyCounter{}, fmt.Errorf("begin record alert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alert_ledger (id, route_key, price_band, price, mistake_fare, sent_at_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RouteKey, rec.PriceBand.String(), rec.Price.String(), rec.MistakeFare, rec.SentAt.UnixNano(),
	); err != nil {
		return DailyCounter{}, fmt.Errorf("insert alert: %w", err)
	}

	var counter DailyCounter
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO daily_counter (id, day, count) VALUES (1, ?, 1)
		 ON CONFLICT(id) DO UPDATE
		 SET count = CASE WHEN daily_counter.day = excluded.day THEN daily_counter.count + 1 ELSE 1 END,
		     day = excluded.day
		 RETURNING day, count`, day,
	).Scan(&counter.Day, &counter.Count); err != nil {
		return DailyCounter{}, fmt.Errorf("bump daily counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DailyCounter{}, fmt.Errorf("commit record alert: %w", err)
	}
	return counter, nil
}

// DailyCounter reads the counter, rolled over to day.
func (s *SQLiteStore) DailyCounter(ctx context.Context, day string) (DailyCounter, error) {
	var counter DailyCounter
	err := s.db.QueryRowContext(ctx, `SELECT day, count FROM daily_counter WHERE id = 1`).Scan(&counter.Day, &counter.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyCounter{Day: day}, nil
	}
	if err != nil {
		return DailyCounter{}, fmt.Errorf("read daily counter: %w", err)
	}
	return counter.On(day), nil
}

// AlertsSince lists ledger records for a route sent at or after since.
func (s *SQLiteStore) AlertsSince(ctx context.Context, routeKey string, since time.Time) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_key, price_band, price, mistake_fare, sent_at_ns
		 FROM alert_ledger WHERE route_key = ? AND sent_at_ns >= ?
		 ORDER BY sent_at_ns`, routeKey, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query alerts since: %w", err)
	}
	return scanSQLiteAlerts(rows)
}

// ListRecentAlerts lists most recent alerts.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_key, price_band, price, mistake_fare, sent_at_ns
		 FROM alert_ledger ORDER BY sent_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return scanSQLiteAlerts(rows)
}

// DeleteAlertsBefore deletes ledger records older than cutoff.
func (s *SQLiteStore) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_ledger WHERE sent_at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return res.RowsAffected()
}

// EnqueueAlert appends a deferred payload to the night queue.
func (s *SQLiteStore) EnqueueAlert(ctx context.Context, routeKey string, payload []byte, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO night_queue (route_key, payload, enqueued_at_ns) VALUES (?, ?, ?)`,
		routeKey, string(payload), at.UnixNano(),
	); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}

// PendingAlerts lists queued payloads in insertion order.
func (s *SQLiteStore) PendingAlerts(ctx context.Context) ([]QueuedAlert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, route_key, payload, enqueued_at_ns FROM night_queue ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query night queue: %w", err)
	}
	defer rows.Close()

	queued := make([]QueuedAlert, 0)
	for rows.Next() {
		var (
			item    QueuedAlert
			payload string
			atNs    int64
		)
		if err := rows.Scan(&item.ID, &item.RouteKey, &payload, &atNs); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		item.EnqueuedAt = time.Unix(0, atNs).UTC()
		queued = append(queued, item)
	}
	return queued, rows.Err()
}

// AckAlerts removes flushed entries from the night queue.
func (s *SQLiteStore) AckAlerts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM night_queue WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("ack night queue: %w", err)
	}
	return nil
}

func scanSQLiteAlerts(rows *sql.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var (
			rec               AlertRecord
			bandStr, priceStr string
			sentNs            int64
		)
		if err := rows.Scan(&rec.ID, &rec.RouteKey, &bandStr, &priceStr, &rec.MistakeFare, &sentNs); err != nil {
			return nil, err
		}
		var convErr error
		if rec.PriceBand, convErr = decimal.NewFromString(bandStr); convErr != nil {
			return nil, fmt.Errorf("parse price band: %w", convErr)
		}
		if rec.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		rec.SentAt = time.Unix(0, sentNs).UTC()
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ AdvisoryLocker = (*SQLiteStore)(nil)
)
