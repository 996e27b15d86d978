package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Observation is a single admitted price sample for a route.
type Observation struct {
	RouteKey    string
	Price       decimal.Decimal
	ObservedAt  time.Time
	Confidence  float64
	SampleCount int
}

// AlertRecord captures a dispatched alert for quota and dedup queries.
type AlertRecord struct {
	ID          string
	RouteKey    string
	PriceBand   decimal.Decimal
	Price       decimal.Decimal
	MistakeFare bool
	SentAt      time.Time
}

// DailyCounter counts alerts sent across all routes on one local day.
type DailyCounter struct {
	Day   string
	Count int
}

// On returns the counter as seen on day, rolling over to zero when the day changed.
func (c DailyCounter) On(day string) DailyCounter {
	if c.Day != day {
		return DailyCounter{Day: day}
	}
	return c
}

// QueuedAlert is a deferred alert waiting for the active window.
type QueuedAlert struct {
	ID         int64
	RouteKey   string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// DayKey formats t as the calendar day used by the daily counter.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
