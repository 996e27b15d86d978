package policy

import (
	"errors"
	"sync"

	"route-deal-alerts/internal/storage"
)

// ErrQuotaExhausted is returned when no slot is left for the day.
var ErrQuotaExhausted = errors.New("policy: daily quota exhausted")

// Quota guards the global daily counter across concurrent workers.
// Slots are reserved before dispatch and committed once the ledger write succeeds.
type Quota struct {
	mu        sync.Mutex
	cap       int
	day       string
	committed int
	reserved  int
}

// NewQuota builds a quota seeded from the durable counter.
func NewQuota(cap int, counter storage.DailyCounter) *Quota {
	return &Quota{cap: cap, day: counter.Day, committed: counter.Count}
}

// Used reports committed plus in-flight slots for day.
func (q *Quota) Used(day string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(day)
	return q.committed + q.reserved
}

// Reserve claims a slot for day. force ignores the cap for quota-bypassing alerts.
func (q *Quota) Reserve(day string, force bool) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(day)
	if !force && q.committed+q.reserved >= q.cap {
		return nil, ErrQuotaExhausted
	}
	q.reserved++
	return &Reservation{quota: q, day: day}, nil
}

func (q *Quota) rollover(day string) {
	if q.day != day {
		q.day = day
		q.committed = 0
		q.reserved = 0
	}
}

// Reservation is one in-flight slot. Exactly one of Commit or Release should be called.
type Reservation struct {
	quota *Quota
	day   string
	done  bool
}

// Commit converts the slot using the counter returned by the ledger write.
func (r *Reservation) Commit(counter storage.DailyCounter) {
	q := r.quota
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if q.day != r.day {
		return
	}
	q.reserved--
	if counter.Day != q.day {
		q.committed++
		return
	}
	if counter.Count > q.committed {
		q.committed = counter.Count
	}
}

// Release frees the slot without consuming it.
func (r *Reservation) Release() {
	q := r.quota
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if q.day == r.day {
		q.reserved--
	}
}
