package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/config"
	"route-deal-alerts/internal/storage"
)

// Outcome is the terminal state of an evaluation.
type Outcome string

const (
	OutcomeSend     Outcome = "send"
	OutcomeSuppress Outcome = "suppressed"
	OutcomeDefer    Outcome = "deferred"
)

// Reason explains a suppression.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonInactiveHours    Reason = "inactive_hours"
	ReasonDailyQuota       Reason = "daily_quota"
	ReasonRouteQuota       Reason = "route_quota"
	ReasonDuplicateBand    Reason = "duplicate_band"
	ReasonNotADeal         Reason = "not_a_deal"
)

// Decision is the policy result for one verdict.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	Band    decimal.Decimal
	// BypassQuota marks a mistake fare allowed past the daily caps.
	BypassQuota bool
}

func (d Decision) String() string {
	if d.Reason == ReasonNone {
		return string(d.Outcome)
	}
	return fmt.Sprintf("%s(%s)", d.Outcome, d.Reason)
}

func send(band decimal.Decimal, bypass bool) Decision {
	return Decision{Outcome: OutcomeSend, Band: band, BypassQuota: bypass}
}

func suppress(reason Reason, band decimal.Decimal) Decision {
	return Decision{Outcome: OutcomeSuppress, Reason: reason, Band: band}
}

// Options holds the gate parameters.
type Options struct {
	Location                 *time.Location
	Weekday                  Window
	Weekend                  Window
	GlobalDailyCap           int
	PerRouteDailyCap         int
	MistakeFareBypassesQuota bool
	NightQueue               bool
	DedupTolerance           decimal.Decimal
	DedupWindow              time.Duration
	BandStep                 decimal.Decimal
}

// OptionsFromConfig builds Options from the policy and dedup sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	weekday, err := ParseWindow(cfg.Policy.WeekdayHours)
	if err != nil {
		return Options{}, fmt.Errorf("policy.weekday_hours: %w", err)
	}
	weekend, err := ParseWindow(cfg.Policy.WeekendHours)
	if err != nil {
		return Options{}, fmt.Errorf("policy.weekend_hours: %w", err)
	}
	return Options{
		Location:                 cfg.Location(),
		Weekday:                  weekday,
		Weekend:                  weekend,
		GlobalDailyCap:           cfg.Policy.GlobalDailyCap,
		PerRouteDailyCap:         cfg.Policy.PerRouteDailyCap,
		MistakeFareBypassesQuota: cfg.Policy.MistakeFareBypassesQuota,
		NightQueue:               cfg.Policy.NightQueue,
		DedupTolerance:           decimal.NewFromFloat(cfg.Dedup.Tolerance),
		DedupWindow:              cfg.Dedup.Window,
		BandStep:                 decimal.NewFromFloat(cfg.Dedup.BandStep),
	}, nil
}

// Snapshot is the ledger state a decision is taken against.
type Snapshot struct {
	// GlobalSent counts alerts already sent (or reserved) today across all routes.
	GlobalSent int
	// RouteAlerts lists the route's ledger records since LedgerSince(now).
	RouteAlerts []storage.AlertRecord
}

// Policy evaluates verdicts through the ordered gates. It performs no I/O.
type Policy struct {
	opts Options
}

// New builds a policy.
func New(opts Options) *Policy {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Policy{opts: opts}
}

// Options returns the active options.
func (p *Policy) Options() Options {
	return p.opts
}

// Day returns the local calendar day key for now.
func (p *Policy) Day(now time.Time) string {
	return storage.DayKey(now.In(p.opts.Location))
}

// LedgerSince is the earliest sent_at a Snapshot must cover for now.
func (p *Policy) LedgerSince(now time.Time) time.Time {
	local := now.In(p.opts.Location)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.opts.Location)
	dedupStart := now.Add(-p.opts.DedupWindow)
	if dedupStart.Before(startOfDay) {
		return dedupStart
	}
	return startOfDay
}

// ActiveAt reports whether now falls inside the alerting window.
func (p *Policy) ActiveAt(now time.Time) bool {
	local := now.In(p.opts.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return p.opts.Weekend.Contains(local)
	default:
		return p.opts.Weekday.Contains(local)
	}
}

// Band rounds price to the nearest multiple of step.
func Band(price, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return price
	}
	return price.Div(step).Round(0).Mul(step)
}

// Evaluate runs the gates in order and returns the first terminal decision.
func (p *Policy) Evaluate(v analyzer.Verdict, now time.Time, snap Snapshot) Decision {
	band := Band(v.Price, p.opts.BandStep)

	if v.Category == analyzer.CategoryRejected || v.Category == analyzer.CategoryUnknown {
		return suppress(ReasonInsufficientData, band)
	}

	if !v.IsMistakeFare && !p.ActiveAt(now) {
		if p.opts.NightQueue && !p.duplicate(v.Price, now, snap.RouteAlerts) && isDeal(v) {
			return Decision{Outcome: OutcomeDefer, Band: band}
		}
		return suppress(ReasonInactiveHours, band)
	}

	return p.quotaDedupCategory(v, now, snap, band)
}

// EvaluateDeferred re-checks a queued verdict when the night queue is drained.
// The time gate is not applied again.
func (p *Policy) EvaluateDeferred(v analyzer.Verdict, now time.Time, snap Snapshot) Decision {
	return p.quotaDedupCategory(v, now, snap, Band(v.Price, p.opts.BandStep))
}

func (p *Policy) quotaDedupCategory(v analyzer.Verdict, now time.Time, snap Snapshot, band decimal.Decimal) Decision {
	bypass := v.IsMistakeFare && p.opts.MistakeFareBypassesQuota

	if !bypass {
		if snap.GlobalSent >= p.opts.GlobalDailyCap {
			return suppress(ReasonDailyQuota, band)
		}
		if p.routeSentToday(now, snap.RouteAlerts) >= p.opts.PerRouteDailyCap {
			return suppress(ReasonRouteQuota, band)
		}
	}

	if p.duplicate(v.Price, now, snap.RouteAlerts) {
		return suppress(ReasonDuplicateBand, band)
	}

	if !isDeal(v) {
		return suppress(ReasonNotADeal, band)
	}
	return send(band, bypass)
}

func (p *Policy) routeSentToday(now time.Time, alerts []storage.AlertRecord) int {
	today := p.Day(now)
	var n int
	for _, rec := range alerts {
		if p.Day(rec.SentAt) == today {
			n++
		}
	}
	return n
}

func (p *Policy) duplicate(price decimal.Decimal, now time.Time, alerts []storage.AlertRecord) bool {
	since := now.Add(-p.opts.DedupWindow)
	for _, rec := range alerts {
		if rec.SentAt.Before(since) {
			continue
		}
		tolerance := price.Mul(p.opts.DedupTolerance)
		if rec.PriceBand.Sub(price).Abs().LessThanOrEqual(tolerance) {
			return true
		}
	}
	return false
}

func isDeal(v analyzer.Verdict) bool {
	return v.Category == analyzer.CategoryBottom || v.IsMistakeFare
}
