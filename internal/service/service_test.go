package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/alerting"
	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/fetcher"
	"route-deal-alerts/internal/metrics"
	"route-deal-alerts/internal/policy"
	"route-deal-alerts/internal/storage"
)

var istanbul = time.FixedZone("TRT", 3*3600)

// Wednesday 14:00 local.
var activeNow = time.Date(2024, 6, 5, 14, 0, 0, 0, istanbul)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []alerting.AlertPayload
	health   []alerting.HealthReport
	err      error
	delay    time.Duration
}

func (n *recordingNotifier) Notify(_ context.Context, p alerting.AlertPayload) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) NotifyHealth(_ context.Context, r alerting.HealthReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = append(n.health, r)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	notifier *recordingNotifier
	source   fetcher.StaticSource
	clock    *clock
	metrics  *metrics.Metrics
}

func policyOptions() policy.Options {
	return policy.Options{
		Location:         istanbul,
		Weekday:          policy.Window{Start: 9 * time.Hour, End: 23 * time.Hour},
		Weekend:          policy.Window{Start: 10 * time.Hour, End: 23 * time.Hour},
		GlobalDailyCap:   3,
		PerRouteDailyCap: 1,
		DedupTolerance:   decimal.RequireFromString("0.05"),
		DedupWindow:      24 * time.Hour,
		BandStep:         decimal.NewFromInt(100),
	}
}

func newHarness(t *testing.T, requests map[string][]fetcher.ObservationRequest, mutate func(*Options, *policy.Options)) *harness {
	t.Helper()
	opts := Options{Workers: 1, FetchTimeout: time.Second, MaxFailureRate: 0.30}
	popts := policyOptions()
	if mutate != nil {
		mutate(&opts, &popts)
	}

	h := &harness{
		store:    storage.NewMemoryStore(120),
		notifier: &recordingNotifier{},
		source:   fetcher.StaticSource{Requests: requests},
		clock:    &clock{now: activeNow},
		metrics:  metrics.New(),
	}
	h.svc = New(opts, Deps{
		Store:      h.store,
		Source:     h.source,
		Normalizer: fetcher.NewNormalizer("TRY", map[string]float64{"EUR": 35}),
		Analyzer:   analyzer.New(analyzer.DefaultOptions()),
		Policy:     policy.New(popts),
		Notifier:   h.notifier,
		Metrics:    h.metrics,
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	})
	return h
}

func (h *harness) seed(t *testing.T, route string, prices ...int64) {
	t.Helper()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, p := range prices {
		obs := storage.Observation{
			RouteKey:    route,
			Price:       decimal.NewFromInt(p),
			ObservedAt:  base.Add(time.Duration(i) * time.Hour),
			Confidence:  1,
			SampleCount: 2,
		}
		if err := h.store.AppendObservation(context.Background(), obs); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func request(route string, price int64, at time.Time) fetcher.ObservationRequest {
	p := decimal.NewFromInt(price)
	return fetcher.ObservationRequest{
		RouteKey:   route,
		Price:      p,
		Currency:   "TRY",
		ObservedAt: at,
		Sources: []fetcher.SourceQuote{
			{Name: "api", Price: p},
			{Name: "browser", Price: p},
		},
	}
}

func TestRunOnceSendsBottomDeal(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 11000, activeNow)},
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) { o.Routes = []string{"IST-JFK"} })
	h.seed(t, "IST-JFK", 12000, 11500, 11800, 12200)

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Sent != 1 || report.Bottoms != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notifier.count())
	}
	sent := h.notifier.payloads[0]
	if sent.Category != string(analyzer.CategoryBottom) || sent.SavingsPct < 7.3 || sent.SavingsPct > 7.4 {
		t.Fatalf("unexpected payload %+v", sent)
	}

	alerts, _ := h.store.ListRecentAlerts(context.Background(), 10)
	if len(alerts) != 1 || !alerts[0].PriceBand.Equal(decimal.NewFromInt(11000)) {
		t.Fatalf("ledger = %+v", alerts)
	}
	counter, _ := h.store.DailyCounter(context.Background(), "2024-06-05")
	if counter.Count != 1 {
		t.Fatalf("daily counter = %d, want 1", counter.Count)
	}
	history, _ := h.store.Snapshot(context.Background(), "IST-JFK")
	if len(history) != 5 {
		t.Fatalf("history len = %d, want 5", len(history))
	}
	if got := testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("send", "")); got != 1 {
		t.Fatalf("send metric = %v", got)
	}
}

func TestRunOnceHandlesRepeatedRouteOnce(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 11000, activeNow)},
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) {
		o.Routes = []string{"IST-JFK", "IST-JFK", " IST-JFK "}
		o.Workers = 3
	})
	h.notifier.delay = 20 * time.Millisecond
	h.seed(t, "IST-JFK", 12000, 11500, 11800, 12200)

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Routes != 1 || report.Sent != 1 {
		t.Fatalf("routes=%d sent=%d, want 1/1", report.Routes, report.Sent)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notifier.count())
	}
	history, _ := h.store.Snapshot(context.Background(), "IST-JFK")
	if len(history) != 5 {
		t.Fatalf("history len = %d, want 5", len(history))
	}
	alerts, _ := h.store.ListRecentAlerts(context.Background(), 10)
	if len(alerts) != 1 {
		t.Fatalf("ledger len = %d, want 1", len(alerts))
	}
}

func TestRunOnceSkipsRequestsForOtherRoutes(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-LHR", 11000, activeNow)},
		"IST-LHR": {},
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) {
		o.Routes = []string{"IST-JFK", "IST-LHR"}
		o.Workers = 2
	})

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", report.Rejected)
	}
	history, _ := h.store.Snapshot(context.Background(), "IST-LHR")
	if len(history) != 0 {
		t.Fatalf("foreign request reached IST-LHR history: %d", len(history))
	}
}

func TestRunOnceUnknownIsStoredNotSent(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-NRT": {request("IST-NRT", 25000, activeNow)},
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) { o.Routes = []string{"IST-NRT"} })

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Unknown != 1 || report.Sent != 0 || report.Suppressed[policy.ReasonInsufficientData] != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	history, _ := h.store.Snapshot(context.Background(), "IST-NRT")
	if len(history) != 1 {
		t.Fatalf("unknown verdicts must still be appended, history len = %d", len(history))
	}
}

func TestRunOnceRejectionsNeverTouchHistory(t *testing.T) {
	anomaly := request("IST-JFK", 50, activeNow)
	inconsistent := request("IST-JFK", 10000, activeNow)
	inconsistent.Sources = []fetcher.SourceQuote{
		{Name: "api", Price: decimal.NewFromInt(6000)},
		{Name: "browser", Price: decimal.NewFromInt(14000)},
	}
	foreign := request("IST-JFK", 300, activeNow)
	foreign.Currency = "GBP"

	reqs := map[string][]fetcher.ObservationRequest{"IST-JFK": {anomaly, anomaly, inconsistent, foreign}}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) { o.Routes = []string{"IST-JFK"} })
	h.seed(t, "IST-JFK", 12000, 11500)
	before, _ := h.store.Snapshot(context.Background(), "IST-JFK")

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Rejected != 4 {
		t.Fatalf("rejected = %d, want 4", report.Rejected)
	}
	after, _ := h.store.Snapshot(context.Background(), "IST-JFK")
	if len(after) != len(before) {
		t.Fatalf("history changed from %d to %d entries", len(before), len(after))
	}
}

func TestRunOnceConcurrentWorkersRespectGlobalCap(t *testing.T) {
	routes := []string{"IST-AMS", "IST-BCN", "IST-CDG", "IST-DXB", "IST-FRA"}
	reqs := make(map[string][]fetcher.ObservationRequest)
	for _, r := range routes {
		reqs[r] = []fetcher.ObservationRequest{request(r, 9000, activeNow)}
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) {
		o.Routes = routes
		o.Workers = 4
	})
	for _, r := range routes {
		h.seed(t, r, 12000, 11500, 11800, 12200)
	}

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Sent != 3 || h.notifier.count() != 3 {
		t.Fatalf("sent = %d notified = %d, want 3", report.Sent, h.notifier.count())
	}
	if report.Suppressed[policy.ReasonDailyQuota] != 2 {
		t.Fatalf("daily_quota suppressions = %d, want 2", report.Suppressed[policy.ReasonDailyQuota])
	}
	counter, _ := h.store.DailyCounter(context.Background(), "2024-06-05")
	if counter.Count != 3 {
		t.Fatalf("daily counter = %d, want 3", counter.Count)
	}
}

func TestRunOnceNightQueueDefersThenFlushes(t *testing.T) {
	night := time.Date(2024, 6, 5, 3, 0, 0, 0, istanbul)
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 9000, night)},
	}
	h := newHarness(t, reqs, func(o *Options, p *policy.Options) {
		o.Routes = []string{"IST-JFK"}
		p.NightQueue = true
	})
	h.seed(t, "IST-JFK", 12000, 11500, 11800, 12200)
	h.clock.Set(night)

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("night RunOnce: %v", err)
	}
	if report.Deferred != 1 || report.Sent != 0 {
		t.Fatalf("unexpected night report %+v", report)
	}
	pending, _ := h.store.PendingAlerts(context.Background())
	if len(pending) != 1 {
		t.Fatalf("queue = %d, want 1", len(pending))
	}

	h.source.Requests["IST-JFK"] = nil
	h.clock.Set(activeNow)
	report, err = h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("morning RunOnce: %v", err)
	}
	if report.Flushed != 1 || report.Sent != 1 {
		t.Fatalf("unexpected morning report %+v", report)
	}
	if !h.notifier.payloads[0].Deferred {
		t.Fatal("flushed payload should be marked deferred")
	}
	pending, _ = h.store.PendingAlerts(context.Background())
	if len(pending) != 0 {
		t.Fatalf("queue should be drained, %d left", len(pending))
	}
}

func TestRunOnceDispatchFailureLeavesNoLedger(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 11000, activeNow)},
	}
	h := newHarness(t, reqs, func(o *Options, _ *policy.Options) { o.Routes = []string{"IST-JFK"} })
	h.seed(t, "IST-JFK", 12000, 11500, 11800, 12200)
	h.notifier.err = errors.New("telegram down")

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch failures are not fatal: %v", err)
	}
	if report.DispatchFailed != 1 || report.Sent != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	alerts, _ := h.store.ListRecentAlerts(context.Background(), 10)
	if len(alerts) != 0 {
		t.Fatalf("ledger must stay empty, got %d", len(alerts))
	}
}

type failingAppendStore struct {
	*storage.MemoryStore
	route string
}

func (f failingAppendStore) AppendObservation(ctx context.Context, obs storage.Observation) error {
	if obs.RouteKey == f.route {
		return errors.New("disk full")
	}
	return f.MemoryStore.AppendObservation(ctx, obs)
}

func TestRunOncePersistFailureIsFatalForRoute(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 11000, activeNow), request("IST-JFK", 10900, activeNow)},
		"IST-LHR": {request("IST-LHR", 8000, activeNow)},
	}
	h := newHarness(t, reqs, nil)
	store := failingAppendStore{MemoryStore: h.store, route: "IST-JFK"}
	h.svc = New(Options{Routes: []string{"IST-JFK", "IST-LHR"}, Workers: 2, MaxFailureRate: 0.30}, Deps{
		Store:      store,
		Source:     h.source,
		Normalizer: fetcher.NewNormalizer("TRY", nil),
		Analyzer:   analyzer.New(analyzer.DefaultOptions()),
		Policy:     policy.New(policyOptions()),
		Notifier:   h.notifier,
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	})

	report, err := h.svc.RunOnce(context.Background())
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("err = %v, want ErrPersist", err)
	}
	if report.PersistFailed != 1 || report.Observations != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	lhr, _ := h.store.Snapshot(context.Background(), "IST-LHR")
	if len(lhr) != 1 {
		t.Fatal("other routes must still be processed")
	}
	if report.Healthy(0.30) {
		t.Fatal("one of two routes failing should be unhealthy")
	}
}

type failingSource struct {
	fetcher.StaticSource
	route string
}

func (f failingSource) Fetch(ctx context.Context, route string) ([]fetcher.ObservationRequest, error) {
	if route == f.route {
		<-ctx.Done()
		return nil, fmt.Errorf("fetch %s: %w", route, ctx.Err())
	}
	return f.StaticSource.Fetch(ctx, route)
}

func TestRunOnceFetchTimeoutCountsAsFailure(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-LHR": {request("IST-LHR", 8000, activeNow)},
	}
	h := newHarness(t, reqs, nil)
	h.svc = New(Options{Routes: []string{"IST-JFK", "IST-LHR"}, FetchTimeout: 20 * time.Millisecond, MaxFailureRate: 0.30}, Deps{
		Store:      h.store,
		Source:     failingSource{StaticSource: h.source, route: "IST-JFK"},
		Normalizer: fetcher.NewNormalizer("TRY", nil),
		Analyzer:   analyzer.New(analyzer.DefaultOptions()),
		Policy:     policy.New(policyOptions()),
		Notifier:   h.notifier,
		Metrics:    h.metrics,
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	})

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("fetch failures are not fatal: %v", err)
	}
	if report.FetchFailed != 1 || report.Fetched != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.FailureRate() != 0.5 {
		t.Fatalf("failure rate = %v", report.FailureRate())
	}
	if got := testutil.ToFloat64(h.metrics.Healthy); got != 0 {
		t.Fatalf("healthy gauge = %v, want 0", got)
	}
	if len(h.notifier.health) != 1 {
		t.Fatalf("health notices = %d, want 1", len(h.notifier.health))
	}
	notice := h.notifier.health[0]
	if notice.FetchFailed != 1 || notice.Routes != 2 || notice.FailureRate != 0.5 || notice.Threshold != 0.30 {
		t.Fatalf("unexpected health notice %+v", notice)
	}
}

func TestRunOnceHealthyRunSendsNoHealthNotice(t *testing.T) {
	reqs := map[string][]fetcher.ObservationRequest{
		"IST-JFK": {request("IST-JFK", 11000, activeNow)},
	}
	h := newHarness(t, reqs, nil)
	h.svc.opts.MaxFailureRate = 0.30

	if _, err := h.svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.notifier.health) != 0 {
		t.Fatalf("healthy run sent %d health notices", len(h.notifier.health))
	}
}

func TestPruneEvictsExpired(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.svc.opts.HistoryMaxAge = 48 * time.Hour
	h.svc.opts.LedgerRetention = 24 * time.Hour

	h.seed(t, "IST-JFK", 12000, 11500)
	rec := storage.AlertRecord{ID: "a1", RouteKey: "IST-JFK", PriceBand: decimal.NewFromInt(11500), Price: decimal.NewFromInt(11500), SentAt: activeNow.Add(-72 * time.Hour)}
	if _, err := h.store.RecordAlert(context.Background(), rec, "2024-06-02"); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	res, err := h.svc.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Observations != 2 || res.Alerts != 1 {
		t.Fatalf("unexpected prune result %+v", res)
	}
}

func TestSimulateDoesNotWrite(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.seed(t, "IST-JFK", 12000, 11500, 11800, 12200)

	v, d, err := h.svc.Simulate(context.Background(), request("IST-JFK", 11000, activeNow))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if v.Category != analyzer.CategoryBottom || d.Outcome != policy.OutcomeSend {
		t.Fatalf("verdict=%s decision=%s", v.Category, d)
	}
	history, _ := h.store.Snapshot(context.Background(), "IST-JFK")
	if len(history) != 4 {
		t.Fatalf("simulate must not append, history len = %d", len(history))
	}
	if h.notifier.count() != 0 {
		t.Fatal("simulate must not notify")
	}
}

type busyLocker struct {
	*storage.MemoryStore
}

func (busyLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, nil, nil)
	svc := New(Options{LockKey: 7}, Deps{
		Store:      busyLocker{MemoryStore: h.store},
		Source:     h.source,
		Normalizer: fetcher.NewNormalizer("TRY", nil),
		Analyzer:   analyzer.New(analyzer.DefaultOptions()),
		Policy:     policy.New(policyOptions()),
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	})
	report, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !report.Skipped {
		t.Fatal("run should be skipped when the lock is held")
	}
}

func TestBackfillSeedsHistoryWithoutAlerts(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.seed(t, "IST-LHR", 9000)

	base := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	reqs := []fetcher.ObservationRequest{
		request("IST-JFK", 11800, base.Add(2*time.Hour)),
		request("IST-JFK", 12000, base),
		request("IST-JFK", 50, base.Add(3*time.Hour)),
		request("IST-LHR", 9100, time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)),
		request("IST-JFK", 3000, base.Add(4*time.Hour)),
	}
	unknown := request("IST-JFK", 300, base.Add(5*time.Hour))
	unknown.Currency = "XYZ"
	unknown.Sources = nil
	reqs = append(reqs, unknown)

	res, err := h.svc.Backfill(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Admitted != 3 || res.Rejected != 2 || res.Stale != 1 {
		t.Fatalf("result = %+v", res)
	}

	history, _ := h.store.Snapshot(context.Background(), "IST-JFK")
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if !history[0].Price.Equal(decimal.NewFromInt(12000)) || !history[1].Price.Equal(decimal.NewFromInt(11800)) {
		t.Fatalf("history not in observation order: %v, %v", history[0].Price, history[1].Price)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("backfill dispatched %d alerts", h.notifier.count())
	}
}
