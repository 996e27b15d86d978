package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/storage"
)

var istanbul = time.FixedZone("TRT", 3*3600)

func testOptions() Options {
	return Options{
		Location:         istanbul,
		Weekday:          Window{Start: 9 * time.Hour, End: 23 * time.Hour},
		Weekend:          Window{Start: 10 * time.Hour, End: 23 * time.Hour},
		GlobalDailyCap:   3,
		PerRouteDailyCap: 1,
		DedupTolerance:   decimal.RequireFromString("0.05"),
		DedupWindow:      24 * time.Hour,
		BandStep:         decimal.NewFromInt(100),
	}
}

// Wednesday afternoon and small hours, local time.
var (
	activeNow   = time.Date(2024, 6, 5, 14, 0, 0, 0, istanbul)
	inactiveNow = time.Date(2024, 6, 5, 3, 0, 0, 0, istanbul)
)

func bottomVerdict(route string, price int64) analyzer.Verdict {
	return analyzer.Verdict{
		RouteKey: route,
		Price:    decimal.NewFromInt(price),
		Category: analyzer.CategoryBottom,
		Avg:      decimal.NewFromInt(12000),
	}
}

func sentAlert(route string, band int64, at time.Time) storage.AlertRecord {
	return storage.AlertRecord{
		RouteKey:  route,
		PriceBand: decimal.NewFromInt(band),
		Price:     decimal.NewFromInt(band),
		SentAt:    at,
	}
}

func TestEvaluateSanityGate(t *testing.T) {
	p := New(testOptions())
	for _, cat := range []analyzer.Category{analyzer.CategoryUnknown, analyzer.CategoryRejected} {
		v := bottomVerdict("IST-JFK", 5000)
		v.Category = cat
		v.IsMistakeFare = true
		d := p.Evaluate(v, activeNow, Snapshot{})
		if d.Outcome != OutcomeSuppress || d.Reason != ReasonInsufficientData {
			t.Fatalf("%s: decision = %s", cat, d)
		}
	}
}

func TestEvaluateDedupBand(t *testing.T) {
	opts := testOptions()
	opts.PerRouteDailyCap = 2
	p := New(opts)
	snap := Snapshot{
		GlobalSent:  1,
		RouteAlerts: []storage.AlertRecord{sentAlert("IST-JFK", 10000, activeNow.Add(-2*time.Hour))},
	}

	d := p.Evaluate(bottomVerdict("IST-JFK", 10200), activeNow, snap)
	if d.Outcome != OutcomeSuppress || d.Reason != ReasonDuplicateBand {
		t.Fatalf("10200 decision = %s, want duplicate_band", d)
	}

	d = p.Evaluate(bottomVerdict("IST-JFK", 9000), activeNow, snap)
	if d.Outcome != OutcomeSend {
		t.Fatalf("9000 decision = %s, want send", d)
	}
	if !d.Band.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("band = %s", d.Band)
	}

	// tolerance is a share of the candidate price: 5% of 10520 covers the 520 gap, 5% of 9520 misses 480
	if d := p.Evaluate(bottomVerdict("IST-JFK", 10520), activeNow, snap); d.Reason != ReasonDuplicateBand {
		t.Fatalf("10520 decision = %s, want duplicate_band", d)
	}
	if d := p.Evaluate(bottomVerdict("IST-JFK", 9520), activeNow, snap); d.Outcome != OutcomeSend {
		t.Fatalf("9520 decision = %s, want send", d)
	}

	old := Snapshot{RouteAlerts: []storage.AlertRecord{sentAlert("IST-JFK", 10000, activeNow.Add(-25*time.Hour))}}
	if d := p.Evaluate(bottomVerdict("IST-JFK", 10200), activeNow, old); d.Outcome != OutcomeSend {
		t.Fatalf("expired band decision = %s, want send", d)
	}
}

func TestEvaluateMistakeFareBypassesTimeGate(t *testing.T) {
	p := New(testOptions())

	mistake := bottomVerdict("IST-JFK", 3600)
	mistake.IsMistakeFare = true
	if d := p.Evaluate(mistake, inactiveNow, Snapshot{}); d.Outcome != OutcomeSend {
		t.Fatalf("mistake fare at night = %s, want send", d)
	}

	ordinary := bottomVerdict("IST-JFK", 9600)
	if d := p.Evaluate(ordinary, inactiveNow, Snapshot{}); d.Reason != ReasonInactiveHours {
		t.Fatalf("ordinary deal at night = %s, want inactive_hours", d)
	}
}

func TestEvaluateGlobalQuota(t *testing.T) {
	p := New(testOptions())
	snap := Snapshot{GlobalSent: 3}

	d := p.Evaluate(bottomVerdict("IST-CDG", 4000), activeNow, snap)
	if d.Reason != ReasonDailyQuota {
		t.Fatalf("decision = %s, want daily_quota", d)
	}

	mistake := bottomVerdict("IST-CDG", 3000)
	mistake.IsMistakeFare = true
	if d := p.Evaluate(mistake, activeNow, snap); d.Reason != ReasonDailyQuota {
		t.Fatalf("mistake fare without bypass flag = %s, want daily_quota", d)
	}

	opts := testOptions()
	opts.MistakeFareBypassesQuota = true
	bypassing := New(opts)
	d = bypassing.Evaluate(mistake, activeNow, snap)
	if d.Outcome != OutcomeSend || !d.BypassQuota {
		t.Fatalf("mistake fare with bypass flag = %s bypass=%v", d, d.BypassQuota)
	}
}

func TestEvaluateRouteQuota(t *testing.T) {
	p := New(testOptions())
	earlier := activeNow.Add(-3 * time.Hour)
	snap := Snapshot{
		GlobalSent:  1,
		RouteAlerts: []storage.AlertRecord{sentAlert("IST-JFK", 20000, earlier)},
	}
	if d := p.Evaluate(bottomVerdict("IST-JFK", 9000), activeNow, snap); d.Reason != ReasonRouteQuota {
		t.Fatalf("decision = %s, want route_quota", d)
	}

	yesterday := Snapshot{RouteAlerts: []storage.AlertRecord{sentAlert("IST-JFK", 20000, activeNow.Add(-20*time.Hour))}}
	if d := p.Evaluate(bottomVerdict("IST-JFK", 9000), activeNow, yesterday); d.Outcome != OutcomeSend {
		t.Fatalf("alert from previous local day should not count: %s", d)
	}
}

func TestEvaluateCategoryGate(t *testing.T) {
	p := New(testOptions())
	for _, cat := range []analyzer.Category{analyzer.CategoryNormal, analyzer.CategoryExpensive} {
		v := bottomVerdict("IST-JFK", 11900)
		v.Category = cat
		if d := p.Evaluate(v, activeNow, Snapshot{}); d.Reason != ReasonNotADeal {
			t.Fatalf("%s: decision = %s, want not_a_deal", cat, d)
		}
	}
}

func TestEvaluateNightQueue(t *testing.T) {
	opts := testOptions()
	opts.NightQueue = true
	p := New(opts)

	if d := p.Evaluate(bottomVerdict("IST-JFK", 9000), inactiveNow, Snapshot{}); d.Outcome != OutcomeDefer {
		t.Fatalf("bottom at night = %s, want deferred", d)
	}

	normal := bottomVerdict("IST-JFK", 11900)
	normal.Category = analyzer.CategoryNormal
	if d := p.Evaluate(normal, inactiveNow, Snapshot{}); d.Reason != ReasonInactiveHours {
		t.Fatalf("normal at night = %s, want inactive_hours", d)
	}

	dup := Snapshot{RouteAlerts: []storage.AlertRecord{sentAlert("IST-JFK", 9000, inactiveNow.Add(-time.Hour))}}
	if d := p.Evaluate(bottomVerdict("IST-JFK", 9000), inactiveNow, dup); d.Reason != ReasonInactiveHours {
		t.Fatalf("duplicate at night = %s, want inactive_hours", d)
	}

	if d := p.EvaluateDeferred(bottomVerdict("IST-JFK", 9000), activeNow, Snapshot{GlobalSent: 3}); d.Reason != ReasonDailyQuota {
		t.Fatalf("deferred over quota = %s, want daily_quota", d)
	}
	if d := p.EvaluateDeferred(bottomVerdict("IST-JFK", 9000), activeNow, Snapshot{}); d.Outcome != OutcomeSend {
		t.Fatalf("deferred within quota = %s, want send", d)
	}
}

func TestActiveAtWeekendAndWrap(t *testing.T) {
	p := New(testOptions())
	saturdayMorning := time.Date(2024, 6, 8, 9, 30, 0, 0, istanbul)
	if p.ActiveAt(saturdayMorning) {
		t.Fatal("09:30 Saturday is before the weekend window")
	}
	if !p.ActiveAt(saturdayMorning.Add(time.Hour)) {
		t.Fatal("10:30 Saturday should be active")
	}
	if p.ActiveAt(time.Date(2024, 6, 5, 23, 0, 0, 0, istanbul)) {
		t.Fatal("window end is exclusive")
	}
	if !p.ActiveAt(time.Date(2024, 6, 5, 11, 0, 0, 0, time.UTC)) {
		t.Fatal("11:00 UTC is 14:00 local")
	}

	wrap, err := ParseWindow("22:00-02:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	for clock, want := range map[int]bool{23: true, 1: true, 2: false, 12: false, 22: true} {
		at := time.Date(2024, 6, 5, clock, 0, 0, 0, time.UTC)
		if got := wrap.Contains(at); got != want {
			t.Fatalf("wrap contains %02d:00 = %v, want %v", clock, got, want)
		}
	}

	if _, err := ParseWindow("9-23"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLedgerSince(t *testing.T) {
	p := New(testOptions())
	since := p.LedgerSince(activeNow)
	if !since.Equal(activeNow.Add(-24 * time.Hour)) {
		t.Fatalf("since = %s, want dedup window start", since)
	}
}

func TestBand(t *testing.T) {
	cases := map[int64]int64{10240: 10200, 10250: 10300, 9999: 10000, 50: 100}
	for in, want := range cases {
		if got := Band(decimal.NewFromInt(in), decimal.NewFromInt(100)); !got.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("Band(%d) = %s, want %d", in, got, want)
		}
	}
}

func TestQuotaReservationsNeverExceedCap(t *testing.T) {
	q := NewQuota(3, storage.DailyCounter{Day: "2024-06-05", Count: 0})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Reservation
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Reserve("2024-06-05", false)
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(granted) != 3 {
		t.Fatalf("granted = %d, want 3", len(granted))
	}

	granted[0].Release()
	if used := q.Used("2024-06-05"); used != 2 {
		t.Fatalf("used after release = %d, want 2", used)
	}
	granted[1].Commit(storage.DailyCounter{Day: "2024-06-05", Count: 1})
	granted[2].Commit(storage.DailyCounter{Day: "2024-06-05", Count: 2})
	if used := q.Used("2024-06-05"); used != 2 {
		t.Fatalf("used after commits = %d, want 2", used)
	}

	if _, err := q.Reserve("2024-06-05", true); err != nil {
		t.Fatalf("forced reservation: %v", err)
	}
	if used := q.Used("2024-06-06"); used != 0 {
		t.Fatalf("new day should roll over, used = %d", used)
	}
}
