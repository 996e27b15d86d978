package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testHealthReport() HealthReport {
	return HealthReport{
		StartedAt:     time.Date(2024, 6, 5, 11, 0, 0, 0, time.UTC),
		FinishedAt:    time.Date(2024, 6, 5, 11, 2, 0, 0, time.UTC),
		Routes:        10,
		FetchFailed:   4,
		PersistFailed: 0,
		FailureRate:   0.4,
		Threshold:     0.3,
	}
}

func TestTelegramNotifyHealth(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		text = body["text"]
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.NotifyHealth(context.Background(), testHealthReport()); err != nil {
		t.Fatalf("NotifyHealth: %v", err)
	}
	if !strings.Contains(text, "[Run Unhealthy]") || !strings.Contains(text, "40%") || !strings.Contains(text, "fetch failed: 4") {
		t.Fatalf("健康告警内容不符合预期: %q", text)
	}
}

type healthStub struct {
	stubNotifier
	reports []HealthReport
}

func (h *healthStub) NotifyHealth(_ context.Context, r HealthReport) error {
	h.reports = append(h.reports, r)
	return nil
}

func TestMultiNotifyHealthSkipsChannelsWithoutSupport(t *testing.T) {
	plain := &stubNotifier{}
	health := &healthStub{}
	multi := NewMultiNotifier([]Channel{{Name: "kafka", Notifier: plain}, {Name: "telegram", Notifier: health}}, testLogger())

	if err := multi.NotifyHealth(context.Background(), testHealthReport()); err != nil {
		t.Fatalf("NotifyHealth: %v", err)
	}
	if len(health.reports) != 1 || plain.calls != 0 {
		t.Fatalf("health=%d plain=%d", len(health.reports), plain.calls)
	}

	none := NewMultiNotifier([]Channel{{Name: "kafka", Notifier: plain}}, testLogger())
	if err := none.NotifyHealth(context.Background(), testHealthReport()); err == nil {
		t.Fatal("expected error when no channel carries health notices")
	}
}

func TestLogNotifyHealth(t *testing.T) {
	if err := NewLogNotifier(testLogger()).NotifyHealth(context.Background(), testHealthReport()); err != nil {
		t.Fatalf("NotifyHealth: %v", err)
	}
}
