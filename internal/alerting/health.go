package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HealthReport is an operational notice about a run whose failure rate crossed the threshold.
type HealthReport struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Routes        int       `json:"routes"`
	FetchFailed   int       `json:"fetch_failed"`
	PersistFailed int       `json:"persist_failed"`
	FailureRate   float64   `json:"failure_rate"`
	Threshold     float64   `json:"threshold"`
}

// HealthNotifier 把运行健康告警交给人工处理。
type HealthNotifier interface {
	NotifyHealth(ctx context.Context, report HealthReport) error
}

// NotifyHealth 通过 Telegram 推送运行异常。
func (n *TelegramNotifier) NotifyHealth(ctx context.Context, report HealthReport) error {
	if err := n.sendText(ctx, renderHealthMessage(report)); err != nil {
		return err
	}
	n.logger.Warn().Float64("failure_rate", report.FailureRate).Msg("运行健康告警已发送 (Telegram)")
	return nil
}

// NotifyHealth writes the health notice to the log.
func (l *LogNotifier) NotifyHealth(_ context.Context, report HealthReport) error {
	l.logger.Warn().
		Int("routes", report.Routes).
		Int("fetch_failed", report.FetchFailed).
		Int("persist_failed", report.PersistFailed).
		Float64("failure_rate", report.FailureRate).
		Float64("threshold", report.Threshold).
		Msg("run unhealthy (log only)")
	return nil
}

// NotifyHealth forwards to every channel able to carry health notices.
// It fails only when none of them accepted it.
func (m *MultiNotifier) NotifyHealth(ctx context.Context, report HealthReport) error {
	var (
		errs      []error
		delivered int
	)
	for _, ch := range m.channels {
		hn, ok := ch.Notifier.(HealthNotifier)
		if !ok {
			continue
		}
		if err := hn.NotifyHealth(ctx, report); err != nil {
			m.logger.Warn().Err(err).Str("channel", ch.Name).Msg("health notice failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if len(errs) == 0 {
			return ErrNoChannels
		}
		return errors.Join(errs...)
	}
	return nil
}

func renderHealthMessage(r HealthReport) string {
	builder := strings.Builder{}
	builder.WriteString("[Run Unhealthy]\n")
	builder.WriteString(fmt.Sprintf("Failure rate: %.0f%% (limit %.0f%%)\n", r.FailureRate*100, r.Threshold*100))
	builder.WriteString(fmt.Sprintf("Routes: %d, fetch failed: %d, persist failed: %d\n", r.Routes, r.FetchFailed, r.PersistFailed))
	builder.WriteString(fmt.Sprintf("Finished: %s UTC\n", r.FinishedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var (
	_ HealthNotifier = (*TelegramNotifier)(nil)
	_ HealthNotifier = (*LogNotifier)(nil)
	_ HealthNotifier = (*MultiNotifier)(nil)
)
