package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNoChannels is returned when nothing is configured to receive alerts.
var ErrNoChannels = errors.New("alerting: no channels configured")

// Channel is a named notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// MultiNotifier 依次投递到所有渠道；只要有一个渠道成功即视为已发送。
type MultiNotifier struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewMultiNotifier fans out to channels in order.
func NewMultiNotifier(channels []Channel, logger zerolog.Logger) *MultiNotifier {
	return &MultiNotifier{
		channels: channels,
		logger:   logger.With().Str("component", "alert_fanout").Logger(),
	}
}

// Len reports the number of configured channels.
func (m *MultiNotifier) Len() int {
	return len(m.channels)
}

// Notify delivers to every channel. It fails only when no channel accepted the alert.
func (m *MultiNotifier) Notify(ctx context.Context, payload AlertPayload) error {
	if len(m.channels) == 0 {
		return ErrNoChannels
	}

	var (
		errs      []error
		delivered int
	)
	for _, ch := range m.channels {
		if err := ch.Notifier.Notify(ctx, payload); err != nil {
			m.logger.Warn().Err(err).Str("channel", ch.Name).Str("route", payload.RouteKey).Msg("channel delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close closes channels that hold resources.
func (m *MultiNotifier) Close() error {
	var errs []error
	for _, ch := range m.channels {
		if closer, ok := ch.Notifier.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log only. It backs dry runs and disabled alerting.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, payload AlertPayload) error {
	l.logger.Info().
		Str("route", payload.RouteKey).
		Str("price", payload.Price.String()).
		Float64("savings_pct", payload.SavingsPct).
		Str("category", payload.Category).
		Bool("mistake_fare", payload.IsMistakeFare).
		Str("volatility", payload.Volatility).
		Msg("alert (log only)")
	return nil
}

var (
	_ Notifier = (*MultiNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
