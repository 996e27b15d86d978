package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AlertPayload 是发往通知边界的告警内容，引擎本身不负责排版。
type AlertPayload struct {
	RouteKey       string          `json:"route_key"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	SavingsPct     float64         `json:"savings_pct"`
	Category       string          `json:"category"`
	IsMistakeFare  bool            `json:"is_mistake_fare"`
	Volatility     string          `json:"volatility_class"`
	ObservedAt     time.Time       `json:"observed_at"`
	PercentileRank float64         `json:"percentile_rank"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Confidence     float64         `json:"confidence"`
	Deferred       bool            `json:"deferred,omitempty"`
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, payload AlertPayload) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, payload AlertPayload) error {
	if err := n.sendText(ctx, renderMessage(payload)); err != nil {
		return err
	}

	n.logger.Info().Str("route", payload.RouteKey).
		Str("price", payload.Price.String()).
		Bool("mistake_fare", payload.IsMistakeFare).
		Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) sendText(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return nil
}

func renderMessage(p AlertPayload) string {
	builder := strings.Builder{}
	if p.IsMistakeFare {
		builder.WriteString("[Mistake Fare]\n")
	} else {
		builder.WriteString("[Route Deal]\n")
	}
	builder.WriteString(fmt.Sprintf("Route: %s\n", p.RouteKey))
	builder.WriteString(fmt.Sprintf("Price: %s %s\n", p.Price.StringFixed(0), p.Currency))
	if !p.AvgPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Average: %s %s\n", p.AvgPrice.StringFixed(0), p.Currency))
	}
	builder.WriteString(fmt.Sprintf("Savings: %.1f%%\n", p.SavingsPct))
	builder.WriteString(fmt.Sprintf("Category: %s\n", p.Category))
	builder.WriteString(fmt.Sprintf("Volatility: %s\n", p.Volatility))
	builder.WriteString(fmt.Sprintf("Percentile: %.0f\n", p.PercentileRank))
	builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", p.ObservedAt.UTC().Format(time.RFC3339)))
	if p.Deferred {
		builder.WriteString("Held overnight\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
