package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const observationsPath = "/routes/%s/observations"

// HTTPOptions parameterise the HTTP observation source.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPSource pulls observation requests from the scraper service API.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPSource constructs an HTTP source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "http_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Fetch 拉取单条航线的观测数据。
func (s *HTTPSource) Fetch(ctx context.Context, routeKey string) ([]ObservationRequest, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("source.base_url is required")
	}

	endpoint := s.baseURL + fmt.Sprintf(observationsPath, url.PathEscape(routeKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dealwatch/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var body observationsResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}

	out := make([]ObservationRequest, 0, len(body.Observations))
	for _, obs := range body.Observations {
		if obs.RouteKey == "" {
			obs.RouteKey = routeKey
		}
		if obs.RouteKey != routeKey {
			s.logger.Warn().Str("route", routeKey).Str("got", obs.RouteKey).Msg("skip observation for another route")
			continue
		}
		out = append(out, obs)
	}
	SortByObservedAt(out)

	s.logger.Debug().Str("route", routeKey).Int("count", len(out)).Msg("observations fetched")
	return out, nil
}

type observationsResponse struct {
	Observations []ObservationRequest `json:"observations"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("source api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("source api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
