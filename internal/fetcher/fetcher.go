package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned when no FX rate exists for an observation currency.
var ErrUnknownCurrency = errors.New("fetcher: unknown currency")

// SourceQuote is one contributing source's price.
type SourceQuote struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency,omitempty"`
}

// ObservationRequest is what the scraper boundary hands to the engine.
type ObservationRequest struct {
	RouteKey   string          `json:"route_key"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	ObservedAt time.Time       `json:"observed_at"`
	Confidence float64         `json:"confidence"`
	Sources    []SourceQuote   `json:"contributing_sources"`
}

// SampleCount counts agreeing sources; a request without sources counts as one.
func (r ObservationRequest) SampleCount() int {
	if len(r.Sources) == 0 {
		return 1
	}
	return len(r.Sources)
}

// SourcePrices returns the contributing prices in order.
func (r ObservationRequest) SourcePrices() []decimal.Decimal {
	prices := make([]decimal.Decimal, len(r.Sources))
	for i, src := range r.Sources {
		prices[i] = src.Price
	}
	return prices
}

// Source produces observation requests for a route.
type Source interface {
	Fetch(ctx context.Context, routeKey string) ([]ObservationRequest, error)
}

// SortByObservedAt orders requests oldest first, keeping input order for ties.
func SortByObservedAt(reqs []ObservationRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].ObservedAt.Before(reqs[j].ObservedAt)
	})
}

// Normalizer converts prices into the base currency using fixed rates.
type Normalizer struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewNormalizer builds a normalizer. rates map a currency code to its value in base.
func NewNormalizer(base string, rates map[string]float64) *Normalizer {
	n := &Normalizer{
		base:  strings.ToUpper(strings.TrimSpace(base)),
		rates: make(map[string]decimal.Decimal, len(rates)),
	}
	for code, rate := range rates {
		n.rates[strings.ToUpper(code)] = decimal.NewFromFloat(rate)
	}
	return n
}

// Base is the target currency.
func (n *Normalizer) Base() string {
	return n.base
}

// Normalize returns a copy of req priced in the base currency.
func (n *Normalizer) Normalize(req ObservationRequest) (ObservationRequest, error) {
	out := req
	reqCurrency := n.code(req.Currency)

	price, err := n.convert(req.Price, reqCurrency)
	if err != nil {
		return ObservationRequest{}, fmt.Errorf("route %s: %w", req.RouteKey, err)
	}
	out.Price = price
	out.Currency = n.base

	out.Sources = make([]SourceQuote, len(req.Sources))
	for i, src := range req.Sources {
		code := reqCurrency
		if src.Currency != "" {
			code = n.code(src.Currency)
		}
		converted, err := n.convert(src.Price, code)
		if err != nil {
			return ObservationRequest{}, fmt.Errorf("route %s source %s: %w", req.RouteKey, src.Name, err)
		}
		out.Sources[i] = SourceQuote{Name: src.Name, Price: converted, Currency: n.base}
	}
	return out, nil
}

func (n *Normalizer) code(currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return n.base
	}
	return code
}

func (n *Normalizer) convert(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	if code == n.base {
		return amount, nil
	}
	rate, ok := n.rates[code]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return amount.Mul(rate).Round(2), nil
}
