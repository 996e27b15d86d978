package fetcher

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileSource serves observation requests from a YAML document.
//
//	observations:
//	  - route: IST-JFK
//	    price: "11000"
//	    currency: TRY
//	    observed_at: 2024-06-01T10:00:00Z
//	    sources:
//	      - {name: api, price: "11000"}
//	      - {name: browser, price: "11050"}
type FileSource struct {
	path string

	once   sync.Once
	loaded map[string][]ObservationRequest
	err    error
}

// NewFileSource reads path lazily on first Fetch.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch returns the requests recorded for routeKey, oldest first.
func (f *FileSource) Fetch(ctx context.Context, routeKey string) ([]ObservationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loaded, err := f.load()
	if err != nil {
		return nil, err
	}
	src := loaded[routeKey]
	out := make([]ObservationRequest, len(src))
	copy(out, src)
	return out, nil
}

// Routes lists every route present in the file.
func (f *FileSource) Routes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loaded, err := f.load()
	if err != nil {
		return nil, err
	}
	routes := make([]string, 0, len(loaded))
	for key := range loaded {
		routes = append(routes, key)
	}
	sort.Strings(routes)
	return routes, nil
}

func (f *FileSource) load() (map[string][]ObservationRequest, error) {
	f.once.Do(func() {
		f.loaded, f.err = loadObservationFile(f.path)
	})
	return f.loaded, f.err
}

type observationFile struct {
	Observations []fileObservation `yaml:"observations"`
}

type fileObservation struct {
	Route      string       `yaml:"route"`
	Price      string       `yaml:"price"`
	Currency   string       `yaml:"currency"`
	ObservedAt time.Time    `yaml:"observed_at"`
	Confidence float64      `yaml:"confidence"`
	Sources    []fileSource `yaml:"sources"`
}

type fileSource struct {
	Name     string `yaml:"name"`
	Price    string `yaml:"price"`
	Currency string `yaml:"currency"`
}

// ParseObservations decodes the YAML observation document.
func ParseObservations(data []byte) (map[string][]ObservationRequest, error) {
	var doc observationFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode observation yaml: %w", err)
	}

	byRoute := make(map[string][]ObservationRequest)
	for i, raw := range doc.Observations {
		if raw.Route == "" {
			return nil, fmt.Errorf("observation %d: route is required", i)
		}
		req := ObservationRequest{
			RouteKey:   raw.Route,
			Currency:   raw.Currency,
			ObservedAt: raw.ObservedAt,
			Confidence: raw.Confidence,
		}
		if raw.Price != "" {
			price, err := decimal.NewFromString(raw.Price)
			if err != nil {
				return nil, fmt.Errorf("observation %d: parse price: %w", i, err)
			}
			req.Price = price
		}
		for _, src := range raw.Sources {
			price, err := decimal.NewFromString(src.Price)
			if err != nil {
				return nil, fmt.Errorf("observation %d source %s: parse price: %w", i, src.Name, err)
			}
			req.Sources = append(req.Sources, SourceQuote{Name: src.Name, Price: price, Currency: src.Currency})
		}
		byRoute[raw.Route] = append(byRoute[raw.Route], req)
	}
	for key := range byRoute {
		SortByObservedAt(byRoute[key])
	}
	return byRoute, nil
}

func loadObservationFile(path string) (map[string][]ObservationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read observation file: %w", err)
	}
	return ParseObservations(data)
}

// StaticSource serves a fixed set of requests; used by simulate.
type StaticSource struct {
	Requests map[string][]ObservationRequest
}

// Fetch returns the configured requests for routeKey.
func (s StaticSource) Fetch(_ context.Context, routeKey string) ([]ObservationRequest, error) {
	src := s.Requests[routeKey]
	out := make([]ObservationRequest, len(src))
	copy(out, src)
	return out, nil
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = StaticSource{}
)
