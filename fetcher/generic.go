package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

// GenericHTTPFetcher serves GENERIC subjects from an arbitrary JSON
// endpoint. The value is located with a dot-separated path into the
// response document, e.g. "data.price" or "rates.0.value".
type GenericHTTPFetcher struct {
	name     string
	sourceID string
	url      string
	path     string
	apiKey   string
	decimals uint8
	client   *http.Client
}

// GenericConfig is built from FETCHER_<NAME>_* config entries.
type GenericConfig struct {
	Name     string
	SourceID string
	URL      string
	Path     string
	APIKey   string
	Decimals uint8
	Timeout  time.Duration
}

func NewGenericHTTPFetcher(cfg GenericConfig) *GenericHTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 8
	}
	return &GenericHTTPFetcher{
		name:     cfg.Name,
		sourceID: cfg.SourceID,
		url:      cfg.URL,
		path:     cfg.Path,
		apiKey:   cfg.APIKey,
		decimals: cfg.Decimals,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (f *GenericHTTPFetcher) Name() string { return f.name }

func (f *GenericHTTPFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectGeneric}
}

func (f *GenericHTTPFetcher) CanFetch(subject market.Subject) bool {
	return subject.Kind == market.SubjectGeneric && subject.SourceID == f.sourceID
}

func (f *GenericHTTPFetcher) FetchMetric(ctx context.Context, subject market.Subject, at time.Time) (market.MetricValue, error) {
	if !f.CanFetch(subject) {
		return market.MetricValue{}, fmt.Errorf("%w: %s", ErrNotSupported, subject.Key())
	}

	url := strings.ReplaceAll(f.url, "{time}", strconv.FormatInt(at.Unix(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return market.MetricValue{}, err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return market.MetricValue{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return market.MetricValue{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return market.MetricValue{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return market.MetricValue{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	raw, err := extractPath(doc, f.path)
	if err != nil {
		return market.MetricValue{}, err
	}
	value, err := ParseDecimal(raw, f.decimals)
	if err != nil {
		return market.MetricValue{}, err
	}
	return market.MetricValue{
		Value:      value,
		Decimals:   f.decimals,
		ObservedAt: at,
		SourceID:   f.name,
	}, nil
}

func (f *GenericHTTPFetcher) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url, nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// extractPath walks a decoded JSON document by dot-separated keys.
// Numeric segments index into arrays.
func extractPath(doc any, path string) (string, error) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", fmt.Errorf("%w: missing key %q", ErrInvalidResponse, seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("%w: bad array index %q", ErrInvalidResponse, seg)
			}
			cur = node[idx]
		default:
			return "", fmt.Errorf("%w: cannot descend into %T at %q", ErrInvalidResponse, cur, seg)
		}
	}
	switch v := cur.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: value at %q is %T, not a number", ErrInvalidResponse, path, cur)
	}
}
