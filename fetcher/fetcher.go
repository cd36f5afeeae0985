// Package fetcher defines the pluggable metric source interface and the
// registry that tracks source health and drives primary/fallback selection.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

// Fetch failure kinds. Fetchers wrap their errors with one of these so the
// registry and the resolution service can tell a dead source from a bad
// subject.
var (
	ErrNotSupported    = errors.New("subject not supported")
	ErrUnavailable     = errors.New("source unavailable")
	ErrTimeout         = errors.New("source timed out")
	ErrInvalidResponse = errors.New("invalid source response")
)

// Fetcher is an adapter that reads a metric value from one external data
// source. Implementations are constructed at startup from config and
// registered with the Registry.
type Fetcher interface {
	// Name is the registry key, e.g. "HYPERLIQUID". Markets reference it
	// through their primary/fallback source IDs.
	Name() string

	// SupportedSubjects lists the subject kinds this source understands.
	SupportedSubjects() []market.SubjectKind

	// CanFetch is a static capability check: does this source know the
	// given metric/token. It must not perform I/O.
	CanFetch(subject market.Subject) bool

	// FetchMetric reads the metric value observed at (or nearest to) the
	// given time. Fails with one of the kinds above.
	FetchMetric(ctx context.Context, subject market.Subject, at time.Time) (market.MetricValue, error)

	// IsHealthy is a cheap liveness probe used by the health loop.
	IsHealthy(ctx context.Context) bool
}

// Health is the registry's per-fetcher view.
type Health struct {
	Healthy           bool      `json:"healthy"`
	LastCheck         time.Time `json:"last_check"`
	LastError         string    `json:"last_error,omitempty"`
	TotalFetches      int64     `json:"total_fetches"`
	ErrorCount        int64     `json:"error_count"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastFetch         time.Time `json:"last_fetch,omitempty"`
}

// errorRate is the lifetime failure ratio, used as a tiebreaker when
// ordering candidates of equal priority.
func (h Health) errorRate() float64 {
	if h.TotalFetches == 0 {
		return 0
	}
	return float64(h.ErrorCount) / float64(h.TotalFetches)
}

// Info pairs a fetcher name with its cumulative stats for the control plane.
type Info struct {
	Name   string `json:"name"`
	Health Health `json:"health"`
}

// ParseDecimal converts a decimal string like "51234.5" into a fixed-point
// integer scaled by 10^decimals. Excess fractional digits are truncated.
func ParseDecimal(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty number", ErrInvalidResponse)
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		fracPart = fracPart[:decimals]
	}
	for len(fracPart) < int(decimals) {
		fracPart += "0"
	}
	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad number %q", ErrInvalidResponse, s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
