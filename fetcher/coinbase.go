package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

// CoinbaseFetcher reads USD spot prices from the Coinbase API. It is the
// stock fallback for TOKEN_PRICE subjects and also serves <COIN>_PRICE
// protocol metrics.
type CoinbaseFetcher struct {
	baseURL  string
	client   *http.Client
	decimals uint8
}

func NewCoinbaseFetcher(baseURL string, timeout time.Duration) *CoinbaseFetcher {
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CoinbaseFetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		decimals: 8,
	}
}

func (f *CoinbaseFetcher) Name() string { return "COINBASE" }

func (f *CoinbaseFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectTokenPrice, market.SubjectHLMetric}
}

func (f *CoinbaseFetcher) CanFetch(subject market.Subject) bool {
	return f.pairFor(subject) != ""
}

func (f *CoinbaseFetcher) pairFor(subject market.Subject) string {
	switch subject.Kind {
	case market.SubjectTokenPrice:
		if subject.Token == "" {
			return ""
		}
		return subject.Token + "-USD"
	case market.SubjectHLMetric:
		coin, found := strings.CutSuffix(subject.MetricID, "_PRICE")
		if !found {
			return ""
		}
		return coin + "-USD"
	default:
		return ""
	}
}

func (f *CoinbaseFetcher) FetchMetric(ctx context.Context, subject market.Subject, at time.Time) (market.MetricValue, error) {
	pair := f.pairFor(subject)
	if pair == "" {
		return market.MetricValue{}, fmt.Errorf("%w: %s", ErrNotSupported, subject.Key())
	}

	decimals := f.decimals
	if subject.Kind == market.SubjectTokenPrice && subject.TokenDecimals > 0 {
		decimals = subject.TokenDecimals
	}

	url := fmt.Sprintf("%s/v2/prices/%s/spot", f.baseURL, pair)
	// Spot prices support point-in-time reads via the date parameter;
	// sub-day precision is the best this API offers for history.
	if time.Since(at) > 24*time.Hour {
		url += "?date=" + at.UTC().Format("2006-01-02")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return market.MetricValue{}, err
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
		return market.MetricValue{}, fmt.Errorf("%w: status %d for %s", ErrUnavailable, resp.StatusCode, pair)
	}

	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return market.MetricValue{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	value, err := ParseDecimal(payload.Data.Amount, decimals)
	if err != nil {
		return market.MetricValue{}, err
	}
	return market.MetricValue{
		Value:      value,
		Decimals:   decimals,
		ObservedAt: at,
		SourceID:   f.Name(),
	}, nil
}

func (f *CoinbaseFetcher) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v2/time", nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
