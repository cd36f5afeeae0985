package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

// hlSnapshotCutoff is the age past which a mid-price read is replaced by a
// candle lookup: allMids only reflects the current book.
const hlSnapshotCutoff = 2 * time.Minute

// HyperliquidFetcher reads protocol metrics and token prices from the
// Hyperliquid info API. Metric IDs follow the <COIN>_PRICE convention.
type HyperliquidFetcher struct {
	baseURL  string
	client   *http.Client
	decimals uint8
}

func NewHyperliquidFetcher(baseURL string, timeout time.Duration) *HyperliquidFetcher {
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HyperliquidFetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		decimals: 8,
	}
}

func (f *HyperliquidFetcher) Name() string { return "HYPERLIQUID" }

func (f *HyperliquidFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectHLMetric, market.SubjectTokenPrice}
}

func (f *HyperliquidFetcher) CanFetch(subject market.Subject) bool {
	switch subject.Kind {
	case market.SubjectHLMetric:
		return f.coinFor(subject) != ""
	case market.SubjectTokenPrice:
		return subject.Token != ""
	default:
		return false
	}
}

// coinFor maps a subject onto a Hyperliquid coin symbol.
func (f *HyperliquidFetcher) coinFor(subject market.Subject) string {
	if subject.Kind == market.SubjectTokenPrice {
		return subject.Token
	}
	coin, found := strings.CutSuffix(subject.MetricID, "_PRICE")
	if !found {
		return ""
	}
	return coin
}

func (f *HyperliquidFetcher) FetchMetric(ctx context.Context, subject market.Subject, at time.Time) (market.MetricValue, error) {
	coin := f.coinFor(subject)
	if coin == "" {
		return market.MetricValue{}, fmt.Errorf("%w: %s", ErrNotSupported, subject.Key())
	}

	decimals := f.decimals
	if subject.Kind == market.SubjectTokenPrice && subject.TokenDecimals > 0 {
		decimals = subject.TokenDecimals
	}

	var raw string
	var err error
	if time.Since(at) > hlSnapshotCutoff {
		raw, err = f.candleClose(ctx, coin, at)
	} else {
		raw, err = f.mid(ctx, coin)
	}
	if err != nil {
		return market.MetricValue{}, err
	}

	value, err := ParseDecimal(raw, decimals)
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

func (f *HyperliquidFetcher) IsHealthy(ctx context.Context) bool {
	var mids map[string]string
	err := f.post(ctx, map[string]any{"type": "allMids"}, &mids)
	return err == nil && len(mids) > 0
}

func (f *HyperliquidFetcher) mid(ctx context.Context, coin string) (string, error) {
	var mids map[string]string
	if err := f.post(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return "", err
	}
	price, ok := mids[coin]
	if !ok {
		return "", fmt.Errorf("%w: no mid for %s", ErrInvalidResponse, coin)
	}
	return price, nil
}

func (f *HyperliquidFetcher) candleClose(ctx context.Context, coin string, at time.Time) (string, error) {
	req := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  "1m",
			"startTime": at.Add(-time.Minute).UnixMilli(),
			"endTime":   at.UnixMilli(),
		},
	}
	var candles []struct {
		Close string `json:"c"`
	}
	if err := f.post(ctx, req, &candles); err != nil {
		return "", err
	}
	if len(candles) == 0 {
		return "", fmt.Errorf("%w: no candle for %s at %s", ErrUnavailable, coin, at.Format(time.RFC3339))
	}
	return candles[len(candles)-1].Close, nil
}

func (f *HyperliquidFetcher) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
