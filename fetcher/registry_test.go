package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

// stubFetcher is a scriptable in-memory source.
type stubFetcher struct {
	name    string
	value   int64
	fail    bool
	healthy bool
	calls   int
}

func newStub(name string, value int64) *stubFetcher {
	return &stubFetcher{name: name, value: value, healthy: true}
}

func (s *stubFetcher) Name() string { return s.name }
func (s *stubFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectTokenPrice}
}
func (s *stubFetcher) CanFetch(subject market.Subject) bool {
	return subject.Kind == market.SubjectTokenPrice
}
func (s *stubFetcher) FetchMetric(ctx context.Context, subject market.Subject, at time.Time) (market.MetricValue, error) {
	s.calls++
	if s.fail {
		return market.MetricValue{}, errors.New("boom")
	}
	return market.MetricValue{
		Value:      big.NewInt(s.value),
		Decimals:   2,
		ObservedAt: at,
		SourceID:   s.name,
	}, nil
}
func (s *stubFetcher) IsHealthy(ctx context.Context) bool { return s.healthy }

var btcSubject = market.Subject{Kind: market.SubjectTokenPrice, Token: "BTC"}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	if err := r.Register(newStub("A", 1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newStub("A", 2)); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestFetchMetricPrefersPrimarySource(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	a, b := newStub("A", 100), newStub("B", 200)
	r.Register(a)
	r.Register(b)

	res, err := r.FetchMetric(context.Background(), btcSubject, time.Now(),
		Preferences{PrimarySource: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if res.FetcherName != "B" {
		t.Errorf("served by %s, want declared primary B", res.FetcherName)
	}
	if res.FromFallback {
		t.Error("primary hit marked as fallback")
	}
	if a.calls != 0 {
		t.Error("non-primary source was called")
	}
}

func TestFetchMetricFallsBackAndMarksUnhealthy(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	primary, fallback := newStub("PRIMARY", 100), newStub("FALLBACK", 200)
	primary.fail = true
	r.Register(primary)
	r.Register(fallback)

	res, err := r.FetchMetric(context.Background(), btcSubject, time.Now(),
		Preferences{PrimarySource: "PRIMARY", FallbackSource: "FALLBACK"})
	if err != nil {
		t.Fatal(err)
	}
	if res.FetcherName != "FALLBACK" || !res.FromFallback {
		t.Errorf("got %s fallback=%v, want FALLBACK fallback=true", res.FetcherName, res.FromFallback)
	}

	// The failure takes PRIMARY out of selection entirely.
	names := r.GetFetchersForSubject(btcSubject, Preferences{PrimarySource: "PRIMARY"})
	for _, n := range names {
		if n == "PRIMARY" {
			t.Error("failed source still selectable before re-verification")
		}
	}

	// Until it is re-verified.
	r.MarkHealthy("PRIMARY")
	names = r.GetFetchersForSubject(btcSubject, Preferences{PrimarySource: "PRIMARY"})
	if len(names) == 0 || names[0] != "PRIMARY" {
		t.Errorf("re-verified primary not first: %v", names)
	}
}

func TestFetchMetricAllFailed(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	a := newStub("A", 1)
	a.fail = true
	r.Register(a)

	_, err := r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("got %v, want ErrAllFailed", err)
	}
}

func TestFetchMetricNoCandidate(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	_, err := r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{})
	if !errors.Is(err, ErrNoFetcher) {
		t.Errorf("got %v, want ErrNoFetcher", err)
	}
}

func TestFallbackDisabled(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.AllowFallback = false
	r := NewRegistry(cfg)
	a, b := newStub("A", 1), newStub("B", 2)
	a.fail = true
	r.Register(a)
	r.Register(b)

	_, err := r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{PrimarySource: "A"})
	if err == nil {
		t.Fatal("expected failure with fallback disabled")
	}
	if b.calls != 0 {
		t.Error("fallback source was tried despite AllowFallback=false")
	}
}

func TestCandidateOrderFollowsRegistration(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	flaky, solid := newStub("FLAKY", 1), newStub("SOLID", 2)
	r.Register(flaky)
	r.Register(solid)

	// Give the first-registered source a worse lifetime error rate, then
	// restore its health mark: registration order still wins for
	// non-preferred candidates.
	flaky.fail = true
	r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{PrimarySource: "FLAKY"})
	flaky.fail = false
	r.MarkHealthy("FLAKY")
	r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{PrimarySource: "SOLID"})

	names := r.GetFetchersForSubject(btcSubject, Preferences{})
	if len(names) != 2 || names[0] != "FLAKY" {
		t.Errorf("candidate order %v, want FLAKY first (registered first)", names)
	}
}

func TestFetchMetricMultiSource(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	a, b, c := newStub("A", 1), newStub("B", 2), newStub("C", 3)
	b.fail = true
	r.Register(a)
	r.Register(b)
	r.Register(c)

	results, err := r.FetchMetricMultiSource(context.Background(), btcSubject, time.Now(), 3, Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (one source fails)", len(results))
	}
	seen := map[string]bool{}
	for _, res := range results {
		seen[res.FetcherName] = true
	}
	if !seen["A"] || !seen["C"] {
		t.Errorf("unexpected sources: %v", seen)
	}
}

func TestInfosTracksStats(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	a := newStub("A", 1)
	r.Register(a)
	r.FetchMetric(context.Background(), btcSubject, time.Now(), Preferences{})

	infos := r.Infos()
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	if infos[0].Health.TotalFetches != 1 || infos[0].Health.ErrorCount != 0 {
		t.Errorf("stats not recorded: %+v", infos[0].Health)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     int64
		wantErr  bool
	}{
		{"51234.5", 2, 5123450, false},
		{"51234.567", 2, 5123456, false}, // excess digits truncate
		{"0.00000001", 8, 1, false},
		{"-3.5", 1, -35, false},
		{"+7", 0, 7, false},
		{" 42 ", 0, 42, false},
		{"", 2, 0, true},
		{"abc", 2, 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDecimal(tc.in, tc.decimals)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDecimal(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimal(%q): %v", tc.in, err)
			continue
		}
		if got.Int64() != tc.want {
			t.Errorf("ParseDecimal(%q, %d) = %s, want %d", tc.in, tc.decimals, got, tc.want)
		}
	}
}
