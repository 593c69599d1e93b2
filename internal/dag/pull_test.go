package dag_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/market-analytics-engine/internal/analytics"
	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/timeseries"
)

// countingProvider counts GetTimeSeries calls to verify diamond sharing.
type countingProvider struct {
	inner *timeseries.InMemoryProvider
	calls int
}

func (p *countingProvider) GetTimeSeries(key asset.Key, dateRange timeseries.DateRange) ([]timeseries.Point, error) {
	p.calls++
	return p.inner.GetTimeSeries(key, dateRange)
}

func dailySeries(start time.Time, prices []float64) []timeseries.Point {
	points := make([]timeseries.Point, len(prices))
	for i, price := range prices {
		points[i] = timeseries.NewPoint(start.AddDate(0, 0, i).Add(16*time.Hour), price)
	}
	return points
}

func buildReturnsChain(t *testing.T, key asset.Key) (*dag.DAG, dag.NodeID, dag.NodeID) {
	t.Helper()
	graph := dag.New(analytics.NewRegistry())
	dataID := graph.AddNode("data_provider", nil, []asset.Key{key})
	returnsID := graph.AddNode("returns", nil, []asset.Key{key})
	if err := graph.AddEdge(dataID, returnsID); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	return graph, dataID, returnsID
}

func TestPullDataProviderTarget(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102}))

	graph, dataID, _ := buildReturnsChain(t, aapl)

	result, err := graph.Pull(dataID, timeseries.NewDateRange(start, start.AddDate(0, 0, 2)), provider)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(result))
	}
	if result[0].ClosePrice != 100 || result[2].ClosePrice != 102 {
		t.Errorf("Expected raw prices, got %v", result)
	}
}

func TestPullReturnsValues(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 110, 105, 115}))

	graph, _, returnsID := buildReturnsChain(t, aapl)

	// Query from day 1 so burn-in covers the first return.
	queryRange := timeseries.NewDateRange(start.AddDate(0, 0, 1), start.AddDate(0, 0, 3))
	result, err := graph.Pull(returnsID, queryRange, provider)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(result))
	}
	expected := []float64{math.Log(110.0 / 100.0), math.Log(105.0 / 110.0), math.Log(115.0 / 105.0)}
	for i, want := range expected {
		if math.Abs(result[i].ClosePrice-want) > 1e-10 {
			t.Errorf("Index %d: expected %v, got %v", i, want, result[i].ClosePrice)
		}
	}
}

func TestPullTrimsToRequestedRange(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102, 103, 104, 105, 106, 107}))

	graph, _, returnsID := buildReturnsChain(t, aapl)

	queryRange := timeseries.NewDateRange(start.AddDate(0, 0, 3), start.AddDate(0, 0, 5))
	result, err := graph.Pull(returnsID, queryRange, provider)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	for _, point := range result {
		if !queryRange.Contains(point.Timestamp) {
			t.Errorf("Point %v outside requested range", point.Timestamp)
		}
	}
	if len(result) != 3 {
		t.Errorf("Expected 3 in-range points, got %d", len(result))
	}
}

func TestPullEmptyProviderData(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, nil)

	graph, _, returnsID := buildReturnsChain(t, aapl)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := graph.Pull(returnsID, timeseries.NewDateRange(start, start.AddDate(0, 0, 5)), provider)
	if err != nil {
		t.Fatalf("Expected empty result, not error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("Expected empty result, got %d points", len(result))
	}
}

func TestPullProviderErrorAborts(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	provider := timeseries.NewInMemoryProvider()

	graph, _, returnsID := buildReturnsChain(t, aapl)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := graph.Pull(returnsID, timeseries.NewDateRange(start, start.AddDate(0, 0, 5)), provider)
	if err == nil {
		t.Fatal("Expected provider error to abort pull")
	}
	var provErr *dag.ProviderError
	if !errors.As(err, &provErr) {
		t.Errorf("Expected ProviderError, got %T: %v", err, err)
	}
}

func TestPullUnknownTarget(t *testing.T) {
	graph := dag.New(analytics.NewRegistry())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := graph.Pull(7, timeseries.NewDateRange(start, start), timeseries.NewInMemoryProvider())
	if !errors.Is(err, dag.ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestPullDiamondSharing(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := timeseries.NewInMemoryProvider()
	inner.AddData(aapl, dailySeries(start, []float64{100, 110, 105, 115, 120}))

	graph := dag.New(analytics.NewRegistry())
	dataID := graph.AddNode("data_provider", nil, []asset.Key{aapl})
	returns1 := graph.AddNode("returns", nil, []asset.Key{aapl})
	returns2 := graph.AddNode("returns", nil, []asset.Key{aapl})
	if err := graph.AddEdge(dataID, returns1); err != nil {
		t.Fatal(err)
	}
	if err := graph.AddEdge(dataID, returns2); err != nil {
		t.Fatal(err)
	}

	queryRange := timeseries.NewDateRange(start.AddDate(0, 0, 1), start.AddDate(0, 0, 4))

	provider := &countingProvider{inner: inner}
	first, err := graph.Pull(returns1, queryRange, provider)
	if err != nil {
		t.Fatalf("Pull returns1 failed: %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("Expected data provider executed once per pull, got %d calls", provider.calls)
	}

	second, err := graph.Pull(returns2, queryRange, provider)
	if err != nil {
		t.Fatalf("Pull returns2 failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Expected identical lengths, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Timestamp.Equal(second[i].Timestamp) {
			t.Errorf("Timestamp mismatch at %d", i)
		}
		sameValue := first[i].ClosePrice == second[i].ClosePrice ||
			(math.IsNaN(first[i].ClosePrice) && math.IsNaN(second[i].ClosePrice))
		if !sameValue {
			t.Errorf("Value mismatch at %d: %v vs %v", i, first[i].ClosePrice, second[i].ClosePrice)
		}
	}
}

func TestPullParallelAggregates(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	msft := asset.MustEquity("MSFT")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 110, 105}))
	provider.AddData(msft, dailySeries(start, []float64{400, 404, 402}))

	graph := dag.New(analytics.NewRegistry())
	aaplData := graph.AddNode("data_provider", nil, []asset.Key{aapl})
	aaplReturns := graph.AddNode("returns", nil, []asset.Key{aapl})
	msftData := graph.AddNode("data_provider", nil, []asset.Key{msft})
	msftReturns := graph.AddNode("returns", nil, []asset.Key{msft})
	if err := graph.AddEdge(aaplData, aaplReturns); err != nil {
		t.Fatal(err)
	}
	if err := graph.AddEdge(msftData, msftReturns); err != nil {
		t.Fatal(err)
	}

	queryRange := timeseries.NewDateRange(start.AddDate(0, 0, 1), start.AddDate(0, 0, 2))
	results, err := graph.PullParallel([]dag.NodeID{aaplReturns, msftReturns}, queryRange, provider)
	if err != nil {
		t.Fatalf("PullParallel failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("Expected results for both targets, got %d", len(results))
	}
	if len(results[aaplReturns]) != 2 || len(results[msftReturns]) != 2 {
		t.Error("Expected 2 points per target")
	}
}

func TestPullParallelCollectsErrors(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	unknown := asset.MustEquity("NOPE")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 110}))

	graph := dag.New(analytics.NewRegistry())
	okData := graph.AddNode("data_provider", nil, []asset.Key{aapl})
	badData := graph.AddNode("data_provider", nil, []asset.Key{unknown})

	queryRange := timeseries.NewDateRange(start, start.AddDate(0, 0, 1))
	_, err := graph.PullParallel([]dag.NodeID{okData, badData}, queryRange, provider)
	if err == nil {
		t.Fatal("Expected aggregate error")
	}
	var execErr *dag.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("Expected ExecutionError, got %T", err)
	}
}

func TestBurnInDays(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	graph := dag.New(analytics.NewRegistry())

	dataID := graph.AddNode("data_provider", nil, []asset.Key{aapl})
	returnsID := graph.AddNode("returns", nil, []asset.Key{aapl})
	volID := graph.AddNode("volatility", map[string]string{"window_size": "10"}, []asset.Key{aapl})
	if err := graph.AddEdge(dataID, returnsID); err != nil {
		t.Fatal(err)
	}
	if err := graph.AddEdge(returnsID, volID); err != nil {
		t.Fatal(err)
	}

	if b := graph.BurnInDays(dataID); b != 0 {
		t.Errorf("Expected 0 for data provider, got %d", b)
	}
	if b := graph.BurnInDays(returnsID); b != 1 {
		t.Errorf("Expected 1 for returns, got %d", b)
	}
	if b := graph.BurnInDays(volID); b != 11 {
		t.Errorf("Expected 11 for volatility(10), got %d", b)
	}
}

func TestResolveIdempotent(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	dateRange := timeseries.NewDateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	)
	window := dag.FixedWindowSpec(10)

	graph := dag.New(analytics.NewRegistry())
	key := dag.NodeKey{
		Analytic: dag.AnalyticVolatility,
		Assets:   []asset.Key{aapl},
		Range:    &dateRange,
		Window:   &window,
	}

	first, err := graph.Resolve(key)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	nodesAfterFirst := graph.NodeCount()

	second, err := graph.Resolve(key)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if first != second {
		t.Errorf("Expected identical NodeID, got %d and %d", first, second)
	}
	if graph.NodeCount() != nodesAfterFirst {
		t.Error("Expected no new nodes on re-resolve")
	}
}

func TestResolveSharesDependencies(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	dateRange := timeseries.NewDateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	)

	graph := dag.New(analytics.NewRegistry())

	windowA := dag.FixedWindowSpec(10)
	volA, err := graph.Resolve(dag.NodeKey{
		Analytic: dag.AnalyticVolatility,
		Assets:   []asset.Key{aapl},
		Range:    &dateRange,
		Window:   &windowA,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	countA := graph.NodeCount()

	// A different window size shares nothing below the returns node whose
	// range differs, but the overall graph must stay acyclic and resolvable.
	windowB := dag.FixedWindowSpec(20)
	volB, err := graph.Resolve(dag.NodeKey{
		Analytic: dag.AnalyticVolatility,
		Assets:   []asset.Key{aapl},
		Range:    &dateRange,
		Window:   &windowB,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if volA == volB {
		t.Error("Expected distinct nodes for different windows")
	}
	if graph.NodeCount() <= countA {
		t.Error("Expected additional nodes for the second window")
	}
}
