package push_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/market-analytics-engine/internal/analytics"
	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/push"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{
		ServiceName: "test",
		LogLevel:    "error",
	})
}

func dailySeries(start time.Time, prices []float64) []timeseries.Point {
	points := make([]timeseries.Point, len(prices))
	for i, price := range prices {
		points[i] = timeseries.NewPoint(start.AddDate(0, 0, i).Add(16*time.Hour), price)
	}
	return points
}

func buildVolatilityDAG(t *testing.T, key asset.Key, windowSize int, dateRange timeseries.DateRange) (*dag.DAG, dag.NodeID, dag.NodeID, dag.NodeID) {
	t.Helper()
	graph, dataID, returnsID, volID, err := analytics.NewVolatilityQueryBuilder(key, windowSize, dateRange).BuildDAG()
	if err != nil {
		t.Fatalf("BuildDAG failed: %v", err)
	}
	return graph, dataID, returnsID, volID
}

func initializedEngine(t *testing.T, graph *dag.DAG) *push.Engine {
	t.Helper()
	engine := push.NewEngine(graph, testLogger())
	provider := timeseries.NewInMemoryProvider()
	if err := engine.Initialize(provider, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), engine.RequiredLookbackDays()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return engine
}

func TestPushRequiresInitialization(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, _, _ := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))

	engine := push.NewEngine(graph, testLogger())
	err := engine.Push(aapl, start, 100)
	if !errors.Is(err, push.ErrEngineNotInitialized) {
		t.Errorf("Expected ErrEngineNotInitialized, got %v", err)
	}
}

func TestPushRejectsInvalidData(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, _, _ := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	var invalidErr *push.InvalidDataError
	for _, value := range []float64{math.NaN(), math.Inf(1), -1} {
		if err := engine.Push(aapl, start, value); !errors.As(err, &invalidErr) {
			t.Errorf("Expected InvalidDataError for %v, got %v", value, err)
		}
	}
}

func TestPushOutOfOrderRejected(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, dataID, _, _ := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	t1 := start.Add(16 * time.Hour)
	t0 := t1.Add(-24 * time.Hour)

	if err := engine.Push(aapl, t1, 100); err != nil {
		t.Fatalf("First push failed: %v", err)
	}

	err := engine.Push(aapl, t0, 99)
	var outOfOrder *push.OutOfOrderError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("Expected OutOfOrderError, got %v", err)
	}

	// Duplicate timestamp is also out of order (strictly increasing).
	if err := engine.Push(aapl, t1, 100); !errors.As(err, &outOfOrder) {
		t.Errorf("Expected OutOfOrderError for duplicate timestamp, got %v", err)
	}

	// The rejected pushes must not have touched state.
	history, err := engine.History(dataID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected single point in history, got %d", len(history))
	}
}

func TestPushUnknownAssetIsNoOp(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, _, _ := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	if err := engine.Push(asset.MustEquity("MSFT"), start, 400); err != nil {
		t.Errorf("Expected no-op for unreferenced asset, got %v", err)
	}
}

func TestPushStateMachineAndHistory(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, dataID, returnsID, volID := buildVolatilityDAG(t, aapl, 2, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	if state, _ := engine.State(dataID); state != push.StateUninitialized {
		t.Errorf("Expected Uninitialized before first push, got %v", state)
	}

	prices := []float64{100, 110, 105, 115}
	for i, price := range prices {
		ts := start.AddDate(0, 0, i).Add(16 * time.Hour)
		if err := engine.Push(aapl, ts, price); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
	}

	for _, nodeID := range []dag.NodeID{dataID, returnsID, volID} {
		state, err := engine.State(nodeID)
		if err != nil {
			t.Fatalf("State failed: %v", err)
		}
		if state != push.StateReady {
			t.Errorf("Expected node %d Ready, got %v", nodeID, state)
		}
	}

	dataHistory, _ := engine.History(dataID)
	if len(dataHistory) != 4 {
		t.Errorf("Expected 4 data points, got %d", len(dataHistory))
	}

	// Returns needs two prices: first push is a no-op, three outputs follow.
	returnsHistory, _ := engine.History(returnsID)
	if len(returnsHistory) != 3 {
		t.Fatalf("Expected 3 returns, got %d", len(returnsHistory))
	}
	expected := math.Log(110.0 / 100.0)
	if math.Abs(returnsHistory[0].ClosePrice-expected) > 1e-10 {
		t.Errorf("Expected %v, got %v", expected, returnsHistory[0].ClosePrice)
	}

	// Output history must be strictly increasing in timestamp.
	for _, nodeID := range []dag.NodeID{dataID, returnsID, volID} {
		history, _ := engine.History(nodeID)
		for i := 1; i < len(history); i++ {
			if !history[i].Timestamp.After(history[i-1].Timestamp) {
				t.Errorf("Node %d history not strictly increasing", nodeID)
			}
		}
	}

	latest, ok, err := engine.Latest(volID)
	if err != nil || !ok {
		t.Fatalf("Latest failed: %v ok=%v", err, ok)
	}
	if math.IsNaN(latest.ClosePrice) {
		t.Error("Expected warm volatility value")
	}
}

func TestPushVolatilityBuffer(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, dataID, _, volID := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	for i, price := range []float64{100, 101, 102, 103, 104, 105} {
		ts := start.AddDate(0, 0, i).Add(16 * time.Hour)
		if err := engine.Push(aapl, ts, price); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	buffer, err := engine.Buffer(volID)
	if err != nil {
		t.Fatalf("Buffer failed: %v", err)
	}
	if len(buffer) != 3 {
		t.Errorf("Expected buffer capped at window size 3, got %d values", len(buffer))
	}

	// Data provider nodes carry no buffer.
	dataBuffer, err := engine.Buffer(dataID)
	if err != nil {
		t.Fatalf("Buffer failed: %v", err)
	}
	if dataBuffer != nil {
		t.Error("Expected no buffer on data provider node")
	}
}

func TestPushQueriesUnknownNode(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, _, _ := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	if _, err := engine.History(99); !errors.Is(err, dag.ErrNodeNotFound) {
		t.Errorf("Expected node-not-found, got %v", err)
	}
	if _, err := engine.State(99); err == nil {
		t.Error("Expected error for unknown node")
	}
	if _, err := engine.Buffer(99); err == nil {
		t.Error("Expected error for unknown node")
	}
	if _, _, err := engine.Latest(99); err == nil {
		t.Error("Expected error for unknown node")
	}
}

func TestPushCallbacks(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, returnsID, _ := buildVolatilityDAG(t, aapl, 2, timeseries.NewDateRange(start, start.AddDate(0, 0, 10)))
	engine := initializedEngine(t, graph)

	var timestamps []time.Time
	engine.RegisterCallback(returnsID, func(_ dag.NodeID, output dag.NodeOutput, timestamp *time.Time) {
		if output.Kind == dag.OutputScalar && timestamp != nil {
			timestamps = append(timestamps, *timestamp)
		}
	})
	// A panicking callback must not abort propagation.
	engine.RegisterCallback(returnsID, func(dag.NodeID, dag.NodeOutput, *time.Time) {
		panic("callback exploded")
	})

	for i, price := range []float64{100, 110, 105} {
		ts := start.AddDate(0, 0, i).Add(16 * time.Hour)
		if err := engine.Push(aapl, ts, price); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if len(timestamps) != 2 {
		t.Fatalf("Expected 2 callback invocations, got %d", len(timestamps))
	}
	if !timestamps[1].After(timestamps[0]) {
		t.Error("Expected callbacks in increasing timestamp order")
	}

	history, _ := engine.History(returnsID)
	if len(history) != 2 {
		t.Errorf("Expected propagation to survive panicking callback, got %d outputs", len(history))
	}
}

func TestInitializeRejectsShortLookback(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	graph, _, _, _ := buildVolatilityDAG(t, aapl, 10, timeseries.NewDateRange(start, start.AddDate(0, 0, 30)))

	engine := push.NewEngine(graph, testLogger())
	err := engine.Initialize(timeseries.NewInMemoryProvider(), start, 2)

	var insufficientErr *push.InsufficientHistoricalDataError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("Expected InsufficientHistoricalDataError, got %v", err)
	}
	if insufficientErr.Required != 11 {
		t.Errorf("Expected required 11 days, got %d", insufficientErr.Required)
	}
	if engine.IsInitialized() {
		t.Error("Expected engine to stay uninitialized after failed init")
	}
}

func TestInitializeWarmsHistories(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	warmupStart := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	rangeStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(warmupStart, []float64{
		100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111,
	}))

	graph, _, returnsID, volID := buildVolatilityDAG(t, aapl, 3, timeseries.NewDateRange(rangeStart, rangeStart.AddDate(0, 0, 10)))
	engine := push.NewEngine(graph, testLogger())

	if err := engine.Initialize(provider, warmupStart.AddDate(0, 0, 20), 20); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !engine.IsInitialized() {
		t.Error("Expected initialized engine")
	}

	returnsHistory, _ := engine.History(returnsID)
	if len(returnsHistory) == 0 {
		t.Error("Expected warmed returns history")
	}
	latest, ok, _ := engine.Latest(volID)
	if !ok || math.IsNaN(latest.ClosePrice) {
		t.Error("Expected warm volatility after initialization")
	}
}

func TestPullPushDeterminism(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	dataStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := []float64{
		100, 102, 101, 104, 103, 106, 108, 107, 110, 112,
		111, 114, 113, 116, 118, 117, 120, 122, 121, 124,
	}
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(dataStart, prices))

	queryRange := timeseries.NewDateRange(dataStart.AddDate(0, 0, 10), dataStart.AddDate(0, 0, 19))
	windowSize := 4

	// Pull mode.
	pullGraph, _, _, pullVolID, err := analytics.NewVolatilityQueryBuilder(aapl, windowSize, queryRange).BuildDAG()
	if err != nil {
		t.Fatalf("BuildDAG failed: %v", err)
	}
	pullResult, err := pullGraph.Pull(pullVolID, queryRange, provider)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(pullResult) == 0 {
		t.Fatal("Expected non-empty pull result")
	}

	// Push mode over an identical DAG: warm up to the day before the query
	// range, then push the in-range points one tick at a time.
	pushGraph, _, _, pushVolID, err := analytics.NewVolatilityQueryBuilder(aapl, windowSize, queryRange).BuildDAG()
	if err != nil {
		t.Fatalf("BuildDAG failed: %v", err)
	}
	engine := push.NewEngine(pushGraph, testLogger())
	if err := engine.Initialize(provider, queryRange.Start.AddDate(0, 0, -1), 9); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for i, price := range prices {
		ts := dataStart.AddDate(0, 0, i).Add(16 * time.Hour)
		if !queryRange.Contains(ts) {
			continue
		}
		if err := engine.Push(aapl, ts, price); err != nil {
			t.Fatalf("Push failed at %v: %v", ts, err)
		}
	}

	pushHistory, err := engine.History(pushVolID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	// Compare at overlapping timestamps, treating NaN as equal to NaN.
	pushByTimestamp := make(map[int64]float64, len(pushHistory))
	for _, point := range pushHistory {
		pushByTimestamp[point.Timestamp.Unix()] = point.ClosePrice
	}

	for _, pullPoint := range pullResult {
		pushValue, ok := pushByTimestamp[pullPoint.Timestamp.Unix()]
		if !ok {
			t.Errorf("Push produced no value at %v", pullPoint.Timestamp)
			continue
		}
		equal := pullPoint.ClosePrice == pushValue ||
			(math.IsNaN(pullPoint.ClosePrice) && math.IsNaN(pushValue))
		if !equal && math.Abs(pullPoint.ClosePrice-pushValue) > 1e-9 {
			t.Errorf("Pull/push mismatch at %v: %v vs %v", pullPoint.Timestamp, pullPoint.ClosePrice, pushValue)
		}
	}
}
