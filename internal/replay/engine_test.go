package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/config"
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

func fastEngine(t *testing.T, provider timeseries.Provider) *Engine {
	t.Helper()
	engine := NewEngine(provider, testLogger())
	if err := engine.SetDelay(time.Millisecond); err != nil {
		t.Fatalf("SetDelay failed: %v", err)
	}
	return engine
}

func TestSetDelayRejectsNonPositive(t *testing.T) {
	engine := NewEngine(timeseries.NewInMemoryProvider(), testLogger())
	if err := engine.SetDelay(0); !errors.Is(err, ErrInvalidDelay) {
		t.Errorf("Expected ErrInvalidDelay for zero, got %v", err)
	}
	if err := engine.SetDelay(-time.Second); !errors.Is(err, ErrInvalidDelay) {
		t.Errorf("Expected ErrInvalidDelay for negative, got %v", err)
	}
}

func TestRunCallsDataCallbackForEachPoint(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102}))

	engine := fastEngine(t, provider)

	var received []float64
	result, err := engine.Run(context.Background(), []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 2)),
		func(_ asset.Key, _ time.Time, value float64) error {
			received = append(received, value)
			return nil
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalPoints != 3 || result.Successful != 3 || result.Failed != 0 {
		t.Errorf("Expected 3/3/0, got %d/%d/%d", result.TotalPoints, result.Successful, result.Failed)
	}
	if len(received) != 3 || received[0] != 100 || received[2] != 102 {
		t.Errorf("Expected all values in order, got %v", received)
	}
}

func TestRunNoDataFound(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, nil)

	engine := fastEngine(t, provider)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Run(context.Background(), []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 5)),
		func(asset.Key, time.Time, float64) error { return nil })
	if !errors.Is(err, ErrNoDataFound) {
		t.Errorf("Expected ErrNoDataFound, got %v", err)
	}
}

func TestRunProviderErrorWrapped(t *testing.T) {
	engine := fastEngine(t, timeseries.NewInMemoryProvider())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Run(context.Background(), []asset.Key{asset.MustEquity("AAPL")},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 5)),
		func(asset.Key, time.Time, float64) error { return nil })

	var loadErr *DataLoadError
	if !errors.As(err, &loadErr) {
		t.Errorf("Expected DataLoadError, got %v", err)
	}
}

func TestRunMergesAssetsChronologically(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	msft := asset.MustEquity("MSFT")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102}))
	provider.AddData(msft, dailySeries(start, []float64{400, 401, 402}))

	engine := fastEngine(t, provider)

	var timestamps []time.Time
	result, err := engine.Run(context.Background(), []asset.Key{aapl, msft},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 2)),
		func(_ asset.Key, ts time.Time, _ float64) error {
			timestamps = append(timestamps, ts)
			return nil
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalPoints != 6 {
		t.Fatalf("Expected 6 merged points, got %d", result.TotalPoints)
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			t.Error("Expected chronological order across assets")
		}
	}
	if !result.SimulatedStart.Equal(timestamps[0]) || !result.SimulatedEnd.Equal(timestamps[len(timestamps)-1]) {
		t.Error("Expected simulated span to match first and last point")
	}
}

func TestRunCountsFailuresAndContinues(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102, 103}))

	engine := fastEngine(t, provider)

	var errorCallbackCount int
	engine.SetErrorCallback(func(_ asset.Key, _ time.Time, msg string) {
		errorCallbackCount++
		if msg == "" {
			t.Error("Expected error message in callback")
		}
	})

	calls := 0
	result, err := engine.Run(context.Background(), []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 3)),
		func(asset.Key, time.Time, float64) error {
			calls++
			if calls%2 == 0 {
				return fmt.Errorf("tick rejected")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Successful != 2 || result.Failed != 2 {
		t.Errorf("Expected 2 successful and 2 failed, got %d/%d", result.Successful, result.Failed)
	}
	if errorCallbackCount != 2 {
		t.Errorf("Expected error callback twice, got %d", errorCallbackCount)
	}
}

func TestRunProgressCallbackPanicAbsorbed(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102}))

	engine := fastEngine(t, provider)

	var progressCalls int
	engine.SetProgressCallback(func(time.Time) {
		progressCalls++
		panic("progress callback exploded")
	})

	result, err := engine.Run(context.Background(), []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 2)),
		func(asset.Key, time.Time, float64) error { return nil })
	if err != nil {
		t.Fatalf("Expected replay to survive panicking progress callback: %v", err)
	}

	if progressCalls != 3 {
		t.Errorf("Expected progress callback per point, got %d", progressCalls)
	}
	if result.Successful != 3 {
		t.Errorf("Expected all points successful, got %d", result.Successful)
	}
}

func TestRunRespectsDelayLowerBound(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102, 103}))

	engine := NewEngine(provider, testLogger())
	if err := engine.SetDelay(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 3)),
		func(asset.Key, time.Time, float64) error { return nil })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Elapsed < 40*time.Millisecond {
		t.Errorf("Expected at least 4 * 10ms elapsed, got %v", result.Elapsed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	aapl := asset.MustEquity("AAPL")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := timeseries.NewInMemoryProvider()
	provider.AddData(aapl, dailySeries(start, []float64{100, 101, 102, 103, 104, 105}))

	engine := fastEngine(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result, err := engine.Run(ctx, []asset.Key{aapl},
		timeseries.NewDateRange(start, start.AddDate(0, 0, 5)),
		func(asset.Key, time.Time, float64) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls >= result.TotalPoints {
		t.Errorf("Expected early stop, processed %d of %d", calls, result.TotalPoints)
	}
}
