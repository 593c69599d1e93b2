// Package analytics provides the stateless calculation kernels, window
// strategies, and registry definitions that give DAG nodes their numeric
// behavior. Kernels operate on raw float64 slices for performance.
package analytics

import (
	"math"

	"github.com/market-analytics-engine/internal/timeseries"
)

// logReturnValue computes ln(current/lagged) with guardrails: any NaN or
// non-positive input yields 0 so a single bad tick does not poison
// downstream windowed statistics.
func logReturnValue(current, lagged float64) float64 {
	if lagged <= 0 || current <= 0 || math.IsNaN(lagged) || math.IsNaN(current) {
		return 0
	}
	value := math.Log(current / lagged)
	if math.IsNaN(value) {
		return 0
	}
	return value
}

// PopulationStdDev calculates the population standard deviation of the
// provided values. NaN entries are filtered out; if nothing remains the
// result is NaN. The divisor is N, not N-1.
func PopulationStdDev(values []float64) float64 {
	valid := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return math.NaN()
	}

	n := float64(len(valid))
	sum := 0.0
	for _, v := range valid {
		sum += v
	}
	mean := sum / n

	sumSquaredDiff := 0.0
	for _, v := range valid {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	return math.Sqrt(sumSquaredDiff / n)
}

// EMAStep computes the next value of an exponential smoothing chain.
// With no previous value the result is the new value itself.
func EMAStep(previous *float64, value, lambda float64) float64 {
	if previous == nil {
		return value
	}
	return lambda*value + (1-lambda)*(*previous)
}

// LogReturnWindow computes the log return between the first and last value
// of a window. Windows shorter than two values yield NaN.
func LogReturnWindow(window []float64) float64 {
	if len(window) < 2 {
		return math.NaN()
	}
	return logReturnValue(window[len(window)-1], window[0])
}

// CalculateReturns computes log returns from a price series.
//
// The output is length-preserving: index 0 is NaN (no previous price), and
// index i >= 1 is ln(P_i / P_{i-1}) with the NaN/non-positive guardrails of
// logReturnValue.
func CalculateReturns(prices []float64) []float64 {
	if len(prices) == 0 {
		return []float64{}
	}
	if len(prices) == 1 {
		return []float64{math.NaN()}
	}

	returns := make([]float64, 0, len(prices))
	returns = append(returns, math.NaN())
	for i := 1; i < len(prices); i++ {
		returns = append(returns, logReturnValue(prices[i], prices[i-1]))
	}
	return returns
}

// CalculateVolatility computes rolling population standard deviation over a
// returns series.
//
// The output matches the input length. At index i the window is
// [max(0, i-W+1) .. i] — left-truncated before warmup. Window size 0 is a
// contract violation and yields an empty result. Values are not annualized.
func CalculateVolatility(returns []float64, windowSize int) []float64 {
	if len(returns) == 0 || windowSize == 0 {
		return []float64{}
	}

	volatility := make([]float64, 0, len(returns))
	for i := range returns {
		start := 0
		if i+1 >= windowSize {
			start = i + 1 - windowSize
		}
		volatility = append(volatility, PopulationStdDev(returns[start:i+1]))
	}
	return volatility
}

// SeriesToValues extracts the close prices from a point series.
func SeriesToValues(points []timeseries.Point) []float64 {
	values := make([]float64, len(points))
	for i, point := range points {
		values[i] = point.ClosePrice
	}
	return values
}

// ValuesToSeries pairs computed values back with the timestamps of the
// original series. Both slices must have equal length.
func ValuesToSeries(values []float64, original []timeseries.Point) []timeseries.Point {
	n := len(values)
	if len(original) < n {
		n = len(original)
	}
	points := make([]timeseries.Point, n)
	for i := 0; i < n; i++ {
		points[i] = timeseries.Point{
			Timestamp:  original[i].Timestamp,
			ClosePrice: values[i],
		}
	}
	return points
}
