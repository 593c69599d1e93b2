package analytics

import (
	"math"

	"github.com/market-analytics-engine/internal/asset"
)

// ReturnPrimitive computes a return given current and lagged prices.
type ReturnPrimitive interface {
	// Name is used for logging and diagnostics.
	Name() string
	// Compute computes a return from the supplied pair.
	Compute(key *asset.Key, current, lagged float64) float64
}

// LogReturnPrimitive is the default log-return primitive.
type LogReturnPrimitive struct{}

func (LogReturnPrimitive) Name() string {
	return "log_return"
}

func (LogReturnPrimitive) Compute(_ *asset.Key, current, lagged float64) float64 {
	return logReturnValue(current, lagged)
}

// ArithReturnPrimitive computes arithmetic returns (current/lagged - 1)
// with the same bad-input guardrails as the log variant.
type ArithReturnPrimitive struct{}

func (ArithReturnPrimitive) Name() string {
	return "arith_return"
}

func (ArithReturnPrimitive) Compute(_ *asset.Key, current, lagged float64) float64 {
	if lagged <= 0 || current <= 0 || math.IsNaN(lagged) || math.IsNaN(current) {
		return 0
	}
	return current/lagged - 1
}

// VolatilityPrimitive computes a volatility figure over a window of returns.
type VolatilityPrimitive interface {
	Name() string
	Compute(key *asset.Key, window []float64) float64
}

// StdDevVolatilityPrimitive is population standard deviation.
type StdDevVolatilityPrimitive struct{}

func (StdDevVolatilityPrimitive) Name() string {
	return "population_std_dev"
}

func (StdDevVolatilityPrimitive) Compute(_ *asset.Key, window []float64) float64 {
	return PopulationStdDev(window)
}
