// Package replay feeds historical market data into a push engine
// chronologically at a configurable cadence, for backtesting and
// visualization.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

// Replay error kinds.
var (
	// ErrNoDataFound means no asset had data in the requested range.
	ErrNoDataFound = errors.New("no data found for specified assets/range")
	// ErrInvalidDateRange means start > end.
	ErrInvalidDateRange = errors.New("invalid date range")
	// ErrInvalidDelay means the configured delay is not positive.
	ErrInvalidDelay = errors.New("delay must be greater than zero")
)

// DataLoadError wraps a provider failure while loading replay data.
type DataLoadError struct {
	Err error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("data load failed: %v", e.Err)
}

func (e *DataLoadError) Unwrap() error {
	return e.Err
}

// DataCallback receives each replayed point. Returning an error counts the
// point as failed; replay continues.
type DataCallback func(key asset.Key, timestamp time.Time, value float64) error

// ProgressCallback receives the timestamp of each replayed point.
type ProgressCallback func(timestamp time.Time)

// ErrorCallback receives details of each failed point.
type ErrorCallback func(key asset.Key, timestamp time.Time, errMsg string)

// Result summarizes a replay run.
type Result struct {
	TotalPoints    int
	Successful     int
	Failed         int
	StartTime      time.Time
	EndTime        time.Time
	Elapsed        time.Duration
	SimulatedStart time.Time
	SimulatedEnd   time.Time
}

// String renders a human-readable summary.
func (r Result) String() string {
	return fmt.Sprintf("Replay complete: %d points (%d successful, %d failed), simulated %s to %s, elapsed %.2fs",
		r.TotalPoints, r.Successful, r.Failed,
		r.SimulatedStart.Format("2006-01-02"), r.SimulatedEnd.Format("2006-01-02"),
		r.Elapsed.Seconds())
}

// Engine streams historical data from a provider in chronological order
// across multiple assets, with a configurable inter-point delay.
type Engine struct {
	provider         timeseries.Provider
	delay            time.Duration
	progressCallback ProgressCallback
	errorCallback    ErrorCallback
	logger           *observability.Logger
}

// NewEngine creates a replay engine with the default 100ms delay.
func NewEngine(provider timeseries.Provider, logger *observability.Logger) *Engine {
	return &Engine{
		provider: provider,
		delay:    100 * time.Millisecond,
		logger:   logger,
	}
}

// SetDelay sets the pause between replayed points. The delay is a lower
// bound, not a deadline. Non-positive delays are rejected.
func (e *Engine) SetDelay(delay time.Duration) error {
	if delay <= 0 {
		return ErrInvalidDelay
	}
	e.delay = delay
	return nil
}

// SetProgressCallback sets a callback invoked with each replayed
// timestamp. Panics inside the callback are absorbed.
func (e *Engine) SetProgressCallback(callback ProgressCallback) *Engine {
	e.progressCallback = callback
	return e
}

// SetErrorCallback sets a callback invoked when the data callback fails
// for a point.
func (e *Engine) SetErrorCallback(callback ErrorCallback) *Engine {
	e.errorCallback = callback
	return e
}

type taggedPoint struct {
	asset asset.Key
	point timeseries.Point
}

// loadAndSort queries the provider once per asset, tags each point with its
// asset, merges everything, and sorts stably by timestamp.
func (e *Engine) loadAndSort(assets []asset.Key, dateRange timeseries.DateRange) ([]taggedPoint, error) {
	if !dateRange.Valid() {
		return nil, ErrInvalidDateRange
	}

	var all []taggedPoint
	for _, key := range assets {
		series, err := e.provider.GetTimeSeries(key, dateRange)
		if err != nil {
			return nil, &DataLoadError{Err: err}
		}
		for _, point := range series {
			all = append(all, taggedPoint{asset: key, point: point})
		}
	}

	if len(all) == 0 {
		return nil, ErrNoDataFound
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].point.Timestamp.Before(all[j].point.Timestamp)
	})

	return all, nil
}

// Run replays the assets' history through the data callback in
// chronological order, sleeping the configured delay between points.
//
// Callback failures are counted and reported through the error callback but
// never abort the loop. Cancelling the context stops the replay early; the
// result reflects the points processed so far.
func (e *Engine) Run(ctx context.Context, assets []asset.Key, dateRange timeseries.DateRange, dataCallback DataCallback) (Result, error) {
	e.logger.Info(ctx, "Starting replay", map[string]interface{}{
		"assets": len(assets),
		"start":  dateRange.Start.Format("2006-01-02"),
		"end":    dateRange.End.Format("2006-01-02"),
	})

	data, err := e.loadAndSort(assets, dateRange)
	if err != nil {
		return Result{}, err
	}

	e.logger.Info(ctx, "Loaded replay data", map[string]interface{}{
		"points": len(data),
	})

	result := Result{
		TotalPoints:    len(data),
		StartTime:      time.Now().UTC(),
		SimulatedStart: data[0].point.Timestamp,
		SimulatedEnd:   data[len(data)-1].point.Timestamp,
	}

	for _, tagged := range data {
		if ctx.Err() != nil {
			break
		}

		if err := dataCallback(tagged.asset, tagged.point.Timestamp, tagged.point.ClosePrice); err != nil {
			result.Failed++
			e.logger.Warn(ctx, "Failed to replay point", map[string]interface{}{
				"asset":     tagged.asset.String(),
				"timestamp": tagged.point.Timestamp.Format(time.RFC3339),
				"error":     err.Error(),
			})
			if e.errorCallback != nil {
				e.errorCallback(tagged.asset, tagged.point.Timestamp, err.Error())
			}
		} else {
			result.Successful++
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.delay):
		}

		if e.progressCallback != nil {
			e.invokeProgress(ctx, tagged.point.Timestamp)
		}
	}

	result.EndTime = time.Now().UTC()
	result.Elapsed = result.EndTime.Sub(result.StartTime)

	e.logger.Info(ctx, "Replay complete", map[string]interface{}{
		"successful": result.Successful,
		"failed":     result.Failed,
		"total":      result.TotalPoints,
	})

	return result, nil
}

// invokeProgress calls the progress callback, absorbing panics so a bad
// callback cannot crash the replay.
func (e *Engine) invokeProgress(ctx context.Context, timestamp time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn(ctx, "Progress callback panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	e.progressCallback(timestamp)
}
