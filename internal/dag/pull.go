package dag

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
)

// executionCache stores intermediate pull-mode results so a parent shared by
// multiple children (diamond dependency) executes exactly once.
type executionCache struct {
	outputs        map[NodeID][]timeseries.Point
	extendedRanges map[NodeID]timeseries.DateRange
}

func newExecutionCache() *executionCache {
	return &executionCache{
		outputs:        make(map[NodeID][]timeseries.Point),
		extendedRanges: make(map[NodeID]timeseries.DateRange),
	}
}

func (c *executionCache) get(nodeID NodeID) ([]timeseries.Point, bool) {
	output, ok := c.outputs[nodeID]
	return output, ok
}

func (c *executionCache) insert(nodeID NodeID, output []timeseries.Point, extended timeseries.DateRange) {
	c.outputs[nodeID] = output
	c.extendedRanges[nodeID] = extended
}

// BurnInDays returns the number of extra days of data a node needs before
// the requested range so its analytics have enough history.
//
// DataProvider contributes 0; Returns and Lag add their lag on top of the
// deepest parent; windowed analytics add their window size.
func (d *DAG) BurnInDays(nodeID NodeID) int {
	node := d.nodes[nodeID]
	if node == nil {
		return 0
	}

	parentBurnIn := 0
	for _, parentID := range d.parents[nodeID] {
		if b := d.BurnInDays(parentID); b > parentBurnIn {
			parentBurnIn = b
		}
	}

	switch d.analyticTypeFor(nodeID) {
	case AnalyticDataProvider:
		return 0
	case AnalyticReturns, AnalyticLag:
		lag := node.IntParam("lag", 1)
		if lag < 1 {
			lag = 1
		}
		return parentBurnIn + lag
	case AnalyticVolatility, AnalyticStdDev:
		return parentBurnIn + node.IntParam("window_size", 10)
	case AnalyticEMA:
		return parentBurnIn + node.IntParam("ema_lookback", 10)
	default:
		return parentBurnIn
	}
}

// Pull executes the DAG for a target node over a date range, returning the
// complete time series for the requested range.
//
// The date range is first extended backward by the target's burn-in. The
// target and its ancestors then execute in topological order against the
// extended range, with intermediate results cached. Finally the data
// provider's cached points drive a simulated push pass in chronological
// order — that pass is the observable result, which keeps pull and push
// numerically identical — and the output is trimmed to the requested range.
func (d *DAG) Pull(target NodeID, dateRange timeseries.DateRange, provider timeseries.Provider) ([]timeseries.Point, error) {
	if _, ok := d.nodes[target]; !ok {
		return nil, fmt.Errorf("%w: node %d", ErrNodeNotFound, target)
	}

	extended := dateRange.ExtendBack(d.BurnInDays(target))

	order, err := d.ExecutionOrderImmutable()
	if err != nil {
		return nil, err
	}

	// Execution set: the target plus its ancestors, in topological order.
	inSet := map[NodeID]bool{target: true}
	for _, ancestor := range d.Ancestors(target) {
		inSet[ancestor] = true
	}
	nodesToExecute := make([]NodeID, 0, len(inSet))
	for _, nodeID := range order {
		if inSet[nodeID] {
			nodesToExecute = append(nodesToExecute, nodeID)
		}
	}

	cache := newExecutionCache()
	for _, nodeID := range nodesToExecute {
		parentOutputs := d.parentOutputsFromCache(nodeID, cache)

		executor, err := d.executorFor(nodeID)
		if err != nil {
			return nil, err
		}
		result, err := executor.ExecutePull(d.nodes[nodeID], parentOutputs, extended, provider)
		if err != nil {
			return nil, err
		}
		cache.insert(nodeID, result, extended)
	}

	// The data provider's cached calendar drives the simulated push.
	var dataNodeID NodeID
	found := false
	for _, nodeID := range nodesToExecute {
		if d.isDataProviderNode(nodeID) {
			dataNodeID = nodeID
			found = true
			break
		}
	}
	if !found {
		return nil, NewExecutionError("no data provider node found for push simulation")
	}

	dataPoints, ok := cache.get(dataNodeID)
	if !ok {
		return nil, NewExecutionError("data provider output missing for simulation")
	}
	if len(dataPoints) == 0 {
		return []timeseries.Point{}, nil
	}

	simulated, err := d.simulatePush(nodesToExecute, dataPoints, target)
	if err != nil {
		return nil, err
	}

	trimmed := make([]timeseries.Point, 0, len(simulated))
	for _, point := range simulated {
		if dateRange.Contains(point.Timestamp) {
			trimmed = append(trimmed, point)
		}
	}

	return trimmed, nil
}

func (d *DAG) parentOutputsFromCache(nodeID NodeID, cache *executionCache) []ParentOutput {
	parents := d.parents[nodeID]
	outputs := make([]ParentOutput, 0, len(parents))
	for _, parentID := range parents {
		series, _ := cache.get(parentID)
		outputs = append(outputs, ParentOutput{
			NodeID:   parentID,
			Analytic: d.analyticTypeFor(parentID),
			Series:   series,
		})
	}
	return outputs
}

// simulatePush replays the data provider's points one tick at a time
// through every node's push executor, accumulating per-node histories.
// Insufficient-data failures emit NaN at that timestamp instead of
// aborting; anything else is fatal.
func (d *DAG) simulatePush(nodesToExecute []NodeID, dataPoints []timeseries.Point, target NodeID) ([]timeseries.Point, error) {
	history := make(map[NodeID][]timeseries.Point, len(nodesToExecute))

	for _, point := range dataPoints {
		for _, nodeID := range nodesToExecute {
			parents := d.parents[nodeID]
			parentHistories := make([]ParentOutput, 0, len(parents))
			for _, parentID := range parents {
				parentHistories = append(parentHistories, ParentOutput{
					NodeID:   parentID,
					Analytic: d.analyticTypeFor(parentID),
					Series:   history[parentID],
				})
			}

			output, err := d.ExecutePushNode(nodeID, parentHistories, point.Timestamp, point.ClosePrice)
			if err != nil {
				if IsInsufficientData(err) {
					history[nodeID] = append(history[nodeID], timeseries.NewPoint(point.Timestamp, math.NaN()))
					continue
				}
				return nil, err
			}

			points := nodeOutputToSeries(output, point.Timestamp)
			if len(points) > 0 {
				history[nodeID] = append(history[nodeID], points...)
			}
		}
	}

	return history[target], nil
}

// nodeOutputToSeries flattens a NodeOutput into time-series points,
// stamping scalars with the supplied timestamp.
func nodeOutputToSeries(output NodeOutput, timestamp time.Time) []timeseries.Point {
	switch output.Kind {
	case OutputSingle:
		return output.Series
	case OutputScalar:
		return []timeseries.Point{timeseries.NewPoint(timestamp, output.Scalar)}
	case OutputCollection:
		var points []timeseries.Point
		for _, series := range output.Collection {
			points = append(points, series...)
		}
		return points
	default:
		return nil
	}
}

// PullParallel executes multiple targets independently and aggregates the
// results into a map keyed by target. Per-target failures are collected and
// surfaced as one aggregate execution error.
//
// Targets execute serially today; the provider contract (safe for
// concurrent reads) leaves room for running them on separate goroutines.
func (d *DAG) PullParallel(targets []NodeID, dateRange timeseries.DateRange, provider timeseries.Provider) (map[NodeID][]timeseries.Point, error) {
	results := make(map[NodeID][]timeseries.Point, len(targets))
	var failures []string

	for _, target := range targets {
		result, err := d.Pull(target, dateRange, provider)
		if err != nil {
			failures = append(failures, fmt.Sprintf("node %d: %v", target, err))
			continue
		}
		results[target] = result
	}

	if len(failures) > 0 {
		return nil, NewExecutionError(fmt.Sprintf("parallel execution had %d error(s): %s",
			len(failures), strings.Join(failures, "; ")))
	}

	return results, nil
}

// ExecutePushNode runs the push executor for a single node. Used by both
// the push engine and the pull engine's simulated-push pass.
func (d *DAG) ExecutePushNode(nodeID NodeID, parents []ParentOutput, timestamp time.Time, value float64) (NodeOutput, error) {
	node := d.nodes[nodeID]
	if node == nil {
		return NoOutput(), fmt.Errorf("%w: node %d", ErrNodeNotFound, nodeID)
	}
	executor, err := d.executorFor(nodeID)
	if err != nil {
		return NoOutput(), err
	}
	return executor.ExecutePush(node, parents, timestamp, value)
}

// NodesWithAsset returns the nodes referencing the given asset.
func (d *DAG) NodesWithAsset(key asset.Key) []NodeID {
	var matching []NodeID
	for _, nodeID := range d.NodeIDs() {
		if d.nodes[nodeID].HasAsset(key) {
			matching = append(matching, nodeID)
		}
	}
	return matching
}
