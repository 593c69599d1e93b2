// Package push implements the incremental analytics engine: data points
// propagate through the DAG as they arrive, updating every affected node.
package push

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

// NodeLifecycle is the lifecycle state of a node in the push engine.
type NodeLifecycle string

const (
	StateUninitialized NodeLifecycle = "uninitialized"
	StateReady         NodeLifecycle = "ready"
	StateComputing     NodeLifecycle = "computing"
	StateFailed        NodeLifecycle = "failed"
)

// NodeState is the per-node runtime state for push-mode execution.
type NodeState struct {
	lastTimestamp *time.Time
	history       []timeseries.Point
	buffer        *RingBuffer
	lifecycle     NodeLifecycle
	failureMsg    string
}

func newNodeState(bufferCapacity int) *NodeState {
	state := &NodeState{lifecycle: StateUninitialized}
	if bufferCapacity > 0 {
		// Capacity is already validated > 0.
		state.buffer, _ = NewRingBuffer(bufferCapacity)
	}
	return state
}

// Lifecycle returns the node's current lifecycle state.
func (s *NodeState) Lifecycle() NodeLifecycle {
	return s.lifecycle
}

// FailureMsg returns the failure message when the node is in StateFailed.
func (s *NodeState) FailureMsg() string {
	return s.failureMsg
}

// LastTimestamp returns the last computed timestamp, or false when the node
// has not produced output yet.
func (s *NodeState) LastTimestamp() (time.Time, bool) {
	if s.lastTimestamp == nil {
		return time.Time{}, false
	}
	return *s.lastTimestamp, true
}

func (s *NodeState) appendOutput(point timeseries.Point) {
	ts := point.Timestamp
	s.lastTimestamp = &ts
	s.history = append(s.history, point)
}

func (s *NodeState) pushToBuffer(value float64) {
	if s.buffer != nil {
		s.buffer.Push(value)
	}
}

// Callback is invoked after a node computes new output. The timestamp is
// the node's last computed timestamp, nil if the node has none.
type Callback func(nodeID dag.NodeID, output dag.NodeOutput, timestamp *time.Time)

// Engine is the push-mode analytics engine. It owns per-node state and is
// single-threaded per instance: Push processes the affected set end-to-end
// before returning, and callbacks run inline (they must not re-enter Push).
type Engine struct {
	dag         *dag.DAG
	states      map[dag.NodeID]*NodeState
	callbacks   map[dag.NodeID][]Callback
	initialized bool
	logger      *observability.Logger
}

// NewEngine creates a push engine over the given DAG. Windowed nodes get an
// input ring buffer sized to their window.
func NewEngine(graph *dag.DAG, logger *observability.Logger) *Engine {
	engine := &Engine{
		dag:       graph,
		states:    make(map[dag.NodeID]*NodeState),
		callbacks: make(map[dag.NodeID][]Callback),
		logger:    logger,
	}

	for _, nodeID := range graph.NodeIDs() {
		node := graph.GetNode(nodeID)
		bufferCapacity := 0
		switch dag.ParseAnalyticType(node.NodeType) {
		case dag.AnalyticVolatility, dag.AnalyticStdDev:
			bufferCapacity = node.IntParam("window_size", 0)
		case dag.AnalyticEMA:
			bufferCapacity = node.IntParam("ema_lookback", 0)
		}
		engine.states[nodeID] = newNodeState(bufferCapacity)
	}

	return engine
}

// IsInitialized reports whether Initialize has completed successfully.
func (e *Engine) IsInitialized() bool {
	return e.initialized
}

// RequiredLookbackDays returns the warmup window the DAG needs: the
// maximum burn-in over all nodes.
func (e *Engine) RequiredLookbackDays() int {
	required := 0
	for _, nodeID := range e.dag.NodeIDs() {
		if b := e.dag.BurnInDays(nodeID); b > required {
			required = b
		}
	}
	return required
}

// Initialize prepares the engine for pushes, pre-populating node histories
// from the provider so windowed analytics start warm.
//
// Returns InsufficientHistoricalDataError when lookbackDays is smaller than
// the DAG's warmup requirement, or InitError when the provider fails.
// Assets unknown to the provider are skipped: pushes for them simply start
// cold.
func (e *Engine) Initialize(provider timeseries.Provider, endDate time.Time, lookbackDays int) error {
	required := e.RequiredLookbackDays()
	if lookbackDays < required {
		return &InsufficientHistoricalDataError{Required: required, Available: lookbackDays}
	}

	warmupRange := timeseries.NewDateRange(endDate.AddDate(0, 0, -lookbackDays), endDate)

	type taggedPoint struct {
		asset asset.Key
		point timeseries.Point
	}
	var warmup []taggedPoint

	seen := make(map[string]bool)
	for _, nodeID := range e.dag.NodeIDs() {
		node := e.dag.GetNode(nodeID)
		if dag.ParseAnalyticType(node.NodeType) != dag.AnalyticDataProvider || len(node.Assets) == 0 {
			continue
		}
		key := node.Assets[0]
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true

		series, err := provider.GetTimeSeries(key, warmupRange)
		if err != nil {
			if errors.Is(err, timeseries.ErrAssetNotFound) {
				continue
			}
			return &InitError{Err: err}
		}
		for _, point := range series {
			warmup = append(warmup, taggedPoint{asset: key, point: point})
		}
	}

	sort.SliceStable(warmup, func(i, j int) bool {
		return warmup[i].point.Timestamp.Before(warmup[j].point.Timestamp)
	})

	for _, tagged := range warmup {
		e.propagate(tagged.asset, tagged.point.Timestamp, tagged.point.ClosePrice)
	}

	e.initialized = true
	return nil
}

// Push feeds a new data point into the engine. The point propagates
// through every node referencing the asset and their descendants, in
// topological order.
//
// Preconditions: the engine must be initialized, the value finite and
// non-negative, and the timestamp strictly greater than every affected
// node's last computed timestamp. Precondition failures are typed and leave
// the engine untouched; per-node computation failures mark that node Failed
// and propagation continues.
func (e *Engine) Push(key asset.Key, timestamp time.Time, value float64) error {
	if !e.initialized {
		return ErrEngineNotInitialized
	}

	if math.IsNaN(value) {
		return &InvalidDataError{Msg: "value is NaN"}
	}
	if math.IsInf(value, 0) {
		return &InvalidDataError{Msg: "value is infinite"}
	}
	if value < 0 {
		return &InvalidDataError{Msg: "value is negative"}
	}

	affected := e.dag.NodesWithAsset(key)
	if len(affected) == 0 {
		return nil
	}

	for _, nodeID := range affected {
		if state, ok := e.states[nodeID]; ok {
			if last, ok := state.LastTimestamp(); ok && !timestamp.After(last) {
				return &OutOfOrderError{Timestamp: timestamp, LastComputed: last}
			}
		}
	}

	e.propagate(key, timestamp, value)
	return nil
}

// propagate runs the per-node state machines for one observation.
func (e *Engine) propagate(key asset.Key, timestamp time.Time, value float64) {
	affected := make(map[dag.NodeID]bool)
	for _, nodeID := range e.dag.NodesWithAsset(key) {
		affected[nodeID] = true
		for _, descendant := range e.dag.Descendants(nodeID) {
			affected[descendant] = true
		}
	}

	order, err := e.dag.ExecutionOrderImmutable()
	if err != nil {
		e.logger.Error(context.Background(), "Failed to get execution order", err)
		return
	}

	for _, nodeID := range order {
		if !affected[nodeID] {
			continue
		}
		state := e.states[nodeID]
		if state == nil {
			continue
		}

		state.lifecycle = StateComputing

		output, err := e.dag.ExecutePushNode(nodeID, e.parentHistories(nodeID), timestamp, value)
		if err != nil {
			if dag.IsInsufficientData(err) {
				// Not enough history yet: a no-op, not a failure.
				state.lifecycle = StateReady
				continue
			}
			state.lifecycle = StateFailed
			state.failureMsg = err.Error()
			e.logger.Warn(context.Background(), "Node execution failed", map[string]interface{}{
				"node_id": int(nodeID),
				"error":   err.Error(),
			})
			continue
		}

		e.recordOutput(state, output, timestamp)
		state.lifecycle = StateReady
		e.invokeCallbacks(nodeID, output)
	}
}

func (e *Engine) recordOutput(state *NodeState, output dag.NodeOutput, timestamp time.Time) {
	switch output.Kind {
	case dag.OutputSingle:
		for _, point := range output.Series {
			state.appendOutput(point)
			state.pushToBuffer(point.ClosePrice)
		}
	case dag.OutputScalar:
		point := timeseries.NewPoint(timestamp, output.Scalar)
		state.appendOutput(point)
		state.pushToBuffer(output.Scalar)
	case dag.OutputCollection:
		for _, series := range output.Collection {
			for _, point := range series {
				state.appendOutput(point)
				state.pushToBuffer(point.ClosePrice)
			}
		}
	}
}

func (e *Engine) parentHistories(nodeID dag.NodeID) []dag.ParentOutput {
	parents := e.dag.Parents(nodeID)
	outputs := make([]dag.ParentOutput, 0, len(parents))
	for _, parentID := range parents {
		var series []timeseries.Point
		if state, ok := e.states[parentID]; ok {
			series = state.history
		}
		outputs = append(outputs, dag.ParentOutput{
			NodeID:   parentID,
			Analytic: dag.ParseAnalyticType(e.dag.GetNode(parentID).NodeType),
			Series:   series,
		})
	}
	return outputs
}

// RegisterCallback registers a callback invoked after the node computes new
// output. Multiple callbacks may be registered per node.
func (e *Engine) RegisterCallback(nodeID dag.NodeID, callback Callback) {
	e.callbacks[nodeID] = append(e.callbacks[nodeID], callback)
}

// invokeCallbacks dispatches callbacks for a node, isolating each
// invocation so a panicking callback cannot abort propagation.
func (e *Engine) invokeCallbacks(nodeID dag.NodeID, output dag.NodeOutput) {
	callbacks := e.callbacks[nodeID]
	if len(callbacks) == 0 {
		return
	}

	var timestamp *time.Time
	if state, ok := e.states[nodeID]; ok {
		if last, ok := state.LastTimestamp(); ok {
			ts := last
			timestamp = &ts
		}
	}

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn(context.Background(), "Callback panicked", map[string]interface{}{
						"node_id": int(nodeID),
						"panic":   r,
					})
				}
			}()
			callback(nodeID, output, timestamp)
		}()
	}
}

// History returns the complete output history for a node.
func (e *Engine) History(nodeID dag.NodeID) ([]timeseries.Point, error) {
	state, ok := e.states[nodeID]
	if !ok {
		return nil, &NodeNotFoundError{NodeID: nodeID}
	}
	out := make([]timeseries.Point, len(state.history))
	copy(out, state.history)
	return out, nil
}

// Latest returns the most recent output for a node, or ok=false when the
// node has not produced output yet.
func (e *Engine) Latest(nodeID dag.NodeID) (timeseries.Point, bool, error) {
	state, ok := e.states[nodeID]
	if !ok {
		return timeseries.Point{}, false, &NodeNotFoundError{NodeID: nodeID}
	}
	if len(state.history) == 0 {
		return timeseries.Point{}, false, nil
	}
	return state.history[len(state.history)-1], true, nil
}

// State returns a node's lifecycle state.
func (e *Engine) State(nodeID dag.NodeID) (NodeLifecycle, error) {
	state, ok := e.states[nodeID]
	if !ok {
		return "", &NodeNotFoundError{NodeID: nodeID}
	}
	return state.lifecycle, nil
}

// NodeState returns the full runtime state for a node.
func (e *Engine) NodeState(nodeID dag.NodeID) (*NodeState, error) {
	state, ok := e.states[nodeID]
	if !ok {
		return nil, &NodeNotFoundError{NodeID: nodeID}
	}
	return state, nil
}

// Buffer returns the ring-buffer contents for a node, or nil when the node
// has no buffer.
func (e *Engine) Buffer(nodeID dag.NodeID) ([]float64, error) {
	state, ok := e.states[nodeID]
	if !ok {
		return nil, &NodeNotFoundError{NodeID: nodeID}
	}
	if state.buffer == nil {
		return nil, nil
	}
	return state.buffer.Slice(), nil
}

