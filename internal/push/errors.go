package push

import (
	"errors"
	"fmt"
	"time"

	"github.com/market-analytics-engine/internal/dag"
)

// ErrEngineNotInitialized is returned when Push is called before a
// successful Initialize.
var ErrEngineNotInitialized = errors.New("engine not initialized - call Initialize first")

// OutOfOrderError is returned when a pushed timestamp is not strictly
// greater than a node's last computed timestamp. The engine state is
// untouched.
type OutOfOrderError struct {
	Timestamp    time.Time
	LastComputed time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order data: timestamp %s is not after last computed %s",
		e.Timestamp.Format(time.RFC3339), e.LastComputed.Format(time.RFC3339))
}

// InvalidDataError is returned for NaN, infinite, or negative pushed values.
type InvalidDataError struct {
	Msg string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("invalid data: %s", e.Msg)
}

// PropagationError wraps a failure while propagating a data point through
// the DAG.
type PropagationError struct {
	NodeID dag.NodeID
	Err    error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagation failed at node %d: %v", e.NodeID, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

// NodeNotFoundError is returned by query methods for unknown node IDs.
type NodeNotFoundError struct {
	NodeID dag.NodeID
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %d not found", e.NodeID)
}

func (e *NodeNotFoundError) Is(target error) bool {
	return target == dag.ErrNodeNotFound
}

// InsufficientHistoricalDataError is returned by Initialize when the
// requested lookback cannot cover the DAG's warmup requirement.
type InsufficientHistoricalDataError struct {
	Required  int
	Available int
}

func (e *InsufficientHistoricalDataError) Error() string {
	return fmt.Sprintf("insufficient historical data: required %d days, available %d",
		e.Required, e.Available)
}

// InitError wraps a data-provider failure during initialization.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
