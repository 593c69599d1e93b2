package dag

import (
	"time"

	"github.com/market-analytics-engine/internal/timeseries"
)

// ParentOutput carries one parent's output into a child executor, tagged
// with the parent's identity so executors can pick the input they need.
type ParentOutput struct {
	NodeID   NodeID
	Analytic AnalyticType
	Series   []timeseries.Point
}

// Executor performs the pull and push calculations for one analytic type.
//
// ExecutePull computes the full series for the (already burn-in extended)
// date range. ExecutePush computes the incremental output for a single new
// observation, given the parents' accumulated histories.
type Executor interface {
	ExecutePull(node *Node, parents []ParentOutput, dateRange timeseries.DateRange, provider timeseries.Provider) ([]timeseries.Point, error)
	ExecutePush(node *Node, parents []ParentOutput, timestamp time.Time, value float64) (NodeOutput, error)
}

// Definition describes how an analytic participates in the DAG: its node
// type tag, how its dependencies expand, and the executor that computes it.
type Definition interface {
	AnalyticType() AnalyticType
	NodeType() string
	Dependencies(key NodeKey) ([]NodeKey, error)
	Executor() Executor
}

// Registry holds the analytic definitions wired into a DAG. A registry is
// stateless reference data: it is shared read-only by any number of DAGs.
type Registry struct {
	definitions map[AnalyticType]Definition
}

// NewRegistry creates an empty registry. Built-in analytics are registered
// by the analytics package.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[AnalyticType]Definition),
	}
}

// Register adds or replaces the definition for an analytic type.
func (r *Registry) Register(def Definition) {
	r.definitions[def.AnalyticType()] = def
}

// Definition returns the definition for an analytic type, or nil.
func (r *Registry) Definition(analytic AnalyticType) Definition {
	return r.definitions[analytic]
}

// Types returns the registered analytic types.
func (r *Registry) Types() []AnalyticType {
	types := make([]AnalyticType, 0, len(r.definitions))
	for analytic := range r.definitions {
		types = append(types, analytic)
	}
	return types
}
