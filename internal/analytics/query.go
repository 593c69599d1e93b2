package analytics

import (
	"strconv"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/timeseries"
)

// OutputMode selects how much of a computed series a query returns.
type OutputMode int

const (
	// OutputTimeSeries returns the full series for the date range.
	OutputTimeSeries OutputMode = iota
	// OutputLiveValue returns only the last available value.
	OutputLiveValue
)

// ApplyOutputMode trims a series according to the output mode. LiveValue on
// an empty series stays empty.
func ApplyOutputMode(data []timeseries.Point, mode OutputMode) []timeseries.Point {
	if mode == OutputLiveValue {
		if len(data) == 0 {
			return []timeseries.Point{}
		}
		return data[len(data)-1:]
	}
	return data
}

// VolatilityBurnInDays returns the number of extra price days an N-day
// volatility needs: the window itself plus one day for the first return.
func VolatilityBurnInDays(windowSize int) int {
	return windowSize + 1
}

// ReturnsQueryBuilder assembles the DataProvider -> Returns chain with the
// data-provider range extended by one day for the first return.
type ReturnsQueryBuilder struct {
	asset     asset.Key
	dateRange timeseries.DateRange
}

// NewReturnsQueryBuilder creates a returns query builder.
func NewReturnsQueryBuilder(key asset.Key, dateRange timeseries.DateRange) *ReturnsQueryBuilder {
	return &ReturnsQueryBuilder{asset: key, dateRange: dateRange}
}

// BuildDAG builds the DAG and returns (dag, dataNodeID, returnsNodeID).
func (b *ReturnsQueryBuilder) BuildDAG() (*dag.DAG, dag.NodeID, dag.NodeID, error) {
	graph := dag.New(NewRegistry())

	adjusted := b.dateRange.ExtendBack(1)

	dataParams := map[string]string{
		"analytic_type": string(dag.AnalyticDataProvider),
		"start_date":    adjusted.Start.Format("2006-01-02"),
		"end_date":      adjusted.End.Format("2006-01-02"),
	}
	returnsParams := map[string]string{
		"analytic_type": string(dag.AnalyticReturns),
		"start_date":    b.dateRange.Start.Format("2006-01-02"),
		"end_date":      b.dateRange.End.Format("2006-01-02"),
	}

	dataNodeID := graph.AddNode("data_provider", dataParams, []asset.Key{b.asset})
	returnsNodeID := graph.AddNode("returns", returnsParams, []asset.Key{b.asset})

	if err := graph.AddEdge(dataNodeID, returnsNodeID); err != nil {
		return nil, 0, 0, err
	}

	return graph, dataNodeID, returnsNodeID, nil
}

// VolatilityQueryBuilder assembles the DataProvider -> Returns -> Volatility
// chain with the data-provider range extended by window+1 days.
type VolatilityQueryBuilder struct {
	asset      asset.Key
	windowSize int
	dateRange  timeseries.DateRange
}

// NewVolatilityQueryBuilder creates a volatility query builder.
func NewVolatilityQueryBuilder(key asset.Key, windowSize int, dateRange timeseries.DateRange) *VolatilityQueryBuilder {
	return &VolatilityQueryBuilder{asset: key, windowSize: windowSize, dateRange: dateRange}
}

// BuildDAG builds the DAG and returns
// (dag, dataNodeID, returnsNodeID, volatilityNodeID).
func (b *VolatilityQueryBuilder) BuildDAG() (*dag.DAG, dag.NodeID, dag.NodeID, dag.NodeID, error) {
	graph := dag.New(NewRegistry())

	adjusted := b.dateRange.ExtendBack(VolatilityBurnInDays(b.windowSize))

	dataParams := map[string]string{
		"analytic_type": string(dag.AnalyticDataProvider),
		"start_date":    adjusted.Start.Format("2006-01-02"),
		"end_date":      adjusted.End.Format("2006-01-02"),
	}
	returnsParams := map[string]string{
		"analytic_type": string(dag.AnalyticReturns),
		"start_date":    adjusted.Start.Format("2006-01-02"),
		"end_date":      adjusted.End.Format("2006-01-02"),
	}
	volatilityParams := map[string]string{
		"analytic_type": string(dag.AnalyticVolatility),
		"window_size":   strconv.Itoa(b.windowSize),
		"start_date":    b.dateRange.Start.Format("2006-01-02"),
		"end_date":      b.dateRange.End.Format("2006-01-02"),
	}

	dataNodeID := graph.AddNode("data_provider", dataParams, []asset.Key{b.asset})
	returnsNodeID := graph.AddNode("returns", returnsParams, []asset.Key{b.asset})
	volatilityNodeID := graph.AddNode("volatility", volatilityParams, []asset.Key{b.asset})

	if err := graph.AddEdge(dataNodeID, returnsNodeID); err != nil {
		return nil, 0, 0, 0, err
	}
	if err := graph.AddEdge(returnsNodeID, volatilityNodeID); err != nil {
		return nil, 0, 0, 0, err
	}

	return graph, dataNodeID, returnsNodeID, volatilityNodeID, nil
}

// Query is the high-level facade over the query builders and pull engine.
type Query struct {
	provider timeseries.Provider
}

// NewQuery creates a query facade over a data provider.
func NewQuery(provider timeseries.Provider) *Query {
	return &Query{provider: provider}
}

// Returns computes log returns for an asset over a date range.
func (q *Query) Returns(key asset.Key, dateRange timeseries.DateRange, mode OutputMode) ([]timeseries.Point, error) {
	graph, _, returnsNodeID, err := NewReturnsQueryBuilder(key, dateRange).BuildDAG()
	if err != nil {
		return nil, err
	}
	result, err := graph.Pull(returnsNodeID, dateRange, q.provider)
	if err != nil {
		return nil, err
	}
	return ApplyOutputMode(result, mode), nil
}

// Volatility computes rolling volatility for an asset over a date range.
func (q *Query) Volatility(key asset.Key, windowSize int, dateRange timeseries.DateRange, mode OutputMode) ([]timeseries.Point, error) {
	graph, _, _, volNodeID, err := NewVolatilityQueryBuilder(key, windowSize, dateRange).BuildDAG()
	if err != nil {
		return nil, err
	}
	result, err := graph.Pull(volNodeID, dateRange, q.provider)
	if err != nil {
		return nil, err
	}
	return ApplyOutputMode(result, mode), nil
}
