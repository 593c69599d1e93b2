package analytics

import (
	"math"
	"strconv"
	"time"

	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/timeseries"
)

// NewRegistry creates a registry populated with the built-in analytics:
// data_provider, returns, volatility, std_dev, ema, and lag.
func NewRegistry() *dag.Registry {
	registry := dag.NewRegistry()
	registry.Register(&dataProviderDefinition{})
	registry.Register(&returnsDefinition{})
	registry.Register(&volatilityDefinition{analytic: dag.AnalyticVolatility, nodeType: "volatility"})
	registry.Register(&volatilityDefinition{analytic: dag.AnalyticStdDev, nodeType: "std_dev"})
	registry.Register(&emaDefinition{})
	registry.Register(&lagDefinition{})
	return registry
}

func requireRange(key dag.NodeKey) (timeseries.DateRange, error) {
	if key.Range == nil {
		return timeseries.DateRange{}, dag.NewExecutionError("analytics node missing range")
	}
	return *key.Range, nil
}

// firstParentWith returns the first parent of the given analytic type, or
// the first parent overall when none matches.
func firstParentWith(parents []dag.ParentOutput, analytic dag.AnalyticType) ([]timeseries.Point, bool) {
	for _, parent := range parents {
		if parent.Analytic == analytic {
			return parent.Series, true
		}
	}
	if len(parents) > 0 {
		return parents[0].Series, true
	}
	return nil, false
}

// returnPrimitiveFor selects the return primitive based on the node's
// override tag. The default is log returns.
func returnPrimitiveFor(node *dag.Node) ReturnPrimitive {
	if node.Params["override"] == "arith" {
		return ArithReturnPrimitive{}
	}
	return LogReturnPrimitive{}
}

// --- data_provider ---

type dataProviderDefinition struct{}

func (*dataProviderDefinition) AnalyticType() dag.AnalyticType {
	return dag.AnalyticDataProvider
}

func (*dataProviderDefinition) NodeType() string {
	return "data_provider"
}

func (*dataProviderDefinition) Dependencies(_ dag.NodeKey) ([]dag.NodeKey, error) {
	return nil, nil
}

func (*dataProviderDefinition) Executor() dag.Executor {
	return dataProviderExecutor{}
}

type dataProviderExecutor struct{}

func (dataProviderExecutor) ExecutePull(node *dag.Node, _ []dag.ParentOutput, dateRange timeseries.DateRange, provider timeseries.Provider) ([]timeseries.Point, error) {
	if len(node.Assets) == 0 {
		return nil, dag.NewExecutionError("data provider node has no assets")
	}
	data, err := provider.GetTimeSeries(node.Assets[0], dateRange)
	if err != nil {
		return nil, &dag.ProviderError{Err: err}
	}
	return data, nil
}

func (dataProviderExecutor) ExecutePush(_ *dag.Node, _ []dag.ParentOutput, timestamp time.Time, value float64) (dag.NodeOutput, error) {
	return dag.SingleOutput([]timeseries.Point{timeseries.NewPoint(timestamp, value)}), nil
}

// --- returns ---

type returnsDefinition struct{}

func (*returnsDefinition) AnalyticType() dag.AnalyticType {
	return dag.AnalyticReturns
}

func (*returnsDefinition) NodeType() string {
	return "returns"
}

func (*returnsDefinition) Dependencies(key dag.NodeKey) ([]dag.NodeKey, error) {
	dateRange, err := requireRange(key)
	if err != nil {
		return nil, err
	}

	lookback := 2
	if key.Window != nil {
		lookback = key.Window.BurnIn()
	}
	providerRange := dateRange.ExtendBack(lookback)

	return []dag.NodeKey{{
		Analytic:    dag.AnalyticDataProvider,
		Assets:      key.Assets,
		Range:       &providerRange,
		OverrideTag: key.OverrideTag,
	}}, nil
}

func (*returnsDefinition) Executor() dag.Executor {
	return returnsExecutor{}
}

type returnsExecutor struct{}

func (returnsExecutor) ExecutePull(node *dag.Node, parents []dag.ParentOutput, _ timeseries.DateRange, _ timeseries.Provider) ([]timeseries.Point, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok {
		return nil, dag.NewExecutionError("returns node requires parent data")
	}
	if len(prices) == 0 {
		return []timeseries.Point{}, nil
	}

	primitive := returnPrimitiveFor(node)
	values := SeriesToValues(prices)

	returns := make([]float64, 0, len(values))
	returns = append(returns, math.NaN())
	for i := 1; i < len(values); i++ {
		returns = append(returns, primitive.Compute(nil, values[i], values[i-1]))
	}

	return ValuesToSeries(returns, prices), nil
}

func (returnsExecutor) ExecutePush(node *dag.Node, parents []dag.ParentOutput, _ time.Time, _ float64) (dag.NodeOutput, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok || len(prices) < 2 {
		return dag.NoOutput(), dag.NewExecutionError("returns update " + dag.MsgReturnsNeedTwoPoints)
	}

	primitive := returnPrimitiveFor(node)
	last := prices[len(prices)-1].ClosePrice
	previous := prices[len(prices)-2].ClosePrice
	return dag.ScalarOutput(primitive.Compute(nil, last, previous)), nil
}

// --- volatility / std_dev ---

// volatilityDefinition serves both the volatility and std_dev analytics;
// they share the rolling population-std-dev executor and differ only in
// their node-type tag.
type volatilityDefinition struct {
	analytic dag.AnalyticType
	nodeType string
}

func (d *volatilityDefinition) AnalyticType() dag.AnalyticType {
	return d.analytic
}

func (d *volatilityDefinition) NodeType() string {
	return d.nodeType
}

func (d *volatilityDefinition) Dependencies(key dag.NodeKey) ([]dag.NodeKey, error) {
	dateRange, err := requireRange(key)
	if err != nil {
		return nil, err
	}

	window := dag.FixedWindowSpec(10)
	if key.Window != nil {
		window = *key.Window
	}
	returnsRange := dateRange.ExtendBack(window.BurnIn())
	returnsWindow := dag.FixedWindowSpec(2)

	return []dag.NodeKey{{
		Analytic:    dag.AnalyticReturns,
		Assets:      key.Assets,
		Range:       &returnsRange,
		Window:      &returnsWindow,
		OverrideTag: key.OverrideTag,
	}}, nil
}

func (d *volatilityDefinition) Executor() dag.Executor {
	return volatilityExecutor{}
}

type volatilityExecutor struct{}

func (volatilityExecutor) ExecutePull(node *dag.Node, parents []dag.ParentOutput, _ timeseries.DateRange, _ timeseries.Provider) ([]timeseries.Point, error) {
	returns, ok := firstParentWith(parents, dag.AnalyticReturns)
	if !ok {
		return nil, dag.NewExecutionError("volatility node " + dag.MsgNeedsReturnsData)
	}
	if len(returns) == 0 {
		return []timeseries.Point{}, nil
	}

	windowSize := node.IntParam("window_size", 10)
	volatility := CalculateVolatility(SeriesToValues(returns), windowSize)
	return ValuesToSeries(volatility, returns), nil
}

func (volatilityExecutor) ExecutePush(node *dag.Node, parents []dag.ParentOutput, _ time.Time, _ float64) (dag.NodeOutput, error) {
	returns, ok := firstParentWith(parents, dag.AnalyticReturns)
	if !ok || len(returns) == 0 {
		return dag.NoOutput(), dag.NewExecutionError("volatility update " + dag.MsgNeedsReturnsData)
	}

	windowSize := node.IntParam("window_size", 10)
	values := SeriesToValues(returns)
	start := 0
	if len(values) > windowSize {
		start = len(values) - windowSize
	}
	return dag.ScalarOutput(PopulationStdDev(values[start:])), nil
}

// --- ema ---

type emaDefinition struct{}

func (*emaDefinition) AnalyticType() dag.AnalyticType {
	return dag.AnalyticEMA
}

func (*emaDefinition) NodeType() string {
	return "ema"
}

func (*emaDefinition) Dependencies(key dag.NodeKey) ([]dag.NodeKey, error) {
	dateRange, err := requireRange(key)
	if err != nil {
		return nil, err
	}

	window := dag.ExponentialWindowSpec(0.94, 10)
	if key.Window != nil {
		window = *key.Window
	}
	providerRange := dateRange.ExtendBack(window.BurnIn())

	return []dag.NodeKey{{
		Analytic:    dag.AnalyticDataProvider,
		Assets:      key.Assets,
		Range:       &providerRange,
		OverrideTag: key.OverrideTag,
	}}, nil
}

func (*emaDefinition) Executor() dag.Executor {
	return emaExecutor{}
}

type emaExecutor struct{}

func emaWindowFor(node *dag.Node) ExponentialWindow {
	lambda := node.FloatParam("ema_lambda", 0.94)
	lookback := node.IntParam("ema_lookback", 10)
	return NewExponentialWindow(lambda, lookback)
}

func (emaExecutor) ExecutePull(node *dag.Node, parents []dag.ParentOutput, _ timeseries.DateRange, _ timeseries.Provider) ([]timeseries.Point, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok {
		return nil, dag.NewExecutionError("ema node " + dag.MsgNeedsPriceData)
	}
	if len(prices) == 0 {
		return []timeseries.Point{}, nil
	}

	window := emaWindowFor(node)
	values := window.Apply(SeriesToValues(prices), func(previous *float64, value float64) float64 {
		return EMAStep(previous, value, window.Lambda())
	})
	return ValuesToSeries(values, prices), nil
}

func (emaExecutor) ExecutePush(node *dag.Node, parents []dag.ParentOutput, _ time.Time, _ float64) (dag.NodeOutput, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok || len(prices) == 0 {
		return dag.NoOutput(), dag.NewExecutionError("ema update " + dag.MsgNeedsPriceData)
	}

	window := emaWindowFor(node)
	values := window.Apply(SeriesToValues(prices), func(previous *float64, value float64) float64 {
		return EMAStep(previous, value, window.Lambda())
	})
	if len(values) == 0 {
		return dag.NoOutput(), dag.NewExecutionError("ema update " + dag.MsgNeedsPriceData)
	}
	return dag.ScalarOutput(values[len(values)-1]), nil
}

// --- lag ---

type lagDefinition struct{}

func (*lagDefinition) AnalyticType() dag.AnalyticType {
	return dag.AnalyticLag
}

func (*lagDefinition) NodeType() string {
	return "lag"
}

func (*lagDefinition) Dependencies(key dag.NodeKey) ([]dag.NodeKey, error) {
	dateRange, err := requireRange(key)
	if err != nil {
		return nil, err
	}

	lag := 1
	if raw, ok := key.Params["lag"]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			lag = parsed
		}
	}
	providerRange := dateRange.ExtendBack(lag)

	return []dag.NodeKey{{
		Analytic:    dag.AnalyticDataProvider,
		Assets:      key.Assets,
		Range:       &providerRange,
		OverrideTag: key.OverrideTag,
	}}, nil
}

func (*lagDefinition) Executor() dag.Executor {
	return lagExecutor{}
}

type lagExecutor struct{}

func (lagExecutor) ExecutePull(node *dag.Node, parents []dag.ParentOutput, _ timeseries.DateRange, _ timeseries.Provider) ([]timeseries.Point, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok {
		return nil, dag.NewExecutionError("lag node " + dag.MsgNeedsPriceData)
	}
	if len(prices) == 0 {
		return []timeseries.Point{}, nil
	}

	lag := NewFixedLag(node.IntParam("lag", 1))
	values := SeriesToValues(prices)
	lagged := make([]float64, len(values))
	for i := range values {
		if i < lag.Lag() {
			lagged[i] = math.NaN()
			continue
		}
		lagged[i] = values[i-lag.Lag()]
	}
	return ValuesToSeries(lagged, prices), nil
}

func (lagExecutor) ExecutePush(node *dag.Node, parents []dag.ParentOutput, _ time.Time, _ float64) (dag.NodeOutput, error) {
	prices, ok := firstParentWith(parents, dag.AnalyticDataProvider)
	if !ok {
		return dag.NoOutput(), dag.NewExecutionError("lag update " + dag.MsgNeedsLaggedValues)
	}

	lag := NewFixedLag(node.IntParam("lag", 1))
	value, ok := ComputeLagged(lag, SeriesToValues(prices))
	if !ok {
		return dag.NoOutput(), dag.NewExecutionError("lag update " + dag.MsgNeedsLaggedValues)
	}
	return dag.ScalarOutput(value), nil
}
