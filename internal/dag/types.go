package dag

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
)

// NodeID identifies a node within one DAG. IDs are dense integers assigned
// monotonically on insertion and are never reassigned.
type NodeID int

// AnalyticType enumerates the analytics supported by DAG nodes. The set is
// extensible at registry level; nothing outside the registry branches on it.
type AnalyticType string

const (
	AnalyticDataProvider AnalyticType = "data_provider"
	AnalyticReturns      AnalyticType = "returns"
	AnalyticVolatility   AnalyticType = "volatility"
	AnalyticStdDev       AnalyticType = "std_dev"
	AnalyticEMA          AnalyticType = "ema"
	AnalyticLag          AnalyticType = "lag"
)

// ParseAnalyticType maps a node-type string onto an AnalyticType.
// Unknown strings fall back to data_provider.
func ParseAnalyticType(value string) AnalyticType {
	switch strings.ToLower(value) {
	case "returns":
		return AnalyticReturns
	case "volatility":
		return AnalyticVolatility
	case "std_dev", "stddev":
		return AnalyticStdDev
	case "ema", "exponentialmovingaverage":
		return AnalyticEMA
	case "lag":
		return AnalyticLag
	default:
		return AnalyticDataProvider
	}
}

// WindowKind distinguishes window strategies.
type WindowKind string

const (
	WindowFixed       WindowKind = "fixed"
	WindowExponential WindowKind = "exponential"
)

// WindowSpec describes the lookback behavior of a windowed analytic.
type WindowSpec struct {
	Kind     WindowKind
	Size     int     // fixed windows
	Lambda   float64 // exponential windows
	Lookback int     // exponential windows
}

// FixedWindowSpec creates a fixed-size window spec.
func FixedWindowSpec(size int) WindowSpec {
	return WindowSpec{Kind: WindowFixed, Size: size}
}

// ExponentialWindowSpec creates an exponential window spec.
func ExponentialWindowSpec(lambda float64, lookback int) WindowSpec {
	return WindowSpec{Kind: WindowExponential, Lambda: lambda, Lookback: lookback}
}

// BurnIn returns the number of warmup points required before the window
// produces meaningful output.
func (w WindowSpec) BurnIn() int {
	if w.Kind == WindowExponential {
		return w.Lookback
	}
	return w.Size
}

func (w WindowSpec) canonical() string {
	if w.Kind == WindowExponential {
		return fmt.Sprintf("exp(%s,%d)", strconv.FormatFloat(w.Lambda, 'g', -1, 64), w.Lookback)
	}
	return fmt.Sprintf("fixed(%d)", w.Size)
}

// NodeKey is the structural identity of an analytic invocation, used to
// deduplicate nodes: resolving the same key twice on one DAG yields the
// same NodeID.
type NodeKey struct {
	Analytic    AnalyticType
	Assets      []asset.Key
	Range       *timeseries.DateRange
	Window      *WindowSpec
	OverrideTag string
	Params      map[string]string
}

// canonical produces a deterministic string form used as the dedup map key.
// Assets and params are sorted so equality is structural.
func (k NodeKey) canonical() string {
	var sb strings.Builder
	sb.WriteString(string(k.Analytic))
	sb.WriteByte('|')

	assets := make([]string, len(k.Assets))
	for i, a := range k.Assets {
		assets[i] = a.String()
	}
	sort.Strings(assets)
	sb.WriteString(strings.Join(assets, ","))
	sb.WriteByte('|')

	if k.Range != nil {
		sb.WriteString(k.Range.Start.Format("2006-01-02"))
		sb.WriteByte(':')
		sb.WriteString(k.Range.End.Format("2006-01-02"))
	}
	sb.WriteByte('|')

	if k.Window != nil {
		sb.WriteString(k.Window.canonical())
	}
	sb.WriteByte('|')
	sb.WriteString(k.OverrideTag)
	sb.WriteByte('|')

	params := make([]string, 0, len(k.Params))
	for key, value := range k.Params {
		params = append(params, key+"="+value)
	}
	sort.Strings(params)
	sb.WriteString(strings.Join(params, ","))

	return sb.String()
}

// ParamsMap flattens the key into node parameters, folding the range,
// window, and override tag into well-known entries.
func (k NodeKey) ParamsMap() map[string]string {
	params := make(map[string]string, len(k.Params)+5)
	for key, value := range k.Params {
		params[key] = value
	}
	params["analytic_type"] = string(k.Analytic)
	if k.OverrideTag != "" {
		params["override"] = k.OverrideTag
	}
	if k.Range != nil {
		params["start_date"] = k.Range.Start.Format("2006-01-02")
		params["end_date"] = k.Range.End.Format("2006-01-02")
	}
	if k.Window != nil {
		switch k.Window.Kind {
		case WindowFixed:
			params["window_size"] = strconv.Itoa(k.Window.Size)
		case WindowExponential:
			params["ema_lambda"] = strconv.FormatFloat(k.Window.Lambda, 'g', -1, 64)
			params["ema_lookback"] = strconv.Itoa(k.Window.Lookback)
		}
	}
	return params
}

// Node is a single computation in the DAG. Nodes are immutable after
// insertion except for NodeKey registration.
type Node struct {
	ID       NodeID
	NodeType string
	Params   map[string]string
	Assets   []asset.Key
}

// NewNode creates a node. A nil params map is replaced with an empty one.
func NewNode(id NodeID, nodeType string, params map[string]string, assets []asset.Key) *Node {
	if params == nil {
		params = make(map[string]string)
	}
	return &Node{
		ID:       id,
		NodeType: nodeType,
		Params:   params,
		Assets:   assets,
	}
}

// IntParam reads an integer node parameter, returning fallback when the
// parameter is absent or unparsable.
func (n *Node) IntParam(name string, fallback int) int {
	if raw, ok := n.Params[name]; ok {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return fallback
}

// FloatParam reads a float node parameter, returning fallback when the
// parameter is absent or unparsable.
func (n *Node) FloatParam(name string, fallback float64) float64 {
	if raw, ok := n.Params[name]; ok {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			return value
		}
	}
	return fallback
}

// HasAsset reports whether the node references the given asset.
func (n *Node) HasAsset(key asset.Key) bool {
	for _, a := range n.Assets {
		if a == key {
			return true
		}
	}
	return false
}

// OutputKind tags the variants of NodeOutput.
type OutputKind int

const (
	OutputNone OutputKind = iota
	OutputSingle
	OutputScalar
	OutputCollection
)

// NodeOutput is the result of executing a node: a single series, a
// collection of series, a scalar, or nothing.
type NodeOutput struct {
	Kind       OutputKind
	Series     []timeseries.Point
	Collection [][]timeseries.Point
	Scalar     float64
}

// SingleOutput wraps a series.
func SingleOutput(series []timeseries.Point) NodeOutput {
	return NodeOutput{Kind: OutputSingle, Series: series}
}

// ScalarOutput wraps a scalar value.
func ScalarOutput(value float64) NodeOutput {
	return NodeOutput{Kind: OutputScalar, Scalar: value}
}

// CollectionOutput wraps multiple series.
func CollectionOutput(collection [][]timeseries.Point) NodeOutput {
	return NodeOutput{Kind: OutputCollection, Collection: collection}
}

// NoOutput is the empty output.
func NoOutput() NodeOutput {
	return NodeOutput{Kind: OutputNone}
}
