package dag

import (
	"fmt"

	"github.com/market-analytics-engine/internal/asset"
)

// DAG wires analytics dependencies explicitly, with cycle detection,
// cached topological sorting, and NodeKey-based deduplication.
//
// A single DAG instance handles multiple assets. Mutation is single-owner;
// read-only queries may be shared.
type DAG struct {
	nodes    map[NodeID]*Node
	parents  map[NodeID][]NodeID
	children map[NodeID][]NodeID

	nextNodeID NodeID
	edgeCount  int

	// Cached topological sort, invalidated on structural change.
	cachedToposort []NodeID

	// NodeKey dedup: canonical key string -> NodeID, and the reverse.
	nodeLookup map[string]NodeID
	keysByID   map[NodeID]NodeKey

	registry *Registry
}

// New creates an empty DAG using the provided registry.
func New(registry *Registry) *DAG {
	return &DAG{
		nodes:      make(map[NodeID]*Node),
		parents:    make(map[NodeID][]NodeID),
		children:   make(map[NodeID][]NodeID),
		nodeLookup: make(map[string]NodeID),
		keysByID:   make(map[NodeID]NodeKey),
		registry:   registry,
	}
}

// Registry returns the registry backing this DAG.
func (d *DAG) Registry() *Registry {
	return d.registry
}

// AddNode adds a new node and returns its ID. It always succeeds and
// invalidates the cached topological order.
func (d *DAG) AddNode(nodeType string, params map[string]string, assets []asset.Key) NodeID {
	nodeID := d.nextNodeID
	d.nextNodeID++

	d.nodes[nodeID] = NewNode(nodeID, nodeType, params, assets)
	d.cachedToposort = nil

	return nodeID
}

// AddEdge adds a dependency edge from parent to child. The edge is refused
// with ErrCycleDetected if it would create a cycle; the DAG is unchanged in
// that case.
func (d *DAG) AddEdge(from, to NodeID) error {
	if _, ok := d.nodes[from]; !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, from)
	}
	if _, ok := d.nodes[to]; !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, to)
	}

	// The edge from->to creates a cycle exactly when from is reachable
	// from to (including from == to). Prove acyclicity before committing.
	if from == to || d.reachable(to, from) {
		return fmt.Errorf("%w: adding edge from %d to %d would create a cycle", ErrCycleDetected, from, to)
	}

	d.children[from] = append(d.children[from], to)
	d.parents[to] = append(d.parents[to], from)
	d.edgeCount++
	d.cachedToposort = nil

	return nil
}

// reachable reports whether target can be reached from start by following
// child edges.
func (d *DAG) reachable(start, target NodeID) bool {
	if start == target {
		return true
	}
	visited := make(map[NodeID]bool)
	stack := []NodeID{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, child := range d.children[current] {
			if child == target {
				return true
			}
			stack = append(stack, child)
		}
	}
	return false
}

// RemoveNode removes a node. Nodes with outgoing edges cannot be removed;
// doing so returns ErrInvalidOperation and leaves the DAG unchanged.
// Removed IDs are never reassigned.
func (d *DAG) RemoveNode(nodeID NodeID) error {
	if _, ok := d.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: node %d", ErrNodeNotFound, nodeID)
	}
	if len(d.children[nodeID]) > 0 {
		return fmt.Errorf("%w: cannot remove node %d: node has dependencies", ErrInvalidOperation, nodeID)
	}

	for _, parent := range d.parents[nodeID] {
		d.children[parent] = removeID(d.children[parent], nodeID)
		d.edgeCount--
	}
	delete(d.parents, nodeID)
	delete(d.children, nodeID)
	delete(d.nodes, nodeID)

	if key, ok := d.keysByID[nodeID]; ok {
		delete(d.nodeLookup, key.canonical())
		delete(d.keysByID, nodeID)
	}

	d.cachedToposort = nil
	return nil
}

func removeID(ids []NodeID, target NodeID) []NodeID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// GetNode returns the node for an ID, or nil if unknown.
func (d *DAG) GetNode(nodeID NodeID) *Node {
	return d.nodes[nodeID]
}

// NodeCount returns the number of nodes.
func (d *DAG) NodeCount() int {
	return len(d.nodes)
}

// EdgeCount returns the number of edges.
func (d *DAG) EdgeCount() int {
	return d.edgeCount
}

// NodeIDs returns all node IDs in insertion order.
func (d *DAG) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(d.nodes))
	for id := NodeID(0); id < d.nextNodeID; id++ {
		if _, ok := d.nodes[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Parents returns the immediate parents of a node.
func (d *DAG) Parents(nodeID NodeID) []NodeID {
	out := make([]NodeID, len(d.parents[nodeID]))
	copy(out, d.parents[nodeID])
	return out
}

// Children returns the immediate children of a node.
func (d *DAG) Children(nodeID NodeID) []NodeID {
	out := make([]NodeID, len(d.children[nodeID]))
	copy(out, d.children[nodeID])
	return out
}

// ExecutionOrder returns a topological order of all nodes via Kahn's
// algorithm. The result is cached and invalidated on structural change.
func (d *DAG) ExecutionOrder() ([]NodeID, error) {
	if d.cachedToposort != nil {
		out := make([]NodeID, len(d.cachedToposort))
		copy(out, d.cachedToposort)
		return out, nil
	}

	sorted, err := d.computeToposort()
	if err != nil {
		return nil, err
	}
	d.cachedToposort = sorted

	out := make([]NodeID, len(sorted))
	copy(out, sorted)
	return out, nil
}

// ExecutionOrderImmutable computes a topological order without touching the
// cache, for read-only access to a shared DAG.
func (d *DAG) ExecutionOrderImmutable() ([]NodeID, error) {
	return d.computeToposort()
}

// computeToposort runs Kahn's algorithm in O(V+E). Roots are queued in node
// ID order and children in edge-insertion order, so ordering is stable
// within one process.
func (d *DAG) computeToposort() ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(d.nodes))
	for id := range d.nodes {
		inDegree[id] = len(d.parents[id])
	}

	queue := make([]NodeID, 0, len(d.nodes))
	for _, id := range d.NodeIDs() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]NodeID, 0, len(d.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, child := range d.children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(result) != len(d.nodes) {
		return nil, fmt.Errorf("%w: topological sort failed, DAG may contain cycles", ErrInvalidOperation)
	}

	return result, nil
}

// Ancestors returns the transitive closure of a node's parents, excluding
// the node itself.
func (d *DAG) Ancestors(nodeID NodeID) []NodeID {
	return d.closure(nodeID, d.parents)
}

// Descendants returns the transitive closure of a node's children,
// excluding the node itself. Push-mode uses this to find affected nodes.
func (d *DAG) Descendants(nodeID NodeID) []NodeID {
	return d.closure(nodeID, d.children)
}

func (d *DAG) closure(start NodeID, edges map[NodeID][]NodeID) []NodeID {
	var result []NodeID
	visited := make(map[NodeID]bool)
	stack := []NodeID{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		if current != start {
			result = append(result, current)
		}
		stack = append(stack, edges[current]...)
	}

	return result
}

// Resolve returns the NodeID for a key, creating the node and its
// dependency subgraph if the key is unknown. Dependencies are expanded
// depth-first through the registry; keys already resolved are reused, so
// resolving the same key twice returns the same NodeID.
func (d *DAG) Resolve(key NodeKey) (NodeID, error) {
	if existing, ok := d.nodeLookup[key.canonical()]; ok {
		return existing, nil
	}

	definition := d.registry.Definition(key.Analytic)
	if definition == nil {
		return 0, fmt.Errorf("%w: no analytic definition for %s", ErrInvalidOperation, key.Analytic)
	}

	dependencyKeys, err := definition.Dependencies(key)
	if err != nil {
		return 0, err
	}

	dependencyIDs := make([]NodeID, 0, len(dependencyKeys))
	for _, depKey := range dependencyKeys {
		depID, err := d.Resolve(depKey)
		if err != nil {
			return 0, err
		}
		dependencyIDs = append(dependencyIDs, depID)
	}

	nodeID := d.AddNode(definition.NodeType(), key.ParamsMap(), key.Assets)
	d.nodeLookup[key.canonical()] = nodeID
	d.keysByID[nodeID] = key

	for _, depID := range dependencyIDs {
		if err := d.AddEdge(depID, nodeID); err != nil {
			return 0, err
		}
	}

	return nodeID, nil
}

// RegisterNodeKey attaches key metadata to a manually-added node so it
// participates in deduplication and registry-driven execution.
func (d *DAG) RegisterNodeKey(nodeID NodeID, key NodeKey) error {
	if _, ok := d.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: node %d not found for registration", ErrNodeNotFound, nodeID)
	}
	d.nodeLookup[key.canonical()] = nodeID
	d.keysByID[nodeID] = key
	return nil
}

// NodeKeyFor returns the registered key for a node, if any.
func (d *DAG) NodeKeyFor(nodeID NodeID) (NodeKey, bool) {
	key, ok := d.keysByID[nodeID]
	return key, ok
}

// analyticTypeFor resolves the analytic type for a node, preferring its
// registered key over its node-type string.
func (d *DAG) analyticTypeFor(nodeID NodeID) AnalyticType {
	if key, ok := d.keysByID[nodeID]; ok {
		return key.Analytic
	}
	if node := d.nodes[nodeID]; node != nil {
		return ParseAnalyticType(node.NodeType)
	}
	return AnalyticDataProvider
}

// isDataProviderNode reports whether a node is a data-provider leaf.
func (d *DAG) isDataProviderNode(nodeID NodeID) bool {
	return d.analyticTypeFor(nodeID) == AnalyticDataProvider
}

// executorFor returns the registry executor for a node.
func (d *DAG) executorFor(nodeID NodeID) (Executor, error) {
	analytic := d.analyticTypeFor(nodeID)
	definition := d.registry.Definition(analytic)
	if definition == nil {
		return nil, fmt.Errorf("%w: no analytic definition for %s", ErrInvalidOperation, analytic)
	}
	return definition.Executor(), nil
}
