package attribute

import (
	"context"
	"encoding/json"

	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// Recomputer produces the new value for an AV given its current view and
// the already-recomputed values of everything it reads. The engine itself
// has no notion of function execution (that's pkg/cyclone's concern for
// function-kind AVs); callers supply this as the bridge between the graph
// walk here and Cyclone/literal resolution.
type Recomputer func(ctx context.Context, av View) (json.RawMessage, error)

// RecomputeResult records one AV's outcome from a ProcessQueue pass.
type RecomputeResult struct {
	AttributeValueID splitgraph.NodeID
	Value            json.RawMessage
	Err              error
}

// Queue is a per-change-set dependent-value root queue (spec §4.6): roots
// are enqueued by graph mutations, then ProcessQueue walks every transitive
// reader in topological order.
type Queue struct {
	roots map[splitgraph.NodeID]struct{}
}

// NewQueue returns an empty dependent-value queue.
func NewQueue() *Queue {
	return &Queue{roots: make(map[splitgraph.NodeID]struct{})}
}

// Enqueue adds id as a dependent-value root (spec §4.6: "Any mutation that
// invalidates an AV's computed value adds a dependent value root").
func (q *Queue) Enqueue(id splitgraph.NodeID) {
	q.roots[id] = struct{}{}
}

// Len reports how many roots are currently queued.
func (q *Queue) Len() int {
	return len(q.roots)
}

// Drain empties the queue and returns the roots it held, in no particular
// order (the topological walk in ProcessQueue imposes the real order).
func (q *Queue) Drain() []splitgraph.NodeID {
	out := make([]splitgraph.NodeID, 0, len(q.roots))
	for id := range q.roots {
		out = append(out, id)
	}
	q.roots = make(map[splitgraph.NodeID]struct{})
	return out
}

// readersOf returns every AV that subscribes to (reads) source, by
// scanning Subscription edges graph-wide. This is the inverse of the
// Subscription edge direction (subscriber -> source), so it requires a
// full scan; acceptable here since ProcessQueue runs once per commit, not
// per node.
func readersOf(graph *splitgraph.SplitGraph, source splitgraph.NodeID) []splitgraph.NodeID {
	var out []splitgraph.NodeID
	for _, part := range graph.Partitions() {
		for _, id := range part.AllNodeIDs() {
			for _, e := range part.OutgoingEdges(id) {
				if e.Kind == splitgraph.EdgeKindCustom && e.CustomKind == SubscriptionEdgeKind && e.To == source {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// ProcessQueue walks every root enqueued since the last Drain and every
// transitive reader reachable through Subscription edges, in topological
// (sources-before-readers) order, invoking recompute on each exactly once.
// A cycle in the subscription graph is reported as *CycleError rather than
// looping forever (spec §4.6).
func ProcessQueue(ctx context.Context, graph *splitgraph.SplitGraph, roots []splitgraph.NodeID, recompute Recomputer) ([]RecomputeResult, error) {
	order, err := topoOrder(graph, roots)
	if err != nil {
		return nil, err
	}

	results := make([]RecomputeResult, 0, len(order))
	for _, id := range order {
		n, ok := graph.NodeByID(id)
		if !ok {
			continue
		}
		view, err := Decode(n)
		if err != nil {
			continue
		}
		value, rerr := recompute(ctx, view)
		results = append(results, RecomputeResult{AttributeValueID: id, Value: value, Err: rerr})
		metrics.RecordDependentValueProcessed()
	}
	return results, nil
}

// topoOrder computes a deterministic topological order over roots and
// their transitive readers: each node is visited only once all of its
// sources (for subscription AVs) have already been visited. Detects a
// cycle via the classic three-color DFS.
func topoOrder(graph *splitgraph.SplitGraph, roots []splitgraph.NodeID) ([]splitgraph.NodeID, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[splitgraph.NodeID]int)
	var order []splitgraph.NodeID
	var path []splitgraph.NodeID

	visited := make(map[splitgraph.NodeID]bool)
	queue := append([]splitgraph.NodeID{}, roots...)
	var frontier []splitgraph.NodeID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		frontier = append(frontier, id)
		queue = append(queue, readersOf(graph, id)...)
	}

	var visit func(id splitgraph.NodeID) error
	visit = func(id splitgraph.NodeID) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &CycleError{Path: append(append([]splitgraph.NodeID{}, path...), id)}
		}
		color[id] = gray
		path = append(path, id)
		for _, reader := range readersOf(graph, id) {
			if err := visit(reader); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range frontier {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	// visit walks sources-after-readers (post-order appends a node after its
	// readers finish); reverse so sources precede their readers.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
