package splitgraph

import (
	"fmt"
	"sort"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// PartitionID identifies a SubGraph within a SplitGraph.
type PartitionID uint64

// nodeIndex is a local arena offset. Never compared or serialized across
// SubGraph instances — only NodeID is a stable identity.
type nodeIndex int

const noIndex nodeIndex = -1

type edgeRecord struct {
	edge Edge
	to   nodeIndex
}

// SubGraph is a single partition of the workspace snapshot: an arena of
// nodes plus outgoing-adjacency, with a dirty set driving incremental
// Merkle hash recomputation.
type SubGraph struct {
	Partition PartitionID

	nodes   []Node
	tomb    []bool // arena slots that have been removed, never reused
	root    nodeIndex
	outEdges map[nodeIndex][]edgeRecord
	inEdges  map[nodeIndex][]nodeIndex // reverse adjacency for Merkle propagation

	nodeIndexByID        map[NodeID]nodeIndex
	nodeIndexesByLineage map[NodeID]map[nodeIndex]struct{}

	touchedNodes map[nodeIndex]struct{}
}

// NewWithRoot creates a SubGraph containing only a SubGraphRoot node.
func NewWithRoot(partition PartitionID) *SubGraph {
	sg := &SubGraph{
		Partition:            partition,
		outEdges:             make(map[nodeIndex][]edgeRecord),
		inEdges:              make(map[nodeIndex][]nodeIndex),
		nodeIndexByID:        make(map[NodeID]nodeIndex),
		nodeIndexesByLineage: make(map[NodeID]map[nodeIndex]struct{}),
		touchedNodes:         make(map[nodeIndex]struct{}),
	}
	rootID := NewNodeID()
	root := Node{ID: rootID, LineageID: rootID, Kind: NodeKindSubGraphRoot}
	idx := sg.insertNode(root)
	sg.root = idx
	sg.touch(idx)
	return sg
}

// RootID returns the id of this subgraph's root node.
func (sg *SubGraph) RootID() NodeID {
	return sg.nodes[sg.root].ID
}

func (sg *SubGraph) insertNode(n Node) nodeIndex {
	idx := nodeIndex(len(sg.nodes))
	sg.nodes = append(sg.nodes, n)
	sg.tomb = append(sg.tomb, false)
	sg.nodeIndexByID[n.ID] = idx
	if sg.nodeIndexesByLineage[n.LineageID] == nil {
		sg.nodeIndexesByLineage[n.LineageID] = make(map[nodeIndex]struct{})
	}
	sg.nodeIndexesByLineage[n.LineageID][idx] = struct{}{}
	return idx
}

func (sg *SubGraph) touch(idx nodeIndex) {
	sg.touchedNodes[idx] = struct{}{}
}

// NodeByID looks up a node by its logical id.
func (sg *SubGraph) NodeByID(id NodeID) (Node, bool) {
	idx, ok := sg.nodeIndexByID[id]
	if !ok || sg.tomb[idx] {
		return Node{}, false
	}
	return sg.nodes[idx], true
}

// AllNodeIDs returns the ids of every live (non-tombstoned) node in the
// arena, in arbitrary order. Used by callers that need to scan every node
// of a given PayloadKind (e.g. pkg/attribute's AV resolution) rather than
// traverse from the root.
func (sg *SubGraph) AllNodeIDs() []NodeID {
	out := make([]NodeID, 0, len(sg.nodes))
	for idx, n := range sg.nodes {
		if sg.tomb[idx] {
			continue
		}
		out = append(out, n.ID)
	}
	return out
}

// NodeIndexesByLineage returns the ids of every live node sharing a lineage id,
// i.e. every revision of the same logical node still present in the arena
// (normally at most one, since ReplaceNode retires the prior index).
func (sg *SubGraph) NodeIndexesByLineage(lineage NodeID) []NodeID {
	set := sg.nodeIndexesByLineage[lineage]
	out := make([]NodeID, 0, len(set))
	for idx := range set {
		if !sg.tomb[idx] {
			out = append(out, sg.nodes[idx].ID)
		}
	}
	return out
}

// AddNode inserts a new Custom node into the arena. It does not attach any
// edges; the caller is expected to follow with AddEdge or AddOrderedEdge.
func (sg *SubGraph) AddNode(n Node) NodeID {
	if n.ID == Nil {
		n.ID = NewNodeID()
	}
	if n.LineageID == Nil {
		n.LineageID = n.ID
	}
	idx := sg.insertNode(n)
	sg.touch(idx)
	return n.ID
}

// ReplaceNode swaps the content of an existing node for new content while
// preserving LineageID (invariant I4). The id may change if replacement.ID
// is set; otherwise it is kept.
func (sg *SubGraph) ReplaceNode(id NodeID, replacement Node) error {
	idx, ok := sg.nodeIndexByID[id]
	if !ok || sg.tomb[idx] {
		return errors.FailedToWithDetails("replace node", "splitgraph", id.String(), fmt.Errorf("node not found"))
	}
	old := sg.nodes[idx]
	replacement.LineageID = old.LineageID
	if replacement.ID == Nil {
		replacement.ID = old.ID
	}
	if replacement.ID != old.ID {
		delete(sg.nodeIndexByID, old.ID)
		sg.nodeIndexByID[replacement.ID] = idx
		delete(sg.nodeIndexesByLineage[old.LineageID], idx)
		if sg.nodeIndexesByLineage[replacement.LineageID] == nil {
			sg.nodeIndexesByLineage[replacement.LineageID] = make(map[nodeIndex]struct{})
		}
		sg.nodeIndexesByLineage[replacement.LineageID][idx] = struct{}{}

		// Every parent's edge record pointing at this arena slot still
		// carries the old id in its Edge.To; retarget it so Edge.To always
		// reflects the node's current identity (relied on by encode/decode
		// round-trips and by callers that read edges off the arena).
		for _, parent := range sg.inEdges[idx] {
			list := sg.outEdges[parent]
			for i, rec := range list {
				if rec.to == idx {
					rec.edge.To = replacement.ID
					list[i] = rec
				}
			}
		}
	}
	sg.nodes[idx] = replacement
	sg.touch(idx)
	for _, parent := range sg.inEdges[idx] {
		sg.touch(parent)
	}
	return nil
}

// RemoveNode tombstones a node and all of its outgoing/incoming edge
// records. It does not recursively remove children; callers combine this
// with RemoveExternals / update-detector-driven pruning for subtree
// removal.
func (sg *SubGraph) RemoveNode(id NodeID) error {
	idx, ok := sg.nodeIndexByID[id]
	if !ok || sg.tomb[idx] {
		return errors.FailedToWithDetails("remove node", "splitgraph", id.String(), fmt.Errorf("node not found"))
	}
	for _, rec := range sg.outEdges[idx] {
		sg.removeInEdge(rec.to, idx)
	}
	delete(sg.outEdges, idx)
	for _, parent := range sg.inEdges[idx] {
		sg.removeOutEdgeTo(parent, idx)
		sg.touch(parent)
	}
	delete(sg.inEdges, idx)
	sg.tomb[idx] = true
	delete(sg.nodeIndexByID, id)
	delete(sg.nodeIndexesByLineage[sg.nodes[idx].LineageID], idx)
	delete(sg.touchedNodes, idx)
	return nil
}

func (sg *SubGraph) removeInEdge(to, from nodeIndex) {
	list := sg.inEdges[to]
	for i, p := range list {
		if p == from {
			sg.inEdges[to] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (sg *SubGraph) removeOutEdgeTo(from, to nodeIndex) {
	list := sg.outEdges[from]
	for i, rec := range list {
		if rec.to == to {
			sg.outEdges[from] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// EdgeExists reports whether an edge of the same kind (per Edge.sameKind)
// already connects from to to.
func (sg *SubGraph) EdgeExists(from NodeID, edge Edge) bool {
	fromIdx, ok := sg.nodeIndexByID[from]
	if !ok {
		return false
	}
	toIdx, ok := sg.nodeIndexByID[edge.To]
	if !ok {
		return false
	}
	for _, rec := range sg.outEdges[fromIdx] {
		if rec.to == toIdx && rec.edge.sameKind(edge) {
			return true
		}
	}
	return false
}

// AddEdge adds a directed edge from->to, idempotently: a duplicate edge of
// the same kind between the same endpoints is a no-op. Marks from as
// touched.
func (sg *SubGraph) AddEdge(from NodeID, edge Edge) error {
	fromIdx, ok := sg.nodeIndexByID[from]
	if !ok {
		return errors.FailedToWithDetails("add edge", "splitgraph", from.String(), fmt.Errorf("source node not found"))
	}
	toIdx, ok := sg.nodeIndexByID[edge.To]
	if !ok {
		return errors.FailedToWithDetails("add edge", "splitgraph", edge.To.String(), fmt.Errorf("target node not found"))
	}
	if sg.EdgeExists(from, edge) {
		return nil
	}
	sg.outEdges[fromIdx] = append(sg.outEdges[fromIdx], edgeRecord{edge: edge, to: toIdx})
	sg.inEdges[toIdx] = append(sg.inEdges[toIdx], fromIdx)
	sg.touch(fromIdx)
	return nil
}

// RemoveEdge removes the first edge of matching kind from->to.
func (sg *SubGraph) RemoveEdge(from NodeID, edge Edge) error {
	fromIdx, ok := sg.nodeIndexByID[from]
	if !ok {
		return errors.FailedToWithDetails("remove edge", "splitgraph", from.String(), fmt.Errorf("source node not found"))
	}
	toIdx, ok := sg.nodeIndexByID[edge.To]
	if !ok {
		return errors.FailedToWithDetails("remove edge", "splitgraph", edge.To.String(), fmt.Errorf("target node not found"))
	}
	list := sg.outEdges[fromIdx]
	for i, rec := range list {
		if rec.to == toIdx && rec.edge.sameKind(edge) {
			sg.outEdges[fromIdx] = append(list[:i], list[i+1:]...)
			sg.removeInEdge(toIdx, fromIdx)
			sg.touch(fromIdx)
			return nil
		}
	}
	return errors.FailedToWithDetails("remove edge", "splitgraph", from.String(), fmt.Errorf("edge not found"))
}

// orderingNodeFor returns the index of from's Ordering node, if it has one.
func (sg *SubGraph) orderingNodeFor(from nodeIndex) (nodeIndex, bool) {
	for _, rec := range sg.outEdges[from] {
		if rec.edge.Kind == EdgeKindOrdering {
			return rec.to, true
		}
	}
	return noIndex, false
}

// addOrGetOrderingNode returns from's existing Ordering node, creating one
// if absent.
func (sg *SubGraph) addOrGetOrderingNode(from NodeID) (nodeIndex, error) {
	fromIdx, ok := sg.nodeIndexByID[from]
	if !ok {
		return noIndex, errors.FailedToWithDetails("add ordering node", "splitgraph", from.String(), fmt.Errorf("node not found"))
	}
	if idx, ok := sg.orderingNodeFor(fromIdx); ok {
		return idx, nil
	}
	orderingID := NewNodeID()
	ordering := Node{ID: orderingID, LineageID: orderingID, Kind: NodeKindOrdering}
	idx := sg.insertNode(ordering)
	sg.outEdges[fromIdx] = append(sg.outEdges[fromIdx], edgeRecord{edge: Edge{Kind: EdgeKindOrdering, To: orderingID}, to: idx})
	sg.inEdges[idx] = append(sg.inEdges[idx], fromIdx)
	sg.touch(fromIdx)
	return idx, nil
}

// AddOrderedEdge adds edge from->to as a normal Custom edge and also
// appends to.id to from's Ordering node (creating the Ordering node if
// needed) with a matching Ordinal edge, unless to is already present in the
// order.
func (sg *SubGraph) AddOrderedEdge(from NodeID, edge Edge) error {
	if err := sg.AddEdge(from, edge); err != nil {
		return err
	}
	orderIdx, err := sg.addOrGetOrderingNode(from)
	if err != nil {
		return err
	}
	ordering := sg.nodes[orderIdx]
	for _, id := range ordering.Order {
		if id == edge.To {
			return nil
		}
	}
	ordering.Order = append(ordering.Order, edge.To)
	sg.nodes[orderIdx] = ordering
	toIdx := sg.nodeIndexByID[edge.To]
	sg.outEdges[orderIdx] = append(sg.outEdges[orderIdx], edgeRecord{edge: Edge{Kind: EdgeKindOrdinal, To: edge.To}, to: toIdx})
	sg.inEdges[toIdx] = append(sg.inEdges[toIdx], orderIdx)
	sg.touch(orderIdx)
	return nil
}

// ErrOrderLengthMismatch is returned by Reorder when f returns a sequence
// of different length than the input.
var ErrOrderLengthMismatch = fmt.Errorf("reorder: length mismatch")

// ErrOrderContentMismatch is returned by Reorder when f returns a sequence
// that is not a permutation of the input (same multiset of ids).
var ErrOrderContentMismatch = fmt.Errorf("reorder: content mismatch")

// Reorder replaces node's Ordering sequence with f(current order). The
// result must be a permutation of the input; any other change is rejected.
func (sg *SubGraph) Reorder(node NodeID, f func([]NodeID) []NodeID) error {
	fromIdx, ok := sg.nodeIndexByID[node]
	if !ok {
		return errors.FailedToWithDetails("reorder", "splitgraph", node.String(), fmt.Errorf("node not found"))
	}
	orderIdx, ok := sg.orderingNodeFor(fromIdx)
	if !ok {
		return errors.FailedToWithDetails("reorder", "splitgraph", node.String(), fmt.Errorf("node has no ordering"))
	}
	current := sg.nodes[orderIdx].Order
	next := f(current)
	if len(next) != len(current) {
		return ErrOrderLengthMismatch
	}
	count := make(map[NodeID]int, len(current))
	for _, id := range current {
		count[id]++
	}
	for _, id := range next {
		count[id]--
	}
	for _, c := range count {
		if c != 0 {
			return ErrOrderContentMismatch
		}
	}
	n := sg.nodes[orderIdx]
	n.Order = next
	sg.nodes[orderIdx] = n
	sg.touch(orderIdx)
	return nil
}

// OrderedChildren returns node's declared ordered children, or nil if it
// has no Ordering node.
func (sg *SubGraph) OrderedChildren(node NodeID) []NodeID {
	fromIdx, ok := sg.nodeIndexByID[node]
	if !ok {
		return nil
	}
	orderIdx, ok := sg.orderingNodeFor(fromIdx)
	if !ok {
		return nil
	}
	out := make([]NodeID, len(sg.nodes[orderIdx].Order))
	copy(out, sg.nodes[orderIdx].Order)
	return out
}

// OutgoingEdges returns the Edge records for node's outgoing neighbors, in
// the same canonical order as AllOutgoingStablyOrdered.
func (sg *SubGraph) OutgoingEdges(node NodeID) []Edge {
	fromIdx, ok := sg.nodeIndexByID[node]
	if !ok {
		return nil
	}
	order := sg.AllOutgoingStablyOrdered(node)
	byTo := make(map[NodeID]Edge, len(sg.outEdges[fromIdx]))
	for _, rec := range sg.outEdges[fromIdx] {
		byTo[sg.nodes[rec.to].ID] = rec.edge
	}
	out := make([]Edge, 0, len(order))
	for _, id := range order {
		if e, ok := byTo[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// LineageOf returns the lineage id of a live node.
func (sg *SubGraph) LineageOf(id NodeID) (NodeID, bool) {
	idx, ok := sg.nodeIndexByID[id]
	if !ok || sg.tomb[idx] {
		return Nil, false
	}
	return sg.nodes[idx].LineageID, true
}

// NodeByLineage returns the live node currently carrying the given lineage
// id, if any revision of it is still present in this subgraph.
func (sg *SubGraph) NodeByLineage(lineage NodeID) (NodeID, bool) {
	for idx := range sg.nodeIndexesByLineage[lineage] {
		if !sg.tomb[idx] {
			return sg.nodes[idx].ID, true
		}
	}
	return Nil, false
}

// AllOutgoingStablyOrdered returns node's outgoing neighbor ids in
// canonical order: ordered children first (in declared order), then all
// remaining outgoing neighbors sorted by id. This is the traversal order
// both Merkle hashing and the update detector rely on for determinism.
func (sg *SubGraph) AllOutgoingStablyOrdered(node NodeID) []NodeID {
	fromIdx, ok := sg.nodeIndexByID[node]
	if !ok {
		return nil
	}
	ordered := sg.OrderedChildren(node)
	seen := make(map[NodeID]struct{}, len(ordered))
	for _, id := range ordered {
		seen[id] = struct{}{}
	}
	var rest []NodeID
	for _, rec := range sg.outEdges[fromIdx] {
		childID := sg.nodes[rec.to].ID
		if _, already := seen[childID]; already {
			continue
		}
		seen[childID] = struct{}{}
		rest = append(rest, childID)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].String() < rest[j].String() })
	return append(ordered, rest...)
}

// RemoveExternals removes every node with zero incoming edges except the
// subgraph root, returning their ids so the owning SplitGraph can tombstone
// matching ExternalSource edges in sibling subgraphs. Call repeatedly until
// it returns an empty slice to reach the transitive closure.
func (sg *SubGraph) RemoveExternals() []NodeID {
	var removed []NodeID
	for idx := range sg.nodes {
		ni := nodeIndex(idx)
		if sg.tomb[ni] || ni == sg.root {
			continue
		}
		if len(sg.inEdges[ni]) == 0 {
			removed = append(removed, sg.nodes[ni].ID)
		}
	}
	for _, id := range removed {
		_ = sg.RemoveNode(id)
	}
	return removed
}

// TouchedCount reports the size of the dirty set, mainly for tests and
// metrics.
func (sg *SubGraph) TouchedCount() int {
	return len(sg.touchedNodes)
}
