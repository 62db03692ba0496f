// Package update implements the update detector: diffing two
// WorkspaceSnapshot graph revisions into the ordered stream of changes
// needed to bring one into alignment with the other (spec §4.3). This is
// the primitive the change-set engine's commit and rebase_onto build on,
// grounded on the
// teacher's own "graph in a vector" detect_updates walk: a root-down DFS
// pruned by Merkle hash equality, so only the mutated subtree is ever
// visited.
package update

import (
	"fmt"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// Kind discriminates the four update variants the detector ever produces.
// There is no RemoveNode: a node that loses its last incoming edge becomes
// unreachable and is reclaimed by SplitGraph.Cleanup, not represented as an
// update in its own right.
type Kind int

const (
	KindNewNode Kind = iota
	KindReplaceNode
	KindNewEdge
	KindRemoveEdge
)

func (k Kind) String() string {
	switch k {
	case KindNewNode:
		return "NewNode"
	case KindReplaceNode:
		return "ReplaceNode"
	case KindNewEdge:
		return "NewEdge"
	case KindRemoveEdge:
		return "RemoveEdge"
	default:
		return "Unknown"
	}
}

// Update is one step of the sequence that, applied in order to `from`,
// reproduces `to`'s content.
type Update struct {
	Kind Kind

	// Node: the full new content, for NewNode/ReplaceNode.
	Node splitgraph.Node

	// OldID: the revision being superseded, for ReplaceNode.
	OldID splitgraph.NodeID

	// From/Edge: the edge endpoint and payload, for NewEdge/RemoveEdge.
	From splitgraph.NodeID
	Edge splitgraph.Edge
}

// ErrMissingTarget is wrapped into the returned error when `to` contains an
// edge whose target cannot be resolved to a node in `to` itself: a
// malformed input graph, not a legitimate diff outcome.
var ErrMissingTarget = fmt.Errorf("update: edge target missing from graph")

// Detect walks `to` from every partition root and returns the ordered
// update sequence needed to bring `from` into alignment with `to`'s
// content. Node identity is NodeID; a node present in `to` but absent from
// `from` under the same LineageID is a NewNode, the same LineageID under a
// different NodeID is a ReplaceNode. Edges are compared per visited node:
// an edge present in `to` but not `from` is a NewEdge, and (for nodes
// present in both graphs) an edge present in `from` but not `to` is a
// RemoveEdge. Subtrees whose root Merkle hash matches between the two
// graphs are pruned without further comparison.
//
// Detect never fails on two structurally valid graphs; it returns an error
// only if `to` itself is malformed (an edge pointing at a node not present
// in `to`).
func Detect(from, to *splitgraph.SplitGraph) ([]Update, error) {
	d := &detector{from: from, to: to, visited: make(map[splitgraph.NodeID]bool)}
	for _, root := range to.GraphRoots() {
		if err := d.walk(root); err != nil {
			return nil, err
		}
	}
	return d.out, nil
}

type detector struct {
	from, to *splitgraph.SplitGraph
	visited  map[splitgraph.NodeID]bool
	out      []Update
}

// walk visits node (a `to`-graph id already known to exist in both graphs,
// or the root of a brand-new partition) and recurses over its children,
// pruning when the Merkle hash already matches.
func (d *detector) walk(node splitgraph.NodeID) error {
	if d.visited[node] {
		return nil
	}
	d.visited[node] = true

	toNode, ok := d.to.NodeByID(node)
	if !ok {
		return errors.Wrapf(ErrMissingTarget, "node %s", node.String())
	}
	if fromNode, ok := d.from.NodeByID(node); ok && fromNode.MerkleTreeHash == toNode.MerkleTreeHash {
		return nil // identical subtree, nothing below here changed
	}

	if err := d.diffEdges(node); err != nil {
		return err
	}
	return nil
}

// diffEdges compares node's outgoing edges between `from` and `to`,
// recursing into children that are new, replaced, or whose own subtree
// hash differs.
func (d *detector) diffEdges(node splitgraph.NodeID) error {
	toEdges := d.to.OutgoingEdges(node)
	fromEdges := d.from.OutgoingEdges(node)

	toChildren := make(map[splitgraph.NodeID]struct{}, len(toEdges))

	for _, edge := range toEdges {
		toChildren[edge.To] = struct{}{}
		if err := d.diffChild(node, edge); err != nil {
			return err
		}
	}

	// Anything from's copy of node points to that to's copy no longer does
	// is a removed edge; the node itself is addressed by reachability, not
	// a RemoveNode update.
	for _, edge := range fromEdges {
		if _, stillPresent := toChildren[edge.To]; stillPresent {
			continue
		}
		d.out = append(d.out, Update{Kind: KindRemoveEdge, From: node, Edge: edge})
	}
	return nil
}

// diffChild handles one outgoing edge node->edge.To found in `to`,
// emitting NewNode/ReplaceNode/NewEdge as needed and recursing.
func (d *detector) diffChild(node splitgraph.NodeID, edge splitgraph.Edge) error {
	childID := edge.To
	toChild, ok := d.to.NodeByID(childID)
	if !ok {
		return errors.Wrapf(ErrMissingTarget, "node %s", childID.String())
	}

	if _, ok := d.from.NodeByID(childID); ok {
		// Same id on both sides: the edge itself might still be new (e.g.
		// a second parent pointing at a shared, pre-existing child).
		if !edgeExists(d.from.OutgoingEdges(node), edge) {
			d.out = append(d.out, Update{Kind: KindNewEdge, From: node, Edge: edge})
		}
		return d.walk(childID)
	}

	lineage := toChild.LineageID
	if oldID, ok := d.from.NodeByLineage(lineage); ok && oldID != childID {
		d.out = append(d.out, Update{Kind: KindReplaceNode, Node: toChild, OldID: oldID})
	} else {
		d.out = append(d.out, Update{Kind: KindNewNode, Node: toChild})
	}
	d.out = append(d.out, Update{Kind: KindNewEdge, From: node, Edge: edge})

	// The child id is new to `from` by definition, so everything below it
	// in `to` is new too; mark visited without a from-side lookup so walk
	// skips the (nonexistent) hash-equality check and recurses unconditionally.
	d.visited[childID] = true
	return d.diffEdges(childID)
}

func edgeExists(edges []splitgraph.Edge, target splitgraph.Edge) bool {
	for _, e := range edges {
		if e.To == target.To && e.Kind == target.Kind && e.CustomKind == target.CustomKind {
			return true
		}
	}
	return false
}
