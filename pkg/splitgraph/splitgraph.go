package splitgraph

import (
	"fmt"
	"sort"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// SplitGraph federates an ordered collection of SubGraphs behind a single
// graph-root node that references each subgraph's root. Cross-partition
// logical edges are materialised as an ExternalTarget node plus a normal
// edge in the source partition, and an ExternalSource edge in the target
// partition (spec §4.2).
type SplitGraph struct {
	config Config

	partitions    []*SubGraph
	active        PartitionID
	nextPartition PartitionID

	// where lives the home partition of every logical node id, stable for
	// the node's lifetime even after a partition stops being active.
	where map[NodeID]PartitionID
}

// New creates a SplitGraph with a single, active starting partition.
func New(config Config) (*SplitGraph, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	sg := &SplitGraph{
		config: config,
		where:  make(map[NodeID]PartitionID),
	}
	sg.openPartition()
	return sg, nil
}

func (g *SplitGraph) openPartition() PartitionID {
	id := g.nextPartition
	g.nextPartition++
	part := NewWithRoot(id)
	g.partitions = append(g.partitions, part)
	g.active = id
	g.where[part.RootID()] = id
	return id
}

func (g *SplitGraph) partition(id PartitionID) *SubGraph {
	for _, p := range g.partitions {
		if p.Partition == id {
			return p
		}
	}
	return nil
}

func (g *SplitGraph) activePartition() *SubGraph {
	return g.partition(g.active)
}

// Partitions returns every live SubGraph, in stable partition-id order.
func (g *SplitGraph) Partitions() []*SubGraph {
	out := make([]*SubGraph, len(g.partitions))
	copy(out, g.partitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// AddNode places a new Custom node into the active partition, opening a
// fresh partition first if the active one has reached the configured
// threshold. Once placed, the node's partition is stable for its lifetime.
func (g *SplitGraph) AddNode(n Node) NodeID {
	active := g.activePartition()
	if len(active.nodes)-countTombstones(active) >= g.config.PartitionThreshold {
		g.openPartition()
		active = g.activePartition()
	}
	id := active.AddNode(n)
	g.where[id] = g.active
	return id
}

func countTombstones(sg *SubGraph) int {
	n := 0
	for _, t := range sg.tomb {
		if t {
			n++
		}
	}
	return n
}

// PartitionOf returns the partition a logical node lives in.
func (g *SplitGraph) PartitionOf(id NodeID) (PartitionID, bool) {
	p, ok := g.where[id]
	return p, ok
}

// AddEdge adds a same-partition edge. Both endpoints must already live in
// the same partition; for cross-partition edges use AddCrossPartitionEdge.
func (g *SplitGraph) AddEdge(from NodeID, edge Edge) error {
	fromPart, ok := g.where[from]
	if !ok {
		return errors.FailedToWithDetails("add edge", "splitgraph", from.String(), fmt.Errorf("source node not found"))
	}
	toPart, ok := g.where[edge.To]
	if !ok {
		return errors.FailedToWithDetails("add edge", "splitgraph", edge.To.String(), fmt.Errorf("target node not found"))
	}
	if fromPart != toPart {
		return errors.FailedToWithDetails("add edge", "splitgraph", from.String(), fmt.Errorf("endpoints span partitions, use AddCrossPartitionEdge"))
	}
	return g.partition(fromPart).AddEdge(from, edge)
}

// RemoveEdge removes a same-partition edge.
func (g *SplitGraph) RemoveEdge(from NodeID, edge Edge) error {
	fromPart, ok := g.where[from]
	if !ok {
		return errors.FailedToWithDetails("remove edge", "splitgraph", from.String(), fmt.Errorf("source node not found"))
	}
	return g.partition(fromPart).RemoveEdge(from, edge)
}

// ReplaceNode swaps an existing node's content for new content, preserving
// LineageID. If replacement.ID differs from id, the where-index is updated
// to the new id.
func (g *SplitGraph) ReplaceNode(id NodeID, replacement Node) error {
	part, ok := g.where[id]
	if !ok {
		return errors.FailedToWithDetails("replace node", "splitgraph", id.String(), fmt.Errorf("node not found"))
	}
	if err := g.partition(part).ReplaceNode(id, replacement); err != nil {
		return err
	}
	newID := replacement.ID
	if newID == Nil {
		newID = id
	}
	if newID != id {
		delete(g.where, id)
		g.where[newID] = part
	}
	return nil
}

// AddCrossPartitionEdge materialises a logical edge a->b where a and b live
// in different partitions: an ExternalTarget node t(to-partition, b) plus a
// normal edge a->t in a's partition, and an ExternalSource edge in b's
// partition recording the originating a and edge kind.
func (g *SplitGraph) AddCrossPartitionEdge(from NodeID, customKind string, to NodeID) error {
	fromPart, ok := g.where[from]
	if !ok {
		return errors.FailedToWithDetails("add cross-partition edge", "splitgraph", from.String(), fmt.Errorf("source node not found"))
	}
	toPart, ok := g.where[to]
	if !ok {
		return errors.FailedToWithDetails("add cross-partition edge", "splitgraph", to.String(), fmt.Errorf("target node not found"))
	}
	if fromPart == toPart {
		return g.partition(fromPart).AddEdge(from, Edge{Kind: EdgeKindCustom, CustomKind: customKind, To: to})
	}

	srcSub := g.partition(fromPart)
	targetNode := Node{Kind: NodeKindExternalTarget, ExternalTarget: to}
	targetID := srcSub.AddNode(targetNode)
	g.where[targetID] = fromPart
	if err := srcSub.AddEdge(from, Edge{Kind: EdgeKindCustom, CustomKind: customKind, To: targetID}); err != nil {
		return err
	}

	dstSub := g.partition(toPart)
	return dstSub.AddEdge(dstSub.RootID(), Edge{
		Kind:       EdgeKindExternalSource,
		CustomKind: customKind,
		To:         to,
		From:       from,
	})
}

// UpdateExternalTargetIDs rewrites every ExternalTarget node across every
// partition whose target equals oldID to newID, touching the referencing
// node so Merkle hashes propagate (spec §4.2, node-id moves during
// rebase).
func (g *SplitGraph) UpdateExternalTargetIDs(oldID, newID NodeID) {
	for _, sub := range g.partitions {
		for idx, n := range sub.nodes {
			ni := nodeIndex(idx)
			if sub.tomb[ni] || n.Kind != NodeKindExternalTarget || n.ExternalTarget != oldID {
				continue
			}
			n.ExternalTarget = newID
			sub.nodes[ni] = n
			sub.touch(ni)
			for _, parent := range sub.inEdges[ni] {
				sub.touch(parent)
			}
		}
	}
	if part, ok := g.where[oldID]; ok {
		delete(g.where, oldID)
		g.where[newID] = part
	}
}

// Cleanup runs RemoveExternals to fixpoint across every partition,
// broadcasting removed ids so sibling partitions drop matching
// ExternalSource edges (spec §4.2).
func (g *SplitGraph) Cleanup() {
	for {
		anyRemoved := false
		for _, sub := range g.partitions {
			removed := sub.RemoveExternals()
			if len(removed) == 0 {
				continue
			}
			anyRemoved = true
			for _, id := range removed {
				delete(g.where, id)
				g.removeExternalSourceEdgesFor(id)
			}
		}
		if !anyRemoved {
			return
		}
	}
}

func (g *SplitGraph) removeExternalSourceEdgesFor(removedID NodeID) {
	for _, sub := range g.partitions {
		for idx := range sub.nodes {
			ni := nodeIndex(idx)
			if sub.tomb[ni] {
				continue
			}
			list := sub.outEdges[ni]
			for i := len(list) - 1; i >= 0; i-- {
				if list[i].edge.Kind == EdgeKindExternalSource && list[i].edge.From == removedID {
					to := list[i].to
					sub.outEdges[ni] = append(list[:i], list[i+1:]...)
					sub.removeInEdge(to, ni)
					sub.touch(ni)
				}
			}
		}
	}
}

// AllOutgoingStablyOrdered delegates to the node's owning partition.
func (g *SplitGraph) AllOutgoingStablyOrdered(node NodeID) []NodeID {
	part, ok := g.where[node]
	if !ok {
		return nil
	}
	return g.partition(part).AllOutgoingStablyOrdered(node)
}

// OutgoingEdges delegates to the node's owning partition.
func (g *SplitGraph) OutgoingEdges(node NodeID) []Edge {
	part, ok := g.where[node]
	if !ok {
		return nil
	}
	return g.partition(part).OutgoingEdges(node)
}

// NodeByID looks up a node by logical id, regardless of which partition it
// lives in.
func (g *SplitGraph) NodeByID(id NodeID) (Node, bool) {
	part, ok := g.where[id]
	if !ok {
		return Node{}, false
	}
	return g.partition(part).NodeByID(id)
}

// NodeByLineage returns the live node currently carrying the given lineage
// id, searching every partition.
func (g *SplitGraph) NodeByLineage(lineage NodeID) (NodeID, bool) {
	for _, sub := range g.partitions {
		if id, ok := sub.NodeByLineage(lineage); ok {
			return id, true
		}
	}
	return Nil, false
}

// GraphRoots returns every partition's root node id, in partition-id order.
func (g *SplitGraph) GraphRoots() []NodeID {
	parts := g.Partitions()
	out := make([]NodeID, len(parts))
	for i, p := range parts {
		out[i] = p.RootID()
	}
	return out
}

// RecalculateMerkleTreeHashes recomputes dirty Merkle hashes in every
// partition.
func (g *SplitGraph) RecalculateMerkleTreeHashes() {
	for _, sub := range g.partitions {
		sub.RecalculateMerkleTreeHashBasedOnTouchedNodes()
	}
}

// Address computes the content address of the current SplitGraph state: a
// hash of the tuple of partition roots' Merkle hashes, in partition-id
// order. Callers should call RecalculateMerkleTreeHashes first.
func (g *SplitGraph) Address() WorkspaceSnapshotAddress {
	parts := g.Partitions()
	ids := make([]PartitionID, len(parts))
	roots := make([][32]byte, len(parts))
	for i, p := range parts {
		ids[i] = p.Partition
		roots[i] = p.RootMerkleHash()
	}
	return addressFromRootHashes(ids, roots)
}
