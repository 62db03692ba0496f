// Package splitgraph implements the content-addressed, Merkle-hashed graph
// store at the core of the workspace snapshot: a single-partition SubGraph
// (arena of nodes plus adjacency) and a federating SplitGraph that shards
// nodes across SubGraphs and stitches cross-partition references together
// with ExternalTarget nodes and ExternalSource edges.
//
// Logical identity is always a NodeID (a 128-bit ULID); arena positions
// (nodeIndex) are a local, rebuildable cache, never carried across a
// SubGraph boundary — the same discipline the original "graph in a vector"
// implementation uses, so that serialize/deserialize round-trips don't
// depend on allocation order.
package splitgraph

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NodeID is a 128-bit ULID identifying a node. Two revisions of the same
// logical node (produced by ReplaceNode) may carry different NodeIDs but
// share a LineageID.
type NodeID ulid.ULID

// Nil is the zero NodeID, used as a sentinel for "no node".
var Nil NodeID

func (id NodeID) String() string {
	return ulid.ULID(id).String()
}

// NewNodeID mints a fresh, monotonically-sortable NodeID.
func NewNodeID() NodeID {
	return NodeID(ulid.Make())
}

// ParseNodeID parses the textual form written by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("splitgraph: invalid node id %q: %w", s, err)
	}
	return NodeID(id), nil
}

// NodeKind discriminates the node payload variants from spec §3.
type NodeKind int

const (
	NodeKindCustom NodeKind = iota
	NodeKindSubGraphRoot
	NodeKindGraphRoot
	NodeKindOrdering
	NodeKindExternalTarget
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindCustom:
		return "Custom"
	case NodeKindSubGraphRoot:
		return "SubGraphRoot"
	case NodeKindGraphRoot:
		return "GraphRoot"
	case NodeKindOrdering:
		return "Ordering"
	case NodeKindExternalTarget:
		return "ExternalTarget"
	default:
		return "Unknown"
	}
}

// Node is one vertex of a SubGraph.
type Node struct {
	ID             NodeID
	LineageID      NodeID
	Kind           NodeKind
	Payload        []byte   // Custom node content, opaque to the graph
	PayloadKind    string   // discriminant for Custom payloads (entity kind)
	Order          []NodeID // Ordering node's authoritative child sequence
	ExternalTarget NodeID   // ExternalTarget node's referenced id, other subgraph
	MerkleTreeHash [32]byte
}

// EdgeKind discriminates the edge variants from spec §3. Custom edges carry
// a further domain discriminant (CustomKind); the others are structural.
type EdgeKind int

const (
	EdgeKindCustom EdgeKind = iota
	EdgeKindExternalSource
	EdgeKindOrdering
	EdgeKindOrdinal
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeKindCustom:
		return "Custom"
	case EdgeKindExternalSource:
		return "ExternalSource"
	case EdgeKindOrdering:
		return "Ordering"
	case EdgeKindOrdinal:
		return "Ordinal"
	default:
		return "Unknown"
	}
}

// Edge is one directed arc of a SubGraph, from a node to a node (by id).
type Edge struct {
	Kind          EdgeKind
	CustomKind    string // e.g. "Use", "Prototype", "Configures", "Deployment"
	To            NodeID
	From          NodeID // ExternalSource only: the logical source living in another subgraph
	SourcePayload []byte // ExternalSource only: shadow copy of the originating edge's payload
}

// sameKind reports whether two edges are "the same kind" for the idempotent
// add_edge duplicate check in spec §4.1: Custom edges are equivalent iff
// their CustomKind matches; structural edges are equivalent iff their Kind
// matches.
func (e Edge) sameKind(other Edge) bool {
	if e.Kind != other.Kind {
		return false
	}
	if e.Kind == EdgeKindCustom || e.Kind == EdgeKindExternalSource {
		return e.CustomKind == other.CustomKind
	}
	return true
}

// entropy is the bytes folded into a child's contribution to its parent's
// Merkle hash, beyond the child's own hash: the edge kind/discriminant, so
// that two structurally-identical children reached via different edge
// kinds produce different parent hashes.
func (e Edge) entropy() []byte {
	return append([]byte{byte(e.Kind)}, e.CustomKind...)
}

// hashNode computes H(node_hash || id || ...) for a leaf contribution
// (spec §3's node_hash component, before folding in children).
func hashNode(n Node) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(n.Kind)})
	idBytes := ulid.ULID(n.ID).Bytes()
	h.Write(idBytes[:])
	h.Write(n.Payload)
	h.Write([]byte(n.PayloadKind))
	for _, o := range n.Order {
		ob := ulid.ULID(o).Bytes()
		h.Write(ob[:])
	}
	if n.Kind == NodeKindExternalTarget {
		tb := ulid.ULID(n.ExternalTarget).Bytes()
		h.Write(tb[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// combineHash folds a child's Merkle hash and the traversing edge's entropy
// into an accumulator, producing the next node's hash component.
func combineHash(acc [32]byte, childHash [32]byte, edgeEntropy []byte) [32]byte {
	h := sha256.New()
	h.Write(acc[:])
	h.Write(childHash[:])
	h.Write(edgeEntropy)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// WorkspaceSnapshotAddress is the content address of a full SplitGraph: a
// hash of the tuple of its subgraph roots' Merkle hashes, in subgraph-id
// order.
type WorkspaceSnapshotAddress [32]byte

func (a WorkspaceSnapshotAddress) String() string {
	return fmt.Sprintf("%x", a[:])
}

func addressFromRootHashes(ids []PartitionID, roots [][32]byte) WorkspaceSnapshotAddress {
	h := sha256.New()
	for i, id := range ids {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(id))
		h.Write(idx[:])
		h.Write(roots[i][:])
	}
	var out WorkspaceSnapshotAddress
	copy(out[:], h.Sum(nil))
	return out
}
