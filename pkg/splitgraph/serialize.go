package splitgraph

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// edgeDoc is one adjacency record in a subgraphDoc: an edge plus the id of
// the node it departs from. Arena indices never appear on the wire.
type edgeDoc struct {
	From NodeID
	Edge Edge
}

// subgraphDoc is the serialization-friendly projection of a SubGraph: every
// live node plus every live edge, in insertion order.
type subgraphDoc struct {
	Partition PartitionID
	Nodes     []Node
	Edges     []edgeDoc
}

func (sg *SubGraph) encode() subgraphDoc {
	doc := subgraphDoc{Partition: sg.Partition}
	for idx, n := range sg.nodes {
		ni := nodeIndex(idx)
		if sg.tomb[ni] {
			continue
		}
		doc.Nodes = append(doc.Nodes, n)
		for _, rec := range sg.outEdges[ni] {
			doc.Edges = append(doc.Edges, edgeDoc{From: n.ID, Edge: rec.edge})
		}
	}
	return doc
}

// decodeSubGraph rebuilds a SubGraph from its wire projection, preserving
// every NodeID and MerkleTreeHash exactly. The returned graph has an empty
// touched set: a freshly loaded snapshot carries already-valid hashes, it is
// not a pending mutation.
func decodeSubGraph(doc subgraphDoc) (*SubGraph, error) {
	sg := &SubGraph{
		Partition:            doc.Partition,
		outEdges:             make(map[nodeIndex][]edgeRecord),
		inEdges:              make(map[nodeIndex][]nodeIndex),
		nodeIndexByID:        make(map[NodeID]nodeIndex),
		nodeIndexesByLineage: make(map[NodeID]map[nodeIndex]struct{}),
		touchedNodes:         make(map[nodeIndex]struct{}),
		root:                 noIndex,
	}
	for _, n := range doc.Nodes {
		idx := sg.insertNode(n)
		if n.Kind == NodeKindSubGraphRoot {
			sg.root = idx
		}
	}
	if sg.root == noIndex {
		return nil, fmt.Errorf("decode subgraph %d: no root node in payload", doc.Partition)
	}
	for _, ed := range doc.Edges {
		if err := sg.AddEdge(ed.From, ed.Edge); err != nil {
			return nil, fmt.Errorf("decode subgraph %d: %w", doc.Partition, err)
		}
	}
	sg.touchedNodes = make(map[nodeIndex]struct{})
	return sg, nil
}

// splitgraphDoc is the full wire payload of a SplitGraph.
type splitgraphDoc struct {
	Config        Config
	Active        PartitionID
	NextPartition PartitionID
	Subgraphs     []subgraphDoc
}

// MarshalBinary encodes the SplitGraph using gob: an internal storage
// format private to this store, not a cross-service wire protocol, so the
// simplicity of encoding/gob outweighs any ecosystem codec.
func (g *SplitGraph) MarshalBinary() ([]byte, error) {
	doc := splitgraphDoc{
		Config:        g.config,
		Active:        g.active,
		NextPartition: g.nextPartition,
	}
	for _, sub := range g.partitions {
		doc.Subgraphs = append(doc.Subgraphs, sub.encode())
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, errors.FailedToWithDetails("marshal split graph", "splitgraph", "", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalSplitGraph decodes a payload produced by MarshalBinary.
func UnmarshalSplitGraph(data []byte) (*SplitGraph, error) {
	var doc splitgraphDoc
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, errors.FailedToWithDetails("unmarshal split graph", "splitgraph", "", err)
	}
	g := &SplitGraph{
		config:        doc.Config,
		active:        doc.Active,
		nextPartition: doc.NextPartition,
		where:         make(map[NodeID]PartitionID),
	}
	for _, subDoc := range doc.Subgraphs {
		sub, err := decodeSubGraph(subDoc)
		if err != nil {
			return nil, err
		}
		g.partitions = append(g.partitions, sub)
		for idx, n := range sub.nodes {
			if sub.tomb[idx] {
				continue
			}
			g.where[n.ID] = sub.Partition
		}
	}
	return g, nil
}
