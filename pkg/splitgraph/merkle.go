package splitgraph

// RecalculateMerkleTreeHashBasedOnTouchedNodes performs a DFS post-order
// walk from the subgraph root, recomputing the Merkle hash of any node that
// is in the touched set or has a descendant whose hash changed this pass,
// and clears the touched set on completion. An empty touched set is a
// no-op, which keeps per-commit cost proportional to the subtree actually
// mutated rather than the whole graph.
func (sg *SubGraph) RecalculateMerkleTreeHashBasedOnTouchedNodes() {
	if len(sg.touchedNodes) == 0 {
		return
	}
	visited := make(map[nodeIndex]bool)
	updated := make(map[nodeIndex]bool)
	sg.recomputeFrom(sg.root, visited, updated)
	sg.touchedNodes = make(map[nodeIndex]struct{})
}

// recomputeFrom returns whether node's hash changed during this pass.
func (sg *SubGraph) recomputeFrom(idx nodeIndex, visited, updated map[nodeIndex]bool) bool {
	if visited[idx] {
		return updated[idx]
	}
	visited[idx] = true

	node := sg.nodes[idx]
	childIDs := sg.AllOutgoingStablyOrdered(node.ID)

	anyChildUpdated := false
	acc := hashNode(node)
	for _, childID := range childIDs {
		childIdx, ok := sg.nodeIndexByID[childID]
		if !ok {
			continue
		}
		if sg.recomputeFrom(childIdx, visited, updated) {
			anyChildUpdated = true
		}
		childHash := sg.nodes[childIdx].MerkleTreeHash
		acc = combineHash(acc, childHash, sg.edgeEntropyTo(idx, childIdx))
	}

	_, selfTouched := sg.touchedNodes[idx]
	if selfTouched || anyChildUpdated {
		sg.nodes[idx] = setHash(node, acc)
		updated[idx] = true
		return true
	}
	updated[idx] = false
	return false
}

func setHash(n Node, h [32]byte) Node {
	n.MerkleTreeHash = h
	return n
}

func (sg *SubGraph) edgeEntropyTo(from, to nodeIndex) []byte {
	for _, rec := range sg.outEdges[from] {
		if rec.to == to {
			return rec.edge.entropy()
		}
	}
	return nil
}

// RootMerkleHash returns the subgraph root's current Merkle hash. Callers
// must invoke RecalculateMerkleTreeHashBasedOnTouchedNodes first if nodes
// have been touched since the last recompute.
func (sg *SubGraph) RootMerkleHash() [32]byte {
	return sg.nodes[sg.root].MerkleTreeHash
}
