package splitgraph

import (
	"fmt"
	"strings"
)

// DotDebugString renders the subgraph as a Graphviz dot string, for use in
// tests and an optional debug endpoint. Unlike the original implementation
// this never writes to disk on its own; callers decide where the string
// goes.
func (sg *SubGraph) DotDebugString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph subgraph_%d {\n", sg.Partition)
	for idx, n := range sg.nodes {
		if sg.tomb[idx] {
			continue
		}
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.ID.String(), fmt.Sprintf("%s\\n%s", n.Kind, n.PayloadKind))
	}
	for idx, recs := range sg.outEdges {
		if sg.tomb[idx] {
			continue
		}
		from := sg.nodes[idx]
		for _, rec := range recs {
			to := sg.nodes[rec.to]
			fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", from.ID.String(), to.ID.String(), rec.edge.Kind.String())
		}
	}
	b.WriteString("}\n")
	return b.String()
}
