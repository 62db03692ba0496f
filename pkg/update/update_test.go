package update

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

func newSingletonGraph() *splitgraph.SplitGraph {
	g, err := splitgraph.New(splitgraph.DefaultConfig())
	Expect(err).NotTo(HaveOccurred())
	return g
}

// clone round-trips g through its wire encoding, producing an independent
// SplitGraph with identical node ids, lineage ids, and Merkle hashes: the
// same "two revisions of one graph" shape as the Rust detector's own
// base_graph.clone() fixtures.
func clone(g *splitgraph.SplitGraph) *splitgraph.SplitGraph {
	data, err := g.MarshalBinary()
	Expect(err).NotTo(HaveOccurred())
	cloned, err := splitgraph.UnmarshalSplitGraph(data)
	Expect(err).NotTo(HaveOccurred())
	return cloned
}

var _ = Describe("Detect", func() {
	Describe("with purely new content added to the newer graph", func() {
		It("emits NewNode followed by the two NewEdges reaching and leaving it", func() {
			from := newSingletonGraph()
			root := from.GraphRoots()[0]

			schema := from.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "Schema"})
			Expect(from.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: schema})).To(Succeed())

			schemaVariant := from.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "SchemaVariant"})
			Expect(from.AddEdge(schema, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: schemaVariant})).To(Succeed())
			from.RecalculateMerkleTreeHashes()

			to := clone(from)
			component := to.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "Component"})
			Expect(to.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: component})).To(Succeed())
			Expect(to.AddEdge(component, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: schemaVariant})).To(Succeed())
			to.RecalculateMerkleTreeHashes()

			updates, err := Detect(from, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(updates).To(HaveLen(3))

			Expect(updates[0].Kind).To(Equal(KindNewNode))
			Expect(updates[0].Node.ID).To(Equal(component))

			Expect(updates[1].Kind).To(Equal(KindNewEdge))
			Expect(updates[1].From).To(Equal(root))
			Expect(updates[1].Edge.To).To(Equal(component))

			Expect(updates[2].Kind).To(Equal(KindNewEdge))
			Expect(updates[2].From).To(Equal(component))
			Expect(updates[2].Edge.To).To(Equal(schemaVariant))
		})
	})

	Describe("with no changes between the two graphs", func() {
		It("returns an empty update list", func() {
			g := newSingletonGraph()
			root := g.GraphRoots()[0]
			child := g.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom})
			Expect(g.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: child})).To(Succeed())
			g.RecalculateMerkleTreeHashes()

			to := clone(g)
			updates, err := Detect(g, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(updates).To(BeEmpty())
		})
	})

	Describe("with an edge removed in the newer graph", func() {
		It("emits a RemoveEdge", func() {
			from := newSingletonGraph()
			root := from.GraphRoots()[0]
			a := from.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "A"})
			Expect(from.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: a})).To(Succeed())
			b := from.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "B"})
			Expect(from.AddEdge(a, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: b})).To(Succeed())
			from.RecalculateMerkleTreeHashes()

			to := clone(from)
			Expect(to.RemoveEdge(a, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: b})).To(Succeed())
			to.RecalculateMerkleTreeHashes()

			updates, err := Detect(from, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(updates).To(ContainElement(Update{
				Kind: KindRemoveEdge,
				From: a,
				Edge: splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: b},
			}))
		})
	})

	Describe("with a node replaced under the same lineage", func() {
		It("emits ReplaceNode, a RemoveEdge for the old revision, and a NewEdge for the new one", func() {
			from := newSingletonGraph()
			root := from.GraphRoots()[0]
			oldRev := from.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, Payload: []byte("v1")})
			Expect(from.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: oldRev})).To(Succeed())
			from.RecalculateMerkleTreeHashes()

			to := clone(from)
			newRev := splitgraph.NewNodeID()
			Expect(to.ReplaceNode(oldRev, splitgraph.Node{ID: newRev, Kind: splitgraph.NodeKindCustom, Payload: []byte("v2")})).NotTo(HaveOccurred())
			to.RecalculateMerkleTreeHashes()

			updates, err := Detect(from, to)
			Expect(err).NotTo(HaveOccurred())

			var sawReplace, sawNewEdge, sawRemoveEdge bool
			for _, u := range updates {
				switch u.Kind {
				case KindReplaceNode:
					Expect(u.OldID).To(Equal(oldRev))
					Expect(u.Node.ID).To(Equal(newRev))
					sawReplace = true
				case KindNewEdge:
					Expect(u.Edge.To).To(Equal(newRev))
					sawNewEdge = true
				case KindRemoveEdge:
					Expect(u.Edge.To).To(Equal(oldRev))
					sawRemoveEdge = true
				}
			}
			Expect(sawReplace).To(BeTrue())
			Expect(sawNewEdge).To(BeTrue())
			Expect(sawRemoveEdge).To(BeTrue())
		})
	})
})
