package attribute

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

func newGraph() *splitgraph.SplitGraph {
	g, err := splitgraph.New(splitgraph.DefaultConfig())
	Expect(err).NotTo(HaveOccurred())
	return g
}

var _ = Describe("Literal attribute values", func() {
	It("round-trips through Decode", func() {
		n, err := NewLiteral("comp-a", "/si/name", []byte(`"web-1"`))
		Expect(err).NotTo(HaveOccurred())

		v, err := Decode(n)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.ComponentID).To(Equal("comp-a"))
		Expect(v.PropPath).To(Equal("/si/name"))
		Expect(v.Kind).To(Equal(ValueKindLiteral))
		Expect(v.Value.String()).To(Equal("web-1"))
	})

	It("rejects a non-AttributeValue node", func() {
		_, err := Decode(splitgraph.Node{PayloadKind: "Component"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("FindAttributeValue / ValidateSubscriptionTarget", func() {
	var g *splitgraph.SplitGraph

	BeforeEach(func() {
		g = newGraph()
	})

	It("finds an AV by (component, prop path)", func() {
		n, err := NewLiteral("comp-a", "/si/name", []byte(`"web-1"`))
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(n)

		id, ok := FindAttributeValue(g, "comp-a", "/si/name")
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(n.ID))
	})

	It("reports ErrInvalidSubscriptionPath when the target does not resolve", func() {
		_, err := ValidateSubscriptionTarget(g, "comp-a", "/si/does-not-exist")
		Expect(err).To(MatchError(ErrInvalidSubscriptionPath))
	})

	It("validates an existing target", func() {
		n, err := NewLiteral("comp-a", "/si/name", []byte(`"web-1"`))
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(n)

		id, err := ValidateSubscriptionTarget(g, "comp-a", "/si/name")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(n.ID))
	})
})

var _ = Describe("CreateSubscription", func() {
	var g *splitgraph.SplitGraph
	var source, target splitgraph.Node

	BeforeEach(func() {
		g = newGraph()
		var err error
		source, err = NewLiteral("server", "/si/name", []byte(`"web-1"`))
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(source)
		target, err = NewSubscription("deployment", "/si/instance_name", source.ID, "")
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(target)
	})

	It("rejects a transform with arity greater than one", func() {
		err := CreateSubscription(g, target.ID, source.ID, 2)
		Expect(err).To(MatchError(ErrTransformArity))
	})

	It("rejects a subscription to a node that doesn't exist", func() {
		err := CreateSubscription(g, target.ID, splitgraph.NewNodeID(), 1)
		Expect(err).To(MatchError(ErrInvalidSubscriptionPath))
	})

	It("adds a Subscription edge for a valid single-argument transform", func() {
		err := CreateSubscription(g, target.ID, source.ID, 1)
		Expect(err).NotTo(HaveOccurred())

		edges := g.OutgoingEdges(target.ID)
		Expect(edges).To(ContainElement(splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: source.ID}))
	})
})

var _ = Describe("Dependent-value queue", func() {
	var g *splitgraph.SplitGraph

	BeforeEach(func() {
		g = newGraph()
	})

	It("enqueues and drains roots", func() {
		q := NewQueue()
		id := splitgraph.NewNodeID()
		q.Enqueue(id)
		Expect(q.Len()).To(Equal(1))
		drained := q.Drain()
		Expect(drained).To(ConsistOf(id))
		Expect(q.Len()).To(BeZero())
	})

	It("recomputes a chain of subscriptions in source-before-reader order", func() {
		a, err := NewLiteral("comp", "/a", []byte(`1`))
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(a)
		b, err := NewSubscription("comp", "/b", a.ID, "")
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(b)
		Expect(g.AddEdge(b.ID, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: a.ID})).To(Succeed())
		c, err := NewSubscription("comp", "/c", b.ID, "")
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(c)
		Expect(g.AddEdge(c.ID, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: b.ID})).To(Succeed())

		var seen []splitgraph.NodeID
		results, err := ProcessQueue(context.Background(), g, []splitgraph.NodeID{a.ID}, func(_ context.Context, v View) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		})
		Expect(err).NotTo(HaveOccurred())
		for _, r := range results {
			seen = append(seen, r.AttributeValueID)
		}
		Expect(seen).To(Equal([]splitgraph.NodeID{a.ID, b.ID, c.ID}))
	})

	It("reports CycleDetected for a subscription cycle", func() {
		x, err := NewSubscription("comp", "/x", splitgraph.Nil, "")
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(x)
		y, err := NewSubscription("comp", "/y", x.ID, "")
		Expect(err).NotTo(HaveOccurred())
		g.AddNode(y)
		Expect(g.AddEdge(y.ID, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: x.ID})).To(Succeed())
		Expect(g.AddEdge(x.ID, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: SubscriptionEdgeKind, To: y.ID})).To(Succeed())

		_, err = ProcessQueue(context.Background(), g, []splitgraph.NodeID{x.ID}, func(_ context.Context, v View) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		})
		var cycleErr *CycleError
		Expect(err).To(BeAssignableToTypeOf(cycleErr))
	})
})
