package suggestion

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/si-workspace/snapgraph/pkg/attribute"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

type fakeRegistry struct {
	components []ComponentInfo
	props      map[string][]PropDecl // schema variant id -> prop decls
}

func (r *fakeRegistry) ListComponents(ctx context.Context) ([]ComponentInfo, error) {
	return r.components, nil
}

func (r *fakeRegistry) PropsForSchemaVariant(ctx context.Context, schemaVariantID string) ([]PropDecl, error) {
	return r.props[schemaVariantID], nil
}

func newGraph() *splitgraph.SplitGraph {
	g, err := splitgraph.New(splitgraph.DefaultConfig())
	Expect(err).NotTo(HaveOccurred())
	return g
}

func addLiteral(g *splitgraph.SplitGraph, componentID, propPath, jsonValue string) splitgraph.NodeID {
	n, err := attribute.NewLiteral(componentID, propPath, []byte(jsonValue))
	Expect(err).NotTo(HaveOccurred())
	g.AddNode(n)
	return n.ID
}

var _ = Describe("Autosubscribe", func() {
	It("creates exactly one subscription for an unambiguous match (spec scenario 3)", func() {
		g := newGraph()
		addLiteral(g, "server-1", "/si/name", `"web-1"`)
		addLiteral(g, "deployment-1", "/si/instance_name", `"web-1"`)

		reg := &fakeRegistry{
			components: []ComponentInfo{
				{ComponentID: "server-1", SchemaName: "Server", SchemaVariantID: "sv-server"},
				{ComponentID: "deployment-1", SchemaName: "Deployment", SchemaVariantID: "sv-deployment"},
			},
			props: map[string][]PropDecl{
				"sv-deployment": {
					{Path: "/si/instance_name", SuggestSources: []PropSuggestion{{Schema: "Server", Prop: "/si/name"}}},
				},
			},
		}
		cache := NewCache()
		Expect(cache.Populate(context.Background(), reg)).To(Succeed())

		result, err := Autosubscribe(context.Background(), g, cache, "deployment-1", "Deployment", "sv-deployment")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Successful).To(HaveLen(1))
		Expect(result.Conflicts).To(BeEmpty())
		Expect(result.Successful[0].MatchedValue).To(Equal(`"web-1"`))
	})

	It("records a conflict when multiple sources match (spec scenario 4)", func() {
		g := newGraph()
		addLiteral(g, "server-1", "/si/name", `"web-1"`)
		addLiteral(g, "server-2", "/si/name", `"web-1"`)
		addLiteral(g, "deployment-1", "/si/instance_name", `"web-1"`)

		reg := &fakeRegistry{
			components: []ComponentInfo{
				{ComponentID: "server-1", SchemaName: "Server", SchemaVariantID: "sv-server"},
				{ComponentID: "server-2", SchemaName: "Server", SchemaVariantID: "sv-server"},
				{ComponentID: "deployment-1", SchemaName: "Deployment", SchemaVariantID: "sv-deployment"},
			},
			props: map[string][]PropDecl{
				"sv-deployment": {
					{Path: "/si/instance_name", SuggestSources: []PropSuggestion{{Schema: "Server", Prop: "/si/name"}}},
				},
			},
		}
		cache := NewCache()
		Expect(cache.Populate(context.Background(), reg)).To(Succeed())

		result, err := Autosubscribe(context.Background(), g, cache, "deployment-1", "Deployment", "sv-deployment")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Successful).To(BeEmpty())
		Expect(result.Conflicts).To(HaveLen(1))
		Expect(result.Conflicts[0].Matches).To(HaveLen(2))
	})

	It("matches through a reverse suggestAsSourceFor declaration", func() {
		g := newGraph()
		addLiteral(g, "server-1", "/si/name", `"web-1"`)
		addLiteral(g, "deployment-1", "/si/instance_name", `"web-1"`)

		reg := &fakeRegistry{
			components: []ComponentInfo{
				{ComponentID: "server-1", SchemaName: "Server", SchemaVariantID: "sv-server"},
				{ComponentID: "deployment-1", SchemaName: "Deployment", SchemaVariantID: "sv-deployment"},
			},
			props: map[string][]PropDecl{
				"sv-server": {
					{Path: "/si/name", SuggestAsSourceFor: []PropSuggestion{{Schema: "Deployment", Prop: "/si/instance_name"}}},
				},
			},
		}
		cache := NewCache()
		Expect(cache.Populate(context.Background(), reg)).To(Succeed())

		result, err := Autosubscribe(context.Background(), g, cache, "deployment-1", "Deployment", "sv-deployment")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Successful).To(HaveLen(1))
	})

	It("returns no matches when values differ", func() {
		g := newGraph()
		addLiteral(g, "server-1", "/si/name", `"web-2"`)
		addLiteral(g, "deployment-1", "/si/instance_name", `"web-1"`)

		reg := &fakeRegistry{
			components: []ComponentInfo{
				{ComponentID: "server-1", SchemaName: "Server", SchemaVariantID: "sv-server"},
				{ComponentID: "deployment-1", SchemaName: "Deployment", SchemaVariantID: "sv-deployment"},
			},
			props: map[string][]PropDecl{
				"sv-deployment": {
					{Path: "/si/instance_name", SuggestSources: []PropSuggestion{{Schema: "Server", Prop: "/si/name"}}},
				},
			},
		}
		cache := NewCache()
		Expect(cache.Populate(context.Background(), reg)).To(Succeed())

		result, err := Autosubscribe(context.Background(), g, cache, "deployment-1", "Deployment", "sv-deployment")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Successful).To(BeEmpty())
		Expect(result.Conflicts).To(BeEmpty())
	})
})
