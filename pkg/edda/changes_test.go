package edda

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/si-workspace/snapgraph/pkg/changeset"
)

var _ = Describe("DeduplicateChanges", func() {
	It("keeps first-occurrence order but the last hash for a repeated (kind, id)", func() {
		in := []changeset.Change{
			{EntityKind: "Component", EntityID: "c1", MerkleHash: "h1"},
			{EntityKind: "Component", EntityID: "c2", MerkleHash: "h2"},
			{EntityKind: "Component", EntityID: "c1", MerkleHash: "h1-final"},
		}

		out := DeduplicateChanges(in)

		Expect(out).To(HaveLen(2))
		Expect(out[0].EntityID).To(Equal("c1"))
		Expect(out[0].MerkleHash).To(Equal("h1-final"))
		Expect(out[1].EntityID).To(Equal("c2"))
	})

	It("returns an empty slice for no input", func() {
		Expect(DeduplicateChanges(nil)).To(BeEmpty())
	})
})

type fakeSchemaVariantLister struct {
	variants map[string][]changeset.Change
}

func (f *fakeSchemaVariantLister) SchemaVariantsOf(ctx context.Context, schemaID string) ([]changeset.Change, error) {
	return f.variants[schemaID], nil
}

var _ = Describe("PostProcessChanges", func() {
	It("passes changes through untouched when no CategoryOverlay changed", func() {
		in := []changeset.Change{{EntityKind: "Component", EntityID: "c1", MerkleHash: "h1"}}
		lister := &fakeSchemaVariantLister{}

		out, err := PostProcessChanges(context.Background(), in, lister)

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(in))
	})

	It("fans a CategoryOverlay change out to every changed schema's variants", func() {
		in := []changeset.Change{
			{EntityKind: entityKindCategoryOverlay, EntityID: "overlay1", MerkleHash: "ho"},
			{EntityKind: entityKindSchema, EntityID: "schema1", MerkleHash: "hs"},
		}
		lister := &fakeSchemaVariantLister{
			variants: map[string][]changeset.Change{
				"schema1": {
					{EntityKind: entityKindSchemaVariant, EntityID: "variant1", MerkleHash: "hv1"},
					{EntityKind: entityKindSchemaVariant, EntityID: "variant2", MerkleHash: "hv2"},
				},
			},
		}

		out, err := PostProcessChanges(context.Background(), in, lister)

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(4))
		Expect(out[2].EntityID).To(Equal("variant1"))
		Expect(out[3].EntityID).To(Equal("variant2"))
	})

	It("does not duplicate a variant already present in the batch", func() {
		in := []changeset.Change{
			{EntityKind: entityKindCategoryOverlay, EntityID: "overlay1", MerkleHash: "ho"},
			{EntityKind: entityKindSchema, EntityID: "schema1", MerkleHash: "hs"},
			{EntityKind: entityKindSchemaVariant, EntityID: "variant1", MerkleHash: "hv1-already-here"},
		}
		lister := &fakeSchemaVariantLister{
			variants: map[string][]changeset.Change{
				"schema1": {
					{EntityKind: entityKindSchemaVariant, EntityID: "variant1", MerkleHash: "hv1-stale"},
				},
			},
		}

		out, err := PostProcessChanges(context.Background(), in, lister)

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(3))
		Expect(out[2].MerkleHash).To(Equal("hv1-already-here"))
	})
})
