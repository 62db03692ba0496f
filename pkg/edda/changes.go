package edda

import (
	"context"

	"github.com/si-workspace/snapgraph/pkg/changeset"
)

// categoryOverlayEntityKind and these entity kinds are the ones
// post_process_changes cares about (spec §4.10); all other entity kinds
// pass through untouched.
const (
	entityKindCategoryOverlay = "CategoryOverlay"
	entityKindSchema          = "Schema"
	entityKindSchemaVariant   = "SchemaVariant"
)

// DeduplicateChanges folds changes into an insertion-ordered map keyed by
// (EntityKind, EntityID), with the last MerkleHash for a given key
// winning, then returns them in first-occurrence order (spec §4.10's
// deduplicate_changes, ported from the original's RingMap use).
func DeduplicateChanges(changes []changeset.Change) []changeset.Change {
	type key struct{ kind, id string }

	order := make([]key, 0, len(changes))
	latest := make(map[key]changeset.Change, len(changes))
	for _, c := range changes {
		k := key{c.EntityKind, c.EntityID}
		if _, exists := latest[k]; !exists {
			order = append(order, k)
		}
		latest[k] = c
	}

	out := make([]changeset.Change, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

// SchemaVariantLister resolves the current schema variants of a changed
// Schema, for PostProcessChanges' CategoryOverlay fan-out.
type SchemaVariantLister interface {
	SchemaVariantsOf(ctx context.Context, schemaID string) ([]changeset.Change, error)
}

// PostProcessChanges implements spec §4.10's post_process_changes: if a
// CategoryOverlay change is present, every changed Schema's SchemaVariants
// not already in the batch get a synthetic Change appended (using their
// current Merkle tree hash), so materialized views that depend on
// overlay-derived attributes get rebuilt even though no structural edge
// to them changed.
func PostProcessChanges(ctx context.Context, changes []changeset.Change, schemas SchemaVariantLister) ([]changeset.Change, error) {
	overlayChanged := false
	var changedSchemas []string
	seenSchema := make(map[string]bool)
	changedVariants := make(map[string]bool)

	for _, c := range changes {
		switch c.EntityKind {
		case entityKindCategoryOverlay:
			overlayChanged = true
		case entityKindSchema:
			if !seenSchema[c.EntityID] {
				seenSchema[c.EntityID] = true
				changedSchemas = append(changedSchemas, c.EntityID)
			}
		case entityKindSchemaVariant:
			changedVariants[c.EntityID] = true
		}
	}

	if !overlayChanged {
		return changes, nil
	}

	out := append([]changeset.Change{}, changes...)
	for _, schemaID := range changedSchemas {
		variants, err := schemas.SchemaVariantsOf(ctx, schemaID)
		if err != nil {
			return nil, err
		}
		for _, v := range variants {
			if changedVariants[v.EntityID] {
				continue
			}
			changedVariants[v.EntityID] = true
			out = append(out, v)
		}
	}
	return out, nil
}
