package edda

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/si-workspace/snapgraph/pkg/frigg"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/tracing"
	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/snapshot"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// MVDefinition renders one materialized-view kind off a source entity's
// Custom-node payload. Checksum changes whenever Render's logic changes;
// RebuildChangedDefinitions compares it against the checksum stamped into
// the last build to decide whether a kind needs rebuilding at all (spec
// §4.10's "pre-filters MV kinds whose definition checksum is unchanged").
type MVDefinition struct {
	Kind       string
	EntityKind string
	Checksum   string
	Render     func(entityID string, payload gjson.Result) ([]byte, error)
}

// Registry is the statically registered entity_kind -> [mv_kind] dispatch
// table spec §4.10 calls for. Grounded on the attribute engine's own
// gjson-based payload reading (pkg/attribute/attribute.go) rather than inventing a
// second decoding convention for entity payloads.
type Registry struct {
	byEntityKind map[string][]MVDefinition
	byMVKind     map[string]MVDefinition
}

// NewRegistry builds a Registry from a flat list of definitions. Panics on
// a duplicate MV kind, since the dispatch table is assembled once at
// process startup from a fixed literal list, not from user input.
func NewRegistry(defs ...MVDefinition) *Registry {
	r := &Registry{byEntityKind: map[string][]MVDefinition{}, byMVKind: map[string]MVDefinition{}}
	for _, d := range defs {
		if _, exists := r.byMVKind[d.Kind]; exists {
			panic("edda: duplicate mv kind registered: " + d.Kind)
		}
		r.byMVKind[d.Kind] = d
		r.byEntityKind[d.EntityKind] = append(r.byEntityKind[d.EntityKind], d)
	}
	return r
}

// MVKindsFor implements MVBuilder's registry lookup.
func (r *Registry) MVKindsFor(entityKind string) []string {
	defs := r.byEntityKind[entityKind]
	if len(defs) == 0 {
		return nil
	}
	kinds := make([]string, len(defs))
	for i, d := range defs {
		kinds[i] = d.Kind
	}
	return kinds
}

// Broadcaster publishes one MV build's outcome downstream on the
// per-change-set edda.updates subject (spec §6): either a full replacement
// document or a JSON merge patch (RFC 7396, computed with
// evanphx/json-patch) against the document previously stored for the same
// (mv_kind, entity_id).
type Broadcaster interface {
	PublishFullIndex(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string, document []byte) error
	PublishPatch(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string, baseSnapshotAddress string, patch []byte) error
}

// mvRecord is what DefaultBuilder actually stores in frigg: the rendered
// document plus the snapshot address it was rendered from, so the next
// build can name that address as a patch's base.
type mvRecord struct {
	SnapshotAddress string          `json:"snapshot_address"`
	Document        json.RawMessage `json:"document"`
}

// DefaultBuilder is the grounded MVBuilder implementation: it reads a
// node's Custom payload out of the snapshot at to_snapshot_address,
// renders it through the Registry's definition for the requested mv_kind,
// and persists + broadcasts either the full document (first build for that
// key) or a merge patch against the last one stored in frigg.
type DefaultBuilder struct {
	snaps   *snapshot.Store
	index   *frigg.Store
	reg     *Registry
	publish Broadcaster
}

// NewDefaultBuilder wires a DefaultBuilder over the snapshot store, the
// frigg index store, the MV registry, and a downstream Broadcaster.
func NewDefaultBuilder(snaps *snapshot.Store, index *frigg.Store, reg *Registry, publish Broadcaster) *DefaultBuilder {
	return &DefaultBuilder{snaps: snaps, index: index, reg: reg, publish: publish}
}

func (b *DefaultBuilder) MVKindsFor(entityKind string) []string {
	return b.reg.MVKindsFor(entityKind)
}

func (b *DefaultBuilder) loadGraph(ctx context.Context, toSnapshotAddress string) (*splitgraph.SplitGraph, error) {
	addr, err := parseSnapshotAddress(toSnapshotAddress)
	if err != nil {
		return nil, err
	}
	payload, err := b.snaps.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	return splitgraph.UnmarshalSplitGraph(payload)
}

// Build renders and stores one (mv_kind, entity_id) document as of
// toSnapshotAddress. A missing mv_kind in the registry or a since-removed
// entity is treated as a no-op: the change that scheduled this job may
// have raced a later removal of the same entity, and there is nothing
// meaningful left to index.
func (b *DefaultBuilder) Build(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress, mvKind, entityID string) (err error) {
	def, ok := b.reg.byMVKind[mvKind]
	if !ok {
		return nil
	}

	ctx, span := tracing.Start(ctx, "edda.Build",
		attribute.String("mv_kind", mvKind), attribute.String("entity_id", entityID))
	defer tracing.End(span, &err)

	g, err := b.loadGraph(ctx, toSnapshotAddress)
	if err != nil {
		return err
	}
	id, err := splitgraph.ParseNodeID(entityID)
	if err != nil {
		return err
	}
	node, ok := g.NodeByID(id)
	if !ok {
		return nil
	}

	doc, err := def.Render(entityID, gjson.ParseBytes(node.Payload))
	if err != nil {
		return err
	}

	prevRaw, hasPrev, err := b.index.GetMV(ctx, workspaceID, changeSetID, mvKind, entityID)
	if err != nil {
		return err
	}

	record := mvRecord{SnapshotAddress: toSnapshotAddress, Document: doc}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := b.index.PutMV(ctx, workspaceID, changeSetID, mvKind, entityID, recordBytes); err != nil {
		return err
	}
	if err := b.markInIndex(ctx, workspaceID, changeSetID, mvKind, entityID, def.Checksum); err != nil {
		return err
	}

	if !hasPrev {
		return b.publish.PublishFullIndex(ctx, workspaceID, changeSetID, mvKind, entityID, doc)
	}

	var prev mvRecord
	if err := json.Unmarshal(prevRaw, &prev); err != nil {
		// Not a record we wrote (or a pre-migration layout); fall back to a
		// full index rather than failing the build outright.
		return b.publish.PublishFullIndex(ctx, workspaceID, changeSetID, mvKind, entityID, doc)
	}

	patch, err := jsonpatch.CreateMergePatch(prev.Document, doc)
	if err != nil {
		return err
	}
	if string(patch) == "{}" {
		return nil
	}
	return b.publish.PublishPatch(ctx, workspaceID, changeSetID, mvKind, entityID, prev.SnapshotAddress, patch)
}

// BuildAll rebuilds every registered (mv_kind, entity_id) pair reachable
// in the snapshot at toSnapshotAddress. When reason names a selective
// rebuild, mv kinds whose definition checksum has not changed since the
// last recorded build are skipped (spec §4.10's RebuildChangedDefinitions).
func (b *DefaultBuilder) BuildAll(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress, reason string) error {
	selective := reason == reasonSelectiveRebuild
	g, err := b.loadGraph(ctx, toSnapshotAddress)
	if err != nil {
		return err
	}

	for _, sg := range g.Partitions() {
		for _, id := range sg.AllNodeIDs() {
			node, ok := sg.NodeByID(id)
			if !ok || node.Kind != splitgraph.NodeKindCustom {
				continue
			}
			for _, mvKind := range b.reg.MVKindsFor(node.PayloadKind) {
				if selective {
					changed, err := b.definitionChanged(ctx, workspaceID, changeSetID, mvKind)
					if err != nil {
						return err
					}
					if !changed {
						continue
					}
				}
				if err := b.Build(ctx, workspaceID, changeSetID, toSnapshotAddress, mvKind, id.String()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

const reasonSelectiveRebuild = "selective rebuild based on definition checksums"

// checksumIndexKind is the synthetic mv_kind under which DefaultBuilder
// stashes the last-built checksum for every real mv_kind, reusing frigg's
// existing (workspace, change_set, mv_kind, entity_id) key shape instead of
// adding a fifth store just for this.
const checksumIndexKind = "_edda_mv_checksum"

func (b *DefaultBuilder) markInIndex(ctx context.Context, workspaceID, changeSetID, mvKind, entityID, checksum string) error {
	blob, _, err := b.index.GetChangeSetIndex(ctx, workspaceID, changeSetID)
	if err != nil {
		return err
	}
	idx := map[string]bool{}
	if len(blob) > 0 {
		_ = json.Unmarshal(blob, &idx)
	}
	idx[mvKind+"/"+entityID] = true
	updated, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := b.index.PutChangeSetIndex(ctx, workspaceID, changeSetID, updated); err != nil {
		return err
	}
	return b.index.PutMV(ctx, workspaceID, changeSetID, checksumIndexKind, mvKind, []byte(checksum))
}

func (b *DefaultBuilder) definitionChanged(ctx context.Context, workspaceID, changeSetID, mvKind string) (bool, error) {
	def, ok := b.reg.byMVKind[mvKind]
	if !ok {
		return false, nil
	}
	stored, ok, err := b.index.GetMV(ctx, workspaceID, changeSetID, checksumIndexKind, mvKind)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return string(stored) != def.Checksum, nil
}

func parseSnapshotAddress(s string) (splitgraph.WorkspaceSnapshotAddress, error) {
	var addr splitgraph.WorkspaceSnapshotAddress
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, sgerrors.ValidationError("snapshot_address", "must be a hex-encoded address")
	}
	if len(b) != len(addr) {
		return addr, sgerrors.ValidationError("snapshot_address", fmt.Sprintf("must be %d bytes, got %d", len(addr), len(b)))
	}
	copy(addr[:], b)
	return addr, nil
}
