// Package edda is the per-(workspace, change-set) materialized-view
// indexer (spec §4.10): it consumes an ordered stream of change-set
// requests, compresses bursts of them, dispatches materialized-view
// rebuilds onto a bounded worker pool, and shuts itself down after a
// quiet period. Grounded on
// original_source/lib/edda-server/src/change_set_processor_task.rs.
package edda

// RequestKind is one of the four ChangeSetRequest variants edda's durable
// consumer receives (spec §6's edda.requests subject).
type RequestKind string

const (
	RequestNewChangeSet              RequestKind = "NewChangeSet"
	RequestUpdate                    RequestKind = "Update"
	RequestRebuild                   RequestKind = "Rebuild"
	RequestRebuildChangedDefinitions RequestKind = "RebuildChangedDefinitions"
)

// Request is one ChangeSetRequest message. Not every field is meaningful
// for every Kind: NewChangeSet uses WorkspaceID/BaseChangeSetID/
// ChangeSetID/ToSnapshotAddress/ChangeBatchAddresses; Rebuild and
// RebuildChangedDefinitions only use WorkspaceID/ChangeSetID/
// ToSnapshotAddress.
type Request struct {
	Kind RequestKind

	WorkspaceID string
	ChangeSetID string

	// BaseChangeSetID is the parent change set to copy the MV index from;
	// only meaningful for Kind == RequestNewChangeSet.
	BaseChangeSetID string

	FromSnapshotAddress  string
	ToSnapshotAddress    string
	ChangeBatchAddresses []string
}
