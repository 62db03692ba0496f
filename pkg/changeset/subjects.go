package changeset

import "fmt"

// Edda request actions, matching the ChangeSetRequest variants consumed by
// pkg/edda's durable `edda-change-set-processor` consumer (spec §6).
const (
	ActionUpdate       = "Update"
	ActionNewChangeSet = "NewChangeSet"
)

// UpdateRequest notifies edda of a new snapshot reachable from from, along
// with the change batches that produced it (spec §4.5 bullet 1).
type UpdateRequest struct {
	WorkspaceID          string   `json:"workspace_id" validate:"required"`
	ChangeSetID          string   `json:"change_set_id" validate:"required"`
	FromSnapshotAddress  string   `json:"from_snapshot_address"`
	ToSnapshotAddress    string   `json:"to_snapshot_address" validate:"required"`
	ChangeBatchAddresses []string `json:"change_batch_addresses"`
}

// NewChangeSetNotification lets edda reuse a parent change set's MV index
// for a freshly opened one instead of rebuilding it from scratch (spec
// §4.5 bullet `new_change_set`).
type NewChangeSetNotification struct {
	WorkspaceID          string   `json:"workspace_id" validate:"required"`
	BaseChangeSetID      string   `json:"base_change_set_id" validate:"required"`
	ChangeSetID          string   `json:"change_set_id" validate:"required"`
	ToSnapshotAddress    string   `json:"to_snapshot_address" validate:"required"`
	ChangeBatchAddresses []string `json:"change_batch_addresses"`
}

// DependentValueUpdateSignal is the second outbox message a Commit queues:
// the set of AttributeValue entities the attribute engine's dependent-value
// queue (pkg/attribute) needs to recompute.
type DependentValueUpdateSignal struct {
	WorkspaceID       string   `json:"workspace_id" validate:"required"`
	ChangeSetID       string   `json:"change_set_id" validate:"required"`
	AttributeValueIDs []string `json:"attribute_value_ids"`
}

func (e *Engine) eddaSubject(action, workspaceID, changeSetID string) string {
	return e.subject(fmt.Sprintf("edda.requests.%s.%s.%s", action, workspaceID, changeSetID))
}

func (e *Engine) dvuSubject(workspaceID, changeSetID string) string {
	return e.subject(fmt.Sprintf("attribute.dvu.%s.%s", workspaceID, changeSetID))
}

func (e *Engine) subject(rest string) string {
	if e.subjectPrefix == "" {
		return rest
	}
	return e.subjectPrefix + "." + rest
}
