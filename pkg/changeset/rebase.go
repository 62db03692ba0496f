package changeset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/si-workspace/snapgraph/pkg/changeset/policy"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
	"github.com/si-workspace/snapgraph/pkg/update"
)

// ErrRebaseNeedsApproval is returned by RebaseOnto once the conflict policy
// has deferred a conflicting node to a human reviewer. By the time it is
// returned, cs.Status has already been persisted as StatusNeedsApproval and
// no graph state has changed (spec §4.5: "On failure, no state is mutated
// and the rebase aborts").
var ErrRebaseNeedsApproval = fmt.Errorf("changeset: rebase needs approval")

// conflict pairs a head-branch and own-branch ReplaceNode update that
// touched the same original node revision.
type conflict struct {
	oldID      splitgraph.NodeID
	headUpdate update.Update
	ownUpdate  update.Update
}

// detectConflicts finds nodes both headUpdates and ownUpdates replaced,
// diverging from the same common-ancestor revision (spec §7's "two
// branches modified the same node in incompatible ways").
func detectConflicts(headUpdates, ownUpdates []update.Update) []conflict {
	ownByOld := make(map[splitgraph.NodeID]update.Update, len(ownUpdates))
	for _, u := range ownUpdates {
		if u.Kind == update.KindReplaceNode {
			ownByOld[u.OldID] = u
		}
	}
	var out []conflict
	for _, hu := range headUpdates {
		if hu.Kind != update.KindReplaceNode {
			continue
		}
		if ownU, ok := ownByOld[hu.OldID]; ok {
			out = append(out, conflict{oldID: hu.OldID, headUpdate: hu, ownUpdate: ownU})
		}
	}
	return out
}

// removeReplaceNodeByOldID drops the ReplaceNode update (and only that
// update) for oldID, leaving any NewEdge/RemoveEdge entries the detector
// emitted alongside it untouched. A take-onto resolution is a narrow
// escape hatch for custom policies; it does not attempt to unwind every
// edge consequence of discarding head's revision.
func removeReplaceNodeByOldID(updates []update.Update, oldID splitgraph.NodeID) []update.Update {
	out := make([]update.Update, 0, len(updates))
	for _, u := range updates {
		if u.Kind == update.KindReplaceNode && u.OldID == oldID {
			continue
		}
		out = append(out, u)
	}
	return out
}

func applyUpdate(g *splitgraph.SplitGraph, u update.Update) error {
	switch u.Kind {
	case update.KindNewNode:
		g.AddNode(u.Node)
		return nil
	case update.KindReplaceNode:
		return g.ReplaceNode(u.OldID, u.Node)
	case update.KindNewEdge:
		if err := g.AddEdge(u.From, u.Edge); err != nil {
			return g.AddCrossPartitionEdge(u.From, u.Edge.CustomKind, u.Edge.To)
		}
		return nil
	case update.KindRemoveEdge:
		// A preceding ReplaceNode in the same batch may already have
		// retargeted this edge's parent record onto the node's new id
		// (SubGraph.ReplaceNode keeps edges consistent as it renames), in
		// which case this edge is already gone. Treat that as success: the
		// observable end state either way is "no edge from u.From bearing
		// u.Edge's old target", matching spec §4.5's idempotent-consumer
		// requirement.
		if err := g.RemoveEdge(u.From, u.Edge); err != nil {
			return nil
		}
		return nil
	default:
		return fmt.Errorf("changeset: unknown update kind %v", u.Kind)
	}
}

func (e *Engine) loadGraph(ctx context.Context, addrHex string) (*splitgraph.SplitGraph, error) {
	addr, err := parseAddress(addrHex)
	if err != nil {
		return nil, err
	}
	payload, err := e.snaps.Read(ctx, addr)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "read snapshot %s", addrHex)
	}
	g, err := splitgraph.UnmarshalSplitGraph(payload)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "decode snapshot %s", addrHex)
	}
	return g, nil
}

// RebaseOnto replays everything head gained since cs's common base onto
// cs's own snapshot (spec §4.5). A node touched by both branches is
// resolved through the swappable policy.Engine; the default bundled policy
// always defers, so RebaseOnto returns ErrRebaseNeedsApproval for any
// genuine conflict unless the engine was built with a custom policy.
func (e *Engine) RebaseOnto(ctx context.Context, cs, head *ChangeSet) error {
	if cs.BaseChangeSetID == nil {
		return sgerrors.FailedToWithDetails("rebase onto", "changeset", cs.ID.String(), fmt.Errorf("change set has no base to diff against"))
	}
	base, err := e.loadByID(ctx, *cs.BaseChangeSetID)
	if err != nil {
		return sgerrors.Wrapf(err, "load rebase base change set")
	}

	baseGraph, err := e.loadGraph(ctx, base.SnapshotAddress)
	if err != nil {
		return sgerrors.Wrapf(err, "load base snapshot")
	}
	headGraph, err := e.loadGraph(ctx, head.SnapshotAddress)
	if err != nil {
		return sgerrors.Wrapf(err, "load head snapshot")
	}
	ownGraph, err := e.loadGraph(ctx, cs.SnapshotAddress)
	if err != nil {
		return sgerrors.Wrapf(err, "load change set snapshot")
	}

	metrics.RecordUpdateDetectorCall()
	headUpdates, err := update.Detect(baseGraph, headGraph)
	if err != nil {
		metrics.RecordRebaseError("detect_head_updates")
		return sgerrors.Wrapf(err, "detect head updates")
	}
	metrics.RecordUpdateDetectorCall()
	ownUpdates, err := update.Detect(baseGraph, ownGraph)
	if err != nil {
		metrics.RecordRebaseError("detect_own_updates")
		return sgerrors.Wrapf(err, "detect change set's own updates")
	}

	for _, c := range detectConflicts(headUpdates, ownUpdates) {
		resolution, err := e.policy.Decide(ctx, policy.Input{
			WorkspaceID:  cs.WorkspaceID,
			EntityID:     c.oldID.String(),
			EntityKind:   c.headUpdate.Node.PayloadKind,
			HeadRevision: c.headUpdate.Node.ID.String(),
			OwnRevision:  c.ownUpdate.Node.ID.String(),
		})
		if err != nil {
			metrics.RecordRebaseError("policy_evaluation")
			return sgerrors.Wrapf(err, "evaluate rebase conflict policy")
		}

		switch resolution {
		case policy.ResolutionTakeToRebase:
			// head's edit wins outright; leave it in headUpdates for replay.
		case policy.ResolutionTakeOnto:
			headUpdates = removeReplaceNodeByOldID(headUpdates, c.oldID)
		default:
			if err := e.setStatus(ctx, cs, StatusNeedsApproval); err != nil {
				return err
			}
			metrics.RecordRebase("needs_approval")
			return ErrRebaseNeedsApproval
		}
	}

	for _, u := range headUpdates {
		if err := applyUpdate(ownGraph, u); err != nil {
			metrics.RecordRebaseError("apply_update")
			return sgerrors.Wrapf(err, "apply rebased update")
		}
	}
	ownGraph.Cleanup()
	timer := metrics.NewTimer()
	ownGraph.RecalculateMerkleTreeHashes()
	timer.RecordMerkleRecompute()
	newAddr := ownGraph.Address()

	payload, err := ownGraph.MarshalBinary()
	if err != nil {
		return sgerrors.Wrapf(err, "encode rebased snapshot")
	}
	if err := e.snaps.WriteDiscovery(ctx, newAddr, payload); err != nil {
		return sgerrors.Wrapf(err, "persist rebased snapshot")
	}

	if _, err := e.db.ExecContext(ctx,
		`UPDATE change_sets SET snapshot_address = $1, updated_at = now() WHERE id = $2`,
		newAddr.String(), cs.ID.String(),
	); err != nil {
		return sgerrors.DatabaseError("update change set snapshot address", err)
	}
	cs.SnapshotAddress = newAddr.String()
	metrics.RecordRebase("applied")
	e.log.WithFields(logging.WorkflowFields("rebase_onto", cs.ID.String()).Custom("workspace_id", cs.WorkspaceID).ToLogrus()).
		Info("rebased change set onto head")
	return nil
}

// ApplyToHead atomically swaps workspace_id's head pointer to cs's snapshot
// and queues a commit-style edda update notification (spec §4.5).
func (e *Engine) ApplyToHead(ctx context.Context, cs *ChangeSet) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return sgerrors.DatabaseError("begin apply-to-head transaction", err)
	}
	defer tx.Rollback()

	var previousHead sql.NullString
	if err := tx.GetContext(ctx, &previousHead,
		`SELECT snapshot_address FROM workspace_heads WHERE workspace_id = $1`, cs.WorkspaceID,
	); err != nil && err != sql.ErrNoRows {
		return sgerrors.DatabaseError("read workspace head", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspace_heads (workspace_id, snapshot_address, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (workspace_id) DO UPDATE SET snapshot_address = EXCLUDED.snapshot_address, updated_at = now()`,
		cs.WorkspaceID, cs.SnapshotAddress,
	); err != nil {
		return sgerrors.DatabaseError("advance workspace head", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE change_sets SET status = $1, updated_at = now() WHERE id = $2`,
		string(StatusApplied), cs.ID.String(),
	); err != nil {
		return sgerrors.DatabaseError("mark change set applied", err)
	}

	updateMsg := UpdateRequest{
		WorkspaceID:          cs.WorkspaceID,
		ChangeSetID:          cs.ID.String(),
		FromSnapshotAddress:  previousHead.String,
		ToSnapshotAddress:    cs.SnapshotAddress,
		ChangeBatchAddresses: []string{},
	}
	payload, err := json.Marshal(updateMsg)
	if err != nil {
		return sgerrors.Wrapf(err, "encode apply-to-head update request")
	}
	if err := insertOutbox(ctx, tx, e.eddaSubject(ActionUpdate, cs.WorkspaceID, cs.ID.String()), payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return sgerrors.DatabaseError("commit apply-to-head transaction", err)
	}
	cs.Status = StatusApplied
	metrics.RecordChangeSetCommit()
	return nil
}

// NewChangeSet opens base's child and notifies edda so the MV index can be
// copied forward instead of rebuilt from scratch (spec §4.5).
func (e *Engine) NewChangeSet(ctx context.Context, workspaceID string, base *ChangeSet) (*ChangeSet, error) {
	cs, err := e.Open(ctx, workspaceID, base)
	if err != nil {
		return nil, err
	}

	msg := NewChangeSetNotification{
		WorkspaceID:          cs.WorkspaceID,
		BaseChangeSetID:      base.ID.String(),
		ChangeSetID:          cs.ID.String(),
		ToSnapshotAddress:    cs.SnapshotAddress,
		ChangeBatchAddresses: []string{},
	}
	if err := validate.Struct(msg); err != nil {
		return nil, sgerrors.Wrapf(err, "invalid new change set notification")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode new change set notification")
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sgerrors.DatabaseError("begin new-change-set notify transaction", err)
	}
	defer tx.Rollback()
	if err := insertOutbox(ctx, tx, e.eddaSubject(ActionNewChangeSet, cs.WorkspaceID, cs.ID.String()), payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, sgerrors.DatabaseError("commit new-change-set notify transaction", err)
	}
	return cs, nil
}
