// Package changeset implements the change-set engine (spec §4.5): a
// workspace's branch-and-merge layer over the content-addressed snapshot
// store in pkg/snapshot. A ChangeSet clones a base snapshot address, takes
// mutations through Commit, folds head's progress back in through
// RebaseOnto, and finally lands on a workspace's head through ApplyToHead.
//
// Every write that must reach NATS alongside a Postgres commit goes through
// the outbox table (outbox.go): the transaction writes the row, a separate
// Relay goroutine publishes it and marks it sent, so a crash between commit
// and publish just delays delivery instead of losing or duplicating it.
package changeset

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/si-workspace/snapgraph/pkg/changeset/policy"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/tracing"
	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
	"github.com/si-workspace/snapgraph/pkg/snapshot"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
	"github.com/si-workspace/snapgraph/pkg/update"
)

var validate = validator.New()

// ErrChangeSetNotFound is returned when a referenced change set row does
// not exist.
var ErrChangeSetNotFound = fmt.Errorf("changeset: not found")

// Status is a ChangeSet's lifecycle state (spec §4.5).
type Status string

const (
	StatusOpen          Status = "open"
	StatusNeedsApproval Status = "needs_approval"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusApplied       Status = "applied"
	StatusAbandoned     Status = "abandoned"
)

// ChangeSetID identifies a ChangeSet.
type ChangeSetID uuid.UUID

// NewChangeSetID mints a fresh random ChangeSetID.
func NewChangeSetID() ChangeSetID {
	return ChangeSetID(uuid.New())
}

// ParseChangeSetID parses the textual form written by String.
func ParseChangeSetID(s string) (ChangeSetID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ChangeSetID{}, sgerrors.ValidationError("change_set_id", "must be a valid uuid")
	}
	return ChangeSetID(id), nil
}

func (id ChangeSetID) String() string {
	return uuid.UUID(id).String()
}

// ChangeSet is a workspace's branch: a status plus the address of the
// snapshot it currently points at.
type ChangeSet struct {
	ID              ChangeSetID
	WorkspaceID     string
	BaseChangeSetID *ChangeSetID
	Status          Status
	SnapshotAddress string // hex-encoded splitgraph.WorkspaceSnapshotAddress
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// changeSetRow is the sqlx scan target for the change_sets table; ChangeSet
// itself carries Go-native id/address types that don't map directly onto
// driver-supported column types.
type changeSetRow struct {
	ID              string         `db:"id"`
	WorkspaceID     string         `db:"workspace_id"`
	BaseChangeSetID sql.NullString `db:"base_change_set_id"`
	Status          string         `db:"status"`
	SnapshotAddress string         `db:"snapshot_address"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r changeSetRow) toDomain() (*ChangeSet, error) {
	id, err := ParseChangeSetID(r.ID)
	if err != nil {
		return nil, err
	}
	cs := &ChangeSet{
		ID:              id,
		WorkspaceID:     r.WorkspaceID,
		Status:          Status(r.Status),
		SnapshotAddress: r.SnapshotAddress,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.BaseChangeSetID.Valid {
		baseID, err := ParseChangeSetID(r.BaseChangeSetID.String)
		if err != nil {
			return nil, err
		}
		cs.BaseChangeSetID = &baseID
	}
	return cs, nil
}

// Change names one entity a commit touched (spec §4.5's ChangeBatch
// entries).
type Change struct {
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	MerkleHash string `json:"merkle_hash"`
}

// ChangeBatch is the content-addressed record of everything a single
// Commit or RebaseOnto call changed.
type ChangeBatch struct {
	Address string   `json:"address"`
	Changes []Change `json:"changes"`
}

// Mutation edits an in-memory copy of a change set's snapshot. Commit
// applies a sequence of these before recomputing Merkle hashes and writing
// the result as a new snapshot (spec §4.5).
type Mutation func(*splitgraph.SplitGraph) error

// Engine is the change-set operations surface: Open, Commit, RebaseOnto,
// ApplyToHead, NewChangeSet.
type Engine struct {
	db            *sqlx.DB
	snaps         *snapshot.Store
	policy        *policy.Engine
	subjectPrefix string
	log           *logrus.Logger
}

// NewEngine wires a change-set Engine over a Postgres handle, the snapshot
// store, and a rebase conflict policy. subjectPrefix is prepended to every
// NATS subject this engine's outbox rows publish to (empty for none).
func NewEngine(db *sqlx.DB, snaps *snapshot.Store, policyEngine *policy.Engine, subjectPrefix string, log *logrus.Logger) *Engine {
	return &Engine{db: db, snaps: snaps, policy: policyEngine, subjectPrefix: subjectPrefix, log: log}
}

// Open clones base's snapshot address into a fresh, StatusOpen ChangeSet. A
// nil base opens the first change set of a new workspace, against a freshly
// minted empty snapshot.
func (e *Engine) Open(ctx context.Context, workspaceID string, base *ChangeSet) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:          NewChangeSetID(),
		WorkspaceID: workspaceID,
		Status:      StatusOpen,
	}

	if base != nil {
		baseID := base.ID
		cs.BaseChangeSetID = &baseID
		cs.SnapshotAddress = base.SnapshotAddress
	} else {
		addr, payload, err := emptySnapshot()
		if err != nil {
			return nil, sgerrors.Wrapf(err, "create empty snapshot")
		}
		if err := e.snaps.WriteDiscovery(ctx, addr, payload); err != nil {
			return nil, sgerrors.Wrapf(err, "persist empty snapshot")
		}
		cs.SnapshotAddress = addr.String()
	}

	var baseIDValue sql.NullString
	if cs.BaseChangeSetID != nil {
		baseIDValue = sql.NullString{String: cs.BaseChangeSetID.String(), Valid: true}
	}
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO change_sets (id, workspace_id, base_change_set_id, status, snapshot_address) VALUES ($1, $2, $3, $4, $5)`,
		cs.ID.String(), cs.WorkspaceID, baseIDValue, string(cs.Status), cs.SnapshotAddress,
	); err != nil {
		return nil, sgerrors.DatabaseError("insert change set", err)
	}
	return cs, nil
}

func emptySnapshot() (splitgraph.WorkspaceSnapshotAddress, []byte, error) {
	var zero splitgraph.WorkspaceSnapshotAddress
	g, err := splitgraph.New(splitgraph.DefaultConfig())
	if err != nil {
		return zero, nil, err
	}
	g.RecalculateMerkleTreeHashes()
	payload, err := g.MarshalBinary()
	if err != nil {
		return zero, nil, err
	}
	return g.Address(), payload, nil
}

// Commit applies mutations to an in-memory copy of cs's snapshot, persists
// the result, and atomically queues the edda update request and dependent
// value update signal in the outbox (spec §4.5).
func (e *Engine) Commit(ctx context.Context, cs *ChangeSet, mutations []Mutation) (result *ChangeBatch, err error) {
	ctx, span := tracing.Start(ctx, "changeset.Commit", attribute.String("change_set_id", cs.ID.String()))
	defer tracing.End(span, &err)

	fromAddr, err := parseAddress(cs.SnapshotAddress)
	if err != nil {
		return nil, err
	}
	payload, err := e.snaps.Read(ctx, fromAddr)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "read change set snapshot")
	}

	fromGraph, err := splitgraph.UnmarshalSplitGraph(payload)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "decode change set snapshot")
	}
	toGraph, err := splitgraph.UnmarshalSplitGraph(payload)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "decode change set snapshot")
	}

	for _, m := range mutations {
		if err := m(toGraph); err != nil {
			return nil, sgerrors.Wrapf(err, "apply change-set mutation")
		}
	}
	toGraph.Cleanup()
	timer := metrics.NewTimer()
	toGraph.RecalculateMerkleTreeHashes()
	timer.RecordMerkleRecompute()
	toAddr := toGraph.Address()

	toPayload, err := toGraph.MarshalBinary()
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode new snapshot")
	}
	if err := e.snaps.WriteDiscovery(ctx, toAddr, toPayload); err != nil {
		return nil, sgerrors.Wrapf(err, "persist new snapshot")
	}

	metrics.RecordUpdateDetectorCall()
	updates, err := update.Detect(fromGraph, toGraph)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "detect updates for change batch")
	}
	batch := buildChangeBatch(updates)

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sgerrors.DatabaseError("begin commit transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE change_sets SET snapshot_address = $1, updated_at = now() WHERE id = $2`,
		toAddr.String(), cs.ID.String(),
	); err != nil {
		return nil, sgerrors.DatabaseError("update change set snapshot address", err)
	}

	changesJSON, err := json.Marshal(batch.Changes)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode change batch")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_batches (address, change_set_id, changes) VALUES ($1, $2, $3)`,
		batch.Address, cs.ID.String(), changesJSON,
	); err != nil {
		return nil, sgerrors.DatabaseError("insert change batch", err)
	}

	updateMsg := UpdateRequest{
		WorkspaceID:          cs.WorkspaceID,
		ChangeSetID:          cs.ID.String(),
		FromSnapshotAddress:  fromAddr.String(),
		ToSnapshotAddress:    toAddr.String(),
		ChangeBatchAddresses: []string{batch.Address},
	}
	if err := validate.Struct(updateMsg); err != nil {
		return nil, sgerrors.Wrapf(err, "invalid update request payload")
	}
	updatePayload, err := json.Marshal(updateMsg)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode update request")
	}
	if err := insertOutbox(ctx, tx, e.eddaSubject(ActionUpdate, cs.WorkspaceID, cs.ID.String()), updatePayload); err != nil {
		return nil, err
	}

	dvuMsg := DependentValueUpdateSignal{
		WorkspaceID:       cs.WorkspaceID,
		ChangeSetID:       cs.ID.String(),
		AttributeValueIDs: attributeValueIDs(batch),
	}
	dvuPayload, err := json.Marshal(dvuMsg)
	if err != nil {
		return nil, sgerrors.Wrapf(err, "encode dependent value update signal")
	}
	if err := insertOutbox(ctx, tx, e.dvuSubject(cs.WorkspaceID, cs.ID.String()), dvuPayload); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, sgerrors.DatabaseError("commit change-set transaction", err)
	}

	cs.SnapshotAddress = toAddr.String()
	metrics.RecordChangeSetCommit()
	e.log.WithFields(logging.WorkflowFields("commit", cs.ID.String()).Custom("workspace_id", cs.WorkspaceID).ToLogrus()).
		Info("committed change set")
	return &batch, nil
}

func (e *Engine) loadByID(ctx context.Context, id ChangeSetID) (*ChangeSet, error) {
	var row changeSetRow
	err := e.db.GetContext(ctx, &row,
		`SELECT id, workspace_id, base_change_set_id, status, snapshot_address, created_at, updated_at FROM change_sets WHERE id = $1`,
		id.String(),
	)
	if err == sql.ErrNoRows {
		return nil, ErrChangeSetNotFound
	}
	if err != nil {
		return nil, sgerrors.DatabaseError("load change set", err)
	}
	return row.toDomain()
}

func (e *Engine) setStatus(ctx context.Context, cs *ChangeSet, status Status) error {
	if _, err := e.db.ExecContext(ctx,
		`UPDATE change_sets SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), cs.ID.String(),
	); err != nil {
		return sgerrors.DatabaseError("update change set status", err)
	}
	cs.Status = status
	return nil
}

func parseAddress(s string) (splitgraph.WorkspaceSnapshotAddress, error) {
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

func buildChangeBatch(updates []update.Update) ChangeBatch {
	var changes []Change
	for _, u := range updates {
		switch u.Kind {
		case update.KindNewNode, update.KindReplaceNode:
			changes = append(changes, Change{
				EntityKind: u.Node.PayloadKind,
				EntityID:   u.Node.ID.String(),
				MerkleHash: hex.EncodeToString(u.Node.MerkleTreeHash[:]),
			})
		}
	}
	return ChangeBatch{Address: computeBatchAddress(changes), Changes: changes}
}

func computeBatchAddress(changes []Change) string {
	data, _ := json.Marshal(changes)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// attributeValueIDs picks out the AttributeValue entities a ChangeBatch
// touched, for the dependent-value-update signal.
func attributeValueIDs(batch ChangeBatch) []string {
	var ids []string
	for _, c := range batch.Changes {
		if c.EntityKind == "AttributeValue" {
			ids = append(ids, c.EntityID)
		}
	}
	return ids
}
