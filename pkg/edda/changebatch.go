package edda

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/si-workspace/snapgraph/pkg/changeset"
	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// ChangeBatchReader resolves a change batch address (as referenced by an
// Update request's ChangeBatchAddresses) to its Changes.
type ChangeBatchReader interface {
	ReadChangeBatch(ctx context.Context, address string) ([]changeset.Change, error)
}

// PostgresChangeBatchReader reads change_batches rows written by
// pkg/changeset's Commit/RebaseOnto directly, matching the Rust source's
// `ctx.layer_db().change_batch().read_wait_for_memory(...)` call in
// change_set_processor_task.rs.
type PostgresChangeBatchReader struct {
	DB *sqlx.DB
}

// ReadChangeBatch fetches and decodes one change batch's Changes by its
// content address.
func (r *PostgresChangeBatchReader) ReadChangeBatch(ctx context.Context, address string) ([]changeset.Change, error) {
	var raw []byte
	if err := r.DB.GetContext(ctx, &raw, `SELECT changes FROM change_batches WHERE address = $1`, address); err != nil {
		return nil, sgerrors.DatabaseError("read change batch", err)
	}
	var changes []changeset.Change
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, sgerrors.Wrapf(err, "decode change batch %s", address)
	}
	return changes, nil
}
