// Package frigg is the materialized-view index store (spec §4.11): a KV
// facade keyed by (workspace_id, change_set_id, mv_kind, entity_id) plus a
// per-(workspace, change-set) top-level index blob. Grounded on
// pkg/snapshot's Postgres-source-of-truth-plus-Redis-cache architecture
// (same Read/WriteDiscovery shape), since both packages solve the same
// "durable store fronted by a fast cache, read-your-writes across
// processes" problem.
//
// CopyIndex is implemented as one Postgres transaction of two
// `INSERT ... SELECT` statements rather than a Redis-side COPY loop over
// scanned keys: one transaction gives exactly the "either the old index
// or the complete new index is visible, never partial" guarantee spec
// §4.11 asks for, without needing to hold a distributed lock across
// Redis operations.
package frigg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
)

// mvCacheTTL bounds how long an MV document or index blob lingers in the
// memory cache; unlike snapshot payloads these are mutable, so this is
// both a memory-pressure valve and a staleness bound against a cache
// write that raced a concurrent overwrite.
const mvCacheTTL = 30 * time.Minute

// Store is the Frigg MV index store.
type Store struct {
	db    *sqlx.DB
	cache *redis.Client
	log   *logrus.Logger
}

// NewStore wraps a Postgres handle and a Redis client as a Store. Callers
// own both connections' lifecycle.
func NewStore(db *sqlx.DB, cache *redis.Client, log *logrus.Logger) *Store {
	return &Store{db: db, cache: cache, log: log}
}

func mvCacheKey(workspaceID, changeSetID, mvKind, entityID string) string {
	return "frigg:mv:" + workspaceID + ":" + changeSetID + ":" + mvKind + ":" + entityID
}

func indexCacheKey(workspaceID, changeSetID string) string {
	return "frigg:index:" + workspaceID + ":" + changeSetID
}

// GetMV fetches one materialized-view document, preferring the memory
// cache and falling back to Postgres. ok is false if the document has
// never been written.
func (s *Store) GetMV(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string) (doc []byte, ok bool, err error) {
	key := mvCacheKey(workspaceID, changeSetID, mvKind, entityID)
	if payload, cerr := s.cache.Get(ctx, key).Bytes(); cerr == nil {
		return payload, true, nil
	} else if cerr != redis.Nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(cerr).ToLogrus()).
			Warn("frigg mv cache read failed, falling back to postgres")
	}

	var payload []byte
	dbErr := s.db.GetContext(ctx, &payload, `
		SELECT document FROM frigg_mv_documents
		WHERE workspace_id = $1 AND change_set_id = $2 AND mv_kind = $3 AND entity_id = $4`,
		workspaceID, changeSetID, mvKind, entityID)
	if dbErr == sql.ErrNoRows {
		return nil, false, nil
	}
	if dbErr != nil {
		return nil, false, sgerrors.DatabaseError("read frigg mv document", dbErr)
	}

	if cerr := s.cache.Set(ctx, key, payload, mvCacheTTL).Err(); cerr != nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(cerr).ToLogrus()).
			Warn("failed to populate frigg mv cache after postgres read")
	}
	return payload, true, nil
}

// PutMV upserts one materialized-view document and refreshes the cache.
func (s *Store) PutMV(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frigg_mv_documents (workspace_id, change_set_id, mv_kind, entity_id, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (workspace_id, change_set_id, mv_kind, entity_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		workspaceID, changeSetID, mvKind, entityID, doc)
	if err != nil {
		return sgerrors.DatabaseError("write frigg mv document", err)
	}
	key := mvCacheKey(workspaceID, changeSetID, mvKind, entityID)
	if err := s.cache.Set(ctx, key, doc, mvCacheTTL).Err(); err != nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(err).ToLogrus()).
			Warn("failed to populate frigg mv cache after write")
	}
	return nil
}

// GetChangeSetIndex fetches the top-level index blob for a change set. ok
// is false if no index has been built yet (callers degrade to a full
// build per spec §4.10's Update-with-no-index rule).
func (s *Store) GetChangeSetIndex(ctx context.Context, workspaceID, changeSetID string) (blob []byte, ok bool, err error) {
	key := indexCacheKey(workspaceID, changeSetID)
	if payload, cerr := s.cache.Get(ctx, key).Bytes(); cerr == nil {
		return payload, true, nil
	} else if cerr != redis.Nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(cerr).ToLogrus()).
			Warn("frigg index cache read failed, falling back to postgres")
	}

	var payload []byte
	dbErr := s.db.GetContext(ctx, &payload, `
		SELECT index_blob FROM frigg_change_set_indexes WHERE workspace_id = $1 AND change_set_id = $2`,
		workspaceID, changeSetID)
	if dbErr == sql.ErrNoRows {
		return nil, false, nil
	}
	if dbErr != nil {
		return nil, false, sgerrors.DatabaseError("read frigg change set index", dbErr)
	}

	if cerr := s.cache.Set(ctx, key, payload, mvCacheTTL).Err(); cerr != nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(cerr).ToLogrus()).
			Warn("failed to populate frigg index cache after postgres read")
	}
	return payload, true, nil
}

// PutChangeSetIndex upserts the top-level index blob and refreshes the
// cache.
func (s *Store) PutChangeSetIndex(ctx context.Context, workspaceID, changeSetID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frigg_change_set_indexes (workspace_id, change_set_id, index_blob, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workspace_id, change_set_id)
		DO UPDATE SET index_blob = EXCLUDED.index_blob, updated_at = now()`,
		workspaceID, changeSetID, blob)
	if err != nil {
		return sgerrors.DatabaseError("write frigg change set index", err)
	}
	key := indexCacheKey(workspaceID, changeSetID)
	if err := s.cache.Set(ctx, key, blob, mvCacheTTL).Err(); err != nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(err).ToLogrus()).
			Warn("failed to populate frigg index cache after write")
	}
	return nil
}

// CopyIndex copies every MV document and the top-level index blob from
// (fromWorkspaceID, fromChangeSetID) to (toWorkspaceID, toChangeSetID) in
// one Postgres transaction, then invalidates the destination's index blob
// cache entry so the next index read repopulates from the now-consistent
// Postgres state; cached MV document entries of the destination are not
// invalidated. Returns copied=false (not an error) if the source has no index
// yet, matching spec §4.10's "copy fails, fall back to full build" rule.
func (s *Store) CopyIndex(ctx context.Context, fromWorkspaceID, fromChangeSetID, toWorkspaceID, toChangeSetID string) (copied bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, sgerrors.DatabaseError("begin frigg copy_index tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO frigg_change_set_indexes (workspace_id, change_set_id, index_blob, updated_at)
		SELECT $2, $3, index_blob, now() FROM frigg_change_set_indexes
		WHERE workspace_id = $1 AND change_set_id = $4
		ON CONFLICT (workspace_id, change_set_id) DO UPDATE SET index_blob = EXCLUDED.index_blob, updated_at = now()`,
		fromWorkspaceID, toWorkspaceID, toChangeSetID, fromChangeSetID)
	if err != nil {
		return false, sgerrors.DatabaseError("copy frigg change set index", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sgerrors.DatabaseError("copy frigg change set index", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frigg_mv_documents (workspace_id, change_set_id, mv_kind, entity_id, document, updated_at)
		SELECT $2, $3, mv_kind, entity_id, document, now() FROM frigg_mv_documents
		WHERE workspace_id = $1 AND change_set_id = $4
		ON CONFLICT (workspace_id, change_set_id, mv_kind, entity_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		fromWorkspaceID, toWorkspaceID, toChangeSetID, fromChangeSetID,
	); err != nil {
		return false, sgerrors.DatabaseError("copy frigg mv documents", err)
	}

	if err := tx.Commit(); err != nil {
		return false, sgerrors.DatabaseError("commit frigg copy_index tx", err)
	}

	if err := s.cache.Del(ctx, indexCacheKey(toWorkspaceID, toChangeSetID)).Err(); err != nil && err != redis.Nil {
		s.log.WithFields(logging.NewFields().Component("frigg").Error(err).ToLogrus()).
			Warn("failed to invalidate frigg index cache after copy_index")
	}
	return true, nil
}
