// Package snapshot implements the content-addressed, write-once object
// store for workspace snapshot payloads (spec §4.3): a Postgres-backed
// table keyed by WorkspaceSnapshotAddress, fronted by a Redis cache that
// satisfies the blocking read_wait_for_memory contract the change-set
// engine and edda consumer both rely on.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

// ErrNotFound is returned by Read when no snapshot exists for the given
// address.
var ErrNotFound = errors.New("snapshot: address not found")

// cacheTTL bounds how long a snapshot payload lingers in the memory cache
// after a read or write. Snapshots are immutable, so this is purely a
// memory-pressure valve, not a correctness concern.
const cacheTTL = 30 * time.Minute

// pollInterval is how often ReadWaitForMemory re-checks the cache while
// waiting for a snapshot written by another process to become visible.
const pollInterval = 25 * time.Millisecond

// Store is the content-addressed snapshot store.
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

func cacheKey(addr splitgraph.WorkspaceSnapshotAddress) string {
	return "snapshot:" + addr.String()
}

// Read fetches a snapshot payload, preferring the memory cache and falling
// back to Postgres on a cache miss. Returns ErrNotFound if the address has
// never been written.
func (s *Store) Read(ctx context.Context, addr splitgraph.WorkspaceSnapshotAddress) ([]byte, error) {
	if payload, err := s.cache.Get(ctx, cacheKey(addr)).Bytes(); err == nil {
		return payload, nil
	} else if err != redis.Nil {
		s.log.WithFields(logging.NewFields().Component("snapshot").Error(err).ToLogrus()).
			Warn("snapshot cache read failed, falling back to postgres")
	}

	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM workspace_snapshots WHERE address = $1`, addr.String())
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sgerrors.DatabaseError("read snapshot", err)
	}

	if err := s.cache.Set(ctx, cacheKey(addr), payload, cacheTTL).Err(); err != nil {
		s.log.WithFields(logging.NewFields().Component("snapshot").Error(err).ToLogrus()).
			Warn("failed to populate snapshot cache after postgres read")
	}
	return payload, nil
}

// ReadWaitForMemory blocks until addr is visible in the Redis memory
// cache, or timeout elapses. It is used by readers that must observe a
// snapshot written moments ago by another process (e.g. edda consuming a
// change batch whose companion snapshot write may still be in flight) and
// cannot tolerate a stale Postgres replica read.
func (s *Store) ReadWaitForMemory(ctx context.Context, addr splitgraph.WorkspaceSnapshotAddress, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		payload, err := s.cache.Get(ctx, cacheKey(addr)).Bytes()
		if err == nil {
			return payload, nil
		}
		if err != redis.Nil {
			return nil, sgerrors.NetworkError("read snapshot from memory", "redis", err)
		}
		if time.Now().After(deadline) {
			return nil, sgerrors.TimeoutError("snapshot "+addr.String()+" to materialize in memory", timeout.String())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WriteDiscovery writes payload under addr if absent, and in all cases
// ensures it is present in the memory cache. Snapshots are write-once and
// content-addressed: a write of an address that already exists is a no-op
// against Postgres (the payload is guaranteed identical, since the address
// is derived from its hash), but still refreshes the cache so a racing
// ReadWaitForMemory observes it promptly.
func (s *Store) WriteDiscovery(ctx context.Context, addr splitgraph.WorkspaceSnapshotAddress, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_snapshots (address, payload) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
		addr.String(), payload,
	)
	if err != nil {
		return sgerrors.DatabaseError("write snapshot", err)
	}
	if err := s.cache.Set(ctx, cacheKey(addr), payload, cacheTTL).Err(); err != nil {
		s.log.WithFields(logging.NewFields().Component("snapshot").Error(err).ToLogrus()).
			Warn("failed to populate snapshot cache after write_discovery")
	}
	return nil
}
