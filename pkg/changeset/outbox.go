package changeset

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
)

// publishTimeout bounds a single outbox row's NATS publish attempt (spec
// §5's 5s NATS publish timeout).
const publishTimeout = 5 * time.Second

type outboxRow struct {
	ID        int64     `db:"id"`
	Subject   string    `db:"subject"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// insertOutbox queues subject/payload for publish inside tx, released only
// if tx commits (spec §4.5's "written first to a per-transaction outbox
// table, then released on commit; on rollback they are discarded").
func insertOutbox(ctx context.Context, tx *sqlx.Tx, subject string, payload []byte) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changeset_outbox (subject, payload) VALUES ($1, $2)`,
		subject, payload,
	); err != nil {
		return sgerrors.DatabaseError("insert outbox row", err)
	}
	return nil
}

// Publisher is the subset of jetstream.JetStream the outbox relay needs,
// kept narrow so tests can substitute a fake without a live NATS server.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Relay drains unpublished changeset_outbox rows onto NATS JetStream and
// marks them published, completing the transactional outbox's second phase
// (spec §4.5).
type Relay struct {
	db       *sqlx.DB
	js       Publisher
	log      *logrus.Logger
	interval time.Duration
}

// NewRelay builds a Relay that polls every 200ms for unpublished rows.
func NewRelay(db *sqlx.DB, js Publisher, log *logrus.Logger) *Relay {
	return &Relay{db: db, js: js, log: log, interval: 200 * time.Millisecond}
}

// Run polls until ctx is cancelled, draining the outbox on every tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.log.WithFields(logging.NewFields().Component("changeset_outbox").Error(err).ToLogrus()).
					Warn("outbox drain failed, will retry next tick")
			}
		}
	}
}

// Drain publishes every currently unpublished row once, oldest first. A
// publish failure stops the batch so row ordering per subject is
// preserved; the next tick retries from the same row.
func (r *Relay) Drain(ctx context.Context) error {
	var rows []outboxRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, subject, payload, created_at FROM changeset_outbox WHERE published = false ORDER BY id LIMIT 100`,
	); err != nil {
		return sgerrors.DatabaseError("select outbox rows", err)
	}

	for _, row := range rows {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, err := r.js.Publish(pctx, row.Subject, row.Payload)
		cancel()
		if err != nil {
			return sgerrors.NetworkError("publish outbox row", row.Subject, err)
		}
		if err := r.markPublished(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) markPublished(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE changeset_outbox SET published = true, published_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return sgerrors.DatabaseError("mark outbox row published", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sgerrors.DatabaseError("mark outbox row published", sql.ErrNoRows)
	}
	return nil
}
