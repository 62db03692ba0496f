package edda

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/si-workspace/snapgraph/pkg/changeset"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
	"github.com/si-workspace/snapgraph/pkg/shared/logging"
)

// IndexStore is the subset of pkg/frigg's Store the processor needs: check
// whether an index already exists, and copy a parent's index into a fresh
// change set (spec §4.10's NewChangeSet handling).
type IndexStore interface {
	GetChangeSetIndex(ctx context.Context, workspaceID, changeSetID string) ([]byte, bool, error)
	CopyIndex(ctx context.Context, fromWorkspaceID, fromChangeSetID, toWorkspaceID, toChangeSetID string) (bool, error)
}

// MVBuilder computes materialized-view documents. BuildAll rebuilds every
// registered MV kind for a change set from scratch (Rebuild /
// RebuildChangedDefinitions / a failed index copy); MVKindsFor resolves an
// entity kind to the MV kinds it feeds; Build computes and persists one
// (mvKind, entityID) document or patch as of toSnapshotAddress.
type MVBuilder interface {
	BuildAll(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress, reason string) error
	MVKindsFor(entityKind string) []string
	Build(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress, mvKind, entityID string) error
}

// Notifier broadcasts that a change set's materialized-view index has new
// data, on its per-change-set updates subject (spec §4.10's "downstream
// subscribers receive ordered updates").
type Notifier interface {
	PublishUpdate(ctx context.Context, workspaceID, changeSetID string, seq uint64) error
}

// Config tunes one Processor instance.
type Config struct {
	ParallelBuildLimit int
	QuiescentPeriod    time.Duration
}

// Processor is the Change-Set Processor Task for one (workspace_id,
// change_set_id): it owns a CompressingStream, dispatches MV builds, and
// exits after QuiescentPeriod of inactivity (spec §4.10).
type Processor struct {
	workspaceID string
	changeSetID string
	config      Config

	index    IndexStore
	batches  ChangeBatchReader
	builder  MVBuilder
	notifier Notifier
	schemas  SchemaVariantLister

	log *logrus.Logger

	seq uint64
}

// NewProcessor builds a Processor for one change set.
func NewProcessor(workspaceID, changeSetID string, config Config, index IndexStore, batches ChangeBatchReader, builder MVBuilder, notifier Notifier, schemas SchemaVariantLister, log *logrus.Logger) *Processor {
	if config.ParallelBuildLimit <= 0 {
		config.ParallelBuildLimit = 1
	}
	return &Processor{
		workspaceID: workspaceID,
		changeSetID: changeSetID,
		config:      config,
		index:       index,
		batches:     batches,
		builder:     builder,
		notifier:    notifier,
		schemas:     schemas,
		log:         log,
	}
}

// Run consumes requests until the channel closes, ctx is cancelled, or a
// quiescent-period shutdown fires. quiescedNotify, if non-nil, is called
// once when a quiesced shutdown is triggered, mirroring the Rust source's
// server-wide quiesced notification channel.
func (p *Processor) Run(ctx context.Context, requests <-chan Request, quiescedNotify func()) error {
	metrics.EddaActiveProcessorsGauge.Inc()
	defer metrics.EddaActiveProcessorsGauge.Dec()

	stream := NewCompressingStream()

	checkInterval := p.config.QuiescentPeriod / 10
	if checkInterval <= 0 {
		checkInterval = p.config.QuiescentPeriod
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-requests:
			if !ok {
				if final := stream.Flush(); final != nil {
					return p.handle(ctx, *final)
				}
				return nil
			}
			for _, ready := range stream.Accept(req) {
				if err := p.handle(ctx, ready); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if time.Since(stream.LastHeartbeat()) <= p.config.QuiescentPeriod {
				continue
			}
			p.log.WithFields(logging.NewFields().Component("edda").
				Custom("workspace_id", p.workspaceID).Custom("change_set_id", p.changeSetID).ToLogrus()).
				Debug("rate of requests has become inactive, triggering a quiesced shutdown")
			metrics.RecordQuiescedShutdown()
			if quiescedNotify != nil {
				quiescedNotify()
			}
			if final := stream.Flush(); final != nil {
				return p.handle(ctx, *final)
			}
			return nil
		}
	}
}

func (p *Processor) handle(ctx context.Context, req Request) error {
	var err error
	switch req.Kind {
	case RequestNewChangeSet:
		err = p.handleNewChangeSet(ctx, req)
	case RequestRebuild:
		err = p.builder.BuildAll(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, "explicit rebuild")
	case RequestRebuildChangedDefinitions:
		err = p.builder.BuildAll(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, "selective rebuild based on definition checksums")
	case RequestUpdate:
		err = p.handleUpdate(ctx, req)
	}

	if err != nil {
		metrics.RecordEddaBuildError(string(req.Kind))
		return err
	}
	metrics.RecordEddaBuild(string(req.Kind))
	p.seq++
	return p.notifier.PublishUpdate(ctx, req.WorkspaceID, req.ChangeSetID, p.seq)
}

func (p *Processor) handleNewChangeSet(ctx context.Context, req Request) error {
	copied, err := p.index.CopyIndex(ctx, req.WorkspaceID, req.BaseChangeSetID, req.WorkspaceID, req.ChangeSetID)
	if err != nil {
		return err
	}
	if !copied {
		return p.builder.BuildAll(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, "index copy failed, falling back to full build")
	}
	// The copied index already reflects to_snapshot_address; run a no-op
	// incremental update (from == to) so any batches supplied are still
	// applied on top of the copied index.
	return p.runIncrementalUpdate(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, req.ChangeBatchAddresses)
}

func (p *Processor) handleUpdate(ctx context.Context, req Request) error {
	_, hasIndex, err := p.index.GetChangeSetIndex(ctx, req.WorkspaceID, req.ChangeSetID)
	if err != nil {
		return err
	}
	if !hasIndex {
		return p.builder.BuildAll(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, "initial build with changed definitions")
	}
	return p.runIncrementalUpdate(ctx, req.WorkspaceID, req.ChangeSetID, req.ToSnapshotAddress, req.ChangeBatchAddresses)
}

func (p *Processor) runIncrementalUpdate(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress string, batchAddresses []string) error {
	var changes []changeset.Change
	for _, addr := range batchAddresses {
		batchChanges, err := p.batches.ReadChangeBatch(ctx, addr)
		if err != nil {
			return err
		}
		changes = append(changes, batchChanges...)
	}

	changes = DeduplicateChanges(changes)
	changes, err := PostProcessChanges(ctx, changes, p.schemas)
	if err != nil {
		return err
	}

	return p.buildForChanges(ctx, workspaceID, changeSetID, toSnapshotAddress, changes)
}

type buildJob struct {
	mvKind   string
	entityID string
}

func (p *Processor) buildForChanges(ctx context.Context, workspaceID, changeSetID, toSnapshotAddress string, changes []changeset.Change) error {
	var jobs []buildJob
	for _, c := range changes {
		for _, kind := range p.builder.MVKindsFor(c.EntityKind) {
			jobs = append(jobs, buildJob{mvKind: kind, entityID: c.EntityID})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.ParallelBuildLimit)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return p.builder.Build(gctx, workspaceID, changeSetID, toSnapshotAddress, j.mvKind, j.entityID)
		})
	}
	return g.Wait()
}
