package edda

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/si-workspace/snapgraph/pkg/natssubj"
	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// publishTimeout bounds a single outbound publish (spec §5's 5s NATS
// publish timeout), matching pkg/changeset/outbox.go's own constant.
const publishTimeout = 5 * time.Second

// Publisher is the subset of jetstream.JetStream a NATS-backed Notifier/
// Broadcaster needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// updateEnvelope is the payload published on the edda.updates subject
// (spec §6): either variant carries enough to let a subscriber fetch the
// right frigg document, and Seq lets it detect a gap against what it last
// saw.
type updateEnvelope struct {
	Variant     string `json:"variant"` // "ping", "index", or "patch"
	WorkspaceID string `json:"workspace_id"`
	ChangeSetID string `json:"change_set_id"`
	Seq         uint64 `json:"seq,omitempty"`

	MVKind              string          `json:"mv_kind,omitempty"`
	EntityID            string          `json:"entity_id,omitempty"`
	Document            json.RawMessage `json:"document,omitempty"`
	BaseSnapshotAddress string          `json:"base_snapshot_address,omitempty"`
	Patch               json.RawMessage `json:"patch,omitempty"`
}

// NATSUpdatePublisher is the grounded Notifier and Broadcaster
// implementation: every call publishes one updateEnvelope to
// natssubj.EddaUpdates, matching the outbox relay's own
// publish-with-timeout shape in pkg/changeset/outbox.go.
type NATSUpdatePublisher struct {
	js     Publisher
	prefix string
}

// NewNATSUpdatePublisher wires a NATSUpdatePublisher over a JetStream
// publish handle. prefix is the optional subject prefix shared with
// pkg/changeset and pkg/natssubj.
func NewNATSUpdatePublisher(js Publisher, prefix string) *NATSUpdatePublisher {
	return &NATSUpdatePublisher{js: js, prefix: prefix}
}

func (n *NATSUpdatePublisher) publish(ctx context.Context, workspaceID, changeSetID string, env updateEnvelope) error {
	subject := natssubj.EddaUpdates(n.prefix, workspaceID, changeSetID)
	payload, err := json.Marshal(env)
	if err != nil {
		return sgerrors.Wrapf(err, "encode edda update envelope")
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := n.js.Publish(pctx, subject, payload); err != nil {
		return sgerrors.NetworkError("publish edda update", subject, err)
	}
	return nil
}

// PublishUpdate implements Processor's Notifier: a lightweight ping
// carrying only the monotonically increasing per-change-set sequence
// number (spec §5's ordering guarantee).
func (n *NATSUpdatePublisher) PublishUpdate(ctx context.Context, workspaceID, changeSetID string, seq uint64) error {
	return n.publish(ctx, workspaceID, changeSetID, updateEnvelope{
		Variant: "ping", WorkspaceID: workspaceID, ChangeSetID: changeSetID, Seq: seq,
	})
}

// PublishFullIndex implements Broadcaster for a from-scratch MV document.
func (n *NATSUpdatePublisher) PublishFullIndex(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string, document []byte) error {
	return n.publish(ctx, workspaceID, changeSetID, updateEnvelope{
		Variant: "index", WorkspaceID: workspaceID, ChangeSetID: changeSetID,
		MVKind: mvKind, EntityID: entityID, Document: document,
	})
}

// PublishPatch implements Broadcaster for an incremental MV update.
func (n *NATSUpdatePublisher) PublishPatch(ctx context.Context, workspaceID, changeSetID, mvKind, entityID, baseSnapshotAddress string, patch []byte) error {
	return n.publish(ctx, workspaceID, changeSetID, updateEnvelope{
		Variant: "patch", WorkspaceID: workspaceID, ChangeSetID: changeSetID,
		MVKind: mvKind, EntityID: entityID, BaseSnapshotAddress: baseSnapshotAddress, Patch: patch,
	})
}
