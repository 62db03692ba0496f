package edda

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/si-workspace/snapgraph/pkg/natssubj"
)

type recordedPublish struct {
	subject string
	payload []byte
}

type fakeJetStream struct {
	published []recordedPublish
	failErr   error
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.published = append(f.published, recordedPublish{subject: subject, payload: payload})
	return &jetstream.PubAck{}, nil
}

var _ = Describe("NATSUpdatePublisher", func() {
	var (
		ctx context.Context
		js  *fakeJetStream
		pub *NATSUpdatePublisher
	)

	BeforeEach(func() {
		ctx = context.Background()
		js = &fakeJetStream{}
		pub = NewNATSUpdatePublisher(js, "test")
	})

	It("publishes a ping envelope carrying only the sequence number", func() {
		Expect(pub.PublishUpdate(ctx, "ws-1", "cs-1", 7)).To(Succeed())
		Expect(js.published).To(HaveLen(1))
		Expect(js.published[0].subject).To(Equal(natssubj.EddaUpdates("test", "ws-1", "cs-1")))

		var env updateEnvelope
		Expect(json.Unmarshal(js.published[0].payload, &env)).To(Succeed())
		Expect(env.Variant).To(Equal("ping"))
		Expect(env.Seq).To(BeEquivalentTo(7))
		Expect(env.Document).To(BeEmpty())
	})

	It("publishes a full index envelope with the rendered document", func() {
		Expect(pub.PublishFullIndex(ctx, "ws-1", "cs-1", "ComponentSummary", "node-1", []byte(`{"name":"web-1"}`))).To(Succeed())
		Expect(js.published).To(HaveLen(1))

		var env updateEnvelope
		Expect(json.Unmarshal(js.published[0].payload, &env)).To(Succeed())
		Expect(env.Variant).To(Equal("index"))
		Expect(env.MVKind).To(Equal("ComponentSummary"))
		Expect(env.EntityID).To(Equal("node-1"))
		Expect(string(env.Document)).To(Equal(`{"name":"web-1"}`))
	})

	It("publishes a patch envelope naming the base snapshot address", func() {
		Expect(pub.PublishPatch(ctx, "ws-1", "cs-1", "ComponentSummary", "node-1", "deadbeef", []byte(`{"name":"web-2"}`))).To(Succeed())

		var env updateEnvelope
		Expect(json.Unmarshal(js.published[0].payload, &env)).To(Succeed())
		Expect(env.Variant).To(Equal("patch"))
		Expect(env.BaseSnapshotAddress).To(Equal("deadbeef"))
		Expect(string(env.Patch)).To(Equal(`{"name":"web-2"}`))
	})

	It("wraps a publish failure as a network error", func() {
		js.failErr = context.DeadlineExceeded
		err := pub.PublishUpdate(ctx, "ws-1", "cs-1", 1)
		Expect(err).To(HaveOccurred())
	})
})
