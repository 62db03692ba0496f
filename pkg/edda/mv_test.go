package edda

import (
	"context"
	"fmt"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/si-workspace/snapgraph/pkg/frigg"
	"github.com/si-workspace/snapgraph/pkg/snapshot"
	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

type broadcastCall struct {
	variant             string
	mvKind, entityID    string
	document            string
	baseSnapshotAddress string
	patch               string
}

type fakeBroadcaster struct {
	calls []broadcastCall
}

func (f *fakeBroadcaster) PublishFullIndex(ctx context.Context, workspaceID, changeSetID, mvKind, entityID string, document []byte) error {
	f.calls = append(f.calls, broadcastCall{variant: "index", mvKind: mvKind, entityID: entityID, document: string(document)})
	return nil
}

func (f *fakeBroadcaster) PublishPatch(ctx context.Context, workspaceID, changeSetID, mvKind, entityID, baseSnapshotAddress string, patch []byte) error {
	f.calls = append(f.calls, broadcastCall{variant: "patch", mvKind: mvKind, entityID: entityID, baseSnapshotAddress: baseSnapshotAddress, patch: string(patch)})
	return nil
}

func newMockSnapshotStore() (*snapshot.Store, sqlmock.Sqlmock, func()) {
	raw, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := sqlx.NewDb(raw, "postgres")
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	store := snapshot.NewStore(db, rdb, log)
	return store, mock, func() { raw.Close(); mr.Close() }
}

func newMockFriggStore() (*frigg.Store, sqlmock.Sqlmock, func()) {
	raw, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := sqlx.NewDb(raw, "postgres")
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	store := frigg.NewStore(db, rdb, log)
	return store, mock, func() { raw.Close(); mr.Close() }
}

func testRegistry() *Registry {
	return NewRegistry(MVDefinition{
		Kind:       "ComponentSummary",
		EntityKind: "Component",
		Checksum:   "v1",
		Render: func(entityID string, payload gjson.Result) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"id":%q,"name":%q}`, entityID, payload.Get("name").String())), nil
		},
	})
}

var _ = Describe("DefaultBuilder", func() {
	var (
		ctx        context.Context
		snapStore  *snapshot.Store
		snapMock   sqlmock.Sqlmock
		snapCancel func()
		friggStore *frigg.Store
		friggMock  sqlmock.Sqlmock
		friggCancel func()
		bcast      *fakeBroadcaster
		builder    *DefaultBuilder
		component  splitgraph.NodeID
	)

	BeforeEach(func() {
		ctx = context.Background()
		snapStore, snapMock, snapCancel = newMockSnapshotStore()
		friggStore, friggMock, friggCancel = newMockFriggStore()

		friggMock.MatchExpectationsInOrder(false)
		friggMock.ExpectQuery(`SELECT document FROM frigg_mv_documents`).WillReturnRows(sqlmock.NewRows([]string{"document"}))
		friggMock.ExpectQuery(`SELECT index_blob FROM frigg_change_set_indexes`).WillReturnRows(sqlmock.NewRows([]string{"index_blob"}))
		friggMock.ExpectExec(`INSERT INTO frigg_mv_documents`).WillReturnResult(sqlmock.NewResult(0, 1)).Times(4)
		friggMock.ExpectExec(`INSERT INTO frigg_change_set_indexes`).WillReturnResult(sqlmock.NewResult(0, 1)).Times(2)

		bcast = &fakeBroadcaster{}
		builder = NewDefaultBuilder(snapStore, friggStore, testRegistry(), bcast)
	})

	AfterEach(func() {
		snapCancel()
		friggCancel()
	})

	buildGraph := func(name string) (*splitgraph.SplitGraph, splitgraph.NodeID) {
		g, err := splitgraph.New(splitgraph.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		root := g.GraphRoots()[0]
		n := g.AddNode(splitgraph.Node{Kind: splitgraph.NodeKindCustom, PayloadKind: "Component", Payload: []byte(fmt.Sprintf(`{"name":%q}`, name))})
		Expect(g.AddEdge(root, splitgraph.Edge{Kind: splitgraph.EdgeKindCustom, CustomKind: "Use", To: n})).To(Succeed())
		g.RecalculateMerkleTreeHashes()
		return g, n
	}

	It("publishes a full index the first time a (mv_kind, entity_id) is built", func() {
		g, n := buildGraph("web-1")
		component = n
		payload, err := g.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		addr := g.Address()

		snapMock.ExpectQuery(`SELECT payload FROM workspace_snapshots WHERE address = \$1`).
			WithArgs(addr.String()).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

		err = builder.Build(ctx, "ws-1", "cs-1", addr.String(), "ComponentSummary", component.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(bcast.calls).To(HaveLen(1))
		Expect(bcast.calls[0].variant).To(Equal("index"))
		Expect(bcast.calls[0].document).To(ContainSubstring("web-1"))
	})

	It("publishes a merge patch against the previously stored document on a later build", func() {
		g1, n := buildGraph("web-1")
		component = n
		payload1, err := g1.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		addr1 := g1.Address()

		snapMock.ExpectQuery(`SELECT payload FROM workspace_snapshots WHERE address = \$1`).
			WithArgs(addr1.String()).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload1))
		Expect(builder.Build(ctx, "ws-1", "cs-1", addr1.String(), "ComponentSummary", component.String())).To(Succeed())

		Expect(g1.ReplaceNode(component, splitgraph.Node{ID: component, Kind: splitgraph.NodeKindCustom, PayloadKind: "Component", Payload: []byte(`{"name":"web-2"}`)})).NotTo(HaveOccurred())
		g1.RecalculateMerkleTreeHashes()
		payload2, err := g1.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		addr2 := g1.Address()

		snapMock.ExpectQuery(`SELECT payload FROM workspace_snapshots WHERE address = \$1`).
			WithArgs(addr2.String()).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload2))

		Expect(builder.Build(ctx, "ws-1", "cs-1", addr2.String(), "ComponentSummary", component.String())).To(Succeed())
		Expect(bcast.calls).To(HaveLen(2))
		Expect(bcast.calls[1].variant).To(Equal("patch"))
		Expect(bcast.calls[1].baseSnapshotAddress).To(Equal(addr1.String()))
		Expect(bcast.calls[1].patch).To(ContainSubstring("web-2"))
	})

	It("is a no-op when the mv kind is not registered", func() {
		Expect(builder.Build(ctx, "ws-1", "cs-1", "deadbeef", "NoSuchKind", "whatever")).To(Succeed())
		Expect(bcast.calls).To(BeEmpty())
	})
})

var _ = Describe("Registry", func() {
	It("resolves mv kinds by entity kind and reports none for an unknown one", func() {
		r := testRegistry()
		Expect(r.MVKindsFor("Component")).To(Equal([]string{"ComponentSummary"}))
		Expect(r.MVKindsFor("Schema")).To(BeEmpty())
	})

	It("panics on a duplicate mv kind", func() {
		def := MVDefinition{Kind: "X", EntityKind: "Component", Checksum: "v1", Render: func(string, gjson.Result) ([]byte, error) { return nil, nil }}
		Expect(func() { NewRegistry(def, def) }).To(Panic())
	})
})
