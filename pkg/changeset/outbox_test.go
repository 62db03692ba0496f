package changeset

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go/jetstream"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

type fakePublisher struct {
	published []string
	failNext  bool
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.failNext {
		f.failNext = false
		return nil, errBoom
	}
	f.published = append(f.published, subject)
	return &jetstream.PubAck{}, nil
}

var _ = Describe("Relay", func() {
	var (
		mockDB *sqlx.DB
		mock   sqlmock.Sqlmock
		pub    *fakePublisher
		relay  *Relay
		ctx    context.Context
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mockDB = sqlx.NewDb(raw, "postgres")
		mock = m
		pub = &fakePublisher{}
		log := logrus.New()
		log.SetOutput(GinkgoWriter)
		relay = NewRelay(mockDB, pub, log)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("Drain", func() {
		It("publishes every unpublished row in id order and marks each published", func() {
			mock.ExpectQuery(`SELECT id, subject, payload, created_at FROM changeset_outbox WHERE published = false ORDER BY id LIMIT 100`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "subject", "payload", "created_at"}).
					AddRow(int64(1), "edda.requests.Update.ws.cs", []byte("payload-1")).
					AddRow(int64(2), "attribute.dvu.ws.cs", []byte("payload-2")))

			mock.ExpectExec(`UPDATE changeset_outbox SET published = true`).
				WithArgs(int64(1)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE changeset_outbox SET published = true`).
				WithArgs(int64(2)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(relay.Drain(ctx)).To(Succeed())
			Expect(pub.published).To(Equal([]string{"edda.requests.Update.ws.cs", "attribute.dvu.ws.cs"}))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("stops at the first publish failure, leaving later rows for the next tick", func() {
			mock.ExpectQuery(`SELECT id, subject, payload, created_at FROM changeset_outbox WHERE published = false ORDER BY id LIMIT 100`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "subject", "payload", "created_at"}).
					AddRow(int64(1), "edda.requests.Update.ws.cs", []byte("payload-1")).
					AddRow(int64(2), "attribute.dvu.ws.cs", []byte("payload-2")))

			pub.failNext = true

			err := relay.Drain(ctx)
			Expect(err).To(HaveOccurred())
			Expect(pub.published).To(BeEmpty())
		})
	})
})
