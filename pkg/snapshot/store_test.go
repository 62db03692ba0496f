package snapshot

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/si-workspace/snapgraph/pkg/splitgraph"
)

var _ = Describe("Store", func() {
	var (
		ctx       context.Context
		mockDB    *sql.DB
		mock      sqlmock.Sqlmock
		mr        *miniredis.Miniredis
		store     *Store
		addr      splitgraph.WorkspaceSnapshotAddress
		addrBytes []byte
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(mockDB, "postgres")

		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

		log := logrus.New()
		log.SetOutput(GinkgoWriter)
		store = NewStore(db, rdb, log)

		addrBytes = []byte{1, 2, 3, 4}
		copy(addr[:], addrBytes)
	})

	AfterEach(func() {
		mockDB.Close()
		mr.Close()
	})

	Describe("WriteDiscovery then Read", func() {
		It("round-trips a payload through the cache without touching postgres", func() {
			mock.ExpectExec(`INSERT INTO workspace_snapshots`).
				WithArgs(addr.String(), []byte("payload-v1")).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.WriteDiscovery(ctx, addr, []byte("payload-v1"))).To(Succeed())

			got, err := store.Read(ctx, addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]byte("payload-v1")))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Read", func() {
		It("falls back to postgres on a cache miss and repopulates the cache", func() {
			mock.ExpectQuery(`SELECT payload FROM workspace_snapshots WHERE address = \$1`).
				WithArgs(addr.String()).
				WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("from-db")))

			got, err := store.Read(ctx, addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]byte("from-db")))

			cached, err := mr.Get(cacheKey(addr))
			Expect(err).NotTo(HaveOccurred())
			Expect(cached).To(Equal("from-db"))
		})

		It("returns ErrNotFound when the address has never been written", func() {
			mock.ExpectQuery(`SELECT payload FROM workspace_snapshots WHERE address = \$1`).
				WithArgs(addr.String()).
				WillReturnError(sql.ErrNoRows)

			_, err := store.Read(ctx, addr)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ReadWaitForMemory", func() {
		It("returns as soon as the payload appears in the cache", func() {
			go func() {
				time.Sleep(50 * time.Millisecond)
				mr.Set(cacheKey(addr), "arrived-late")
			}()

			got, err := store.ReadWaitForMemory(ctx, addr, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]byte("arrived-late")))
		})

		It("times out if the payload never materializes", func() {
			_, err := store.ReadWaitForMemory(ctx, addr, 60*time.Millisecond)
			Expect(err).To(HaveOccurred())
		})
	})
})
