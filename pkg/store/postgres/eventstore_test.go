package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/plaenen/evstore/pkg/store"
	"github.com/plaenen/evstore/pkg/store/postgres"
	"github.com/plaenen/evstore/pkg/store/storetest"
)

// PostgresSuite runs the store conformance tests against a PostgreSQL
// container. It is skipped with -short or when no container runtime is
// available.
type PostgresSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
}

func TestPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration tests in short mode")
	}
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("evstore"),
		tcpostgres.WithUsername("evstore"),
		tcpostgres.WithPassword("evstore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		s.T().Skipf("skip: cannot start postgres: %v", err)
	}
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	pool, err := pgxpool.New(ctx, dsn)
	s.Require().NoError(err)
	s.pool = pool

	s.Require().NoError(postgres.NewEventStoreFromPool(pool).Migrate(ctx))
}

func (s *PostgresSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresSuite) truncate(t *testing.T) {
	_, err := s.pool.Exec(context.Background(), "TRUNCATE TABLE events, snapshots RESTART IDENTITY")
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

func (s *PostgresSuite) TestEventLog() {
	storetest.RunEventLogTests(s.T(), func(t *testing.T) store.EventLog {
		s.truncate(t)
		return postgres.NewEventStoreFromPool(s.pool)
	})
}

func (s *PostgresSuite) TestSnapshotCache() {
	storetest.RunSnapshotCacheTests(s.T(), func(t *testing.T) store.SnapshotCache {
		s.truncate(t)
		return postgres.NewSnapshotCache(s.pool)
	})
}

func (s *PostgresSuite) TestNewEventStoreFromDSN() {
	ctx := context.Background()
	dsn, err := s.container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	es, err := postgres.NewEventStore(ctx, dsn)
	s.Require().NoError(err)
	s.NoError(es.Close())
}

func (s *PostgresSuite) TestMigrateIsRepeatable() {
	ctx := context.Background()
	s.Require().NoError(postgres.NewEventStoreFromPool(s.pool).Migrate(ctx))

	var version int
	err := s.pool.QueryRow(ctx, "SELECT MAX(version) FROM evstore_schema_migrations").Scan(&version)
	s.Require().NoError(err)
	s.Equal(2, version)
}
