// Package database provides ready-made database clients for integration
// tests: a migrated per-test schema behind a pgx pool with pgvector types
// registered, matching what production connections get.
package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/database"
	"github.com/sotto-labs/sotto/test/util"
)

// NewTestPool creates a migrated test schema and returns a connection
// pool bound to it. Pool close and schema drop run via t.Cleanup.
// In CI (when CI_DATABASE_URL is set): connects to the external
// PostgreSQL service container. In local dev: spins up a shared pgvector
// testcontainer once per package.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := util.SetupTestSchema(t)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	// Close the pool before the schema drop registered by SetupTestSchema
	// (LIFO cleanup order).
	t.Cleanup(pool.Close)

	return pool
}

// NewTestClient wraps NewTestPool in the production client type for
// components that take a *database.Client rather than a raw pool.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromPool(NewTestPool(t))
}
