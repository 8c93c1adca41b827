package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/reviewflow/model"
)

// startPostgres runs a disposable PostgreSQL container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://reviewflow:reviewflow@%s:%s/reviewflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "reviewflow",
			"POSTGRES_PASSWORD": "reviewflow",
			"POSTGRES_DB":       "reviewflow_test",
		}),
	)
	testcontainers.CleanupContainer(t, postgresC)
	require.NoError(t, err)

	endpoint, err := postgresC.Endpoint(ctx, "")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://reviewflow:reviewflow@%s/reviewflow_test?sslmode=disable", endpoint)
}

func TestPgInstanceStore(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPgInstanceStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate must be idempotent")

	runStoreSuite(t, func(t *testing.T) InstanceStore {
		_, err := pool.Exec(ctx, `TRUNCATE workflow_history, workflow_instances`)
		require.NoError(t, err)
		return store
	})

	t.Run("history metadata that is not an object", func(t *testing.T) {
		_, err := pool.Exec(ctx, `TRUNCATE workflow_history, workflow_instances`)
		require.NoError(t, err)

		inst, entry := testInstance("doc-meta", true)
		require.NoError(t, store.CreateInstance(ctx, inst, entry))
		_, err = pool.Exec(ctx, `UPDATE workflow_history SET metadata = '[1, 2]'::jsonb WHERE id = $1`, entry.ID)
		require.NoError(t, err)

		_, err = store.GetHistory(ctx, inst.ID)
		requireCode(t, err, model.ErrPersistence)
	})
}
