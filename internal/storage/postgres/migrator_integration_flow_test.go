package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_UpDownAgainstPostgres(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))
	status, err := store.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Version)
	assert.Equal(t, []string{"0001_purchases_schema", "0002_idempotency_keys"}, status.Pending)

	require.NoError(t, store.MigrateUp(ctx, 1))
	status, err = store.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Version)
	assert.Equal(t, []string{"0002_idempotency_keys"}, status.Pending)

	require.NoError(t, store.MigrateUp(ctx, 0))
	require.NoError(t, store.MigrateUp(ctx, 0), "repeated up is a no-op")
	status, err = store.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.UpToDate())
	assert.Equal(t, 2, status.Applied)

	require.NoError(t, store.MigrateDown(ctx, 0))
	status, err = store.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Version)

	require.NoError(t, store.MigrateDown(ctx, 5))
	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")
}

func TestMigrator_DetectsDrift(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `UPDATE `+schemaTable+` SET checksum = 'tampered' WHERE version = 1`)
	require.NoError(t, err)
	t.Cleanup(func() {
		changes, err := parseSchemaChanges(schemaFS, schemaDir)
		if err != nil {
			return
		}
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE `+schemaTable+` SET checksum = $1 WHERE version = 1`, changes[0].Checksum)
	})

	status, err := store.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_purchases_schema"}, status.Drifted)

	err = store.MigrateUp(ctx, 0)
	require.ErrorIs(t, err, ErrSchemaDrift)
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	assert.Error(t, store.MigrateUp(ctx, 0))
	assert.Error(t, store.MigrateDown(ctx, 1))
	_, err := store.SchemaStatus(ctx)
	assert.Error(t, err)
}
