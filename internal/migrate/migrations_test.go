package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/db"
)

func TestStepsAreOrdered(t *testing.T) {
	steps, err := Steps()
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 1, steps[0].Version)
	for i := 1; i < len(steps); i++ {
		assert.Less(t, steps[i-1].Version, steps[i].Version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, v)

	first, err := Migrate(ctx, conn)
	require.NoError(t, err)
	second, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, first, n)

	_, err = conn.ExecContext(ctx, `INSERT INTO actors(id,kind,capabilities_json,created_at) VALUES ('a','robot','[]','2026-01-01T00:00:00Z')`)
	assert.Error(t, err, "kind check constraint")
}
