package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/delaycatcher/internal/ledger"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

func newRepo(t *testing.T, dim ledger.Dimension) *YAMLRepository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(store, dim)
}

func TestAppendThenExists(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ledger.DimensionDue)
	now := time.Now().UTC()

	ok, err := repo.Exists(ctx, "100", "2026-03-01", "2026-03-05")
	require.NoError(t, err)
	assert.False(t, ok)

	tr := ledger.NewTransition("100", "Ship it", "2026-03-01", "2026-03-05", "Mori", now)
	require.NoError(t, repo.Append(ctx, tr))

	ok, err = repo.Exists(ctx, "100", "2026-03-01", "2026-03-05")
	require.NoError(t, err)
	assert.True(t, ok)

	// A different transition on the same task is a distinct identity.
	ok, err = repo.Exists(ctx, "100", "2026-03-05", "2026-03-09")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendSameIdentityKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ledger.DimensionDue)
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "Ship it", "2026-03-01", "", "Mori", now)))
	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "Ship it", "2026-03-01", "", "Mori", now)))

	rows, err := repo.ListByTask(ctx, "100")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestListByTaskFiltersOtherTasks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ledger.DimensionReason)
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "a", "", "Awaiting identify", "System", now)))
	require.NoError(t, repo.Append(ctx, ledger.NewTransition("200", "b", "", "Vendor slip", "Mori", now)))

	rows, err := repo.ListByTask(ctx, "100")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Awaiting identify", rows[0].New)
}

func TestMinOldDue(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ledger.DimensionDue)
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "a", "2026-03-05", "2026-03-09", "Mori", now)))
	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "a", "2026-03-01", "2026-03-05", "Mori", now)))
	require.NoError(t, repo.Append(ctx, ledger.NewTransition("100", "a", "", "2026-03-01", "Mori", now)))

	min, err := repo.MinOldDue(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", min, "empty old dates do not count as a minimum")
}

func TestMinOldDueNoRows(t *testing.T) {
	repo := newRepo(t, ledger.DimensionDue)
	min, err := repo.MinOldDue(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "", min)
}
