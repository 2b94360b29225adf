package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcraft/engine/internal/store"
	"github.com/flowcraft/engine/internal/store/postgres"
)

var _ store.Store = (*postgres.Backend)(nil)

// newBackend requires a live PostgreSQL instance reachable at
// FLOWENGINE_TEST_POSTGRES_DSN; it skips otherwise since these tests
// exercise real FOR UPDATE SKIP LOCKED and advisory-lock behavior that
// sqlite and an in-memory fake can't stand in for.
func newBackend(t *testing.T) *postgres.Backend {
	t.Helper()
	dsn := os.Getenv("FLOWENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLOWENGINE_TEST_POSTGRES_DSN not set, skipping postgres backend tests")
	}
	b, err := postgres.New(postgres.Config{ConnectionString: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDispatchAndGetWorkflow(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.DispatchWorkflow(ctx, "ray-1", "", "greet", []byte(`{"name":"ada"}`), store.DispatchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	wf, err := b.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "greet", wf.Name)
	assert.True(t, wf.Wake.Immediate)
	assert.Equal(t, store.StatusRunning, wf.Status())
}

func TestDispatchUniqueDedupes(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	opts := store.DispatchOptions{Unique: true, Tags: map[string]string{"env": "prod"}}
	id1, err := b.DispatchWorkflow(ctx, "ray-1", "", "dup", nil, opts)
	require.NoError(t, err)
	id2, err := b.DispatchWorkflow(ctx, "ray-2", "", "dup", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestPullWorkflowsLeasesAndFiltersByName(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.DispatchWorkflow(ctx, "ray-1", "", "greet", nil, store.DispatchOptions{})
	require.NoError(t, err)

	pulled, err := b.PullWorkflows(ctx, "worker-a", []string{"other"}, 10)
	require.NoError(t, err)
	assert.Empty(t, pulled)

	pulled, err = b.PullWorkflows(ctx, "worker-a", []string{"greet"}, 10)
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	assert.Equal(t, id, pulled[0].Workflow.ID)
	assert.Equal(t, "worker-a", pulled[0].Workflow.LeaseOwner)

	pulled, err = b.PullWorkflows(ctx, "worker-b", []string{"greet"}, 10)
	require.NoError(t, err)
	assert.Empty(t, pulled, "a freshly leased workflow is not eligible again")
}

func TestCompleteWorkflow(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.DispatchWorkflow(ctx, "ray-1", "", "greet", nil, store.DispatchOptions{})
	require.NoError(t, err)
	require.NoError(t, b.CompleteWorkflow(ctx, id, []byte(`"done"`)))

	wf, err := b.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, wf.Status())
	assert.Equal(t, `"done"`, string(wf.Output))
}

func TestClearExpiredLeases(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.DispatchWorkflow(ctx, "ray-1", "", "greet", nil, store.DispatchOptions{})
	require.NoError(t, err)
	_, err = b.PullWorkflows(ctx, "worker-a", nil, 10)
	require.NoError(t, err)

	n, err := b.ClearExpiredLeases(ctx, "worker-a", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wf, err := b.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, wf.LeaseOwner)
}

func TestGCLockMutualExclusion(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	lock1 := postgres.NewGCLock(b)
	lock2 := postgres.NewGCLock(b)

	ok, err := lock1.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock2.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not acquire the same advisory lock")

	require.NoError(t, lock1.Unlock(ctx))

	ok, err = lock2.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock2.Unlock(ctx))
}
