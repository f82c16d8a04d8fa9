package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kueuedb/kueue/internal/store/snapshot"
	"github.com/kueuedb/kueue/internal/store/wal"
	"github.com/kueuedb/kueue/pkg/types"
)

func newTestStore(t *testing.T) (*MemStore, *wal.WAL, *snapshot.Manager) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.NewWAL(filepath.Join(dir, "kueue.wal"), 1, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	snap := snapshot.NewManager(filepath.Join(dir, "snapshot.json"))
	return NewMemStore(w, snap), w, snap
}

func TestInsertAndFindOne(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := s.FindOne(ctx, ByID(id))
	require.NoError(t, err)
	assert.Equal(t, "email", got.Type)
	assert.False(t, got.Created.IsZero())
}

func TestFindOneNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.FindOne(context.Background(), ByID("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindAndModifyAppliesSingleDocumentCAS(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting})
	require.NoError(t, err)

	before, err := s.FindAndModify(ctx, ByID(id).WithStatus(types.StatusWaiting), func(j *types.Job) (*types.Job, error) {
		j.Status = types.StatusReady
		return j, nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, before.Status)

	after, err := s.FindOne(ctx, ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, after.Status)
}

func TestFindAndModifyPreconditionFailure(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting})
	require.NoError(t, err)

	_, err = s.FindAndModify(ctx, ByID(id).WithStatus(types.StatusReady), func(j *types.Job) (*types.Job, error) {
		j.Status = types.StatusRunning
		return j, nil
	})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestUpdateMulti(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting})
		require.NoError(t, err)
	}

	n, err := s.Update(ctx, Query{Type: "email"}.WithStatus(types.StatusWaiting), func(j *types.Job) (*types.Job, error) {
		j.Status = types.StatusReady
		return j, nil
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ready, err := s.Find(ctx, Query{Type: "email"}.WithStatus(types.StatusReady))
	require.NoError(t, err)
	assert.Len(t, ready, 3)
}

func TestRemove(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &types.Job{Type: "email"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, id))

	_, err = s.FindOne(ctx, ByID(id))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotAndRecover(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "kueue.wal")
	snapPath := filepath.Join(dir, "snapshot.json")

	w, err := wal.NewWAL(walPath, 1, time.Millisecond)
	require.NoError(t, err)
	snap := snapshot.NewManager(snapPath)
	s := NewMemStore(w, snap)

	ctx := context.Background()
	id1, err := s.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting})
	require.NoError(t, err)
	require.NoError(t, s.Snapshot(ctx))

	id2, err := s.Insert(ctx, &types.Job{Type: "sms", Status: types.StatusWaiting})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := wal.NewWAL(walPath, 1, time.Millisecond)
	require.NoError(t, err)
	defer w2.Close()
	recovered := NewMemStore(w2, snap)
	require.NoError(t, recovered.Recover(ctx))

	got1, err := recovered.FindOne(ctx, ByID(id1))
	require.NoError(t, err)
	assert.Equal(t, "email", got1.Type)

	got2, err := recovered.FindOne(ctx, ByID(id2))
	require.NoError(t, err)
	assert.Equal(t, "sms", got2.Type)
}
