package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kueuedb/kueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(id types.JobID) *types.Job {
	return &types.Job{
		ID:      id,
		Type:    "email",
		Status:  types.StatusWaiting,
		Data:    map[string]interface{}{"to": "a@example.com"},
		Created: time.Now(),
		Updated: time.Now(),
	}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kueue.wal")
	w, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)

	job1 := newTestJob("job-1")
	job2 := newTestJob("job-2")

	require.NoError(t, w.Append(EventSave, job1.ID, job1))
	require.NoError(t, w.Append(EventSave, job2.ID, job2))
	require.NoError(t, w.Append(EventPromote, job1.ID, job1))
	require.NoError(t, w.Close())

	var seen []EventType
	replay, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	defer replay.Close()

	err = replay.Replay(func(event *Event) error {
		seen = append(seen, event.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventSave, EventSave, EventPromote}, seen)
	assert.EqualValues(t, 3, replay.GetLastSeq())
}

func TestAppendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kueue.wal")

	w, err := NewWAL(path, 1, time.Millisecond)
	require.NoError(t, err)
	job := newTestJob("job-1")
	require.NoError(t, w.Append(EventSave, job.ID, job))
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, 1, time.Millisecond)
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 1, reopened.GetLastSeq())

	job2 := newTestJob("job-2")
	require.NoError(t, reopened.Append(EventSave, job2.ID, job2))
	assert.EqualValues(t, 2, reopened.GetLastSeq())
}

func TestVerifyChecksumRejectsTamperedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kueue.wal")
	w, err := NewWAL(path, 1, time.Millisecond)
	require.NoError(t, err)
	job := newTestJob("job-1")
	require.NoError(t, w.Append(EventSave, job.ID, job))
	require.NoError(t, w.Close())

	reader, err := NewWAL(path, 1, time.Millisecond)
	require.NoError(t, err)
	defer reader.Close()

	bad := Event{Seq: 99, Type: EventSave, JobID: job.ID, Checksum: 0}
	assert.False(t, VerifyChecksum(bad))
}

func TestRotateStartsFreshSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kueue.wal")
	w, err := NewWAL(path, 1, time.Millisecond)
	require.NoError(t, err)

	job := newTestJob("job-1")
	require.NoError(t, w.Append(EventSave, job.ID, job))
	require.NoError(t, w.Rotate())
	assert.EqualValues(t, 0, w.GetLastSeq())

	job2 := newTestJob("job-2")
	require.NoError(t, w.Append(EventSave, job2.ID, job2))
	assert.EqualValues(t, 1, w.GetLastSeq())
	require.NoError(t, w.Close())
}

func TestGetLastEventOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.wal")
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}
