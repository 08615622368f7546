package expiration

import (
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunkID(t *testing.T) chunkid.ID {
	t.Helper()
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	require.NoError(t, err)
	return id
}

func TestExpiredReturnsOnlyDueEntries(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	due := testChunkID(t)
	notDue := testChunkID(t)

	tr.Schedule(due, now.Add(-time.Minute))
	tr.Schedule(notDue, now.Add(time.Hour))

	expired := tr.Expired(now)
	assert.Equal(t, []chunkid.ID{due}, expired)
	assert.Equal(t, 1, tr.Len())
}

func TestCancelRemovesSchedule(t *testing.T) {
	tr := NewTracker()
	id := testChunkID(t)
	tr.Schedule(id, time.Now().Add(time.Minute))
	tr.Cancel(id)

	assert.False(t, tr.IsScheduled(id))
	assert.Equal(t, 0, tr.Len())
}

func TestScheduleReplacesExistingEntry(t *testing.T) {
	tr := NewTracker()
	id := testChunkID(t)
	now := time.Now()
	tr.Schedule(id, now.Add(time.Hour))
	tr.Schedule(id, now.Add(-time.Minute))

	assert.Equal(t, 1, tr.Len())
	expired := tr.Expired(now)
	assert.Equal(t, []chunkid.ID{id}, expired)
}

func TestExpiredPopsInTimeOrder(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	first := testChunkID(t)
	second := testChunkID(t)
	tr.Schedule(second, now.Add(-time.Minute))
	tr.Schedule(first, now.Add(-time.Hour))

	expired := tr.Expired(now)
	assert.Equal(t, []chunkid.ID{first, second}, expired)
}
