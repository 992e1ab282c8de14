package idcookie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AtlasGo/JATOS/internal/model"
)

// fakeClock advances one millisecond per reading.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func testRun(srid int64) Run {
	return Run{
		Worker: model.Worker{ID: 100 + srid, Type: model.WorkerGeneralMultiple},
		Batch:  model.Batch{ID: 2},
		Study: model.Study{ID: 1, DirName: "stroop", Components: []model.Component{
			{ID: 10, Active: true}, {ID: 11, Active: true},
		}},
		StudyResult: model.StudyResult{ID: srid},
	}
}

func newTestService() *Service {
	clock := &fakeClock{t: time.UnixMilli(1700000000000)}
	return NewService("/", clock.Now)
}

// TestSequentialStarts tests that N runs occupy slots 0..N-1
func TestSequentialStarts(t *testing.T) {
	svc := newTestService()
	coll := NewCollection()

	for i := 0; i < MaxSlots; i++ {
		m, err := svc.Write(coll, testRun(int64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, i, m.Index)
		assert.Equal(t, CookieName(i), m.Name)
	}
	assert.True(t, svc.IsFull(coll))

	_, err := svc.Write(coll, testRun(99))
	assert.ErrorIs(t, err, ErrCollectionFull)

	// Rewriting an existing run still works when full.
	_, err = svc.Write(coll, testRun(5))
	assert.NoError(t, err)
}

// TestEvictOldest tests that an eleventh run reuses the slot of the oldest run
func TestEvictOldest(t *testing.T) {
	svc := newTestService()
	coll := NewCollection()
	for i := 0; i < MaxSlots; i++ {
		_, err := svc.Write(coll, testRun(int64(i+1)))
		require.NoError(t, err)
	}

	// Refresh the run in slot 0 so slot 1 holds the oldest cookie.
	_, err := svc.Write(coll, testRun(1))
	require.NoError(t, err)

	oldest, ok := svc.Oldest(coll)
	require.True(t, ok)
	assert.Equal(t, int64(2), oldest.StudyResultID)
	assert.Equal(t, 1, oldest.Index)

	svc.Discard(coll, oldest.StudyResultID)
	m, err := svc.Write(coll, testRun(11))
	require.NoError(t, err)
	assert.Equal(t, oldest.Index, m.Index)
	assert.Equal(t, MaxSlots, coll.Len())
	assert.Empty(t, coll.Discarded(), "reused name is not expired")
}

// TestOldestTie tests that equal creation times resolve to the lowest index
func TestOldestTie(t *testing.T) {
	svc := NewService("/", func() time.Time { return time.UnixMilli(5) })
	coll := NewCollection()
	for i := 0; i < 3; i++ {
		_, err := svc.Write(coll, testRun(int64(10-i)))
		require.NoError(t, err)
	}
	oldest, ok := svc.Oldest(coll)
	require.True(t, ok)
	assert.Equal(t, 0, oldest.Index)

	_, ok = svc.Oldest(NewCollection())
	assert.False(t, ok)
}

// TestWriteReusesSlot tests that rewriting a run keeps its name
func TestWriteReusesSlot(t *testing.T) {
	svc := newTestService()
	coll := NewCollection()
	first, err := svc.Write(coll, testRun(1))
	require.NoError(t, err)
	_, err = svc.Write(coll, testRun(2))
	require.NoError(t, err)

	run := testRun(1)
	run.ComponentResult = &model.ComponentResult{ID: 55, ComponentID: 11}
	run.StudyResult.GroupResultID = 3
	run.Kind = RunSingleComponentStart
	second, err := svc.Write(coll, run)
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, int64(11), second.ComponentID)
	assert.Equal(t, int64(55), second.ComponentResultID)
	assert.Equal(t, 2, second.ComponentPosition)
	assert.Equal(t, int64(3), second.GroupResultID)
	assert.Equal(t, RunSingleComponentStart, second.RunKind)
	assert.Greater(t, second.CreationTime, first.CreationTime)
}

// TestDiscard tests that a discarded run is gone and expired
func TestDiscard(t *testing.T) {
	svc := newTestService()
	coll := NewCollection()
	m, err := svc.Write(coll, testRun(1))
	require.NoError(t, err)

	svc.Discard(coll, 1)
	_, err = svc.Get(coll, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{m.Name}, coll.Discarded())

	svc.Discard(coll, 1)
	assert.Len(t, coll.Discarded(), 1, "discard is idempotent")
}

// TestHasStudyAssets tests lookup by study assets directory
func TestHasStudyAssets(t *testing.T) {
	svc := newTestService()
	coll := NewCollection()
	_, err := svc.Write(coll, testRun(1))
	require.NoError(t, err)

	assert.True(t, svc.HasStudyAssets(coll, "stroop"))
	assert.False(t, svc.HasStudyAssets(coll, "flanker"))
}
