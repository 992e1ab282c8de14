package storage

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AtlasGo/JATOS/internal/model"
)

// TestRepositoryEntities tests create, read and update of entities
func TestRepositoryEntities(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := NewRepository(newStore(t))

			require.NoError(t, repo.PutStudy(ctx, model.Study{ID: 1, DirName: "stroop", Components: []model.Component{{ID: 10, Active: true}}}))
			study, err := repo.Study(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "stroop", study.DirName)

			_, err = repo.Study(ctx, 2)
			assert.ErrorIs(t, err, ErrNotFound)

			sr := model.StudyResult{StudyID: 1, WorkerID: 3, State: model.StudyPre}
			require.NoError(t, repo.CreateStudyResult(ctx, &sr))
			assert.Equal(t, int64(1), sr.ID)

			updated, err := repo.UpdateStudyResult(ctx, sr.ID, func(sr *model.StudyResult) error {
				sr.State = model.StudyStarted
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.StudyStarted, updated.State)

			got, err := repo.StudyResult(ctx, sr.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StudyStarted, got.State)

			_, err = repo.UpdateStudyResult(ctx, 99, func(*model.StudyResult) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)

			other := model.StudyResult{StudyID: 1, WorkerID: 4}
			require.NoError(t, repo.CreateStudyResult(ctx, &other))
			byWorker, err := repo.StudyResultsByWorker(ctx, 3)
			require.NoError(t, err)
			require.Len(t, byWorker, 1)
			assert.Equal(t, sr.ID, byWorker[0].ID)
		})
	}
}

// TestRepositoryUpdateAbort tests that a failing update writes nothing
func TestRepositoryUpdateAbort(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	g := model.GroupResult{BatchID: 1, State: model.GroupStarted}
	require.NoError(t, repo.CreateGroupResult(ctx, &g))

	_, err := repo.UpdateGroupResult(ctx, g.ID, func(g *model.GroupResult) error {
		g.State = model.GroupFinished
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := repo.GroupResult(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStarted, got.State)
}

// TestRepositoryConcurrentUpdates tests that concurrent updates are not lost
func TestRepositoryConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	g := model.GroupResult{BatchID: 1, State: model.GroupStarted}
	require.NoError(t, repo.CreateGroupResult(ctx, &g))

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := repo.UpdateGroupResult(ctx, g.ID, func(g *model.GroupResult) error {
				g.AddMember(id, id)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.GroupResult(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, got.ActiveMembers, 20)
}

// TestRepositorySkipsSeededIDs tests that created ids avoid seeded entities
func TestRepositorySkipsSeededIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	require.NoError(t, repo.PutWorker(ctx, model.Worker{ID: 1, Type: model.WorkerJatos}))
	require.NoError(t, repo.PutWorker(ctx, model.Worker{ID: 2, Type: model.WorkerPersonalSingle}))

	w := model.Worker{Type: model.WorkerGeneralSingle}
	require.NoError(t, repo.CreateWorker(ctx, &w))
	assert.Equal(t, int64(3), w.ID)

	seeded, err := repo.Worker(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerJatos, seeded.Type)
}

// TestGroupResultsByBatch tests listing group results of one batch
func TestGroupResultsByBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	for _, batch := range []int64{1, 2, 1} {
		g := model.GroupResult{BatchID: batch, State: model.GroupStarted}
		require.NoError(t, repo.CreateGroupResult(ctx, &g))
	}
	groups, err := repo.GroupResultsByBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0].ID)
	assert.Equal(t, int64(3), groups[1].ID)
}

const testSeed = `
studies:
  - id: 1
    title: Stroop
    dirName: stroop
    groupStudy: true
    batchIds: [1]
    components:
      - {id: 10, title: Intro, htmlFilePath: intro.html, active: true}
      - {id: 11, title: Task, htmlFilePath: task.html, active: true, reloadable: true}
batches:
  - id: 1
    studyId: 1
    title: Default
    active: true
    allowedWorkerTypes: [Jatos, GeneralSingle]
    maxActiveMembers: 2
workers:
  - {id: 1, type: Jatos}
`

// TestSeed tests decoding and applying a seed document
func TestSeed(t *testing.T) {
	ctx := context.Background()
	seed, err := DecodeSeed(strings.NewReader(testSeed))
	require.NoError(t, err)
	require.Len(t, seed.Studies, 1)
	assert.Len(t, seed.Studies[0].Components, 2)
	assert.True(t, seed.Studies[0].Components[1].Reloadable)

	repo := NewRepository(NewMemoryStore())
	require.NoError(t, seed.Apply(ctx, repo))

	b, err := repo.Batch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, b.MaxActiveMembers)
	assert.True(t, b.Allows(model.WorkerGeneralSingle))

	w, err := repo.Worker(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerJatos, w.Type)
}

// TestSeedInvalid tests seed validation
func TestSeedInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "studies:\n  - id: 1\n    dirName: x\n    colour: red\n"},
		{"study without dir", "studies:\n  - id: 1\n"},
		{"batch of unknown study", "batches:\n  - id: 1\n    studyId: 9\n"},
		{"unknown worker type", "studies:\n  - {id: 1, dirName: x}\nbatches:\n  - {id: 1, studyId: 1, allowedWorkerTypes: [MTurk]}\n"},
		{"invalid worker", "workers:\n  - {id: 0, type: Jatos}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSeed(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

// TestDecodeEmptySeed tests that an empty document is a valid seed
func TestDecodeEmptySeed(t *testing.T) {
	seed, err := DecodeSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Studies)
}
