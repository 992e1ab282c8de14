package publix

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/logging"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// Fixture ids
const (
	groupStudy   = 1
	groupBatch   = 1
	soloStudy    = 2
	soloBatch    = 2
	closedBatch  = 3
	jatosWorker  = 1
	singleWorker = 2
	multiWorker  = 3

	compIntro = 10 // not reloadable
	compTask  = 11 // reloadable
	compOff   = 12 // inactive
	compOutro = 13
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances the clock by one millisecond per reading so every cookie
// gets a distinct creation time.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type countingMetrics struct {
	evicted atomic.Int64
	started atomic.Int64
	ended   atomic.Int64
}

func (m *countingMetrics) CookieEvicted() { m.evicted.Add(1) }
func (m *countingMetrics) StudyRunStarted(string) { m.started.Add(1) }
func (m *countingMetrics) StudyRunEnded(string) { m.ended.Add(1) }

type fakeMember struct {
	poisoned atomic.Bool
}

func (m *fakeMember) Send([]byte) bool { return true }
func (m *fakeMember) Poison() { m.poisoned.Store(true) }

type fixture struct {
	ctx     context.Context
	repo    *storage.Repository
	groups  *dispatcher.Registry
	metrics *countingMetrics
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewRepository(storage.NewMemoryStore())

	all := []model.WorkerType{
		model.WorkerJatos, model.WorkerPersonalSingle, model.WorkerPersonalMultiple,
		model.WorkerGeneralSingle, model.WorkerGeneralMultiple,
	}
	require.NoError(t, repo.PutStudy(ctx, model.Study{
		ID: groupStudy, Title: "Prisoner's dilemma", DirName: "dilemma", GroupStudy: true,
		BatchIDs: []int64{groupBatch, closedBatch},
		Components: []model.Component{
			{ID: compIntro, Title: "Intro", Active: true},
			{ID: compTask, Title: "Task", Active: true, Reloadable: true},
			{ID: compOff, Title: "Old", Active: false},
			{ID: compOutro, Title: "Outro", Active: true},
		},
	}))
	require.NoError(t, repo.PutStudy(ctx, model.Study{
		ID: soloStudy, Title: "Stroop", DirName: "stroop", BatchIDs: []int64{soloBatch},
		Components: []model.Component{{ID: 20, Title: "Only", Active: true}},
	}))
	require.NoError(t, repo.PutBatch(ctx, model.Batch{
		ID: groupBatch, StudyID: groupStudy, Active: true, AllowedWorkerTypes: all, MaxActiveMembers: 2,
	}))
	require.NoError(t, repo.PutBatch(ctx, model.Batch{
		ID: soloBatch, StudyID: soloStudy, Active: true,
		AllowedWorkerTypes: []model.WorkerType{model.WorkerGeneralMultiple, model.WorkerPersonalSingle},
	}))
	require.NoError(t, repo.PutBatch(ctx, model.Batch{
		ID: closedBatch, StudyID: groupStudy, Active: false, AllowedWorkerTypes: all,
	}))
	require.NoError(t, repo.PutWorker(ctx, model.Worker{ID: jatosWorker, Type: model.WorkerJatos}))
	require.NoError(t, repo.PutWorker(ctx, model.Worker{ID: singleWorker, Type: model.WorkerPersonalSingle}))
	require.NoError(t, repo.PutWorker(ctx, model.Worker{ID: multiWorker, Type: model.WorkerPersonalMultiple}))

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	groups := dispatcher.NewRegistry(dispatcher.KindGroup, dispatcher.Config{
		Store:  GroupSessions{Repo: repo},
		Logger: logging.Discard(),
	})
	t.Cleanup(groups.Close)

	metrics := &countingMetrics{}
	svc := New(Config{
		Repo:    repo,
		Cookies: idcookie.NewService("/", clock.Now),
		Groups:  groups,
		Logger:  logging.Discard(),
		Metrics: metrics,
		Now:     clock.Now,
	})
	return &fixture{ctx: ctx, repo: repo, groups: groups, metrics: metrics, svc: svc}
}

// start begins a general multiple run of the group study.
func (f *fixture) start(t *testing.T, coll *idcookie.Collection) Started {
	t.Helper()
	st, err := f.svc.StartStudy(f.ctx, coll, StartRequest{StudyID: groupStudy, WorkerType: model.WorkerGeneralMultiple})
	require.NoError(t, err)
	return st
}

func (f *fixture) studyResult(t *testing.T, id int64) model.StudyResult {
	t.Helper()
	sr, err := f.repo.StudyResult(f.ctx, id)
	require.NoError(t, err)
	return sr
}

func (f *fixture) componentResult(t *testing.T, id int64) model.ComponentResult {
	t.Helper()
	cr, err := f.repo.ComponentResult(f.ctx, id)
	require.NoError(t, err)
	return cr
}
