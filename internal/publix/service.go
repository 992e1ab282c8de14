// Package publix runs studies for participants: it starts and ends study
// runs and components, stores result data and assigns runs to groups. The
// browser's ID cookie collection identifies the runs of a request.
// See doc.go for complete package documentation.
package publix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// Metrics receives study run events.
type Metrics interface {
	CookieEvicted()
	StudyRunStarted(workerType string)
	StudyRunEnded(state string)
}

type nopMetrics struct{}

func (nopMetrics) CookieEvicted() {}
func (nopMetrics) StudyRunStarted(string) {}
func (nopMetrics) StudyRunEnded(string) {}

// Dispatchers looks up running dispatchers without creating them.
type Dispatchers interface {
	Get(ctx context.Context, id int64) (*dispatcher.Dispatcher, bool, error)
}

// Config wires a Service.
type Config struct {
	Repo    *storage.Repository
	Cookies *idcookie.Service

	// Groups is the group dispatcher registry. Ending a run poisons the run's
	// group channel through it.
	Groups Dispatchers

	Logger  *slog.Logger
	Metrics Metrics

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Service implements the participant side of study runs.
//
// Concurrency Model:
//   - Methods are safe for concurrent use
//   - Each entity update is atomic (see storage.Repository)
//   - Group assignment is serialized so concurrent joins fill one new group
//     instead of opening one each
type Service struct {
	repo    *storage.Repository
	cookies *idcookie.Service
	groups  Dispatchers
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	groupMu sync.Mutex
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cookies == nil {
		cfg.Cookies = idcookie.NewService("/", cfg.Now)
	}
	return &Service{
		repo:    cfg.Repo,
		cookies: cfg.Cookies,
		groups:  cfg.Groups,
		logger:  cfg.Logger.With("component", "publix"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// run is everything a request about an existing study run needs.
type run struct {
	cookie idcookie.Model
	worker model.Worker
	study  model.Study
	batch  model.Batch
	result model.StudyResult
}

func (r run) idRun(cr *model.ComponentResult) idcookie.Run {
	return idcookie.Run{
		Worker:          r.worker,
		Batch:           r.batch,
		Study:           r.study,
		StudyResult:     r.result,
		ComponentResult: cr,
		Kind:            r.cookie.RunKind,
	}
}

// loadRun resolves the cookie of srid and the entities it names, and checks
// that they belong to studyID and that the worker may still work on them.
func (s *Service) loadRun(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (run, error) {
	m, err := s.cookies.Get(coll, srid)
	if err != nil {
		return run{}, err
	}
	if m.StudyID != studyID {
		return run{}, fmt.Errorf("%w: study result %d does not belong to study %d", ErrForbidden, srid, studyID)
	}

	r := run{cookie: m}
	if r.study, err = s.repo.Study(ctx, studyID); err != nil {
		return run{}, fmt.Errorf("study %d: %w", studyID, err)
	}
	if r.batch, err = s.repo.Batch(ctx, m.BatchID); err != nil {
		return run{}, fmt.Errorf("batch %d: %w", m.BatchID, err)
	}
	if r.worker, err = s.repo.Worker(ctx, m.WorkerID); err != nil {
		return run{}, fmt.Errorf("worker %d: %w", m.WorkerID, err)
	}
	if r.result, err = s.repo.StudyResult(ctx, srid); err != nil {
		return run{}, fmt.Errorf("study result %d: %w", srid, err)
	}
	if r.result.StudyID != studyID || r.result.WorkerID != r.worker.ID {
		return run{}, fmt.Errorf("%w: study result %d belongs to another run", ErrForbidden, srid)
	}
	if err := checkMayRun(r.worker, r.study, r.batch); err != nil {
		return run{}, err
	}
	return r, nil
}

// loadActiveRun is loadRun for operations that are only valid until the run
// has ended.
func (s *Service) loadActiveRun(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (run, error) {
	r, err := s.loadRun(ctx, coll, studyID, srid)
	if err != nil {
		return run{}, err
	}
	if r.result.State.Done() {
		return run{}, fmt.Errorf("%w: study result %d is already %s", ErrForbidden, srid, r.result.State)
	}
	return r, nil
}

// checkMayRun holds for every request of a running study.
func checkMayRun(w model.Worker, study model.Study, batch model.Batch) error {
	if batch.StudyID != study.ID {
		return fmt.Errorf("%w: batch %d does not belong to study %d", ErrForbidden, batch.ID, study.ID)
	}
	if !batch.Allows(w.Type) {
		return fmt.Errorf("%w: batch %d does not allow %s workers", ErrForbidden, batch.ID, w.Type)
	}
	return nil
}

// endRun moves the study result into a final state unless it already is in
// one, takes it out of its group and poisons its group channel. It reports
// whether the run was ended by this call.
func (s *Service) endRun(ctx context.Context, srid int64, state model.StudyState, msg string) (bool, error) {
	now := s.now()
	var ended bool
	sr, err := s.repo.UpdateStudyResult(ctx, srid, func(sr *model.StudyResult) error {
		if sr.State.Done() {
			return nil
		}
		ended = true
		sr.State = state
		sr.EndDate = now
		switch state {
		case model.StudyAborted:
			sr.AbortMsg = msg
		default:
			sr.ErrorMsg = msg
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("end study result %d: %w", srid, err)
	}
	if !ended {
		return false, nil
	}

	if err := s.endComponents(ctx, sr, state); err != nil {
		return true, err
	}
	if sr.GroupResultID != 0 {
		if err := s.leaveGroup(ctx, sr.GroupResultID, srid); err != nil {
			return true, err
		}
		s.poisonGroupChannel(ctx, sr.GroupResultID, srid)
	}
	s.metrics.StudyRunEnded(string(state))
	return true, nil
}

// endComponents closes the last component result of an ended run. An abort
// also drops the result data of every component.
func (s *Service) endComponents(ctx context.Context, sr model.StudyResult, state model.StudyState) error {
	now := s.now()
	ids := sr.ComponentResultIDs
	if state != model.StudyAborted {
		last, ok := sr.LastComponentResultID()
		if !ok {
			return nil
		}
		ids = []int64{last}
	}
	for _, id := range ids {
		_, err := s.repo.UpdateComponentResult(ctx, id, func(cr *model.ComponentResult) error {
			if state == model.StudyAborted {
				cr.Data = ""
			}
			if cr.State.Done() {
				return nil
			}
			cr.EndDate = now
			switch state {
			case model.StudyAborted:
				cr.State = model.ComponentAborted
			case model.StudyFail:
				cr.State = model.ComponentFail
			default:
				cr.State = model.ComponentFinished
			}
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("end component result %d: %w", id, err)
		}
	}
	return nil
}

// poisonGroupChannel closes the live group connection of a run, if any.
func (s *Service) poisonGroupChannel(ctx context.Context, groupID, srid int64) {
	if s.groups == nil {
		return
	}
	d, ok, err := s.groups.Get(ctx, groupID)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("could not look up group dispatcher", "group", groupID, "error", err)
		}
		return
	}
	if _, err := d.Poison(ctx, srid); err != nil && !errors.Is(err, dispatcher.ErrStopped) {
		s.logger.Warn("could not poison group channel", "group", groupID, "study_result", srid, "error", err)
	}
}
