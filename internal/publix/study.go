package publix

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// evictedMsg is stored on study results ended to free a cookie slot.
const evictedMsg = "Study run ended because the browser exceeded the maximum number of parallel study runs."

// StartRequest starts a study run.
type StartRequest struct {
	StudyID int64

	// BatchID selects the batch. Zero selects the study's first batch.
	BatchID int64

	WorkerType model.WorkerType

	// WorkerID names an existing worker. General workers are created per
	// run and ignore it.
	WorkerID int64

	// RunKind is only accepted for Jatos workers. Empty means a full study
	// run.
	RunKind idcookie.RunKind

	// ComponentID is the component of a single component run.
	ComponentID int64

	// URLQuery is the raw query of the start URL, kept with the result.
	URLQuery string
}

// Started is the outcome of StartStudy.
type Started struct {
	StudyResult model.StudyResult `json:"studyResult"`
	Cookie      idcookie.Model    `json:"-"`

	// Component is the component the participant continues with.
	Component model.Component `json:"component"`
}

// StartStudy starts a new study run and writes its ID cookie into coll. If
// coll is full, the run of the oldest cookie is ended and its cookie
// discarded first.
func (s *Service) StartStudy(ctx context.Context, coll *idcookie.Collection, req StartRequest) (Started, error) {
	if !req.WorkerType.Valid() {
		return Started{}, fmt.Errorf("%w: unknown worker type %q", ErrBadRequest, req.WorkerType)
	}
	study, err := s.repo.Study(ctx, req.StudyID)
	if err != nil {
		return Started{}, fmt.Errorf("study %d: %w", req.StudyID, err)
	}
	batch, err := s.startBatch(ctx, study, req.BatchID)
	if err != nil {
		return Started{}, err
	}
	if !batch.Active {
		return Started{}, fmt.Errorf("%w: batch %d is inactive", ErrForbidden, batch.ID)
	}
	if !batch.Allows(req.WorkerType) {
		return Started{}, fmt.Errorf("%w: batch %d does not allow %s workers", ErrForbidden, batch.ID, req.WorkerType)
	}
	kind, err := startRunKind(req)
	if err != nil {
		return Started{}, err
	}
	component, err := startComponentOf(study, kind, req.ComponentID)
	if err != nil {
		return Started{}, err
	}
	worker, err := s.startWorker(ctx, req)
	if err != nil {
		return Started{}, err
	}
	if err := s.checkSingleRun(ctx, worker, study); err != nil {
		return Started{}, err
	}

	if s.cookies.IsFull(coll) {
		if err := s.evictOldest(ctx, coll); err != nil {
			return Started{}, err
		}
	}

	sr := model.StudyResult{
		StudyID:    study.ID,
		BatchID:    batch.ID,
		WorkerID:   worker.ID,
		WorkerType: worker.Type,
		State:      model.StudyPre,
		URLQuery:   req.URLQuery,
		StartDate:  s.now(),
	}
	if err := s.repo.CreateStudyResult(ctx, &sr); err != nil {
		return Started{}, fmt.Errorf("create study result: %w", err)
	}

	m, err := s.cookies.Write(coll, idcookie.Run{
		Worker:      worker,
		Batch:       batch,
		Study:       study,
		StudyResult: sr,
		Kind:        kind,
	})
	if err != nil {
		return Started{}, fmt.Errorf("write ID cookie: %w", err)
	}

	s.metrics.StudyRunStarted(string(worker.Type))
	s.logger.Info("study run started",
		"study", study.ID, "batch", batch.ID, "worker", worker.ID,
		"worker_type", string(worker.Type), "study_result", sr.ID, "cookie", m.Name)
	return Started{StudyResult: sr, Cookie: m, Component: component}, nil
}

func (s *Service) startBatch(ctx context.Context, study model.Study, batchID int64) (model.Batch, error) {
	if batchID == 0 {
		if len(study.BatchIDs) == 0 {
			return model.Batch{}, fmt.Errorf("%w: study %d has no batch", ErrNotFound, study.ID)
		}
		batchID = study.BatchIDs[0]
	}
	batch, err := s.repo.Batch(ctx, batchID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batch %d: %w", batchID, err)
	}
	if batch.StudyID != study.ID {
		return model.Batch{}, fmt.Errorf("%w: batch %d does not belong to study %d", ErrForbidden, batch.ID, study.ID)
	}
	return batch, nil
}

func startRunKind(req StartRequest) (idcookie.RunKind, error) {
	if req.WorkerType != model.WorkerJatos {
		if req.RunKind != idcookie.RunNone {
			return "", fmt.Errorf("%w: run kind %s needs a Jatos worker", ErrBadRequest, req.RunKind)
		}
		return idcookie.RunNone, nil
	}
	switch req.RunKind {
	case idcookie.RunNone, idcookie.RunFullStudy:
		return idcookie.RunFullStudy, nil
	case idcookie.RunSingleComponentStart:
		return idcookie.RunSingleComponentStart, nil
	case idcookie.RunSingleComponentFinished:
		return "", fmt.Errorf("%w: single component run was already finished", ErrForbidden)
	default:
		return "", fmt.Errorf("%w: unknown run kind %q", ErrBadRequest, req.RunKind)
	}
}

func startComponentOf(study model.Study, kind idcookie.RunKind, componentID int64) (model.Component, error) {
	if kind == idcookie.RunSingleComponentStart {
		c, ok := study.Component(componentID)
		if !ok {
			return model.Component{}, fmt.Errorf("%w: component %d of study %d", ErrNotFound, componentID, study.ID)
		}
		return c, nil
	}
	c, ok := study.FirstActiveComponent()
	if !ok {
		return model.Component{}, fmt.Errorf("%w: study %d has no active component", ErrForbidden, study.ID)
	}
	return c, nil
}

// startWorker creates the worker of a general run or loads an existing one.
func (s *Service) startWorker(ctx context.Context, req StartRequest) (model.Worker, error) {
	switch req.WorkerType {
	case model.WorkerGeneralSingle, model.WorkerGeneralMultiple:
		w := model.Worker{Type: req.WorkerType, Token: uuid.NewString()}
		if err := s.repo.CreateWorker(ctx, &w); err != nil {
			return model.Worker{}, fmt.Errorf("create worker: %w", err)
		}
		return w, nil
	}
	if req.WorkerID == 0 {
		return model.Worker{}, fmt.Errorf("%w: %s worker needs a worker id", ErrBadRequest, req.WorkerType)
	}
	w, err := s.repo.Worker(ctx, req.WorkerID)
	if err != nil {
		return model.Worker{}, fmt.Errorf("worker %d: %w", req.WorkerID, err)
	}
	if w.Type != req.WorkerType {
		return model.Worker{}, fmt.Errorf("%w: worker %d is a %s worker", ErrForbidden, w.ID, w.Type)
	}
	return w, nil
}

// checkSingleRun refuses a second run of a study by a single-run worker.
func (s *Service) checkSingleRun(ctx context.Context, w model.Worker, study model.Study) error {
	if !w.Type.SingleRun() {
		return nil
	}
	results, err := s.repo.StudyResultsByWorker(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("study results of worker %d: %w", w.ID, err)
	}
	for _, sr := range results {
		if sr.StudyID == study.ID {
			return fmt.Errorf("%w: worker %d already ran study %d", ErrForbidden, w.ID, study.ID)
		}
	}
	return nil
}

// evictOldest ends the run of the oldest cookie and discards the cookie.
func (s *Service) evictOldest(ctx context.Context, coll *idcookie.Collection) error {
	oldest, ok := s.cookies.Oldest(coll)
	if !ok {
		return nil
	}
	_, err := s.endRun(ctx, oldest.StudyResultID, model.StudyFail, evictedMsg)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("evict study result %d: %w", oldest.StudyResultID, err)
	}
	s.cookies.Discard(coll, oldest.StudyResultID)
	s.metrics.CookieEvicted()
	s.logger.Info("evicted oldest ID cookie", "cookie", oldest.Name, "study_result", oldest.StudyResultID)
	return nil
}

// AbortStudy aborts a run: its result data is dropped, it leaves its group
// and its cookie is discarded. Aborting an ended run only discards the
// cookie.
func (s *Service) AbortStudy(ctx context.Context, coll *idcookie.Collection, studyID, srid int64, msg string) error {
	return s.end(ctx, coll, studyID, srid, model.StudyAborted, msg)
}

// FinishStudy finishes a run as FINISHED or FAIL, takes it out of its group
// and discards its cookie. Finishing an ended run only discards the cookie.
func (s *Service) FinishStudy(ctx context.Context, coll *idcookie.Collection, studyID, srid int64, successful bool, errMsg string) error {
	state := model.StudyFinished
	if !successful {
		state = model.StudyFail
	}
	return s.end(ctx, coll, studyID, srid, state, errMsg)
}

func (s *Service) end(ctx context.Context, coll *idcookie.Collection, studyID, srid int64, state model.StudyState, msg string) error {
	if _, err := s.loadRun(ctx, coll, studyID, srid); err != nil {
		return err
	}
	ended, err := s.endRun(ctx, srid, state, msg)
	if err != nil {
		return err
	}
	s.cookies.Discard(coll, srid)
	if ended {
		s.logger.Info("study run ended", "study", studyID, "study_result", srid, "state", string(state))
	}
	return nil
}

// SetStudySessionData replaces the study session data of a run.
func (s *Service) SetStudySessionData(ctx context.Context, coll *idcookie.Collection, studyID, srid int64, data string) error {
	if _, err := s.loadActiveRun(ctx, coll, studyID, srid); err != nil {
		return err
	}
	_, err := s.repo.UpdateStudyResult(ctx, srid, func(sr *model.StudyResult) error {
		sr.StudySessionData = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("store study session data: %w", err)
	}
	return nil
}

// Heartbeat records that the participant's browser is still there.
func (s *Service) Heartbeat(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) error {
	if _, err := s.loadRun(ctx, coll, studyID, srid); err != nil {
		return err
	}
	now := s.now()
	_, err := s.repo.UpdateStudyResult(ctx, srid, func(sr *model.StudyResult) error {
		sr.LastSeen = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Log writes a message sent by the study's JavaScript to the server log.
func (s *Service) Log(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64, msg string) error {
	r, err := s.loadRun(ctx, coll, studyID, srid)
	if err != nil {
		return err
	}
	s.logger.Info("client log",
		"study", studyID, "component", componentID, "worker", r.worker.ID,
		"study_result", srid, "message", msg)
	return nil
}
