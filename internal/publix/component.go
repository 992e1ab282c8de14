package publix

import (
	"context"
	"errors"
	"fmt"

	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// Ended is set on a component outcome when the request ended the whole run
// instead, for example a forbidden reload. The participant is done.
type Ended struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message,omitempty"`
}

// ComponentRun is the outcome of starting a component.
type ComponentRun struct {
	StudyResult     model.StudyResult     `json:"studyResult"`
	Component       model.Component       `json:"component"`
	ComponentResult model.ComponentResult `json:"componentResult"`
	Position        int                   `json:"position"`

	// Ended is non-nil when the run was ended instead of starting the
	// component; the other fields are then zero.
	Ended *Ended `json:"ended,omitempty"`
}

var errReloadForbidden = errors.New("reload of a component that is not reloadable")

// StartComponent starts componentID in the run srid and rewrites the run's
// ID cookie. Starting the component that is already running reloads it if
// it is reloadable and fails the run otherwise. A single component run ends
// when a second component is started.
func (s *Service) StartComponent(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64) (ComponentRun, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return ComponentRun{}, err
	}
	component, err := activeComponent(r.study, componentID)
	if err != nil {
		return ComponentRun{}, err
	}

	switch r.cookie.RunKind {
	case idcookie.RunSingleComponentStart:
		r.cookie.RunKind = idcookie.RunSingleComponentFinished
	case idcookie.RunSingleComponentFinished:
		if last, ok := s.lastComponentResult(ctx, r.result); !ok || last.ComponentID != componentID {
			return s.endInstead(ctx, coll, srid, true, "")
		}
	}

	if r.result.State == model.StudyPre {
		if first, ok := r.study.FirstActiveComponent(); !ok || first.ID != componentID {
			r.result.State = model.StudyStarted
		}
	}

	cr, err := s.startComponent(ctx, &r, component)
	if errors.Is(err, errReloadForbidden) {
		return s.endInstead(ctx, coll, srid, false, err.Error())
	}
	if err != nil {
		return ComponentRun{}, err
	}

	if _, err := s.cookies.Write(coll, r.idRun(&cr)); err != nil {
		return ComponentRun{}, fmt.Errorf("write ID cookie: %w", err)
	}
	s.logger.Debug("component started", "study", studyID, "component", componentID, "study_result", srid, "component_result", cr.ID)
	return ComponentRun{
		StudyResult:     r.result,
		Component:       component,
		ComponentResult: cr,
		Position:        r.study.ComponentPosition(componentID),
	}, nil
}

// StartComponentByPosition starts the component at a 1-based position.
func (s *Service) StartComponentByPosition(ctx context.Context, coll *idcookie.Collection, studyID int64, position int, srid int64) (ComponentRun, error) {
	study, err := s.repo.Study(ctx, studyID)
	if err != nil {
		return ComponentRun{}, fmt.Errorf("study %d: %w", studyID, err)
	}
	c, ok := study.ComponentAt(position)
	if !ok {
		return ComponentRun{}, fmt.Errorf("%w: study %d has no component at position %d", ErrNotFound, studyID, position)
	}
	return s.StartComponent(ctx, coll, studyID, c.ID, srid)
}

// StartNextComponent starts the active component after the current one. A
// run without a next component is finished successfully.
func (s *Service) StartNextComponent(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (ComponentRun, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return ComponentRun{}, err
	}

	switch r.cookie.RunKind {
	case idcookie.RunSingleComponentStart:
		return s.endInstead(ctx, coll, srid, false, "single component run was never started")
	case idcookie.RunSingleComponentFinished:
		return s.endInstead(ctx, coll, srid, true, "")
	}

	var next model.Component
	var ok bool
	if last, found := s.lastComponentResult(ctx, r.result); found {
		next, ok = r.study.NextActiveComponent(last.ComponentID)
	} else {
		next, ok = r.study.FirstActiveComponent()
	}
	if !ok {
		return s.endInstead(ctx, coll, srid, true, "")
	}
	return s.StartComponent(ctx, coll, studyID, next.ID, srid)
}

// endInstead finishes the run in place of the requested component start.
func (s *Service) endInstead(ctx context.Context, coll *idcookie.Collection, srid int64, successful bool, msg string) (ComponentRun, error) {
	state := model.StudyFinished
	if !successful {
		state = model.StudyFail
	}
	if _, err := s.endRun(ctx, srid, state, msg); err != nil {
		return ComponentRun{}, err
	}
	s.cookies.Discard(coll, srid)
	s.logger.Info("study run ended", "study_result", srid, "state", string(state), "message", msg)
	return ComponentRun{Ended: &Ended{Successful: successful, Message: msg}}, nil
}

// startComponent closes the current component result and creates a new one
// for component. r.result is updated in place.
func (s *Service) startComponent(ctx context.Context, r *run, component model.Component) (model.ComponentResult, error) {
	now := s.now()
	if last, ok := s.lastComponentResult(ctx, r.result); ok {
		reload := last.ComponentID == component.ID
		if reload && !component.Reloadable {
			return model.ComponentResult{}, fmt.Errorf("%w: component %d", errReloadForbidden, component.ID)
		}
		_, err := s.repo.UpdateComponentResult(ctx, last.ID, func(cr *model.ComponentResult) error {
			if cr.State.Done() {
				return nil
			}
			cr.EndDate = now
			cr.State = model.ComponentFinished
			if reload {
				cr.State = model.ComponentReloaded
			}
			return nil
		})
		if err != nil {
			return model.ComponentResult{}, fmt.Errorf("end component result %d: %w", last.ID, err)
		}
	}

	cr := model.ComponentResult{
		StudyResultID: r.result.ID,
		ComponentID:   component.ID,
		State:         model.ComponentStarted,
		StartDate:     now,
	}
	if err := s.repo.CreateComponentResult(ctx, &cr); err != nil {
		return model.ComponentResult{}, fmt.Errorf("create component result: %w", err)
	}

	state := r.result.State
	sr, err := s.repo.UpdateStudyResult(ctx, r.result.ID, func(sr *model.StudyResult) error {
		if sr.State.Done() {
			return fmt.Errorf("%w: study result %d ended meanwhile", ErrForbidden, sr.ID)
		}
		if state != model.StudyPre && sr.State == model.StudyPre {
			sr.State = state
		}
		sr.ComponentResultIDs = append(sr.ComponentResultIDs, cr.ID)
		return nil
	})
	if err != nil {
		return model.ComponentResult{}, err
	}
	r.result = sr
	return cr, nil
}

func (s *Service) lastComponentResult(ctx context.Context, sr model.StudyResult) (model.ComponentResult, bool) {
	id, ok := sr.LastComponentResultID()
	if !ok {
		return model.ComponentResult{}, false
	}
	cr, err := s.repo.ComponentResult(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("could not load component result", "component_result", id, "error", err)
		}
		return model.ComponentResult{}, false
	}
	return cr, true
}

func activeComponent(study model.Study, componentID int64) (model.Component, error) {
	c, ok := study.Component(componentID)
	if !ok {
		return model.Component{}, fmt.Errorf("%w: component %d of study %d", ErrNotFound, componentID, study.ID)
	}
	if !c.Active {
		return model.Component{}, fmt.Errorf("%w: component %d is inactive", ErrForbidden, componentID)
	}
	return c, nil
}

// InitData is what a component page loads when it starts.
type InitData struct {
	StudyResultID    int64            `json:"studyResultId"`
	Study            StudyProperties  `json:"studyProperties"`
	Component        model.Component  `json:"componentProperties"`
	ComponentList    []ComponentEntry `json:"componentList"`
	Batch            BatchProperties  `json:"batchProperties"`
	StudySessionData string           `json:"studySessionData"`
	GroupResult      *GroupInfo       `json:"groupResult,omitempty"`
	URLQuery         string           `json:"urlQueryParameters,omitempty"`
}

// StudyProperties are the study fields a component page may read.
type StudyProperties struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DirName     string `json:"dirName"`
	GroupStudy  bool   `json:"groupStudy"`
	JSONData    string `json:"jsonData,omitempty"`
}

// ComponentEntry lists one component of the study.
type ComponentEntry struct {
	ID       int64  `json:"id"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
}

// BatchProperties are the batch fields a component page may read.
type BatchProperties struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	MaxActiveMembers int    `json:"maxActiveMembers"`
	MaxTotalMembers  int    `json:"maxTotalMembers"`
	MaxTotalWorkers  int    `json:"maxTotalWorkers"`
	JSONData         string `json:"jsonData,omitempty"`
}

// GroupInfo describes the group of a run.
type GroupInfo struct {
	ID             int64            `json:"id"`
	State          model.GroupState `json:"state"`
	ActiveMembers  []int64          `json:"activeMemberIds"`
	HistoryMembers []int64          `json:"historyMemberIds"`
}

func groupInfo(g model.GroupResult) *GroupInfo {
	return &GroupInfo{ID: g.ID, State: g.State, ActiveMembers: g.ActiveMembers, HistoryMembers: g.HistoryMembers}
}

// InitData returns the data a component page starts with and moves the run
// and the component result to DATA_RETRIEVED. A component that is not the
// running one is started first.
func (s *Service) InitData(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64) (InitData, *Ended, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return InitData{}, nil, err
	}
	component, err := activeComponent(r.study, componentID)
	if err != nil {
		return InitData{}, nil, err
	}

	cr, ok := s.lastComponentResult(ctx, r.result)
	if !ok || cr.ComponentID != componentID || cr.State != model.ComponentStarted {
		started, err := s.StartComponent(ctx, coll, studyID, componentID, srid)
		if err != nil {
			return InitData{}, nil, err
		}
		if started.Ended != nil {
			return InitData{}, started.Ended, nil
		}
		r.result, cr = started.StudyResult, started.ComponentResult
	}

	sr, err := s.repo.UpdateStudyResult(ctx, srid, func(sr *model.StudyResult) error {
		if sr.State != model.StudyPre && !sr.State.Done() {
			sr.State = model.StudyDataRetrieved
		}
		return nil
	})
	if err != nil {
		return InitData{}, nil, fmt.Errorf("update study result: %w", err)
	}
	if _, err := s.repo.UpdateComponentResult(ctx, cr.ID, func(cr *model.ComponentResult) error {
		if !cr.State.Done() {
			cr.State = model.ComponentDataRetrieved
		}
		return nil
	}); err != nil {
		return InitData{}, nil, fmt.Errorf("update component result: %w", err)
	}

	data := InitData{
		StudyResultID: sr.ID,
		Study: StudyProperties{
			ID:          r.study.ID,
			Title:       r.study.Title,
			Description: r.study.Description,
			DirName:     r.study.DirName,
			GroupStudy:  r.study.GroupStudy,
			JSONData:    r.study.JSONData,
		},
		Component: component,
		Batch: BatchProperties{
			ID:               r.batch.ID,
			Title:            r.batch.Title,
			MaxActiveMembers: r.batch.MaxActiveMembers,
			MaxTotalMembers:  r.batch.MaxTotalMembers,
			MaxTotalWorkers:  r.batch.MaxTotalWorkers,
			JSONData:         r.batch.JSONData,
		},
		StudySessionData: sr.StudySessionData,
		URLQuery:         sr.URLQuery,
	}
	for i, c := range r.study.Components {
		data.ComponentList = append(data.ComponentList, ComponentEntry{ID: c.ID, Position: i + 1, Title: c.Title, Active: c.Active})
	}
	if sr.GroupResultID != 0 {
		g, err := s.repo.GroupResult(ctx, sr.GroupResultID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return InitData{}, nil, fmt.Errorf("group result %d: %w", sr.GroupResultID, err)
		}
		if err == nil {
			data.GroupResult = groupInfo(g)
		}
	}
	return data, nil, nil
}

// SubmitResultData stores the result data of the running component. With
// appendData set the data is appended to what was stored before.
func (s *Service) SubmitResultData(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64, data string, appendData bool) error {
	_, cr, err := s.currentComponentResult(ctx, coll, studyID, componentID, srid)
	if err != nil {
		return err
	}
	_, err = s.repo.UpdateComponentResult(ctx, cr.ID, func(cr *model.ComponentResult) error {
		if cr.State.Done() {
			return fmt.Errorf("%w: component result %d is already %s", ErrForbidden, cr.ID, cr.State)
		}
		if appendData {
			cr.Data += data
		} else {
			cr.Data = data
		}
		cr.State = model.ComponentResultDataPosted
		return nil
	})
	if err != nil {
		return fmt.Errorf("store result data: %w", err)
	}
	s.logger.Debug("result data stored", "study_result", srid, "component_result", cr.ID, "bytes", len(data), "append", appendData)
	return nil
}

// FinishComponent ends the running component as FINISHED or FAIL.
func (s *Service) FinishComponent(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64, successful bool, errMsg string) error {
	_, cr, err := s.currentComponentResult(ctx, coll, studyID, componentID, srid)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.repo.UpdateComponentResult(ctx, cr.ID, func(cr *model.ComponentResult) error {
		cr.State = model.ComponentFinished
		if !successful {
			cr.State = model.ComponentFail
		}
		cr.ErrorMsg = errMsg
		cr.EndDate = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish component result: %w", err)
	}
	return nil
}

// currentComponentResult returns the running component result, which must
// belong to componentID. A run whose component never started is failed.
func (s *Service) currentComponentResult(ctx context.Context, coll *idcookie.Collection, studyID, componentID, srid int64) (run, model.ComponentResult, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return run{}, model.ComponentResult{}, err
	}
	if _, err := activeComponent(r.study, componentID); err != nil {
		return run{}, model.ComponentResult{}, err
	}
	cr, ok := s.lastComponentResult(ctx, r.result)
	if !ok || cr.ComponentID != componentID {
		msg := fmt.Sprintf("component %d of study %d was never started", componentID, studyID)
		if _, err := s.endInstead(ctx, coll, srid, false, msg); err != nil {
			return run{}, model.ComponentResult{}, err
		}
		return run{}, model.ComponentResult{}, fmt.Errorf("%w: %s", ErrForbidden, msg)
	}
	return r, cr, nil
}
