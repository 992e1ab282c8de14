package publix

import (
	"context"
	"errors"
	"fmt"

	"github.com/AtlasGo/JATOS/internal/channel"
	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// JoinGroup makes the run a member of a group of its batch: the first
// STARTED group with room under the batch caps, or a new one. A run that is
// already an active member stays in its group. The run's ID cookie is
// rewritten with the group id.
func (s *Service) JoinGroup(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (GroupInfo, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return GroupInfo{}, err
	}
	if !r.study.GroupStudy {
		return GroupInfo{}, fmt.Errorf("%w: study %d is not a group study", ErrForbidden, studyID)
	}

	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	if r.result.GroupResultID != 0 {
		g, err := s.repo.GroupResult(ctx, r.result.GroupResultID)
		if err == nil && g.IsActiveMember(srid) {
			return *groupInfo(g), nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return GroupInfo{}, fmt.Errorf("group result %d: %w", r.result.GroupResultID, err)
		}
	}

	g, err := s.assignGroup(ctx, r.batch, srid, r.worker.ID)
	if err != nil {
		return GroupInfo{}, err
	}
	r.result, err = s.repo.UpdateStudyResult(ctx, srid, func(sr *model.StudyResult) error {
		sr.GroupResultID = g.ID
		return nil
	})
	if err != nil {
		return GroupInfo{}, fmt.Errorf("store group of study result %d: %w", srid, err)
	}

	var cr *model.ComponentResult
	if last, ok := s.lastComponentResult(ctx, r.result); ok {
		cr = &last
	}
	if _, err := s.cookies.Write(coll, r.idRun(cr)); err != nil {
		return GroupInfo{}, fmt.Errorf("write ID cookie: %w", err)
	}
	s.logger.Info("joined group", "study_result", srid, "group", g.ID, "batch", r.batch.ID, "active", len(g.ActiveMembers))
	return *groupInfo(g), nil
}

// assignGroup adds srid to a group with room or to a new group. Callers
// hold groupMu.
func (s *Service) assignGroup(ctx context.Context, batch model.Batch, srid, workerID int64) (model.GroupResult, error) {
	groups, err := s.repo.GroupResultsByBatch(ctx, batch.ID)
	if err != nil {
		return model.GroupResult{}, fmt.Errorf("group results of batch %d: %w", batch.ID, err)
	}
	for _, g := range groups {
		if !g.HasRoomFor(batch, srid, workerID) {
			continue
		}
		joined, err := s.repo.UpdateGroupResult(ctx, g.ID, func(g *model.GroupResult) error {
			if !g.HasRoomFor(batch, srid, workerID) {
				return dispatcher.ErrFull
			}
			g.AddMember(srid, workerID)
			return nil
		})
		if errors.Is(err, dispatcher.ErrFull) {
			continue
		}
		if err != nil {
			return model.GroupResult{}, fmt.Errorf("join group result %d: %w", g.ID, err)
		}
		return joined, nil
	}

	g := model.GroupResult{
		BatchID:   batch.ID,
		State:     model.GroupStarted,
		StartDate: s.now(),
	}
	g.AddMember(srid, workerID)
	if err := s.repo.CreateGroupResult(ctx, &g); err != nil {
		return model.GroupResult{}, fmt.Errorf("create group result: %w", err)
	}
	return g, nil
}

// LeaveGroup takes the run out of its group and closes its group channel.
// Leaving without being a member is a no-op.
func (s *Service) LeaveGroup(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) error {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return err
	}
	if r.result.GroupResultID == 0 {
		return nil
	}
	if err := s.leaveGroup(ctx, r.result.GroupResultID, srid); err != nil {
		return err
	}
	s.poisonGroupChannel(ctx, r.result.GroupResultID, srid)
	s.logger.Info("left group", "study_result", srid, "group", r.result.GroupResultID)
	return nil
}

// leaveGroup moves srid into the group's history. A group without active
// members is finished, which lets its dispatcher be torn down.
func (s *Service) leaveGroup(ctx context.Context, groupID, srid int64) error {
	now := s.now()
	_, err := s.repo.UpdateGroupResult(ctx, groupID, func(g *model.GroupResult) error {
		if !g.RemoveMember(srid) {
			return nil
		}
		if len(g.ActiveMembers) == 0 && g.State != model.GroupFinished {
			g.State = model.GroupFinished
			g.EndDate = now
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("leave group result %d: %w", groupID, err)
	}
	return nil
}

// GroupChannel returns the parameters to open the group channel of a run.
// The run has to be an active member of a group.
func (s *Service) GroupChannel(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (channel.Params, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return channel.Params{}, err
	}
	if r.result.GroupResultID == 0 {
		return channel.Params{}, fmt.Errorf("%w: study result %d", ErrNotGroupMember, srid)
	}
	g, err := s.repo.GroupResult(ctx, r.result.GroupResultID)
	if err != nil {
		return channel.Params{}, fmt.Errorf("group result %d: %w", r.result.GroupResultID, err)
	}
	if !g.IsActiveMember(srid) || g.State == model.GroupFinished {
		return channel.Params{}, fmt.Errorf("%w: study result %d", ErrNotGroupMember, srid)
	}
	return channel.Params{
		DispatcherID: g.ID,
		RunID:        srid,
		WorkerID:     r.worker.ID,
		Limits:       batchLimits(r.batch),
	}, nil
}

// BatchChannel returns the parameters to open the batch channel of a run.
// Batch channels are not capped.
func (s *Service) BatchChannel(ctx context.Context, coll *idcookie.Collection, studyID, srid int64) (channel.Params, error) {
	r, err := s.loadActiveRun(ctx, coll, studyID, srid)
	if err != nil {
		return channel.Params{}, err
	}
	return channel.Params{
		DispatcherID: r.batch.ID,
		RunID:        srid,
		WorkerID:     r.worker.ID,
	}, nil
}

func batchLimits(b model.Batch) dispatcher.Limits {
	return dispatcher.Limits{
		MaxActiveMembers: b.MaxActiveMembers,
		MaxTotalMembers:  b.MaxTotalMembers,
		MaxTotalWorkers:  b.MaxTotalWorkers,
	}
}
