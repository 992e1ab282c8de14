package idcookie

import (
	"fmt"
	"time"

	"github.com/AtlasGo/JATOS/internal/model"
)

// Run carries the domain records an ID cookie is built from.
type Run struct {
	Worker          model.Worker
	Batch           model.Batch
	Study           model.Study
	StudyResult     model.StudyResult
	ComponentResult *model.ComponentResult
	Kind            RunKind
}

// Service allocates, rewrites and discards ID cookies inside a Collection.
type Service struct {
	basePath string
	now      func() time.Time
}

// NewService returns a service stamping cookies with the given URL base path.
// A nil clock uses time.Now.
func NewService(basePath string, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if basePath == "" {
		basePath = "/"
	}
	return &Service{basePath: basePath, now: now}
}

// Get returns the cookie of a study result or ErrNotFound.
func (s *Service) Get(coll *Collection, studyResultID int64) (Model, error) {
	m, ok := coll.Get(studyResultID)
	if !ok {
		return Model{}, fmt.Errorf("%w: study result %d", ErrNotFound, studyResultID)
	}
	return m, nil
}

// Write creates or rewrites the cookie of run.StudyResult. An existing cookie
// keeps its name and index; a new one takes the lowest free index. Writing a
// new run into a full collection returns ErrCollectionFull; the caller has to
// evict the oldest cookie first.
func (s *Service) Write(coll *Collection, run Run) (Model, error) {
	srid := run.StudyResult.ID
	index := -1
	if existing, ok := coll.Get(srid); ok {
		index = existing.Index
	} else {
		if coll.IsFull() {
			return Model{}, fmt.Errorf("%w: cannot add study result %d", ErrCollectionFull, srid)
		}
		next, err := coll.NextFreeIndex()
		if err != nil {
			return Model{}, err
		}
		index = next
	}

	m := Model{
		Index:         index,
		Name:          CookieName(index),
		StudyResultID: srid,
		WorkerID:      run.Worker.ID,
		WorkerType:    string(run.Worker.Type),
		BatchID:       run.Batch.ID,
		StudyID:       run.Study.ID,
		GroupResultID: run.StudyResult.GroupResultID,
		StudyAssets:   run.Study.DirName,
		URLBasePath:   s.basePath,
		RunKind:       run.Kind,
		CreationTime:  s.now().UnixMilli(),
	}
	if cr := run.ComponentResult; cr != nil {
		m.ComponentID = cr.ComponentID
		m.ComponentResultID = cr.ID
		m.ComponentPosition = run.Study.ComponentPosition(cr.ComponentID)
	}
	if err := coll.Put(m); err != nil {
		return Model{}, err
	}
	return m, nil
}

// Discard removes the cookie of a study result; the response expires it in
// the browser. Discarding an unknown run is a no-op.
func (s *Service) Discard(coll *Collection, studyResultID int64) {
	coll.Remove(studyResultID)
}

// Oldest returns the cookie with the smallest creation time. Ties go to the
// lowest index.
func (s *Service) Oldest(coll *Collection) (Model, bool) {
	var oldest Model
	found := false
	for _, m := range coll.All() {
		if !found || m.CreationTime < oldest.CreationTime {
			oldest = m
			found = true
		}
	}
	return oldest, found
}

// IsFull reports whether no slot is left.
func (s *Service) IsFull(coll *Collection) bool {
	return coll.IsFull()
}

// HasStudyAssets reports whether any cookie runs a study stored in dir.
func (s *Service) HasStudyAssets(coll *Collection, dir string) bool {
	for _, m := range coll.All() {
		if m.StudyAssets == dir {
			return true
		}
	}
	return false
}
