package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/AtlasGo/JATOS/internal/model"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Key prefixes and sequence names.
const (
	prefixWorker          = "worker/"
	prefixStudy           = "study/"
	prefixBatch           = "batch/"
	prefixStudyResult     = "studyresult/"
	prefixComponentResult = "componentresult/"
	prefixGroupResult     = "groupresult/"
)

// Repository stores the entities of the model package as JSON documents in a
// Store. Update methods apply a function to the current document under a
// lock, so concurrent read-modify-write cycles of one process do not lose
// writes.
type Repository struct {
	store Store
	mu    sync.Mutex // Serializes Create and Update
}

// NewRepository wraps a store.
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.store
}

func entityKey(prefix string, id int64) string {
	// Zero-padded so that key order is id order.
	return fmt.Sprintf("%s%020d", prefix, id)
}

func getDoc[T any](ctx context.Context, s Store, prefix string, id int64) (T, error) {
	var v T
	raw, err := s.Get(ctx, entityKey(prefix, id))
	if errors.Is(err, ErrKeyNotFound) {
		return v, fmt.Errorf("%s%d: %w", prefix, id, ErrNotFound)
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s%d: %w", prefix, id, err)
	}
	return v, nil
}

func putDoc[T any](ctx context.Context, s Store, prefix string, id int64, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%d: %w", prefix, id, err)
	}
	return s.Put(ctx, entityKey(prefix, id), raw)
}

func listDocs[T any](ctx context.Context, s Store, prefix string, keep func(T) bool) ([]T, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		raw, err := s.Get(ctx, k)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// newID draws ids from the sequence until one is unused, so seeded entities
// with fixed ids are never overwritten.
func (r *Repository) newID(ctx context.Context, prefix string) (int64, error) {
	for {
		id, err := r.store.NextID(ctx, prefix)
		if err != nil {
			return 0, err
		}
		if _, err := r.store.Get(ctx, entityKey(prefix, id)); errors.Is(err, ErrKeyNotFound) {
			return id, nil
		} else if err != nil {
			return 0, err
		}
	}
}

func create[T any](ctx context.Context, r *Repository, prefix string, v *T, setID func(*T, int64)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.newID(ctx, prefix)
	if err != nil {
		return err
	}
	setID(v, id)
	return putDoc(ctx, r.store, prefix, id, *v)
}

func update[T any](ctx context.Context, r *Repository, prefix string, id int64, fn func(*T) error) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := getDoc[T](ctx, r.store, prefix, id)
	if err != nil {
		return v, err
	}
	if err := fn(&v); err != nil {
		return v, err
	}
	return v, putDoc(ctx, r.store, prefix, id, v)
}

// PutWorker stores w under its id.
func (r *Repository) PutWorker(ctx context.Context, w model.Worker) error {
	return putDoc(ctx, r.store, prefixWorker, w.ID, w)
}

// CreateWorker assigns a new id to w and stores it.
func (r *Repository) CreateWorker(ctx context.Context, w *model.Worker) error {
	return create(ctx, r, prefixWorker, w, func(w *model.Worker, id int64) { w.ID = id })
}

// Worker returns the worker with the given id.
func (r *Repository) Worker(ctx context.Context, id int64) (model.Worker, error) {
	return getDoc[model.Worker](ctx, r.store, prefixWorker, id)
}

// PutStudy stores s under its id.
func (r *Repository) PutStudy(ctx context.Context, s model.Study) error {
	return putDoc(ctx, r.store, prefixStudy, s.ID, s)
}

// Study returns the study with the given id.
func (r *Repository) Study(ctx context.Context, id int64) (model.Study, error) {
	return getDoc[model.Study](ctx, r.store, prefixStudy, id)
}

// Studies returns all studies ordered by id.
func (r *Repository) Studies(ctx context.Context) ([]model.Study, error) {
	return listDocs[model.Study](ctx, r.store, prefixStudy, nil)
}

// PutBatch stores b under its id.
func (r *Repository) PutBatch(ctx context.Context, b model.Batch) error {
	return putDoc(ctx, r.store, prefixBatch, b.ID, b)
}

// Batch returns the batch with the given id.
func (r *Repository) Batch(ctx context.Context, id int64) (model.Batch, error) {
	return getDoc[model.Batch](ctx, r.store, prefixBatch, id)
}

// UpdateBatch applies fn to the stored batch.
func (r *Repository) UpdateBatch(ctx context.Context, id int64, fn func(*model.Batch) error) (model.Batch, error) {
	return update(ctx, r, prefixBatch, id, fn)
}

// CreateStudyResult assigns a new id to sr and stores it.
func (r *Repository) CreateStudyResult(ctx context.Context, sr *model.StudyResult) error {
	return create(ctx, r, prefixStudyResult, sr, func(sr *model.StudyResult, id int64) { sr.ID = id })
}

// StudyResult returns the study result with the given id.
func (r *Repository) StudyResult(ctx context.Context, id int64) (model.StudyResult, error) {
	return getDoc[model.StudyResult](ctx, r.store, prefixStudyResult, id)
}

// UpdateStudyResult applies fn to the stored study result.
func (r *Repository) UpdateStudyResult(ctx context.Context, id int64, fn func(*model.StudyResult) error) (model.StudyResult, error) {
	return update(ctx, r, prefixStudyResult, id, fn)
}

// StudyResultsByWorker returns the study results of a worker ordered by id.
func (r *Repository) StudyResultsByWorker(ctx context.Context, workerID int64) ([]model.StudyResult, error) {
	return listDocs(ctx, r.store, prefixStudyResult, func(sr model.StudyResult) bool {
		return sr.WorkerID == workerID
	})
}

// CreateComponentResult assigns a new id to cr and stores it.
func (r *Repository) CreateComponentResult(ctx context.Context, cr *model.ComponentResult) error {
	return create(ctx, r, prefixComponentResult, cr, func(cr *model.ComponentResult, id int64) { cr.ID = id })
}

// ComponentResult returns the component result with the given id.
func (r *Repository) ComponentResult(ctx context.Context, id int64) (model.ComponentResult, error) {
	return getDoc[model.ComponentResult](ctx, r.store, prefixComponentResult, id)
}

// UpdateComponentResult applies fn to the stored component result.
func (r *Repository) UpdateComponentResult(ctx context.Context, id int64, fn func(*model.ComponentResult) error) (model.ComponentResult, error) {
	return update(ctx, r, prefixComponentResult, id, fn)
}

// CreateGroupResult assigns a new id to g and stores it.
func (r *Repository) CreateGroupResult(ctx context.Context, g *model.GroupResult) error {
	return create(ctx, r, prefixGroupResult, g, func(g *model.GroupResult, id int64) { g.ID = id })
}

// GroupResult returns the group result with the given id.
func (r *Repository) GroupResult(ctx context.Context, id int64) (model.GroupResult, error) {
	return getDoc[model.GroupResult](ctx, r.store, prefixGroupResult, id)
}

// UpdateGroupResult applies fn to the stored group result.
func (r *Repository) UpdateGroupResult(ctx context.Context, id int64, fn func(*model.GroupResult) error) (model.GroupResult, error) {
	return update(ctx, r, prefixGroupResult, id, fn)
}

// GroupResultsByBatch returns the group results of a batch ordered by id.
func (r *Repository) GroupResultsByBatch(ctx context.Context, batchID int64) ([]model.GroupResult, error) {
	return listDocs(ctx, r.store, prefixGroupResult, func(g model.GroupResult) bool {
		return g.BatchID == batchID
	})
}
