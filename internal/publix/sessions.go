package publix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/model"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// GroupSessions keeps group sessions on their GroupResult. It implements
// dispatcher.SessionStore.
type GroupSessions struct {
	Repo *storage.Repository
}

var _ dispatcher.SessionStore = GroupSessions{}

// LoadSession implements dispatcher.SessionStore
func (g GroupSessions) LoadSession(ctx context.Context, id int64) (dispatcher.Session, error) {
	gr, err := g.Repo.GroupResult(ctx, id)
	if err != nil {
		return dispatcher.Session{}, fmt.Errorf("load group session %d: %w", id, err)
	}
	return toSession(gr.SessionVersion, gr.SessionData), nil
}

// SaveSession implements dispatcher.SessionStore
func (g GroupSessions) SaveSession(ctx context.Context, id int64, s dispatcher.Session) error {
	_, err := g.Repo.UpdateGroupResult(ctx, id, func(gr *model.GroupResult) error {
		gr.SessionVersion = s.Version
		gr.SessionData = string(s.Data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save group session %d: %w", id, err)
	}
	return nil
}

// BatchSessions keeps batch sessions on their Batch. It implements
// dispatcher.SessionStore.
type BatchSessions struct {
	Repo *storage.Repository
}

var _ dispatcher.SessionStore = BatchSessions{}

// LoadSession implements dispatcher.SessionStore
func (b BatchSessions) LoadSession(ctx context.Context, id int64) (dispatcher.Session, error) {
	batch, err := b.Repo.Batch(ctx, id)
	if err != nil {
		return dispatcher.Session{}, fmt.Errorf("load batch session %d: %w", id, err)
	}
	return toSession(batch.SessionVersion, batch.SessionData), nil
}

// SaveSession implements dispatcher.SessionStore
func (b BatchSessions) SaveSession(ctx context.Context, id int64, s dispatcher.Session) error {
	_, err := b.Repo.UpdateBatch(ctx, id, func(batch *model.Batch) error {
		batch.SessionVersion = s.Version
		batch.SessionData = string(s.Data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save batch session %d: %w", id, err)
	}
	return nil
}

func toSession(version int64, data string) dispatcher.Session {
	if data == "" {
		s := dispatcher.EmptySession()
		s.Version = version
		return s
	}
	return dispatcher.Session{Version: version, Data: json.RawMessage(data)}
}

// GroupFinished reports whether a group result is finished. Unknown groups
// count as finished. It is the dispatcher.FinishedFunc of group dispatchers.
func GroupFinished(repo *storage.Repository) dispatcher.FinishedFunc {
	return func(ctx context.Context, id int64) (bool, error) {
		g, err := repo.GroupResult(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return g.State == model.GroupFinished, nil
	}
}

// BatchFinished reports whether a batch no longer accepts runs. Unknown
// batches count as finished. It is the dispatcher.FinishedFunc of batch
// dispatchers.
func BatchFinished(repo *storage.Repository) dispatcher.FinishedFunc {
	return func(ctx context.Context, id int64) (bool, error) {
		b, err := repo.Batch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return !b.Active, nil
	}
}
