package dispatcher

import (
	"context"
	"encoding/json"
)

// Session is the small shared payload of a batch or group. Version starts at
// 0 and grows by one with every accepted update.
type Session struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// EmptySession is the session of a freshly created batch or group.
func EmptySession() Session {
	return Session{Version: 0, Data: json.RawMessage(`{}`)}
}

// ApplyUpdate replaces the session data if expected matches the current
// version. The returned session has the next version on success and is cur
// unchanged otherwise. Data must be valid JSON.
func ApplyUpdate(cur Session, expected int64, data json.RawMessage) (Session, bool) {
	if expected != cur.Version || !json.Valid(data) {
		return cur, false
	}
	return Session{
		Version: cur.Version + 1,
		Data:    append(json.RawMessage(nil), data...),
	}, true
}

// SessionStore persists sessions. Dispatchers load the session once when they
// start and save it after every accepted update.
type SessionStore interface {
	LoadSession(ctx context.Context, id int64) (Session, error)
	SaveSession(ctx context.Context, id int64, s Session) error
}

type nopStore struct{}

func (nopStore) LoadSession(context.Context, int64) (Session, error) { return EmptySession(), nil }
func (nopStore) SaveSession(context.Context, int64, Session) error { return nil }
