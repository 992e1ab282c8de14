package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/protocol"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newServer serves group 1; the run id comes from the "run" query parameter.
func newServer(t *testing.T, reg Registry, limits dispatcher.Limits) *httptest.Server {
	t.Helper()
	upgrader := NewUpgrader(nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID, _ := strconv.ParseInt(r.URL.Query().Get("run"), 10, 64)
		ch, err := Open(r.Context(), reg, Params{DispatcherID: 1, RunID: runID, WorkerID: runID, Limits: limits}, Config{PingInterval: time.Second}, nil)
		if errors.Is(err, dispatcher.ErrFull) {
			http.Error(w, "group full", http.StatusForbidden)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ch.Abandon(context.Background())
			return
		}
		ch.Run(context.Background(), conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, runID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?run="+strconv.FormatInt(runID, 10), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func readRaw(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func newRegistry(t *testing.T) *dispatcher.Registry {
	t.Helper()
	r := dispatcher.NewRegistry(dispatcher.KindGroup, dispatcher.Config{RequestTimeout: time.Second})
	t.Cleanup(r.Close)
	return r
}

// TestChannelRelay tests that frames reach the other members
func TestChannelRelay(t *testing.T) {
	ts := newServer(t, newRegistry(t), dispatcher.Limits{})

	a := dial(t, ts, 1)
	assert.Equal(t, protocol.ActionOpened, readEnvelope(t, a).Action)
	b := dial(t, ts, 2)
	assert.Equal(t, protocol.ActionOpened, readEnvelope(t, b).Action)

	joined := readEnvelope(t, a)
	assert.Equal(t, protocol.ActionJoined, joined.Action)
	assert.Equal(t, int64(2), joined.Member)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`)))
	assert.Equal(t, `{"text":"hello"}`, readRaw(t, b))

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"action":"session","sessionVersion":0,"sessionData":{"turn":2}}`)))
	session := readEnvelope(t, b)
	assert.Equal(t, protocol.ActionSession, session.Action)
	ack := readEnvelope(t, b)
	assert.Equal(t, protocol.ActionSessionAck, ack.Action)
	require.NotNil(t, ack.SessionVersion)
	assert.Equal(t, int64(1), *ack.SessionVersion)
	assert.Equal(t, protocol.ActionSession, readEnvelope(t, a).Action)

	require.NoError(t, b.Close())
	left := readEnvelope(t, a)
	assert.Equal(t, protocol.ActionLeft, left.Action)
	assert.Equal(t, int64(2), left.Member)
}

// TestChannelReconnectPoisonsOld tests that a second connection of a run
// closes the first with the poisoned close code
func TestChannelReconnectPoisonsOld(t *testing.T) {
	ts := newServer(t, newRegistry(t), dispatcher.Limits{})

	first := dial(t, ts, 7)
	readEnvelope(t, first)
	second := dial(t, ts, 7)
	assert.Equal(t, protocol.ActionOpened, readEnvelope(t, second).Action)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CloseCodePoisoned, ce.Code)
	assert.Equal(t, protocol.CloseReasonPoisoned, ce.Text)
}

// TestChannelFull tests that a join over the cap is rejected before upgrade
func TestChannelFull(t *testing.T) {
	ts := newServer(t, newRegistry(t), dispatcher.Limits{MaxActiveMembers: 1})

	a := dial(t, ts, 1)
	readEnvelope(t, a)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?run=2", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestChannelRegistryClose tests that closing the registry closes channels
func TestChannelRegistryClose(t *testing.T) {
	reg := dispatcher.NewRegistry(dispatcher.KindBatch, dispatcher.Config{RequestTimeout: time.Second})
	ts := newServer(t, reg, dispatcher.Limits{})

	a := dial(t, ts, 1)
	readEnvelope(t, a)
	reg.Close()

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseCodePoisoned))
}

// staleRegistry returns a stopped dispatcher on the first call.
type staleRegistry struct {
	stale *dispatcher.Dispatcher
	real  *dispatcher.Registry
	calls int
}

func (s *staleRegistry) GetOrCreate(ctx context.Context, id int64) (*dispatcher.Dispatcher, error) {
	s.calls++
	if s.calls == 1 {
		return s.stale, nil
	}
	return s.real.GetOrCreate(ctx, id)
}

// TestOpenRetriesStoppedDispatcher tests the single retry after teardown
func TestOpenRetriesStoppedDispatcher(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	stale, err := reg.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	removed, err := reg.Remove(ctx, 1)
	require.NoError(t, err)
	require.True(t, removed)

	sr := &staleRegistry{stale: stale, real: reg}
	ch, err := Open(ctx, sr, Params{DispatcherID: 1, RunID: 5}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sr.calls)
	assert.NotEmpty(t, ch.ID())

	fresh, err := reg.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	members, err := fresh.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, members.Active)

	ch.Abandon(ctx)
	members, err = fresh.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members.Active)
}

// TestSendBackpressure tests that Send never blocks
func TestSendBackpressure(t *testing.T) {
	c := &Channel{out: make(chan []byte, 1), poisoned: make(chan struct{})}
	assert.True(t, c.Send([]byte("a")))
	assert.False(t, c.Send([]byte("b")))
	c.Poison()
	c.Poison()
}

// TestUpgraderOrigins tests origin checking
func TestUpgraderOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"allow all by default", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed origin", []string{"https://study.example"}, "https://study.example", true},
		{"unlisted origin", []string{"https://study.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://study.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := NewUpgrader(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, up.CheckOrigin(req))
		})
	}
}

// stalledStore holds LoadSession until release is closed.
type stalledStore struct {
	release chan struct{}
}

func (s *stalledStore) LoadSession(context.Context, int64) (dispatcher.Session, error) {
	<-s.release
	return dispatcher.EmptySession(), nil
}

func (s *stalledStore) SaveSession(context.Context, int64, dispatcher.Session) error { return nil }

// TestOpenOnStalledDispatcher tests that a failed Open leaves no member behind
// to count against the caps
func TestOpenOnStalledDispatcher(t *testing.T) {
	ctx := context.Background()
	store := &stalledStore{release: make(chan struct{})}
	reg := dispatcher.NewRegistry(dispatcher.KindGroup, dispatcher.Config{RequestTimeout: 100 * time.Millisecond, Store: store})
	released := false
	t.Cleanup(func() {
		if !released {
			close(store.release)
		}
		reg.Close()
	})

	limits := dispatcher.Limits{MaxActiveMembers: 1}
	_, err := Open(ctx, reg, Params{DispatcherID: 1, RunID: 7, WorkerID: 7, Limits: limits}, Config{}, nil)
	require.ErrorIs(t, err, dispatcher.ErrTimeout)

	close(store.release)
	released = true

	d, ok, err := reg.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	m, err := d.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, m.Active)

	ch, err := Open(ctx, reg, Params{DispatcherID: 1, RunID: 8, WorkerID: 8, Limits: limits}, Config{}, nil)
	require.NoError(t, err)
	ch.Abandon(ctx)
}
