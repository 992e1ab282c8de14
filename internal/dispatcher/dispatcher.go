// Package dispatcher coordinates the live channels of batches and groups.
// See doc.go for complete package documentation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/exp/slices"

	"github.com/AtlasGo/JATOS/internal/protocol"
)

// Kind names what a dispatcher coordinates.
type Kind string

// Dispatcher kinds.
const (
	KindBatch Kind = "batch"
	KindGroup Kind = "group"
)

var (
	// ErrFull is returned by Join when a membership cap would be exceeded.
	ErrFull = errors.New("dispatcher: full")

	// ErrNoMember is returned by Join without a Member.
	ErrNoMember = errors.New("dispatcher: join without member")
)

// Member is the dispatcher's handle on one live connection.
type Member interface {
	// Send queues a frame for the connection without blocking. It returns
	// false when the queue is full.
	Send(frame []byte) bool

	// Poison tells the connection to close. It must not block.
	Poison()
}

// Limits caps the membership of a group. Zero means unlimited.
type Limits struct {
	MaxActiveMembers int
	MaxTotalMembers  int
	MaxTotalWorkers  int
}

// JoinRequest registers a live connection for a study result.
type JoinRequest struct {
	RunID    int64
	WorkerID int64
	Member   Member
	Limits   Limits
}

// Membership is a snapshot of a dispatcher's members.
type Membership struct {
	Active  []int64 `json:"active"`
	History []int64 `json:"history"`
}

// Dispatcher owns the live channels, membership and session of one batch or
// group. All state is confined to its loop goroutine; methods are safe for
// concurrent use and wait at most the request timeout.
type Dispatcher struct {
	*actor

	kind    Kind
	id      int64
	store   SessionStore
	logger  *slog.Logger
	metrics Metrics

	// Loop-owned state.
	members map[int64]registration
	active  []int64
	history []int64
	workers map[int64]bool
	session Session
}

type registration struct {
	member   Member
	workerID int64
}

func newDispatcher(kind Kind, id int64, cfg Config) *Dispatcher {
	d := &Dispatcher{
		actor:   newActor(cfg.QueueSize, cfg.RequestTimeout),
		kind:    kind,
		id:      id,
		store:   cfg.Store,
		logger:  cfg.Logger.With("kind", string(kind), "id", id),
		metrics: cfg.Metrics,
		members: make(map[int64]registration),
		workers: make(map[int64]bool),
		session: EmptySession(),
	}
	go d.run(d.loadSession, d.shutdown)
	d.metrics.DispatcherStarted(string(kind))
	return d
}

// Kind returns whether this is a batch or group dispatcher.
func (d *Dispatcher) Kind() Kind { return d.kind }

// ID returns the batch or group result id.
func (d *Dispatcher) ID() int64 { return d.id }

// Done is closed once the dispatcher has stopped.
func (d *Dispatcher) Done() <-chan struct{} { return d.stopped }

// Join registers req.Member for req.RunID and makes the run active. The joiner
// receives an opened envelope, every other member a joined envelope. A cap
// that would be exceeded yields ErrFull and nothing changes. Joining a run
// that is still registered replaces and poisons the old connection.
func (d *Dispatcher) Join(ctx context.Context, req JoinRequest) error {
	if req.Member == nil {
		return ErrNoMember
	}
	var joinErr error
	err := d.call(ctx, func() {
		joinErr = d.join(req)
	})
	if err != nil {
		return err
	}
	return joinErr
}

// Leave unregisters member if it is still the connection registered for
// runID. A superseded connection leaving does not affect its successor.
func (d *Dispatcher) Leave(ctx context.Context, runID int64, member Member) error {
	return d.call(ctx, func() {
		reg, ok := d.members[runID]
		if !ok || reg.member != member {
			return
		}
		d.remove(runID)
		d.logger.Debug("member left", "member", runID)
	})
}

// Poison closes the connection registered for runID and moves the run to the
// history. It reports whether a connection was registered.
func (d *Dispatcher) Poison(ctx context.Context, runID int64) (bool, error) {
	var poisoned bool
	err := d.call(ctx, func() {
		poisoned = d.poison(runID)
	})
	if err != nil {
		return false, err
	}
	return poisoned, nil
}

// Broadcast routes a frame sent by member from. Session updates are applied
// and answered; frames with a recipient go to that member only; all other
// frames go to every active member except the sender. Frames from runs
// without a registered connection are dropped.
func (d *Dispatcher) Broadcast(ctx context.Context, from int64, frame []byte) error {
	return d.call(ctx, func() {
		if _, ok := d.members[from]; !ok {
			d.logger.Debug("dropped frame from unregistered member", "member", from)
			return
		}
		in, ok := protocol.ParseInbound(frame)
		switch {
		case ok && in.Action == protocol.ActionSession:
			_, accepted := d.updateSession(ctx, in.SessionVersion, in.SessionData)
			reply := protocol.Envelope{Action: protocol.ActionSessionFail, Kind: string(d.kind), ID: d.id}
			if accepted {
				reply.Action = protocol.ActionSessionAck
			}
			reply.SessionVersion = protocol.Version(d.session.Version)
			d.deliver([]int64{from}, reply.Marshal())
		case ok && in.Recipient != 0:
			if _, active := d.members[in.Recipient]; active {
				d.deliver([]int64{in.Recipient}, frame)
			}
		default:
			d.deliver(d.others(from), frame)
		}
	})
}

// UpdateSession replaces the session data if expected is the current
// version. On success the new session is persisted and sent to all members.
// On failure the current session is returned with false.
func (d *Dispatcher) UpdateSession(ctx context.Context, expected int64, data []byte) (Session, bool, error) {
	var (
		s  Session
		ok bool
	)
	err := d.call(ctx, func() {
		s, ok = d.updateSession(ctx, expected, data)
	})
	if err != nil {
		return Session{}, false, err
	}
	return s, ok, nil
}

// ReadSession returns the current session.
func (d *Dispatcher) ReadSession(ctx context.Context) (Session, error) {
	var s Session
	err := d.call(ctx, func() {
		s = d.session
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// Members returns the current membership.
func (d *Dispatcher) Members(ctx context.Context) (Membership, error) {
	var m Membership
	err := d.call(ctx, func() {
		m = d.membership()
	})
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

// stopIfIdle stops the dispatcher when no connection is registered.
func (d *Dispatcher) stopIfIdle(ctx context.Context) (bool, error) {
	var idle bool
	err := d.call(ctx, func() {
		idle = len(d.members) == 0
		if idle {
			d.halt = true
		}
	})
	if errors.Is(err, ErrStopped) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return idle, nil
}

func (d *Dispatcher) loadSession() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	s, err := d.store.LoadSession(ctx, d.id)
	if err != nil {
		d.logger.Error("could not load session, starting empty", "error", err)
		return
	}
	if len(s.Data) == 0 {
		s.Data = EmptySession().Data
	}
	d.session = s
}

func (d *Dispatcher) shutdown() {
	for runID, reg := range d.members {
		reg.member.Poison()
		d.metrics.MembersChanged(string(d.kind), -1)
		delete(d.members, runID)
	}
	d.metrics.DispatcherStopped(string(d.kind))
	d.logger.Debug("dispatcher stopped")
}

func (d *Dispatcher) join(req JoinRequest) error {
	if old, ok := d.members[req.RunID]; ok {
		old.member.Poison()
		d.members[req.RunID] = registration{member: req.Member, workerID: req.WorkerID}
		d.logger.Debug("member replaced", "member", req.RunID)
		d.deliver([]int64{req.RunID}, d.openedEnvelope())
		return nil
	}
	if err := d.checkLimits(req); err != nil {
		return err
	}

	d.members[req.RunID] = registration{member: req.Member, workerID: req.WorkerID}
	d.active = append(d.active, req.RunID)
	if req.WorkerID != 0 {
		d.workers[req.WorkerID] = true
	}
	d.metrics.MembersChanged(string(d.kind), 1)
	d.logger.Debug("member joined", "member", req.RunID)

	d.deliver([]int64{req.RunID}, d.openedEnvelope())
	joined := d.membershipEnvelope(protocol.ActionJoined, req.RunID)
	d.deliver(d.others(req.RunID), joined)
	return nil
}

func (d *Dispatcher) checkLimits(req JoinRequest) error {
	l := req.Limits
	if l.MaxActiveMembers > 0 && len(d.active) >= l.MaxActiveMembers {
		return fmt.Errorf("%w: %d active members", ErrFull, len(d.active))
	}
	if l.MaxTotalMembers > 0 && !slices.Contains(d.history, req.RunID) && d.totalMembers() >= l.MaxTotalMembers {
		return fmt.Errorf("%w: %d total members", ErrFull, d.totalMembers())
	}
	if l.MaxTotalWorkers > 0 && !d.workers[req.WorkerID] && len(d.workers) >= l.MaxTotalWorkers {
		return fmt.Errorf("%w: %d workers", ErrFull, len(d.workers))
	}
	return nil
}

func (d *Dispatcher) totalMembers() int {
	n := len(d.active)
	for _, id := range d.history {
		if !slices.Contains(d.active, id) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) poison(runID int64) bool {
	reg, ok := d.members[runID]
	if !ok {
		return false
	}
	reg.member.Poison()
	d.remove(runID)
	d.logger.Debug("member poisoned", "member", runID)
	return true
}

// remove unregisters runID, moves it to the history and tells the others.
func (d *Dispatcher) remove(runID int64) {
	delete(d.members, runID)
	if i := slices.Index(d.active, runID); i >= 0 {
		d.active = slices.Delete(d.active, i, i+1)
	}
	if !slices.Contains(d.history, runID) {
		d.history = append(d.history, runID)
	}
	d.metrics.MembersChanged(string(d.kind), -1)
	d.deliver(d.others(runID), d.membershipEnvelope(protocol.ActionLeft, runID))
}

// updateSession persists within the request timeout whatever ctx allows.
func (d *Dispatcher) updateSession(ctx context.Context, expected int64, data []byte) (Session, bool) {
	next, ok := ApplyUpdate(d.session, expected, data)
	if !ok {
		d.metrics.SessionUpdated(string(d.kind), false)
		return d.session, false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.store.SaveSession(ctx, d.id, next); err != nil {
		d.logger.Error("could not persist session", "version", next.Version, "error", err)
		d.metrics.SessionUpdated(string(d.kind), false)
		return d.session, false
	}
	d.session = next
	d.metrics.SessionUpdated(string(d.kind), true)
	env := protocol.Envelope{
		Action:         protocol.ActionSession,
		Kind:           string(d.kind),
		ID:             d.id,
		SessionData:    next.Data,
		SessionVersion: protocol.Version(next.Version),
	}
	d.deliver(slices.Clone(d.active), env.Marshal())
	return next, true
}

// deliver queues frame for each recipient. Members whose queue is full are
// poisoned once the fan-out is done.
func (d *Dispatcher) deliver(to []int64, frame []byte) {
	var slow []int64
	for _, id := range to {
		reg, ok := d.members[id]
		if !ok {
			continue
		}
		if reg.member.Send(frame) {
			d.metrics.MessageDelivered(string(d.kind))
			continue
		}
		slow = append(slow, id)
	}
	for _, id := range slow {
		d.metrics.SlowConsumer(string(d.kind))
		d.logger.Warn("poisoning slow member", "member", id)
		d.poison(id)
	}
}

func (d *Dispatcher) others(except int64) []int64 {
	out := make([]int64, 0, len(d.active))
	for _, id := range d.active {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (d *Dispatcher) membership() Membership {
	return Membership{
		Active:  slices.Clone(d.active),
		History: slices.Clone(d.history),
	}
}

func (d *Dispatcher) openedEnvelope() []byte {
	m := d.membership()
	return protocol.Envelope{
		Action:         protocol.ActionOpened,
		Kind:           string(d.kind),
		ID:             d.id,
		Active:         m.Active,
		History:        m.History,
		SessionData:    d.session.Data,
		SessionVersion: protocol.Version(d.session.Version),
	}.Marshal()
}

func (d *Dispatcher) membershipEnvelope(action string, member int64) []byte {
	m := d.membership()
	return protocol.Envelope{
		Action:  action,
		Kind:    string(d.kind),
		ID:      d.id,
		Member:  member,
		Active:  m.Active,
		History: m.History,
	}.Marshal()
}
