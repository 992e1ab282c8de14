package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/exp/maps"
)

// Metrics receives dispatcher events. Labels are the dispatcher kind.
type Metrics interface {
	DispatcherStarted(kind string)
	DispatcherStopped(kind string)
	MembersChanged(kind string, delta int)
	MessageDelivered(kind string)
	SlowConsumer(kind string)
	SessionUpdated(kind string, accepted bool)
}

type nopMetrics struct{}

func (nopMetrics) DispatcherStarted(string) {}
func (nopMetrics) DispatcherStopped(string) {}
func (nopMetrics) MembersChanged(string, int) {}
func (nopMetrics) MessageDelivered(string) {}
func (nopMetrics) SlowConsumer(string) {}
func (nopMetrics) SessionUpdated(string, bool) {}

// Config configures a Registry and the dispatchers it creates.
type Config struct {
	// RequestTimeout bounds every call into the registry or a dispatcher.
	// Default: 5s.
	RequestTimeout time.Duration

	// QueueSize is the request buffer of each actor. Default: 64.
	QueueSize int

	// Store loads and persists sessions. Default: sessions live in memory.
	Store SessionStore

	Logger  *slog.Logger
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Store == nil {
		c.Store = nopStore{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Registry is the single owner of the dispatchers of one kind. It creates a
// dispatcher on first use and hands the same instance to every caller until
// the dispatcher is removed.
//
// Concurrency Model:
//   - One loop goroutine owns the id → dispatcher map
//   - Callers wait at most RequestTimeout, then get ErrTimeout
//   - Dispatchers never call back into the registry
//
// Example:
//
//	groups := dispatcher.NewRegistry(dispatcher.KindGroup, cfg)
//	defer groups.Close()
//	d, err := groups.GetOrCreate(ctx, groupResultID)
type Registry struct {
	*actor

	kind   Kind
	cfg    Config
	logger *slog.Logger

	// Loop-owned.
	dispatchers map[int64]*Dispatcher
}

// NewRegistry starts a registry for dispatchers of the given kind.
func NewRegistry(kind Kind, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		actor:       newActor(cfg.QueueSize, cfg.RequestTimeout),
		kind:        kind,
		cfg:         cfg,
		logger:      cfg.Logger.With("registry", string(kind)),
		dispatchers: make(map[int64]*Dispatcher),
	}
	go r.run(nil, r.shutdown)
	return r
}

// Kind returns the kind of dispatchers this registry owns.
func (r *Registry) Kind() Kind { return r.kind }

// GetOrCreate returns the dispatcher for id, creating it if needed.
// Concurrent callers asking for the same id get the same instance.
func (r *Registry) GetOrCreate(ctx context.Context, id int64) (*Dispatcher, error) {
	var d *Dispatcher
	err := r.call(ctx, func() {
		var ok bool
		d, ok = r.dispatchers[id]
		if ok {
			return
		}
		d = newDispatcher(r.kind, id, r.cfg)
		r.dispatchers[id] = d
		r.logger.Info("dispatcher created", "id", id)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns the dispatcher for id without creating one.
func (r *Registry) Get(ctx context.Context, id int64) (*Dispatcher, bool, error) {
	var (
		d  *Dispatcher
		ok bool
	)
	err := r.call(ctx, func() {
		d, ok = r.dispatchers[id]
	})
	if err != nil {
		return nil, false, err
	}
	return d, ok, nil
}

// Remove stops and forgets the dispatcher for id if it has no live
// connections. It reports whether the dispatcher is gone.
func (r *Registry) Remove(ctx context.Context, id int64) (bool, error) {
	var (
		removed bool
		stopErr error
	)
	err := r.call(ctx, func() {
		d, ok := r.dispatchers[id]
		if !ok {
			removed = true
			return
		}
		removed, stopErr = d.stopIfIdle(ctx)
		if removed {
			<-d.stopped
			delete(r.dispatchers, id)
			r.logger.Info("dispatcher removed", "id", id)
		}
	})
	if err != nil {
		return false, err
	}
	return removed, stopErr
}

// IDs returns the ids of all live dispatchers in ascending order.
func (r *Registry) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.call(ctx, func() {
		ids = maps.Keys(r.dispatchers)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close stops the registry and every dispatcher it owns. Their members are
// poisoned.
func (r *Registry) Close() {
	r.stop()
}

func (r *Registry) shutdown() {
	for id, d := range r.dispatchers {
		d.stop()
		delete(r.dispatchers, id)
	}
	r.logger.Info("registry stopped")
}
