package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds every call into a Registry or Dispatcher.
const DefaultRequestTimeout = 5 * time.Second

const defaultQueueSize = 64

var (
	// ErrTimeout is returned when a Registry or Dispatcher does not answer
	// within the request timeout.
	ErrTimeout = errors.New("dispatcher: request timed out")

	// ErrStopped is returned by calls into a stopped Registry or Dispatcher.
	ErrStopped = errors.New("dispatcher: stopped")
)

// actor owns state that only its loop goroutine touches. Callers hand it
// closures and wait for them to run.
type actor struct {
	timeout time.Duration
	reqs    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// halt is set by a closure to end the loop after it returns. Loop only.
	halt bool
}

func newActor(queueSize int, timeout time.Duration) *actor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &actor{
		timeout: timeout,
		reqs:    make(chan func(), queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// run drains requests until halted or stopped. init runs first and cleanup
// last, both on the loop goroutine.
func (a *actor) run(init, cleanup func()) {
	defer close(a.stopped)
	if init != nil {
		init()
	}
	for !a.halt {
		select {
		case fn := <-a.reqs:
			fn()
		case <-a.quit:
			a.halt = true
		}
	}
	if cleanup != nil {
		cleanup()
	}
}

// stop ends the loop and waits for cleanup to finish. Queued requests are
// dropped; their callers get ErrStopped.
func (a *actor) stop() {
	a.once.Do(func() { close(a.quit) })
	<-a.stopped
}

// Request states. A queued request either runs or is abandoned by its
// caller, never both.
const (
	reqPending int32 = iota
	reqRunning
	reqAbandoned
)

// call runs fn on the loop goroutine and waits for it, at most until the
// request timeout elapses. A request the caller gave up on is skipped by the
// loop, so an error from call means fn had no effect. Once fn has started,
// call waits for it to finish.
func (a *actor) call(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var state atomic.Int32
	done := make(chan struct{})
	req := func() {
		if !state.CompareAndSwap(reqPending, reqRunning) {
			return
		}
		fn()
		close(done)
	}

	select {
	case a.reqs <- req:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctxErr(ctx)
	}

	var err error
	select {
	case <-done:
		return nil
	case <-a.stopped:
		err = ErrStopped
	case <-ctx.Done():
		err = ctxErr(ctx)
	}
	if state.CompareAndSwap(reqPending, reqAbandoned) {
		return err
	}
	<-done
	return nil
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("dispatcher: %w", ctx.Err())
}
