package reactor

import (
	"errors"
	"sync"

	"github.com/ripperdev/flamingo/logger"
)

// ThreadInitCallback runs on a freshly created loop before it starts looping.
type ThreadInitCallback func(loop *EventLoop)

// ErrThreadStarted is returned by a second StartLoop call.
var ErrThreadStarted = errors.New("event loop thread already started")

type loopResult struct {
	loop *EventLoop
	err  error
}

// EventLoopThread runs one EventLoop on a dedicated, locked OS thread.
type EventLoopThread struct {
	config   Config
	callback ThreadInitCallback

	mu      sync.Mutex
	loop    *EventLoop
	started bool
	done    chan struct{}
}

// NewEventLoopThread prepares a thread; nothing runs until StartLoop.
//
// Parameters:
//   - cfg: Configuration of the loop the thread will own
//   - cb: Optional callback run on the loop before it starts looping
//
// Returns:
//   - A new *EventLoopThread
func NewEventLoopThread(cfg Config, cb ThreadInitCallback) *EventLoopThread {
	return &EventLoopThread{
		config:   cfg,
		callback: cb,
		done:     make(chan struct{}),
	}
}

// StartLoop spawns the thread and blocks until its loop exists.
//
// Returns:
//   - The running loop
//   - An error if the thread was already started or the loop could not be created
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, ErrThreadStarted
	}

	t.started = true
	t.mu.Unlock()

	ready := make(chan loopResult, 1)
	go t.threadFunc(ready)

	res := <-ready
	if res.err != nil {
		return nil, res.err
	}

	t.mu.Lock()
	t.loop = res.loop
	t.mu.Unlock()
	return res.loop, nil
}

// StopLoop quits the loop and waits for the thread to exit. Safe to call
// more than once and on a thread that never started.
func (t *EventLoopThread) StopLoop() {
	t.mu.Lock()
	loop := t.loop
	t.loop = nil
	t.mu.Unlock()

	if loop == nil {
		return
	}

	loop.Quit()
	<-t.done
}

// Loop returns the running loop, or nil before StartLoop and after StopLoop.
func (t *EventLoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

func (t *EventLoopThread) threadFunc(ready chan<- loopResult) {
	defer close(t.done)

	loop, err := NewEventLoop(t.config)
	if err != nil {
		ready <- loopResult{err: err}
		return
	}

	if t.callback != nil {
		t.callback(loop)
	}

	ready <- loopResult{loop: loop}
	loop.Loop()

	if err := loop.Close(); err != nil {
		loop.Logger().Error("close event loop failed", logger.Field{Key: "error", Value: err})
	}
}
