// Package reactor implements the single-threaded reactor that drives every
// socket in flamingo: an EventLoop pinned to one OS thread, its pluggable
// Poller, the Channel registrations it dispatches and the TimerQueue it
// services once per iteration. Loops are started on their own threads by
// EventLoopThread and pooled by EventLoopThreadPool.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/safemap"
)

// Functor is a task run on a loop.
type Functor func()

// ErrLoopExists is returned when a thread already owns an EventLoop.
var ErrLoopExists = errors.New("another EventLoop exists in this thread")

var loopsByThread = safemap.NewSafeMap[int, *EventLoop]()

// Config holds the construction parameters of an EventLoop.
type Config struct {
	// Name identifies the loop in logs.
	Name string
	// Logger receives loop diagnostics.
	Logger logger.Logger
	// Poller selects the readiness backend.
	Poller PollerKind
	// PollTimeout bounds each wait; timers are serviced once per iteration so
	// this is also the timer granularity.
	PollTimeout time.Duration
}

// DefaultConfig returns an epoll loop with a 1ms poll timeout and a nop logger.
//
// Parameters:
//   - name: Loop name for logs
//
// Returns:
//   - A Config with defaults
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Logger:      logger.NewNopLogger(),
		Poller:      PollerEpoll,
		PollTimeout: time.Millisecond,
	}
}

// EventLoop is a reactor bound to the OS thread that created it. Channels,
// timers and everything reachable from their callbacks are owned by that
// thread; other goroutines interact with the loop only through RunInLoop,
// QueueInLoop, Quit and the timer scheduling calls.
type EventLoop struct {
	name        string
	logger      logger.Logger
	tid         int
	pollTimeout int

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool
	iteration              int64

	poller         Poller
	timerQueue     *TimerQueue
	wakeupFd       int
	wakeupChannel  *Channel
	activeChannels []*Channel
	frameFunctor   Functor

	mu              sync.Mutex
	pendingFunctors []Functor
}

// NewEventLoop creates an EventLoop owned by the calling goroutine, which is
// locked to its OS thread for the rest of its life or until Close.
//
// Parameters:
//   - cfg: Loop configuration
//
// Returns:
//   - The new loop
//   - An error if the thread already owns a loop or if the poller or the
//     wakeup eventfd cannot be created
func NewEventLoop(cfg Config) (*EventLoop, error) {
	runtime.LockOSThread()
	tid := unix.Gettid()

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	timeoutMs := int(cfg.PollTimeout / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1
	}

	l := &EventLoop{
		name:        cfg.Name,
		logger:      cfg.Logger.With(logger.Field{Key: "loop", Value: cfg.Name}, logger.Field{Key: "tid", Value: tid}),
		tid:         tid,
		pollTimeout: timeoutMs,
	}

	if _, loaded := loopsByThread.LoadOrStore(tid, l); loaded {
		runtime.UnlockOSThread()
		l.logger.Error("another EventLoop exists in this thread")
		return nil, ErrLoopExists
	}

	poller, err := newPoller(cfg.Poller, l)
	if err != nil {
		l.release()
		return nil, fmt.Errorf("loop %s: create poller: %w", cfg.Name, err)
	}

	l.poller = poller

	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = poller.Close()
		l.release()
		return nil, fmt.Errorf("loop %s: create eventfd: %w", cfg.Name, err)
	}

	l.wakeupFd = wakeupFd
	l.timerQueue = newTimerQueue(l)
	l.wakeupChannel = NewChannel(l, wakeupFd)
	l.wakeupChannel.SetReadCallback(func(Timestamp) { l.handleWakeupRead() })
	if err := l.wakeupChannel.EnableReading(); err != nil {
		_ = unix.Close(wakeupFd)
		_ = poller.Close()
		l.release()
		return nil, fmt.Errorf("loop %s: register eventfd: %w", cfg.Name, err)
	}

	l.logger.Debug("event loop created", logger.Field{Key: "poller", Value: cfg.Poller.String()})
	return l, nil
}

// Name returns the loop name.
func (l *EventLoop) Name() string {
	return l.name
}

// Logger returns the loop scoped logger.
func (l *EventLoop) Logger() logger.Logger {
	return l.logger
}

// ThreadID returns the kernel id of the owning thread.
func (l *EventLoop) ThreadID() int {
	return l.tid
}

// Iteration returns how many poll cycles have completed. Loop thread only.
func (l *EventLoop) Iteration() int64 {
	return l.iteration
}

// Loop runs the reactor until Quit. It must be called on the owning thread.
// Each iteration drains due timers, polls, dispatches ready channels, runs
// queued functors and finally the frame functor.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	l.looping.Store(true)
	l.logger.Debug("event loop start looping")

	for !l.quit.Load() {
		l.timerQueue.doTimer(Now())

		l.activeChannels = l.activeChannels[:0]
		var pollReturnTime Timestamp
		l.activeChannels, pollReturnTime = l.poller.Poll(l.pollTimeout, l.activeChannels)
		l.iteration++

		for _, ch := range l.activeChannels {
			ch.HandleEvent(pollReturnTime)
		}

		clear(l.activeChannels)
		l.doPendingFunctors()

		if l.frameFunctor != nil {
			l.frameFunctor()
		}
	}

	l.doPendingFunctors()
	l.looping.Store(false)
	l.logger.Debug("event loop stop looping")
}

// Quit asks the loop to stop after the current iteration. It does not wait.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// IsLooping reports whether Loop is running.
func (l *EventLoop) IsLooping() bool {
	return l.looping.Load()
}

// RunInLoop runs fn now when called on the owning thread, otherwise queues it.
func (l *EventLoop) RunInLoop(fn Functor) {
	if l.IsInLoopThread() {
		fn()
		return
	}

	l.QueueInLoop(fn)
}

// QueueInLoop appends fn to the pending functors. The loop is woken unless
// the caller is the loop itself outside of functor execution, in which case
// fn runs later in the same iteration.
func (l *EventLoop) QueueInLoop(fn Functor) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

// QueueSize returns the number of pending functors.
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingFunctors)
}

// SetFrameFunctor installs a hook run at the end of every iteration. Loop
// thread only.
func (l *EventLoop) SetFrameFunctor(fn Functor) {
	l.AssertInLoopThread()
	l.frameFunctor = fn
}

// RunAt schedules cb once at time t.
func (l *EventLoop) RunAt(t Timestamp, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, t, 0, 1)
}

// RunAfter schedules cb once after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(Now().Add(delay), cb)
}

// RunEvery schedules cb every interval until removed.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, Now().Add(interval), interval, RepeatForever)
}

// AddTimer schedules cb at when, repeating repeatCount times every interval.
//
// Parameters:
//   - cb: Callback run on the loop
//   - when: First expiration
//   - interval: Delay between runs
//   - repeatCount: Number of runs, or RepeatForever
//
// Returns:
//   - The TimerID of the new timer
func (l *EventLoop) AddTimer(cb TimerCallback, when Timestamp, interval time.Duration, repeatCount int64) TimerID {
	return l.timerQueue.AddTimer(cb, when, interval, repeatCount)
}

// Cancel mutes or unmutes a timer. A muted timer never runs its callback.
func (l *EventLoop) Cancel(id TimerID, canceled bool) {
	l.timerQueue.Cancel(id, canceled)
}

// Remove drops a timer.
func (l *EventLoop) Remove(id TimerID) {
	l.timerQueue.Remove(id)
}

// UpdateChannel forwards an interest change to the poller.
func (l *EventLoop) UpdateChannel(ch *Channel) error {
	if ch.OwnerLoop() != l {
		return fmt.Errorf("channel fd %d belongs to another loop", ch.Fd())
	}

	l.AssertInLoopThread()
	return l.poller.UpdateChannel(ch)
}

// RemoveChannel forgets a parked channel.
func (l *EventLoop) RemoveChannel(ch *Channel) error {
	if ch.OwnerLoop() != l {
		return fmt.Errorf("channel fd %d belongs to another loop", ch.Fd())
	}

	l.AssertInLoopThread()
	return l.poller.RemoveChannel(ch)
}

// HasChannel reports whether the poller tracks ch.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	if ch.OwnerLoop() != l {
		return false
	}

	l.AssertInLoopThread()
	return l.poller.HasChannel(ch)
}

// IsInLoopThread reports whether the caller runs on the owning thread.
func (l *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == l.tid
}

// AssertInLoopThread aborts when called off the owning thread.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.abortNotInLoopThread()
	}
}

func (l *EventLoop) abortNotInLoopThread() {
	cur := unix.Gettid()
	l.logger.Error("event loop used outside its thread", logger.Field{Key: "current_tid", Value: cur})
	panic(fmt.Sprintf("EventLoop %s was created in thread %d, current thread is %d", l.name, l.tid, cur))
}

// Close releases the eventfd and poller and unpins the owning goroutine. It
// must run on the owning thread after Loop returned.
func (l *EventLoop) Close() error {
	l.AssertInLoopThread()
	if l.looping.Load() {
		return fmt.Errorf("loop %s is still looping", l.name)
	}

	var errs []error
	if err := l.wakeupChannel.DisableAll(); err != nil {
		errs = append(errs, err)
	}

	if err := l.wakeupChannel.Remove(); err != nil {
		errs = append(errs, err)
	}

	l.mu.Lock()
	if err := unix.Close(l.wakeupFd); err != nil {
		errs = append(errs, fmt.Errorf("close eventfd: %w", err))
	}
	l.wakeupFd = -1
	l.mu.Unlock()

	if err := l.poller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close poller: %w", err))
	}

	l.release()
	return errors.Join(errs...)
}

func (l *EventLoop) release() {
	loopsByThread.CompareAndDelete(l.tid, l)
	runtime.UnlockOSThread()
}

// wakeup holds mu so that a Quit racing with Close never writes to a
// recycled descriptor.
func (l *EventLoop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wakeupFd < 0 {
		return
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(l.wakeupFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Error("wakeup write failed", logger.Field{Key: "error", Value: err})
		return
	}

	if err == nil && n != len(buf) {
		l.logger.Error("wakeup wrote short", logger.Field{Key: "bytes", Value: n})
	}
}

func (l *EventLoop) handleWakeupRead() {
	var buf [8]byte
	n, err := unix.Read(l.wakeupFd, buf[:])
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			l.logger.Error("wakeup read failed", logger.Field{Key: "error", Value: err})
		}

		return
	}

	if n != len(buf) {
		l.logger.Error("wakeup read short", logger.Field{Key: "bytes", Value: n})
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	if len(functors) == 0 {
		return
	}

	l.callingPendingFunctors.Store(true)
	for _, fn := range functors {
		fn()
	}

	l.callingPendingFunctors.Store(false)
}
