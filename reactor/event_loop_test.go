package reactor

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startTestLoop(t *testing.T, kind PollerKind) *EventLoop {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.Poller = kind

	th := NewEventLoopThread(cfg, nil)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.StopLoop)
	return loop
}

func runSync(loop *EventLoop, fn func()) {
	done := make(chan struct{})
	loop.RunInLoop(func() {
		fn()
		close(done)
	})
	<-done
}

func TestTimestamp(t *testing.T) {
	t.Run("now is monotonic", func(t *testing.T) {
		a := Now()
		b := Now()
		assert.False(t, b.Before(a))
		assert.True(t, a.Valid())
	})

	t.Run("add and sub are inverse", func(t *testing.T) {
		a := Timestamp(1_000_000)
		b := a.Add(1500 * time.Millisecond)
		assert.Equal(t, Timestamp(2_500_000), b)
		assert.Equal(t, 1500*time.Millisecond, b.Sub(a))
		assert.True(t, b.After(a))
	})

	t.Run("string shows seconds and micros", func(t *testing.T) {
		assert.Equal(t, "12.000034", Timestamp(12_000_034).String())
		assert.Equal(t, int64(12), Timestamp(12_000_034).Unix())
	})
}

func TestEventLoopRunInLoop(t *testing.T) {
	loop := startTestLoop(t, PollerEpoll)

	t.Run("foreign caller is not in loop thread", func(t *testing.T) {
		assert.False(t, loop.IsInLoopThread())
	})

	t.Run("functor runs on the loop thread", func(t *testing.T) {
		var inLoop bool
		runSync(loop, func() { inLoop = loop.IsInLoopThread() })
		assert.True(t, inLoop)
	})

	t.Run("run in loop on the loop thread is synchronous", func(t *testing.T) {
		var order []int
		runSync(loop, func() {
			order = append(order, 1)
			loop.RunInLoop(func() { order = append(order, 2) })
			order = append(order, 3)
		})
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("functor queued from a functor still runs", func(t *testing.T) {
		done := make(chan struct{})
		loop.QueueInLoop(func() {
			loop.QueueInLoop(func() { close(done) })
		})

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("nested functor never ran")
		}
	})

	t.Run("assert off thread panics", func(t *testing.T) {
		assert.Panics(t, func() { loop.AssertInLoopThread() })
	})
}

func TestEventLoopOnePerThread(t *testing.T) {
	type result struct {
		first, second error
	}

	ch := make(chan result, 1)
	go func() {
		loop, err := NewEventLoop(DefaultConfig("first"))
		if err != nil {
			ch <- result{first: err}
			return
		}

		_, err2 := NewEventLoop(DefaultConfig("second"))
		_ = loop.Close()
		ch <- result{second: err2}
	}()

	res := <-ch
	require.NoError(t, res.first)
	assert.ErrorIs(t, res.second, ErrLoopExists)
}

func TestEventLoopCloseReleasesThread(t *testing.T) {
	type result struct {
		registered, released bool
		err                  error
	}

	ch := make(chan result, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tid := unix.Gettid()

		loop, err := NewEventLoop(DefaultConfig("first"))
		if err != nil {
			ch <- result{err: err}
			return
		}

		var res result
		res.registered = loopsByThread.Has(tid)
		_ = loop.Close()
		res.released = !loopsByThread.Has(tid)

		again, err := NewEventLoop(DefaultConfig("again"))
		if err == nil {
			_ = again.Close()
		}
		res.err = err
		ch <- res
	}()

	res := <-ch
	require.NoError(t, res.err)
	assert.True(t, res.registered)
	assert.True(t, res.released)
}

func TestEventLoopThread(t *testing.T) {
	t.Run("init callback runs on the new loop", func(t *testing.T) {
		var inLoop atomic.Bool
		th := NewEventLoopThread(DefaultConfig("cb"), func(loop *EventLoop) {
			inLoop.Store(loop.IsInLoopThread())
		})

		loop, err := th.StartLoop()
		require.NoError(t, err)
		assert.True(t, inLoop.Load())
		assert.Same(t, loop, th.Loop())

		th.StopLoop()
		assert.Nil(t, th.Loop())
		th.StopLoop()
	})

	t.Run("second start fails", func(t *testing.T) {
		th := NewEventLoopThread(DefaultConfig("twice"), nil)
		_, err := th.StartLoop()
		require.NoError(t, err)
		defer th.StopLoop()

		_, err = th.StartLoop()
		assert.ErrorIs(t, err, ErrThreadStarted)
	})

	t.Run("pending functors run before the loop exits", func(t *testing.T) {
		th := NewEventLoopThread(DefaultConfig("drain"), nil)
		loop, err := th.StartLoop()
		require.NoError(t, err)

		var ran atomic.Bool
		runSync(loop, func() {
			loop.Quit()
			loop.QueueInLoop(func() { ran.Store(true) })
		})
		th.StopLoop()
		assert.True(t, ran.Load())
	})
}

func TestEventLoopThreadPool(t *testing.T) {
	base := startTestLoop(t, PollerEpoll)

	t.Run("round robin over workers", func(t *testing.T) {
		var inits atomic.Int32
		pool := NewEventLoopThreadPool("worker", DefaultConfig(""))
		var loops [4]*EventLoop
		var all []*EventLoop
		var err error
		runSync(base, func() {
			pool.Init(base, 3)
			if err = pool.Start(func(*EventLoop) { inits.Add(1) }); err != nil {
				return
			}
			for i := range loops {
				loops[i] = pool.GetNextLoop()
			}
			all = pool.GetAllLoops()
		})
		defer pool.Stop()
		require.NoError(t, err)

		assert.Equal(t, int32(3), inits.Load())
		require.Len(t, all, 3)
		assert.Same(t, all[0], loops[0])
		assert.Same(t, all[1], loops[1])
		assert.Same(t, all[2], loops[2])
		assert.Same(t, all[0], loops[3])
		assert.NotSame(t, base, loops[0])
		assert.Equal(t, "worker1", loops[1].Name())
		assert.Contains(t, pool.Info(), "2: id = ")
	})

	t.Run("hash picks a stable worker", func(t *testing.T) {
		pool := NewEventLoopThreadPool("hash", DefaultConfig(""))
		var a, b, c *EventLoop
		var err error
		runSync(base, func() {
			pool.Init(base, 2)
			if err = pool.Start(nil); err != nil {
				return
			}
			a = pool.GetLoopForHash(7)
			b = pool.GetLoopForHash(9)
			c = pool.GetLoopForHash(8)
		})
		defer pool.Stop()
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.NotSame(t, a, c)
	})

	t.Run("zero workers falls back to the base loop", func(t *testing.T) {
		pool := NewEventLoopThreadPool("none", DefaultConfig(""))
		var cbLoop, next *EventLoop
		var all []*EventLoop
		var err error
		runSync(base, func() {
			pool.Init(base, 0)
			err = pool.Start(func(l *EventLoop) { cbLoop = l })
			next = pool.GetNextLoop()
			all = pool.GetAllLoops()
		})
		defer pool.Stop()
		require.NoError(t, err)

		assert.Same(t, base, cbLoop)
		assert.Same(t, base, next)
		assert.Equal(t, []*EventLoop{base}, all)
		assert.True(t, pool.Started())
	})
}

func TestPollers(t *testing.T) {
	for _, kind := range []PollerKind{PollerEpoll, PollerPoll, PollerSelect} {
		t.Run(kind.String()+" reports pipe readability", func(t *testing.T) {
			loop := startTestLoop(t, kind)

			var fds [2]int
			require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
			defer unix.Close(fds[0])
			defer unix.Close(fds[1])

			got := make(chan byte, 1)
			ch := NewChannel(loop, fds[0])
			ch.SetReadCallback(func(Timestamp) {
				var buf [1]byte
				if n, _ := unix.Read(fds[0], buf[:]); n == 1 {
					got <- buf[0]
				}
			})

			var err error
			runSync(loop, func() { err = ch.EnableReading() })
			require.NoError(t, err)

			_, err = unix.Write(fds[1], []byte{'x'})
			require.NoError(t, err)

			select {
			case b := <-got:
				assert.Equal(t, byte('x'), b)
			case <-time.After(2 * time.Second):
				t.Fatal("read callback never ran")
			}

			var parked, afterRemove, reset bool
			var disableErr, removeErr error
			runSync(loop, func() {
				disableErr = ch.DisableAll()
				parked = loop.HasChannel(ch)
				removeErr = ch.Remove()
				afterRemove = loop.HasChannel(ch)
				reset = ch.Index() == indexNew
			})
			require.NoError(t, disableErr)
			require.NoError(t, removeErr)
			assert.True(t, parked, "parked channel stays tracked")
			assert.False(t, afterRemove)
			assert.True(t, reset)
		})
	}

	t.Run("poll poller moves the last slot on removal", func(t *testing.T) {
		loop := startTestLoop(t, PollerPoll)

		var pipes [3][2]int
		chans := make([]*Channel, 3)
		for i := range pipes {
			require.NoError(t, unix.Pipe2(pipes[i][:], unix.O_NONBLOCK|unix.O_CLOEXEC))
			defer unix.Close(pipes[i][0])
			defer unix.Close(pipes[i][1])
			chans[i] = NewChannel(loop, pipes[i][0])
		}

		fired := make(chan struct{}, 1)
		chans[2].SetReadCallback(func(Timestamp) {
			var buf [8]byte
			_, _ = unix.Read(pipes[2][0], buf[:])
			fired <- struct{}{}
		})

		var first, moved int
		var errs []error
		runSync(loop, func() {
			for _, ch := range chans {
				errs = append(errs, ch.EnableReading())
			}
			// slot 0 belongs to the wakeup eventfd
			first = chans[0].Index()
			errs = append(errs, chans[0].DisableAll(), chans[0].Remove())
			moved = chans[2].Index()
		})
		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, first)
		assert.Equal(t, first, moved)

		_, err := unix.Write(pipes[2][1], []byte{'y'})
		require.NoError(t, err)
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("moved channel lost its registration")
		}

		runSync(loop, func() {
			for _, ch := range chans[1:] {
				_ = ch.DisableAll()
				_ = ch.Remove()
			}
		})
	})

	t.Run("select poller rejects large descriptors", func(t *testing.T) {
		loop := startTestLoop(t, PollerSelect)
		ch := NewChannel(loop, selectMaxFd+10)

		var err error
		runSync(loop, func() { err = ch.EnableReading() })
		assert.Error(t, err)
	})

	t.Run("poller kind parses config values", func(t *testing.T) {
		kind, err := ParsePollerKind("Poll")
		require.NoError(t, err)
		assert.Equal(t, PollerPoll, kind)

		kind, err = ParsePollerKind("")
		require.NoError(t, err)
		assert.Equal(t, PollerEpoll, kind)

		_, err = ParsePollerKind("kqueue")
		assert.Error(t, err)
	})
}
