package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerQueue(t *testing.T) {
	loop := startTestLoop(t, PollerEpoll)

	t.Run("timers fire in expiration order", func(t *testing.T) {
		fired := make(chan int, 3)
		loop.RunAfter(30*time.Millisecond, func() { fired <- 30 })
		loop.RunAfter(10*time.Millisecond, func() { fired <- 10 })
		loop.RunAfter(20*time.Millisecond, func() { fired <- 20 })

		var got []int
		for len(got) < 3 {
			select {
			case v := <-fired:
				got = append(got, v)
			case <-time.After(2 * time.Second):
				t.Fatalf("timers did not fire, got %v", got)
			}
		}
		assert.Equal(t, []int{10, 20, 30}, got)
	})

	t.Run("equal expirations keep insertion order", func(t *testing.T) {
		when := Now().Add(10 * time.Millisecond)
		fired := make(chan int, 2)
		loop.RunAt(when, func() { fired <- 1 })
		loop.RunAt(when, func() { fired <- 2 })

		assert.Equal(t, 1, <-fired)
		assert.Equal(t, 2, <-fired)
	})

	t.Run("canceled timer never fires", func(t *testing.T) {
		var fired atomic.Bool
		id := loop.RunAfter(50*time.Millisecond, func() { fired.Store(true) })
		loop.Cancel(id, true)

		time.Sleep(150 * time.Millisecond)
		assert.False(t, fired.Load())

		var pending int
		runSync(loop, func() { pending = loop.timerQueue.Len() })
		assert.Equal(t, 0, pending, "canceled one-shot timer is dropped at expiry")
	})

	t.Run("repeat count bounds the number of runs", func(t *testing.T) {
		var runs atomic.Int32
		loop.AddTimer(func() { runs.Add(1) }, Now().Add(5*time.Millisecond), 5*time.Millisecond, 3)

		require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(3), runs.Load())

		var pending int
		runSync(loop, func() { pending = loop.timerQueue.Len() })
		assert.Equal(t, 0, pending)
	})

	t.Run("repeating timer can remove itself", func(t *testing.T) {
		var runs atomic.Int32
		var id TimerID
		idSet := make(chan struct{})
		id = loop.RunEvery(5*time.Millisecond, func() {
			<-idSet
			if runs.Add(1) == 2 {
				loop.Remove(id)
			}
		})
		close(idSet)

		require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(2), runs.Load())
	})

	t.Run("uncanceled repeating timer resumes", func(t *testing.T) {
		var runs atomic.Int32
		id := loop.RunEvery(5*time.Millisecond, func() { runs.Add(1) })
		defer loop.Remove(id)

		loop.Cancel(id, true)
		time.Sleep(40 * time.Millisecond)
		muted := runs.Load()
		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, muted, runs.Load())

		loop.Cancel(id, false)
		require.Eventually(t, func() bool { return runs.Load() > muted }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("stale id does not touch a new timer", func(t *testing.T) {
		var fired atomic.Bool
		live := loop.RunAfter(20*time.Millisecond, func() { fired.Store(true) })
		stale := TimerID{timer: live.timer, sequence: live.sequence + 1000}
		loop.Remove(stale)

		require.Eventually(t, fired.Load, 2*time.Second, 5*time.Millisecond)
		assert.True(t, live.Valid())
		assert.False(t, TimerID{}.Valid())
	})
}
