package reactor

import (
	"time"

	"github.com/google/btree"
)

const timerTreeDegree = 16

// TimerQueue keeps the timers of one loop ordered by (expiration, sequence).
// All mutation happens on the owning loop; the exported scheduling calls hop
// there through RunInLoop.
type TimerQueue struct {
	loop   *EventLoop
	timers *btree.BTreeG[*Timer]
	active map[int64]*Timer
	due    []*Timer
}

func timerLess(a, b *Timer) bool {
	if a.expiration != b.expiration {
		return a.expiration < b.expiration
	}

	return a.sequence < b.sequence
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	return &TimerQueue{
		loop:   loop,
		timers: btree.NewG(timerTreeDegree, timerLess),
		active: make(map[int64]*Timer),
	}
}

// AddTimer schedules cb at when. A positive interval together with a
// repeatCount other than 1 makes the timer fire again interval after each run.
//
// Parameters:
//   - cb: Callback run on the owning loop
//   - when: First expiration
//   - interval: Delay between runs; 0 for a one-shot timer
//   - repeatCount: Number of runs, or RepeatForever
//
// Returns:
//   - The TimerID used for Cancel and Remove
func (q *TimerQueue) AddTimer(cb TimerCallback, when Timestamp, interval time.Duration, repeatCount int64) TimerID {
	timer := newTimer(cb, when, interval, repeatCount)
	q.loop.RunInLoop(func() { q.insert(timer) })
	return TimerID{timer: timer, sequence: timer.sequence}
}

// Cancel mutes (canceled=true) or unmutes a timer without removing it. A muted
// timer never runs its callback.
func (q *TimerQueue) Cancel(id TimerID, canceled bool) {
	q.loop.RunInLoop(func() {
		if t, ok := q.active[id.sequence]; ok && t == id.timer {
			t.canceled = canceled
		}
	})
}

// Remove drops a timer. Removing an expired or unknown timer is a no-op.
func (q *TimerQueue) Remove(id TimerID) {
	q.loop.RunInLoop(func() { q.remove(id.timer, id.sequence) })
}

// Len returns the number of scheduled timers. Loop thread only.
func (q *TimerQueue) Len() int {
	q.loop.AssertInLoopThread()
	return len(q.active)
}

func (q *TimerQueue) insert(t *Timer) {
	q.loop.AssertInLoopThread()
	q.timers.ReplaceOrInsert(t)
	q.active[t.sequence] = t
}

func (q *TimerQueue) remove(t *Timer, sequence int64) bool {
	if cur, ok := q.active[sequence]; !ok || cur != t {
		return false
	}

	q.timers.Delete(t)
	delete(q.active, sequence)
	return true
}

// doTimer runs every timer due at now. Due timers are collected first so that
// callbacks may freely add, cancel or remove timers. Repeating timers are
// moved to now+interval after they run.
func (q *TimerQueue) doTimer(now Timestamp) {
	q.loop.AssertInLoopThread()

	q.due = q.due[:0]
	q.timers.Ascend(func(t *Timer) bool {
		if t.expiration > now {
			return false
		}

		q.due = append(q.due, t)
		return true
	})

	for i, t := range q.due {
		q.due[i] = nil
		if q.active[t.sequence] != t {
			continue
		}

		if t.canceled {
			if t.interval > 0 {
				q.reschedule(t, now)
			} else {
				q.remove(t, t.sequence)
			}

			continue
		}

		t.callback()

		// the callback may have removed its own timer
		if q.active[t.sequence] != t {
			continue
		}

		if t.repeatCount > 0 {
			t.repeatCount--
		}

		if !t.repeats() {
			q.remove(t, t.sequence)
			continue
		}

		q.reschedule(t, now)
	}
}

func (q *TimerQueue) reschedule(t *Timer, now Timestamp) {
	q.timers.Delete(t)
	t.expiration = now.Add(t.interval)
	q.timers.ReplaceOrInsert(t)
}
