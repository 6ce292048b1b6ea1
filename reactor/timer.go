package reactor

import (
	"time"

	"github.com/ripperdev/flamingo/idgenerator"
)

// TimerCallback is run on the owning loop when a timer expires.
type TimerCallback func()

// RepeatForever makes a timer fire until it is removed.
const RepeatForever int64 = -1

var timerSequence = idgenerator.NewSequenceGenerator(0)

// Timer is one entry of a TimerQueue. It is only touched on the owning loop.
type Timer struct {
	callback    TimerCallback
	expiration  Timestamp
	interval    time.Duration
	repeatCount int64
	sequence    int64
	canceled    bool
}

func newTimer(cb TimerCallback, when Timestamp, interval time.Duration, repeatCount int64) *Timer {
	return &Timer{
		callback:    cb,
		expiration:  when,
		interval:    interval,
		repeatCount: repeatCount,
		sequence:    timerSequence.Next(),
	}
}

// Expiration returns when the timer fires next.
func (t *Timer) Expiration() Timestamp {
	return t.expiration
}

// Sequence returns the process-wide unique sequence of the timer.
func (t *Timer) Sequence() int64 {
	return t.sequence
}

// RepeatCount returns the remaining number of runs, or RepeatForever.
func (t *Timer) RepeatCount() int64 {
	return t.repeatCount
}

// IsCanceled reports whether the timer is currently muted.
func (t *Timer) IsCanceled() bool {
	return t.canceled
}

func (t *Timer) repeats() bool {
	return t.interval > 0 && t.repeatCount != 0
}

// TimerID identifies a scheduled timer. The sequence guards against a
// recycled *Timer being hit by a stale id.
type TimerID struct {
	timer    *Timer
	sequence int64
}

// Sequence returns the timer sequence the id refers to; 0 for the zero TimerID.
func (id TimerID) Sequence() int64 {
	return id.sequence
}

// Valid reports whether the id was returned by a scheduling call.
func (id TimerID) Valid() bool {
	return id.timer != nil
}
