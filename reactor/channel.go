package reactor

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
)

// Interest and readiness bits. They share the poll(2) values, which epoll
// uses as well.
const (
	EventNone  uint32 = 0
	EventRead  uint32 = unix.POLLIN | unix.POLLPRI
	EventWrite uint32 = unix.POLLOUT
)

// Channel indexes as seen by the pollers.
const (
	indexNew     = -1
	indexAdded   = 1
	indexDeleted = 2
)

// ReadEventCallback receives the time the poller returned.
type ReadEventCallback func(receiveTime Timestamp)

// EventCallback handles write, close and error readiness.
type EventCallback func()

// Channel binds one file descriptor to its owning loop: the interest set and
// the callbacks that run when the poller reports readiness. It does not own
// the descriptor and must only be touched on the owning loop.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	index   int

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

// NewChannel creates a Channel for fd owned by loop. Nothing is registered
// until an Enable call.
//
// Parameters:
//   - loop: The owning loop
//   - fd: The file descriptor to watch
//
// Returns:
//   - A new *Channel
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: indexNew,
	}
}

// SetReadCallback sets the read readiness handler.
func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }

// SetWriteCallback sets the write readiness handler.
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }

// SetCloseCallback sets the hang-up handler.
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }

// SetErrorCallback sets the error handler.
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Fd returns the watched descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the interest set.
func (c *Channel) Events() uint32 { return c.events }

// SetRevents records the readiness reported by a poller.
func (c *Channel) SetRevents(revents uint32) { c.revents = revents }

// Index returns the poller specific slot.
func (c *Channel) Index() int { return c.index }

// SetIndex stores the poller specific slot.
func (c *Channel) SetIndex(index int) { c.index = index }

// OwnerLoop returns the loop the channel belongs to.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// IsNoneEvent reports whether the channel is parked.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

// IsReading reports read interest.
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

// IsWriting reports write interest.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

// EnableReading adds read interest.
func (c *Channel) EnableReading() error {
	c.events |= EventRead
	return c.update()
}

// DisableReading drops read interest.
func (c *Channel) DisableReading() error {
	c.events &^= EventRead
	return c.update()
}

// EnableWriting adds write interest.
func (c *Channel) EnableWriting() error {
	c.events |= EventWrite
	return c.update()
}

// DisableWriting drops write interest.
func (c *Channel) DisableWriting() error {
	c.events &^= EventWrite
	return c.update()
}

// DisableAll parks the channel. It stays known to the poller until Remove.
func (c *Channel) DisableAll() error {
	c.events = EventNone
	return c.update()
}

// Remove unregisters the channel from its loop. Interest must be empty.
func (c *Channel) Remove() error {
	return c.loop.RemoveChannel(c)
}

func (c *Channel) update() error {
	return c.loop.UpdateChannel(c)
}

// HandleEvent dispatches the readiness recorded by the last poll.
func (c *Channel) HandleEvent(receiveTime Timestamp) {
	if c.revents&unix.POLLHUP != 0 && c.revents&unix.POLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}

	if c.revents&unix.POLLNVAL != 0 {
		c.loop.logger.Warn("channel handle event POLLNVAL", logger.Field{Key: "fd", Value: c.fd})
	}

	if c.revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}

	if c.revents&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}

	if c.revents&unix.POLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

// EventsString renders the interest set for logs.
func (c *Channel) EventsString() string {
	return eventsToString(c.fd, c.events)
}

// ReventsString renders the last readiness for logs.
func (c *Channel) ReventsString() string {
	return eventsToString(c.fd, c.revents)
}

func eventsToString(fd int, ev uint32) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(fd))
	b.WriteString(": ")
	names := []struct {
		bit  uint32
		name string
	}{
		{unix.POLLIN, "IN"},
		{unix.POLLPRI, "PRI"},
		{unix.POLLOUT, "OUT"},
		{unix.POLLHUP, "HUP"},
		{unix.POLLRDHUP, "RDHUP"},
		{unix.POLLERR, "ERR"},
		{unix.POLLNVAL, "NVAL"},
	}
	for _, n := range names {
		if ev&n.bit != 0 {
			b.WriteString(n.name)
			b.WriteByte(' ')
		}
	}

	return strings.TrimRight(b.String(), " ")
}
