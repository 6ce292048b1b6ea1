package reactor

import (
	"fmt"
	"strings"
)

// Poller is the I/O readiness backend of one loop. Every method must be
// called on the owning loop.
type Poller interface {
	// Poll waits up to timeoutMs for readiness and appends the ready channels
	// to active.
	//
	// Parameters:
	//   - timeoutMs: Maximum wait in milliseconds
	//   - active: Slice the ready channels are appended to
	//
	// Returns:
	//   - The extended slice
	//   - The time the wait returned
	Poll(timeoutMs int, active []*Channel) ([]*Channel, Timestamp)

	// UpdateChannel registers the channel or changes its interest set. A
	// channel without interest is parked, not forgotten.
	UpdateChannel(ch *Channel) error

	// RemoveChannel forgets a parked channel.
	RemoveChannel(ch *Channel) error

	// HasChannel reports whether the channel is tracked.
	HasChannel(ch *Channel) bool

	// Close releases the backend descriptor, if any.
	Close() error
}

// PollerKind selects a Poller backend at startup.
type PollerKind int

const (
	PollerEpoll PollerKind = iota
	PollerPoll
	PollerSelect
)

// String returns the config name of the backend.
func (k PollerKind) String() string {
	switch k {
	case PollerEpoll:
		return "epoll"
	case PollerPoll:
		return "poll"
	case PollerSelect:
		return "select"
	default:
		return "unknown"
	}
}

// ParsePollerKind maps a config value onto a PollerKind. An empty value means epoll.
func ParsePollerKind(s string) (PollerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "epoll":
		return PollerEpoll, nil
	case "poll":
		return PollerPoll, nil
	case "select":
		return PollerSelect, nil
	default:
		return PollerEpoll, fmt.Errorf("unknown poller %q", s)
	}
}

func newPoller(kind PollerKind, loop *EventLoop) (Poller, error) {
	switch kind {
	case PollerEpoll:
		return newEpollPoller(loop)
	case PollerPoll:
		return newPollPoller(loop), nil
	case PollerSelect:
		return newSelectPoller(loop), nil
	default:
		return nil, fmt.Errorf("unknown poller kind %d", int(kind))
	}
}
