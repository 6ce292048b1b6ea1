package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
)

// pollPoller is the level-triggered poll(2) backend. A channel's index is its
// slot in pollfds; parked channels keep the slot with a negated fd.
type pollPoller struct {
	loop     *EventLoop
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newPollPoller(loop *EventLoop) *pollPoller {
	return &pollPoller{
		loop:     loop,
		channels: make(map[int]*Channel),
	}
}

func (p *pollPoller) Poll(timeoutMs int, active []*Channel) ([]*Channel, Timestamp) {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := Now()
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			p.loop.logger.Error("poll failed", logger.Field{Key: "error", Value: err})
		}

		return active, now
	}

	for i := range p.pollfds {
		if n == 0 {
			break
		}

		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}

		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}

		ch.SetRevents(uint32(uint16(pfd.Revents)))
		active = append(active, ch)
	}

	return active, now
}

func (p *pollPoller) UpdateChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	if ch.Index() < 0 {
		if _, ok := p.channels[fd]; ok {
			return fmt.Errorf("fd %d already registered", fd)
		}

		p.pollfds = append(p.pollfds, unix.PollFd{})
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
	} else if p.channels[fd] != ch {
		return fmt.Errorf("fd %d is not tracked", fd)
	}

	pfd := &p.pollfds[ch.Index()]
	pfd.Fd = int32(fd)
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = -int32(fd) - 1
	}

	return nil
}

func (p *pollPoller) RemoveChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	if p.channels[fd] != ch {
		return fmt.Errorf("fd %d is not tracked", fd)
	}

	if !ch.IsNoneEvent() {
		return fmt.Errorf("fd %d still has interest %s", fd, ch.EventsString())
	}

	idx := ch.Index()
	delete(p.channels, fd)

	last := len(p.pollfds) - 1
	if idx != last {
		moved := p.pollfds[last]
		movedFd := int(moved.Fd)
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}

		p.pollfds[idx] = moved
		p.channels[movedFd].SetIndex(idx)
	}

	p.pollfds = p.pollfds[:last]
	ch.SetIndex(indexNew)
	return nil
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	p.loop.AssertInLoopThread()
	return p.channels[ch.Fd()] == ch
}

func (p *pollPoller) Close() error {
	return nil
}
