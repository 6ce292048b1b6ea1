package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
)

// selectMaxFd is FD_SETSIZE on Linux.
const selectMaxFd = 1024

// selectPoller is the select(2) backend, limited to descriptors below 1024.
type selectPoller struct {
	loop     *EventLoop
	channels map[int]*Channel

	readSet   unix.FdSet
	writeSet  unix.FdSet
	exceptSet unix.FdSet
}

func newSelectPoller(loop *EventLoop) *selectPoller {
	return &selectPoller{
		loop:     loop,
		channels: make(map[int]*Channel),
	}
}

func (p *selectPoller) Poll(timeoutMs int, active []*Channel) ([]*Channel, Timestamp) {
	p.readSet.Zero()
	p.writeSet.Zero()
	p.exceptSet.Zero()

	maxFd := -1
	for fd, ch := range p.channels {
		if ch.IsNoneEvent() {
			continue
		}

		if ch.Events()&EventRead != 0 {
			p.readSet.Set(fd)
			p.exceptSet.Set(fd)
		}

		if ch.IsWriting() {
			p.writeSet.Set(fd)
		}

		maxFd = max(maxFd, fd)
	}

	tv := unix.NsecToTimeval(int64(time.Duration(timeoutMs) * time.Millisecond))
	n, err := unix.Select(maxFd+1, &p.readSet, &p.writeSet, &p.exceptSet, &tv)
	now := Now()
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			p.loop.logger.Error("select failed", logger.Field{Key: "error", Value: err})
		}

		return active, now
	}

	if n == 0 {
		return active, now
	}

	for fd, ch := range p.channels {
		var revents uint32
		if p.readSet.IsSet(fd) {
			revents |= unix.POLLIN
		}

		if p.exceptSet.IsSet(fd) {
			revents |= unix.POLLPRI
		}

		if p.writeSet.IsSet(fd) {
			revents |= unix.POLLOUT
		}

		if revents != 0 {
			ch.SetRevents(revents)
			active = append(active, ch)
		}
	}

	return active, now
}

func (p *selectPoller) UpdateChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	if fd < 0 || fd >= selectMaxFd {
		return fmt.Errorf("fd %d out of select range", fd)
	}

	if ch.Index() == indexNew {
		if _, ok := p.channels[fd]; ok {
			return fmt.Errorf("fd %d already registered", fd)
		}

		p.channels[fd] = ch
	} else if p.channels[fd] != ch {
		return fmt.Errorf("fd %d is not tracked", fd)
	}

	if ch.IsNoneEvent() {
		ch.SetIndex(indexDeleted)
	} else {
		ch.SetIndex(indexAdded)
	}

	return nil
}

func (p *selectPoller) RemoveChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	if p.channels[fd] != ch {
		return fmt.Errorf("fd %d is not tracked", fd)
	}

	if !ch.IsNoneEvent() {
		return fmt.Errorf("fd %d still has interest %s", fd, ch.EventsString())
	}

	delete(p.channels, fd)
	ch.SetIndex(indexNew)
	return nil
}

func (p *selectPoller) HasChannel(ch *Channel) bool {
	p.loop.AssertInLoopThread()
	return p.channels[ch.Fd()] == ch
}

func (p *selectPoller) Close() error {
	return nil
}
