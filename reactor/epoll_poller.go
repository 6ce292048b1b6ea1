package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
)

const initEventListSize = 16

// epollPoller is the edge-triggered epoll backend.
type epollPoller struct {
	loop     *EventLoop
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller(loop *EventLoop) (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epollPoller{
		loop:     loop,
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) Poll(timeoutMs int, active []*Channel) ([]*Channel, Timestamp) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := Now()
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			p.loop.logger.Error("epoll_wait failed", logger.Field{Key: "error", Value: err})
		}

		return active, now
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}

		ch.SetRevents(ev.Events &^ unix.EPOLLET)
		active = append(active, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}

	return active, now
}

func (p *epollPoller) UpdateChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	switch ch.Index() {
	case indexNew, indexDeleted:
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
			return nil
		}

		if err := p.ctl(unix.EPOLL_CTL_ADD, ch); err != nil {
			return err
		}

		ch.SetIndex(indexAdded)
	default:
		if p.channels[fd] != ch {
			return fmt.Errorf("fd %d is not tracked", fd)
		}

		if ch.IsNoneEvent() {
			if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}

			ch.SetIndex(indexDeleted)
			return nil
		}

		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}

	return nil
}

func (p *epollPoller) RemoveChannel(ch *Channel) error {
	p.loop.AssertInLoopThread()

	fd := ch.Fd()
	if p.channels[fd] != ch {
		return fmt.Errorf("fd %d is not tracked", fd)
	}

	if !ch.IsNoneEvent() {
		return fmt.Errorf("fd %d still has interest %s", fd, ch.EventsString())
	}

	delete(p.channels, fd)
	if ch.Index() == indexAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
			ch.SetIndex(indexNew)
			return err
		}
	}

	ch.SetIndex(indexNew)
	return nil
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	p.loop.AssertInLoopThread()
	return p.channels[ch.Fd()] == ch
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, ch *Channel) error {
	ev := unix.EpollEvent{
		Events: ch.Events() | unix.EPOLLET,
		Fd:     int32(ch.Fd()),
	}

	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		return fmt.Errorf("epoll_ctl op=%d fd=%d: %w", op, ch.Fd(), err)
	}

	return nil
}
