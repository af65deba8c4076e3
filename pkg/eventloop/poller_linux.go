//go:build linux

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller wraps epoll_create1/epoll_ctl/epoll_wait.
type epollPoller struct {
	fd int
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &epollPoller{fd: fd}, nil
}

func eventMask(readable, writable bool) uint32 {
	var mask uint32
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	raw := make([]unix.EpollEvent, 256)

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	n, err := unix.EpollWait(p.fd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, Event{
			FD:       int(raw[i].Fd),
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
		})
	}
	return events, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
