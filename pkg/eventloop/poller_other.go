//go:build !linux

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller is the portable fallback multiplexer, built on
// unix.Select. It keeps its own registry of watched descriptors since
// select must be re-armed with the full set on every call.
type selectPoller struct {
	watched map[int]Event
}

func newPoller() (poller, error) {
	return &selectPoller{watched: make(map[int]Event)}, nil
}

func (p *selectPoller) Add(fd int, readable, writable bool) error {
	p.watched[fd] = Event{FD: fd, Readable: readable, Writable: writable}
	return nil
}

func (p *selectPoller) Modify(fd int, readable, writable bool) error {
	p.watched[fd] = Event{FD: fd, Readable: readable, Writable: writable}
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	delete(p.watched, fd)
	return nil
}

// fdSetBit and fdIsSet manipulate a unix.FdSet's underlying bitmap
// directly: the BSD/Darwin build of x/sys/unix exposes the struct (a
// [32]int32 word array) but, unlike its Linux-specific helpers, no
// Set/IsSet methods.
const fdSetWordBits = 32

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetWordBits] |= 1 << (uint(fd) % fdSetWordBits)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetWordBits]&(1<<(uint(fd)%fdSetWordBits)) != 0
}

func (p *selectPoller) Wait(timeout time.Duration) ([]Event, error) {
	var readFDs, writeFDs unix.FdSet
	maxFD := 0

	for fd, want := range p.watched {
		if want.Readable {
			fdSetBit(&readFDs, fd)
		}
		if want.Writable {
			fdSetBit(&writeFDs, fd)
		}
		if fd > maxFD {
			maxFD = fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	_, err := unix.Select(maxFD+1, &readFDs, &writeFDs, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]Event, 0, len(p.watched))
	for fd, want := range p.watched {
		readable := want.Readable && fdIsSet(&readFDs, fd)
		writable := want.Writable && fdIsSet(&writeFDs, fd)
		if readable || writable {
			events = append(events, Event{FD: fd, Readable: readable, Writable: writable})
		}
	}
	return events, nil
}

func (p *selectPoller) Close() error {
	return nil
}
