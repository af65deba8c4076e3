// Package eventloop implements the single-threaded acceptor and
// readiness loop: the component that multiplexes the listening socket,
// every client socket, and the I/O worker pool's result channel,
// exactly as described for the server's core dispatch loop.
package eventloop

import "time"

// Event reports one file descriptor's readiness.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// poller is the platform readiness multiplexer: epoll on Linux, select
// elsewhere. The loop itself never touches epoll/select directly so it
// stays portable.
type poller interface {
	Add(fd int, readable, writable bool) error
	Modify(fd int, readable, writable bool) error
	Remove(fd int) error
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}
