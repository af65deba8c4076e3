// Package connection implements the per-client state machine: one
// struct per socket, stepped once per event-loop iteration. It owns the
// connection's ring buffer and tracks exactly where it sits in the
// INIT -> HEADERS_RECEIVING -> HEADERS_RECEIVED -> HEADERS_PROCESSED ->
// ON_TRANSMISSION -> CLOSED -> CLEANUP lifecycle.
//
// Actual socket and file I/O is deliberately kept out of this package:
// the event loop performs the real reads/writes and reports outcomes
// back in, which makes the state machine itself trivial to unit test
// without a network stack.
package connection

import (
	"errors"
	"time"

	"github.com/hgouveia/akwbs/pkg/httpparse"
	"github.com/hgouveia/akwbs/pkg/ratelimit"
	"github.com/hgouveia/akwbs/pkg/ringbuffer"
)

// State is one node of the connection lifecycle.
type State int

const (
	StateInit State = iota
	StateHeadersReceiving
	StateHeadersReceived
	StateHeadersProcessed
	StateOnTransmission
	StateClosed
	StateCleanup
)

// Method mirrors httpparse.Method to keep this package's public surface
// self-contained.
type Method = httpparse.Method

const (
	MethodUnknown = httpparse.MethodUnknown
	MethodGet     = httpparse.MethodGet
	MethodPut     = httpparse.MethodPut
)

// ErrMalformedHeader is returned by FeedRecv when the header scanner
// rejects the accumulated bytes (too large, see httpparse.ErrHeaderTooBig).
var ErrMalformedHeader = errors.New("connection: malformed or oversized header")

// ErrTimedOut is returned when an idle connection's timeout has elapsed.
var ErrTimedOut = errors.New("connection: idle timeout")

// Connection is the per-socket actor.
type Connection struct {
	Socket int
	Buffer ringbuffer.Buffer

	State  State
	Method Method
	URI    string

	// FileFD is the descriptor currently being read from or written to;
	// zero until the resource has been opened.
	FileFD    int
	FileInode uint64
	HasFile   bool

	FileTotalOffset int64
	FileCurOffset   int64

	HasRequestPending bool
	IsWaitingResult   bool

	scanner *httpparse.HeaderScanner

	Limiter *ratelimit.Limiter
	idle    *ratelimit.IdleTimer
}

// Limits bundles the ops-config-tunable caps a Connection enforces:
// the maximum header size before a request is rejected as abusive, and
// how long a connection may sit in the header-receiving phase without
// progress before it is reaped.
type Limits struct {
	HeaderMaxBytes int
	IdleTimeout    time.Duration
}

// New constructs a connection bound to socket, with its own ring buffer
// of the given order, a send-rate limiter of sendRate bytes/second, and
// the given header/idle limits. A zero Limits field falls back to the
// package defaults.
func New(socket int, order uint, sendRate int64, limits Limits) (*Connection, error) {
	buf, err := ringbuffer.New(order)
	if err != nil {
		return nil, err
	}
	if limits.HeaderMaxBytes <= 0 {
		limits.HeaderMaxBytes = httpparse.MaxHeaderBytes
	}
	if limits.IdleTimeout <= 0 {
		limits.IdleTimeout = ratelimit.IdleTimeout
	}
	return &Connection{
		Socket:  socket,
		Buffer:  buf,
		State:   StateInit,
		scanner: httpparse.NewHeaderScannerWithLimit(limits.HeaderMaxBytes),
		Limiter: ratelimit.New(sendRate),
		idle:    ratelimit.NewIdleTimer(limits.IdleTimeout),
	}, nil
}

// Close releases the connection's ring buffer. The caller is
// responsible for closing Socket and FileFD.
func (c *Connection) Close() error {
	return c.Buffer.Close()
}

// Expired reports whether the connection has been idle (no header bytes
// received) longer than the configured timeout. Only meaningful while
// still receiving headers, matching the original's get_timeout, which is
// only ever consulted from recv_header.
func (c *Connection) Expired() bool {
	return c.idle.Expired()
}

// FeedRecv must be called after n bytes have been written into
// c.Buffer.WriteSpan() from the socket. It advances the buffer, resets
// the idle timer, and feeds the header scanner while still in the
// header-receiving phase. It transitions State to HeadersReceived once
// the terminating CRLFCRLF is found.
func (c *Connection) FeedRecv(n int) error {
	c.Buffer.WriteAdvance(n)
	c.idle.Touch()

	if c.State != StateInit && c.State != StateHeadersReceiving {
		return nil
	}

	done, err := c.scanner.Feed(c.Buffer.ReadSpan())
	if err != nil {
		return ErrMalformedHeader
	}

	if done {
		c.State = StateHeadersReceived
	} else {
		c.State = StateHeadersReceiving
	}
	return nil
}

// ParseHeader must be called once State == StateHeadersReceived. It
// extracts the method and URI (and, for PUT, the content length) and
// consumes the header bytes from the buffer, transitioning to
// StateHeadersProcessed.
func (c *Connection) ParseHeader() error {
	span := c.Buffer.ReadSpan()
	firstLineEnd := c.scanner.FirstLineEnd()
	if firstLineEnd < 0 || firstLineEnd > len(span) {
		return ErrMalformedHeader
	}

	method, uri, err := httpparse.ParseRequestLine(span[:firstLineEnd])
	if err != nil {
		return err
	}
	c.Method = method
	c.URI = uri

	if method == httpparse.MethodPut {
		headerEnd := c.scanner.HeaderEnd()
		if headerEnd < 0 || headerEnd > len(span) {
			return ErrMalformedHeader
		}
		length, err := httpparse.ContentLength(span[:headerEnd])
		if err != nil {
			return err
		}
		c.FileTotalOffset = length
	}

	headerEnd := c.scanner.HeaderEnd()
	c.Buffer.ReadAdvance(headerEnd)
	c.State = StateHeadersProcessed
	return nil
}

// BeginTransmission records that the resource backing this connection
// has been opened (GET: cached read descriptor and its size; PUT: a
// fresh write descriptor) and moves to StateOnTransmission.
func (c *Connection) BeginTransmission(fd int, inode uint64, totalSize int64) {
	c.FileFD = fd
	c.FileInode = inode
	c.HasFile = true
	if c.Method == httpparse.MethodGet {
		c.FileTotalOffset = totalSize
	}
	c.State = StateOnTransmission
}

// Done reports whether every byte of the resource has been transferred.
func (c *Connection) Done() bool {
	return c.FileCurOffset == c.FileTotalOffset
}

// PendingIOBuf returns the buffer span the next I/O request should
// target: the writable span for GET (more file bytes land here before
// being sent to the socket) or the readable span for PUT (buffered
// socket bytes waiting to be written to the file).
func (c *Connection) PendingIOBuf() []byte {
	if c.Method == httpparse.MethodGet {
		return c.Buffer.WriteSpan()
	}
	return c.Buffer.ReadSpan()
}

// ApplyIOResult folds a completed I/O operation's byte count back into
// the connection's buffer and file offset accounting, and clears
// IsWaitingResult.
func (c *Connection) ApplyIOResult(n int) {
	if c.Method == httpparse.MethodGet {
		c.Buffer.WriteAdvance(n)
	} else {
		c.Buffer.ReadAdvance(n)
	}
	c.FileCurOffset += int64(n)
	c.IsWaitingResult = false
}

// PrepareSend returns the buffered bytes that may be sent right now,
// clamped to both the available data and the rate limiter's remaining
// allowance for this window; nil when nothing is buffered.
func (c *Connection) PrepareSend() []byte {
	span := c.Buffer.ReadSpan()
	if len(span) == 0 {
		return nil
	}
	n := c.Limiter.Allow(len(span))
	return span[:n]
}

// ApplySend records n bytes as sent and advances the read offset.
func (c *Connection) ApplySend(n int) {
	c.Limiter.Record(n)
	c.Buffer.ReadAdvance(n)
}

// MarkClosed transitions to StateClosed.
func (c *Connection) MarkClosed() {
	c.State = StateClosed
}

// MarkCleanup transitions to StateCleanup, the terminal state after
// which the event loop discards the connection.
func (c *Connection) MarkCleanup() {
	c.State = StateCleanup
}
