package eventloop

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hgouveia/akwbs/pkg/connection"
	"github.com/hgouveia/akwbs/pkg/filecache"
	"github.com/hgouveia/akwbs/pkg/ioqueue"
	"github.com/hgouveia/akwbs/pkg/ioworker"
	"github.com/hgouveia/akwbs/pkg/logging"
)

// Status lines the loop writes directly to client sockets. These mirror
// the fixed strings the original keeps in connection.h; nothing here
// negotiates a reason phrase or header set beyond them.
const (
	statusOK         = "HTTP/1.0 200 OK\r\n\r\n"
	statusCreated    = "HTTP/1.0 201 CREATED\r\n\r\n"
	statusBadRequest = "HTTP/1.0 400 BAD REQUEST\r\n\r\n"
	statusNotFound   = "HTTP/1.0 404 NOT FOUND\r\n\r\n"
)

// pollTimeout bounds how long a single Wait call blocks, so
// pumpReadiness periodically wakes up to notice context cancellation
// even with nothing ready. Idle reaping runs on its own reapInterval
// ticker.
const pollTimeout = 200 * time.Millisecond

// reapInterval is how often idle header-receiving connections are swept
// and connections with a queue-full request pending are retried.
const reapInterval = 5 * time.Second

// Metrics receives the hot-path counters the loop touches directly.
// metrics.Recorder satisfies this; tests can pass a stub or leave it
// unset entirely.
type Metrics interface {
	AddBytesSent(n int)
	AddBytesReceived(n int)
	IncThrottled()
	IncIOErrors()
}

type noopMetrics struct{}

func (noopMetrics) AddBytesSent(int)     {}
func (noopMetrics) AddBytesReceived(int) {}
func (noopMetrics) IncThrottled()        {}
func (noopMetrics) IncIOErrors()         {}

// Config bundles everything the loop needs to bind and start serving.
type Config struct {
	Port           int
	RootPath       string
	SendRateBytes  int64
	RingOrder      uint
	WorkerCount    int
	ChunkBytes     int
	RequestQueue   int
	ResultQueue    int
	HeaderMaxBytes int
	IdleTimeout    time.Duration
	Log            logging.Logger
}

// Loop is the single-threaded acceptor and readiness dispatcher: it owns
// the listening socket, every live connection.Connection, the open-file
// cache, and the request/result queues feeding the ioworker pool.
type Loop struct {
	cfg     Config
	log     logging.Logger
	cache   *filecache.Cache
	metrics Metrics

	requests *ioqueue.RequestQueue
	results  chan ioqueue.Result
	pool     *ioworker.Pool

	listenFD int
	poll     poller

	conns     map[int]*connection.Connection
	openFiles map[int]*os.File
}

// New binds the listening socket and wires the cache, queues and worker
// pool together. It does not start serving until Run is called.
func New(cfg Config) (*Loop, error) {
	if cfg.Log == nil {
		cfg.Log = logging.New(logrus.InfoLevel)
	}
	if cfg.RingOrder == 0 {
		cfg.RingOrder = 16
	}
	if cfg.RequestQueue == 0 {
		cfg.RequestQueue = 256
	}
	if cfg.ResultQueue == 0 {
		cfg.ResultQueue = 256
	}

	listenFD, err := bindListener(cfg.Port)
	if err != nil {
		return nil, err
	}

	p, err := newPoller()
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}
	if err := p.Add(listenFD, true, false); err != nil {
		unix.Close(listenFD)
		p.Close()
		return nil, fmt.Errorf("eventloop: register listener: %w", err)
	}

	l := &Loop{
		cfg:       cfg,
		log:       cfg.Log,
		cache:     filecache.New(cfg.RootPath),
		metrics:   noopMetrics{},
		requests:  ioqueue.NewRequestQueue(cfg.RequestQueue),
		results:   ioqueue.NewResultQueue(cfg.ResultQueue),
		listenFD:  listenFD,
		poll:      p,
		conns:     make(map[int]*connection.Connection),
		openFiles: make(map[int]*os.File),
	}
	l.pool = ioworker.New(l.requests, l.results, l.resolveFile, cfg.WorkerCount, cfg.ChunkBytes, cfg.Log)
	return l, nil
}

// bindListener creates, configures and binds a nonblocking IPv4 TCP
// listening socket on port, the Go-syscall equivalent of the original's
// socket/setsockopt/bind/listen sequence in setup_daemon.
func bindListener(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("eventloop: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: bind :%d: %w", port, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: listen: %w", err)
	}

	return fd, nil
}

// Run starts the worker pool and the readiness dispatch loop. It blocks
// until ctx is canceled, then drains and closes every live connection.
func (l *Loop) Run(ctx context.Context) error {
	poolDone := make(chan error, 1)
	go func() { poolDone <- l.pool.Run(ctx) }()

	events := make(chan []Event, 1)
	go l.pumpReadiness(ctx, events)

	reap := time.NewTicker(reapInterval)
	defer reap.Stop()

	l.log.WithField("port", l.cfg.Port).Info("eventloop: serving")

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			<-poolDone
			return nil

		case res, ok := <-l.results:
			if !ok {
				continue
			}
			l.handleResult(res)

		case evs := <-events:
			for _, ev := range evs {
				l.handleEvent(ev)
			}

		case <-reap.C:
			l.reapIdle()
			l.retryPending()
		}
	}
}

// pumpReadiness repeatedly calls poll.Wait and forwards non-empty
// batches on ch, making the poller's readiness notifications selectable
// alongside the native result channel in Run's dispatch loop.
func (l *Loop) pumpReadiness(ctx context.Context, ch chan<- []Event) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evs, err := l.poll.Wait(pollTimeout)
		if err != nil {
			l.log.WithError(err).Warn("eventloop: poll wait failed")
			continue
		}
		if len(evs) == 0 {
			continue
		}

		select {
		case ch <- evs:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) handleEvent(ev Event) {
	if ev.FD == l.listenFD {
		if ev.Readable {
			l.acceptAll()
		}
		return
	}

	conn, ok := l.conns[ev.FD]
	if !ok {
		return
	}
	if ev.Readable {
		l.handleReadable(conn)
	}
	if ev.Writable && conn.State != connection.StateClosed {
		l.handleWritable(conn)
	}
}

// acceptAll drains every pending connection on the listening socket,
// matching handle_incoming_connections' EAGAIN/ECONNABORTED/EINTR/EMFILE
// tolerant accept loop.
func (l *Loop) acceptAll() {
	for {
		fd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR, unix.EMFILE:
				return
			default:
				l.log.WithError(err).Warn("eventloop: accept failed")
				return
			}
		}

		conn, err := connection.New(fd, l.cfg.RingOrder, l.cfg.SendRateBytes, connection.Limits{
			HeaderMaxBytes: l.cfg.HeaderMaxBytes,
			IdleTimeout:    l.cfg.IdleTimeout,
		})
		if err != nil {
			l.log.WithError(err).Warn("eventloop: allocate connection failed")
			unix.Close(fd)
			continue
		}

		if err := l.poll.Add(fd, true, false); err != nil {
			l.log.WithError(err).Warn("eventloop: register client socket failed")
			conn.Close()
			unix.Close(fd)
			continue
		}

		l.conns[fd] = conn
	}
}

// handleReadable pulls whatever bytes are available on conn's socket
// into its ring buffer and advances the connection's state machine.
func (l *Loop) handleReadable(conn *connection.Connection) {
	switch conn.State {
	case connection.StateInit, connection.StateHeadersReceiving:
		l.recvHeaderBytes(conn)
	case connection.StateOnTransmission:
		if conn.Method == connection.MethodPut {
			l.recvBodyBytes(conn)
		}
	}
}

func (l *Loop) recvHeaderBytes(conn *connection.Connection) {
	buf := conn.Buffer.WriteSpan()
	if len(buf) == 0 {
		l.closeConnection(conn, statusBadRequest)
		return
	}

	n, err := unix.Read(conn.Socket, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		l.closeConnection(conn, "")
		return
	}
	if n == 0 {
		l.closeConnection(conn, "")
		return
	}
	l.metrics.AddBytesReceived(n)

	if err := conn.FeedRecv(n); err != nil {
		l.closeConnection(conn, statusBadRequest)
		return
	}

	if conn.State == connection.StateHeadersReceived {
		l.onHeadersReceived(conn)
	}
}

func (l *Loop) onHeadersReceived(conn *connection.Connection) {
	if err := conn.ParseHeader(); err != nil {
		l.closeConnection(conn, statusBadRequest)
		return
	}

	switch conn.Method {
	case connection.MethodGet:
		l.beginGet(conn)
	case connection.MethodPut:
		l.beginPut(conn)
	default:
		l.closeConnection(conn, statusBadRequest)
	}
}

func (l *Loop) beginGet(conn *connection.Connection) {
	file, size, inode, err := l.cache.Open(conn.URI)
	if err != nil {
		l.closeConnection(conn, statusNotFound)
		return
	}

	fd := int(file.Fd())
	l.openFiles[fd] = file
	conn.BeginTransmission(fd, inode, size)

	if _, err := unix.Write(conn.Socket, []byte(statusOK)); err != nil {
		l.closeConnection(conn, "")
		return
	}

	if err := l.poll.Modify(conn.Socket, false, true); err != nil {
		l.log.WithError(err).Warn("eventloop: arm writable failed")
	}
	l.issueGetRead(conn)
}

func (l *Loop) beginPut(conn *connection.Connection) {
	file, err := l.cache.OpenForWrite(conn.URI)
	if err != nil {
		l.closeConnection(conn, statusBadRequest)
		return
	}

	fd := int(file.Fd())
	l.openFiles[fd] = file
	conn.BeginTransmission(fd, 0, 0)

	if conn.Buffer.Count() > 0 {
		l.issuePutWrite(conn)
	}
	if conn.Done() {
		l.finishPut(conn)
	}
}

// handleWritable drains whatever the rate limiter allows onto conn's
// socket for an in-flight GET.
func (l *Loop) handleWritable(conn *connection.Connection) {
	if conn.State != connection.StateOnTransmission || conn.Method != connection.MethodGet {
		return
	}

	available := conn.Buffer.Count()
	sendable := conn.PrepareSend()
	if len(sendable) == 0 {
		l.maybeFinishGet(conn)
		return
	}
	if len(sendable) < available {
		l.metrics.IncThrottled()
	}

	n, err := unix.Write(conn.Socket, sendable)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		l.closeConnection(conn, "")
		return
	}
	conn.ApplySend(n)
	l.metrics.AddBytesSent(n)

	l.issueGetRead(conn)
	l.maybeFinishGet(conn)
}

func (l *Loop) maybeFinishGet(conn *connection.Connection) {
	if conn.Done() && conn.Buffer.Count() == 0 {
		l.closeConnection(conn, "")
	}
}

// issueGetRead requests the next chunk of the open file be loaded into
// conn's buffer, if there is room and nothing is already in flight.
func (l *Loop) issueGetRead(conn *connection.Connection) {
	if conn.Done() || conn.IsWaitingResult {
		return
	}
	buf := conn.PendingIOBuf()
	if len(buf) == 0 {
		conn.HasRequestPending = false
		return
	}

	ok := l.requests.Send(ioqueue.Request{
		ConnID: conn.Socket,
		FileFD: conn.FileFD,
		Buf:    buf,
		Offset: conn.FileCurOffset,
		Type:   ioqueue.TypeGet,
	})
	conn.HasRequestPending = !ok
	if ok {
		conn.IsWaitingResult = true
	}
}

func (l *Loop) recvBodyBytes(conn *connection.Connection) {
	buf := conn.Buffer.WriteSpan()
	if len(buf) == 0 {
		return
	}

	n, err := unix.Read(conn.Socket, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		l.closeConnection(conn, "")
		return
	}
	if n == 0 {
		l.closeConnection(conn, "")
		return
	}
	l.metrics.AddBytesReceived(n)
	conn.Buffer.WriteAdvance(n)

	l.issuePutWrite(conn)
}

// issuePutWrite flushes whatever body bytes are currently buffered to
// the backing file, if nothing is already in flight.
func (l *Loop) issuePutWrite(conn *connection.Connection) {
	if conn.IsWaitingResult {
		return
	}
	buf := conn.PendingIOBuf()
	if len(buf) == 0 {
		conn.HasRequestPending = false
		return
	}

	ok := l.requests.Send(ioqueue.Request{
		ConnID: conn.Socket,
		FileFD: conn.FileFD,
		Buf:    buf,
		Offset: conn.FileCurOffset,
		Type:   ioqueue.TypePut,
	})
	conn.HasRequestPending = !ok
	if ok {
		conn.IsWaitingResult = true
	}
}

func (l *Loop) finishPut(conn *connection.Connection) {
	unix.Write(conn.Socket, []byte(statusCreated))
	l.closeConnection(conn, "")
}

// handleResult folds a completed worker result back into the owning
// connection, looked up by socket fd (the ConnID carried on requests).
func (l *Loop) handleResult(res ioqueue.Result) {
	conn, ok := l.conns[res.ConnID]
	if !ok {
		return
	}

	if res.Err != nil {
		l.metrics.IncIOErrors()
		l.log.WithError(res.Err).WithField("uri", conn.URI).Warn("eventloop: I/O failed")
		l.closeConnection(conn, "")
		return
	}

	conn.ApplyIOResult(res.BytesDone)

	switch conn.Method {
	case connection.MethodGet:
		l.issueGetRead(conn)
	case connection.MethodPut:
		if conn.Done() {
			l.finishPut(conn)
			return
		}
		l.issuePutWrite(conn)
	}
}

// reapIdle closes any connection that has sent no header bytes within
// the idle timeout, mirroring get_timeout's scope to the header phase.
func (l *Loop) reapIdle() {
	for _, conn := range l.conns {
		if conn.State == connection.StateInit || conn.State == connection.StateHeadersReceiving {
			if conn.Expired() {
				l.closeConnection(conn, "")
			}
		}
	}
}

// retryPending re-submits the I/O request for every ON_TRANSMISSION
// connection whose last submission was rejected because the request
// queue was full. This is the only path that makes progress for such a
// connection: a full queue leaves IsWaitingResult false and nothing
// socket-readiness-driven runs issueGetRead/issuePutWrite again, so
// without this periodic sweep the connection would sit forever.
func (l *Loop) retryPending() {
	for _, conn := range l.conns {
		if conn.State != connection.StateOnTransmission || !conn.HasRequestPending {
			continue
		}
		switch conn.Method {
		case connection.MethodGet:
			l.issueGetRead(conn)
		case connection.MethodPut:
			l.issuePutWrite(conn)
		}
	}
}

// closeConnection optionally writes a final status line, then tears down
// the socket, buffer, open file and poller registration for conn.
func (l *Loop) closeConnection(conn *connection.Connection, status string) {
	if status != "" {
		unix.Write(conn.Socket, []byte(status))
	}

	conn.MarkClosed()
	l.poll.Remove(conn.Socket)
	conn.Close()
	unix.Close(conn.Socket)
	delete(l.conns, conn.Socket)

	if conn.HasFile {
		if conn.Method == connection.MethodGet {
			if closed, err := l.cache.Release(conn.FileInode); err != nil {
				l.log.WithError(err).Warn("eventloop: release cached file failed")
			} else if closed {
				delete(l.openFiles, conn.FileFD)
			}
		} else if f, ok := l.openFiles[conn.FileFD]; ok {
			delete(l.openFiles, conn.FileFD)
			f.Close()
		}
	}
	conn.MarkCleanup()
}

// resolveFile satisfies ioworker.FileResolver by looking up a
// previously opened descriptor by its numeric fd.
func (l *Loop) resolveFile(fd int) (ioworker.FileAt, bool) {
	f, ok := l.openFiles[fd]
	return f, ok
}

// shutdown closes the listener and every live connection, used when Run
// observes context cancellation.
func (l *Loop) shutdown() {
	unix.Close(l.listenFD)
	l.poll.Remove(l.listenFD)

	for _, conn := range l.conns {
		l.closeConnection(conn, "")
	}
	l.requests.Close()
	l.poll.Close()
}

// ConnectionCount reports the number of currently live connections, used
// by the metrics snapshot.
func (l *Loop) ConnectionCount() int {
	return len(l.conns)
}

// CacheEntries reports the number of open descriptors held by the file
// cache, used by the metrics snapshot.
func (l *Loop) CacheEntries() int {
	return l.cache.Len()
}

// QueueDepth reports how many requests are currently queued for the
// worker pool, used by the metrics snapshot.
func (l *Loop) QueueDepth() int {
	return l.requests.Len()
}

// RootPath reports the directory GET/PUT requests are resolved under.
func (l *Loop) RootPath() string {
	return l.cache.Root()
}

// SetMetrics wires a Metrics sink to receive the hot-path counters.
// Construction order makes this a post-New step: a Recorder typically
// needs the Loop itself as its Source before it exists to be wired back in.
func (l *Loop) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	l.metrics = m
}

// Port reports the TCP port the listener is actually bound to, useful
// when Config.Port is 0 and the kernel picked an ephemeral one.
func (l *Loop) Port() (int, error) {
	sa, err := unix.Getsockname(l.listenFD)
	if err != nil {
		return 0, fmt.Errorf("eventloop: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("eventloop: unexpected socket address type %T", sa)
	}
	return in4.Port, nil
}
