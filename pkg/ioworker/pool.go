// Package ioworker runs the fixed pool of goroutines that perform all
// blocking file I/O, decoupled from the event loop via the request and
// result queues in pkg/ioqueue. Each worker blocks in ReadAt/WriteAt --
// the Go equivalents of pread/pwrite -- so a slow disk never stalls
// socket readiness handling.
package ioworker

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hgouveia/akwbs/pkg/ioqueue"
	"github.com/hgouveia/akwbs/pkg/logging"
)

// DefaultWorkerCount mirrors the original's AKWBS_WORKING_THREADS.
const DefaultWorkerCount = 10

// DefaultChunkBytes mirrors the original's BUFSIZ clamp on a single I/O.
const DefaultChunkBytes = 8192

// FileAt is the subset of *os.File the pool needs, satisfied by regular
// files and trivially fakeable in tests.
type FileAt interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// FileResolver maps a request's FileFD back to the descriptor the
// worker should read from or write to. The event loop is the only thing
// that knows the mapping of its own file descriptors, so the pool asks
// it rather than owning files itself.
type FileResolver func(fd int) (FileAt, bool)

// Pool runs workerCount goroutines, each pulling ioqueue.Requests off
// requests and pushing ioqueue.Results onto results.
type Pool struct {
	requests    *ioqueue.RequestQueue
	results     chan ioqueue.Result
	resolve     FileResolver
	chunkBytes  int
	workerCount int
	log         logging.Logger
}

// New constructs a worker pool. chunkBytes <= 0 uses DefaultChunkBytes;
// workerCount <= 0 uses DefaultWorkerCount.
func New(requests *ioqueue.RequestQueue, results chan ioqueue.Result, resolve FileResolver, workerCount, chunkBytes int, log logging.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	return &Pool{
		requests:    requests,
		results:     results,
		resolve:     resolve,
		chunkBytes:  chunkBytes,
		workerCount: workerCount,
		log:         log,
	}
}

// Run starts the pool and blocks until ctx is canceled, at which point
// every worker finishes its current request and returns. The request
// queue is closed first so Recv wakes every blocked worker promptly.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workerCount; i++ {
		g.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}

	<-ctx.Done()
	p.requests.Close()

	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		req, ok := p.requests.Recv()
		if !ok {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		result := p.perform(req)

		select {
		case p.results <- result:
		case <-ctx.Done():
			return
		}
	}
}

// perform clamps the request to chunkBytes and issues one ReadAt or
// WriteAt. A non-EOF, non-transient error is always surfaced on the
// result -- unlike the original's do_io_read, whose "defaul:" typo
// silently swallowed every non-EAGAIN pread failure.
func (p *Pool) perform(req ioqueue.Request) ioqueue.Result {
	file, ok := p.resolve(req.FileFD)
	if !ok {
		return ioqueue.Result{ConnID: req.ConnID, Err: errors.New("ioworker: unknown file descriptor")}
	}

	buf := req.Buf
	if len(buf) > p.chunkBytes {
		buf = buf[:p.chunkBytes]
	}

	var n int
	var err error
	switch req.Type {
	case ioqueue.TypeGet:
		n, err = file.ReadAt(buf, req.Offset)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ioqueue.TypePut:
		n, err = file.WriteAt(buf, req.Offset)
	default:
		err = errors.New("ioworker: unknown I/O type")
	}

	// EAGAIN is not a failure: report zero bytes so the loop retries.
	if errors.Is(err, syscall.EAGAIN) {
		n, err = 0, nil
	}

	if err != nil {
		if p.log != nil {
			p.log.WithError(err).Warn("ioworker: I/O failed")
		}
		return ioqueue.Result{ConnID: req.ConnID, Err: err}
	}

	return ioqueue.Result{ConnID: req.ConnID, BytesDone: n}
}

var _ FileAt = (*os.File)(nil)
