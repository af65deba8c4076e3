package ioworker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hgouveia/akwbs/pkg/ioqueue"
)

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, errors.New("eof")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func TestPoolPerformsReadAndWrite(t *testing.T) {
	requests := ioqueue.NewRequestQueue(4)
	results := ioqueue.NewResultQueue(4)

	readFile := &memFile{data: []byte("hello world")}
	writeFile := &memFile{}

	resolve := func(fd int) (FileAt, bool) {
		switch fd {
		case 1:
			return readFile, true
		case 2:
			return writeFile, true
		default:
			return nil, false
		}
	}

	pool := New(requests, results, resolve, 2, 4096, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	readBuf := make([]byte, 32)
	requests.Send(ioqueue.Request{ConnID: 1, FileFD: 1, Buf: readBuf, Type: ioqueue.TypeGet})

	writeBuf := []byte("payload")
	requests.Send(ioqueue.Request{ConnID: 2, FileFD: 2, Buf: writeBuf, Type: ioqueue.TypePut})

	got := map[int]ioqueue.Result{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r.ConnID] = r
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result")
		}
	}

	require.NoError(t, got[1].Err)
	require.Equal(t, len("hello world"), got[1].BytesDone)

	require.NoError(t, got[2].Err)
	require.Equal(t, len("payload"), got[2].BytesDone)
	require.True(t, bytes.Equal(writeFile.data, writeBuf))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPoolSurfacesUnknownFD(t *testing.T) {
	requests := ioqueue.NewRequestQueue(1)
	results := ioqueue.NewResultQueue(1)

	resolve := func(fd int) (FileAt, bool) { return nil, false }
	pool := New(requests, results, resolve, 1, 4096, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	requests.Send(ioqueue.Request{ConnID: 9, FileFD: 99, Type: ioqueue.TypeGet})

	select {
	case r := <-results:
		require.Error(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}
