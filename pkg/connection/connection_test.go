package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRequestLifecycle(t *testing.T) {
	c, err := New(3, 16, 0, Limits{})
	require.NoError(t, err)
	defer c.Close()

	req := []byte("GET /a.txt HTTP/1.0\r\n\r\n")
	n := copy(c.Buffer.WriteSpan(), req)
	require.NoError(t, c.FeedRecv(n))
	require.Equal(t, StateHeadersReceived, c.State)

	require.NoError(t, c.ParseHeader())
	require.Equal(t, StateHeadersProcessed, c.State)
	require.Equal(t, MethodGet, c.Method)
	require.Equal(t, "/a.txt", c.URI)
	require.Equal(t, 0, c.Buffer.Count())

	c.BeginTransmission(5, 42, 11)
	require.Equal(t, StateOnTransmission, c.State)
	require.False(t, c.Done())

	// Simulate the worker reading the whole file into the buffer.
	wrote := copy(c.Buffer.WriteSpan(), []byte("hello world"))
	c.ApplyIOResult(wrote)
	require.Equal(t, int64(11), c.FileCurOffset)
	require.True(t, c.Done())

	sendable := c.PrepareSend()
	require.Equal(t, "hello world", string(sendable))
	c.ApplySend(len(sendable))
	require.Equal(t, 0, c.Buffer.Count())
}

func TestPutRequestParsesContentLength(t *testing.T) {
	c, err := New(4, 16, 0, Limits{})
	require.NoError(t, err)
	defer c.Close()

	req := []byte("PUT /up.bin HTTP/1.0\r\nContent-Length: 4\r\n\r\ndata")
	n := copy(c.Buffer.WriteSpan(), req)
	require.NoError(t, c.FeedRecv(n))
	require.Equal(t, StateHeadersReceived, c.State)

	require.NoError(t, c.ParseHeader())
	require.Equal(t, MethodPut, c.Method)
	require.Equal(t, "/up.bin", c.URI)
	require.Equal(t, int64(4), c.FileTotalOffset)

	// The trailing body bytes ("data") remain in the buffer after the
	// header has been consumed.
	require.Equal(t, "data", string(c.Buffer.ReadSpan()))
}

func TestFeedRecvAcrossMultipleReads(t *testing.T) {
	c, err := New(5, 16, 0, Limits{})
	require.NoError(t, err)
	defer c.Close()

	parts := []string{"GET /x", ".txt HTTP/1.0\r\n", "\r\n"}
	for i, p := range parts {
		n := copy(c.Buffer.WriteSpan(), []byte(p))
		require.NoError(t, c.FeedRecv(n))
		if i < len(parts)-1 {
			require.Equal(t, StateHeadersReceiving, c.State)
		} else {
			require.Equal(t, StateHeadersReceived, c.State)
		}
	}

	require.NoError(t, c.ParseHeader())
	require.Equal(t, "/x.txt", c.URI)
}

func TestFeedRecvRejectsOversizedHeader(t *testing.T) {
	c, err := New(20, 16, 0, Limits{})
	require.NoError(t, err)
	defer c.Close()

	big := make([]byte, 9000)
	for i := range big {
		big[i] = 'a'
	}
	n := copy(c.Buffer.WriteSpan(), big)
	err = c.FeedRecv(n)
	require.ErrorIs(t, err, ErrMalformedHeader)
}
