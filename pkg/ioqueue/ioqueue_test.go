package ioqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendRecvOrdering(t *testing.T) {
	q := NewRequestQueue(4)

	require.True(t, q.Send(Request{ConnID: 1, Type: TypeGet}))
	require.True(t, q.Send(Request{ConnID: 2, Type: TypePut}))

	r, ok := q.Recv()
	require.True(t, ok)
	require.Equal(t, 1, r.ConnID)

	r, ok = q.Recv()
	require.True(t, ok)
	require.Equal(t, 2, r.ConnID)
}

func TestSendFailsWhenFull(t *testing.T) {
	q := NewRequestQueue(1)
	require.True(t, q.Send(Request{ConnID: 1}))
	require.False(t, q.Send(Request{ConnID: 2}))
}

func TestRecvBlocksUntilSend(t *testing.T) {
	q := NewRequestQueue(4)
	done := make(chan Request, 1)

	go func() {
		r, ok := q.Recv()
		require.True(t, ok)
		done <- r
	}()

	time.Sleep(10 * time.Millisecond)
	q.Send(Request{ConnID: 42})

	select {
	case r := <-done:
		require.Equal(t, 42, r.ConnID)
	case <-time.After(time.Second):
		t.Fatal("Recv never returned")
	}
}

func TestCloseWakesBlockedReceivers(t *testing.T) {
	q := NewRequestQueue(4)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Recv()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Recv never woke on Close")
	}
}

func TestResultQueueIsSelectable(t *testing.T) {
	rq := NewResultQueue(1)
	rq <- Result{ConnID: 7, BytesDone: 10}

	select {
	case r := <-rq:
		require.Equal(t, 7, r.ConnID)
	default:
		t.Fatal("expected buffered result to be immediately selectable")
	}
}
