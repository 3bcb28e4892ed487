package krisos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_TryWriteReadRoundTrip(t *testing.T) {
	k := newDeterministicKernel(t)
	q, err := NewTypedQueue[int](k, 2)
	require.NoError(t, err)

	require.Equal(t, 2, q.Capacity())
	require.Equal(t, 0, q.Len())

	require.NoError(t, q.TryWrite(7))
	require.NoError(t, q.TryWrite(9))
	require.Equal(t, 2, q.Len())
	require.ErrorIs(t, q.TryWrite(11), ErrWouldBlock, "a full queue must reject TryWrite")

	v, err := q.TryRead()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	v, err = q.TryRead()
	require.NoError(t, err)
	require.Equal(t, 9, v)

	require.Equal(t, 0, q.Len())
	_, err = q.TryRead()
	require.ErrorIs(t, err, ErrWouldBlock, "an empty queue must reject TryRead")
}

func TestQueue_FIFOOrderPreserved(t *testing.T) {
	k := newDeterministicKernel(t)
	q, err := NewTypedQueue[string](k, 4)
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.TryWrite(s))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.TryRead()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestQueue_NewQueueRejectsNonPositiveCapacity(t *testing.T) {
	k := newDeterministicKernel(t)
	_, err := k.NewQueue(0)
	require.ErrorIs(t, err, ErrBadArgument)
	_, err = k.NewQueue(-3)
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestQueue_WriteBlocksUntilVacantSlot(t *testing.T) {
	k := newDeterministicKernel(t)
	q, err := NewTypedQueue[int](k, 1)
	require.NoError(t, err)
	require.NoError(t, q.TryWrite(1))

	wrote := make(chan struct{})
	_, err = k.SpawnSystem("writer", 10, func(tc *TaskContext) {
		require.NoError(t, WriteQueue(tc, q, 2))
		close(wrote)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	select {
	case <-wrote:
		t.Fatal("writer must block while the queue is full")
	default:
	}

	v, err := q.TryRead()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	select {
	case <-wrote:
	case <-time.After(time.Second):
		t.Fatal("writer never unblocked after a slot was freed")
	}

	v, err = q.TryRead()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestQueue_ReadBlocksUntilFilled(t *testing.T) {
	k := newDeterministicKernel(t)
	q, err := NewTypedQueue[int](k, 1)
	require.NoError(t, err)

	read := make(chan int, 1)
	_, err = k.SpawnSystem("reader", 10, func(tc *TaskContext) {
		v, err := ReadQueue(tc, q)
		require.NoError(t, err)
		read <- v
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	select {
	case <-read:
		t.Fatal("reader must block while the queue is empty")
	default:
	}

	require.NoError(t, q.TryWrite(42))

	select {
	case v := <-read:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("reader never unblocked after an item was written")
	}
}

func TestQueue_FromISRVariantsNeverBlock(t *testing.T) {
	k := newDeterministicKernel(t)
	q, err := NewTypedQueue[int](k, 1)
	require.NoError(t, err)

	require.NoError(t, q.WriteFromISR(5))
	require.ErrorIs(t, q.WriteFromISR(6), ErrWouldBlock)

	v, err := q.ReadFromISR()
	require.NoError(t, err)
	require.Equal(t, 5, v)
	_, err = q.ReadFromISR()
	require.ErrorIs(t, err, ErrWouldBlock)
}
