package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue("job-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueIsFIFOAndUnbounded(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.Equal(t, 1000, q.Len())
	for i := 0; i < 1000; i++ {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "dequeue canceled: context canceled", err.Error())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	require.NoError(t, q.Enqueue(7))
	q.Close()

	// Queued items survive Close.
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(8), ErrClosed)
	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Zero(t, q.Len())
}
