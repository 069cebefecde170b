package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DeliversInFIFOOrder(t *testing.T) {
	queue := NewQueue(10)
	first := Task{MessageID: uuid.New(), Body: "first"}
	second := Task{MessageID: uuid.New(), Body: "second"}
	third := Task{MessageID: uuid.New(), Body: "third"}

	require.NoError(t, queue.Enqueue(first))
	require.NoError(t, queue.Enqueue(second))
	require.NoError(t, queue.Enqueue(third))

	ctx := context.Background()
	for _, want := range []Task{first, second, third} {
		got, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.MessageID, got.MessageID)
		assert.Equal(t, want.Body, got.Body)
	}
}

func TestQueue_EnqueueRejectsWhenFull(t *testing.T) {
	queue := NewQueue(2)
	require.NoError(t, queue.Enqueue(Task{MessageID: uuid.New()}))
	require.NoError(t, queue.Enqueue(Task{MessageID: uuid.New()}))

	err := queue.Enqueue(Task{MessageID: uuid.New()})
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NoError(t, queue.Enqueue(Task{MessageID: uuid.New()}))
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	queue := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_LenTracksDepth(t *testing.T) {
	queue := NewQueue(5)
	assert.Equal(t, 0, queue.Len())

	require.NoError(t, queue.Enqueue(Task{MessageID: uuid.New()}))
	require.NoError(t, queue.Enqueue(Task{MessageID: uuid.New()}))
	assert.Equal(t, 2, queue.Len())

	_, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queue.Len())
}
