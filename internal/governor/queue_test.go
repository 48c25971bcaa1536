package governor

import (
	"context"
	"testing"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePutAndDone(t *testing.T) {
	q := newAdmissionQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, &governor.ProcessingRequest{Id: "1"}))
	require.NoError(t, q.Put(ctx, &governor.ProcessingRequest{Id: "2"}))
	assert.Equal(t, 2, q.Len())

	q.Done()
	assert.Equal(t, 1, q.Len())
	q.Done()
	q.Done() // 空队列上调用无副作用
	assert.Equal(t, 0, q.Len())
}

func TestQueueFullBlocksUntilCancel(t *testing.T) {
	q := newAdmissionQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, &governor.ProcessingRequest{Id: "1"}))

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Put(blocked, &governor.ProcessingRequest{Id: "2"})
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, q.Len(), "被取消的请求不应该入队")
}

func TestQueueFullUnblocksOnDone(t *testing.T) {
	q := newAdmissionQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, &governor.ProcessingRequest{Id: "1"}))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, &governor.ProcessingRequest{Id: "2"})
	}()

	time.Sleep(20 * time.Millisecond)
	q.Done()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("队列腾出空间后Put应该返回")
	}
}
