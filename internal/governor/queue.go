package governor

import (
	"context"

	"github.com/packagewjx/resource-governor/pkg/governor"
)

// admissionQueue 是有界准入队列。队列满时Put阻塞，把背压直接传导给
// 调用方，绝不丢弃请求。
type admissionQueue struct {
	ch chan *governor.ProcessingRequest
}

func newAdmissionQueue(size int) *admissionQueue {
	return &admissionQueue{ch: make(chan *governor.ProcessingRequest, size)}
}

// Put 把请求写入队列，队列满时阻塞到有空位或context取消。
// 取消时请求没有进入队列，工作函数不会被执行。
func (q *admissionQueue) Put(ctx context.Context, req *governor.ProcessingRequest) error {
	select {
	case q.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 把一个已完成的请求移出队列
func (q *admissionQueue) Done() {
	select {
	case <-q.ch:
	default:
	}
}

func (q *admissionQueue) Len() int {
	return len(q.ch)
}
