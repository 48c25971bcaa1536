package governor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gate 是容量可调的并发闸门。semaphore.Weighted的容量在创建后不可变，
// 因此调整容量采用换引用协议：在锁内换上新容量的信号量，旧信号量由
// 在途持有者各自释放后被回收。Acquire返回的释放闭包绑定当时的信号量
// 实例，保证持有者永远释放自己获取过的那一个。
type gate struct {
	mu       sync.RWMutex
	sem      *semaphore.Weighted
	capacity int
}

func newGate(capacity int) *gate {
	return &gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire 阻塞到取得一个槽位或context取消。成功时返回释放函数，
// 调用方必须保证无论工作函数结果如何都调用它。
func (g *gate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.RLock()
	sem := g.sem
	g.mu.RUnlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// Resize 把闸门调整到新容量。新的获取者立即见到新容量，
// 旧信号量的在途持有者不受影响。
func (g *gate) Resize(capacity int) {
	if capacity <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if capacity == g.capacity {
		return
	}
	g.sem = semaphore.NewWeighted(int64(capacity))
	g.capacity = capacity
}

func (g *gate) Capacity() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.capacity
}
