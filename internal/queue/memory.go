package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker with per-lane priority heaps
type MemoryBroker struct {
	mu     sync.Mutex
	lanes  map[Lane]*taskHeap
	seq    uint64
	timers []*time.Timer
	closed bool
}

// NewMemoryBroker creates an empty in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{lanes: make(map[Lane]*taskHeap)}
}

func (b *MemoryBroker) Publish(_ context.Context, lane Lane, task Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	b.push(lane, task)
	return nil
}

func (b *MemoryBroker) PublishDelayed(ctx context.Context, lane Lane, task Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, lane, task)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	timer := time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.push(lane, task)
		}
	})
	b.timers = append(b.timers, timer)
	return nil
}

func (b *MemoryBroker) Get(_ context.Context, lane Lane) (*Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false, ErrBrokerClosed
	}

	h := b.lanes[lane]
	if h == nil || h.Len() == 0 {
		return nil, false, nil
	}

	item := heap.Pop(h).(*heapItem)
	task := item.task

	var once sync.Once
	settle := func(requeue bool) error {
		once.Do(func() {
			if !requeue {
				return
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.closed {
				b.push(lane, task)
			}
		})
		return nil
	}

	return NewDelivery(task, lane, func() error { return settle(false) }, settle), true, nil
}

func (b *MemoryBroker) Depth(_ context.Context, lane Lane) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h := b.lanes[lane]; h != nil {
		return h.Len(), nil
	}
	return 0, nil
}

// Revoke drops every queued task that belongs to jobID
func (b *MemoryBroker) Revoke(_ context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	for _, h := range b.lanes {
		kept := (*h)[:0]
		for _, item := range *h {
			if item.task.JobID == jobID {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		*h = kept
		heap.Init(h)
	}
	return removed, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	return nil
}

// push requires b.mu
func (b *MemoryBroker) push(lane Lane, task Task) {
	h := b.lanes[lane]
	if h == nil {
		h = &taskHeap{}
		b.lanes[lane] = h
	}
	b.seq++
	heap.Push(h, &heapItem{task: task, level: task.Priority.Level(), seq: b.seq})
}

type heapItem struct {
	task  Task
	level uint8
	seq   uint64
}

// taskHeap orders by priority level, then FIFO
type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].level != h[j].level {
		return h[i].level > h[j].level
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
