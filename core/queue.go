package core

import (
	"container/heap"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// WorkItem is a queued task with its scheduling traits.
type WorkItem struct {
	Task   Task
	Traits TaskTraits
}

// WorkQueue is the queue contract shared by the host pool and the lanes.
type WorkQueue interface {
	Push(t Task, traits TaskTraits)
	Pop() (WorkItem, bool)
	PeekTraits() (TaskTraits, bool)
	Len() int
	IsEmpty() bool
	// Drain removes and returns every queued item in pop order.
	Drain() []WorkItem
	Clear()
}

// =============================================================================
// FIFOWorkQueue
// =============================================================================

type FIFOWorkQueue struct {
	mu    sync.Mutex
	items []WorkItem
}

func NewFIFOWorkQueue() *FIFOWorkQueue {
	return &FIFOWorkQueue{
		items: make([]WorkItem, 0, defaultQueueCap),
	}
}

func (q *FIFOWorkQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, WorkItem{Task: t, Traits: traits})
}

func (q *FIFOWorkQueue) Pop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return WorkItem{}, false
	}

	item := q.items[0]
	// Zero the slot so the backing array does not pin the closure.
	q.items[0] = WorkItem{}
	q.items = q.items[1:]
	q.compactLocked()

	return item, true
}

func (q *FIFOWorkQueue) compactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]WorkItem, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	shrunk := make([]WorkItem, n, max(max(c/2, defaultQueueCap), n))
	copy(shrunk, q.items)
	q.items = shrunk
}

func (q *FIFOWorkQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return TaskTraits{}, false
	}
	return q.items[0].Traits, true
}

func (q *FIFOWorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FIFOWorkQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *FIFOWorkQueue) Drain() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]WorkItem, 0, defaultQueueCap)
	return out
}

// Clear removes all tasks from the queue and releases references
func (q *FIFOWorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]WorkItem, 0, defaultQueueCap)
}

// =============================================================================
// PriorityWorkQueue: min-heap, FIFO among equal priorities
// =============================================================================

type priorityItem struct {
	WorkItem
	sequence uint64
	index    int
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Traits.Priority != h[j].Traits.Priority {
		return h[i].Traits.Priority > h[j].Traits.Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

type PriorityWorkQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityWorkQueue() *PriorityWorkQueue {
	return &PriorityWorkQueue{
		pq: make(priorityHeap, 0, defaultQueueCap),
	}
}

func (q *PriorityWorkQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &priorityItem{
		WorkItem: WorkItem{Task: t, Traits: traits},
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityWorkQueue) Pop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return WorkItem{}, false
	}
	return heap.Pop(&q.pq).(*priorityItem).WorkItem, true
}

func (q *PriorityWorkQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskTraits{}, false
	}
	return q.pq[0].Traits, true
}

func (q *PriorityWorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityWorkQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *PriorityWorkQueue) Drain() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]WorkItem, 0, len(q.pq))
	for len(q.pq) > 0 {
		out = append(out, heap.Pop(&q.pq).(*priorityItem).WorkItem)
	}
	q.nextSequence = 0
	return out
}

// Clear removes all tasks from the queue and releases references
func (q *PriorityWorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq = make(priorityHeap, 0, defaultQueueCap)
	q.nextSequence = 0
}
