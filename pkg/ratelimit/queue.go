package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Request states while queued.
const (
	reqPending  int32 = 0
	reqClaimed  int32 = 1
	reqCanceled int32 = 2
)

type result struct {
	val any
	err error
}

// QueuedRequest is one deferred execute call. Ordering: higher Priority
// first, FIFO within a priority band.
type QueuedRequest struct {
	Endpoint   string
	Class      string
	Priority   int
	EnqueuedAt time.Time

	ctx      context.Context
	fn       Fn
	resultCh chan result
	state    atomic.Int32
	seq      uint64
	index    int
}

// claim marks the request as taken by the drainer. False if the caller
// already canceled it.
func (r *QueuedRequest) claim() bool {
	return r.state.CompareAndSwap(reqPending, reqClaimed)
}

// cancel marks the request as abandoned by the caller. False if the
// drainer already claimed it.
func (r *QueuedRequest) cancel() bool {
	return r.state.CompareAndSwap(reqPending, reqCanceled)
}

// requestHeap implements heap.Interface over queued requests.
type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*QueuedRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}

// PriorityQueue is the limiter's pending-request queue. Safe for
// concurrent use; dequeue is O(log n).
type PriorityQueue struct {
	mu      sync.Mutex
	heap    requestHeap
	nextSeq uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue adds a request.
func (q *PriorityQueue) Enqueue(req *QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, req)
}

// Dequeue removes and returns the highest-priority request, nil when
// empty.
func (q *PriorityQueue) Dequeue() *QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*QueuedRequest)
}

// Peek returns the highest-priority request without removing it.
func (q *PriorityQueue) Peek() *QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Size returns the number of queued requests.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Drain removes every queued request, delivering err to each waiter.
func (q *PriorityQueue) Drain(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.heap {
		if req.cancel() && req.resultCh != nil {
			req.resultCh <- result{err: err}
		}
	}
	q.heap = nil
}
