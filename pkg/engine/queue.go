package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Priority orders pending requests. Higher values are scheduled first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the API-level string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// PendingRequest is one inference request waiting to be scheduled into a
// model step.
type PendingRequest struct {
	ID        string
	Payload   []byte
	Priority  Priority
	DoneCh    chan []byte
	ErrCh     chan error
	EnqueueAt time.Time

	seq   uint64 // FIFO tiebreak within a priority class
	index int    // used by heap
}

// RequestQueue is a thread-safe priority queue of pending requests.
// HIGH priority requests are dequeued first; within a priority, FIFO.
type RequestQueue struct {
	mu      sync.Mutex
	items   []*PendingRequest
	nextSeq uint64
}

func NewRequestQueue() *RequestQueue {
	q := &RequestQueue{items: make([]*PendingRequest, 0, 64)}
	heap.Init(q)
	return q
}

// Enqueue adds a request to the queue (thread-safe).
func (q *RequestQueue) Enqueue(req *PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(q, req)
}

// DequeueN removes up to n highest-priority requests (thread-safe).
func (q *RequestQueue) DequeueN(n int) []*PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	count := n
	if count > len(q.items) {
		count = len(q.items)
	}
	result := make([]*PendingRequest, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, heap.Pop(q).(*PendingRequest))
	}
	return result
}

// Depth returns the current queue depth (thread-safe).
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// --- heap.Interface implementation (not thread-safe, use Enqueue/DequeueN) ---

func (q *RequestQueue) Len() int { return len(q.items) }

func (q *RequestQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *RequestQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *RequestQueue) Push(x interface{}) {
	item := x.(*PendingRequest)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *RequestQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}
