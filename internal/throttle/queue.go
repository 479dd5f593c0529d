package throttle

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Priority hint adjustments applied on top of the tier base priority
const (
	criticalBoost = 2
	readOnlyBoost = 1
	batchPenalty  = 1
)

// queuedRequest is one waiter parked until capacity frees or its
// timeout fires
type queuedRequest struct {
	priority   int
	seq        uint64
	tier       Tier
	enqueuedAt time.Time
	grant      chan bool
	settled    atomic.Bool
}

// settle resolves the waiter. Exactly one side wins: the granter sends
// on grant only after a successful settle, and a waiter whose settle
// fails must consume the grant instead of abandoning it.
func (r *queuedRequest) settle() bool {
	return r.settled.CompareAndSwap(false, true)
}

// priorityQueue orders waiters by (priority desc, seq asc): strict
// priority across bands, FIFO within a band
type priorityQueue struct {
	mu      sync.Mutex
	items   requestHeap
	seq     uint64
	maxSize int

	// Metrics
	enqueued atomic.Int64
	granted  atomic.Int64
	timedOut atomic.Int64
	dropped  atomic.Int64
}

type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedRequest))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func newPriorityQueue(maxSize int) *priorityQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &priorityQueue{maxSize: maxSize}
}

// push parks a new waiter; returns nil and false when the queue is full
func (q *priorityQueue) push(priority int, tier Tier) (*queuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.maxSize {
		q.dropped.Add(1)
		return nil, false
	}

	q.seq++
	req := &queuedRequest{
		priority:   priority,
		seq:        q.seq,
		tier:       tier,
		enqueuedAt: time.Now(),
		grant:      make(chan bool, 1),
	}
	heap.Push(&q.items, req)
	q.enqueued.Add(1)
	return req, true
}

// pop removes the highest-priority, oldest-eligible waiter, skipping
// entries whose timeout already fired
func (q *priorityQueue) pop() *queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() > 0 {
		req := heap.Pop(&q.items).(*queuedRequest)
		if req.settled.Load() {
			continue
		}
		return req
	}
	return nil
}

func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// drainAll rejects every parked waiter, used on shutdown
func (q *priorityQueue) drainAll() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range items {
		if !req.settle() {
			continue
		}
		req.grant <- false
	}
}

// queuePriority derives the effective priority from the tier base and
// the request hints
func queuePriority(base int, req AdmitRequest) int {
	p := base
	if req.Critical {
		p += criticalBoost
	}
	if req.ReadOnly {
		p += readOnlyBoost
	}
	if req.Batch {
		p -= batchPenalty
	}
	return p
}
