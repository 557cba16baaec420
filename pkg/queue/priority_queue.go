package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// --- Priority Queue Implementation ---

// PQItem represents a queued reference in the heap
type PQItem struct {
	ref      *models.Reference
	priority int    // Lower value means higher priority (reference depth)
	seq      uint64 // Insertion order, keeps equal-depth references FIFO
	index    int    // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*PQItem)
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority element (minimum value) from the heap
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// ReferenceQueue is the in-memory, breadth-first view of the store's queued references.
// The store remains the source of truth; the queue only orders the work.
type ReferenceQueue struct {
	pq     PriorityQueue
	mu     sync.Mutex
	cond   *sync.Cond // Signals waiting workers that an item arrived or the queue closed
	seq    uint64
	closed bool
	log    *logrus.Entry
}

// NewReferenceQueue creates a new thread-safe reference queue
func NewReferenceQueue(logger *logrus.Entry) *ReferenceQueue {
	q := &ReferenceQueue{log: logger}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pq)
	return q
}

// Add pushes a reference onto the queue, shallower references first
func (q *ReferenceQueue) Add(ref *models.Reference) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Debugf("Attempted to add reference to closed queue: %s", ref.URL)
		return
	}

	q.seq++
	heap.Push(&q.pq, &PQItem{ref: ref, priority: ref.Depth, seq: q.seq})
	q.cond.Signal()
}

// Pop retrieves and removes the shallowest reference.
// It blocks while the queue is empty until an item is added or the queue is closed.
// Returns nil and false once the queue is closed and empty.
func (q *ReferenceQueue) Pop() (*models.Reference, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pq) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}

	item := heap.Pop(&q.pq).(*PQItem)
	return item.ref, true
}

// Close signals that no more references will be added; waiting workers wake up.
// Items already queued can still be popped.
func (q *ReferenceQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Len returns the current number of queued references
func (q *ReferenceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}
