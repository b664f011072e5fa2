// Package queue implements the bounded, deduplicating, priority-ordered
// queue of candidates awaiting a predicate verdict.
//
// # Ordering Policy
//
//  1. Candidates derived from the current head's generation precede
//     candidates from older generations.
//  2. Within a generation, smaller candidates are preferred — they
//     accelerate convergence if accepted.
//  3. Merge candidates get a small priority bump over reducer-output
//     candidates of equal generation and size.
//
// # Why a heap?
//
// The queue is reprioritized every time the scheduler accepts a new head
// (the "current generation" changes), so ordering is relative, not
// static. container/heap keeps Push/Pop at O(log n) while SetGeneration
// re-validates the heap invariant in O(n) — cheap relative to the I/O
// cost of running a predicate on what comes out of it.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/shrinkd/shrinkd/internal/fingerprint"
	"github.com/shrinkd/shrinkd/internal/store"
	"github.com/shrinkd/shrinkd/internal/types"
)

// Kind distinguishes how a Candidate was produced.
type Kind int

const (
	KindReducerOutput Kind = iota
	KindMerge
)

// Candidate is a TestCase awaiting judgement, tagged with the
// bookkeeping the scheduler needs to prioritize and attribute it.
type Candidate struct {
	TestCase        *store.TestCase
	Generation      int
	Kind            Kind
	SourceReducerID string
}

// Queue is a bounded multi-producer, multi-consumer priority queue with
// hash-based deduplication.
type Queue struct {
	mu   sync.Mutex
	heap queueHeap
	cap  int
	sem  types.Semaphore // capacity gate; one slot per queued candidate

	fp  *fingerprint.Set
	gen int
}

// New creates a Queue with the given capacity, deduplicating against fp.
func New(capacity int, fp *fingerprint.Set) *Queue {
	q := &Queue{
		cap: capacity,
		sem: types.NewSemaphore(capacity),
		fp:  fp,
	}
	q.heap.owner = q
	return q
}

// SetGeneration updates the "current generation" the ordering policy is
// relative to, and restores the heap invariant accordingly. Called only
// by the scheduler's coordinator goroutine on acceptance.
func (q *Queue) SetGeneration(gen int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen = gen
	heap.Init(&q.heap)
}

// Push enqueues c, blocking for capacity if the queue is full. Duplicate
// hashes (already seen by the fingerprint set) are silently dropped and
// reported via the ok=false, duplicate=true return — the caller owns
// releasing the TestCase's store reference in that case.
func (q *Queue) Push(ctx context.Context, c Candidate) (ok bool, duplicate bool, err error) {
	if q.fp.SeenOrAdd(c.TestCase.Hash) {
		return false, true, nil
	}

	if err := q.acquire(ctx); err != nil {
		return false, false, err
	}

	q.mu.Lock()
	heap.Push(&q.heap, heapItem{c: c})
	q.mu.Unlock()

	return true, false, nil
}

// acquire blocks until a capacity slot is free or ctx is done.
func (q *Queue) acquire(ctx context.Context) error {
	select {
	case q.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues c without blocking, reporting ok=false if the queue is
// currently at capacity. The only goroutine that frees a capacity slot
// is whichever one calls Pop; a caller that might itself be the one
// responsible for draining Pop (the scheduler's coordinator) must use
// TryPush rather than Push, or it can deadlock against its own queue.
func (q *Queue) TryPush(c Candidate) (ok bool, duplicate bool) {
	if q.fp.SeenOrAdd(c.TestCase.Hash) {
		return false, true
	}

	select {
	case q.sem <- struct{}{}:
	default:
		return false, false
	}

	q.mu.Lock()
	heap.Push(&q.heap, heapItem{c: c})
	q.mu.Unlock()

	return true, false
}

// Pop removes and returns the highest-priority candidate, or ok=false if
// the queue is currently empty. Non-blocking: the scheduler's coordinator
// polls it alongside other event sources rather than blocking here.
func (q *Queue) Pop() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return Candidate{}, false
	}
	item := heap.Pop(&q.heap).(heapItem)
	q.sem.Release()
	return item.c, true
}

// Len reports the number of pending candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// heapItem wraps a Candidate for storage in the heap. Ordering is
// computed relative to the owning Queue's current generation at
// comparison time (queueHeap.Less), not frozen at insertion time, so
// SetGeneration's heap.Init re-sort picks up the new reference point.
type heapItem struct {
	c Candidate
}

// queueHeap implements container/heap.Interface. It is only ever touched
// while Queue.mu is held.
type queueHeap struct {
	items []heapItem
	owner *Queue
}

func (h *queueHeap) Len() int { return len(h.items) }

func (h *queueHeap) Less(i, j int) bool {
	a, b := h.items[i].c, h.items[j].c
	gen := h.owner.gen

	freshA := a.Generation == gen
	freshB := b.Generation == gen
	if freshA != freshB {
		return freshA
	}
	if a.Generation != b.Generation {
		return a.Generation > b.Generation
	}
	if a.TestCase.Size != b.TestCase.Size {
		return a.TestCase.Size < b.TestCase.Size
	}
	if a.Kind != b.Kind {
		return a.Kind == KindMerge
	}
	return false
}

func (h *queueHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *queueHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *queueHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
