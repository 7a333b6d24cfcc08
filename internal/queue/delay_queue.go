package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// DeferredDelivery is a delivery plan parked until its scheduled release:
// DND deferrals, business-hours deferrals and rate-cap queueing all land here.
type DeferredDelivery struct {
	Notification *domain.Notification
	Plan         *domain.DeliveryPlan
	ReleaseAt    time.Time
	Index        int // Index in the heap
}

// deliveryHeap implements heap.Interface ordered by release time.
type deliveryHeap []*DeferredDelivery

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	// Earlier release time = popped first
	return h[i].ReleaseAt.Before(h[j].ReleaseAt)
}

func (h deliveryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Index = i
	h[j].Index = j
}

func (h *deliveryHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*DeferredDelivery)
	item.Index = n
	*h = append(*h, item)
}

func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.Index = -1
	*h = old[0 : n-1]
	return item
}

// DelayQueue is a thread-safe time-ordered queue of deferred deliveries.
// Pushing an item that becomes the new head wakes the release worker so it
// can shorten its wait.
type DelayQueue struct {
	items  deliveryHeap
	mu     sync.Mutex
	wakeCh chan struct{}
}

// NewDelayQueue creates a new delay queue.
func NewDelayQueue() *DelayQueue {
	dq := &DelayQueue{
		items:  make(deliveryHeap, 0),
		wakeCh: make(chan struct{}, 1),
	}
	heap.Init(&dq.items)
	return dq
}

// Push adds a deferred delivery to the queue.
func (dq *DelayQueue) Push(item *DeferredDelivery) {
	dq.mu.Lock()
	heap.Push(&dq.items, item)
	isHead := dq.items[0] == item
	dq.mu.Unlock()

	if isHead {
		// Non-blocking wake; a pending signal already covers this push.
		select {
		case dq.wakeCh <- struct{}{}:
		default:
		}
	}
}

// PopDue removes and returns the earliest item whose release time is at or
// before now. Returns nil when nothing is due yet.
func (dq *DelayQueue) PopDue(now time.Time) *DeferredDelivery {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	if dq.items.Len() == 0 {
		return nil
	}
	if dq.items[0].ReleaseAt.After(now) {
		return nil
	}

	return heap.Pop(&dq.items).(*DeferredDelivery)
}

// NextRelease returns the release time of the head item.
// The second return is false when the queue is empty.
func (dq *DelayQueue) NextRelease() (time.Time, bool) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	if dq.items.Len() == 0 {
		return time.Time{}, false
	}
	return dq.items[0].ReleaseAt, true
}

// Wake returns the channel signalled when a push changes the head item.
func (dq *DelayQueue) Wake() <-chan struct{} {
	return dq.wakeCh
}

// Len returns the number of queued deliveries.
func (dq *DelayQueue) Len() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.items.Len()
}
