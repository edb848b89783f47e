package frontier

import "github.com/use-agent/scrape/models"

// entry is the arena slot of a target. index is its position in whichever
// heap currently holds it, or -1 when it is in flight.
type entry struct {
	target *models.CrawlTarget
	seq    uint64
	index  int
}

// before reports whether a should be dispatched ahead of b:
// higher priority first, then shallower depth, then insertion order.
func before(a, b *entry) bool {
	if a.target.Priority != b.target.Priority {
		return a.target.Priority > b.target.Priority
	}
	if a.target.Depth != b.target.Depth {
		return a.target.Depth < b.target.Depth
	}
	return a.seq < b.seq
}

// hostQueue holds the ready targets of one host. Implements heap.Interface.
type hostQueue []*entry

func (q hostQueue) Len() int           { return len(q) }
func (q hostQueue) Less(i, j int) bool { return before(q[i], q[j]) }
func (q hostQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *hostQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *hostQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// delayHeap holds targets waiting for a retry backoff, earliest first.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	a, b := h[i].target.NotBefore, h[j].target.NotBefore
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
