package hub

import (
	"container/heap"

	"fsmhub/internal/models"
)

// outcome pairs the terminal response with its sentinel error so the
// waiting caller can use errors.Is without parsing message strings.
type outcome struct {
	resp *models.TransitionResponse
	err  error
}

// pendingRequest wraps a queued request. The once guard is what makes
// response delivery idempotent: a late execution completing after the
// caller's timeout must not double-deliver.
type pendingRequest struct {
	req   *models.TransitionRequest
	seq   uint64 // submission order, breaks priority ties
	index int    // heap index; -1 once dequeued

	delivered bool
	result    chan outcome // buffered, capacity 1
}

// deliver hands the terminal outcome to the waiting caller. Callers must
// hold the hub lock so competing completion paths cannot race.
func (p *pendingRequest) deliver(resp *models.TransitionResponse, err error) {
	if p.delivered {
		return
	}
	p.delivered = true
	p.result <- outcome{resp: resp, err: err}
}

// requestQueue is a priority heap: lower Priority value first, FIFO
// within a priority band. Satisfies container/heap.Interface.
type requestQueue []*pendingRequest

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	p := x.(*pendingRequest)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]
	return p
}

// remove takes a specific pending request out of the heap. Callers must
// hold the hub lock and check p.index >= 0 first.
func (q *requestQueue) remove(p *pendingRequest) {
	heap.Remove(q, p.index)
}
