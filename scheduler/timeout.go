package scheduler

import (
	"container/heap"
	"time"
)

// Timeout is a handle to a delayed or periodic action.
type Timeout struct {
	s        *Scheduler
	fn       func() bool
	interval time.Duration
	deadline time.Time
	seq      uint64
	index    int
	canceled bool
}

// Cancel prevents any future run of the timeout. It is safe to call more
// than once and from any goroutine.
func (t *Timeout) Cancel() {
	if t == nil || t.s == nil {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	if t.index >= 0 && t.index < len(t.s.timers) && t.s.timers[t.index] == t {
		t.s.timers.remove(t.index)
	}
}

// Canceled reports whether Cancel was called.
func (t *Timeout) Canceled() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.canceled
}

// timeoutHeap orders timeouts by deadline, then by registration sequence.
type timeoutHeap []*Timeout

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x interface{}) {
	t := x.(*Timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *timeoutHeap) peek() *Timeout {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *timeoutHeap) remove(i int) {
	heap.Remove(h, i)
}
