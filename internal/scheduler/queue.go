package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/aristath/agentcore/internal/task"
)

// entry is a task waiting for admission.
type entry struct {
	task      task.Task
	ctx       context.Context
	stop      func() bool
	seq       uint64
	enqueued  time.Time
	effective int
	result    chan task.Result
	failure   error
	index     int
}

// before reports whether a is admitted ahead of b: higher effective
// priority, then earlier deadline (none sorts last), then arrival order.
func before(a, b *entry) bool {
	if a.effective != b.effective {
		return a.effective > b.effective
	}
	ad, bd := a.task.HasDeadline(), b.task.HasDeadline()
	switch {
	case ad && bd && !a.task.Deadline.Equal(b.task.Deadline):
		return a.task.Deadline.Before(b.task.Deadline)
	case ad && !bd:
		return true
	case !ad && bd:
		return false
	}
	return a.seq < b.seq
}

// queue is a container/heap of entries.
type queue []*entry

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return before(q[i], q[j]) }

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// age recomputes effective priorities at now and restores heap order.
func (q *queue) age(now time.Time, factor time.Duration) {
	for _, e := range *q {
		// Whole steps only, so tasks of equal priority that waited a
		// similar time still compare by deadline and arrival.
		e.effective = e.task.Priority
		if factor > 0 {
			e.effective += int(now.Sub(e.enqueued) / factor)
		}
	}
	heap.Init(q)
}

// removeIf removes and returns every entry matching fn.
func (q *queue) removeIf(fn func(*entry) bool) []*entry {
	var removed []*entry
	kept := (*q)[:0]
	for _, e := range *q {
		if fn(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, e := range *q {
		e.index = i
	}
	heap.Init(q)
	return removed
}
