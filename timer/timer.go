// Package timer keeps the recurring and one-shot callbacks of one worker loop in a
// min-heap ordered by next trigger time.
//
// A Queue is owned by a single goroutine: the loop calls Next to size its wait and Fire
// after waking. Callbacks run on that goroutine and may add or clear timers, including
// their own.
package timer

import (
	"container/heap"
	"time"
)

// MinInterval is the smallest interval a timer is scheduled with.
const MinInterval = time.Millisecond

// Func receives the id of the timer that fired.
type Func func(id int)

type timer struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       Func
	once     bool
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].id < h[j].id
	}
	return h[i].next.Before(h[j].next)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type Queue struct {
	heap   timerHeap
	byID   map[int]*timer
	nextID int
	now    func() time.Time
}

func New() *Queue {
	return &Queue{byID: make(map[int]*timer), now: time.Now}
}

// SetClock replaces time.Now for scheduling.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Tick schedules fn every interval and returns the timer id.
func (q *Queue) Tick(interval time.Duration, fn Func) int {
	return q.add(interval, fn, false)
}

// After schedules fn once, interval from now.
func (q *Queue) After(interval time.Duration, fn Func) int {
	return q.add(interval, fn, true)
}

func (q *Queue) add(interval time.Duration, fn Func, once bool) int {
	if interval < MinInterval {
		interval = MinInterval
	}
	q.nextID++
	t := &timer{id: q.nextID, interval: interval, next: q.now().Add(interval), fn: fn, once: once}
	heap.Push(&q.heap, t)
	q.byID[t.id] = t
	return t.id
}

// Clear removes a timer. It reports whether the timer was still scheduled.
func (q *Queue) Clear(id int) bool {
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	if t.index >= 0 {
		heap.Remove(&q.heap, t.index)
	}
	return true
}

func (q *Queue) Len() int { return len(q.byID) }

// Next returns the earliest trigger time.
func (q *Queue) Next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].next, true
}

// Until returns how long until the earliest timer is due, clamped to [0, max].
// With no timers it returns max.
func (q *Queue) Until(max time.Duration) time.Duration {
	next, ok := q.Next()
	if !ok {
		return max
	}
	d := next.Sub(q.now())
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}

// Fire runs every timer due at now and returns how many ran. A recurring timer is
// rescheduled at now+interval unless its callback cleared it. Timers added by callbacks
// wait for the next Fire.
func (q *Queue) Fire(now time.Time) int {
	var due []*timer
	for len(q.heap) > 0 && !q.heap[0].next.After(now) {
		due = append(due, heap.Pop(&q.heap).(*timer))
	}
	for _, t := range due {
		if t.once {
			delete(q.byID, t.id)
		}
		t.fn(t.id)
		if t.once {
			continue
		}
		if cur, ok := q.byID[t.id]; ok && cur == t && t.index < 0 {
			t.next = now.Add(t.interval)
			heap.Push(&q.heap, t)
		}
	}
	return len(due)
}
