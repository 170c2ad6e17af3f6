package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a scheduled callback
type Timer struct {
	fire    func()
	NextRun time.Time // When the callback runs
	seq     uint64    // Insertion order, breaks ties between equal deadlines
	index   int       // Index in the heap, -1 once popped or cancelled
}

// Scheduler runs callbacks at their deadlines from a single goroutine.
// Callbacks must not block; they typically post an event to a queue.
type Scheduler struct {
	mu     sync.Mutex
	items  timerHeap
	seq    uint64
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewScheduler creates a scheduler. Call Start before timers can fire.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		items: make(timerHeap, 0),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	heap.Init(&s.items)
	return s
}

// Start launches the scheduler goroutine
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler; pending timers are dropped
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.items = s.items[:0]
		s.mu.Unlock()
		close(s.stop)
	})
}

// Done is closed when the scheduler goroutine has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// After schedules fire to run after d
func (s *Scheduler) After(d time.Duration, fire func()) *Timer {
	return s.At(time.Now().Add(d), fire)
}

// At schedules fire to run at t. A stopped scheduler returns an inert timer.
func (s *Scheduler) At(t time.Time, fire func()) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	item := &Timer{fire: fire, NextRun: t, seq: s.seq, index: -1}
	if s.closed {
		return item
	}
	heap.Push(&s.items, item)
	if item.index == 0 {
		s.notify()
	}
	return item
}

// Cancel removes a pending timer. It reports false if the timer already fired or was cancelled.
func (s *Scheduler) Cancel(t *Timer) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.index < 0 || t.index >= len(s.items) || s.items[t.index] != t {
		return false
	}
	heap.Remove(&s.items, t.index)
	return true
}

// Len returns the number of pending timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.popDue(time.Now())
		for _, t := range due {
			t.fire()
		}
		if len(due) > 0 {
			continue
		}

		if wait < 0 {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// popDue removes the timers whose deadline has passed and returns the wait
// until the next one (negative when nothing is pending).
func (s *Scheduler) popDue(now time.Time) ([]*Timer, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Timer
	for s.items.Len() > 0 {
		next := s.items[0]
		if now.Before(next.NextRun) {
			if len(due) > 0 {
				return due, 0
			}
			return nil, next.NextRun.Sub(now)
		}
		due = append(due, heap.Pop(&s.items).(*Timer))
	}
	return due, -1
}

// timerHeap implements heap.Interface ordered by deadline then insertion
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].NextRun.Equal(h[j].NextRun) {
		return h[i].seq < h[j].seq
	}
	return h[i].NextRun.Before(h[j].NextRun)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	item := x.(*Timer)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
