package scheduler

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// TaskState tracks a task through the scheduler.
type TaskState int32

const (
	Idle TaskState = iota
	Scheduled
	Running
)

func (s TaskState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Task is embedded in anything the scheduler runs. The zero value is Idle.
type Task struct {
	state    TaskState
	deadline uint32
	seq      uint64
	index    int
}

func (t *Task) State() TaskState { return t.state }
func (t *Task) Deadline() uint32 { return t.deadline }
func (t *Task) Pending() bool    { return t.state == Scheduled }

// Before compares 32-bit timestamps that may have wrapped.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// taskHeap is a min-heap ordered by wrap-aware deadline, then insertion sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return Before(h[i].deadline, h[j].deadline)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a cooperative earliest-deadline-first queue. It is owned by a single
// worker and never locked.
type Scheduler struct {
	clock clock.Clock
	epoch time.Time
	base  uint32
	tasks taskHeap
	seq   uint64
}

type Option func(*Scheduler)

// WithBase offsets the timestamp origin.
func WithBase(base uint32) Option {
	return func(s *Scheduler) { s.base = base }
}

func New(clk clock.Clock, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{clock: clk, epoch: clk.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current timestamp in microseconds. It wraps every ~71 minutes.
func (s *Scheduler) Now() uint32 {
	return s.base + uint32(s.clock.Since(s.epoch)/time.Microsecond)
}

// Schedule queues t with deadline now+delta. It is a no-op returning false when t
// is already scheduled. A running task may reschedule itself.
func (s *Scheduler) Schedule(t *Task, delta uint32) bool {
	return s.ScheduleAt(t, s.Now()+delta)
}

// ScheduleAt queues t with an absolute deadline.
func (s *Scheduler) ScheduleAt(t *Task, deadline uint32) bool {
	if t.state == Scheduled {
		return false
	}
	t.state = Scheduled
	t.deadline = deadline
	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
	return true
}

// Cancel removes t if it is scheduled. It reports whether anything was removed.
func (s *Scheduler) Cancel(t *Task) bool {
	if t.state != Scheduled {
		return false
	}
	heap.Remove(&s.tasks, t.index)
	t.state = Idle
	return true
}

// Next removes the earliest task and marks it running.
func (s *Scheduler) Next() *Task {
	if len(s.tasks) == 0 {
		return nil
	}
	t := heap.Pop(&s.tasks).(*Task)
	t.state = Running
	return t
}

// Peek returns the earliest task without removing it.
func (s *Scheduler) Peek() *Task {
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[0]
}

// Done ends the running step of t. A task that rescheduled itself stays scheduled.
func (s *Scheduler) Done(t *Task) {
	if t.state == Running {
		t.state = Idle
	}
}

// Until returns how long until the earliest deadline, zero if it is due, and false
// when nothing is scheduled.
func (s *Scheduler) Until() (time.Duration, bool) {
	t := s.Peek()
	if t == nil {
		return 0, false
	}
	now := s.Now()
	if !Before(now, t.deadline) {
		return 0, true
	}
	return time.Duration(t.deadline-now) * time.Microsecond, true
}

func (s *Scheduler) Len() int { return len(s.tasks) }
