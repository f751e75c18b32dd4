package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_EarliestFirst(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	a, b, c := &Task{}, &Task{}, &Task{}
	require.True(t, s.Schedule(a, 300))
	require.True(t, s.Schedule(b, 100))
	require.True(t, s.Schedule(c, 200))

	assert.Same(t, b, s.Next())
	assert.Same(t, c, s.Next())
	assert.Same(t, a, s.Next())
	assert.Nil(t, s.Next())
}

func TestScheduler_NoDoubleSchedule(t *testing.T) {
	s := New(clock.NewMock())
	task := &Task{}

	require.True(t, s.Schedule(task, 500))
	assert.False(t, s.Schedule(task, 10), "already scheduled")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint32(500), task.Deadline(), "deadline unchanged")
}

func TestScheduler_TiesAreFIFO(t *testing.T) {
	s := New(clock.NewMock())
	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = &Task{}
		s.ScheduleAt(tasks[i], 42)
	}
	for i := range tasks {
		assert.Same(t, tasks[i], s.Next(), "tie %d", i)
	}
}

func TestScheduler_WrapAround(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, WithBase(0xFFFF_FF00))

	late, early := &Task{}, &Task{}
	s.Schedule(late, 0x200)
	s.Schedule(early, 0x10)
	assert.Less(t, late.Deadline(), early.Deadline(), "late deadline wrapped past zero")

	assert.Same(t, early, s.Next())
	assert.Same(t, late, s.Next())

	mock.Add(time.Millisecond)
	base := uint32(0xFFFF_FF00)
	assert.Equal(t, base+1000, s.Now())
	assert.True(t, Before(0xFFFF_FFF0, 0x10))
	assert.False(t, Before(0x10, 0xFFFF_FFF0))
}

func TestScheduler_Cancel(t *testing.T) {
	s := New(clock.NewMock())
	a, b := &Task{}, &Task{}
	s.Schedule(a, 10)
	s.Schedule(b, 20)

	assert.True(t, s.Cancel(a))
	assert.False(t, s.Cancel(a), "idempotent")
	assert.Equal(t, Idle, a.State())
	assert.Same(t, b, s.Next())
	assert.Nil(t, s.Next())
	assert.False(t, s.Cancel(&Task{}))
}

func TestScheduler_RunningLifecycle(t *testing.T) {
	s := New(clock.NewMock())
	task := &Task{}
	s.Schedule(task, 0)

	got := s.Next()
	require.Same(t, task, got)
	assert.Equal(t, Running, task.State())

	s.Done(task)
	assert.Equal(t, Idle, task.State())

	s.Schedule(task, 0)
	s.Next()
	assert.True(t, s.Schedule(task, 5), "running task may reschedule itself")
	s.Done(task)
	assert.Equal(t, Scheduled, task.State())
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_Until(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	_, ok := s.Until()
	assert.False(t, ok)

	s.Schedule(&Task{}, 2000)
	d, ok := s.Until()
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, d)

	mock.Add(3 * time.Millisecond)
	d, ok = s.Until()
	require.True(t, ok)
	assert.Zero(t, d)
}

// Random schedule/cancel/next interleavings keep at most one pending instance per
// task and always yield the earliest wrap-aware deadline.
func TestScheduler_RandomInterleavings(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, WithBase(0xFFFF_0000))
	rng := rand.New(rand.NewSource(7))
	tasks := make([]*Task, 16)
	for i := range tasks {
		tasks[i] = &Task{}
	}

	for step := 0; step < 5000; step++ {
		task := tasks[rng.Intn(len(tasks))]
		switch rng.Intn(4) {
		case 0, 1:
			s.Schedule(task, uint32(rng.Intn(1<<20)))
		case 2:
			s.Cancel(task)
		case 3:
			var min *Task
			for _, c := range tasks {
				if c.Pending() && (min == nil || Before(c.Deadline(), min.Deadline())) {
					min = c
				}
			}
			got := s.Next()
			if min == nil {
				require.Nil(t, got)
				continue
			}
			require.NotNil(t, got)
			assert.Equal(t, min.Deadline(), got.Deadline())
			s.Done(got)
		}
		mock.Add(time.Duration(rng.Intn(50)) * time.Microsecond)

		pending := 0
		for _, c := range tasks {
			if c.Pending() {
				pending++
			}
		}
		require.Equal(t, pending, s.Len())
	}
}
