package debounce

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a Scheduler driven explicitly by Advance. Tasks run on the goroutine calling
// Advance, in due-time order.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	due     time.Duration
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
	owner   *ManualScheduler
}

// NewManualScheduler constructs a scheduler whose clock starts at zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc implements Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task := &manualTask{due: s.now + d, seq: s.seq, fn: f, owner: s}
	s.tasks = append(s.tasks, task)
	return task
}

// Stop implements Timer.
func (t *manualTask) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every task that became due.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
	for {
		task := s.nextDue()
		if task == nil {
			return
		}
		task.fn()
	}
}

// RunAll fires every pending task regardless of its due time.
func (s *ManualScheduler) RunAll() {
	for {
		s.mu.Lock()
		var latest time.Duration
		for _, task := range s.tasks {
			if !task.fired && !task.stopped && task.due > latest {
				latest = task.due
			}
		}
		if latest > s.now {
			s.now = latest
		}
		s.mu.Unlock()
		task := s.nextDue()
		if task == nil {
			return
		}
		task.fn()
	}
}

// Pending returns the number of scheduled tasks that have neither fired nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if !task.fired && !task.stopped {
			count++
		}
	}
	return count
}

func (s *ManualScheduler) nextDue() *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.tasks[:0]
	for _, task := range s.tasks {
		if !task.fired && !task.stopped {
			live = append(live, task)
		}
	}
	s.tasks = live
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due == s.tasks[j].due {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].due < s.tasks[j].due
	})
	if len(s.tasks) == 0 || s.tasks[0].due > s.now {
		return nil
	}
	task := s.tasks[0]
	task.fired = true
	return task
}
