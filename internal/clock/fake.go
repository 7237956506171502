package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Callbacks registered with
// AfterFunc run synchronously inside Advance, in deadline order, on the
// goroutine that called Advance. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tasks   []*fakeTask
	seq     int
}

type fakeTask struct {
	deadline time.Time
	seq      int
	fn       func()
	done     bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run when the clock reaches now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	c.seq++
	task := &fakeTask{deadline: c.current.Add(d), seq: c.seq, fn: f}
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if task.done {
			return false
		}
		task.done = true
		return true
	}}
}

// Advance moves the clock forward by d and runs every task whose deadline
// has been reached. Tasks scheduled by a callback with a deadline inside
// the advanced window also run.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, task := range due {
			task.fn()
		}
	}
}

// Pending reports how many scheduled tasks have neither fired nor been
// stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, task := range c.tasks {
		if !task.done {
			n++
		}
	}
	return n
}

func (c *FakeClock) collectDue(target time.Time) []*fakeTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeTask
	for _, task := range c.tasks {
		switch {
		case task.done:
		case !task.deadline.After(target):
			task.done = true
			due = append(due, task)
		default:
			remaining = append(remaining, task)
		}
	}
	c.tasks = remaining

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}
