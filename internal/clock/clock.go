package clock

import "time"

type Clock interface {
	Now() time.Time

	// AfterFunc runs f once d has elapsed. The returned Timer cancels the
	// call if it has not fired yet.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable handle for a task scheduled with AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the task. It reports whether the call prevented the task
// from running; false means it already ran or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
