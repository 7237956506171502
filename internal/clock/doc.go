// Package clock is the scheduled-task abstraction used by the merge
// scheduler. Components hold a Clock instead of calling the time package
// so the same flush logic runs against wall-clock timers in production
// and against a manually advanced Fake in tests.
//
//	c := clock.Fake(time.Unix(0, 0))
//	s := scheduler.New(c, 100, 5*time.Millisecond, flush)
//	s.Add(op)
//	c.Advance(5 * time.Millisecond) // fires flush synchronously; flush calls s.Take()
package clock
