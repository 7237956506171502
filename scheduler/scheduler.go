// Package scheduler buffers incoming operations and decides when a batch
// is ready: as soon as the buffer is full, or once a short delay has
// passed since the first buffered operation.
package scheduler

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/collabdoc/internal/clock"
	"github.com/kevinxiao27/collabdoc/ol"
)

// Scheduler is not safe for concurrent use; the owner serializes calls,
// including the ones it makes from its due callback.
type Scheduler struct {
	batchSize int
	delay     time.Duration
	clock     clock.Clock
	onDue     func()

	buffer []ol.Operation
	ids    mapset.Set[string]
	timer  *clock.Timer
}

// New returns a scheduler that calls onDue, from the clock's goroutine,
// when the delay expires with operations still buffered. onDue is
// expected to call Take.
func New(c clock.Clock, batchSize int, delay time.Duration, onDue func()) *Scheduler {
	return &Scheduler{
		batchSize: max(batchSize, 1),
		delay:     delay,
		clock:     c,
		onDue:     onDue,
		ids:       mapset.NewThreadUnsafeSet[string](),
	}
}

// Add buffers op. When the buffer reaches the batch size, or no delay is
// configured, Add drains it and returns the batch for the caller to
// process. Operations already buffered are ignored.
func (s *Scheduler) Add(op ol.Operation) []ol.Operation {
	if s.ids.Contains(op.ID) {
		return nil
	}
	s.buffer = append(s.buffer, op)
	s.ids.Add(op.ID)

	if len(s.buffer) >= s.batchSize || s.delay <= 0 {
		return s.Take()
	}
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.delay, s.onDue)
	}
	return nil
}

// Buffered reports whether an operation with id is waiting in the buffer.
func (s *Scheduler) Buffered(id string) bool {
	return s.ids.Contains(id)
}

func (s *Scheduler) Len() int { return len(s.buffer) }

// Take drains the buffer in arrival order and cancels the pending timer.
func (s *Scheduler) Take() []ol.Operation {
	s.timer.Stop()
	s.timer = nil
	if len(s.buffer) == 0 {
		return nil
	}
	batch := s.buffer
	s.buffer = nil
	s.ids.Clear()
	return batch
}
