// Package engine is the per-document core. It owns the operation log and
// the document model, batches incoming operations through a scheduler,
// orders every batch causally before applying it, and compacts the log
// once it grows.
//
// All methods are safe for concurrent use. Each Engine serializes its own
// work behind a mutex; separate Engines share nothing.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevinxiao27/collabdoc/causal"
	"github.com/kevinxiao27/collabdoc/compact"
	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/internal/clock"
	"github.com/kevinxiao27/collabdoc/internal/config"
	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/scheduler"
	"github.com/kevinxiao27/collabdoc/util"
)

var ErrClosed = errors.New("engine closed")

// Stats is a point-in-time summary of an engine.
type Stats struct {
	Operations int
	Items      int
	Visible    int
	Pending    int
	Buffered   int

	Flushes     int
	Compactions int
	// Compacted counts operations folded away by the compactor so far.
	Compacted int
	// Rejected counts operations dropped for sitting on a dependency
	// cycle under the reject policy.
	Rejected int
}

type Engine struct {
	mu sync.Mutex

	cfg     config.Engine
	logger  *slog.Logger
	clock   clock.Clock
	replica string

	log       *ol.Log
	doc       *document.Document
	sched     *scheduler.Scheduler
	compactor compact.Compactor

	lastTimestamp int64
	stats         Stats
	closed        bool
}

type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithReplica sets the replica id stamped on locally built operations.
// The default is a random UUID.
func WithReplica(id string) Option {
	return func(e *Engine) { e.replica = id }
}

func New(cfg config.Engine, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Log(),
		clock:  clock.Real(),
		log:    ol.NewLog(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.replica == "" {
		e.replica = uuid.NewString()
	}
	e.logger = e.logger.With("replica", e.replica)
	e.doc = document.New(e.logger)
	e.sched = scheduler.New(e.clock, cfg.BatchSize, time.Duration(cfg.FlushDelay), e.flushDue)
	e.compactor = compact.Compactor{
		Threshold: cfg.CompactionThreshold,
		Window:    cfg.CompactionWindow,
		Logger:    e.logger,
	}
	return e, nil
}

func (e *Engine) Replica() string { return e.replica }

// ApplyOperation submits op for application. It returns before op is
// applied: op waits in the merge buffer until the batch fills or the
// flush delay passes. Known ids are dropped silently and structurally
// invalid operations are logged and dropped. The only error is ErrClosed.
func (e *Engine) ApplyOperation(op ol.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.submit(op)
	return nil
}

func (e *Engine) submit(op ol.Operation) {
	if err := op.Validate(); err != nil {
		e.logger.Warn("dropping invalid operation", "error", err)
		return
	}
	if ids := op.IDs(); len(util.Filter(ids, e.log.Has)) == len(ids) {
		return
	}
	if batch := e.sched.Add(op.Clone()); batch != nil {
		e.process(batch)
	}
}

// Flush applies everything in the merge buffer now.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Engine) flushDue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Engine) flushLocked() {
	if batch := e.sched.Take(); batch != nil {
		e.process(batch)
	}
}

// process orders batch, applies it, and gives the compactor a chance to
// run.
func (e *Engine) process(batch []ol.Operation) {
	result := causal.Sort(batch, e.cfg.CyclePolicy, e.logger)
	for _, op := range result.Ordered {
		e.accept(op)
	}
	e.stats.Flushes++
	e.stats.Rejected += len(result.Rejected)

	if stats, ran := e.compactor.MaybeRun(e.log); ran {
		e.stats.Compactions++
		e.stats.Compacted += stats.Merged()
	}
}

// accept records op in the log and applies it to the document. An
// operation whose ids are all known is a duplicate. One whose ids are
// partly known is a compacted run that overlaps operations applied
// earlier: anchored and insert runs are replayed, since the document
// skips the items and targets it already has; anything else is only
// acknowledged.
func (e *Engine) accept(op ol.Operation) {
	ids := op.IDs()
	known := util.Filter(ids, e.log.Has)
	switch {
	case len(known) == len(ids):
		return
	case len(known) > 0 && op.Type != ol.Insert && !op.Anchored():
		e.logger.Warn("skipping partially known compacted operation",
			"op", op.ID, "type", string(op.Type), "known", len(known), "ids", len(ids))
		e.log.Acknowledge(op)
		return
	}

	if !e.log.Append(op) {
		e.log.Acknowledge(op)
	}
	effect := e.doc.Apply(op)
	e.lastTimestamp = max(e.lastTimestamp, op.Latest())
	e.logger.Debug("applied operation", "op", op.ID, "type", string(op.Type), "effect", effect.String())
}

// GetVisibleContent returns the content and attributes of every visible
// item in document order. Buffered operations are not reflected until
// they are flushed.
func (e *Engine) GetVisibleContent() []document.Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Visible()
}

// Text is the visible content concatenated.
func (e *Engine) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Text()
}

// Has reports whether an operation with id has been applied, including
// ids the compactor has since folded into another operation.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Has(id)
}

// Get returns a stored operation. Compacted-away ids are ol.ErrNotFound.
func (e *Engine) Get(id string) (ol.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Get(id)
}

func (e *Engine) Version() ol.VersionVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Version()
}

// Operations returns the operation log in application order.
func (e *Engine) Operations() []ol.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Ops()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.Operations = e.log.Len()
	s.Items = e.doc.Len()
	s.Visible = e.doc.VisibleLen()
	s.Pending = e.doc.Pending()
	s.Buffered = e.sched.Len()
	return s
}

// Close flushes the buffer and stops the engine. Later submissions fail
// with ErrClosed; reads keep working.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.flushLocked()
	e.closed = true
	return nil
}
