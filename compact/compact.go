// Package compact rewrites an operation log, folding runs of consecutive
// same-author, same-type operations into one. It only touches the log;
// the document sequence the operations produced is left as it is.
package compact

import (
	"log/slog"

	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/util"
)

type Stats struct {
	Before int
	After  int
}

func (s Stats) Merged() int { return s.Before - s.After }

// Compactor runs once the log grows past Threshold.
type Compactor struct {
	Threshold int
	// Window is the largest timestamp gap between consecutive operations
	// that may still be merged.
	Window int64
	Logger *slog.Logger
}

// MaybeRun compacts log when it is longer than the threshold. ran is
// false when the log was left alone.
func (c Compactor) MaybeRun(log *ol.Log) (stats Stats, ran bool) {
	if log.Len() <= c.Threshold {
		return Stats{}, false
	}
	ops, stats := Compact(log.Ops(), c.Window)
	if stats.Merged() > 0 {
		log.Replace(ops)
	}
	if c.Logger != nil {
		c.Logger.Debug("compacted operation log", "before", stats.Before, "after", stats.After)
	}
	return stats, true
}

// run is the operation being built up plus where its last merged member
// left off.
type run struct {
	op      ol.Operation
	members []string
	lastID  string
	lastTS  int64
	lastPos int
}

func newRun(op ol.Operation) *run {
	return &run{
		op:      op.Clone(),
		members: op.IDs(),
		lastID:  lastPart(op),
		lastTS:  op.Latest(),
		lastPos: lastPosition(op),
	}
}

// Compact scans ops in order and merges each operation into the running
// candidate when it continues it; anything else is emitted unchanged and
// becomes the new candidate.
func Compact(ops []ol.Operation, window int64) ([]ol.Operation, Stats) {
	out := make([]ol.Operation, 0, len(ops))
	var cur *run
	for _, op := range ops {
		if cur != nil && cur.absorb(op, window) {
			continue
		}
		if cur != nil {
			out = append(out, cur.finish())
		}
		cur = newRun(op)
	}
	if cur != nil {
		out = append(out, cur.finish())
	}
	return out, Stats{Before: len(ops), After: len(out)}
}

func (r *run) absorb(next ol.Operation, window int64) bool {
	if next.Author != r.op.Author || next.Type != r.op.Type {
		return false
	}
	if delta := next.Timestamp - r.lastTS; delta < 0 || delta >= window {
		return false
	}

	switch next.Type {
	case ol.Insert:
		return r.absorbInsert(next)
	case ol.Delete:
		return r.absorbDelete(next)
	}
	return false
}

// absorbInsert extends a typing run: next must have been typed directly
// after the last item of the run, with the same attributes. The merged
// operation keeps one Part per original insert. Position-only inserts
// never merge: where they landed depends on their concurrent siblings, so
// a merged part could not name the item it followed.
func (r *run) absorbInsert(next ol.Operation) bool {
	if !r.op.Anchored() || !next.Anchored() {
		return false
	}
	if next.Origin != r.lastID || !r.op.Attributes.Equal(next.Attributes) {
		return false
	}

	if r.op.Parts == nil {
		r.op.Parts = r.op.InsertParts()
	}
	r.op.Parts = append(r.op.Parts, next.InsertParts()...)
	r.op.Content += next.Content
	r.add(next)
	return true
}

// absorbDelete extends a run of forward deletes (same position) or
// backspaces (one position earlier each time). Only deletes that name
// their targets merge, so a replica holding part of the run can still
// apply the rest.
func (r *run) absorbDelete(next ol.Operation) bool {
	if !r.op.Anchored() || !next.Anchored() {
		return false
	}
	forward := next.Position == r.lastPos
	backspace := next.Position == r.lastPos-1
	if !forward && !backspace {
		return false
	}

	r.op.Length = r.op.Span() + next.Span()
	r.op.Position = min(r.op.Position, next.Position)
	r.op.Targets = append(r.op.Targets, next.Targets...)
	r.add(next)
	return true
}

func (r *run) add(next ol.Operation) {
	r.members = append(r.members, next.IDs()...)
	r.op.Dependencies = append(r.op.Dependencies, next.Dependencies...)
	r.lastID = lastPart(next)
	r.lastTS = next.Latest()
	r.lastPos = lastPosition(next)
}

// finish records the absorbed ids and drops dependencies that point
// inside the run itself.
func (r *run) finish() ol.Operation {
	if len(r.members) == 1+len(r.op.Compacted) {
		return r.op
	}
	inside := make(map[string]bool, len(r.members))
	for _, id := range r.members {
		inside[id] = true
	}
	r.op.Compacted = util.Filter(r.members, func(id string) bool { return id != r.op.ID })
	r.op.Dependencies = util.Uniq(util.Filter(r.op.Dependencies, func(id string) bool { return !inside[id] }))
	return r.op
}

// lastPart is the id of the final item an operation produces, which is
// what the next insert of a typing run names as its origin.
func lastPart(op ol.Operation) string {
	if op.Type != ol.Insert {
		return op.ID
	}
	parts := op.InsertParts()
	return parts[len(parts)-1].ID
}

func lastPosition(op ol.Operation) int {
	if op.Type != ol.Insert {
		return op.Position
	}
	return op.Position + len(op.InsertParts()) - 1
}
