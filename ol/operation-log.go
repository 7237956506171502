package ol

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrNotFound = errors.New("operation not found")

// Log is the append-only record of accepted operations, indexed by id.
// It is not safe for concurrent use; the owning engine serializes access.
type Log struct {
	ops  []Operation
	byID map[string]int
	// seen holds every id ever accepted, including ids the compactor has
	// folded away, so duplicates stay detectable after compaction.
	seen    mapset.Set[string]
	version VersionVector
}

func NewLog() *Log {
	return &Log{
		ops:     []Operation{},
		byID:    make(map[string]int),
		seen:    mapset.NewThreadUnsafeSet[string](),
		version: make(VersionVector),
	}
}

// Has reports whether an operation with this id was ever accepted.
func (l *Log) Has(id string) bool {
	return l.seen.Contains(id)
}

// Get returns a copy of the stored operation. Ids compacted into another
// operation are reported as ErrNotFound even though Has is true.
func (l *Log) Get(id string) (Operation, error) {
	i, ok := l.byID[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.ops[i].Clone(), nil
}

// Append records op and advances the version vector. It never overwrites:
// appending a known id is a no-op that returns false.
func (l *Log) Append(op Operation) bool {
	if l.seen.Contains(op.ID) {
		return false
	}

	l.byID[op.ID] = len(l.ops)
	l.ops = append(l.ops, op.Clone())
	for _, id := range op.IDs() {
		l.seen.Add(id)
	}
	l.version.Observe(op.Author, op.Latest())
	return true
}

// MarkSeen records ids as accepted without storing an operation for them.
func (l *Log) MarkSeen(ids ...string) {
	for _, id := range ids {
		l.seen.Add(id)
	}
}

// Acknowledge records every id of op and advances the version vector
// without storing op. It is used for operations whose first id is
// already known, such as a compacted copy of a run applied earlier.
func (l *Log) Acknowledge(op Operation) {
	l.MarkSeen(op.IDs()...)
	l.version.Observe(op.Author, op.Latest())
}

// Observe merges version entries received from another replica.
func (l *Log) Observe(entries ...VersionEntry) {
	for _, e := range entries {
		l.version.Observe(e.Author, e.Timestamp)
	}
}

func (l *Log) Len() int { return len(l.ops) }

// Ops returns the log in application order.
func (l *Log) Ops() []Operation {
	out := make([]Operation, len(l.ops))
	for i, op := range l.ops {
		out[i] = op.Clone()
	}
	return out
}

// Recent returns the ids of the last n operations, oldest first.
func (l *Log) Recent(n int) []string {
	if n > len(l.ops) {
		n = len(l.ops)
	}
	ids := make([]string, 0, n)
	for _, op := range l.ops[len(l.ops)-n:] {
		ids = append(ids, op.ID)
	}
	return ids
}

// Replace swaps the stored operations for a rewritten log, as produced by
// the compactor. Ids that disappear stay in the seen set and the version
// vector is left untouched.
func (l *Log) Replace(ops []Operation) {
	l.ops = make([]Operation, 0, len(ops))
	l.byID = make(map[string]int, len(ops))
	for _, op := range ops {
		l.byID[op.ID] = len(l.ops)
		l.ops = append(l.ops, op.Clone())
		for _, id := range op.IDs() {
			l.seen.Add(id)
		}
	}
}

func (l *Log) Version() VersionVector {
	return l.version.Clone()
}

// MaxTimestamp is the highest timestamp accepted from any replica.
func (l *Log) MaxTimestamp() int64 {
	return l.version.Max()
}

// RestoreLog rebuilds a log from a decoded snapshot.
func RestoreLog(ops []Operation, version VersionVector) *Log {
	l := NewLog()
	l.Replace(ops)
	for _, op := range ops {
		l.version.Observe(op.Author, op.Latest())
	}
	l.version.Merge(version)
	return l
}
