// Package causal orders a batch of operations so that no operation is
// applied before a dependency that travels in the same batch.
// Dependencies outside the batch are considered satisfied: they were
// applied by an earlier batch, compacted away, or have not arrived yet,
// and none of those is waited on.
package causal

import (
	"log/slog"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/collabdoc/ol"
)

// Policy decides what happens to operations caught in a dependency cycle.
type Policy string

const (
	// BestEffort skips the edge that closes the cycle and applies
	// everything.
	BestEffort Policy = "best-effort"
	// Reject drops every operation on the cycle from the batch.
	Reject Policy = "reject"
)

func (p Policy) Valid() bool {
	return p == BestEffort || p == Reject
}

type Result struct {
	// Ordered is safe to apply front to back.
	Ordered []ol.Operation
	// Rejected holds cycle members dropped under the Reject policy.
	Rejected []ol.Operation
	// Cycles lists each detected cycle as the ids along it.
	Cycles [][]string
}

type sorter struct {
	byID     map[string]int
	batch    []ol.Operation
	visiting mapset.Set[string]
	visited  mapset.Set[string]
	stack    []string
	result   Result
}

// Sort performs a depth-first topological sort over batch, visiting
// operations in their arrival order so the output is deterministic.
func Sort(batch []ol.Operation, policy Policy, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}

	s := &sorter{
		byID:     make(map[string]int, len(batch)),
		batch:    batch,
		visiting: mapset.NewThreadUnsafeSet[string](),
		visited:  mapset.NewThreadUnsafeSet[string](),
	}
	for i, op := range batch {
		if _, dup := s.byID[op.ID]; !dup {
			s.byID[op.ID] = i
		}
	}

	for _, op := range batch {
		s.visit(op.ID)
	}

	for _, cycle := range s.result.Cycles {
		logger.Warn("dependency cycle in batch",
			"cycle", strings.Join(cycle, " -> "),
			"policy", string(policy))
	}

	if policy == Reject && len(s.result.Cycles) > 0 {
		rejected := mapset.NewThreadUnsafeSet[string]()
		for _, cycle := range s.result.Cycles {
			rejected.Append(cycle...)
		}
		kept := s.result.Ordered[:0]
		for _, op := range s.result.Ordered {
			if rejected.Contains(op.ID) {
				s.result.Rejected = append(s.result.Rejected, op)
				logger.Warn("rejected operation on dependency cycle", "op", op.ID, "author", op.Author)
				continue
			}
			kept = append(kept, op)
		}
		s.result.Ordered = kept
	}

	return s.result
}

func (s *sorter) visit(id string) {
	if s.visited.Contains(id) {
		return
	}

	s.visiting.Add(id)
	s.stack = append(s.stack, id)

	op := s.batch[s.byID[id]]
	for _, dep := range op.Dependencies {
		if _, inBatch := s.byID[dep]; !inBatch {
			continue
		}
		if s.visiting.Contains(dep) {
			s.result.Cycles = append(s.result.Cycles, s.cycleFrom(dep))
			continue
		}
		s.visit(dep)
	}

	s.stack = s.stack[:len(s.stack)-1]
	s.visiting.Remove(id)
	s.visited.Add(id)
	s.result.Ordered = append(s.result.Ordered, op)
}

// cycleFrom returns the ids on the current DFS path starting at dep, with
// dep repeated at the end to close the loop.
func (s *sorter) cycleFrom(dep string) []string {
	start := len(s.stack) - 1
	for start > 0 && s.stack[start] != dep {
		start--
	}
	cycle := make([]string, 0, len(s.stack)-start+1)
	cycle = append(cycle, s.stack[start:]...)
	return append(cycle, dep)
}
