package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/util"
)

// ErrOutOfRange is returned by the local edit builders when the addressed
// position does not exist. Remote operations are never rejected for it.
var ErrOutOfRange = errors.New("position out of range")

// Insert types content at visible position pos. Positions past the end
// append. The operation is applied before Insert returns and is returned
// for broadcast to other replicas.
func (e *Engine) Insert(pos document.VisibleIndex, content string, attrs ol.Attributes) (ol.Operation, error) {
	return e.local(func() (ol.Operation, error) {
		pos = min(max(pos, 0), document.VisibleIndex(e.doc.VisibleLen()))
		return ol.Operation{
			Type:       ol.Insert,
			Position:   int(pos),
			Content:    content,
			Attributes: attrs.Clone(),
			Origin:     e.doc.Anchor(pos),
		}, nil
	})
}

// Delete tombstones length visible items starting at pos.
func (e *Engine) Delete(pos document.VisibleIndex, length int) (ol.Operation, error) {
	return e.local(func() (ol.Operation, error) {
		targets := e.doc.VisibleIDs(pos, max(length, 1))
		if targets == nil {
			return ol.Operation{}, fmt.Errorf("delete at %d: %w", pos, ErrOutOfRange)
		}
		return ol.Operation{
			Type:     ol.Delete,
			Position: int(pos),
			Length:   len(targets),
			Targets:  targets,
		}, nil
	})
}

// Format merges attrs into length raw items starting at pos. Tombstoned
// items in the range are left alone.
func (e *Engine) Format(pos document.RawIndex, length int, attrs ol.Attributes) (ol.Operation, error) {
	return e.local(func() (ol.Operation, error) {
		targets := e.doc.RawIDs(pos, max(length, 1))
		if targets == nil {
			return ol.Operation{}, fmt.Errorf("format at %d: %w", pos, ErrOutOfRange)
		}
		return ol.Operation{
			Type:       ol.Format,
			Position:   int(pos),
			Length:     len(targets),
			Attributes: attrs.Clone(),
			Targets:    targets,
		}, nil
	})
}

// Move relocates length raw items starting at pos to raw index to,
// counted after the items have been taken out.
func (e *Engine) Move(pos document.RawIndex, length int, to document.RawIndex) (ol.Operation, error) {
	return e.local(func() (ol.Operation, error) {
		if pos < 0 || int(pos) >= e.doc.Len() {
			return ol.Operation{}, fmt.Errorf("move from %d: %w", pos, ErrOutOfRange)
		}
		return ol.Operation{
			Type:       ol.Move,
			Position:   int(pos),
			Length:     max(length, 1),
			Attributes: ol.Attrs(map[string]ol.Value{ol.TargetKey: ol.Number(float64(to))}),
		}, nil
	})
}

// local flushes the buffer so build sees the current document, stamps the
// operation build returns, and applies it.
func (e *Engine) local(build func() (ol.Operation, error)) (ol.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ol.Operation{}, ErrClosed
	}
	e.flushLocked()

	op, err := build()
	if err != nil {
		return ol.Operation{}, err
	}

	now := e.clock.Now().UnixMilli()
	op.ID = fmt.Sprintf("%s-%d-%s", e.replica, now, uuid.NewString()[:8])
	op.Author = e.replica
	op.Timestamp = max(now, e.log.MaxTimestamp()+1, e.lastTimestamp+1)
	op.Dependencies = e.dependencies(op)

	e.process([]ol.Operation{op})
	return op.Clone(), nil
}

// dependencies are the items op is anchored on plus the most recent
// operations in the log.
func (e *Engine) dependencies(op ol.Operation) []string {
	var deps []string
	if op.Origin != "" && op.Origin != ol.HeadID {
		deps = append(deps, op.Origin)
	}
	deps = append(deps, op.Targets...)
	deps = append(deps, e.log.Recent(e.cfg.DependencyFanout)...)
	if len(deps) == 0 {
		return nil
	}
	return util.Uniq(deps)
}
