package engine

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/internal/config"
	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/snapshot"
	"github.com/kevinxiao27/collabdoc/util"
)

// SerializeState flushes the merge buffer and encodes the full state:
// the operation log, the version vector, and the raw sequence with its
// tombstones.
func (e *Engine) SerializeState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flushLocked()
	return snapshot.Encode(e.state(), e.cfg.Compression)
}

func (e *Engine) state() snapshot.State {
	return snapshot.State{
		Operations: e.log.Ops(),
		Version:    e.log.Version().Entries(),
		Items:      e.doc.Raw(),
		Visible:    e.doc.Visible(),
	}
}

// Merge decodes a remote snapshot and submits every operation it holds
// that this replica has not seen, through the same path as
// ApplyOperation. The buffer is flushed before Merge returns. A snapshot
// that cannot be decoded is an error and leaves the engine untouched.
func (e *Engine) Merge(data []byte) error {
	state, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	missing := e.unknown(state.Operations)
	incoming := util.Filter(state.Operations, func(op ol.Operation) bool {
		return missing.ContainsAny(op.IDs()...)
	})
	e.logger.Debug("merging remote snapshot",
		"remote_operations", len(state.Operations),
		"incoming", len(incoming))

	for _, op := range incoming {
		e.submit(op)
	}
	e.flushLocked()
	e.log.Observe(state.Version...)
	return nil
}

// unknown collects the ids in ops this replica has not accepted.
func (e *Engine) unknown(ops []ol.Operation) mapset.Set[string] {
	remote := mapset.NewThreadUnsafeSet[string]()
	known := mapset.NewThreadUnsafeSet[string]()
	for _, op := range ops {
		for _, id := range op.IDs() {
			remote.Add(id)
			if e.log.Has(id) {
				known.Add(id)
			}
		}
	}
	return remote.Difference(known)
}

// FromSnapshot builds an engine whose state is decoded from data.
func FromSnapshot(data []byte, cfg config.Engine, opts ...Option) (*Engine, error) {
	e, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Restore(data); err != nil {
		return nil, err
	}
	return e, nil
}

// Restore replaces the engine's state with the one encoded in data.
// Buffered operations are discarded.
func (e *Engine) Restore(data []byte) error {
	state, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sched.Take()
	e.log = ol.RestoreLog(state.Operations, ol.VersionFromEntries(state.Version))
	e.doc = document.Restore(state.Items, state.Operations, e.logger)
	e.lastTimestamp = e.log.MaxTimestamp()
	return nil
}

// Dump renders the engine's state for debugging.
func (e *Engine) Dump() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return litter.Options{HidePrivateFields: true}.Sdump(struct {
		Replica    string
		Text       string
		Version    []ol.VersionEntry
		Operations []ol.Operation
		Items      []document.Item
		Pending    int
	}{
		Replica:    e.replica,
		Text:       e.doc.Text(),
		Version:    e.log.Version().Entries(),
		Operations: e.log.Ops(),
		Items:      e.doc.Raw(),
		Pending:    e.doc.Pending(),
	})
}
