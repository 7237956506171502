package document

import (
	"math"

	"github.com/kevinxiao27/collabdoc/ol"
)

// Effect reports what Apply did with an operation.
type Effect int

const (
	// Applied means the operation changed or re-confirmed the sequence.
	Applied Effect = iota
	// Parked means at least part of the operation waits for an item that
	// has not been inserted yet.
	Parked
	// Skipped means the operation was a no-op, e.g. its position was out
	// of range.
	Skipped
)

func (e Effect) String() string {
	switch e {
	case Applied:
		return "applied"
	case Parked:
		return "parked"
	}
	return "skipped"
}

// Apply mutates the document with one operation. It never fails: out of
// range positions and unknown types are logged and skipped.
func (d *Document) Apply(op ol.Operation) Effect {
	switch op.Type {
	case ol.Insert:
		return d.insert(op)
	case ol.Delete:
		return d.delete(op)
	case ol.Format:
		return d.format(op)
	case ol.Move:
		return d.move(op)
	}
	d.logger.Warn("skipping operation of unknown type", "op", op.ID, "type", string(op.Type))
	return Skipped
}

// insert places every part of op. A compacted insert replays as the
// chain of items it was folded from, each typed after the previous one.
func (d *Document) insert(op ol.Operation) Effect {
	parts := op.InsertParts()
	if d.hasAll(parts) {
		return Skipped
	}

	origin := op.Origin
	if origin == "" {
		origin = d.originAt(VisibleIndex(op.Position))
	} else if origin != headID && !d.Has(origin) {
		d.park(origin, op, "")
		return Parked
	}

	offset := 0
	for _, part := range parts {
		end := min(offset+max(part.Size, 0), len(op.Content))
		content := op.Content[offset:end]
		offset = end

		if !d.Has(part.ID) {
			item := &Item{
				ID:      part.ID,
				Origin:  origin,
				Content: content,
				Stamp:   ol.Stamp{Timestamp: part.Timestamp, Author: op.Author},
			}
			for _, attr := range op.Attributes {
				item.setAttribute(attr.Key, attr.Value, item.Stamp)
			}
			d.place(item)
			d.release(item.ID)
		}
		origin = part.ID
	}
	return Applied
}

func (d *Document) hasAll(parts []ol.Part) bool {
	for _, part := range parts {
		if !d.Has(part.ID) {
			return false
		}
	}
	return true
}

func (d *Document) delete(op ol.Operation) Effect {
	if op.Anchored() {
		return d.eachTarget(op, func(item *Item) { item.Deleted = true })
	}

	items, ok := d.visibleRange(VisibleIndex(op.Position), op.Span())
	if !ok {
		d.outOfRange(op, d.VisibleLen())
		return Skipped
	}
	for _, item := range items {
		item.Deleted = true
	}
	return Applied
}

func (d *Document) format(op ol.Operation) Effect {
	apply := func(item *Item) { d.formatItem(item, op) }
	if op.Anchored() {
		return d.eachTarget(op, apply)
	}

	items, ok := d.rawRange(RawIndex(op.Position), op.Span())
	if !ok {
		d.outOfRange(op, d.Len())
		return Skipped
	}
	for _, item := range items {
		apply(item)
	}
	return Applied
}

// formatItem merges op's attributes into item. Tombstones are left alone.
func (d *Document) formatItem(item *Item, op ol.Operation) {
	if item.Deleted {
		return
	}
	stamp := op.Stamp()
	for _, attr := range op.Attributes {
		item.setAttribute(attr.Key, attr.Value, stamp)
	}
}

// move removes op.Span() raw items at op.Position and reinserts them at
// the raw index stored under ol.TargetKey, counted in the sequence that
// remains after removal.
func (d *Document) move(op ol.Operation) Effect {
	value, ok := op.Attributes.Get(ol.TargetKey)
	target, isNumber := value.AsNumber()
	if !ok || !isNumber || math.IsNaN(target) {
		d.logger.Warn("skipping move without numeric target", "op", op.ID)
		return Skipped
	}

	moved, ok := d.rawRange(RawIndex(op.Position), op.Span())
	if !ok {
		d.outOfRange(op, d.Len())
		return Skipped
	}
	moved = append([]*Item(nil), moved...)

	start := op.Position
	remaining := make([]*Item, 0, len(d.items))
	remaining = append(remaining, d.items[:start]...)
	remaining = append(remaining, d.items[start+len(moved):]...)

	at := int(min(max(target, 0), float64(len(remaining))))
	items := make([]*Item, 0, len(d.items))
	items = append(items, remaining[:at]...)
	items = append(items, moved...)
	items = append(items, remaining[at:]...)

	d.items = items
	d.dirty = true
	return Applied
}

// eachTarget runs fn on every target item already present and parks the
// operation for the rest.
func (d *Document) eachTarget(op ol.Operation, fn func(*Item)) Effect {
	effect := Applied
	for _, id := range op.Targets {
		item, ok := d.byID[id]
		if !ok {
			d.park(id, op, id)
			effect = Parked
			continue
		}
		fn(item)
	}
	return effect
}

func (d *Document) outOfRange(op ol.Operation, length int) {
	d.logger.Warn("operation position out of range",
		"op", op.ID,
		"type", string(op.Type),
		"position", op.Position,
		"length", length)
}
