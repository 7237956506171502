package document

import (
	"github.com/kevinxiao27/collabdoc/ol"
)

// parked is an anchored operation waiting for the item it refers to.
// target is empty for an insert waiting on its origin, and the awaited
// item id for a delete or format.
type parked struct {
	op     ol.Operation
	target string
}

func (d *Document) park(anchor string, op ol.Operation, target string) {
	d.pending[anchor] = append(d.pending[anchor], parked{op: op, target: target})
	d.logger.Debug("parked operation until its anchor arrives", "op", op.ID, "anchor", anchor)
}

// release applies everything that was waiting for id. Inserts released
// here may release further operations in turn.
func (d *Document) release(id string) {
	waiting, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)

	item := d.byID[id]
	for _, p := range waiting {
		switch {
		case p.target == "":
			d.insert(p.op)
		case p.op.Type == ol.Delete:
			item.Deleted = true
		case p.op.Type == ol.Format:
			d.formatItem(item, p.op)
		}
	}
}

// Pending counts parked operation parts.
func (d *Document) Pending() int {
	n := 0
	for _, waiting := range d.pending {
		n += len(waiting)
	}
	return n
}

// reconcile re-parks anchored operations from ops whose anchors are not in
// the sequence. Effects already visible in the sequence are not re-applied.
func (d *Document) reconcile(ops []ol.Operation) {
	for _, op := range ops {
		if !op.Anchored() {
			continue
		}
		switch op.Type {
		case ol.Insert:
			if !d.hasAll(op.InsertParts()) {
				d.insert(op)
			}
		case ol.Delete, ol.Format:
			for _, id := range op.Targets {
				if !d.Has(id) {
					d.park(id, op, id)
				}
			}
		}
	}
}
