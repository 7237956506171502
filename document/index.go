package document

// VisibleIndex counts only items that are not tombstoned. Insert and
// Delete positions are visible indices.
type VisibleIndex int

// RawIndex counts every item, tombstones included. Format and Move
// positions are raw indices.
type RawIndex int

// visibleRange returns the items at visible positions [pos, pos+n),
// clipped to the end of the document. ok is false when pos itself is out
// of range.
func (d *Document) visibleRange(pos VisibleIndex, n int) (items []*Item, ok bool) {
	visible := d.visibleItems()
	if pos < 0 || int(pos) >= len(visible) {
		return nil, false
	}
	end := min(int(pos)+n, len(visible))
	return visible[pos:end], true
}

// rawRange is visibleRange over the raw sequence.
func (d *Document) rawRange(pos RawIndex, n int) (items []*Item, ok bool) {
	if pos < 0 || int(pos) >= len(d.items) {
		return nil, false
	}
	end := min(int(pos)+n, len(d.items))
	return d.items[pos:end], true
}

// originAt is the id an insert at visible position pos is placed after.
// Positions past the end clamp to the last visible item.
func (d *Document) originAt(pos VisibleIndex) string {
	visible := d.visibleItems()
	if pos > VisibleIndex(len(visible)) {
		pos = VisibleIndex(len(visible))
	}
	if pos <= 0 {
		return headID
	}
	return visible[pos-1].ID
}

// rawIndexOf returns the raw position of id, rebuilding the index after
// structural changes.
func (d *Document) rawIndexOf(id string) (RawIndex, bool) {
	if d.dirty {
		d.index = make(map[string]int, len(d.items))
		for i, item := range d.items {
			d.index[item.ID] = i
		}
		d.dirty = false
	}
	i, ok := d.index[id]
	return RawIndex(i), ok
}

// Anchor is the id a local insert at visible position pos is typed
// after: ol.HeadID at the start, the last visible item past the end.
func (d *Document) Anchor(pos VisibleIndex) string {
	return d.originAt(pos)
}

// VisibleIDs returns the ids at visible positions [pos, pos+n), or nil
// when pos is out of range.
func (d *Document) VisibleIDs(pos VisibleIndex, n int) []string {
	items, _ := d.visibleRange(pos, n)
	return ids(items)
}

// RawIDs returns the ids at raw positions [pos, pos+n), tombstones
// included, or nil when pos is out of range.
func (d *Document) RawIDs(pos RawIndex, n int) []string {
	items, _ := d.rawRange(pos, n)
	return ids(items)
}

func ids(items []*Item) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}
