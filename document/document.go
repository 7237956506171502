// Package document holds the ordered sequence of content items that
// operations mutate.
//
// Items form an origin tree: every item is a child of the item it was
// typed after. Siblings are ordered newest first: timestamps compare in
// reverse so a local insert, stamped above everything its replica has
// seen, sits directly after the item it was typed after. Author and then
// id break timestamp ties in ascending order. The raw sequence is the pre-order walk of that tree, kept up to date on
// every insert, so concurrent inserts land in the same place on every
// replica no matter which arrives first. Deleted items stay in the
// sequence as tombstones.
package document

import (
	"log/slog"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/util"
)

const headID = ol.HeadID

type Document struct {
	items    []*Item
	byID     map[string]*Item
	children map[string][]*Item

	// index maps item id to raw position; rebuilt lazily when dirty.
	index map[string]int
	dirty bool

	pending map[string][]parked
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{
		items:    []*Item{},
		byID:     make(map[string]*Item),
		children: make(map[string][]*Item),
		index:    make(map[string]int),
		pending:  make(map[string][]parked),
		logger:   logger,
	}
}

// Restore rebuilds a document from its raw sequence, as stored in a
// snapshot. ops is the operation log that produced the sequence; anchored
// operations whose items have not arrived yet are parked again.
func Restore(items []Item, ops []ol.Operation, logger *slog.Logger) *Document {
	d := New(logger)
	for _, it := range items {
		item := it.Clone()
		d.items = append(d.items, &item)
		d.byID[item.ID] = &item
		d.children[item.Origin] = append(d.children[item.Origin], &item)
	}
	for origin := range d.children {
		sibs := d.children[origin]
		sort.SliceStable(sibs, func(i, j int) bool { return sibs[i].before(sibs[j]) })
	}
	d.dirty = true
	d.reconcile(ops)
	return d
}

func (d *Document) Has(id string) bool {
	_, ok := d.byID[id]
	return ok
}

// Len is the raw length, tombstones included.
func (d *Document) Len() int { return len(d.items) }

func (d *Document) VisibleLen() int { return len(d.visibleItems()) }

// Visible returns the content and attributes of every item that is not
// tombstoned, in document order.
func (d *Document) Visible() []Span {
	visible := d.visibleItems()
	spans := make([]Span, 0, len(visible))
	for _, item := range visible {
		spans = append(spans, Span{Content: item.Content, Attributes: item.Attributes.Clone()})
	}
	return spans
}

// Text concatenates the visible content.
func (d *Document) Text() string {
	return util.Reduce(d.visibleItems(), func(item *Item, b *strings.Builder) *strings.Builder {
		b.WriteString(item.Content)
		return b
	}, &strings.Builder{}).String()
}

// Raw returns copies of every item, tombstones included.
func (d *Document) Raw() []Item {
	out := make([]Item, len(d.items))
	for i, item := range d.items {
		out[i] = item.Clone()
	}
	return out
}

func (d *Document) visibleItems() []*Item {
	return util.Filter(d.items, func(item *Item) bool { return !item.Deleted })
}

// place links item under origin and splices it into the raw sequence:
// before the first sibling that orders after it, or at the end of the
// origin's subtree when there is none.
func (d *Document) place(item *Item) {
	sibs := d.children[item.Origin]
	k := sort.Search(len(sibs), func(i int) bool { return item.before(sibs[i]) })

	at := RawIndex(len(d.items))
	if k < len(sibs) {
		if i, ok := d.rawIndexOf(sibs[k].ID); ok {
			at = i
		}
	} else {
		at = d.subtreeEnd(item.Origin)
	}

	d.items = append(d.items, nil)
	copy(d.items[at+1:], d.items[at:])
	d.items[at] = item

	sibs = append(sibs, nil)
	copy(sibs[k+1:], sibs[k:])
	sibs[k] = item
	d.children[item.Origin] = sibs

	d.byID[item.ID] = item
	d.dirty = true
}

// subtreeEnd is the raw position just past the contiguous run of items
// descending from origin.
func (d *Document) subtreeEnd(origin string) RawIndex {
	start := 0
	if origin != headID {
		i, ok := d.rawIndexOf(origin)
		if !ok {
			return RawIndex(len(d.items))
		}
		start = int(i) + 1
	}

	subtree := mapset.NewThreadUnsafeSet(origin)
	i := start
	for i < len(d.items) && subtree.Contains(d.items[i].Origin) {
		subtree.Add(d.items[i].ID)
		i++
	}
	return RawIndex(i)
}
