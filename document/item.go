package document

import (
	"github.com/kevinxiao27/collabdoc/ol"
)

// Item is one element of the document sequence, created by exactly one
// Insert and identified by that insert's id.
type Item struct {
	ID string `cbor:"1,keyasint" json:"id"`
	// Origin is the item this one was inserted after, ol.HeadID for the
	// start of the document.
	Origin     string        `cbor:"2,keyasint" json:"origin"`
	Content    string        `cbor:"3,keyasint" json:"content"`
	Attributes ol.Attributes `cbor:"4,keyasint,omitempty" json:"attributes,omitempty"`
	// Stamps records which write last set each attribute key.
	Stamps  map[string]ol.Stamp `cbor:"5,keyasint,omitempty" json:"stamps,omitempty"`
	Deleted bool                `cbor:"6,keyasint,omitempty" json:"deleted,omitempty"`
	Stamp   ol.Stamp            `cbor:"7,keyasint" json:"stamp"`
}

func (it Item) Clone() Item {
	it.Attributes = it.Attributes.Clone()
	if it.Stamps != nil {
		stamps := make(map[string]ol.Stamp, len(it.Stamps))
		for k, v := range it.Stamps {
			stamps[k] = v
		}
		it.Stamps = stamps
	}
	return it
}

// before orders siblings sharing an origin. Newer items come first, so
// text typed after an item lands right next to it; equal timestamps fall
// back to author, then id.
func (it *Item) before(other *Item) bool {
	if it.Stamp.Timestamp != other.Stamp.Timestamp {
		return it.Stamp.Timestamp > other.Stamp.Timestamp
	}
	if it.Stamp.Author != other.Stamp.Author {
		return it.Stamp.Author < other.Stamp.Author
	}
	return it.ID < other.ID
}

// setAttribute applies a last-writer-wins write of one key. Older or
// equal stamps lose.
func (it *Item) setAttribute(key string, v ol.Value, stamp ol.Stamp) bool {
	if current, ok := it.Stamps[key]; ok && !current.Less(stamp) {
		return false
	}
	if it.Stamps == nil {
		it.Stamps = make(map[string]ol.Stamp)
	}
	it.Stamps[key] = stamp
	it.Attributes.Set(key, v)
	return true
}

// Span is the read-only projection of a visible item.
type Span struct {
	Content    string        `cbor:"1,keyasint" json:"content"`
	Attributes ol.Attributes `cbor:"2,keyasint,omitempty" json:"attributes,omitempty"`
}
