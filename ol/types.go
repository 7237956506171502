package ol

import (
	"errors"
	"fmt"
)

type OpType string

const (
	Insert OpType = "ins"
	Delete OpType = "del"
	Format OpType = "fmt"
	Move   OpType = "mov"
)

func (t OpType) Valid() bool {
	switch t {
	case Insert, Delete, Format, Move:
		return true
	}
	return false
}

// HeadID is the origin of an anchored insert placed at the very start of
// the document. An empty Origin means the insert carries no anchor.
const HeadID = "^"

// TargetKey is the Move attribute holding the destination raw index.
const TargetKey = "target"

// Operation is the unit of replication. Once accepted into a Log it is
// never modified and never applied again.
type Operation struct {
	ID       string `cbor:"1,keyasint" json:"id"`
	Type     OpType `cbor:"2,keyasint" json:"type"`
	Position int    `cbor:"3,keyasint" json:"position"`
	Content  string `cbor:"4,keyasint,omitempty" json:"content,omitempty"`
	// Length is the number of items a Delete, Format or Move spans. Zero
	// means one.
	Length       int        `cbor:"5,keyasint,omitempty" json:"length,omitempty"`
	Attributes   Attributes `cbor:"6,keyasint,omitempty" json:"attributes,omitempty"`
	Timestamp    int64      `cbor:"7,keyasint" json:"timestamp"`
	Author       string     `cbor:"8,keyasint" json:"author"`
	Dependencies []string   `cbor:"9,keyasint,omitempty" json:"dependencies,omitempty"`

	// Origin is the id of the item an Insert was typed after (HeadID for
	// the start of the document).
	Origin string `cbor:"10,keyasint,omitempty" json:"origin,omitempty"`
	// Targets are the ids of the items a Delete or Format addressed when
	// it was created.
	Targets []string `cbor:"11,keyasint,omitempty" json:"targets,omitempty"`
	// Compacted lists the ids the compactor folded into this operation.
	Compacted []string `cbor:"12,keyasint,omitempty" json:"compacted,omitempty"`
	// Parts describes each insert folded into a compacted Insert, first
	// one included, so the run replays as the original items.
	Parts []Part `cbor:"13,keyasint,omitempty" json:"parts,omitempty"`
}

// Part is one original insert inside a compacted Insert: its id, the
// byte length of its slice of Content, and its timestamp.
type Part struct {
	ID        string `cbor:"1,keyasint" json:"id"`
	Size      int    `cbor:"2,keyasint" json:"size"`
	Timestamp int64  `cbor:"3,keyasint" json:"timestamp"`
}

var (
	ErrMissingID     = errors.New("operation has no id")
	ErrMissingAuthor = errors.New("operation has no author")
	ErrUnknownType   = errors.New("unknown operation type")
	ErrBadParts      = errors.New("insert parts do not cover its content")
)

// Validate reports whether op is structurally valid. Structurally valid
// operations are never rejected by the engine.
func (op Operation) Validate() error {
	switch {
	case op.ID == "":
		return ErrMissingID
	case op.Author == "":
		return fmt.Errorf("%w: %s", ErrMissingAuthor, op.ID)
	case !op.Type.Valid():
		return fmt.Errorf("%w %q: %s", ErrUnknownType, op.Type, op.ID)
	case len(op.Parts) > 0:
		size := 0
		for _, part := range op.Parts {
			if part.Size < 0 {
				return fmt.Errorf("%w: %s", ErrBadParts, op.ID)
			}
			size += part.Size
		}
		if op.Type != Insert || size != len(op.Content) || op.Parts[0].ID != op.ID {
			return fmt.Errorf("%w: %s", ErrBadParts, op.ID)
		}
	}
	return nil
}

// InsertParts returns the inserts this operation stands for: its Parts
// when compacted, otherwise the operation itself.
func (op Operation) InsertParts() []Part {
	if len(op.Parts) > 0 {
		return op.Parts
	}
	return []Part{{ID: op.ID, Size: len(op.Content), Timestamp: op.Timestamp}}
}

// Latest is the newest timestamp op stands for. For a compacted Insert
// that is the timestamp of its last part.
func (op Operation) Latest() int64 {
	latest := op.Timestamp
	for _, part := range op.Parts {
		latest = max(latest, part.Timestamp)
	}
	return latest
}

// Span is the number of items the operation covers.
func (op Operation) Span() int {
	if op.Length <= 0 {
		return 1
	}
	return op.Length
}

// Anchored reports whether op addresses items by id rather than only by
// position.
func (op Operation) Anchored() bool {
	if op.Type == Insert {
		return op.Origin != ""
	}
	return len(op.Targets) > 0
}

// IDs returns the operation id followed by every id compacted into it.
func (op Operation) IDs() []string {
	ids := make([]string, 0, 1+len(op.Compacted))
	ids = append(ids, op.ID)
	return append(ids, op.Compacted...)
}

func (op Operation) Stamp() Stamp {
	return Stamp{Timestamp: op.Timestamp, Author: op.Author}
}

// Clone returns a deep copy so callers cannot reach into a stored
// operation.
func (op Operation) Clone() Operation {
	op.Attributes = op.Attributes.Clone()
	op.Dependencies = cloneStrings(op.Dependencies)
	op.Targets = cloneStrings(op.Targets)
	op.Compacted = cloneStrings(op.Compacted)
	if op.Parts != nil {
		op.Parts = append([]Part(nil), op.Parts...)
	}
	return op
}

// Stamp orders concurrent writes: timestamp first, author id breaks ties.
type Stamp struct {
	Timestamp int64  `cbor:"1,keyasint" json:"timestamp"`
	Author    string `cbor:"2,keyasint" json:"author"`
}

func (s Stamp) Less(other Stamp) bool {
	if s.Timestamp != other.Timestamp {
		return s.Timestamp < other.Timestamp
	}
	return s.Author < other.Author
}

func (s Stamp) IsZero() bool {
	return s.Timestamp == 0 && s.Author == ""
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
