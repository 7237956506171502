package ol

import "sort"

// VersionVector maps a replica id to the highest timestamp accepted from
// it.
type VersionVector map[string]int64

// VersionEntry is one (author, timestamp) pair of a VersionVector.
type VersionEntry struct {
	Author    string `cbor:"1,keyasint" json:"author"`
	Timestamp int64  `cbor:"2,keyasint" json:"timestamp"`
}

// Observe raises the entry for author to ts if ts is newer.
func (vv VersionVector) Observe(author string, ts int64) {
	if current, ok := vv[author]; !ok || ts > current {
		vv[author] = ts
	}
}

func (vv VersionVector) Merge(other VersionVector) {
	for author, ts := range other {
		vv.Observe(author, ts)
	}
}

// Dominates reports whether vv has seen at least everything other has.
func (vv VersionVector) Dominates(other VersionVector) bool {
	for author, ts := range other {
		if current, ok := vv[author]; !ok || current < ts {
			return false
		}
	}
	return true
}

// Max is the highest timestamp in the vector, 0 when empty.
func (vv VersionVector) Max() int64 {
	var m int64
	for _, ts := range vv {
		if ts > m {
			m = ts
		}
	}
	return m
}

func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for author, ts := range vv {
		out[author] = ts
	}
	return out
}

// Entries lists the vector sorted by author.
func (vv VersionVector) Entries() []VersionEntry {
	out := make([]VersionEntry, 0, len(vv))
	for author, ts := range vv {
		out = append(out, VersionEntry{Author: author, Timestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Author < out[j].Author })
	return out
}

func VersionFromEntries(entries []VersionEntry) VersionVector {
	vv := make(VersionVector, len(entries))
	for _, e := range entries {
		vv.Observe(e.Author, e.Timestamp)
	}
	return vv
}
