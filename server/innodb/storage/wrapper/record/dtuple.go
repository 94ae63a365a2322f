package record

import "github.com/go-innodb/btreestore/server/innodb/rectype"

// ULINTUndefined is the sentinel passed to Offsets when a caller wants
// every field's offset computed rather than a fixed prefix (rec_offs
// "ULINT_UNDEFINED" in the original header).
const ULINTUndefined = ^uint32(0)

// SQLNull marks a Field as holding SQL NULL rather than a concrete length.
const SQLNull = ^uint32(0)

// Field is one entry of a logical tuple: a typed slice of bytes (or NULL),
// plus whether it has already been pushed out to external storage. A tuple
// is logical and lives only as long as the arena that built it; nothing in
// this package retains a Field past the call that produced it.
type Field struct {
	Type rectype.DType
	Data []byte // nil when Null is true
	Null bool
	Ext  bool // field's suffix already lives in a BLOB chain
}

// Len returns the field's logical length, or SQLNull.
func (f Field) Len() uint32 {
	if f.Null {
		return SQLNull
	}
	return uint32(len(f.Data))
}

// Tuple is the Go analogue of dtuple_t: an ordered list of typed fields
// plus the comparison prefix length used when the tuple is measured
// against a node pointer rather than a full leaf key.
type Tuple struct {
	Fields     []Field
	NFieldsCmp int // fields 0..NFieldsCmp-1 participate in comparisons
}

// NewTuple builds a Tuple whose comparison prefix is every field.
func NewTuple(fields ...Field) *Tuple {
	return &Tuple{Fields: fields, NFieldsCmp: len(fields)}
}

// NFields returns the total field count, independent of the comparison
// prefix.
func (t *Tuple) NFields() int {
	return len(t.Fields)
}

// WithNFieldsCmp returns a shallow copy of t with a narrowed comparison
// prefix, used by the tree cursor when descending non-leaf levels (a
// tuple's comparison prefix at level L never exceeds the key prefix
// stored at that level).
func (t *Tuple) WithNFieldsCmp(n int) *Tuple {
	if n > len(t.Fields) {
		n = len(t.Fields)
	}
	return &Tuple{Fields: t.Fields, NFieldsCmp: n}
}
