package record

import "github.com/go-innodb/btreestore/server/innodb/rectype"

// FieldDesc is the per-field schema the codec needs: a field's logical
// type plus whether the index declares it fixed-length (REDUNDANT's
// fixed/variable offset-table split, COMPACT's "omit the length byte"
// optimization both key off this rather than the runtime value).
type FieldDesc struct {
	Type     rectype.DType
	Nullable bool
}

// IndexDesc is the minimal index schema the physical record codec needs:
// field order, format, and clustering. It is intentionally decoupled from
// metadata.TableRowTuple (the SQL-facing schema) so the codec can be used
// and tested without a full table catalog.
type IndexDesc struct {
	Fields        []FieldDesc
	IsComp        bool // COMPACT (true) vs REDUNDANT (false)
	NUnique       int  // fields that make the index key unique
	NUniqueInTree int  // NUnique, plus clustered PK fields on a secondary index
	Clustered     bool
}

// NFields returns the field count the index declares, independent of any
// particular record's comparison prefix.
func (d *IndexDesc) NFields() int { return len(d.Fields) }

// NNullable returns how many fields may hold SQL NULL, the size in bits of
// the COMPACT NULL bitmap before rounding up to a byte boundary.
func (d *IndexDesc) NNullable() int {
	n := 0
	for _, f := range d.Fields {
		if f.Nullable {
			n++
		}
	}
	return n
}

// NullBitmapSize returns ceil(NNullable/8), the size in bytes of the
// COMPACT NULL bitmap.
func (d *IndexDesc) NullBitmapSize() int {
	n := d.NNullable()
	return (n + 7) / 8
}
