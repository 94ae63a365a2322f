package record

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// FieldOffset is one entry of the table Offsets() returns: where a field's
// data starts, as a byte offset into the extra-plus-body slice
// OffsetsComp was given, its length (or SQLNull), and whether it is
// stored externally (the BLOB suffix lives off-page).
type FieldOffset struct {
	Start uint32
	Len   uint32 // SQLNull if the field is NULL
	Ext   bool
}

// IsNull reports whether the field at this offset is SQL NULL.
func (o FieldOffset) IsNull() bool { return o.Len == SQLNull }

// extraFieldHeaderSize returns 1 or 2 depending on whether this field's
// variable-length header can be packed into a single byte: one byte for
// any non-BLOB field whose declared maximum is <= 255 bytes; everything
// else (BLOBs, and any field whose maximum could exceed 255) takes 2
// bytes, with the top bit of the first byte flagging extern storage. The
// choice depends on the declared type only: a value of 127 bytes or less
// in such a field still takes 2 bytes. NULL fields carry no header.
func extraFieldHeaderSize(maxLen uint32, isBlob bool) int {
	if !isBlob && maxLen <= 255 {
		return 1
	}
	return 2
}

// ConvertComp builds a COMPACT physical record body (header + variable
// headers + NULL bitmap + field data) from a logical tuple. It returns the
// full byte slice including the CompactHeaderSize-byte fixed header, with
// the record "origin" at offset equal to the combined variable-header and
// NULL-bitmap size.
//
// extraPad, when non-zero, reserves that many extra bytes immediately
// before the origin (used by the tree cursor when it knows it will flip
// min-rec or owner bits in place after the initial write).
func ConvertComp(index *IndexDesc, tuple *Tuple, extraPad int) ([]byte, error) {
	if len(tuple.Fields) > RecMaxNFields {
		return nil, errors.Trace(ErrTooManyFields)
	}
	if len(tuple.Fields) != index.NFields() {
		return nil, errors.Annotatef(ErrFormatMismatch, "tuple has %d fields, index declares %d", len(tuple.Fields), index.NFields())
	}

	nullBitmapSize := index.NullBitmapSize()
	nullBitmap := make([]byte, nullBitmapSize)

	var varHeaders []byte // built in reverse field order, as stored on disk
	var body []byte

	nullBitPos := 0

	// NULL bitmap and variable headers are positionally keyed by the
	// field's nullable-rank (for the bitmap) and declared var-length-ness
	// (for the headers); compute both in forward order, then reverse the
	// header bytes for on-disk layout.
	type varEntry struct {
		b1, b2 byte
		twoByte bool
	}
	var varEntries []varEntry

	for i, f := range tuple.Fields {
		fd := index.Fields[i]
		if fd.Nullable {
			if f.Null {
				nullBitmap[nullBitPos/8] |= 1 << uint(nullBitPos%8)
			}
			nullBitPos++
		}
		if fd.Type.IsFixedLength() {
			if !f.Null {
				body = append(body, f.Data...)
			}
			continue
		}
		if f.Null {
			continue // NULL variable fields carry no length byte and no data
		}
		maxLen := fd.Type.MaxPhysicalLen()
		hdrSize := extraFieldHeaderSize(maxLen, fd.Type.IsBlobLike(255))
		length := uint32(len(f.Data))
		if hdrSize == 1 {
			varEntries = append(varEntries, varEntry{b1: byte(length)})
		} else {
			v := uint16(length)
			if f.Ext {
				v |= 0x8000
			}
			varEntries = append(varEntries, varEntry{
				b1: byte(v >> 8), b2: byte(v), twoByte: true,
			})
		}
		body = append(body, f.Data...)
	}

	// Variable headers are written in reverse field order preceding the
	// NULL bitmap; build by walking varEntries backward.
	for i := len(varEntries) - 1; i >= 0; i-- {
		e := varEntries[i]
		if e.twoByte {
			varHeaders = append(varHeaders, e.b1, e.b2)
		} else {
			varHeaders = append(varHeaders, e.b1)
		}
	}

	extra := make([]byte, 0, len(nullBitmap)+len(varHeaders)+CompactHeaderSize+extraPad)
	extra = append(extra, nullBitmap...)
	extra = append(extra, varHeaders...)
	extra = append(extra, make([]byte, CompactHeaderSize)...)
	extra = append(extra, make([]byte, extraPad)...)

	return append(extra, body...), nil
}

// OffsetsComp computes, in one linear pass, the start offset, length (or
// NULL), and extern flag of each of the first nFields fields of a COMPACT
// record. rec is the full extra-plus-body slice ConvertComp produced
// (NULL bitmap first); the origin is located from the front, and every
// Start is an offset into rec. Pass ULINTUndefined for nFields to compute
// every field the index declares.
func OffsetsComp(rec []byte, index *IndexDesc, nFields uint32) ([]FieldOffset, error) {
	if nFields == ULINTUndefined {
		nFields = uint32(index.NFields())
	}
	if int(nFields) > index.NFields() {
		return nil, errors.Trace(ErrCorruptOffsets)
	}

	nullBitmapSize := index.NullBitmapSize()
	if nullBitmapSize > len(rec)-CompactHeaderSize {
		return nil, errors.Trace(ErrCorruptOffsets)
	}

	// A real rec_t* addresses the NULL bitmap and variable headers at
	// negative offsets from the record origin; Go slices can't do that, so
	// this codec's convention is that callers pass the *full* extra-plus-
	// body slice ConvertComp produced, and OffsetsComp locates the origin
	// itself from the front.
	nullBitmap := rec[:nullBitmapSize]

	pos := nullBitmapSize
	nullBitPos := 0
	offs := make([]FieldOffset, 0, nFields)

	// First pass over the variable-length header area to learn each
	// field's encoded length without yet knowing the origin, then a second
	// pass assigns start offsets as we walk forward through the body.
	type parsed struct {
		isNull bool
		length uint32
		ext    bool
	}
	// ConvertComp stores the variable headers in reverse field order, so
	// every declared field is visited back to front (its NULL-bit rank
	// counted down) while the header bytes are read front to back.
	nAll := index.NFields()
	fieldsParsed := make([]parsed, nAll)
	for i := 0; i < nAll; i++ {
		if index.Fields[i].Nullable {
			nullBitPos++
		}
	}

	varPos := pos
	for i := nAll - 1; i >= 0; i-- {
		fd := index.Fields[i]
		var isNull bool
		if fd.Nullable {
			nullBitPos--
			isNull = nullBitmap[nullBitPos/8]&(1<<uint(nullBitPos%8)) != 0
		}
		if fd.Type.IsFixedLength() {
			fieldsParsed[i] = parsed{isNull: isNull, length: uint32(fd.Type.Len)}
			continue
		}
		if isNull {
			fieldsParsed[i] = parsed{isNull: true}
			continue
		}
		maxLen := fd.Type.MaxPhysicalLen()
		hdrSize := extraFieldHeaderSize(maxLen, fd.Type.IsBlobLike(255))
		if varPos+hdrSize > len(rec) {
			return nil, errors.Trace(ErrCorruptOffsets)
		}
		if hdrSize == 1 {
			fieldsParsed[i] = parsed{length: uint32(rec[varPos])}
			varPos++
		} else {
			v := binary.BigEndian.Uint16(rec[varPos : varPos+2])
			fieldsParsed[i] = parsed{length: uint32(v & 0x7FFF), ext: v&0x8000 != 0}
			varPos += 2
		}
	}

	// varPos now sits where the variable headers end and the fixed header
	// begins; the record origin is CompactHeaderSize further on.
	origin := varPos + CompactHeaderSize
	cursor := uint32(origin)
	for i := 0; i < int(nFields); i++ {
		p := fieldsParsed[i]
		if p.isNull {
			offs = append(offs, FieldOffset{Start: cursor, Len: SQLNull})
			continue
		}
		offs = append(offs, FieldOffset{Start: cursor, Len: p.length, Ext: p.ext})
		cursor += p.length
	}
	if int(cursor) > len(rec) {
		return nil, errors.Trace(ErrCorruptOffsets)
	}

	return offs, nil
}

// RecOrigin returns the byte offset within a ConvertComp-produced slice
// where the record's data actually starts (past the NULL bitmap, variable
// headers, and fixed header).
func RecOrigin(rec []byte, index *IndexDesc) (int, error) {
	offs, err := OffsetsComp(rec, index, 1)
	if err != nil || len(offs) == 0 {
		// An empty-field index still has an origin right after the fixed
		// header; fall back to computing it directly.
		nullBitmapSize := index.NullBitmapSize()
		return nullBitmapSize + CompactHeaderSize, err
	}
	return int(offs[0].Start), nil
}

// ConvertedSizeComp returns the number of bytes ConvertComp(index, tuple, 0)
// would produce, without building the record, for callers deciding whether
// a tuple fits on a page before committing to the write.
func ConvertedSizeComp(index *IndexDesc, tuple *Tuple) (int, error) {
	rec, err := ConvertComp(index, tuple, 0)
	if err != nil {
		return 0, err
	}
	return len(rec), nil
}

// ConvertedSizeCompPrefix returns the physical size of a node-pointer
// record built from only the first nFields fields of tuple (InnoDB node
// pointers store the child's key prefix plus a 4-byte page number field,
// modeled here by the caller appending that field to the tuple before
// calling ConvertComp; this helper just narrows to the prefix tuple size).
func ConvertedSizeCompPrefix(index *IndexDesc, tuple *Tuple, nFields int) (int, error) {
	if nFields > len(tuple.Fields) {
		nFields = len(tuple.Fields)
	}
	prefixIndex := &IndexDesc{Fields: index.Fields[:nFields], IsComp: index.IsComp}
	prefixTuple := &Tuple{Fields: tuple.Fields[:nFields], NFieldsCmp: nFields}
	return ConvertedSizeComp(prefixIndex, prefixTuple)
}
