package record

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// RedundantHeaderSize is the fixed header of a REDUNDANT record,
// immediately before the origin: {info_bits|n_owned : 1}{heap_no(13) |
// short_flag(1) : 2}{n_fields : 1}{next_offset : 2}. The short flag says
// whether the offset table preceding the header uses one byte per field
// or two.
const RedundantHeaderSize = 6

// Offset-table flag bits. In the two-byte form the top bit marks SQL
// NULL and the next bit extern storage; the one-byte form (usable only
// when every field end fits seven bits) has just the NULL bit.
const (
	redNull2 = 0x8000
	redExt2  = 0x4000
	redMask2 = 0x3FFF
	redNull1 = 0x80
	redMask1 = 0x7F
)

// ConvertRed builds a REDUNDANT physical record from a logical tuple:
// the per-field end-offset table (stored in reverse field order before
// the fixed header), the header, then the field data. As with
// ConvertComp, the returned slice starts at the extra area and the
// origin sits entrySize*nFields + RedundantHeaderSize bytes in, where
// entrySize is 1 or 2 bytes per field.
func ConvertRed(index *IndexDesc, tuple *Tuple) ([]byte, error) {
	if len(tuple.Fields) > RecMaxNFields {
		return nil, errors.Trace(ErrTooManyFields)
	}
	if len(tuple.Fields) != index.NFields() {
		return nil, errors.Annotatef(ErrFormatMismatch, "tuple has %d fields, index declares %d", len(tuple.Fields), index.NFields())
	}

	var body []byte
	type entry struct {
		end  uint32
		null bool
		ext  bool
	}
	ends := make([]entry, len(tuple.Fields))
	for i, f := range tuple.Fields {
		if !f.Null {
			body = append(body, f.Data...)
		}
		ends[i] = entry{end: uint32(len(body)), null: f.Null, ext: f.Ext}
	}

	short := len(body) <= redMask1
	for _, e := range ends {
		if short && e.ext {
			// the one-byte form has no extern bit
			short = false
		}
	}

	entrySize := 2
	if short {
		entrySize = 1
	}
	extra := make([]byte, entrySize*len(ends)+RedundantHeaderSize)

	// Offset table, reverse field order: the entry nearest the header
	// describes field 0.
	for i, e := range ends {
		pos := entrySize * (len(ends) - 1 - i)
		if short {
			v := byte(e.end)
			if e.null {
				v |= redNull1
			}
			extra[pos] = v
		} else {
			v := uint16(e.end)
			if e.null {
				v |= redNull2
			}
			if e.ext {
				v |= redExt2
			}
			binary.BigEndian.PutUint16(extra[pos:pos+2], v)
		}
	}

	hdr := extra[entrySize*len(ends):]
	var heapAndFlag uint16
	if short {
		heapAndFlag = 1
	}
	binary.BigEndian.PutUint16(hdr[1:3], heapAndFlag)
	hdr[3] = byte(len(ends))

	return append(extra, body...), nil
}

// OffsetsRed computes the field offsets of a REDUNDANT record in one
// pass over its offset table. rec must be the full extra-plus-body slice
// ConvertRed produced.
func OffsetsRed(rec []byte, index *IndexDesc, nFields uint32) ([]FieldOffset, error) {
	if nFields == ULINTUndefined {
		nFields = uint32(index.NFields())
	}
	if int(nFields) > index.NFields() {
		return nil, errors.Trace(ErrCorruptOffsets)
	}

	n := index.NFields()
	// The header sits after the offset table, whose entry width the
	// header's own short flag records; probe both candidate positions and
	// keep the one whose flag and field count are self-consistent.
	entrySize, hdrPos := 0, 0
	if n+RedundantHeaderSize <= len(rec) &&
		binary.BigEndian.Uint16(rec[n+1:n+3])&1 == 1 && int(rec[n+3]) == n {
		entrySize, hdrPos = 1, n
	} else if 2*n+RedundantHeaderSize <= len(rec) &&
		binary.BigEndian.Uint16(rec[2*n+1:2*n+3])&1 == 0 && int(rec[2*n+3]) == n {
		entrySize, hdrPos = 2, 2*n
	} else {
		return nil, errors.Trace(ErrCorruptOffsets)
	}

	origin := uint32(hdrPos + RedundantHeaderSize)
	offs := make([]FieldOffset, 0, nFields)
	prevEnd := uint32(0)
	for i := 0; i < int(nFields); i++ {
		pos := entrySize * (n - 1 - i)
		var end uint32
		var isNull, isExt bool
		if entrySize == 1 {
			v := rec[pos]
			isNull = v&redNull1 != 0
			end = uint32(v & redMask1)
		} else {
			v := binary.BigEndian.Uint16(rec[pos : pos+2])
			isNull = v&redNull2 != 0
			isExt = v&redExt2 != 0
			end = uint32(v & redMask2)
		}
		if isNull {
			offs = append(offs, FieldOffset{Start: origin + prevEnd, Len: SQLNull})
		} else {
			if end < prevEnd || origin+end > uint32(len(rec)) {
				return nil, errors.Trace(ErrCorruptOffsets)
			}
			offs = append(offs, FieldOffset{Start: origin + prevEnd, Len: end - prevEnd, Ext: isExt})
		}
		prevEnd = end
	}
	return offs, nil
}

// ConvertedSizeRed is the REDUNDANT analogue of ConvertedSizeComp.
func ConvertedSizeRed(index *IndexDesc, tuple *Tuple) (int, error) {
	rec, err := ConvertRed(index, tuple)
	if err != nil {
		return 0, err
	}
	return len(rec), nil
}

// Offsets dispatches on the index's declared format, the single API
// surface both formats share.
func Offsets(rec []byte, index *IndexDesc, nFields uint32) ([]FieldOffset, error) {
	if index.IsComp {
		return OffsetsComp(rec, index, nFields)
	}
	return OffsetsRed(rec, index, nFields)
}

// Convert dispatches on the index's declared format.
func Convert(index *IndexDesc, tuple *Tuple) ([]byte, error) {
	if index.IsComp {
		return ConvertComp(index, tuple, 0)
	}
	return ConvertRed(index, tuple)
}
