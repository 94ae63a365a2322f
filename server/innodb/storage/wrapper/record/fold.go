package record

import "github.com/OneOfOne/xxhash"

// Fold computes a deterministic hash of a record's leading nFields fields
// plus an additional nBytes of the following field, salted by treeID. It
// backs the adaptive hash index's bucket key (computed by both the ahi and
// btree packages), and must be invariant under any physical move that
// preserves the underlying key bytes.
//
// xxhash is used rather than crc32/fnv because it is the only hashing
// dependency already present in this module's stack, and its speed on
// short key prefixes matters on the guess_on_hash hot path.
func Fold(rec []byte, offsets []FieldOffset, nFields int, nBytes uint32, treeID uint64) uint64 {
	h := xxhash.New64()

	var seed [8]byte
	putUint64(seed[:], treeID)
	h.Write(seed[:])

	if nFields > len(offsets) {
		nFields = len(offsets)
	}
	for i := 0; i < nFields; i++ {
		o := offsets[i]
		if o.IsNull() {
			h.Write([]byte{0})
			continue
		}
		h.Write(rec[o.Start : o.Start+o.Len])
	}

	if nBytes > 0 && nFields < len(offsets) {
		o := offsets[nFields]
		if !o.IsNull() {
			end := o.Start + o.Len
			if o.Start+nBytes < end {
				end = o.Start + nBytes
			}
			h.Write(rec[o.Start:end])
		}
	}

	return h.Sum64()
}

// FoldTuple folds a logical tuple's prefix exactly the way Fold folds the
// matching physical record's bytes, so a query key can be hashed to the
// same bucket as the record it should land on.
func FoldTuple(tuple *Tuple, nFields int, nBytes uint32, treeID uint64) uint64 {
	h := xxhash.New64()

	var seed [8]byte
	putUint64(seed[:], treeID)
	h.Write(seed[:])

	if nFields > len(tuple.Fields) {
		nFields = len(tuple.Fields)
	}
	for i := 0; i < nFields; i++ {
		f := tuple.Fields[i]
		if f.Null {
			h.Write([]byte{0})
			continue
		}
		h.Write(f.Data)
	}

	if nBytes > 0 && nFields < len(tuple.Fields) {
		f := tuple.Fields[nFields]
		if !f.Null {
			end := nBytes
			if end > uint32(len(f.Data)) {
				end = uint32(len(f.Data))
			}
			h.Write(f.Data[:end])
		}
	}

	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

// CopyPrefixToBuf copies the physical bytes of the first nFields fields of
// rec (as located by offsets) into a freshly allocated buffer, used by the
// persistent cursor to remember "the last record seen" across an MTR
// boundary without holding a page latch.
func CopyPrefixToBuf(rec []byte, offsets []FieldOffset, nFields int) []byte {
	if nFields > len(offsets) {
		nFields = len(offsets)
	}
	var buf []byte
	for i := 0; i < nFields; i++ {
		o := offsets[i]
		if o.IsNull() {
			continue
		}
		buf = append(buf, rec[o.Start:o.Start+o.Len]...)
	}
	return buf
}

// CopyPrefixToDTuple builds a logical Tuple out of the first nFields fields
// of rec, used by big-record conversion and persistent-cursor restoration
// when a physical record must be turned back into a comparable logical key.
func CopyPrefixToDTuple(rec []byte, offsets []FieldOffset, index *IndexDesc, nFields int) *Tuple {
	if nFields > len(offsets) {
		nFields = len(offsets)
	}
	fields := make([]Field, nFields)
	for i := 0; i < nFields; i++ {
		o := offsets[i]
		fd := index.Fields[i]
		if o.IsNull() {
			fields[i] = Field{Type: fd.Type, Null: true}
			continue
		}
		data := make([]byte, o.Len)
		copy(data, rec[o.Start:o.Start+o.Len])
		fields[i] = Field{Type: fd.Type, Data: data, Ext: o.Ext}
	}
	return &Tuple{Fields: fields, NFieldsCmp: nFields}
}
