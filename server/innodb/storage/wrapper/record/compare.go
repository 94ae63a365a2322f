package record

import "bytes"

// MatchResult reports how many leading fields and bytes of a partial-field
// match two compared keys share, the granularity page cursor search needs
// to avoid re-comparing bytes it has already established equal.
type MatchResult struct {
	Fields int
	Bytes  uint32
}

// CompareTupleRec compares a logical tuple's comparison prefix against a
// physical record's first len(tuple.Fields up to NFieldsCmp) fields,
// returning -1/0/1 plus the match accumulated so far (added to prior).
func CompareTupleRec(tuple *Tuple, rec []byte, offsets []FieldOffset, prior MatchResult) (int, MatchResult) {
	match := prior
	n := tuple.NFieldsCmp
	if n > len(offsets) {
		n = len(offsets)
	}

	for i := match.Fields; i < n; i++ {
		tf := tuple.Fields[i]
		of := offsets[i]

		if tf.Null && of.IsNull() {
			match.Fields++
			match.Bytes = 0
			continue
		}
		if tf.Null {
			return -1, match // NULL sorts low
		}
		if of.IsNull() {
			return 1, match
		}

		recBytes := rec[of.Start : of.Start+of.Len]
		cmp, common := compareBytesCommon(tf.Data, recBytes)
		match.Bytes = uint32(common)
		if cmp != 0 {
			return cmp, match
		}
		match.Fields++
		match.Bytes = 0
	}

	switch {
	case len(tuple.Fields) > n:
		return 1, match
	default:
		return 0, match
	}
}

// compareBytesCommon returns bytes.Compare's result plus the number of
// leading bytes the two slices share, used to populate {up,low}_bytes for
// the page cursor's binary search.
func compareBytesCommon(a, b []byte) (int, int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	common := 0
	for common < n && a[common] == b[common] {
		common++
	}
	return bytes.Compare(a, b), common
}
