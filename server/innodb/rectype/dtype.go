// Package rectype packs and unpacks the logical type metadata that rides
// alongside every field of a dtuple (InnoDB's dtype_t), independent of the
// physical REDUNDANT/COMPACT encoding in package record. A dtype never
// appears on disk by itself; its mbminlen/mbmaxlen and extern-eligibility
// derivations feed the record codec's offsets()/converted_size() and the
// big-record package's field-savings comparisons.
package rectype

import "github.com/shopspring/decimal"

// Mtype is InnoDB's "main type", the coarse storage category of a field.
type Mtype uint8

const (
	DataVarchar Mtype = iota + 1
	DataChar
	DataFixbinary
	DataBinary
	DataBlob
	DataInt
	DataSysChild
	DataSys
	DataFloat
	DataDouble
	DataDecimal
	DataVarMySQL
	DataMySQL
)

// Prtype bits, packed into the precise type field the way dict_field_t
// does: the low byte is unused, the rest are single-bit flags plus a
// 6-bit character-set id in the low bits of the upper half.
const (
	PrtypeNotNull  uint32 = 1 << 8
	PrtypeUnsigned uint32 = 1 << 9
	PrtypeBinary   uint32 = 1 << 10
	PrtypeLong     uint32 = 1 << 11 // fully-indexed BLOB/TEXT column
)

// DType is the Go analogue of dtype_t: {mtype, prtype, len, mbminlen,
// mbmaxlen}. mbminlen/mbmaxlen are bytes-per-character bounds for
// multi-byte charsets (1 for binary/latin1, up to 4 for utf8mb4); a field's
// maximum physical length is len * mbmaxlen / mbminlen for variable-width
// charsets wrapping a fixed logical length.
type DType struct {
	Mtype    Mtype
	Prtype   uint32
	Len      uint16
	MbMinLen uint8
	MbMaxLen uint8
}

// IsNullable reports whether a field of this type may hold SQL NULL.
func (t DType) IsNullable() bool {
	return t.Prtype&PrtypeNotNull == 0
}

// IsFixedLength reports whether every value of this type occupies exactly
// Len bytes on the page (REDUNDANT's fixed-vs-variable offset table split,
// and COMPACT's decision to omit a length header, both key off this).
func (t DType) IsFixedLength() bool {
	switch t.Mtype {
	case DataChar, DataFixbinary, DataInt, DataSysChild, DataSys, DataFloat, DataDouble:
		return true
	default:
		return t.MbMinLen == t.MbMaxLen && t.Mtype != DataBlob && t.Mtype != DataVarchar && t.Mtype != DataVarMySQL
	}
}

// MaxPhysicalLen returns the largest number of bytes a value of this type
// can occupy, accounting for multi-byte character set expansion.
func (t DType) MaxPhysicalLen() uint32 {
	if t.MbMinLen == 0 || t.MbMinLen == t.MbMaxLen {
		return uint32(t.Len)
	}
	return uint32(t.Len) * uint32(t.MbMaxLen) / uint32(t.MbMinLen)
}

// IsBlobLike reports whether a field of this type is a candidate for
// external (big-record) storage: plain BLOB/TEXT mtypes are always
// candidates, everything else only if its max physical length exceeds
// the carve-out threshold (non-BLOB fields capped at 255 bytes or less
// never move external).
func (t DType) IsBlobLike(carveOutThreshold uint32) bool {
	if t.Mtype == DataBlob {
		return true
	}
	return t.MaxPhysicalLen() > carveOutThreshold
}

// Decimal wraps a DATA_DECIMAL field's logical value. InnoDB stores
// DECIMAL columns as a packed binary-coded-decimal on disk; this wrapper
// is the logical, exact-arithmetic surface offered by convert()/offsets()
// callers (diagnostics, the AHI's field-level comparisons) that must not
// round-trip through float64.
type Decimal struct {
	Value decimal.Decimal
}

// NewDecimalFromBCD is a placeholder conversion point: the binary-coded
// decimal unpacking itself belongs to the record codec (it depends on
// field byte layout), this just names the logical result type that codec
// produces for DATA_DECIMAL fields.
func NewDecimalFromBCD(v decimal.Decimal) Decimal {
	return Decimal{Value: v}
}

func (d Decimal) String() string {
	return d.Value.String()
}
