package record

import "encoding/binary"

// RecStatus is the 3-bit status field of a COMPACT record's extra header.
type RecStatus uint8

const (
	StatusOrdinary RecStatus = iota
	StatusNodePtr
	StatusInfimum
	StatusSupremum
)

// Info bits packed into the high nibble of the header's first byte.
const (
	InfoBitDeleted uint8 = 1 << 3
	InfoBitMinRec  uint8 = 1 << 2
	// the low two bits of the nibble are reserved in the on-disk layout.
)

// CompactHeaderSize is the fixed size in bytes of a COMPACT record's extra
// header, immediately preceding the record's first data byte (the origin).
const CompactHeaderSize = 5

// CompactHeader is the 5-byte fixed header every COMPACT record carries,
// immediately before its origin. Layout (matching the accessor style used
// throughout storage/wrapper/page):
//
//	byte 0:      info_bits (high nibble) | n_owned (low nibble)
//	bytes 1-2:   heap_no (13 bits) << 3 | status (3 bits)
//	bytes 3-4:   next_rec, a signed 16-bit offset relative to this
//	             record's origin (0 means "no next record")
type CompactHeader struct {
	raw []byte // CompactHeaderSize bytes, shared with the page buffer
}

// NewCompactHeader wraps an existing 5-byte slice taken from a page buffer
// (the header lives just before a record's origin, so callers slice it out
// of the page rather than allocating a fresh copy).
func NewCompactHeader(raw []byte) *CompactHeader {
	return &CompactHeader{raw: raw}
}

// ZeroCompactHeader allocates a fresh, zeroed header for a record not yet
// placed on a page.
func ZeroCompactHeader() *CompactHeader {
	return &CompactHeader{raw: make([]byte, CompactHeaderSize)}
}

func (h *CompactHeader) Bytes() []byte { return h.raw }

func (h *CompactHeader) InfoBits() uint8 { return h.raw[0] >> 4 }

func (h *CompactHeader) SetInfoBits(bits uint8) {
	h.raw[0] = (bits << 4) | (h.raw[0] & 0x0F)
}

func (h *CompactHeader) IsDeleted() bool { return h.InfoBits()&InfoBitDeleted != 0 }

func (h *CompactHeader) SetDeleted(v bool) {
	bits := h.InfoBits()
	if v {
		bits |= InfoBitDeleted
	} else {
		bits &^= InfoBitDeleted
	}
	h.SetInfoBits(bits)
}

func (h *CompactHeader) IsMinRec() bool { return h.InfoBits()&InfoBitMinRec != 0 }

func (h *CompactHeader) SetMinRec(v bool) {
	bits := h.InfoBits()
	if v {
		bits |= InfoBitMinRec
	} else {
		bits &^= InfoBitMinRec
	}
	h.SetInfoBits(bits)
}

func (h *CompactHeader) NOwned() uint8 { return h.raw[0] & 0x0F }

func (h *CompactHeader) SetNOwned(n uint8) {
	h.raw[0] = (h.raw[0] & 0xF0) | (n & 0x0F)
}

func (h *CompactHeader) heapAndStatus() uint16 {
	return binary.BigEndian.Uint16(h.raw[1:3])
}

func (h *CompactHeader) HeapNo() uint16 { return h.heapAndStatus() >> 3 }

func (h *CompactHeader) Status() RecStatus { return RecStatus(h.heapAndStatus() & 0x7) }

func (h *CompactHeader) SetHeapNo(heapNo uint16) {
	v := (heapNo << 3) | uint16(h.Status())
	binary.BigEndian.PutUint16(h.raw[1:3], v)
}

func (h *CompactHeader) SetStatus(s RecStatus) {
	v := (h.HeapNo() << 3) | uint16(s)
	binary.BigEndian.PutUint16(h.raw[1:3], v)
}

// NextOffset returns the signed offset of the next record relative to this
// record's origin, or 0 for "no next record" (only supremum legitimately
// has no next record in a well-formed page).
func (h *CompactHeader) NextOffset() int16 {
	return int16(binary.BigEndian.Uint16(h.raw[3:5]))
}

func (h *CompactHeader) SetNextOffset(off int16) {
	binary.BigEndian.PutUint16(h.raw[3:5], uint16(off))
}
