package page

import (
	"encoding/binary"

	"github.com/go-innodb/btreestore/server/common"
	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/pingcap/errors"
)

// Fixed offsets within an uncompressed index page, matching the layout
// server/common's size constants already name: FIL header, then the
// 56-byte index (page) header, then the 13-byte infimum and supremum
// system records, then the user-record heap, with the directory growing
// downward from just above the 8-byte FIL trailer.
const (
	sysHeaderStart = common.PAGE_FILE_HEADER_SIZE + common.PAGE_PAGE_HEADER_SIZE
	// InfimumOffset and SupremumOffset are record *origins*: the header
	// function always reads the CompactHeaderSize bytes immediately
	// preceding its argument, so a system record's header occupies
	// [origin-CompactHeaderSize, origin) just like a user record's.
	InfimumOffset  = sysHeaderStart + record.CompactHeaderSize
	SupremumOffset = InfimumOffset + 8 + record.CompactHeaderSize
	HeapTopInitial = SupremumOffset + 8
)

// SearchMode is the page cursor's comparison mode, remapped by the tree
// cursor on non-leaf levels.
type SearchMode int

const (
	ModeL SearchMode = iota
	ModeLE
	ModeG
	ModeGE
)

// Cursor is a lightweight {page, rec} pair: a position within a single
// index page, expressed as the record's origin offset into Page.Buf.
type Cursor struct {
	Page *IndexPage
	Rec  uint16 // origin offset; InfimumOffset/SupremumOffset for sentinels
}

// IndexPage is the minimal byte-buffer view the page cursor, compressed-
// page engine, and tree cursor all operate on: a single page's raw bytes
// plus the schema needed to walk its records.
type IndexPage struct {
	Buf        []byte
	Index      *record.IndexDesc
	SpaceID    uint32
	PageNo     uint32
	trailerLen int
	// extraLens remembers, per record origin, how many bytes precede it
	// (NULL bitmap + variable headers + fixed header); that length varies
	// per record once NULL fields are involved and can't be recovered
	// from the index schema alone.
	extraLens map[uint16]int
}

// NewIndexPage wraps buf (which must already be sized to the page's full
// on-disk length, FIL header through trailer) as a fresh, empty leaf.
func NewIndexPage(buf []byte, index *record.IndexDesc, spaceID, pageNo uint32) *IndexPage {
	p := &IndexPage{Buf: buf, Index: index, SpaceID: spaceID, PageNo: pageNo, trailerLen: common.PAGE_FILE_TRAILER_SIZE}
	p.initSysRecords()
	return p
}

// WrapIndexPage adopts an already-initialized buffer (loaded from storage)
// without touching its contents, unlike NewIndexPage which always creates
// a fresh empty page. The tree cursor uses this to re-attach schema and
// identity to a page it fetched from its page store.
func WrapIndexPage(buf []byte, index *record.IndexDesc, spaceID, pageNo uint32) *IndexPage {
	return &IndexPage{Buf: buf, Index: index, SpaceID: spaceID, PageNo: pageNo, trailerLen: common.PAGE_FILE_TRAILER_SIZE}
}

// PeekLevel reads a page's tree level directly out of a raw buffer,
// without needing the index schema WrapIndexPage otherwise requires; a
// page store consults this to decide which of a tree's two record
// schemas (leaf vs internal) to hand WrapIndexPage.
func PeekLevel(buf []byte) uint16 {
	base := common.PAGE_FILE_HEADER_SIZE
	return binary.BigEndian.Uint16(buf[base+18 : base+20])
}

func (p *IndexPage) initSysRecords() {
	p.header(InfimumOffset).SetNextOffset(int16(SupremumOffset - InfimumOffset))
	p.header(SupremumOffset).SetNextOffset(0)
	copy(p.Buf[InfimumOffset:InfimumOffset+8], []byte("infimum\x00"))
	copy(p.Buf[SupremumOffset:SupremumOffset+8], []byte("supremum"))
	p.SetHeapTop(HeapTopInitial)
	p.SetNHeap(2)
	p.SetNRecs(0)
	p.SetFree(0)
	p.SetNDirSlots(2)
	dir := p.directory()
	dir.SetSlot(0, SupremumOffset)
	dir.SetSlot(1, InfimumOffset)
}

// header-field accessors over the fixed 56-byte index header immediately
// after the FIL header; Cursor only needs a handful of its fields.
func (p *IndexPage) headerField(off int) []byte {
	base := common.PAGE_FILE_HEADER_SIZE
	return p.Buf[base+off : base+off+2]
}

func (p *IndexPage) SetNDirSlots(n uint16) { binary.BigEndian.PutUint16(p.headerField(0), n) }
func (p *IndexPage) NDirSlots() uint16     { return binary.BigEndian.Uint16(p.headerField(0)) }
func (p *IndexPage) SetHeapTop(v uint16)   { binary.BigEndian.PutUint16(p.headerField(2), v) }
func (p *IndexPage) HeapTop() uint16       { return binary.BigEndian.Uint16(p.headerField(2)) }
func (p *IndexPage) SetNHeap(v uint16)     { binary.BigEndian.PutUint16(p.headerField(4), v) }
func (p *IndexPage) NHeap() uint16         { return binary.BigEndian.Uint16(p.headerField(4)) }
func (p *IndexPage) SetFree(v uint16)      { binary.BigEndian.PutUint16(p.headerField(6), v) }
func (p *IndexPage) Free() uint16          { return binary.BigEndian.Uint16(p.headerField(6)) }
func (p *IndexPage) SetGarbage(v uint16)   { binary.BigEndian.PutUint16(p.headerField(8), v) }
func (p *IndexPage) Garbage() uint16       { return binary.BigEndian.Uint16(p.headerField(8)) }
func (p *IndexPage) SetNRecs(v uint16)     { binary.BigEndian.PutUint16(p.headerField(16), v) }
func (p *IndexPage) NRecs() uint16         { return binary.BigEndian.Uint16(p.headerField(16)) }
func (p *IndexPage) SetDirection(v uint16) { binary.BigEndian.PutUint16(p.headerField(10), v) }
func (p *IndexPage) Direction() uint16     { return binary.BigEndian.Uint16(p.headerField(10)) }
func (p *IndexPage) SetNDirection(v uint16) { binary.BigEndian.PutUint16(p.headerField(12), v) }
func (p *IndexPage) NDirection() uint16     { return binary.BigEndian.Uint16(p.headerField(12)) }

// Level is the B+-tree level this page sits at (0 for a leaf), the tree
// cursor's primary means of telling a leaf page from an internal one
// without inspecting record contents.
func (p *IndexPage) SetLevel(v uint16) { binary.BigEndian.PutUint16(p.headerField(18), v) }
func (p *IndexPage) Level() uint16     { return binary.BigEndian.Uint16(p.headerField(18)) }

// PrevPageNo/NextPageNo link a page to its left/right siblings at the same
// level, the doubly-linked leaf-level chain the persistent cursor walks
// and the tree cursor consults when a search or delete needs a neighbor.
func (p *IndexPage) SetPrevPageNo(v uint32) { binary.BigEndian.PutUint32(p.Buf[38+20:38+24], v) }
func (p *IndexPage) PrevPageNo() uint32     { return binary.BigEndian.Uint32(p.Buf[38+20 : 38+24]) }
func (p *IndexPage) SetNextPageNo(v uint32) { binary.BigEndian.PutUint32(p.Buf[38+24:38+28], v) }
func (p *IndexPage) NextPageNo() uint32     { return binary.BigEndian.Uint32(p.Buf[38+24 : 38+28]) }

func (p *IndexPage) directory() *Directory {
	end := len(p.Buf) - p.trailerLen
	start := end - int(p.NDirSlots())*DirSlotSize
	if int(p.NDirSlots()) == 0 {
		start = end
	}
	d := NewDirectory(p.Buf[start:end])
	d.n = int(p.NDirSlots())
	return d
}

func (p *IndexPage) freeSpace() int {
	dirBytes := int(p.NDirSlots()) * DirSlotSize
	return len(p.Buf) - p.trailerLen - dirBytes - int(p.HeapTop())
}

func (p *IndexPage) header(rec uint16) *record.CompactHeader {
	return record.NewCompactHeader(p.Buf[rec-record.CompactHeaderSize : rec])
}

// NextRec returns the origin offset of the record following rec, or
// SupremumOffset's counterpart when rec is the last user record.
func (p *IndexPage) NextRec(rec uint16) uint16 {
	delta := p.header(rec).NextOffset()
	return uint16(int32(rec) + int32(delta))
}

func (p *IndexPage) setNextRec(rec, next uint16) {
	p.header(rec).SetNextOffset(int16(int32(next) - int32(rec)))
}

// Position creates a cursor at the given record origin.
func (p *IndexPage) Position(rec uint16) Cursor { return Cursor{Page: p, Rec: rec} }

// First returns a cursor positioned "before first": at infimum.
func (p *IndexPage) First() Cursor { return Cursor{Page: p, Rec: InfimumOffset} }

// Next advances the cursor to the following record (possibly supremum).
func (c Cursor) Next() Cursor { return Cursor{Page: c.Page, Rec: c.Page.NextRec(c.Rec)} }

func (c Cursor) IsInfimum() bool  { return c.Rec == InfimumOffset }
func (c Cursor) IsSupremum() bool { return c.Rec == SupremumOffset }

// Search performs a binary search over the page directory followed by a
// linear walk within the owning slot's group. It returns the cursor
// landing position and the match depth accumulated against both
// neighbors, in fields and in bytes of a partial field.
func (p *IndexPage) Search(tuple *record.Tuple, mode SearchMode) (cur Cursor, up, low record.MatchResult) {
	dir := p.directory()
	// Directory slots are stored supremum-first, infimum last. Binary
	// search for the first slot whose record is >= tuple. growDirectorySlot
	// adds slots next to infimum whatever their key, so the slot found is
	// only a hint: it is checked below before the walk starts from it.
	lo, hi := 0, dir.Len()-1
	for lo < hi {
		mid := (lo + hi) / 2
		recOff := dir.Slot(mid)
		if recOff == InfimumOffset {
			hi = mid
			continue
		}
		if recOff != SupremumOffset && p.header(recOff).IsMinRec() {
			lo = mid + 1
			continue
		}
		offs, err := p.Offsets(recOff)
		if err != nil {
			hi = mid
			continue
		}
		cmp, _ := record.CompareTupleRec(tuple, p.Buf, offs, record.MatchResult{})
		if cmp <= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	// Walk forward from the slot one back to find the exact landing
	// record. That slot's record is used as the start only when it sorts
	// strictly below tuple; otherwise the walk starts at infimum.
	walkFrom := uint16(InfimumOffset)
	if lo+1 < dir.Len() {
		walkFrom = dir.Slot(lo + 1)
	}
	if walkFrom != InfimumOffset && !p.header(walkFrom).IsMinRec() {
		offs, err := p.Offsets(walkFrom)
		if err != nil {
			walkFrom = InfimumOffset
		} else if cmp, _ := record.CompareTupleRec(tuple, p.Buf, offs, record.MatchResult{}); cmp <= 0 {
			walkFrom = InfimumOffset
		}
	}

	rec := walkFrom
	for {
		next := p.NextRec(rec)
		if next == SupremumOffset {
			low = up
			if mode == ModeL || mode == ModeLE {
				return p.Position(rec), up, low
			}
			return p.Position(next), up, low
		}
		var cmp int
		var m record.MatchResult
		if p.header(next).IsMinRec() {
			// A MIN_REC-flagged record compares below every tuple without
			// its key bytes being read.
			cmp, m = 1, up
		} else {
			offs, err := p.Offsets(next)
			if err != nil {
				low = up
				return p.Position(next), up, low
			}
			cmp, m = record.CompareTupleRec(tuple, p.Buf, offs, up)
		}

		switch mode {
		case ModeGE, ModeG:
			if cmp < 0 || (cmp == 0 && mode == ModeGE) {
				return p.Position(next), m, m
			}
		default: // ModeL, ModeLE
			if cmp < 0 {
				return p.Position(rec), up, m
			}
			if cmp == 0 {
				if mode == ModeLE {
					return p.Position(next), m, m
				}
				return p.Position(rec), up, m
			}
		}
		up = m
		rec = next
	}
}

func (p *IndexPage) offsetsAt(rec uint16) ([]record.FieldOffset, error) {
	if rec == InfimumOffset || rec == SupremumOffset {
		return nil, errors.New("page: cannot compute field offsets of a system record")
	}
	start := int(rec) - p.extraLen(rec)
	return record.OffsetsComp(p.Buf[start:], p.Index, record.ULINTUndefined)
}

// Offsets returns offsetsAt's table with each Start shifted from the
// record's extra start to a page offset, so callers (Search, the tree
// cursor, persistent cursor) can index Page.Buf with it directly without
// reaching into page-internal layout.
func (p *IndexPage) Offsets(rec uint16) ([]record.FieldOffset, error) {
	offs, err := p.offsetsAt(rec)
	if err != nil {
		return nil, err
	}
	start := uint32(int(rec) - p.extraLen(rec))
	for i := range offs {
		offs[i].Start += start
	}
	return offs, nil
}

// extraLen recovers how many bytes precede rec's origin (NULL bitmap +
// variable headers + fixed header), needed because OffsetsComp expects
// the full extra-plus-body slice, not just the body starting at origin.
// The page cursor memoizes it alongside each record it writes; for a page
// re-wrapped from raw storage bytes the length is recovered by finding
// the candidate whose parse is self-consistent (the origin OffsetsComp
// derives from the bytes equals the candidate itself), which is unique
// for any well-formed record.
func (p *IndexPage) extraLen(rec uint16) int {
	if l, ok := p.extraLens[rec]; ok {
		return l
	}
	min := record.CompactHeaderSize + p.Index.NullBitmapSize()
	max := min + 2*p.Index.NFields()
	for cand := min; cand <= max; cand++ {
		start := int(rec) - cand
		if start < 0 {
			break
		}
		offs, err := record.OffsetsComp(p.Buf[start:], p.Index, record.ULINTUndefined)
		if err != nil {
			continue
		}
		var origin int
		if len(offs) > 0 {
			origin = int(offs[0].Start)
		} else {
			origin = min
		}
		if origin == cand {
			if p.extraLens == nil {
				p.extraLens = map[uint16]int{}
			}
			p.extraLens[rec] = cand
			return cand
		}
	}
	return min
}

// Insert writes tuple's physical encoding at the heap top, splices it
// into the next-rec chain after cur, and updates the directory, logging a
// COMP_REC_INSERT. Records on the free list are not reused: their bytes
// stay counted in Garbage and the heap top only moves up.
// It returns the new record's origin offset, or ok=false if the tuple
// does not fit (the page is left byte-for-byte unchanged on failure).
func (p *IndexPage) Insert(cur Cursor, tuple *record.Tuple, m *mtr.Mtr) (rec uint16, ok bool) {
	body, err := record.ConvertComp(p.Index, tuple, 0)
	if err != nil {
		return 0, false
	}
	extraLen := len(body) - bodyDataLen(p.Index, tuple)
	if extraLen < 0 {
		extraLen = record.CompactHeaderSize + p.Index.NullBitmapSize()
	}

	if p.freeSpace() < len(body)+DirSlotSize {
		return 0, false
	}

	writeAt := int(p.HeapTop())
	if writeAt+len(body) > len(p.Buf)-p.trailerLen {
		return 0, false
	}
	copy(p.Buf[writeAt:], body)
	origin := uint16(writeAt + extraLen)

	if p.extraLens == nil {
		p.extraLens = map[uint16]int{}
	}
	p.extraLens[origin] = extraLen

	next := p.NextRec(cur.Rec)
	p.setNextRec(cur.Rec, origin)
	p.setNextRec(origin, next)

	p.SetHeapTop(uint16(writeAt + len(body)))
	p.header(origin).SetHeapNo(p.NHeap())
	p.SetNHeap(p.NHeap() + 1)
	p.SetNRecs(p.NRecs() + 1)
	p.growDirectorySlot(origin)
	p.trackInsertDirection(cur, origin)

	if m != nil {
		typ := mtr.TypeCompRecInsert
		if !p.Index.IsComp {
			typ = mtr.TypeRecInsert
		}
		// Physical logging: the record's final bytes (its header now holds
		// the spliced next link), the predecessor's rewritten header, the
		// index header fields, and the directory, so replay reproduces the
		// page byte-for-byte.
		m.LogWrite(typ, p.SpaceID, p.PageNo, uint16(writeAt), p.Buf[writeAt:writeAt+len(body)])
		m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, cur.Rec-record.CompactHeaderSize,
			p.Buf[cur.Rec-record.CompactHeaderSize:cur.Rec])
		p.logHeaderAndDirectory(m)
	}

	return origin, true
}

// logHeaderAndDirectory appends WRITE_STRING records covering the index
// header fields and the page directory, the shared tail of every
// structural page mutation's redo.
func (p *IndexPage) logHeaderAndDirectory(m *mtr.Mtr) {
	base := common.PAGE_FILE_HEADER_SIZE
	m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, uint16(base), p.Buf[base:base+20])
	end := len(p.Buf) - p.trailerLen
	start := end - int(p.NDirSlots())*DirSlotSize
	m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, uint16(start), p.Buf[start:end])
}

func bodyDataLen(index *record.IndexDesc, tuple *record.Tuple) int {
	n := 0
	for i, f := range tuple.Fields {
		if f.Null {
			continue
		}
		_ = index.Fields[i]
		n += len(f.Data)
	}
	return n
}

func (p *IndexPage) growDirectorySlot(rec uint16) {
	// Simplified slot management: a fresh slot naming rec is added next
	// to infimum for every DirSlotMinOwned records, whatever rec's key, so
	// slots are not kept in key order and none is ever split or coalesced
	// (DirSlotMaxOwned is not consulted). Search checks a slot's record
	// before walking from it, and Delete drops a slot naming the record
	// it removes.
	if p.NRecs()%DirSlotMinOwned != 0 {
		return
	}
	oldN := int(p.NDirSlots())
	// Grow the header's slot count first so directory() hands back a
	// buffer already sized for oldN+1 slots (the Insert caller's
	// freeSpace check already reserved this room); the new slot's
	// contents are overwritten by InsertSlot immediately below.
	p.SetNDirSlots(uint16(oldN + 1))
	dir := p.directory()
	dir.n = oldN
	dir.InsertSlot(oldN-1, rec)
}

// Delete removes the record at rec from the next-rec chain, joins the
// page free list, drops the directory slot naming rec if there is one,
// and logs a COMP_REC_DELETE. prev must be the record immediately
// preceding rec in chain order.
func (p *IndexPage) Delete(prev, rec uint16, m *mtr.Mtr) {
	if total, err := p.recTotalLen(rec); err == nil {
		p.SetGarbage(p.Garbage() + uint16(total))
	}

	next := p.NextRec(rec)
	p.setNextRec(prev, next)

	oldFree := p.Free()
	p.header(rec).SetNextOffset(int16(int32(oldFree) - int32(rec)))
	p.SetFree(rec)

	dir := p.directory()
	for i := 1; i < dir.Len()-1; i++ {
		if dir.Slot(i) == rec {
			dir.RemoveSlot(i)
			p.SetNDirSlots(uint16(dir.Len()))
			break
		}
	}

	p.SetNHeap(p.NHeap())
	if p.NRecs() > 0 {
		p.SetNRecs(p.NRecs() - 1)
	}
	p.SetLastInsert(0)
	p.SetDirection(PageDirNone)
	p.SetNDirection(0)

	if m != nil {
		typ := mtr.TypeCompRecDelete
		if !p.Index.IsComp {
			typ = mtr.TypeRecDelete
		}
		m.LogDelete(typ, p.SpaceID, p.PageNo, rec-record.CompactHeaderSize,
			p.Buf[rec-record.CompactHeaderSize:rec])
		m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, prev-record.CompactHeaderSize,
			p.Buf[prev-record.CompactHeaderSize:prev])
		p.logHeaderAndDirectory(m)
	}
}
