package page

import (
	"encoding/binary"

	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/pingcap/errors"
)

// Insert-direction values stored in the page header's direction field.
// A run of NDirection() same-direction inserts biases the tree cursor's
// split-point choice toward the converging side.
const (
	PageDirLeft  uint16 = 1
	PageDirRight uint16 = 2
	PageDirNone  uint16 = 5
)

// LastInsert is the origin offset of the most recently inserted record,
// 0 when unknown (fresh page, or reset by a delete). Together with
// Direction/NDirection it drives the converging-insert detection.
func (p *IndexPage) SetLastInsert(v uint16) { binary.BigEndian.PutUint16(p.headerField(14), v) }
func (p *IndexPage) LastInsert() uint16     { return binary.BigEndian.Uint16(p.headerField(14)) }

// trackInsertDirection updates the direction statistics after a record
// was spliced in at origin, following cur (the record it was inserted
// after).
func (p *IndexPage) trackInsertDirection(cur Cursor, origin uint16) {
	last := p.LastInsert()
	switch {
	case last != 0 && cur.Rec == last:
		if p.Direction() == PageDirRight {
			p.SetNDirection(p.NDirection() + 1)
		} else {
			p.SetDirection(PageDirRight)
			p.SetNDirection(1)
		}
	case last != 0 && p.NextRec(origin) == last:
		if p.Direction() == PageDirLeft {
			p.SetNDirection(p.NDirection() + 1)
		} else {
			p.SetDirection(PageDirLeft)
			p.SetNDirection(1)
		}
	default:
		p.SetDirection(PageDirNone)
		p.SetNDirection(0)
	}
	p.SetLastInsert(origin)
}

// DataSize is the number of heap bytes occupied by live records: the heap
// high-water mark minus the initial system-record area and the garbage
// accumulated by deletes. The tree cursor compares this against
// BTR_CUR_PAGE_COMPRESS_LIMIT when deciding whether a page is a merge
// candidate.
func (p *IndexPage) DataSize() int {
	return int(p.HeapTop()) - HeapTopInitial - int(p.Garbage())
}

// recTotalLen returns the full on-heap footprint of the record at rec
// (extra header bytes plus data payload).
func (p *IndexPage) recTotalLen(rec uint16) (int, error) {
	offs, err := p.offsetsAt(rec)
	if err != nil {
		return 0, err
	}
	// offsetsAt computes offsets relative to the extra's start, so the
	// furthest field end already covers extra+data; an all-NULL record
	// still occupies its extra bytes.
	relEnd := p.extraLen(rec)
	for _, o := range offs {
		if o.IsNull() {
			continue
		}
		if e := int(o.Start + o.Len); e > relEnd {
			relEnd = e
		}
	}
	return relEnd, nil
}

// FreeSpace is the number of bytes still available between the heap top
// and the directory, the room the page cursor's insert admission check
// consults.
func (p *IndexPage) FreeSpace() int { return p.freeSpace() }

// RecTotalLen is the exported form of recTotalLen for collaborators that
// size an update or merge against a record's current footprint.
func (p *IndexPage) RecTotalLen(rec uint16) (int, error) { return p.recTotalLen(rec) }

// IsMinRec reports whether the record at rec carries the MIN_REC info
// bit, the "compare as negative infinity" mark on the leftmost node
// pointer of a non-leftmost internal page.
func (p *IndexPage) IsMinRec(rec uint16) bool {
	if rec == InfimumOffset || rec == SupremumOffset {
		return false
	}
	return p.header(rec).IsMinRec()
}

// SetMinRec sets or clears the MIN_REC info bit on the record at rec and
// logs the header rewrite as a REC_MIN_MARK so replay reproduces the bit.
func (p *IndexPage) SetMinRec(rec uint16, v bool, m *mtr.Mtr) {
	h := p.header(rec)
	h.SetMinRec(v)
	if m != nil {
		typ := mtr.TypeCompRecMinMark
		if !p.Index.IsComp {
			typ = mtr.TypeRecMinMark
		}
		m.LogWrite(typ, p.SpaceID, p.PageNo, rec-record.CompactHeaderSize, h.Bytes())
	}
}

// SetDeleteMark sets or clears the delete mark on the record at rec. A
// delete-marked record still owns its extern fields;
// clearing the mark re-asserts that ownership, which is the caller's
// responsibility to reflect in the extern references themselves.
func (p *IndexPage) SetDeleteMark(rec uint16, v bool, m *mtr.Mtr) {
	h := p.header(rec)
	h.SetDeleted(v)
	if m != nil {
		typ := mtr.TypeRecSecDeleteMark
		if p.Index.Clustered {
			typ = mtr.TypeCompRecClustDeleteMark
			if !p.Index.IsComp {
				typ = mtr.TypeRecClustDeleteMark
			}
		}
		m.LogWrite(typ, p.SpaceID, p.PageNo, rec-record.CompactHeaderSize, h.Bytes())
	}
}

// UpdateInPlace overwrites the record at rec with tuple's encoding,
// permitted only when the new encoding occupies exactly the same number
// of bytes with the same extra-header length (same field set, same
// sizes). The record's fixed header (heap_no, next-rec link, info bits)
// is preserved. Logs a REC_UPDATE_IN_PLACE.
func (p *IndexPage) UpdateInPlace(rec uint16, tuple *record.Tuple, m *mtr.Mtr) error {
	body, err := record.ConvertComp(p.Index, tuple, 0)
	if err != nil {
		return errors.Trace(err)
	}
	oldTotal, err := p.recTotalLen(rec)
	if err != nil {
		return errors.Trace(err)
	}
	extra := p.extraLen(rec)
	origin, err := record.RecOrigin(body, p.Index)
	if err != nil {
		return errors.Trace(err)
	}
	if len(body) != oldTotal || origin != extra {
		return errors.Errorf("page: update in place needs identical sizing (old %d/%d, new %d/%d)",
			oldTotal, extra, len(body), origin)
	}

	start := int(rec) - extra
	var saved [record.CompactHeaderSize]byte
	copy(saved[:], p.Buf[rec-record.CompactHeaderSize:rec])
	copy(p.Buf[start:start+len(body)], body)
	copy(p.Buf[rec-record.CompactHeaderSize:rec], saved[:])

	if m != nil {
		typ := mtr.TypeCompRecUpdateInPlace
		if !p.Index.IsComp {
			typ = mtr.TypeRecUpdateInPlace
		}
		m.LogWrite(typ, p.SpaceID, p.PageNo, uint16(start), p.Buf[start:start+len(body)])
	}
	return nil
}

// SetPrevPageNoLogged and SetNextPageNoLogged update a sibling link and
// log the four header bytes, so replay keeps the level's chain intact.
func (p *IndexPage) SetPrevPageNoLogged(v uint32, m *mtr.Mtr) {
	p.SetPrevPageNo(v)
	if m != nil {
		m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, 38+20, p.Buf[38+20:38+24])
	}
}

func (p *IndexPage) SetNextPageNoLogged(v uint32, m *mtr.Mtr) {
	p.SetNextPageNo(v)
	if m != nil {
		m.LogWrite(mtr.TypeWriteString, p.SpaceID, p.PageNo, 38+24, p.Buf[38+24:38+28])
	}
}

// FirstUserRec returns the origin of the first user record, or found=false
// on an empty page.
func (p *IndexPage) FirstUserRec() (rec uint16, found bool) {
	next := p.NextRec(InfimumOffset)
	if next == SupremumOffset {
		return 0, false
	}
	return next, true
}
