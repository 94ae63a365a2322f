package mtr

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// ErrIncompleteRecord is returned by Apply when a record's payload does
// not carry enough bytes for the write it names, a structural problem
// distinct from "need more bytes" during Parse (which is not an error).
var ErrIncompleteRecord = errors.New("mtr: incomplete record payload")

// Latch is the narrow interface a mini-transaction needs from whatever
// latch type its caller acquired (server/innodb/latch.Latch satisfies
// this without either package importing the other).
type Latch interface {
	Unlock()
}

// Mtr is a mini-transaction: the atomic, redo-logged unit of page
// mutation described by the MTR contract. A caller opens one, performs
// some number of page mutations while holding the relevant latches,
// logging each mutation via the Log* helpers, then calls Commit once to
// flush the buffered redo records and release every latch it collected,
// bottom-up in the reverse order they were acquired.
type Mtr struct {
	records []Record
	latches []Latch
	flush   func([]byte)
}

// New creates a mini-transaction. flush, if non-nil, is called once at
// Commit with the serialized redo stream (the narrow interface this
// package exposes to whatever log-sink collaborator actually durably
// writes it; this core never calls an I/O primitive directly).
func New(flush func([]byte)) *Mtr {
	return &Mtr{flush: flush}
}

// PushLatch records a latch this mtr now owns, so Commit can release it.
// Latches must be pushed in acquisition order; Commit releases them in
// reverse, honoring the top-down-acquire / bottom-up-release discipline.
func (m *Mtr) PushLatch(l Latch) {
	m.latches = append(m.latches, l)
}

// Log appends a redo record to the mtr's buffer. Records become visible
// to other threads only once Commit flushes them.
func (m *Mtr) Log(rec Record) {
	m.records = append(m.records, rec)
}

// LogWrite is a convenience for the common "write these bytes at this
// in-page offset" record shape shared by REC_INSERT, REC_UPDATE_IN_PLACE,
// REC_MIN_MARK and the ZIP_WRITE_* family: payload is {offset:u16}{data}.
func (m *Mtr) LogWrite(typ Type, spaceID, pageNo uint32, offset uint16, data []byte) {
	payload := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(payload, offset)
	payload = append(payload, data...)
	m.Log(Record{Type: typ, SpaceID: spaceID, PageNo: pageNo, Payload: payload})
}

// LogDelete is the convenience for REC_DELETE/COMP_REC_DELETE and the
// list-splice variants. A delete's physical effect is a handful of header
// rewrites (the freed record's header joins the free list, its
// predecessor's next link skips it), so the record carries the freed
// record's post-delete header bytes: payload {offset:u16}{header bytes},
// the same write shape every other small mutation uses; the companion
// header rewrites ride along as WRITE_STRING records.
func (m *Mtr) LogDelete(typ Type, spaceID, pageNo uint32, offset uint16, header []byte) {
	m.LogWrite(typ, spaceID, pageNo, offset, header)
}

// LogFullImage is used by ZIP_PAGE_COMPRESS: the payload is the entire
// post-compression page image, so recovery can reproduce it without
// re-running zlib deflate (only inflate is needed on replay).
func (m *Mtr) LogFullImage(spaceID, pageNo uint32, image []byte) {
	m.Log(Record{Type: TypeZipPageCompress, SpaceID: spaceID, PageNo: pageNo, Payload: append([]byte(nil), image...)})
}

// Records returns the buffered redo records, for tests and for a caller
// that wants to inspect what would be flushed before committing.
func (m *Mtr) Records() []Record { return m.records }

// Commit serializes and flushes the buffered redo records, then releases
// every pushed latch in reverse order. It returns the serialized stream
// (the same bytes passed to flush, if one was supplied).
func (m *Mtr) Commit() []byte {
	var buf []byte
	for _, r := range m.records {
		buf = append(buf, r.Encode()...)
	}
	if m.flush != nil && len(buf) > 0 {
		m.flush(buf)
	}
	for i := len(m.latches) - 1; i >= 0; i-- {
		m.latches[i].Unlock()
	}
	m.latches = nil
	m.records = nil
	return buf
}

// Apply replays one record against a raw page image, the operation a
// recovery path performs for each record it parses out of the redo log.
// Every mutation is logged physically, so the rules are uniform:
// ZIP_PAGE_COMPRESS overwrites the whole page with its carried image,
// marker records (page create, reorganize) change no bytes themselves
// (the writes that rebuilt the page follow as their own records), and
// everything else overwrites page[offset:offset+len(data)]. Replaying the
// same stream twice is therefore idempotent byte-for-byte.
func Apply(rec Record, page []byte) error {
	return ParseAndApply(rec, page)
}

// ApplyAll replays every record in order against page, stopping at the
// first error (a corrupt or truncated log tail).
func ApplyAll(records []Record, page []byte) error {
	for _, r := range records {
		if err := Apply(r, page); err != nil {
			return err
		}
	}
	return nil
}
