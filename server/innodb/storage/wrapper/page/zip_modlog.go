package page

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/pingcap/errors"
)

// ErrZipOverflow is returned by Compress and WriteBlobPtr when the result
// does not fit in the page's fixed ssize budget (AppendModLog reports the
// same condition by returning false); callers must leave the image
// untouched and fall back to Reorganize or a tree-level split/merge.
var ErrZipOverflow = errors.New("page: compressed image does not fit ssize budget")

// ZipBlobPtrSize is the size in bytes of one externally-stored-field
// pointer slot embedded in a compressed page's descriptor area.
const ZipBlobPtrSize = 20

// ZipDescriptor is the in-memory state a compressed page carries beyond
// its raw image: the compression boundary and the modification-log tail
// appended after it.
type ZipDescriptor struct {
	SSize     uint8  // image size is 1<<SSize bytes
	NBlobs    uint16 // number of embedded 20-byte BLOB-pointer slots
	MStart    uint16 // offset where the last full compression's stream ends
	MEnd      uint16 // current tail of the modification log
	MNonEmpty bool   // true once any entry has been appended since MStart
}

// ZipPage is the compressed-page engine's working state for one page: the
// fixed-size physical image, its descriptor, and an in-memory reference to
// the uncompressed mirror it was built from (or decompresses back into).
type ZipPage struct {
	Image  []byte // exactly 1<<SSize bytes
	Desc   ZipDescriptor
	Mirror *IndexPage
}

// NewZipPage allocates a fresh compressed-page image of the given ssize
// for a mirror not yet compressed.
func NewZipPage(ssize uint8, mirror *IndexPage) *ZipPage {
	return &ZipPage{
		Image:  make([]byte, 1<<ssize),
		Desc:   ZipDescriptor{SSize: ssize},
		Mirror: mirror,
	}
}

// streamEntryFramingSize is the per-record framing recordStream prefixes
// onto each record: {extra_len:2}{total_len:2}, ahead of extra_len+body
// bytes of the record itself (extra header plus data, origin included).
// Carrying extra_len lets modLogEntry replay locate a record's 5-byte
// CompactHeader (and thus its heap_no) inside the reconstituted stream
// without needing the original mirror page back.
const streamEntryFramingSize = 4

// recordStream concatenates the mirror's user records, in next-rec chain
// order, without the page directory — the directory is reconstructed by
// Decompress from the ordered records, since it is fully derived from
// them.
func recordStream(mirror *IndexPage) []byte {
	var out []byte
	c := mirror.First()
	for {
		c = c.Next()
		if c.IsSupremum() {
			break
		}
		extra := mirror.extraLen(c.Rec)
		start := int(c.Rec) - extra
		offs, err := mirror.offsetsAt(c.Rec)
		if err != nil {
			continue
		}
		// offsetsAt passes mirror.Buf[start:] to OffsetsComp, so each
		// o.Start is relative to start rather than to the record's
		// origin; the record's absolute end is start plus the furthest
		// relative field end.
		relEnd := 0
		for _, o := range offs {
			if o.IsNull() {
				continue
			}
			if e := int(o.Start + o.Len); e > relEnd {
				relEnd = e
			}
		}
		rec := mirror.Buf[start : start+relEnd]

		framing := make([]byte, streamEntryFramingSize)
		binary.BigEndian.PutUint16(framing[0:2], uint16(extra))
		binary.BigEndian.PutUint16(framing[2:4], uint16(len(rec)))
		out = append(out, framing...)
		out = append(out, rec...)
	}
	return out
}

// streamEntry locates one record within a reconstituted record stream:
// RecOffset is where its extra+body bytes start (immediately after the
// entry's framing header), ExtraLen is how many of those bytes are the
// extra header (so RecOffset+ExtraLen is the record's origin), and
// TotalLen is extra+body's combined length.
type streamEntry struct {
	RecOffset int
	ExtraLen  int
	TotalLen  int
}

// parseRecordStream walks a stream produced by recordStream back into its
// per-record entries, used by modification-log replay to find a given
// heap_no's record without needing the page that produced the stream.
func parseRecordStream(stream []byte) []streamEntry {
	var out []streamEntry
	pos := 0
	for pos+streamEntryFramingSize <= len(stream) {
		extraLen := int(binary.BigEndian.Uint16(stream[pos : pos+2]))
		totalLen := int(binary.BigEndian.Uint16(stream[pos+2 : pos+4]))
		pos += streamEntryFramingSize
		if pos+totalLen > len(stream) {
			break
		}
		out = append(out, streamEntry{RecOffset: pos, ExtraLen: extraLen, TotalLen: totalLen})
		pos += totalLen
	}
	return out
}

// heapNo reads the 13-bit heap_no out of e's CompactHeader, the fixed
// 5 bytes immediately preceding the record's origin within stream.
func (e streamEntry) heapNo(stream []byte) (uint16, bool) {
	if e.ExtraLen < record.CompactHeaderSize {
		return 0, false
	}
	originInStream := e.RecOffset + e.ExtraLen
	hdr := record.NewCompactHeader(stream[originInStream-record.CompactHeaderSize : originInStream])
	return hdr.HeapNo(), true
}

// Compress deflates the mirror's ordered user records into the front of
// the image, resets the modification log to empty, and logs a full-image
// ZIP_PAGE_COMPRESS record so recovery can reproduce it by inflate alone.
// It fails (leaving Image untouched) if the deflated stream plus the
// embedded BLOB-pointer area does not fit.
func (z *ZipPage) Compress(m *mtr.Mtr) error {
	stream := recordStream(z.Mirror)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(stream); err != nil {
		return errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return errors.Trace(err)
	}

	blobArea := int(z.Desc.NBlobs) * ZipBlobPtrSize
	if buf.Len()+blobArea > len(z.Image) {
		return errors.Trace(ErrZipOverflow)
	}

	newImage := make([]byte, len(z.Image))
	copy(newImage, buf.Bytes())
	z.Image = newImage
	z.Desc.MStart = uint16(buf.Len())
	z.Desc.MEnd = z.Desc.MStart
	z.Desc.MNonEmpty = false

	if m != nil {
		m.LogFullImage(z.Mirror.SpaceID, z.Mirror.PageNo, z.Image)
	}
	return nil
}

// Available reports whether a small write of the given length can be
// appended to the modification log without exceeding the image budget,
// the predicate consulted before every in-place
// mutation of a compressed page.
func (z *ZipPage) Available(length int) bool {
	reserved := int(z.Desc.NBlobs) * ZipBlobPtrSize
	return int(z.Desc.MEnd)+modLogEntryOverhead+length+reserved <= len(z.Image)
}

const modLogEntryOverhead = 4 // {heap_no:2}{len:2} framing per entry

// AppendModLog appends one small-write entry (heap_no, delta bytes) to the
// modification log tail if Available, returning false without modifying
// Image otherwise (the caller must then invoke Reorganize).
func (z *ZipPage) AppendModLog(heapNo uint16, delta []byte) bool {
	if !z.Available(len(delta)) {
		return false
	}
	entry := make([]byte, modLogEntryOverhead+len(delta))
	binary.BigEndian.PutUint16(entry[0:2], heapNo)
	binary.BigEndian.PutUint16(entry[2:4], uint16(len(delta)))
	copy(entry[4:], delta)

	copy(z.Image[z.Desc.MEnd:], entry)
	z.Desc.MEnd += uint16(len(entry))
	z.Desc.MNonEmpty = true
	return true
}

// modLogEntries parses every entry appended since MStart.
func (z *ZipPage) modLogEntries() [][2]interface{} {
	var out [][2]interface{}
	pos := z.Desc.MStart
	for pos < z.Desc.MEnd {
		if int(pos)+modLogEntryOverhead > len(z.Image) {
			break
		}
		heapNo := binary.BigEndian.Uint16(z.Image[pos : pos+2])
		length := binary.BigEndian.Uint16(z.Image[pos+2 : pos+4])
		pos += modLogEntryOverhead
		if int(pos)+int(length) > len(z.Image) {
			break
		}
		delta := z.Image[pos : pos+length]
		pos += length
		out = append(out, [2]interface{}{heapNo, delta})
	}
	return out
}

// Decompress inflates the compressed stream and replays the modification
// log in order to reconstitute the current uncompressed mirror. It
// validates internal consistency and returns an error rather than
// panicking on any inconsistency.
func (z *ZipPage) Decompress() ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(z.Image[:z.Desc.MStart]))
	if err != nil {
		return nil, errors.Annotate(err, "page: zip decompress: corrupt stream")
	}
	defer r.Close()

	stream, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "page: zip decompress: truncated stream")
	}

	for _, e := range z.modLogEntries() {
		heapNo := e[0].(uint16)
		delta := e[1].([]byte)
		if err := applyModLogEntry(stream, heapNo, delta); err != nil {
			return nil, err
		}
	}

	return stream, nil
}

// applyModLogEntry replays one modification-log entry into stream: it
// re-walks stream's record framing to find the entry whose heap_no
// matches, then overwrites that record's extra+body bytes with delta.
// AppendModLog only ever appends whole-record deltas keyed by heap_no
// (a small write is always same-size, since a size change
// would fail Available's margin check and force Reorganize instead), so
// a length mismatch against the located record is a corrupt modification
// log rather than a legitimate resize.
func applyModLogEntry(stream []byte, heapNo uint16, delta []byte) error {
	for _, e := range parseRecordStream(stream) {
		got, ok := e.heapNo(stream)
		if !ok || got != heapNo {
			continue
		}
		if len(delta) != e.TotalLen {
			return errors.Errorf("page: modification log entry for heap_no %d is %d bytes, record is %d bytes", heapNo, len(delta), e.TotalLen)
		}
		copy(stream[e.RecOffset:e.RecOffset+e.TotalLen], delta)
		return nil
	}
	return errors.Errorf("page: modification log entry references unknown heap_no %d", heapNo)
}

// Reorganize recompresses the live mirror from scratch (the modification
// log only ever stores deltas already reflected in the mirror) and logs a
// COMP_PAGE_REORGANIZE; it does not rebuild the mirror from the compressed
// stream. If recompression also overflows, the caller must escalate to a
// tree-level split or merge.
func (z *ZipPage) Reorganize(m *mtr.Mtr) error {
	if err := z.Compress(m); err != nil {
		return errors.Trace(err)
	}
	if m != nil {
		typ := mtr.TypeCompPageReorganize
		m.Log(mtr.Record{Type: typ, SpaceID: z.Mirror.SpaceID, PageNo: z.Mirror.PageNo})
	}
	return nil
}

// WriteBlobPtr writes one of the page's embedded 20-byte BLOB-pointer
// slots. These live in the descriptor's BLOB-pointer area rather than the
// compressed record stream, so they are logged with a dedicated record
// type (ZIP_WRITE_BLOB_PTR) instead of participating in the modification
// log.
func (z *ZipPage) WriteBlobPtr(slot int, ptr []byte, m *mtr.Mtr) error {
	if len(ptr) != ZipBlobPtrSize {
		return errors.Errorf("page: blob ptr must be %d bytes, got %d", ZipBlobPtrSize, len(ptr))
	}
	off := len(z.Image) - (slot+1)*ZipBlobPtrSize
	if off < int(z.Desc.MEnd) {
		return errors.Trace(ErrZipOverflow)
	}
	copy(z.Image[off:off+ZipBlobPtrSize], ptr)
	if m != nil {
		m.LogWrite(mtr.TypeZipWriteBlobPtr, z.Mirror.SpaceID, z.Mirror.PageNo, uint16(off), ptr)
	}
	return nil
}
