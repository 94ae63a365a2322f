package mtr

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Per-type parse routines. Each takes a record's payload bytes and the
// target page image, which may be nil for a dry parse (a recovery scan
// deciding where records end before it knows which pages it has). The
// return is the number of payload bytes consumed, or consumed == 0 when
// the payload does not yet hold a complete record body ("need more
// bytes"); malformed bodies whose framing is complete are errors instead.
//
// The top-level Parse strips the common {type, space, page, len} framing,
// so these routines see exactly the body the matching Log* helper built.

// parseWriteShaped covers every record whose body is {offset:u16}{data}:
// REC_INSERT and COMP_REC_INSERT, REC_UPDATE_IN_PLACE and COMP_, the
// delete-mark family, REC_DELETE and COMP_ (the freed record's header
// rewrite), REC_MIN_MARK and COMP_, LIST_END_COPY_CREATED, WRITE_STRING,
// and the ZIP_WRITE_* family.
func parseWriteShaped(payload, page []byte) (int, error) {
	if len(payload) < 2 {
		return 0, nil
	}
	offset := binary.BigEndian.Uint16(payload[0:2])
	data := payload[2:]
	if page != nil {
		if int(offset)+len(data) > len(page) {
			return 0, errors.Trace(ErrIncompleteRecord)
		}
		copy(page[offset:], data)
	}
	return len(payload), nil
}

// parseMarker covers the bodiless structural markers: PAGE_CREATE,
// PAGE_REORGANIZE and their COMP_ variants. Replay changes no bytes for
// them; the writes that rebuilt the page follow as their own records.
func parseMarker(payload, page []byte) (int, error) {
	return len(payload), nil
}

// parseFullImage covers ZIP_PAGE_COMPRESS: the body is the entire
// post-compression page image.
func parseFullImage(payload, page []byte) (int, error) {
	if page != nil {
		if len(payload) != len(page) {
			return 0, errors.Annotatef(ErrIncompleteRecord, "image length %d != page length %d", len(payload), len(page))
		}
		copy(page, payload)
	}
	return len(payload), nil
}

// The named per-type entry points recovery dispatches through; the write
// shape is shared, the names keep call sites greppable by record type.
var (
	ParseRecInsert            = parseWriteShaped
	ParseCompRecInsert        = parseWriteShaped
	ParseRecUpdateInPlace     = parseWriteShaped
	ParseCompRecUpdateInPlace = parseWriteShaped
	ParseRecClustDeleteMark   = parseWriteShaped
	ParseRecSecDeleteMark     = parseWriteShaped
	ParseRecDelete            = parseWriteShaped
	ParseCompRecDelete        = parseWriteShaped
	ParseListEndDelete        = parseWriteShaped
	ParseListStartDelete      = parseWriteShaped
	ParseListEndCopyCreated   = parseWriteShaped
	ParseRecMinMark           = parseWriteShaped
	ParseCompRecMinMark       = parseWriteShaped
	ParseWriteString          = parseWriteShaped
	ParseZipWriteBlobPtr      = parseWriteShaped
	ParseZipWriteHeader       = parseWriteShaped
	ParseZipWriteNodePtr      = parseWriteShaped
	ParseZipWriteTrxID        = parseWriteShaped
	ParsePageCreate           = parseMarker
	ParsePageReorganize       = parseMarker
	ParseZipPageCompress      = parseFullImage
)

// parserFor returns the body parser for a record type, or nil for an
// unknown tag (corruption, or a log written by a newer vocabulary).
func parserFor(t Type) func(payload, page []byte) (int, error) {
	switch t {
	case TypeRecInsert, TypeCompRecInsert,
		TypeRecUpdateInPlace, TypeCompRecUpdateInPlace,
		TypeRecClustDeleteMark, TypeCompRecClustDeleteMark, TypeRecSecDeleteMark,
		TypeRecDelete, TypeCompRecDelete,
		TypeListEndDelete, TypeListStartDelete, TypeListEndCopyCreated,
		TypeRecMinMark, TypeCompRecMinMark,
		TypeWriteString,
		TypeZipWriteBlobPtr, TypeZipWriteHeader, TypeZipWriteNodePtr, TypeZipWriteTrxIDAndRollPtr:
		return parseWriteShaped
	case TypePageCreate, TypeCompPageCreate, TypePageReorganize, TypeCompPageReorganize:
		return parseMarker
	case TypeZipPageCompress:
		return parseFullImage
	default:
		return nil
	}
}

// ParseAndApply routes one framed record through its type's body parser,
// applying it to page when page is non-nil. Unknown types are an error:
// recovery cannot skip a body whose length discipline it does not know
// (the framing length saves it here, but a tag this core never emits
// still marks the stream as not ours).
func ParseAndApply(rec Record, page []byte) error {
	p := parserFor(rec.Type)
	if p == nil {
		return errors.Errorf("mtr: unknown redo record type %d", rec.Type)
	}
	n, err := p(rec.Payload, page)
	if err != nil {
		return err
	}
	if n != len(rec.Payload) {
		return errors.Annotatef(ErrIncompleteRecord, "type %s consumed %d of %d payload bytes", rec.Type, n, len(rec.Payload))
	}
	return nil
}
