package mtr

// Type tags every redo record this core emits, matching the narrow set
// the clustered-index core is allowed to produce (the undo log, recovery
// log-apply driver, and SQL layers are named collaborators, not emitters,
// from this package's point of view).
type Type uint8

const (
	TypeRecInsert Type = iota + 1
	TypeCompRecInsert
	TypeRecUpdateInPlace
	TypeCompRecUpdateInPlace
	TypeRecClustDeleteMark
	TypeCompRecClustDeleteMark
	TypeRecSecDeleteMark
	TypeRecDelete
	TypeCompRecDelete
	TypeListEndDelete
	TypeListStartDelete
	TypeListEndCopyCreated
	TypePageReorganize
	TypeCompPageReorganize
	TypePageCreate
	TypeCompPageCreate
	TypeRecMinMark
	TypeCompRecMinMark
	TypeZipPageCompress
	TypeZipWriteBlobPtr
	TypeZipWriteHeader
	TypeZipWriteNodePtr
	TypeZipWriteTrxIDAndRollPtr

	// TypeWriteString is the generic physical write (sibling links, header
	// counters, directory slots) logged where no record-level tag applies,
	// the mlog_write_string shape of the original.
	TypeWriteString
)

// String names a Type for log/diagnostic output.
func (t Type) String() string {
	switch t {
	case TypeRecInsert:
		return "REC_INSERT"
	case TypeCompRecInsert:
		return "COMP_REC_INSERT"
	case TypeRecUpdateInPlace:
		return "REC_UPDATE_IN_PLACE"
	case TypeCompRecUpdateInPlace:
		return "COMP_REC_UPDATE_IN_PLACE"
	case TypeRecClustDeleteMark:
		return "REC_CLUST_DELETE_MARK"
	case TypeCompRecClustDeleteMark:
		return "COMP_REC_CLUST_DELETE_MARK"
	case TypeRecSecDeleteMark:
		return "REC_SEC_DELETE_MARK"
	case TypeRecDelete:
		return "REC_DELETE"
	case TypeCompRecDelete:
		return "COMP_REC_DELETE"
	case TypeListEndDelete:
		return "LIST_END_DELETE"
	case TypeListStartDelete:
		return "LIST_START_DELETE"
	case TypeListEndCopyCreated:
		return "LIST_END_COPY_CREATED"
	case TypePageReorganize:
		return "PAGE_REORGANIZE"
	case TypeCompPageReorganize:
		return "COMP_PAGE_REORGANIZE"
	case TypePageCreate:
		return "PAGE_CREATE"
	case TypeCompPageCreate:
		return "COMP_PAGE_CREATE"
	case TypeRecMinMark:
		return "REC_MIN_MARK"
	case TypeCompRecMinMark:
		return "COMP_REC_MIN_MARK"
	case TypeZipPageCompress:
		return "ZIP_PAGE_COMPRESS"
	case TypeZipWriteBlobPtr:
		return "ZIP_WRITE_BLOB_PTR"
	case TypeZipWriteHeader:
		return "ZIP_WRITE_HEADER"
	case TypeZipWriteNodePtr:
		return "ZIP_WRITE_NODE_PTR"
	case TypeZipWriteTrxIDAndRollPtr:
		return "ZIP_WRITE_TRX_ID_AND_ROLL_PTR"
	case TypeWriteString:
		return "WRITE_STRING"
	default:
		return "UNKNOWN"
	}
}

// Record is one parsed redo log entry: the target page identity, the type
// tag, and the type-specific payload bytes (already stripped of the
// header this package's Parse function consumed).
type Record struct {
	Type     Type
	SpaceID  uint32
	PageNo   uint32
	Payload  []byte
}

// Encode serializes r the way Mtr.Log buffers it: type byte, compressed
// space_id, compressed page_no, compressed payload length, payload bytes.
func (r Record) Encode() []byte {
	buf := []byte{byte(r.Type)}
	buf = PutCompressed(buf, r.SpaceID)
	buf = PutCompressed(buf, r.PageNo)
	buf = PutCompressed(buf, uint32(len(r.Payload)))
	buf = append(buf, r.Payload...)
	return buf
}

// Parse reads one Record from the front of buf, returning the record, the
// unconsumed remainder of buf, and ok=false if buf does not yet hold a
// complete record (dry-parse "need more bytes" case recovery must
// recognize rather than treat as corruption).
func Parse(buf []byte) (rec Record, rest []byte, ok bool) {
	if len(buf) < 1 {
		return Record{}, buf, false
	}
	t := Type(buf[0])
	cursor := buf[1:]

	spaceID, n := GetCompressed(cursor)
	if n == 0 {
		return Record{}, buf, false
	}
	cursor = cursor[n:]

	pageNo, n := GetCompressed(cursor)
	if n == 0 {
		return Record{}, buf, false
	}
	cursor = cursor[n:]

	length, n := GetCompressed(cursor)
	if n == 0 {
		return Record{}, buf, false
	}
	cursor = cursor[n:]

	if uint32(len(cursor)) < length {
		return Record{}, buf, false
	}

	rec = Record{Type: t, SpaceID: spaceID, PageNo: pageNo, Payload: cursor[:length]}
	return rec, cursor[length:], true
}

// ParseAll parses every complete record in buf, stopping (without error)
// at the first incomplete trailing record, matching how a recovery reader
// treats the tail of an in-flight log segment.
func ParseAll(buf []byte) []Record {
	var out []Record
	for len(buf) > 0 {
		rec, rest, ok := Parse(buf)
		if !ok {
			break
		}
		out = append(out, rec)
		buf = rest
	}
	return out
}
