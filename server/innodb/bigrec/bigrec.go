// Package bigrec implements the big-record/external storage path: pushing
// a clustered-index record's largest variable-length fields out to a
// chain of overflow (BLOB) pages when the record's full converted size
// would not otherwise fit a page, and reading them back.
package bigrec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	pcerrors "github.com/pingcap/errors"

	jujuerrors "github.com/juju/errors"

	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// ErrTooBigRecord is returned by ConvertBigRec when pushing every eligible
// field external still leaves the record too large to fit, a structural
// impossibility the caller must surface (the row itself cannot be stored
// under the index's current schema).
var ErrTooBigRecord = jujuerrors.New("bigrec: record still too large after converting all eligible fields")

// ExternPtrSize is the fixed size in bytes of one externally-stored-field
// reference as embedded at the tail of the owning field's in-record bytes.
const ExternPtrSize = 20

// FilNull marks the end of an overflow chain in a page's next-page field.
const FilNull uint32 = 0xFFFFFFFF

// The two highest bits of the reference's 8-byte length field.
const (
	externOwnerFlag     uint64 = 1 << 63
	externInheritedFlag uint64 = 1 << 62
	externLenMask       uint64 = externInheritedFlag - 1
)

// ExternPtr is the 20-byte reference a record's extern field carries:
// where the field's overflow chain begins, how many bytes live there, and
// the ownership bits that control who may free the chain. Owned means the
// record owns the chain and purge may free it; Inherited means the
// reference was inherited from an earlier row version and rollback must
// not free it.
type ExternPtr struct {
	SpaceID   uint32
	PageNo    uint32
	Offset    uint32
	Length    uint64 // extern-stored byte count, without the flag bits
	Owned     bool
	Inherited bool
}

// Encode serializes p as the ExternPtrSize-byte on-page representation:
// {space_id:4}{page_no:4}{offset:4}{length:8}, with OWNER and INHERITED
// packed into the two highest bits of length.
func (p ExternPtr) Encode() []byte {
	buf := make([]byte, ExternPtrSize)
	binary.BigEndian.PutUint32(buf[0:4], p.SpaceID)
	binary.BigEndian.PutUint32(buf[4:8], p.PageNo)
	binary.BigEndian.PutUint32(buf[8:12], p.Offset)
	length := p.Length & externLenMask
	if p.Owned {
		length |= externOwnerFlag
	}
	if p.Inherited {
		length |= externInheritedFlag
	}
	binary.BigEndian.PutUint64(buf[12:20], length)
	return buf
}

// DecodeExternPtr parses an ExternPtrSize-byte reference.
func DecodeExternPtr(buf []byte) (ExternPtr, error) {
	if len(buf) < ExternPtrSize {
		return ExternPtr{}, pcerrors.Errorf("bigrec: extern pointer needs %d bytes, got %d", ExternPtrSize, len(buf))
	}
	length := binary.BigEndian.Uint64(buf[12:20])
	return ExternPtr{
		SpaceID:   binary.BigEndian.Uint32(buf[0:4]),
		PageNo:    binary.BigEndian.Uint32(buf[4:8]),
		Offset:    binary.BigEndian.Uint32(buf[8:12]),
		Length:    length & externLenMask,
		Owned:     length&externOwnerFlag != 0,
		Inherited: length&externInheritedFlag != 0,
	}, nil
}

// RollbackCtx tells FreeExternField why a chain is being freed, because
// the ownership rules differ: a rollback must not free a reference the
// record merely inherited from the previous row version.
type RollbackCtx int

const (
	RbNone     RollbackCtx = iota // purge or normal delete
	RbNormal                      // transaction rollback
	RbRecovery                    // rollback of an incomplete transaction during recovery
)

// NeedsExternalStorage is page_rec_needs_ext: a record whose converted
// physical size exceeds the caller's budget (typically a fraction of the
// page size; for compressed pages, taken from the zip empty-size margin)
// must have some fields pushed external before it can be inserted.
func NeedsExternalStorage(convertedSize, maxRecSize int) bool {
	return convertedSize > maxRecSize
}

// BigRecField is one entry of the vector ConvertBigRec builds: which
// field moved external and its complete original value (local prefix
// included; StoreBigRecExternFields strips the prefix again when writing
// the chain).
type BigRecField struct {
	FieldNo int
	Data    []byte
}

// BigRecVec is the ordered list of fields pushed external by one
// conversion, handed to StoreBigRecExternFields after the shortened
// record has been inserted.
type BigRecVec []BigRecField

// ConvertBigRec is convert_big_rec: it repeatedly pushes the eligible
// field with the greatest savings (field length minus local prefix minus
// the 20-byte reference) out to a local-prefix-plus-reference
// representation until the tuple's converted size fits maxRecSize, or
// returns ErrTooBigRecord once no eligible field remains. Skipped as
// candidates: NULL fields, already-extern fields, the index's unique key
// prefix, fixed-length fields, and non-BLOB fields whose declared maximum
// is at most 255 bytes.
//
// When two candidate fields would yield the same savings, the lowest
// field_no wins, making the conversion deterministic.
//
// The shortened field keeps its first localPrefixLen bytes followed by a
// zeroed 20-byte reference; the returned vector carries each moved
// field's complete original value.
func ConvertBigRec(index *record.IndexDesc, tuple *record.Tuple, localPrefixLen uint32, maxRecSize int) (*record.Tuple, BigRecVec, error) {
	working := &record.Tuple{
		Fields:     append([]record.Field(nil), tuple.Fields...),
		NFieldsCmp: tuple.NFieldsCmp,
	}
	var vec BigRecVec

	for {
		size, err := record.ConvertedSizeComp(index, working)
		if err != nil {
			return nil, nil, pcerrors.Trace(err)
		}
		if size <= maxRecSize {
			return working, vec, nil
		}

		best := -1
		bestSavings := 0
		for i, f := range working.Fields {
			if f.Null || f.Ext {
				continue
			}
			if i < index.NUniqueInTree {
				continue
			}
			fd := index.Fields[i]
			if fd.Type.IsFixedLength() || !fd.Type.IsBlobLike(255) {
				continue
			}
			savings := len(f.Data) - int(localPrefixLen) - ExternPtrSize
			if savings > bestSavings {
				best = i
				bestSavings = savings
			}
		}
		if best == -1 {
			return nil, nil, jujuerrors.Trace(ErrTooBigRecord)
		}

		orig := working.Fields[best]
		local := make([]byte, int(localPrefixLen)+ExternPtrSize)
		copy(local, orig.Data[:localPrefixLen])
		working.Fields[best] = record.Field{Type: orig.Type, Data: local, Ext: true}
		vec = append(vec, BigRecField{FieldNo: best, Data: orig.Data})
	}
}

// BlobStore is the narrow persistence surface the chain writers and
// readers need: allocate a fresh overflow page and load an existing one,
// both scoped to a space. A store that also implements PageFreer gets its
// pages handed back by FreeExternField.
type BlobStore interface {
	AllocPage(spaceID uint32) (pageNo uint32, buf []byte, err error)
	LoadPage(spaceID, pageNo uint32) ([]byte, error)
}

// PageFreer is the optional extension of BlobStore that can release a
// freed overflow page back to the file-space allocator.
type PageFreer interface {
	FreePage(spaceID, pageNo uint32)
}

// overflowPageHeaderSize is the fixed header each overflow page carries
// before its data payload: {next_page_no:4}{part_len:4}, next FilNull on
// the last page of a chain.
const overflowPageHeaderSize = 8

func writeChain(store BlobStore, spaceID uint32, data []byte) (firstPage uint32, err error) {
	type chainPage struct {
		no  uint32
		buf []byte
	}
	var pages []chainPage

	remaining := data
	for len(remaining) > 0 {
		no, buf, err := store.AllocPage(spaceID)
		if err != nil {
			return 0, pcerrors.Trace(err)
		}
		capacity := len(buf) - overflowPageHeaderSize
		n := len(remaining)
		if n > capacity {
			n = capacity
		}
		copy(buf[overflowPageHeaderSize:], remaining[:n])
		binary.BigEndian.PutUint32(buf[0:4], FilNull)
		binary.BigEndian.PutUint32(buf[4:8], uint32(n))
		pages = append(pages, chainPage{no: no, buf: buf})
		remaining = remaining[n:]
	}

	for i := 0; i < len(pages)-1; i++ {
		binary.BigEndian.PutUint32(pages[i].buf[0:4], pages[i+1].no)
	}
	return pages[0].no, nil
}

func readChain(store BlobStore, spaceID, firstPage uint32, limit uint64) ([]byte, error) {
	var out []byte
	pageNo := firstPage
	for pageNo != FilNull && pageNo != 0 && uint64(len(out)) < limit {
		buf, err := store.LoadPage(spaceID, pageNo)
		if err != nil {
			return nil, pcerrors.Trace(err)
		}
		n := binary.BigEndian.Uint32(buf[4:8])
		if overflowPageHeaderSize+int(n) > len(buf) {
			return nil, pcerrors.New("bigrec: corrupt overflow page length")
		}
		out = append(out, buf[overflowPageHeaderSize:overflowPageHeaderSize+n]...)
		pageNo = binary.BigEndian.Uint32(buf[0:4])
	}
	return out, nil
}

// StoreExternField writes one field's extern suffix across as many
// freshly allocated overflow pages as needed and returns the reference to
// the chain's head, with ownership asserted for the storing record.
func StoreExternField(store BlobStore, spaceID uint32, data []byte) (ExternPtr, error) {
	if len(data) == 0 {
		return ExternPtr{}, nil
	}
	first, err := writeChain(store, spaceID, data)
	if err != nil {
		return ExternPtr{}, err
	}
	return ExternPtr{
		SpaceID: spaceID,
		PageNo:  first,
		Offset:  overflowPageHeaderSize,
		Length:  uint64(len(data)),
		Owned:   true,
	}, nil
}

// StoreExternFieldZip is the compressed-chain variant: the field's bytes
// are deflated as a single zlib stream and the stream split across the
// chain's page bodies, so a long compressible value occupies far fewer
// overflow pages. The reference's Length still records the uncompressed
// byte count; readers must go through ReadExternFieldZip.
func StoreExternFieldZip(store BlobStore, spaceID uint32, data []byte) (ExternPtr, error) {
	if len(data) == 0 {
		return ExternPtr{}, nil
	}
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(data); err != nil {
		return ExternPtr{}, pcerrors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return ExternPtr{}, pcerrors.Trace(err)
	}
	first, err := writeChain(store, spaceID, compressed.Bytes())
	if err != nil {
		return ExternPtr{}, err
	}
	return ExternPtr{
		SpaceID: spaceID,
		PageNo:  first,
		Offset:  overflowPageHeaderSize,
		Length:  uint64(len(data)),
		Owned:   true,
	}, nil
}

// ReadExternField reads an externally stored field's full value back from
// its uncompressed overflow chain. A zero-length reference (the chain has
// been, or is being, deleted) yields an empty value rather than an error.
func ReadExternField(store BlobStore, ptr ExternPtr) ([]byte, error) {
	if ptr.Length == 0 {
		return nil, nil
	}
	return readChain(store, ptr.SpaceID, ptr.PageNo, ptr.Length)
}

// ReadExternFieldZip reads and inflates a compressed overflow chain back
// into the field's original bytes.
func ReadExternFieldZip(store BlobStore, ptr ExternPtr) ([]byte, error) {
	if ptr.Length == 0 {
		return nil, nil
	}
	stream, err := readChain(store, ptr.SpaceID, ptr.PageNo, ^uint64(0))
	if err != nil {
		return nil, err
	}
	r, err := zlib.NewReader(bytes.NewReader(stream))
	if err != nil {
		return nil, pcerrors.Annotate(err, "bigrec: corrupt compressed overflow chain")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, pcerrors.Annotate(err, "bigrec: truncated compressed overflow chain")
	}
	return out, nil
}

// FreeExternField is free_externally_stored_field: it walks the overflow
// chain and hands each page back to the store (when the store can free
// pages) and to the release callback. Ownership rules: a reference the
// record does not own is never freed, and under a rollback context an
// inherited reference is left for the earlier row version that still
// points at it.
func FreeExternField(store BlobStore, ptr ExternPtr, rbCtx RollbackCtx, release func(pageNo uint32)) error {
	if !ptr.Owned {
		return nil
	}
	if rbCtx != RbNone && ptr.Inherited {
		return nil
	}
	freer, _ := store.(PageFreer)
	pageNo := ptr.PageNo
	for pageNo != FilNull && pageNo != 0 {
		buf, err := store.LoadPage(ptr.SpaceID, pageNo)
		if err != nil {
			return pcerrors.Trace(err)
		}
		next := binary.BigEndian.Uint32(buf[0:4])
		if freer != nil {
			freer.FreePage(ptr.SpaceID, pageNo)
		}
		if release != nil {
			release(pageNo)
		}
		pageNo = next
	}
	return nil
}

// InstallExternRef overwrites the trailing ExternPtrSize bytes of field
// fieldNo's in-record data with ptr's encoding, the in-place reference
// write performed after the chain has been populated. offs must be the
// record's field offsets computed over pageBuf.
func InstallExternRef(pageBuf []byte, offs []record.FieldOffset, fieldNo int, ptr ExternPtr) (refOffset uint32, err error) {
	if fieldNo >= len(offs) {
		return 0, pcerrors.Errorf("bigrec: field %d out of range (%d offsets)", fieldNo, len(offs))
	}
	o := offs[fieldNo]
	if o.IsNull() || o.Len < ExternPtrSize {
		return 0, pcerrors.Errorf("bigrec: field %d cannot hold an extern reference", fieldNo)
	}
	refOffset = o.Start + o.Len - ExternPtrSize
	copy(pageBuf[refOffset:refOffset+ExternPtrSize], ptr.Encode())
	return refOffset, nil
}

// ReadExternRef decodes the reference embedded at the tail of field
// fieldNo's in-record bytes, the inverse of InstallExternRef.
func ReadExternRef(pageBuf []byte, offs []record.FieldOffset, fieldNo int) (ExternPtr, error) {
	if fieldNo >= len(offs) {
		return ExternPtr{}, pcerrors.Errorf("bigrec: field %d out of range (%d offsets)", fieldNo, len(offs))
	}
	o := offs[fieldNo]
	if o.IsNull() || o.Len < ExternPtrSize {
		return ExternPtr{}, pcerrors.Errorf("bigrec: field %d holds no extern reference", fieldNo)
	}
	start := o.Start + o.Len - ExternPtrSize
	return DecodeExternPtr(pageBuf[start : start+ExternPtrSize])
}

// StoreBigRecExternFields is store_big_rec_extern_fields: for each vector
// entry, write the field's suffix (past the retained local prefix) to a
// fresh overflow chain, then install the in-record reference with OWNER
// set and INHERITED clear, logging each reference write so replay
// reproduces the record bytes. offs must be the freshly inserted record's
// field offsets over pageBuf; the returned pointers are in vector order.
func StoreBigRecExternFields(store BlobStore, spaceID uint32, pageBuf []byte, pageNo uint32, offs []record.FieldOffset, vec BigRecVec, localPrefixLen uint32, zip bool, m *mtr.Mtr) ([]ExternPtr, error) {
	ptrs := make([]ExternPtr, 0, len(vec))
	for _, f := range vec {
		if uint32(len(f.Data)) <= localPrefixLen {
			return nil, pcerrors.Errorf("bigrec: field %d shorter than its local prefix", f.FieldNo)
		}
		suffix := f.Data[localPrefixLen:]

		var ptr ExternPtr
		var err error
		if zip {
			ptr, err = StoreExternFieldZip(store, spaceID, suffix)
		} else {
			ptr, err = StoreExternField(store, spaceID, suffix)
		}
		if err != nil {
			return nil, err
		}

		refOffset, err := InstallExternRef(pageBuf, offs, f.FieldNo, ptr)
		if err != nil {
			return nil, err
		}
		if m != nil {
			m.LogWrite(mtr.TypeCompRecUpdateInPlace, spaceID, pageNo, uint16(refOffset), ptr.Encode())
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}

// ExternPrefixCache caches the values of externally stored fields already
// fetched while assembling a row, keyed by field number, so repeated
// prefix-only reads through CopyExternallyStoredFieldPrefix don't re-walk
// the overflow chain every time. The whole fetched value is kept, not a
// fixed-length prefix.
type ExternPrefixCache struct {
	prefixes map[int][]byte
}

// NewExternPrefixCache returns an empty cache.
func NewExternPrefixCache() *ExternPrefixCache {
	return &ExternPrefixCache{prefixes: map[int][]byte{}}
}

// CopyExternallyStoredFieldPrefix returns the first maxLen bytes of field
// fieldNo's extern value, fetching and caching it from store via ptr if
// not already cached. A zero-length reference yields an empty prefix (the
// chain has been, or is being, deleted).
func (c *ExternPrefixCache) CopyExternallyStoredFieldPrefix(store BlobStore, fieldNo int, ptr ExternPtr, maxLen int) ([]byte, error) {
	if ptr.Length == 0 {
		return nil, nil
	}
	if cached, ok := c.prefixes[fieldNo]; ok && len(cached) >= maxLen {
		return cached[:maxLen], nil
	}

	full, err := ReadExternField(store, ptr)
	if err != nil {
		return nil, err
	}
	c.prefixes[fieldNo] = full

	if maxLen > len(full) {
		maxLen = len(full)
	}
	return full[:maxLen], nil
}
