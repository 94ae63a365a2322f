package bigrec

import (
	"strings"
	"testing"

	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobStore struct {
	pages map[uint32][]byte
	freed []uint32
	next  uint32
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{pages: map[uint32][]byte{}, next: 1}
}

func (s *memBlobStore) AllocPage(spaceID uint32) (uint32, []byte, error) {
	no := s.next
	s.next++
	buf := make([]byte, 256)
	s.pages[no] = buf
	return no, buf, nil
}

func (s *memBlobStore) LoadPage(spaceID, pageNo uint32) ([]byte, error) {
	return s.pages[pageNo], nil
}

func (s *memBlobStore) FreePage(spaceID, pageNo uint32) {
	s.freed = append(s.freed, pageNo)
}

func bigRecIndex() *record.IndexDesc {
	return &record.IndexDesc{
		IsComp:        true,
		Clustered:     true,
		NUnique:       1,
		NUniqueInTree: 1,
		Fields: []record.FieldDesc{
			{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 5000, MbMinLen: 1, MbMaxLen: 1}},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 5000, MbMinLen: 1, MbMaxLen: 1}},
		},
	}
}

func TestConvertBigRecPushesGreatestSavingsFirst(t *testing.T) {
	idx := bigRecIndex()
	tuple := record.NewTuple(
		record.Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 1}},
		record.Field{Type: idx.Fields[1].Type, Data: []byte(strings.Repeat("a", 200))},
		record.Field{Type: idx.Fields[2].Type, Data: []byte(strings.Repeat("b", 800))},
	)

	converted, vec, err := ConvertBigRec(idx, tuple, 50, 400)
	require.NoError(t, err)
	require.Len(t, vec, 1)
	assert.Equal(t, 2, vec[0].FieldNo) // the 800-byte field has more savings than the 200-byte one
	assert.Len(t, vec[0].Data, 800)
	assert.True(t, converted.Fields[2].Ext)
	// The shortened field keeps its local prefix plus a zeroed reference.
	assert.Len(t, converted.Fields[2].Data, 50+ExternPtrSize)
	assert.Equal(t, []byte(strings.Repeat("b", 50)), converted.Fields[2].Data[:50])
	assert.False(t, converted.Fields[1].Ext)
}

func TestConvertBigRecTooBigReturnsError(t *testing.T) {
	idx := bigRecIndex()
	tuple := record.NewTuple(
		record.Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 1}},
		record.Field{Type: idx.Fields[1].Type, Data: []byte(strings.Repeat("a", 20))},
		record.Field{Type: idx.Fields[2].Type, Data: []byte(strings.Repeat("b", 20))},
	)

	_, _, err := ConvertBigRec(idx, tuple, 50, 10)
	assert.Error(t, err)
}

func TestExternPtrFlagsRoundTrip(t *testing.T) {
	ptr := ExternPtr{SpaceID: 7, PageNo: 42, Offset: 8, Length: 123456, Owned: true, Inherited: true}
	got, err := DecodeExternPtr(ptr.Encode())
	require.NoError(t, err)
	assert.Equal(t, ptr, got)

	ptr.Owned, ptr.Inherited = false, false
	got, err = DecodeExternPtr(ptr.Encode())
	require.NoError(t, err)
	assert.False(t, got.Owned)
	assert.False(t, got.Inherited)
	assert.Equal(t, uint64(123456), got.Length)
}

func TestStoreAndReadExternFieldRoundTrip(t *testing.T) {
	store := newMemBlobStore()
	data := []byte(strings.Repeat("z", 900))

	ptr, err := StoreExternField(store, 1, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), ptr.Length)
	assert.True(t, ptr.Owned)

	back, err := ReadExternField(store, ptr)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestStoreAndReadExternFieldZipRoundTrip(t *testing.T) {
	store := newMemBlobStore()
	data := []byte(strings.Repeat("compressible ", 400))

	ptr, err := StoreExternFieldZip(store, 1, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), ptr.Length)

	back, err := ReadExternFieldZip(store, ptr)
	require.NoError(t, err)
	assert.Equal(t, data, back)

	// The deflated chain should occupy far fewer pages than the raw bytes
	// would have needed.
	rawPages := (len(data) + 256 - overflowPageHeaderSize - 1) / (256 - overflowPageHeaderSize)
	assert.Less(t, len(store.pages), rawPages)
}

func TestCopyExternallyStoredFieldPrefixCaches(t *testing.T) {
	store := newMemBlobStore()
	data := []byte(strings.Repeat("q", 900))
	ptr, err := StoreExternField(store, 1, data)
	require.NoError(t, err)

	cache := NewExternPrefixCache()
	prefix, err := cache.CopyExternallyStoredFieldPrefix(store, 2, ptr, 100)
	require.NoError(t, err)
	assert.Equal(t, data[:100], prefix)

	delete(store.pages, ptr.PageNo)
	prefix2, err := cache.CopyExternallyStoredFieldPrefix(store, 2, ptr, 50)
	require.NoError(t, err)
	assert.Equal(t, data[:50], prefix2)
}

func TestCopyPrefixOfDeletedFieldIsEmpty(t *testing.T) {
	cache := NewExternPrefixCache()
	prefix, err := cache.CopyExternallyStoredFieldPrefix(newMemBlobStore(), 1, ExternPtr{}, 100)
	require.NoError(t, err)
	assert.Empty(t, prefix)
}

func TestFreeExternFieldVisitsEveryPage(t *testing.T) {
	store := newMemBlobStore()
	data := []byte(strings.Repeat("w", 900))
	ptr, err := StoreExternField(store, 1, data)
	require.NoError(t, err)

	var freed []uint32
	require.NoError(t, FreeExternField(store, ptr, RbNone, func(pageNo uint32) {
		freed = append(freed, pageNo)
	}))
	assert.True(t, len(freed) >= 2)
	assert.Equal(t, freed, store.freed)
}

func TestFreeExternFieldHonoursOwnership(t *testing.T) {
	store := newMemBlobStore()
	data := []byte(strings.Repeat("w", 900))
	ptr, err := StoreExternField(store, 1, data)
	require.NoError(t, err)

	notOwned := ptr
	notOwned.Owned = false
	require.NoError(t, FreeExternField(store, notOwned, RbNone, nil))
	assert.Empty(t, store.freed)

	inherited := ptr
	inherited.Inherited = true
	require.NoError(t, FreeExternField(store, inherited, RbNormal, nil))
	assert.Empty(t, store.freed)

	// A purge of the same inherited reference does free the chain.
	require.NoError(t, FreeExternField(store, inherited, RbNone, nil))
	assert.NotEmpty(t, store.freed)
}

func TestInstallAndReadExternRef(t *testing.T) {
	idx := bigRecIndex()
	tuple := record.NewTuple(
		record.Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 9}},
		record.Field{Type: idx.Fields[1].Type, Data: []byte(strings.Repeat("a", 30))},
		record.Field{Type: idx.Fields[2].Type, Data: append([]byte(strings.Repeat("b", 10)), make([]byte, ExternPtrSize)...)},
	)
	rec, err := record.ConvertComp(idx, tuple, 0)
	require.NoError(t, err)
	offs, err := record.OffsetsComp(rec, idx, record.ULINTUndefined)
	require.NoError(t, err)

	ptr := ExternPtr{SpaceID: 1, PageNo: 5, Offset: 8, Length: 700, Owned: true}
	_, err = InstallExternRef(rec, offs, 2, ptr)
	require.NoError(t, err)

	got, err := ReadExternRef(rec, offs, 2)
	require.NoError(t, err)
	assert.Equal(t, ptr, got)
}
