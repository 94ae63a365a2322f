package btree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-innodb/btreestore/server/innodb/bigrec"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
)

func leafPayloadAt(t *testing.T, tr *Tree, key uint32) []byte {
	cur, err := tr.SearchToNthLevel(keyTuple(key, "").WithNFieldsCmp(1), page.ModeLE, 0)
	require.NoError(t, err)
	require.False(t, cur.PageCursor.IsInfimum())
	offs, err := cur.Page.Offsets(cur.PageCursor.Rec)
	require.NoError(t, err)
	o := offs[1]
	return append([]byte(nil), cur.Page.Buf[o.Start:o.Start+o.Len]...)
}

func TestUpdateInPlaceSameSize(t *testing.T) {
	tr, _ := newTestTree(t)
	require.NoError(t, tr.Insert(keyTuple(1, "aaaa"), nil))
	require.NoError(t, tr.Insert(keyTuple(2, "bbbb"), nil))

	require.NoError(t, tr.UpdateInPlace(keyTuple(1, "cccc"), nil))

	assert.Equal(t, []byte("cccc"), leafPayloadAt(t, tr, 1))
	assert.Equal(t, []byte("bbbb"), leafPayloadAt(t, tr, 2))
}

func TestUpdateInPlaceRefusesSizeChange(t *testing.T) {
	tr, _ := newTestTree(t)
	require.NoError(t, tr.Insert(keyTuple(1, "aaaa"), nil))

	err := tr.UpdateInPlace(keyTuple(1, "a longer payload"), nil)
	require.Error(t, err)
	assert.True(t, IsOverflow(err))
}

func TestOptimisticUpdateGrowsRecordOnSamePage(t *testing.T) {
	tr, _ := newTestTree(t)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, "short"), nil))
	}

	grown := strings.Repeat("g", 120)
	require.NoError(t, tr.OptimisticUpdate(keyTuple(3, grown), nil))

	assert.Equal(t, []byte(grown), leafPayloadAt(t, tr, 3))
	assert.Equal(t, []byte("short"), leafPayloadAt(t, tr, 2))
	assert.Equal(t, []byte("short"), leafPayloadAt(t, tr, 4))
}

func TestUpdateNotFound(t *testing.T) {
	tr, _ := newTestTree(t)
	require.NoError(t, tr.Insert(keyTuple(1, "aaaa"), nil))

	err := tr.OptimisticUpdate(keyTuple(99, "aaaa"), nil)
	require.Error(t, err)
	assert.True(t, IsRecordNotFound(err))
}

func TestUpdateEscalatesToExternalStorage(t *testing.T) {
	tr, store := newTestTree(t)
	tr.Blobs = store
	payload := strings.Repeat("x", 100)
	for i := uint32(40); i <= 45; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	big := strings.Repeat("x", 15000)
	err := tr.OptimisticUpdate(keyTuple(42, big), nil)
	require.Error(t, err)
	assert.True(t, IsOverflow(err))

	require.NoError(t, tr.Update(keyTuple(42, big), nil))

	cur, err := tr.SearchToNthLevel(keyTuple(42, "").WithNFieldsCmp(1), page.ModeLE, 0)
	require.NoError(t, err)
	offs, err := cur.Page.Offsets(cur.PageCursor.Rec)
	require.NoError(t, err)
	require.True(t, offs[1].Ext)

	prefixLen := tr.cfg().AntelopeLocalPrefixLen
	assert.Equal(t, prefixLen+bigrec.ExternPtrSize, offs[1].Len)

	ptr, err := bigrec.ReadExternRef(cur.Page.Buf, offs, 1)
	require.NoError(t, err)
	assert.True(t, ptr.Owned)
	assert.False(t, ptr.Inherited)
	assert.Equal(t, uint64(len(big))-uint64(prefixLen), ptr.Length)

	suffix, err := bigrec.ReadExternField(store, ptr)
	require.NoError(t, err)
	o := offs[1]
	reconstructed := append([]byte(nil), cur.Page.Buf[o.Start:o.Start+prefixLen]...)
	reconstructed = append(reconstructed, suffix...)
	assert.Equal(t, []byte(big), reconstructed)
}

func TestDirectInsertOfOversizedRecordConverts(t *testing.T) {
	tr, store := newTestTree(t)
	tr.Blobs = store

	big := strings.Repeat("y", 12000)
	require.NoError(t, tr.Insert(keyTuple(7, big), nil))

	cur, err := tr.SearchToNthLevel(keyTuple(7, "").WithNFieldsCmp(1), page.ModeLE, 0)
	require.NoError(t, err)
	offs, err := cur.Page.Offsets(cur.PageCursor.Rec)
	require.NoError(t, err)
	assert.True(t, offs[1].Ext)
}

func TestOversizedRecordWithoutBlobStoreFails(t *testing.T) {
	tr, _ := newTestTree(t)
	err := tr.Insert(keyTuple(7, strings.Repeat("y", 12000)), nil)
	require.Error(t, err)
	assert.True(t, IsTooBigRecord(err))
}
