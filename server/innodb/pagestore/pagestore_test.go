package pagestore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-innodb/btreestore/server/innodb/btree"
	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

func testIndex() *record.IndexDesc {
	return &record.IndexDesc{
		IsComp:        true,
		Clustered:     true,
		NUnique:       1,
		NUniqueInTree: 1,
		Fields: []record.FieldDesc{
			{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 1000, MbMinLen: 1, MbMaxLen: 1}},
		},
	}
}

func keyTuple(n uint32, payload string) *record.Tuple {
	data := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return record.NewTuple(
		record.Field{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}, Data: data},
		record.Field{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 1000, MbMinLen: 1, MbMaxLen: 1}, Data: []byte(payload)},
	)
}

func TestTreeOverBufferPoolStore(t *testing.T) {
	st := New(16384, 64)
	require.NoError(t, st.EnsureSpace(1, "test"))

	idx := testIndex()
	rootNo, rootBuf, err := st.AllocPage(1)
	require.NoError(t, err)
	page.NewIndexPage(rootBuf, idx, 1, rootNo)

	tr := btree.NewTree(1, idx, rootNo, st)
	tr.Blobs = st

	payload := strings.Repeat("p", 300)
	const n = 120
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	// Every key is findable back through the pool's read path.
	for i := uint32(1); i <= n; i++ {
		cur, err := tr.SearchToNthLevel(keyTuple(i, payload), page.ModeLE, 0)
		require.NoError(t, err)
		require.False(t, cur.PageCursor.IsInfimum(), "key %d", i)
	}

	// Splits went through the pessimistic path, which must have reserved
	// extents against the space first.
	assert.Greater(t, st.ReservedExtents(1), uint32(0))

	// Deleting drains back through merges, returning pages to the space.
	for i := uint32(1); i <= n; i++ {
		found, err := tr.Delete(keyTuple(i, payload), nil)
		require.NoError(t, err)
		require.True(t, found)
	}
	assert.Greater(t, st.Pool().GetHitRatio(), 0.0)
}

func TestStoreFreeListReusesPages(t *testing.T) {
	st := New(16384, 8)
	require.NoError(t, st.EnsureSpace(7, "reuse"))

	no1, _, err := st.AllocPage(7)
	require.NoError(t, err)
	st.FreePage(7, no1)
	no2, _, err := st.AllocPage(7)
	require.NoError(t, err)
	assert.Equal(t, no1, no2)
}
