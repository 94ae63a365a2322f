package btree

import (
	"strings"
	"testing"

	"github.com/go-innodb/btreestore/server/common"
	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	pages map[uint32][]byte
	freed []uint32
	next  uint32
}

func newMemStore() *memStore {
	return &memStore{pages: map[uint32][]byte{}, next: 1}
}

func (s *memStore) FreePage(spaceID, pageNo uint32) {
	s.freed = append(s.freed, pageNo)
}

func (s *memStore) LoadPage(spaceID, pageNo uint32) ([]byte, error) {
	buf, ok := s.pages[pageNo]
	if !ok {
		return nil, errors.Errorf("btree test: no such page %d", pageNo)
	}
	return buf, nil
}

func (s *memStore) AllocPage(spaceID uint32) (uint32, []byte, error) {
	no := s.next
	s.next++
	buf := make([]byte, common.PAGE_SIZE)
	s.pages[no] = buf
	return no, buf, nil
}

func testLeafIndex() *record.IndexDesc {
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

func newTestTree(t *testing.T) (*Tree, *memStore) {
	store := newMemStore()
	idx := testLeafIndex()
	rootNo, rootBuf, err := store.AllocPage(1)
	require.NoError(t, err)
	page.NewIndexPage(rootBuf, idx, 1, rootNo) // level defaults to 0, a fresh leaf
	tr := NewTree(1, idx, rootNo, store)
	return tr, store
}

func leftmostLeaf(tr *Tree) (*page.IndexPage, error) {
	pageNo := tr.RootPageNo
	for {
		pg, err := tr.loadPage(pageNo)
		if err != nil {
			return nil, err
		}
		if pg.Level() == 0 {
			return pg, nil
		}
		c := pg.First().Next()
		offs, err := pg.Offsets(c.Rec)
		if err != nil {
			return nil, err
		}
		pageNo = ChildPageNo(pg.Buf, offs)
	}
}

func collectAllLeafKeys(t *testing.T, tr *Tree) []uint32 {
	pg, err := leftmostLeaf(tr)
	require.NoError(t, err)

	var keys []uint32
	for {
		tuples, err := collectTuples(pg, tr.Index)
		require.NoError(t, err)
		for _, tup := range tuples {
			d := tup.Fields[0].Data
			keys = append(keys, uint32(d[0])<<24|uint32(d[1])<<16|uint32(d[2])<<8|uint32(d[3]))
		}
		next := pg.NextPageNo()
		if next == 0 {
			return keys
		}
		pg, err = tr.loadPage(next)
		require.NoError(t, err)
	}
}

func TestInsertCausesSplitAndKeepsOrdering(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("x", 300)

	const n = 60
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	keys := collectAllLeafKeys(t, tr)
	require.Len(t, keys, n)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestDeleteRemovesExistingKey(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("y", 300)
	for i := uint32(1); i <= 20; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	found, err := tr.Delete(keyTuple(10, payload), nil)
	require.NoError(t, err)
	assert.True(t, found)

	keys := collectAllLeafKeys(t, tr)
	for _, k := range keys {
		assert.NotEqual(t, uint32(10), k)
	}
	assert.Len(t, keys, 19)
}

func TestDeleteReportsNotFoundForMissingKey(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("z", 300)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	found, err := tr.Delete(keyTuple(999, payload), nil)
	require.NoError(t, err)
	assert.False(t, found)
}
