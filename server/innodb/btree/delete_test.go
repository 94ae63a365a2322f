package btree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

func countLeaves(t *testing.T, tr *Tree) int {
	pg, err := leftmostLeaf(tr)
	require.NoError(t, err)
	n := 1
	for pg.NextPageNo() != 0 {
		pg, err = tr.loadPage(pg.NextPageNo())
		require.NoError(t, err)
		n++
	}
	return n
}

func TestDeleteMergesUnderfullLeaves(t *testing.T) {
	tr, store := newTestTree(t)
	payload := strings.Repeat("m", 300)

	const n = 80
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}
	leavesBefore := countLeaves(t, tr)
	require.GreaterOrEqual(t, leavesBefore, 2)

	// Empty out the middle of the key space; the underfull leaves must
	// merge back together rather than linger.
	for i := uint32(20); i <= 70; i++ {
		found, err := tr.Delete(keyTuple(i, payload), nil)
		require.NoError(t, err)
		require.True(t, found)
	}

	leavesAfter := countLeaves(t, tr)
	assert.Less(t, leavesAfter, leavesBefore)
	assert.NotEmpty(t, store.freed)

	keys := collectAllLeafKeys(t, tr)
	require.Len(t, keys, n-51)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestDeleteAllShrinksTreeToSingleLeaf(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("s", 300)

	const n = 80
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	for i := uint32(1); i <= n; i++ {
		found, err := tr.Delete(keyTuple(i, payload), nil)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
	}

	root, err := tr.loadPage(tr.RootPageNo)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), root.Level())
	assert.Equal(t, uint16(0), root.NRecs())

	// The emptied tree accepts new inserts again.
	require.NoError(t, tr.Insert(keyTuple(5, payload), nil))
	keys := collectAllLeafKeys(t, tr)
	assert.Equal(t, []uint32{5}, keys)
}

func TestAscendingInsertsBiasSplitsRight(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("r", 300)

	for i := uint32(1); i <= 120; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	// A converging-right run splits at the insert point, so earlier
	// leaves stay nearly full instead of half empty.
	first, err := leftmostLeaf(tr)
	require.NoError(t, err)
	assert.Greater(t, int(first.NRecs()), 35)
}

func TestEstimateRowsInRange(t *testing.T) {
	tr, _ := newTestTree(t)
	payload := strings.Repeat("e", 300)
	for i := uint32(1); i <= 100; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	est, err := tr.EstimateRowsInRange(
		keyTuple(10, "").WithNFieldsCmp(1),
		keyTuple(60, "").WithNFieldsCmp(1),
		64,
	)
	require.NoError(t, err)
	// The bounds are walked exactly; only an exhausted page budget makes
	// the figure approximate, and 100 records never exhaust it.
	assert.Equal(t, int64(50), est)
}

func TestInternalSplitMarksRightPageMinRec(t *testing.T) {
	tr, store := newTestTree(t)

	// Build a level-1 page of node pointers by hand and split it.
	no, buf, err := store.AllocPage(1)
	require.NoError(t, err)
	pg := page.NewIndexPage(buf, tr.internal, 1, no)
	pg.SetLevel(1)
	for i := uint32(1); i <= 8; i++ {
		ptr := BuildNodePtr(tr.Index, keyTuple(i*10, ""), 100+i)
		c, _, _ := pg.Search(ptr, page.ModeLE)
		_, ok := pg.Insert(c, ptr, nil)
		require.True(t, ok)
	}

	_, right, _, err := tr.splitPage(pg, tr.internal, nil, nil)
	require.NoError(t, err)

	first, ok := right.FirstUserRec()
	require.True(t, ok)
	assert.True(t, right.IsMinRec(first))
}

func TestMinRecRecordComparesBelowEverything(t *testing.T) {
	tr, store := newTestTree(t)
	no, buf, err := store.AllocPage(1)
	require.NoError(t, err)
	pg := page.NewIndexPage(buf, tr.internal, 1, no)
	pg.SetLevel(1)

	for i := uint32(1); i <= 3; i++ {
		ptr := BuildNodePtr(tr.Index, keyTuple(i*10, ""), 200+i)
		c, _, _ := pg.Search(ptr, page.ModeLE)
		_, ok := pg.Insert(c, ptr, nil)
		require.True(t, ok)
	}
	first, ok := pg.FirstUserRec()
	require.True(t, ok)
	pg.SetMinRec(first, true, nil)

	// A key below every stored separator still lands on the marked
	// record under LE, because the mark forces it to compare low without
	// its key being read.
	probe := (&record.Tuple{Fields: keyTuple(5, "").Fields[:1], NFieldsCmp: 1})
	cur, _, _ := pg.Search(probe, page.ModeLE)
	assert.Equal(t, first, cur.Rec)
}
