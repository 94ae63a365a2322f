package btree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-innodb/btreestore/server/innodb/ahi"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
)

func newHashedTree(t *testing.T) (*Tree, *memStore) {
	tr, store := newTestTree(t)
	tr.ID = 42
	tr.AHI = ahi.NewTable()
	tr.SearchInfo = ahi.NewIndexState(tr.ID, 4)
	return tr, store
}

func TestRepeatedSearchesBuildAdaptiveHash(t *testing.T) {
	tr, _ := newHashedTree(t)
	payload := strings.Repeat("h", 50)
	for i := uint32(1); i <= 10; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}

	probe := keyTuple(7, payload)
	for i := 0; i < 8; i++ {
		cur, err := tr.SearchToNthLevel(probe, page.ModeLE, 0)
		require.NoError(t, err)
		require.False(t, cur.PageCursor.IsInfimum())
	}
	require.True(t, tr.hashBuilt)

	cur, err := tr.SearchToNthLevel(probe, page.ModeLE, 0)
	require.NoError(t, err)
	assert.True(t, cur.FromHash)

	// The shortcut must land on the same record the descent finds.
	plain, err := tr.searchToNthLevel(probe, page.ModeLE, 0)
	require.NoError(t, err)
	assert.Equal(t, plain.PageCursor.Rec, cur.PageCursor.Rec)
	assert.Equal(t, plain.Page.PageNo, cur.Page.PageNo)
}

func TestMutationInvalidatesHashEntries(t *testing.T) {
	tr, _ := newHashedTree(t)
	payload := strings.Repeat("h", 50)
	for i := uint32(1); i <= 10; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}
	probe := keyTuple(7, payload)
	for i := 0; i < 8; i++ {
		_, err := tr.SearchToNthLevel(probe, page.ModeLE, 0)
		require.NoError(t, err)
	}
	require.True(t, tr.hashBuilt)

	// A delete on the hashed page drops its entries; the next search
	// falls back to the descent and still lands correctly.
	found, err := tr.Delete(keyTuple(3, payload), nil)
	require.NoError(t, err)
	require.True(t, found)

	cur, err := tr.SearchToNthLevel(probe, page.ModeLE, 0)
	require.NoError(t, err)
	assert.False(t, cur.FromHash)
	require.False(t, cur.PageCursor.IsInfimum())
}

func TestGuessSkippedForStrictModes(t *testing.T) {
	tr, _ := newHashedTree(t)
	payload := strings.Repeat("h", 50)
	for i := uint32(1); i <= 10; i++ {
		require.NoError(t, tr.Insert(keyTuple(i, payload), nil))
	}
	probe := keyTuple(7, payload)
	for i := 0; i < 8; i++ {
		_, err := tr.SearchToNthLevel(probe, page.ModeLE, 0)
		require.NoError(t, err)
	}
	require.True(t, tr.hashBuilt)

	cur, err := tr.SearchToNthLevel(probe, page.ModeL, 0)
	require.NoError(t, err)
	assert.False(t, cur.FromHash)
}
