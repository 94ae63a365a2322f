package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-innodb/btreestore/server/common"
	"github.com/go-innodb/btreestore/server/innodb/mtr"
)

// Replaying a mutation's redo against the pre-image must reproduce the
// post-image byte-for-byte.
func TestInsertRedoReplayReproducesPage(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 9)
	before := append([]byte(nil), p.Buf...)

	m := mtr.New(nil)
	for _, v := range []struct {
		n uint32
		s string
	}{{1, "a"}, {2, "b"}, {3, "c"}} {
		tuple := intTuple(v.n, v.s)
		cur, _, _ := p.Search(tuple, ModeLE)
		_, ok := p.Insert(cur, tuple, m)
		require.True(t, ok)
	}
	stream := m.Commit()

	replayed := append([]byte(nil), before...)
	records := mtr.ParseAll(stream)
	require.NotEmpty(t, records)
	require.NoError(t, mtr.ApplyAll(records, replayed))
	assert.Equal(t, p.Buf, replayed)

	// A second replay of the same stream changes nothing.
	require.NoError(t, mtr.ApplyAll(records, replayed))
	assert.Equal(t, p.Buf, replayed)
}

func TestDeleteRedoReplayReproducesPage(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 9)

	var recs []uint16
	for _, v := range []uint32{1, 2, 3} {
		tuple := intTuple(v, "xyz")
		cur, _, _ := p.Search(tuple, ModeLE)
		rec, ok := p.Insert(cur, tuple, nil)
		require.True(t, ok)
		recs = append(recs, rec)
	}
	before := append([]byte(nil), p.Buf...)

	m := mtr.New(nil)
	p.Delete(recs[0], recs[1], m)
	stream := m.Commit()

	replayed := append([]byte(nil), before...)
	require.NoError(t, mtr.ApplyAll(mtr.ParseAll(stream), replayed))
	assert.Equal(t, p.Buf, replayed)
}

func TestUpdateInPlaceRewritesRecordBytes(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 9)

	tuple := intTuple(1, "abcd")
	cur, _, _ := p.Search(tuple, ModeLE)
	rec, ok := p.Insert(cur, tuple, nil)
	require.True(t, ok)

	require.NoError(t, p.UpdateInPlace(rec, intTuple(1, "wxyz"), nil))
	offs, err := p.Offsets(rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("wxyz"), p.Buf[offs[1].Start:offs[1].Start+offs[1].Len])

	// The chain survives: the record is still reachable from infimum.
	assert.Equal(t, rec, p.NextRec(InfimumOffset))

	// A different size is refused outright.
	require.Error(t, p.UpdateInPlace(rec, intTuple(1, "too long now"), nil))
}

func TestInsertDirectionTracking(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 9)

	for i := uint32(1); i <= 5; i++ {
		tuple := intTuple(i, "p")
		cur, _, _ := p.Search(tuple, ModeLE)
		_, ok := p.Insert(cur, tuple, nil)
		require.True(t, ok)
	}
	assert.Equal(t, PageDirRight, p.Direction())
	assert.GreaterOrEqual(t, int(p.NDirection()), 3)

	// An out-of-order insert breaks the run.
	tuple := intTuple(0, "p")
	cur, _, _ := p.Search(tuple, ModeLE)
	_, ok := p.Insert(cur, tuple, nil)
	require.True(t, ok)
	assert.Equal(t, PageDirNone, p.Direction())
}

func TestDeleteAccountsGarbage(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 9)

	tuple := intTuple(1, "abc")
	cur, _, _ := p.Search(tuple, ModeLE)
	rec, ok := p.Insert(cur, tuple, nil)
	require.True(t, ok)
	sizeBefore := p.DataSize()
	require.Greater(t, sizeBefore, 0)

	p.Delete(InfimumOffset, rec, nil)
	assert.Equal(t, 0, p.DataSize())
	assert.Greater(t, int(p.Garbage()), 0)
}
