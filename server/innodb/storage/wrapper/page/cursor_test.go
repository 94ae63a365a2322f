package page

import (
	"testing"

	"github.com/go-innodb/btreestore/server/common"
	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPageIndex() *record.IndexDesc {
	return &record.IndexDesc{
		IsComp:    true,
		Clustered: true,
		NUnique:   1,
		Fields: []record.FieldDesc{
			{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 255, MbMinLen: 1, MbMaxLen: 1}},
		},
	}
}

func intTuple(v uint32, s string) *record.Tuple {
	data := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return record.NewTuple(
		record.Field{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}, Data: data},
		record.Field{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 255, MbMinLen: 1, MbMaxLen: 1}, Data: []byte(s)},
	)
}

func TestInsertThreeRecordsOrdering(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 5)

	for _, v := range []struct {
		n uint32
		s string
	}{{1, "a"}, {2, "b"}, {3, "c"}} {
		tuple := intTuple(v.n, v.s)
		cur, _, _ := p.Search(tuple, ModeLE)
		_, ok := p.Insert(cur, tuple, nil)
		require.True(t, ok)
	}

	assert.Equal(t, uint16(3), p.NRecs())

	var seen []string
	c := p.First()
	for {
		c = c.Next()
		if c.IsSupremum() {
			break
		}
		offs, err := p.Offsets(c.Rec)
		require.NoError(t, err)
		seen = append(seen, string(p.Buf[offs[1].Start:offs[1].Start+offs[1].Len]))
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestDeleteUnlinksRecord(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 5)

	tuple := intTuple(1, "a")
	cur, _, _ := p.Search(tuple, ModeLE)
	rec, ok := p.Insert(cur, tuple, nil)
	require.True(t, ok)

	p.Delete(InfimumOffset, rec, nil)
	assert.Equal(t, uint16(0), p.NRecs())
	assert.Equal(t, uint16(SupremumOffset), p.NextRec(InfimumOffset))
}
