package record

import (
	"strings"
	"testing"

	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redundantIndex() *IndexDesc {
	return &IndexDesc{
		IsComp:        false,
		Clustered:     true,
		NUnique:       1,
		NUniqueInTree: 1,
		Fields: []FieldDesc{
			{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 500, MbMinLen: 1, MbMaxLen: 1}, Nullable: true},
			{Type: rectype.DType{Mtype: rectype.DataVarchar, Len: 500, MbMinLen: 1, MbMaxLen: 1}, Nullable: true},
		},
	}
}

func TestRedundantRoundTripShortOffsets(t *testing.T) {
	idx := redundantIndex()
	tuple := NewTuple(
		Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 7}},
		Field{Type: idx.Fields[1].Type, Data: []byte("hello")},
		Field{Type: idx.Fields[2].Type, Null: true},
	)

	rec, err := ConvertRed(idx, tuple)
	require.NoError(t, err)

	offs, err := OffsetsRed(rec, idx, ULINTUndefined)
	require.NoError(t, err)
	require.Len(t, offs, 3)

	assert.Equal(t, []byte{0, 0, 0, 7}, rec[offs[0].Start:offs[0].Start+offs[0].Len])
	assert.Equal(t, []byte("hello"), rec[offs[1].Start:offs[1].Start+offs[1].Len])
	assert.True(t, offs[2].IsNull())
}

func TestRedundantRoundTripLongOffsetsAndExtern(t *testing.T) {
	idx := redundantIndex()
	long := strings.Repeat("x", 300)
	tuple := NewTuple(
		Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 9}},
		Field{Type: idx.Fields[1].Type, Data: []byte(long), Ext: true},
		Field{Type: idx.Fields[2].Type, Data: []byte("tail")},
	)

	rec, err := ConvertRed(idx, tuple)
	require.NoError(t, err)

	offs, err := OffsetsRed(rec, idx, ULINTUndefined)
	require.NoError(t, err)
	assert.True(t, offs[1].Ext)
	assert.Equal(t, []byte(long), rec[offs[1].Start:offs[1].Start+offs[1].Len])
	assert.Equal(t, []byte("tail"), rec[offs[2].Start:offs[2].Start+offs[2].Len])
	assert.False(t, offs[0].Ext)
}

func TestOffsetsDispatchesOnFormat(t *testing.T) {
	idx := redundantIndex()
	tuple := NewTuple(
		Field{Type: idx.Fields[0].Type, Data: []byte{0, 0, 0, 1}},
		Field{Type: idx.Fields[1].Type, Data: []byte("ab")},
		Field{Type: idx.Fields[2].Type, Null: true},
	)
	rec, err := Convert(idx, tuple)
	require.NoError(t, err)
	offs, err := Offsets(rec, idx, ULINTUndefined)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), rec[offs[1].Start:offs[1].Start+offs[1].Len])
}

func TestRedundantFieldCountMismatch(t *testing.T) {
	idx := redundantIndex()
	tuple := NewTuple(Field{Type: idx.Fields[0].Type, Data: []byte{1}})
	_, err := ConvertRed(idx, tuple)
	assert.Error(t, err)
}
