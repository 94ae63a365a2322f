package mtr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveSealAndReadRoundTrip(t *testing.T) {
	var segments [][]byte
	a := NewSegmentArchiver(64, func(seg []byte) { segments = append(segments, seg) })

	m := New(nil)
	for i := uint32(0); i < 20; i++ {
		m.LogWrite(TypeCompRecInsert, 1, i, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	}
	stream := m.Commit()
	require.NoError(t, a.Append(stream))
	require.NoError(t, a.Seal())
	require.NotEmpty(t, segments)

	var recovered []byte
	for _, seg := range segments {
		raw, err := ReadSegment(seg)
		require.NoError(t, err)
		recovered = append(recovered, raw...)
	}
	assert.Equal(t, stream, recovered)

	records := ParseAll(recovered)
	assert.Len(t, records, 20)
}

func TestReadSegmentRejectsGarbage(t *testing.T) {
	_, err := ReadSegment([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = ReadSegment(make([]byte, 64))
	assert.Error(t, err)
}
