package mtr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndApplyDispatchesByType(t *testing.T) {
	page := make([]byte, 32)

	require.NoError(t, ParseAndApply(Record{
		Type:    TypeCompRecInsert,
		Payload: []byte{0, 4, 0xAA, 0xBB},
	}, page))
	assert.Equal(t, []byte{0xAA, 0xBB}, page[4:6])

	// Markers change nothing.
	require.NoError(t, ParseAndApply(Record{Type: TypeCompPageReorganize}, page))
	assert.Equal(t, []byte{0xAA, 0xBB}, page[4:6])

	// Full image replaces the page wholesale.
	image := make([]byte, 32)
	image[0] = 0x11
	require.NoError(t, ParseAndApply(Record{Type: TypeZipPageCompress, Payload: image}, page))
	assert.Equal(t, byte(0x11), page[0])
}

func TestParseAndApplyRejectsUnknownType(t *testing.T) {
	err := ParseAndApply(Record{Type: Type(200), Payload: []byte{0, 0}}, make([]byte, 8))
	assert.Error(t, err)
}

func TestDryParseWithNilPage(t *testing.T) {
	n, err := ParseCompRecInsert([]byte{0, 4, 1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = ParseZipPageCompress(make([]byte, 16), nil)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestWriteOutOfBoundsIsError(t *testing.T) {
	err := ParseAndApply(Record{
		Type:    TypeWriteString,
		Payload: []byte{0, 30, 1, 2, 3, 4},
	}, make([]byte, 32))
	assert.Error(t, err)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	rec := Record{Type: TypeRecMinMark, SpaceID: 3, PageNo: 900000, Payload: []byte{0, 1, 0xFF}}
	got, rest, ok := Parse(rec.Encode())
	require.True(t, ok)
	assert.Empty(t, rest)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.SpaceID, got.SpaceID)
	assert.Equal(t, rec.PageNo, got.PageNo)
	assert.Equal(t, rec.Payload, got.Payload)
}
