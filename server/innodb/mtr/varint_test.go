package mtr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressedRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 16383, 16384, 1 << 20, 1<<28 - 1, 1 << 28, 1<<32 - 1}
	for _, v := range values {
		buf := PutCompressed(nil, v)
		got, n := GetCompressed(buf)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestCompressedNeedsMoreBytes(t *testing.T) {
	buf := PutCompressed(nil, 1<<20)
	_, n := GetCompressed(buf[:len(buf)-1])
	assert.Equal(t, 0, n)
}

func TestCompressed64RoundTrip(t *testing.T) {
	v := uint64(1)<<40 | 12345
	buf := PutCompressed64(nil, v)
	got, n := GetCompressed64(buf)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, v, got)
}
