package page

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/go-innodb/btreestore/server/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipPageCompressRoundTrip(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)

	for _, v := range []struct {
		n uint32
		s string
	}{{1, "aa"}, {2, "bb"}, {3, "cc"}} {
		tuple := intTuple(v.n, v.s)
		cur, _, _ := p.Search(tuple, ModeLE)
		_, ok := p.Insert(cur, tuple, nil)
		require.True(t, ok)
	}

	zp := NewZipPage(14, p)
	require.NoError(t, zp.Compress(nil))
	assert.False(t, zp.Desc.MNonEmpty)
	assert.True(t, zp.Desc.MStart > 0)

	r, err := zlib.NewReader(bytes.NewReader(zp.Image[:zp.Desc.MStart]))
	require.NoError(t, err)
	stream, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(stream), "aa")
	assert.Contains(t, string(stream), "bb")
	assert.Contains(t, string(stream), "cc")
}

func TestZipPageAvailableRespectsBlobArea(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)

	zp := NewZipPage(10, p) // small 1KB image
	zp.Desc.NBlobs = 10     // reserve 200 bytes for blob pointers
	require.NoError(t, zp.Compress(nil))

	assert.True(t, zp.Available(50))
	assert.False(t, zp.Available(len(zp.Image)))
}

func TestZipPageAppendModLogMarksNonEmpty(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)
	zp := NewZipPage(14, p)
	require.NoError(t, zp.Compress(nil))

	start := zp.Desc.MStart
	ok := zp.AppendModLog(3, []byte{9, 9, 9})
	require.True(t, ok)
	assert.True(t, zp.Desc.MNonEmpty)
	assert.True(t, zp.Desc.MEnd > start)

	entries := zp.modLogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint16(3), entries[0][0])
	assert.Equal(t, []byte{9, 9, 9}, entries[0][1])
}

func TestZipPageWriteBlobPtrRejectsWrongSize(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)
	zp := NewZipPage(14, p)
	require.NoError(t, zp.Compress(nil))

	err := zp.WriteBlobPtr(0, []byte{1, 2, 3}, nil)
	assert.Error(t, err)
}

func TestZipPageWriteBlobPtrStoresAtTail(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)
	zp := NewZipPage(14, p)
	zp.Desc.NBlobs = 1
	require.NoError(t, zp.Compress(nil))

	ptr := bytes.Repeat([]byte{0xEE}, ZipBlobPtrSize)
	require.NoError(t, zp.WriteBlobPtr(0, ptr, nil))

	off := len(zp.Image) - ZipBlobPtrSize
	assert.Equal(t, ptr, zp.Image[off:off+ZipBlobPtrSize])
}

func TestZipPageDecompressReplaysModLog(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)

	var recBB uint16
	for _, v := range []struct {
		n uint32
		s string
	}{{1, "aa"}, {2, "bb"}, {3, "cc"}} {
		tuple := intTuple(v.n, v.s)
		cur, _, _ := p.Search(tuple, ModeLE)
		rec, ok := p.Insert(cur, tuple, nil)
		require.True(t, ok)
		if v.s == "bb" {
			recBB = rec
		}
	}
	heapNo := p.header(recBB).HeapNo()

	zp := NewZipPage(14, p)
	require.NoError(t, zp.Compress(nil))

	// Build a same-length replacement for "bb"'s entry by editing the
	// pre-compression stream in place, so the modification log's delta
	// matches what applyModLogEntry expects to find by heap_no.
	stream := recordStream(p)
	entries := parseRecordStream(stream)
	var delta []byte
	for _, e := range entries {
		got, ok := e.heapNo(stream)
		if ok && got == heapNo {
			delta = append([]byte(nil), stream[e.RecOffset:e.RecOffset+e.TotalLen]...)
			break
		}
	}
	require.NotNil(t, delta)
	require.True(t, bytes.Contains(delta, []byte("bb")))
	delta = bytes.Replace(delta, []byte("bb"), []byte("BB"), 1)

	require.True(t, zp.AppendModLog(heapNo, delta))

	got, err := zp.Decompress()
	require.NoError(t, err)
	assert.Contains(t, string(got), "aa")
	assert.Contains(t, string(got), "BB")
	assert.Contains(t, string(got), "cc")
	assert.NotContains(t, string(got), "bb")
}

func TestZipPageReorganizeResetsModLog(t *testing.T) {
	buf := make([]byte, common.PAGE_SIZE)
	idx := testPageIndex()
	p := NewIndexPage(buf, idx, 1, 7)
	tuple := intTuple(1, "a")
	cur, _, _ := p.Search(tuple, ModeLE)
	_, ok := p.Insert(cur, tuple, nil)
	require.True(t, ok)

	zp := NewZipPage(14, p)
	require.NoError(t, zp.Compress(nil))
	require.True(t, zp.AppendModLog(2, []byte{1}))
	require.True(t, zp.Desc.MNonEmpty)

	require.NoError(t, zp.Reorganize(nil))
	assert.False(t, zp.Desc.MNonEmpty)
	assert.Equal(t, zp.Desc.MStart, zp.Desc.MEnd)
}
