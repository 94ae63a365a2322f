package mtr

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
	pkgerrors "github.com/pkg/errors"
)

// archiveMagic heads every sealed archive segment so a reader can reject
// a file that was never one.
const archiveMagic = 0x5245444F // "REDO"

// SegmentArchiver accumulates committed redo streams and seals them into
// compressed segments once a size threshold is crossed. Sealed segments
// are only ever read back wholesale during diagnostics or a log-shipping
// catch-up, so they trade a little decode work for much smaller resting
// size; the live (unsealed) tail stays uncompressed because recovery
// tails it record by record. The page-image compression of the storage
// layer is deliberately a different codec: an archive segment is not an
// on-disk page and carries no byte-layout compatibility obligation.
type SegmentArchiver struct {
	threshold int
	tail      []byte
	sink      func(segment []byte)
}

// NewSegmentArchiver creates an archiver sealing segments of roughly
// threshold uncompressed bytes into sink.
func NewSegmentArchiver(threshold int, sink func(segment []byte)) *SegmentArchiver {
	return &SegmentArchiver{threshold: threshold, sink: sink}
}

// Append adds one committed redo stream (the bytes a Commit returned) to
// the open tail, sealing it if the threshold is crossed.
func (a *SegmentArchiver) Append(stream []byte) error {
	a.tail = append(a.tail, stream...)
	if len(a.tail) >= a.threshold {
		return a.Seal()
	}
	return nil
}

// Seal compresses the open tail into a segment and hands it to the sink;
// an empty tail seals to nothing.
func (a *SegmentArchiver) Seal() error {
	if len(a.tail) == 0 {
		return nil
	}
	var out bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], archiveMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(a.tail)))
	out.Write(hdr[:])

	w := lz4.NewWriter(&out)
	if _, err := w.Write(a.tail); err != nil {
		return pkgerrors.Wrap(err, "mtr: compressing archive segment")
	}
	if err := w.Close(); err != nil {
		return pkgerrors.Wrap(err, "mtr: sealing archive segment")
	}

	a.tail = nil
	if a.sink != nil {
		a.sink(out.Bytes())
	}
	return nil
}

// ReadSegment inflates a sealed segment back into the raw redo stream it
// was built from, ready for ParseAll.
func ReadSegment(segment []byte) ([]byte, error) {
	if len(segment) < 8 || binary.BigEndian.Uint32(segment[0:4]) != archiveMagic {
		return nil, pkgerrors.New("mtr: not an archive segment")
	}
	rawLen := binary.BigEndian.Uint32(segment[4:8])

	r := lz4.NewReader(bytes.NewReader(segment[8:]))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mtr: inflating archive segment")
	}
	if uint32(len(out)) != rawLen {
		return nil, pkgerrors.Errorf("mtr: archive segment inflated to %d bytes, header promised %d", len(out), rawLen)
	}
	return out, nil
}
