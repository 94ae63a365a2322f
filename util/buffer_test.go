package util

import (
	"bytes"
	"testing"
)

func TestConvertUInt4BytesIsLittleEndian(t *testing.T) {
	if got := ConvertUInt4Bytes(0x01020304); !bytes.Equal(got, []byte{4, 3, 2, 1}) {
		t.Fatalf("unexpected encoding %v", got)
	}
	if got := ConvertUInt4Bytes(0); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("unexpected encoding %v", got)
	}
}
