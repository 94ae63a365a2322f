package record

import "github.com/pingcap/errors"

// Structural failures reported by the physical record codec. These wrap
// pingcap/errors so a recovery-path caller inspecting a corrupt page gets
// the call chain that produced the report, not just a flat string.
var (
	// ErrFormatMismatch is returned when index.IsComp disagrees with the
	// physical record's own status/format bit.
	ErrFormatMismatch = errors.New("record: format mismatch between index and physical record")

	// ErrTooManyFields is returned when a tuple or record declares more
	// fields than RecMaxNFields.
	ErrTooManyFields = errors.New("record: too many fields")

	// ErrCorruptOffsets is returned when Offsets finds the extra header's
	// encoded lengths inconsistent with the record body's actual size.
	ErrCorruptOffsets = errors.New("record: corrupt offsets")
)

// RecMaxNFields mirrors REC_MAX_N_FIELDS: the largest number of fields a
// physical record may encode, bounded by the 10-bit field count the
// REDUNDANT offset table can address.
const RecMaxNFields = 1024
