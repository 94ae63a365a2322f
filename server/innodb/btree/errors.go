package btree

import (
	jujuerrors "github.com/juju/errors"
)

// Control-flow sentinels the optimistic entry points return to tell their
// caller which pessimistic action to take next. Callers type-switch on
// these (via the Is* helpers) rather than treating them as failures; none
// of them leaves a page modified.
var (
	// ErrFail: the optimistic operation could not fit on the current page;
	// escalate to the pessimistic variant.
	ErrFail = jujuerrors.New("btree: optimistic operation does not fit")

	// ErrOverflow: an update grew the record past what the page can hold
	// even after reorganization; the pessimistic path must delete and
	// re-insert, possibly splitting or converting to a big record.
	ErrOverflow = jujuerrors.New("btree: updated record overflows the page")

	// ErrUnderflow: an update shrank the page's data size below the merge
	// threshold; the pessimistic path must consider merging with a sibling.
	ErrUnderflow = jujuerrors.New("btree: updated page underflows the merge threshold")

	// ErrZipOverflow: the change fit the uncompressed page but not the
	// compressed image, even after recompression.
	ErrZipOverflow = jujuerrors.New("btree: change does not fit the compressed image")

	// ErrTooBigRecord: even with every eligible field pushed external the
	// record cannot be shortened enough. Surfaces to the caller.
	ErrTooBigRecord = jujuerrors.New("btree: record too big even after external conversion")

	// ErrOutOfFileSpace: extent reservation failed before any mutation.
	// Surfaces to the caller.
	ErrOutOfFileSpace = jujuerrors.New("btree: file space reservation failed")

	// ErrRecordNotFound: the key an update or delete names is absent.
	ErrRecordNotFound = jujuerrors.New("btree: record not found")
)

func IsFail(err error) bool           { return jujuerrors.Cause(err) == ErrFail }
func IsOverflow(err error) bool       { return jujuerrors.Cause(err) == ErrOverflow }
func IsUnderflow(err error) bool      { return jujuerrors.Cause(err) == ErrUnderflow }
func IsZipOverflow(err error) bool    { return jujuerrors.Cause(err) == ErrZipOverflow }
func IsTooBigRecord(err error) bool   { return jujuerrors.Cause(err) == ErrTooBigRecord }
func IsRecordNotFound(err error) bool { return jujuerrors.Cause(err) == ErrRecordNotFound }
