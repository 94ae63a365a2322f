package page

import "encoding/binary"

// Directory constants governing how a page's sparse index is grown. The
// page cursor adds one slot per DirSlotMinOwned inserted user records;
// slots are never split or coalesced by owned count, and DirSlotMaxOwned
// is not consulted by this package.
const (
	DirSlotMinOwned = 4
	DirSlotMaxOwned = 8
	DirSlotSize     = 2 // bytes per directory slot (a page offset)
)

// Directory is the page directory: a dense array of 2-byte record offsets
// stored at the tail of the page, growing toward lower addresses as slots
// are added. Slot 0 always addresses supremum, the last slot infimum (the
// directory is stored back to front, matching the on-disk layout, but
// Directory's accessors expose it in a front-to-back logical order for
// readability).
type Directory struct {
	buf []byte // the page's tail region reserved for directory slots
	n   int    // number of slots currently in use
}

// NewDirectory wraps the tail region of a page buffer reserved for
// directory slots; Cap reports how many slots that region can hold.
func NewDirectory(buf []byte) *Directory {
	return &Directory{buf: buf}
}

func (d *Directory) Len() int { return d.n }

func (d *Directory) Cap() int { return len(d.buf) / DirSlotSize }

// Slot returns the page offset stored in slot i (0 is the highest-address
// slot on disk, addressing supremum).
func (d *Directory) Slot(i int) uint16 {
	off := len(d.buf) - (i+1)*DirSlotSize
	return binary.BigEndian.Uint16(d.buf[off : off+2])
}

func (d *Directory) SetSlot(i int, recOffset uint16) {
	off := len(d.buf) - (i+1)*DirSlotSize
	binary.BigEndian.PutUint16(d.buf[off:off+2], recOffset)
}

// InsertSlot grows the directory by one slot at logical position i,
// shifting slots i..n-1 down by one. Callers are responsible for ensuring
// the backing buffer has room (i.e. Cap() > Len()).
func (d *Directory) InsertSlot(i int, recOffset uint16) {
	for j := d.n; j > i; j-- {
		d.SetSlot(j, d.Slot(j-1))
	}
	d.SetSlot(i, recOffset)
	d.n++
}

// RemoveSlot shrinks the directory by one slot at logical position i,
// shifting slots i+1..n-1 up by one.
func (d *Directory) RemoveSlot(i int) {
	for j := i; j < d.n-1; j++ {
		d.SetSlot(j, d.Slot(j+1))
	}
	d.n--
}
