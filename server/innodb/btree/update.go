package btree

import (
	jujuerrors "github.com/juju/errors"
	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/logger"
	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// UpdateInPlace handles the narrowest update: the new tuple's encoding
// occupies exactly the bytes of the old one, so the record is overwritten
// where it sits and nothing moves. Any sizing difference is reported as
// ErrOverflow for the caller to escalate.
func (t *Tree) UpdateInPlace(tuple *record.Tuple, m *mtr.Mtr) error {
	cur, err := t.searchToNthLevel(tuple, page.ModeLE, 0)
	if err != nil {
		return err
	}
	_, rec, ok := findExact(cur.Page, tuple, t.nKeyFields())
	if !ok {
		return jujuerrors.Trace(ErrRecordNotFound)
	}
	if err := cur.Page.UpdateInPlace(rec, tuple, m); err != nil {
		return jujuerrors.Annotatef(ErrOverflow, "in-place rewrite refused: %v", err)
	}
	t.dropPageHash(cur.Page.PageNo)
	return nil
}

// OptimisticUpdate covers size-changing updates that still fit the
// record's current page: the old record is deleted and the new one
// inserted on the same page in one latched step. It refuses, without
// mutating anything, with:
//
//   - ErrOverflow when the new record needs external storage or more free
//     space than the page has;
//   - ErrUnderflow when the shrink would put the page below the merge
//     threshold (the pessimistic path must consider a sibling merge);
//   - ErrRecordNotFound when the key is absent.
func (t *Tree) OptimisticUpdate(tuple *record.Tuple, m *mtr.Mtr) error {
	cur, err := t.searchToNthLevel(tuple, page.ModeLE, 0)
	if err != nil {
		return err
	}
	pg := cur.Page
	prev, rec, ok := findExact(pg, tuple, t.nKeyFields())
	if !ok {
		return jujuerrors.Trace(ErrRecordNotFound)
	}

	// The easy case first: identical sizing updates in place.
	if err := pg.UpdateInPlace(rec, tuple, m); err == nil {
		t.dropPageHash(pg.PageNo)
		return nil
	}

	newSize, err := record.ConvertedSizeComp(t.Index, tuple)
	if err != nil {
		return errors.Trace(err)
	}
	budget := maxRecordSize(len(pg.Buf))
	if newSize > budget {
		return jujuerrors.Annotatef(ErrOverflow, "record of %d bytes exceeds the %d-byte page budget", newSize, budget)
	}
	if pg.FreeSpace() < newSize+page.DirSlotSize {
		return jujuerrors.Annotatef(ErrOverflow, "page %d cannot hold the grown record", pg.PageNo)
	}

	oldTotal, err := pg.RecTotalLen(rec)
	if err != nil {
		return errors.Trace(err)
	}
	if pg.PageNo != t.RootPageNo {
		prospective := pg.DataSize() - oldTotal + newSize
		if prospective < int(t.cfg().PageCompressLimit()) {
			return jujuerrors.Annotatef(ErrUnderflow, "page %d would fall below the merge threshold", pg.PageNo)
		}
	}

	pg.Delete(prev, rec, m)
	c, _, _ := pg.Search(tuple, page.ModeLE)
	if _, ok := pg.Insert(c, tuple, m); !ok {
		// The free-space check above reserved room, so this indicates a
		// page-internal inconsistency rather than a sizing race.
		return errors.Errorf("btree: page %d refused an insert its free space admitted", pg.PageNo)
	}
	t.dropPageHash(pg.PageNo)
	return nil
}

// PessimisticUpdate generalizes to whole-tree mutations: the old record is
// deleted through the full delete path (merges included, extern chains of
// replaced fields freed) and the new tuple inserted through the full
// insert path (splits and big-record conversion included). It is the only
// update path that may create new extern fields.
func (t *Tree) PessimisticUpdate(tuple *record.Tuple, m *mtr.Mtr) error {
	if err := t.reserveExtents(1); err != nil {
		return err
	}
	found, err := t.Delete(tuple, m)
	if err != nil {
		return err
	}
	if !found {
		return jujuerrors.Trace(ErrRecordNotFound)
	}
	return t.Insert(tuple, m)
}

// Update is the full optimistic-then-pessimistic ladder: in-place, then
// same-page delete+insert, then the whole-tree path, escalating exactly
// on the sentinel statuses the cheaper steps report.
func (t *Tree) Update(tuple *record.Tuple, m *mtr.Mtr) error {
	err := t.OptimisticUpdate(tuple, m)
	switch {
	case err == nil:
		return nil
	case IsOverflow(err) || IsUnderflow(err) || IsZipOverflow(err) || IsFail(err):
		logger.Debugf("btree: optimistic update escalating: %v", err)
		return t.PessimisticUpdate(tuple, m)
	default:
		return err
	}
}
