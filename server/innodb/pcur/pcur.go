// Package pcur implements the persistent cursor: a tree position that
// survives mini-transaction boundaries by storing a prefix of the record
// it last pointed at and re-searching for that prefix later.
package pcur

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/logger"
	"github.com/go-innodb/btreestore/server/innodb/btree"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// RelPos records where a stored position sat relative to the record whose
// prefix was copied, matching the BTR_PCUR_* constants from btr_pcur.hpp.
type RelPos int

const (
	// RelUnset marks a cursor that has never had its position stored;
	// RestorePosition rejects it rather than guessing a meaning.
	RelUnset RelPos = iota
	RelOn
	RelBefore
	RelAfter
	RelBeforeFirstInTree
	RelAfterLastInTree
)

// PCur is this core's btr_pcur_t: the tree it searches, the page cursor
// reached by the last search or restore, and the state needed to restore
// that position after the owning page's latch has been released.
type PCur struct {
	Tree *btree.Tree

	// Page/Cursor are valid only while the cursor is "attached" (latched);
	// StorePosition clears the attachment but keeps oldTuple/RelPos so
	// RestorePosition can re-establish it.
	Page       *page.IndexPage
	PageCursor page.Cursor
	Detached   bool

	// oldTuple is a copy of the ordering (NUniqueInTree) fields of the
	// last user record the cursor pointed at, as a logical tuple ready to
	// re-search with.
	oldTuple *record.Tuple
	RelPos   RelPos
}

// Open performs a fresh tree search and returns a cursor attached to the
// landing position (btr_pcur_open_func).
func Open(tree *btree.Tree, tuple *record.Tuple, mode page.SearchMode) (*PCur, error) {
	cur, err := tree.SearchToNthLevel(tuple, mode, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &PCur{Tree: tree, Page: cur.Page, PageCursor: cur.PageCursor}, nil
}

// IsOnUserRec reports whether the cursor currently sits on an ordinary
// record rather than one of the page's infimum/supremum sentinels.
func (c *PCur) IsOnUserRec() bool {
	return !c.Detached && !c.PageCursor.IsInfimum() && !c.PageCursor.IsSupremum()
}

// StorePosition copies an initial segment of the record the cursor
// currently points at (or records the empty-tree sentinel positions) and
// detaches the cursor, releasing its claim on the page's latch. The
// tuple prefix carries exactly the tree's ordering fields, since that is
// all RestorePosition's re-search needs to relocate the record.
func (c *PCur) StorePosition() error {
	if c.Detached {
		return errors.New("pcur: cannot store position of an already-detached cursor")
	}
	nKey := c.Tree.Index.NUniqueInTree
	if nKey == 0 {
		nKey = c.Tree.Index.NUnique
	}

	switch {
	case c.PageCursor.IsSupremum():
		if c.Page.PageNo == c.Tree.RootPageNo && c.Page.NRecs() == 0 {
			c.RelPos = RelAfterLastInTree
			c.oldTuple = nil
			break
		}
		// Positioned after the last record on a non-final page: store the
		// last user record instead and remember we sat after it.
		prev, ok := lastUserRecOn(c.Page)
		if !ok {
			c.RelPos = RelAfterLastInTree
			c.oldTuple = nil
			break
		}
		c.oldTuple = c.tupleAt(prev, nKey)
		c.RelPos = RelAfter
	case c.PageCursor.IsInfimum():
		if c.Page.PageNo == c.Tree.RootPageNo && c.Page.NRecs() == 0 {
			c.RelPos = RelBeforeFirstInTree
			c.oldTuple = nil
			break
		}
		next := c.Page.NextRec(c.PageCursor.Rec)
		c.oldTuple = c.tupleAt(next, nKey)
		c.RelPos = RelBefore
	default:
		c.oldTuple = c.tupleAt(c.PageCursor.Rec, nKey)
		c.RelPos = RelOn
	}

	c.Page = nil
	c.PageCursor = page.Cursor{}
	c.Detached = true
	return nil
}

func (c *PCur) tupleAt(rec uint16, nFields int) *record.Tuple {
	offs, err := c.Page.Offsets(rec)
	if err != nil {
		return nil
	}
	return record.CopyPrefixToDTuple(c.Page.Buf, offs, c.Tree.Index, nFields)
}

// lastUserRecOn returns the origin of the last user record in pg's
// next-rec chain (the record immediately preceding supremum), or
// found=false if pg holds no user records.
func lastUserRecOn(pg *page.IndexPage) (rec uint16, found bool) {
	walker := uint16(page.InfimumOffset)
	for {
		next := pg.NextRec(walker)
		if next == page.SupremumOffset {
			return rec, found
		}
		rec, found = next, true
		walker = next
	}
}

// RestorePosition re-latches the cursor's position after a detach, per the
// btr_pcur_restore_position contract: it reports "exact restore" (true)
// only when the re-search lands on a user record whose ordering fields
// exactly match the ones captured by StorePosition; otherwise it reports a
// "near position" restore (false) and the caller must re-validate
// visibility of whatever it landed on.
func (c *PCur) RestorePosition() (exact bool, err error) {
	if !c.Detached {
		return false, errors.New("pcur: cursor is not detached")
	}
	switch c.RelPos {
	case RelUnset:
		return false, errors.New("pcur: restoring a cursor whose position was never stored")
	case RelBeforeFirstInTree:
		cur, err := c.Tree.SearchToNthLevel(emptyTuple(), page.ModeGE, 0)
		if err != nil {
			return false, err
		}
		c.attach(cur.Page, cur.PageCursor)
		return true, nil
	case RelAfterLastInTree:
		cur, err := c.Tree.SearchToNthLevel(emptyTuple(), page.ModeLE, 0)
		if err != nil {
			return false, err
		}
		c.attach(cur.Page, cur.PageCursor)
		return true, nil
	}

	mode := page.ModeLE
	if c.RelPos == RelBefore {
		mode = page.ModeGE
	}
	cur, err := c.Tree.SearchToNthLevel(c.oldTuple, mode, 0)
	if err != nil {
		return false, errors.Trace(err)
	}
	c.attach(cur.Page, cur.PageCursor)

	if !c.IsOnUserRec() {
		logger.Debugf("pcur: restore landed off a user record, reporting near position")
		return false, nil
	}
	nKey := c.Tree.Index.NUniqueInTree
	if nKey == 0 {
		nKey = c.Tree.Index.NUnique
	}
	restored := c.tupleAt(c.PageCursor.Rec, nKey)
	if restored == nil || !sameOrderingFields(c.oldTuple, restored) {
		logger.Debugf("pcur: restore's ordering fields diverged from the stored record")
		return false, nil
	}
	return true, nil
}

func (c *PCur) attach(pg *page.IndexPage, cur page.Cursor) {
	c.Page = pg
	c.PageCursor = cur
	c.Detached = false
}

func emptyTuple() *record.Tuple { return &record.Tuple{} }

func sameOrderingFields(a, b *record.Tuple) bool {
	if a == nil || b == nil || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		af, bf := a.Fields[i], b.Fields[i]
		if af.Null != bf.Null {
			return false
		}
		if af.Null {
			continue
		}
		if !bytes.Equal(af.Data, bf.Data) {
			return false
		}
	}
	return true
}

// MoveToNext advances the cursor to the next record in key order,
// crossing into the right sibling page when the current page is
// exhausted. It reports false (and leaves the cursor "after last in
// tree") when there is no further record.
func (c *PCur) MoveToNext() (bool, error) {
	if c.Detached {
		return false, errors.New("pcur: cursor is not attached")
	}
	next := c.Page.NextRec(c.PageCursor.Rec)
	if next != page.SupremumOffset {
		c.PageCursor = page.Cursor{Page: c.Page, Rec: next}
		return true, nil
	}
	return c.moveToNextPage()
}

// moveToNextPage releases the current page and attaches the cursor to the
// first record of the right sibling, matching btr_pcur_move_to_next_page's
// contract that the cursor must be on the last record of the current page.
func (c *PCur) moveToNextPage() (bool, error) {
	nextPageNo := c.Page.NextPageNo()
	if nextPageNo == 0 {
		c.Page = nil
		c.PageCursor = page.Cursor{}
		c.Detached = true
		c.RelPos = RelAfterLastInTree
		return false, nil
	}
	buf, err := c.Tree.Store.LoadPage(c.Tree.SpaceID, nextPageNo)
	if err != nil {
		return false, errors.Trace(err)
	}
	pg := page.WrapIndexPage(buf, c.Tree.Index, c.Tree.SpaceID, nextPageNo)
	c.Page = pg
	first := pg.First().Next()
	c.PageCursor = first
	if first.IsSupremum() {
		return c.moveToNextPage()
	}
	return true, nil
}

// MoveToPrev moves the cursor one record backward. Moving
// backward first stores the position, so a concurrent mutation observed
// while re-latching the left sibling cannot deadlock against a writer
// coming from the other direction; this core has no concurrent latch
// manager yet, so the store/restore here is a direct re-search rather
// than an actual latch release and reacquire.
func (c *PCur) MoveToPrev() (bool, error) {
	if c.Detached {
		return false, errors.New("pcur: cursor is not attached")
	}
	if err := c.StorePosition(); err != nil {
		return false, err
	}
	prevTuple := c.oldTuple
	savedRel := c.RelPos

	if savedRel == RelOn {
		cur, err := c.Tree.SearchToNthLevel(prevTuple, page.ModeL, 0)
		if err != nil {
			return false, err
		}
		if cur.PageCursor.IsInfimum() {
			return c.crossLeftFrom(cur.Page)
		}
		c.attach(cur.Page, cur.PageCursor)
		return true, nil
	}

	ok, err := c.RestorePosition()
	if err != nil || !ok {
		return false, err
	}
	return c.MoveToPrev()
}

func (c *PCur) crossLeftFrom(pg *page.IndexPage) (bool, error) {
	prevPageNo := pg.PrevPageNo()
	if prevPageNo == 0 {
		c.Page = pg
		c.PageCursor = pg.First()
		c.Detached = false
		c.RelPos = RelBeforeFirstInTree
		return false, nil
	}
	buf, err := c.Tree.Store.LoadPage(c.Tree.SpaceID, prevPageNo)
	if err != nil {
		return false, errors.Trace(err)
	}
	left := page.WrapIndexPage(buf, c.Tree.Index, c.Tree.SpaceID, prevPageNo)
	last, ok := lastUserRecOn(left)
	if !ok {
		return c.crossLeftFrom(left)
	}
	c.attach(left, page.Cursor{Page: left, Rec: last})
	return true, nil
}
