package btree

import (
	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/logger"
	"github.com/go-innodb/btreestore/server/innodb/bigrec"
	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// nKeyFields is how many leading fields identify a row in this tree,
// the prefix update and delete use to locate their target.
func (t *Tree) nKeyFields() int {
	n := t.Index.NUniqueInTree
	if n == 0 {
		n = t.Index.NUnique
	}
	if n == 0 {
		n = t.Index.NFields()
	}
	return n
}

// compareKeyRec compares exactly tuple's first nKey fields against a
// physical record, returning 0 on prefix equality regardless of how many
// further fields either side carries.
func compareKeyRec(tuple *record.Tuple, nKey int, buf []byte, offs []record.FieldOffset) int {
	if nKey > len(tuple.Fields) {
		nKey = len(tuple.Fields)
	}
	prefix := &record.Tuple{Fields: tuple.Fields[:nKey], NFieldsCmp: nKey}
	cmp, _ := record.CompareTupleRec(prefix, buf, offs, record.MatchResult{})
	return cmp
}

// findExact walks a page's chain linearly looking for the record whose
// first nKey fields compare equal to tuple's, returning the preceding
// record's origin alongside it (the caller needs the predecessor to
// unlink the match).
func findExact(pg *page.IndexPage, tuple *record.Tuple, nKey int) (prevRec, rec uint16, found bool) {
	prevRec = page.InfimumOffset
	walker := prevRec
	for {
		next := pg.NextRec(walker)
		if next == page.SupremumOffset {
			return prevRec, 0, false
		}
		offs, err := pg.Offsets(next)
		if err != nil {
			return prevRec, 0, false
		}
		cmp := compareKeyRec(tuple, nKey, pg.Buf, offs)
		if cmp == 0 {
			return walker, next, true
		}
		if cmp < 0 {
			return prevRec, 0, false
		}
		prevRec = walker
		walker = next
	}
}

// freeExternChains releases every overflow chain the record at rec owns,
// honoring the ownership and inheritance bits on each reference.
func (t *Tree) freeExternChains(pg *page.IndexPage, rec uint16, rbCtx bigrec.RollbackCtx) {
	if t.Blobs == nil {
		return
	}
	offs, err := pg.Offsets(rec)
	if err != nil {
		return
	}
	for i, o := range offs {
		if !o.Ext {
			continue
		}
		ptr, err := bigrec.ReadExternRef(pg.Buf, offs, i)
		if err != nil {
			continue
		}
		if err := bigrec.FreeExternField(t.Blobs, ptr, rbCtx, nil); err != nil {
			logger.Debugf("btree: freeing overflow chain of field %d failed: %v", i, err)
		}
	}
}

// Delete removes the record matching tuple's key from its leaf, reporting
// found=false if no such record exists. The record's owned overflow
// chains are freed first. If the removal leaves the page below the merge
// threshold the pessimistic tail runs: merge into a sibling when the
// combined records fit one page, or discard the page outright once it is
// empty, removing the node pointer from the parent level (and shrinking
// the tree's height when the root is left with a single child).
func (t *Tree) Delete(tuple *record.Tuple, m *mtr.Mtr) (found bool, err error) {
	cur, err := t.searchToNthLevel(tuple, page.ModeLE, 0)
	if err != nil {
		return false, err
	}
	prevRec, rec, ok := findExact(cur.Page, tuple, t.nKeyFields())
	if !ok {
		return false, nil
	}

	t.freeExternChains(cur.Page, rec, bigrec.RbNone)
	cur.Page.Delete(prevRec, rec, m)
	t.dropPageHash(cur.Page.PageNo)

	if cur.Page.PageNo != t.RootPageNo &&
		cur.Page.DataSize() < int(t.cfg().PageCompressLimit()) {
		if err := t.compressOrDiscard(cur, m); err != nil {
			return true, err
		}
	}
	return true, nil
}

// findChildPtr locates the node pointer for childNo on a parent page,
// returning the pointer record's origin and its chain predecessor.
func findChildPtr(parent *page.IndexPage, childNo uint32) (prevRec, rec uint16, ok bool) {
	prevRec = page.InfimumOffset
	walker := prevRec
	for {
		next := parent.NextRec(walker)
		if next == page.SupremumOffset {
			return prevRec, 0, false
		}
		offs, err := parent.Offsets(next)
		if err != nil {
			return prevRec, 0, false
		}
		if ChildPageNo(parent.Buf, offs) == childNo {
			return walker, next, true
		}
		prevRec = walker
		walker = next
	}
}

// compressOrDiscard is the pessimistic delete tail for an underfull page:
// an empty page is discarded; otherwise a merge is tried into the left
// sibling first, then the right, each only when the sibling's node
// pointer sits on the same parent.
func (t *Tree) compressOrDiscard(cur *Cursor, m *mtr.Mtr) error {
	if len(cur.Path) == 0 {
		return nil
	}
	if err := t.reserveExtents(len(cur.Path) + 1); err != nil {
		return err
	}

	pg := cur.Page
	parentNo := cur.Path[len(cur.Path)-1]
	parent, err := t.loadPage(parentNo)
	if err != nil {
		return err
	}

	if pg.NRecs() == 0 {
		// Discarding a page under a chain of single-pointer ancestors
		// would leave internal pages with nothing to descend through.
		// Collapse the chain first: each single-child ancestor hands its
		// place in its own parent directly to pg, until pg either becomes
		// the root (the tree is empty) or sits under a parent that keeps
		// other children.
		path := cur.Path
		for parent.NRecs() == 1 {
			if parent.PageNo == t.RootPageNo {
				oldRoot := t.RootPageNo
				t.RootPageNo = pg.PageNo
				pg.SetPrevPageNoLogged(0, m)
				pg.SetNextPageNoLogged(0, m)
				t.dropPageHash(oldRoot)
				t.freePage(oldRoot)
				logger.Debugf("btree: tree emptied, page %d is the new root", pg.PageNo)
				return nil
			}
			grandNo := path[len(path)-2]
			grand, err := t.loadPage(grandNo)
			if err != nil {
				return err
			}
			if err := t.rewriteChildPtr(grand, parent.PageNo, pg.PageNo, m); err != nil {
				return err
			}
			t.dropPageHash(parent.PageNo)
			t.freePage(parent.PageNo)
			path = path[:len(path)-1]
			parent = grand
		}
		return t.discardPage(pg, parent, path, m)
	}

	if left := pg.PrevPageNo(); left != 0 {
		if _, _, onSameParent := findChildPtr(parent, left); onSameParent {
			leftPage, err := t.loadPage(left)
			if err != nil {
				return err
			}
			merged, err := t.mergePages(leftPage, pg, m)
			if err != nil {
				return err
			}
			if merged {
				logger.Debugf("btree: merged page %d into left sibling %d", pg.PageNo, leftPage.PageNo)
				return t.removeNodePtr(pg.PageNo, parent, cur.Path, m)
			}
		}
	}

	if right := pg.NextPageNo(); right != 0 {
		if _, _, onSameParent := findChildPtr(parent, right); onSameParent {
			rightPage, err := t.loadPage(right)
			if err != nil {
				return err
			}
			merged, err := t.mergePages(pg, rightPage, m)
			if err != nil {
				return err
			}
			if merged {
				logger.Debugf("btree: merged right sibling %d into page %d", rightPage.PageNo, pg.PageNo)
				return t.removeNodePtr(rightPage.PageNo, parent, cur.Path, m)
			}
		}
	}

	return nil
}

// rewriteChildPtr redirects the node pointer for oldChild on parent to
// newChild in place, a logged four-byte write that keeps the pointer's
// separating key (newChild covers the same key range).
func (t *Tree) rewriteChildPtr(parent *page.IndexPage, oldChild, newChild uint32, m *mtr.Mtr) error {
	_, rec, ok := findChildPtr(parent, oldChild)
	if !ok {
		return errors.Errorf("btree: parent page %d has no pointer to child %d", parent.PageNo, oldChild)
	}
	offs, err := parent.Offsets(rec)
	if err != nil {
		return errors.Trace(err)
	}
	o := offs[len(offs)-1]
	parent.Buf[o.Start] = byte(newChild >> 24)
	parent.Buf[o.Start+1] = byte(newChild >> 16)
	parent.Buf[o.Start+2] = byte(newChild >> 8)
	parent.Buf[o.Start+3] = byte(newChild)
	if m != nil {
		m.LogWrite(mtr.TypeWriteString, t.SpaceID, parent.PageNo, uint16(o.Start), parent.Buf[o.Start:o.Start+4])
	}
	return nil
}

// mergePages rebuilds left's buffer to hold both pages' records, fixes
// the sibling chain around the retired right page, and reports whether
// the combined records actually fit (false leaves both pages untouched).
// The caller removes the right page's node pointer afterwards.
func (t *Tree) mergePages(left, right *page.IndexPage, m *mtr.Mtr) (bool, error) {
	idx := t.indexForLevel(left.Level())
	leftTuples, err := collectTuples(left, idx)
	if err != nil {
		return false, errors.Trace(err)
	}
	rightTuples, err := collectTuples(right, idx)
	if err != nil {
		return false, errors.Trace(err)
	}

	scratch := make([]byte, len(left.Buf))
	cand := page.NewIndexPage(scratch, idx, t.SpaceID, left.PageNo)
	cand.SetLevel(left.Level())
	cand.SetPrevPageNo(left.PrevPageNo())
	cand.SetNextPageNo(right.NextPageNo())
	for _, tup := range append(leftTuples, rightTuples...) {
		c, _, _ := cand.Search(tup, page.ModeLE)
		if _, ok := cand.Insert(c, tup, nil); !ok {
			return false, nil
		}
	}

	copy(left.Buf, scratch)
	if m != nil {
		m.LogWrite(mtr.TypeListEndCopyCreated, t.SpaceID, left.PageNo, 0, left.Buf)
	}

	if next := right.NextPageNo(); next != 0 {
		if nextPage, err := t.loadPage(next); err == nil {
			nextPage.SetPrevPageNoLogged(left.PageNo, m)
		}
	}

	t.dropPageHash(left.PageNo)
	t.dropPageHash(right.PageNo)
	t.freePage(right.PageNo)
	return true, nil
}

// discardPage retires an empty page: it is unlinked from its level's
// sibling chain, its node pointer removed from the parent, and the page
// handed back to the allocator.
func (t *Tree) discardPage(pg *page.IndexPage, parent *page.IndexPage, path []uint32, m *mtr.Mtr) error {
	prevNo, nextNo := pg.PrevPageNo(), pg.NextPageNo()
	if prevNo != 0 {
		if prevPage, err := t.loadPage(prevNo); err == nil {
			prevPage.SetNextPageNoLogged(nextNo, m)
		}
	}
	if nextNo != 0 {
		if nextPage, err := t.loadPage(nextNo); err == nil {
			nextPage.SetPrevPageNoLogged(prevNo, m)
		}
	}

	t.dropPageHash(pg.PageNo)
	t.freePage(pg.PageNo)
	logger.Debugf("btree: discarded empty page %d", pg.PageNo)
	return t.removeNodePtr(pg.PageNo, parent, path, m)
}

// removeNodePtr deletes childNo's pointer from parent, restores the
// MIN_REC mark when the parent's leftmost pointer changed, and walks the
// underflow upward: an empty non-root parent is discarded in turn, and a
// non-leaf root left with a single child hands the root role to that
// child, shrinking the tree's height.
func (t *Tree) removeNodePtr(childNo uint32, parent *page.IndexPage, path []uint32, m *mtr.Mtr) error {
	prevPtr, ptrRec, ok := findChildPtr(parent, childNo)
	if !ok {
		return errors.Errorf("btree: parent page %d has no pointer to child %d", parent.PageNo, childNo)
	}
	parent.Delete(prevPtr, ptrRec, m)
	t.dropPageHash(parent.PageNo)

	// The deleted pointer was the parent's leftmost: the replacement
	// leftmost must compare as negative infinity unless this page is its
	// level's leftmost.
	if prevPtr == page.InfimumOffset && parent.PrevPageNo() != 0 {
		if first, ok := parent.FirstUserRec(); ok && !parent.IsMinRec(first) {
			parent.SetMinRec(first, true, m)
		}
	}

	if parent.PageNo == t.RootPageNo {
		return t.shrinkRootIfSingleChild(parent, m)
	}

	if parent.NRecs() == 0 {
		if len(path) < 2 {
			return nil
		}
		grandNo := path[len(path)-2]
		grand, err := t.loadPage(grandNo)
		if err != nil {
			return err
		}
		return t.discardPage(parent, grand, path[:len(path)-1], m)
	}
	return nil
}

// shrinkRootIfSingleChild reduces the tree's height when a non-leaf root
// is down to one child: that child becomes the root. The old root page is
// handed back to the allocator; callers holding the tree context see the
// new root on their next descent.
func (t *Tree) shrinkRootIfSingleChild(root *page.IndexPage, m *mtr.Mtr) error {
	if root.Level() == 0 || root.NRecs() != 1 {
		return nil
	}
	first, ok := root.FirstUserRec()
	if !ok {
		return nil
	}
	offs, err := root.Offsets(first)
	if err != nil {
		return errors.Trace(err)
	}
	childNo := ChildPageNo(root.Buf, offs)

	child, err := t.loadPage(childNo)
	if err != nil {
		return err
	}
	child.SetPrevPageNoLogged(0, m)
	child.SetNextPageNoLogged(0, m)
	// The new root is its level's leftmost page; a MIN_REC mark inherited
	// from its sibling days would make its first key unreadable.
	if child.Level() > 0 {
		if firstChildRec, ok := child.FirstUserRec(); ok && child.IsMinRec(firstChildRec) {
			child.SetMinRec(firstChildRec, false, m)
		}
	}

	oldRoot := t.RootPageNo
	t.RootPageNo = childNo
	t.dropPageHash(oldRoot)
	t.freePage(oldRoot)
	logger.Debugf("btree: tree height reduced, page %d is the new root", childNo)
	return nil
}

func (t *Tree) freePage(pageNo uint32) {
	if f, ok := t.Store.(PageFreer); ok {
		f.FreePage(t.SpaceID, pageNo)
	}
}
