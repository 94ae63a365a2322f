package btree

import (
	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/logger"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// SearchToNthLevel descends from the root to the page at the requested
// level, remapping the search mode on every non-leaf level the way
// btr_cur_search_to_nth_level does (GE becomes L, G becomes LE, so a
// right-side range scan still lands on the correct child).
//
// Leaf searches first try the adaptive hash shortcut when one has been
// built: the query prefix is folded, the table probed, and the candidate
// revalidated against the live page before being trusted; any miss or
// validation failure falls through to the ordinary descent. A cursor
// reached through the shortcut carries no ancestor path, which the
// pessimistic paths compensate for by re-searching.
func (t *Tree) SearchToNthLevel(tuple *record.Tuple, mode page.SearchMode, level int) (*Cursor, error) {
	if t.Latch != nil {
		t.Latch.RLock()
		defer t.Latch.RUnlock()
	}
	if level == 0 {
		if cur, ok := t.guessOnHash(tuple, mode); ok {
			t.observeSearch(tuple, cur)
			return cur, nil
		}
	}
	cur, err := t.searchToNthLevel(tuple, mode, level)
	if err == nil && level == 0 {
		t.observeSearch(tuple, cur)
	}
	return cur, err
}

// searchToNthLevel is the plain root-to-leaf descent, used directly by
// every mutating path (which needs the ancestor path a hash shortcut
// cannot supply).
func (t *Tree) searchToNthLevel(tuple *record.Tuple, mode page.SearchMode, level int) (*Cursor, error) {
	pageNo := t.RootPageNo
	var path []uint32

	for {
		pg, err := t.loadPage(pageNo)
		if err != nil {
			return nil, err
		}

		searchMode := mode
		searchTuple := tuple
		if pg.Level() > 0 {
			switch mode {
			case page.ModeGE:
				searchMode = page.ModeL
			case page.ModeG:
				searchMode = page.ModeLE
			}
			searchTuple = tuple.WithNFieldsCmp(t.internal.NUniqueInTree)
		}

		cur, _, _ := pg.Search(searchTuple, searchMode)

		if int(pg.Level()) <= level {
			return &Cursor{Tree: t, Page: pg, PageCursor: cur, Path: path}, nil
		}

		childRec := cur.Rec
		if childRec == page.InfimumOffset {
			childRec = pg.First().Next().Rec
		}
		if childRec == page.SupremumOffset {
			return nil, errors.New("btree: internal page has no records to descend through")
		}
		offs, err := pg.Offsets(childRec)
		if err != nil {
			return nil, errors.Trace(err)
		}
		path = append(path, pageNo)
		pageNo = ChildPageNo(pg.Buf, offs)
	}
}

// guessOnHash probes the adaptive hash for a leaf position matching
// tuple's hashed prefix. Only the equality-landing modes are eligible: a
// strict L/G landing sits beside the matching record, which a prefix hash
// cannot distinguish. Every candidate is revalidated against the live
// page before being trusted, since hash entries survive mutations only
// approximately.
func (t *Tree) guessOnHash(tuple *record.Tuple, mode page.SearchMode) (*Cursor, bool) {
	if t.AHI == nil || !t.hashBuilt {
		return nil, false
	}
	if mode != page.ModeLE && mode != page.ModeGE {
		return nil, false
	}
	if t.SearchInfo != nil && !t.SearchInfo.Enabled() {
		return nil, false
	}
	if tuple.NFieldsCmp < t.hashNFields {
		return nil, false
	}

	fold := record.FoldTuple(tuple, t.hashNFields, t.hashNBytes, t.ID)
	for _, cand := range t.AHI.GuessOnHash(fold) {
		if cand.SpaceID != t.SpaceID {
			continue
		}
		buf, err := t.Store.LoadPage(t.SpaceID, cand.PageNo)
		if err != nil || page.PeekLevel(buf) != 0 {
			continue
		}
		pg := page.WrapIndexPage(buf, t.Index, t.SpaceID, cand.PageNo)
		offs, err := pg.Offsets(cand.Rec)
		if err != nil {
			continue
		}
		cmp, _ := record.CompareTupleRec(tuple, pg.Buf, offs, record.MatchResult{})
		if cmp != 0 {
			continue
		}
		logger.Debugf("btree: adaptive hash shortcut hit on page %d", cand.PageNo)
		return &Cursor{Tree: t, Page: pg, PageCursor: pg.Position(cand.Rec), FromHash: true}, true
	}
	return nil, false
}

// observeSearch feeds one completed leaf search into the per-index
// adaptive-hash statistics, and builds (or rebuilds) the hash over the
// landing page once the analysis window recommends it.
func (t *Tree) observeSearch(tuple *record.Tuple, cur *Cursor) {
	if t.SearchInfo == nil || t.AHI == nil {
		return
	}
	t.SearchInfo.RecordSearch(tuple.NFieldsCmp, 0)
	nFields, nBytes, ok := t.SearchInfo.ShouldBuild()
	if !ok {
		return
	}
	if nFields == 0 && nBytes == 0 {
		return
	}
	t.buildHashForPage(cur.Page, nFields, nBytes)
}

// EstimateRowsInRange estimates how many records fall in [low, high) by
// positioning a cursor at each bound and walking the leaf chain between
// them, counting exactly on the boundary pages and taking each interior
// page's header count at face value. The walk is bounded by maxPages;
// past that the interior average is extrapolated, matching the original's
// "dive to both ends, trust the middle" estimation shape.
func (t *Tree) EstimateRowsInRange(low, high *record.Tuple, maxPages int) (int64, error) {
	lowCur, err := t.SearchToNthLevel(low, page.ModeGE, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	highCur, err := t.SearchToNthLevel(high, page.ModeGE, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}

	countFrom := func(pg *page.IndexPage, from uint16, stopAt uint16, samePage bool) int64 {
		var n int64
		rec := from
		for rec != page.SupremumOffset {
			if samePage && rec == stopAt {
				break
			}
			n++
			rec = pg.NextRec(rec)
		}
		return n
	}

	lowRec := lowCur.PageCursor.Rec
	if lowRec == page.InfimumOffset {
		lowRec = lowCur.Page.NextRec(lowRec)
	}
	if lowCur.Page.PageNo == highCur.Page.PageNo {
		return countFrom(lowCur.Page, lowRec, highCur.PageCursor.Rec, true), nil
	}

	total := countFrom(lowCur.Page, lowRec, 0, false)

	interior := int64(0)
	interiorPages := 0
	pageNo := lowCur.Page.NextPageNo()
	for pageNo != 0 && pageNo != highCur.Page.PageNo && interiorPages < maxPages {
		pg, err := t.loadPage(pageNo)
		if err != nil {
			return 0, errors.Trace(err)
		}
		interior += int64(pg.NRecs())
		interiorPages++
		pageNo = pg.NextPageNo()
	}
	if pageNo != 0 && pageNo != highCur.Page.PageNo && interiorPages > 0 {
		// Walk budget exhausted: assume the unseen stretch resembles the
		// seen one. The caller asked for an estimate, not a count.
		interior *= 2
	}
	total += interior

	// Records on the high page strictly before the landing position.
	rec := highCur.Page.NextRec(page.InfimumOffset)
	for rec != page.SupremumOffset && rec != highCur.PageCursor.Rec {
		total++
		rec = highCur.Page.NextRec(rec)
	}
	return total, nil
}

// buildHashForPage inserts every user record of pg into the adaptive hash
// at the given prefix, dropping whatever the table previously held for
// the page so no stale entry survives a rebuild.
func (t *Tree) buildHashForPage(pg *page.IndexPage, nFields int, nBytes uint32) {
	t.AHI.DropPageHashIndex(t.SpaceID, pg.PageNo)

	c := pg.First()
	for {
		c = c.Next()
		if c.IsSupremum() {
			break
		}
		offs, err := pg.Offsets(c.Rec)
		if err != nil {
			return
		}
		fold := record.Fold(pg.Buf, offs, nFields, nBytes, t.ID)
		t.AHI.Insert(fold, t.SpaceID, pg.PageNo, c.Rec)
	}

	t.hashNFields = nFields
	t.hashNBytes = nBytes
	t.hashBuilt = true
	logger.Debugf("btree: adaptive hash built over page %d at prefix (%d fields, %d bytes)", pg.PageNo, nFields, nBytes)
}
