// Package btree implements the clustered-index tree cursor: descent from
// root to a target level, and the optimistic/pessimistic insert, update
// and delete paths that keep a B+-tree's pages correctly linked and
// ordered as records come and go.
package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	jujuerrors "github.com/juju/errors"
	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/logger"
	"github.com/go-innodb/btreestore/server/innodb/ahi"
	"github.com/go-innodb/btreestore/server/innodb/bigrec"
	"github.com/go-innodb/btreestore/server/innodb/latch"
	"github.com/go-innodb/btreestore/server/innodb/mtr"
	"github.com/go-innodb/btreestore/server/innodb/rectype"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/page"
	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
	"github.com/go-innodb/btreestore/server/innodb/storageconf"
)

// Mode mirrors the latch-acquisition strategy a caller asks the tree
// cursor for, matching btr_cur_search_to_nth_level's mode argument. This
// core serializes all tree mutation through a single caller goroutine, so
// the modes are tracked for documentation and future concurrency work
// rather than enforced by a latch manager here.
type Mode int

const (
	SearchLeaf Mode = iota
	ModifyLeaf
	ModifyTree
	ContModifyTree
	SearchPrev
	ModifyPrev
)

// AlreadySLatched modifies one of the Mode values above to say the caller
// already holds an S-latch on the index tree itself, so SearchToNthLevel's
// future latch-manager integration must not try to acquire a second one.
const AlreadySLatched Mode = 1 << 4

// PageStore is the narrow persistence interface the tree cursor needs: load
// an existing page's raw bytes, or allocate a fresh zeroed one. A real
// engine backs this with its buffer pool and file space manager; tests back
// it with an in-memory map.
type PageStore interface {
	LoadPage(spaceID, pageNo uint32) ([]byte, error)
	AllocPage(spaceID uint32) (pageNo uint32, buf []byte, err error)
}

// ExtentReserver is the optional extension of PageStore backed by a real
// file-space allocator: pessimistic entry points call it before touching
// any page so that, once reservation succeeds, the operation cannot run
// out of space partway through.
type ExtentReserver interface {
	ReserveExtents(spaceID, n uint32) error
}

// PageFreer is the optional extension of PageStore that takes discarded
// tree pages back.
type PageFreer interface {
	FreePage(spaceID, pageNo uint32)
}

// Tree is one clustered or secondary index's tree cursor context: the page
// store it descends through, the leaf row schema, and the derived node-
// pointer schema used on every non-leaf level. Blobs, Config, AHI and
// SearchInfo are optional collaborators: without Blobs, oversized records
// fail instead of converting to big records; without AHI, every search
// walks the tree from the root.
type Tree struct {
	SpaceID    uint32
	ID         uint64            // index id, salts Fold for the adaptive hash
	Index      *record.IndexDesc // leaf-level row schema
	internal   *record.IndexDesc // derived node-pointer schema
	RootPageNo uint32
	Store      PageStore
	Blobs      bigrec.BlobStore
	Config     *storageconf.StorageConfig

	AHI        *ahi.Table
	SearchInfo *ahi.IndexState

	// Latch is the index tree's meta-latch; read searches take it shared.
	// Mutations run under the caller's single-writer discipline until a
	// full latch manager arrives, so they do not take it exclusively here.
	Latch *latch.Latch

	// prefix the adaptive hash was last built at; guesses are attempted
	// only once a build has happened.
	hashNFields int
	hashNBytes  uint32
	hashBuilt   bool
}

// NewTree builds a tree cursor context over an already-allocated root page
// (the caller is responsible for having written a level-0 page at
// rootPageNo via Store before first use).
func NewTree(spaceID uint32, index *record.IndexDesc, rootPageNo uint32, store PageStore) *Tree {
	return &Tree{
		SpaceID:    spaceID,
		Index:      index,
		internal:   nodePtrIndex(index),
		RootPageNo: rootPageNo,
		Store:      store,
		Latch:      latch.NewLatch(),
	}
}

func (t *Tree) cfg() *storageconf.StorageConfig {
	if t.Config != nil {
		return t.Config
	}
	return defaultConfig
}

var defaultConfig = storageconf.Default()

// maxRecordSize is the single-page record budget: roughly half the page's
// payload area, so any page can always hold at least two records.
func maxRecordSize(pageBytes int) int {
	return (pageBytes - page.HeapTopInitial - 8) / 2
}

// localPrefixLen is how many leading bytes of an externally stored field
// stay in the leaf record, the Antelope-format prefix for this core's
// REDUNDANT/COMPACT rows.
func (t *Tree) localPrefixLen() uint32 {
	return t.cfg().AntelopeLocalPrefixLen
}

func (t *Tree) dropPageHash(pageNo uint32) {
	if t.AHI != nil {
		t.AHI.DropPageHashIndex(t.SpaceID, pageNo)
	}
}

// reserveExtents performs the up-front file-space reservation every
// pessimistic entry point owes the allocator; depth is the descent path
// length of the operation about to run.
func (t *Tree) reserveExtents(depth int) error {
	r, ok := t.Store.(ExtentReserver)
	if !ok {
		return nil
	}
	n := uint32(depth/16 + 3)
	if err := r.ReserveExtents(t.SpaceID, n); err != nil {
		return jujuerrors.Annotatef(ErrOutOfFileSpace, "reserving %d extents: %v", n, err)
	}
	return nil
}

// nodePtrIndex derives the schema of a non-leaf page's records: the
// clustered key's first NUniqueInTree fields (forced nullable, since the
// leftmost pointer on every non-root level carries an all-NULL "negative
// infinity" key), plus a fixed 4-byte child page number field.
func nodePtrIndex(leaf *record.IndexDesc) *record.IndexDesc {
	n := leaf.NUniqueInTree
	if n == 0 {
		n = leaf.NUnique
	}
	if n > leaf.NFields() {
		n = leaf.NFields()
	}
	fields := make([]record.FieldDesc, n+1)
	for i := 0; i < n; i++ {
		fields[i] = record.FieldDesc{Type: leaf.Fields[i].Type, Nullable: true}
	}
	fields[n] = record.FieldDesc{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}}
	return &record.IndexDesc{
		Fields:        fields,
		IsComp:        leaf.IsComp,
		NUnique:       n,
		NUniqueInTree: n,
		Clustered:     false,
	}
}

// BuildNodePtr builds the non-leaf record pointing at childPageNo, carrying
// key's first NUniqueInTree fields as its separating key.
func BuildNodePtr(leaf *record.IndexDesc, key *record.Tuple, childPageNo uint32) *record.Tuple {
	n := leaf.NUniqueInTree
	if n == 0 {
		n = leaf.NUnique
	}
	if n > key.NFields() {
		n = key.NFields()
	}
	fields := make([]record.Field, n+1)
	copy(fields, key.Fields[:n])
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, childPageNo)
	fields[n] = record.Field{Type: rectype.DType{Mtype: rectype.DataInt, Len: 4, MbMinLen: 1, MbMaxLen: 1}, Data: buf}
	return &record.Tuple{Fields: fields, NFieldsCmp: n}
}

// ChildPageNo reads the child page number out of a non-leaf record's last
// field.
func ChildPageNo(buf []byte, offs []record.FieldOffset) uint32 {
	o := offs[len(offs)-1]
	return binary.BigEndian.Uint32(buf[o.Start : o.Start+o.Len])
}

func negativeInfinityTuple(internal *record.IndexDesc) *record.Tuple {
	fields := make([]record.Field, internal.NUniqueInTree)
	for i := range fields {
		fields[i] = record.Field{Type: internal.Fields[i].Type, Null: true}
	}
	return &record.Tuple{Fields: fields, NFieldsCmp: len(fields)}
}

func (t *Tree) indexForLevel(level uint16) *record.IndexDesc {
	if level == 0 {
		return t.Index
	}
	return t.internal
}

func (t *Tree) loadPage(pageNo uint32) (*page.IndexPage, error) {
	buf, err := t.Store.LoadPage(t.SpaceID, pageNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	level := page.PeekLevel(buf)
	return page.WrapIndexPage(buf, t.indexForLevel(level), t.SpaceID, pageNo), nil
}

// Cursor is a tree cursor: the landing page and in-page position reached
// by the last search, plus the chain of ancestor page numbers descended
// through (needed by the pessimistic paths to locate each level's parent
// without a second top-down pass). FromHash marks a position reached by
// the adaptive hash shortcut, which skips the descent and therefore has
// no ancestor path.
type Cursor struct {
	Tree       *Tree
	Page       *page.IndexPage
	PageCursor page.Cursor
	Path       []uint32 // root-to-parent page numbers, root first
	FromHash   bool
}

// compareTuples compares the first n fields of two logical tuples, the
// plain byte-prefix comparison the pessimistic insert path needs to decide
// which side of a freshly split page a tuple belongs on (no physical
// record is involved, so record.CompareTupleRec doesn't apply).
func compareTuples(a, b *record.Tuple, n int) int {
	if n > len(a.Fields) {
		n = len(a.Fields)
	}
	if n > len(b.Fields) {
		n = len(b.Fields)
	}
	for i := 0; i < n; i++ {
		af, bf := a.Fields[i], b.Fields[i]
		if af.Null && bf.Null {
			continue
		}
		if af.Null {
			return -1
		}
		if bf.Null {
			return 1
		}
		if c := bytes.Compare(af.Data, bf.Data); c != 0 {
			return c
		}
	}
	return 0
}

// collectTuples walks a page's record chain front to back, converting
// every user record back into a logical tuple over every field the page's
// schema declares (used when rebuilding a page across a split or merge).
func collectTuples(pg *page.IndexPage, idx *record.IndexDesc) ([]*record.Tuple, error) {
	var out []*record.Tuple
	c := pg.First()
	for {
		c = c.Next()
		if c.IsSupremum() {
			return out, nil
		}
		offs, err := pg.Offsets(c.Rec)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, record.CopyPrefixToDTuple(pg.Buf, offs, idx, idx.NFields()))
	}
}

// Insert descends to the leaf owning tuple's key and inserts it, splitting
// pages bottom-up (and growing the tree's height when the root itself
// splits) if the optimistic single-page insert does not fit. A tuple whose
// converted size exceeds the single-page record budget is first shortened
// by pushing its largest variable fields to overflow chains; the chains
// are populated after the shortened record is in place, so the in-record
// references are written against their final location.
func (t *Tree) Insert(tuple *record.Tuple, m *mtr.Mtr) error {
	workTuple := tuple
	var vec bigrec.BigRecVec

	size, err := record.ConvertedSizeComp(t.Index, tuple)
	if err != nil {
		return errors.Trace(err)
	}
	budget := maxRecordSize(int(t.cfg().PageSize))
	if bigrec.NeedsExternalStorage(size, budget) {
		if !t.Index.Clustered || t.Blobs == nil {
			return jujuerrors.Trace(ErrTooBigRecord)
		}
		workTuple, vec, err = bigrec.ConvertBigRec(t.Index, tuple, t.localPrefixLen(), budget)
		if err != nil {
			if jujuerrors.Cause(err) == bigrec.ErrTooBigRecord {
				return jujuerrors.Trace(ErrTooBigRecord)
			}
			return errors.Trace(err)
		}
		logger.Debugf("btree: converted %d field(s) of an oversized record to external storage", len(vec))
	}

	cur, err := t.searchToNthLevel(workTuple, page.ModeLE, 0)
	if err != nil {
		return err
	}

	pg := cur.Page
	rec, ok := pg.Insert(cur.PageCursor, workTuple, m)
	if !ok {
		pg, rec, err = t.pessimisticInsert(cur, workTuple, m)
		if err != nil {
			return err
		}
	}
	t.dropPageHash(pg.PageNo)

	if len(vec) > 0 {
		offs, err := pg.Offsets(rec)
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := bigrec.StoreBigRecExternFields(t.Blobs, t.SpaceID, pg.Buf, pg.PageNo, offs, vec, t.localPrefixLen(), false, m); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// pessimisticInsert splits the cursor's landing page, inserts tuple on
// whichever half its key belongs to, and propagates a new node pointer
// into the parent, recursing upward (and creating a new root) as needed.
// It returns the page and origin the tuple finally landed at.
func (t *Tree) pessimisticInsert(cur *Cursor, tuple *record.Tuple, m *mtr.Mtr) (*page.IndexPage, uint16, error) {
	if err := t.reserveExtents(len(cur.Path) + 1); err != nil {
		return nil, 0, err
	}

	pg := cur.Page
	idx := t.indexForLevel(pg.Level())

	left, right, splitKey, err := t.splitPage(pg, idx, tuple, m)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}

	nKey := t.internal.NUniqueInTree
	target := left
	if compareTuples(tuple, splitKey, nKey) >= 0 {
		target = right
	}
	newCur, _, _ := target.Search(tuple, page.ModeLE)
	rec, ok := target.Insert(newCur, tuple, m)
	if !ok {
		return nil, 0, errors.New("btree: record does not fit even a freshly split page")
	}

	if len(cur.Path) == 0 {
		if err := t.newRoot(left, right, splitKey, m); err != nil {
			return nil, 0, err
		}
		return target, rec, nil
	}

	parentPageNo := cur.Path[len(cur.Path)-1]
	parentPage, err := t.loadPage(parentPageNo)
	if err != nil {
		return nil, 0, err
	}
	nodePtr := BuildNodePtr(t.Index, splitKey, right.PageNo)
	parentCur, _, _ := parentPage.Search(nodePtr, page.ModeLE)
	if _, ok := parentPage.Insert(parentCur, nodePtr, m); ok {
		return target, rec, nil
	}

	grandCur := &Cursor{Tree: t, Page: parentPage, PageCursor: parentCur, Path: cur.Path[:len(cur.Path)-1]}
	if _, _, err := t.pessimisticInsert(grandCur, nodePtr, m); err != nil {
		return nil, 0, err
	}
	return target, rec, nil
}

// splitPage rebuilds pg's live records into two pages, relinking the
// sibling chain, and returns the rebuilt left page (reusing pg's own page
// number and backing buffer), the newly allocated right page, and the
// separator key (the right page's first record's key) the caller must
// propagate into the parent level.
//
// The split point defaults to the median but is biased by the page's
// insert-direction statistics: after three or more consecutive inserts in
// the same direction, the point moves to the insert position itself, so
// the converging side ends up nearly empty and absorbs the run without
// immediate re-splitting.
func (t *Tree) splitPage(pg *page.IndexPage, idx *record.IndexDesc, insertTuple *record.Tuple, m *mtr.Mtr) (left, right *page.IndexPage, splitKey *record.Tuple, err error) {
	tuples, err := collectTuples(pg, idx)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(tuples) < 2 {
		return nil, nil, nil, errors.New("btree: cannot split a page with fewer than two records")
	}

	mid := len(tuples) / 2
	if insertTuple != nil && pg.NDirection() >= 3 &&
		(pg.Direction() == page.PageDirRight || pg.Direction() == page.PageDirLeft) {
		nKey := t.internal.NUniqueInTree
		pos := sort.Search(len(tuples), func(i int) bool {
			return compareTuples(insertTuple, tuples[i], nKey) < 0
		})
		mid = pos
		if mid < 1 {
			mid = 1
		}
		if mid > len(tuples)-1 {
			mid = len(tuples) - 1
		}
	}

	rightPageNo, rightBuf, err := t.Store.AllocPage(t.SpaceID)
	if err != nil {
		return nil, nil, nil, err
	}
	right = page.NewIndexPage(rightBuf, idx, t.SpaceID, rightPageNo)
	right.SetLevel(pg.Level())
	right.SetPrevPageNo(pg.PageNo)
	right.SetNextPageNo(pg.NextPageNo())

	prevPageNo := pg.PrevPageNo()
	oldNextPageNo := pg.NextPageNo()
	left = page.NewIndexPage(pg.Buf, idx, t.SpaceID, pg.PageNo)
	left.SetLevel(pg.Level())
	left.SetPrevPageNo(prevPageNo)
	left.SetNextPageNo(rightPageNo)

	for _, tup := range tuples[:mid] {
		c, _, _ := left.Search(tup, page.ModeLE)
		if _, ok := left.Insert(c, tup, nil); !ok {
			return nil, nil, nil, errors.New("btree: split failed to re-insert into left page")
		}
	}
	for _, tup := range tuples[mid:] {
		c, _, _ := right.Search(tup, page.ModeLE)
		if _, ok := right.Insert(c, tup, nil); !ok {
			return nil, nil, nil, errors.New("btree: split failed to re-insert into right page")
		}
	}

	// The right page now has a left sibling by construction; on a non-leaf
	// level its first record's key must never be dereferenced in
	// comparisons.
	if pg.Level() > 0 {
		if first, ok := right.FirstUserRec(); ok {
			right.SetMinRec(first, true, m)
		}
	}

	// The old right sibling's back link must follow the new page.
	if oldNextPageNo != 0 {
		if next, err := t.loadPage(oldNextPageNo); err == nil {
			next.SetPrevPageNoLogged(rightPageNo, m)
		}
	}

	t.dropPageHash(pg.PageNo)

	if m != nil {
		typ := mtr.TypeCompPageReorganize
		if !idx.IsComp {
			typ = mtr.TypePageReorganize
		}
		m.Log(mtr.Record{Type: typ, SpaceID: t.SpaceID, PageNo: pg.PageNo})
		m.LogWrite(mtr.TypeWriteString, t.SpaceID, pg.PageNo, 0, left.Buf)
		m.Log(mtr.Record{Type: mtr.TypeCompPageCreate, SpaceID: t.SpaceID, PageNo: rightPageNo})
		m.LogWrite(mtr.TypeListEndCopyCreated, t.SpaceID, rightPageNo, 0, right.Buf)
	}

	return left, right, tuples[mid], nil
}

// newRoot grows the tree by one level: it allocates a fresh root holding a
// negative-infinity pointer to the old root's page (now demoted to an
// ordinary internal or leaf page at the same number) and a pointer to the
// newly split-off right sibling.
func (t *Tree) newRoot(left, right *page.IndexPage, splitKey *record.Tuple, m *mtr.Mtr) error {
	rootNo, rootBuf, err := t.Store.AllocPage(t.SpaceID)
	if err != nil {
		return err
	}
	root := page.NewIndexPage(rootBuf, t.internal, t.SpaceID, rootNo)
	root.SetLevel(left.Level() + 1)

	leftPtr := BuildNodePtr(t.Index, negativeInfinityTuple(t.internal), left.PageNo)
	c1, _, _ := root.Search(leftPtr, page.ModeLE)
	if _, ok := root.Insert(c1, leftPtr, m); !ok {
		return errors.New("btree: failed to seed new root's leftmost pointer")
	}

	rightPtr := BuildNodePtr(t.Index, splitKey, right.PageNo)
	c2, _, _ := root.Search(rightPtr, page.ModeLE)
	if _, ok := root.Insert(c2, rightPtr, m); !ok {
		return errors.New("btree: failed to seed new root's right pointer")
	}

	if m != nil {
		m.Log(mtr.Record{Type: mtr.TypeCompPageCreate, SpaceID: t.SpaceID, PageNo: rootNo})
	}

	t.RootPageNo = rootNo
	return nil
}
