// Package ahi implements the adaptive hash index: an in-memory, fold-keyed
// lookup table that lets a repeatedly-probed leaf page be found directly
// instead of walking the tree from the root every time.
package ahi

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/golang/snappy"
	"github.com/pingcap/errors"

	"github.com/go-innodb/btreestore/server/innodb/storage/wrapper/record"
)

// IndexState is this core's btr_search_t equivalent: the per-index
// adaptive-hash bookkeeping the tree cursor consults after every search to
// decide whether the index is hot enough to be worth hashing, and at what
// key prefix length. It keeps both the last prefix length tried and the
// currently recommended one separately, so a widening/narrowing decision
// can compare the two before committing to a rebuild (supplemented from
// btr_sea.hpp's btr_search_t).
type IndexState struct {
	mu sync.Mutex

	TreeID uint64

	enabled bool

	// hitCounter increments on every search of this index; once it
	// crosses the configured analysis threshold a build is attempted.
	hitCounter uint32
	threshold  uint32

	lastNFields   int
	lastNBytes    uint32
	recNFields    int
	recNBytes     uint32
	recHits       uint32
}

// NewIndexState creates adaptive-hash bookkeeping for one index, with
// builds triggered once hitCounter reaches threshold (storageconf's
// AHIAnalysisThreshold, BTR_SEARCH_HASH_ANALYSIS upstream).
func NewIndexState(treeID uint64, threshold uint32) *IndexState {
	return &IndexState{TreeID: treeID, threshold: threshold, enabled: true}
}

// Enable/Disable toggle whether this index participates in the adaptive
// hash index at all; while disabled, RecordSearch is a no-op and
// ShouldBuild reports false. Disable zeroes the search counters. An
// IndexState holds no hash table, so Disable does not remove entries
// already inserted into a Table.
func (s *IndexState) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

func (s *IndexState) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.hitCounter = 0
	s.recHits = 0
}

func (s *IndexState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// RecordSearch observes one tree-cursor search that used nFields/nBytes of
// comparison prefix, accumulating evidence for ShouldBuild's next prefix
// recommendation.
func (s *IndexState) RecordSearch(nFields int, nBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.hitCounter++
	if nFields == s.lastNFields && nBytes == s.lastNBytes {
		s.recHits++
	} else {
		s.recNFields, s.recNBytes = nFields, nBytes
		s.recHits = 1
	}
	s.lastNFields, s.lastNBytes = nFields, nBytes
}

// ShouldBuild reports whether enough consistent search evidence has
// accumulated to justify a (re)build, and the prefix length to build at.
// It resets the hit counter either way, matching BTR_SEARCH_HASH_ANALYSIS's
// "decide once per analysis window" cadence.
func (s *IndexState) ShouldBuild() (nFields int, nBytes uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.hitCounter < s.threshold {
		return 0, 0, false
	}
	s.hitCounter = 0
	if s.recHits < s.threshold/2 {
		return 0, 0, false
	}
	return s.recNFields, s.recNBytes, true
}

// entry is one adaptive-hash bucket member: the fold this entry was
// inserted under, plus enough to locate and revalidate the physical record
// it names.
type entry struct {
	fold    uint64
	spaceID uint32
	pageNo  uint32
	rec     uint16
}

// Table is the fold-keyed hash table itself: one per btree.Tree (or shared
// across several small indexes, mirroring upstream's single global table
// partitioned by fold). Lookups and inserts are guarded by a single mutex;
// a real engine would shard this across several partitions, a scale
// concern out of reach for this core's in-memory table.
type Table struct {
	mu      sync.RWMutex
	buckets map[uint64][]entry
}

// NewTable creates an empty adaptive hash table.
func NewTable() *Table {
	return &Table{buckets: map[uint64][]entry{}}
}

// Insert adds (or refreshes) the mapping from fold to a physical record
// location, called after a search whose index has decided to start (or
// keep) hashing at the current prefix.
func (t *Table) Insert(fold uint64, spaceID, pageNo uint32, rec uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[fold]
	for i, e := range bucket {
		if e.spaceID == spaceID && e.pageNo == pageNo && e.rec == rec {
			bucket[i].fold = fold
			return
		}
	}
	t.buckets[fold] = append(bucket, entry{fold: fold, spaceID: spaceID, pageNo: pageNo, rec: rec})
}

// GuessOnHash is guess_on_hash: look up every physical location folded to
// this key, letting the caller (which alone can re-validate against the
// live page, since this table holds no page latch) pick the first that
// still matches. It returns the candidate locations in insertion order,
// or nil if the fold is not present.
func (t *Table) GuessOnHash(fold uint64) []struct {
	SpaceID uint32
	PageNo  uint32
	Rec     uint16
} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket := t.buckets[fold]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]struct {
		SpaceID uint32
		PageNo  uint32
		Rec     uint16
	}, len(bucket))
	for i, e := range bucket {
		out[i] = struct {
			SpaceID uint32
			PageNo  uint32
			Rec     uint16
		}{e.spaceID, e.pageNo, e.rec}
	}
	return out
}

// DropPageHashIndex invalidates every entry pointing at a given page,
// called whenever that page is reorganized, split, merged, or has a
// record deleted — any structural change that can move or retire a record
// a stale hash entry still names.
func (t *Table) DropPageHashIndex(spaceID, pageNo uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fold, bucket := range t.buckets {
		kept := bucket[:0]
		for _, e := range bucket {
			if e.spaceID == spaceID && e.pageNo == pageNo {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.buckets, fold)
		} else {
			t.buckets[fold] = kept
		}
	}
}

// DropRecord invalidates just the one entry naming (spaceID, pageNo, rec),
// the narrower case used by a single-record delete that doesn't want to
// pay DropPageHashIndex's full-page scan.
func (t *Table) DropRecord(fold uint64, spaceID, pageNo uint32, rec uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[fold]
	for i, e := range bucket {
		if e.spaceID == spaceID && e.pageNo == pageNo && e.rec == rec {
			t.buckets[fold] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// FoldRecord is a thin convenience wrapper over record.Fold, keeping the
// adaptive hash index's only dependency on the record codec in one place.
func FoldRecord(rec []byte, offsets []record.FieldOffset, nFields int, nBytes uint32, treeID uint64) uint64 {
	return record.Fold(rec, offsets, nFields, nBytes, treeID)
}

// DumpSnapshot serializes the table's entries, snappy-compressed, for
// operators inspecting AHI efficacy or for a test fixture to compare
// against after a rebuild. The format is private to this package; it is a
// diagnostic artifact, not an on-disk structure another tool parses.
func (t *Table) DumpSnapshot() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var raw bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(t.buckets)))
	raw.Write(hdr[:])
	for fold, bucket := range t.buckets {
		var foldBuf [8]byte
		binary.BigEndian.PutUint64(foldBuf[:], fold)
		raw.Write(foldBuf[:])

		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(bucket)))
		raw.Write(countBuf[:])

		for _, e := range bucket {
			var entryBuf [14]byte
			binary.BigEndian.PutUint32(entryBuf[0:4], e.spaceID)
			binary.BigEndian.PutUint32(entryBuf[4:8], e.pageNo)
			binary.BigEndian.PutUint16(entryBuf[8:10], e.rec)
			binary.BigEndian.PutUint32(entryBuf[10:14], 0)
			raw.Write(entryBuf[:])
		}
	}
	return snappy.Encode(nil, raw.Bytes())
}

// LoadSnapshot replaces the table's contents with a snapshot previously
// produced by DumpSnapshot.
func LoadSnapshot(snap []byte) (*Table, error) {
	raw, err := snappy.Decode(nil, snap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) < 4 {
		return nil, errors.New("ahi: truncated snapshot header")
	}

	t := NewTable()
	nBuckets := binary.BigEndian.Uint32(raw[0:4])
	off := 4
	for i := uint32(0); i < nBuckets; i++ {
		if off+12 > len(raw) {
			return nil, errors.New("ahi: truncated snapshot bucket header")
		}
		fold := binary.BigEndian.Uint64(raw[off : off+8])
		count := binary.BigEndian.Uint32(raw[off+8 : off+12])
		off += 12

		for j := uint32(0); j < count; j++ {
			if off+14 > len(raw) {
				return nil, errors.New("ahi: truncated snapshot entry")
			}
			spaceID := binary.BigEndian.Uint32(raw[off : off+4])
			pageNo := binary.BigEndian.Uint32(raw[off+4 : off+8])
			rec := binary.BigEndian.Uint16(raw[off+8 : off+10])
			off += 14
			t.Insert(fold, spaceID, pageNo, rec)
		}
	}
	return t, nil
}
