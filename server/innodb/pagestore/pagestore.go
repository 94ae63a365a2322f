// Package pagestore backs the tree cursor's page persistence interface
// with the buffer pool: loads go through the pool's LRU cache and read
// path, allocations and frees go to a memory-resident tablespace. It is
// the glue a real deployment replaces with file-backed tablespaces; the
// tree, persistent cursor and overflow-chain code see only the narrow
// load/alloc/free surface.
package pagestore

import (
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/go-innodb/btreestore/server/innodb/basic"
	"github.com/go-innodb/btreestore/server/innodb/buffer_pool"
)

var errUnsupported = pkgerrors.New("pagestore: operation not supported by the memory tablespace")

// memSpace is a memory-resident tablespace: an append-only page array
// with a free list. It implements basic.Space so the buffer pool's read
// and flush paths can treat it like a file-backed space.
type memSpace struct {
	mu       sync.Mutex
	id       uint32
	name     string
	system   bool
	active   bool
	pageSize uint32
	pages    map[uint32][]byte
	freeList []uint32
	nextPage uint32
}

func newMemSpace(id uint32, name string, system bool, pageSize uint32) *memSpace {
	return &memSpace{
		id:       id,
		name:     name,
		system:   system,
		active:   true,
		pageSize: pageSize,
		pages:    map[uint32][]byte{},
		nextPage: 1,
	}
}

func (s *memSpace) ID() uint32     { return s.id }
func (s *memSpace) Name() string   { return s.name }
func (s *memSpace) IsSystem() bool { return s.system }

func (s *memSpace) AllocateExtent(purpose basic.ExtentPurpose) (basic.Extent, error) {
	return nil, errUnsupported
}
func (s *memSpace) FreeExtent(extentID uint32) error { return errUnsupported }

func (s *memSpace) GetPageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.pages))
}
func (s *memSpace) GetExtentCount() uint32 { return 0 }
func (s *memSpace) GetUsedSpace() uint64 {
	return uint64(s.GetPageCount()) * uint64(s.pageSize)
}

func (s *memSpace) IsActive() bool        { return s.active }
func (s *memSpace) SetActive(active bool) { s.active = active }

func (s *memSpace) LoadPageByPageNumber(no uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pages[no]
	if !ok {
		return nil, pkgerrors.Errorf("pagestore: space %d has no page %d", s.id, no)
	}
	return buf, nil
}

func (s *memSpace) FlushToDisk(no uint32, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[no] = content
	return nil
}

func (s *memSpace) allocPage() (uint32, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var no uint32
	if n := len(s.freeList); n > 0 {
		no = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		no = s.nextPage
		s.nextPage++
	}
	buf := make([]byte, s.pageSize)
	s.pages[no] = buf
	return no, buf
}

func (s *memSpace) freePage(no uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[no]; !ok {
		return
	}
	delete(s.pages, no)
	s.freeList = append(s.freeList, no)
}

// memSpaceManager implements the slice of basic.SpaceManager the buffer
// pool's miss path needs (GetSpace, and flushes through the returned
// space); the extent and transactional surface answers unsupported, the
// honest response for a memory store with no extent map.
type memSpaceManager struct {
	mu       sync.Mutex
	pageSize uint32
	spaces   map[uint32]*memSpace
	nextID   uint32
}

func newMemSpaceManager(pageSize uint32) *memSpaceManager {
	return &memSpaceManager{pageSize: pageSize, spaces: map[uint32]*memSpace{}, nextID: 1}
}

func (m *memSpaceManager) CreateSpace(spaceID uint32, name string, isSystem bool) (basic.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[spaceID]; ok {
		return nil, pkgerrors.Errorf("pagestore: space %d already exists", spaceID)
	}
	s := newMemSpace(spaceID, name, isSystem, m.pageSize)
	m.spaces[spaceID] = s
	return s, nil
}

func (m *memSpaceManager) GetSpace(spaceID uint32) (basic.Space, error) {
	s, err := m.get(spaceID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *memSpaceManager) get(spaceID uint32) (*memSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[spaceID]
	if !ok {
		return nil, pkgerrors.Errorf("pagestore: no such space %d", spaceID)
	}
	return s, nil
}

func (m *memSpaceManager) DropSpace(spaceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, spaceID)
	return nil
}

func (m *memSpaceManager) AllocateExtent(spaceID uint32, purpose basic.ExtentPurpose) (basic.Extent, error) {
	return nil, errUnsupported
}
func (m *memSpaceManager) FreeExtent(spaceID, extentID uint32) error { return errUnsupported }
func (m *memSpaceManager) Begin() (basic.Tx, error)                  { return nil, errUnsupported }

func (m *memSpaceManager) CreateNewTablespace(name string) uint32 {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()
	s := newMemSpace(id, name, false, m.pageSize)
	m.mu.Lock()
	m.spaces[id] = s
	m.mu.Unlock()
	return id
}

func (m *memSpaceManager) CreateTableSpace(name string) (uint32, error) {
	return m.CreateNewTablespace(name), nil
}

func (m *memSpaceManager) GetTableSpace(spaceID uint32) (basic.FileTableSpace, error) {
	s, err := m.get(spaceID)
	if err != nil {
		return nil, err
	}
	return fileTableSpace{s}, nil
}

func (m *memSpaceManager) GetTableSpaceByName(name string) (basic.FileTableSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.spaces {
		if s.name == name {
			return fileTableSpace{s}, nil
		}
	}
	return nil, pkgerrors.Errorf("pagestore: no such space %q", name)
}

func (m *memSpaceManager) GetTableSpaceInfo(spaceID uint32) (*basic.TableSpaceInfo, error) {
	s, err := m.get(spaceID)
	if err != nil {
		return nil, err
	}
	return &basic.TableSpaceInfo{SpaceID: s.id, Name: s.name, Size: s.GetUsedSpace()}, nil
}

func (m *memSpaceManager) DropTableSpace(spaceID uint32) error { return m.DropSpace(spaceID) }
func (m *memSpaceManager) Close() error                        { return nil }

// fileTableSpace adapts memSpace's error-returning flush to the
// FileTableSpace surface.
type fileTableSpace struct{ s *memSpace }

func (f fileTableSpace) FlushToDisk(pageNo uint32, content []byte) { _ = f.s.FlushToDisk(pageNo, content) }
func (f fileTableSpace) LoadPageByPageNumber(pageNo uint32) ([]byte, error) {
	return f.s.LoadPageByPageNumber(pageNo)
}
func (f fileTableSpace) GetSpaceId() uint32 { return f.s.id }

// Store routes the tree's page loads through the buffer pool and its
// allocations, frees and extent reservations to the memory tablespaces
// behind it.
type Store struct {
	pool     *buffer_pool.BufferPool
	mgr      *memSpaceManager
	mu       sync.Mutex
	reserved map[uint32]uint32
}

// New builds a Store over a freshly configured buffer pool of poolPages
// frames of pageSize bytes each.
func New(pageSize, poolPages uint32) *Store {
	mgr := newMemSpaceManager(pageSize)
	pool := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		TotalPages:       poolPages,
		PageSize:         pageSize,
		BufferPoolSize:   uint64(poolPages) * uint64(pageSize),
		YoungListPercent: 0.75,
		OldListPercent:   0.25,
		OldBlocksTime:    1000,
		StorageManager:   mgr,
	})
	return &Store{pool: pool, mgr: mgr, reserved: map[uint32]uint32{}}
}

// Pool exposes the underlying buffer pool for callers that want its
// statistics surface.
func (st *Store) Pool() *buffer_pool.BufferPool { return st.pool }

// EnsureSpace creates the tablespace if it does not exist yet.
func (st *Store) EnsureSpace(spaceID uint32, name string) error {
	if _, err := st.mgr.GetSpace(spaceID); err == nil {
		return nil
	}
	_, err := st.mgr.CreateSpace(spaceID, name, false)
	return err
}

// LoadPage fetches a page frame through the buffer pool. The returned
// slice is the live frame: the caller mutates it under its own latch
// discipline and the memory tablespace sees the mutation directly, the
// same aliasing a pinned buffer-pool frame gives the real engine.
func (st *Store) LoadPage(spaceID, pageNo uint32) ([]byte, error) {
	page, err := st.pool.GetPage(spaceID, pageNo)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "pagestore: loading page %d of space %d", pageNo, spaceID)
	}
	if err := st.pool.PutPage(page); err != nil {
		return nil, pkgerrors.Wrap(err, "pagestore: caching loaded page")
	}
	return page.GetContent(), nil
}

// AllocPage hands out a fresh zeroed page from the space. Any stale
// cache entry for a reused page number is dropped first.
func (st *Store) AllocPage(spaceID uint32) (uint32, []byte, error) {
	s, err := st.mgr.get(spaceID)
	if err != nil {
		return 0, nil, err
	}
	no, buf := s.allocPage()
	st.pool.DiscardPage(spaceID, no)
	return no, buf, nil
}

// FreePage returns a page to the space's free list and evicts whatever
// the pool cached for it.
func (st *Store) FreePage(spaceID, pageNo uint32) {
	if s, err := st.mgr.get(spaceID); err == nil {
		s.freePage(pageNo)
	}
	st.pool.DiscardPage(spaceID, pageNo)
}

// ReserveExtents records an up-front reservation. The memory tablespace
// cannot run out of pages, so reservations always succeed; the counter
// exists so tests can assert the pessimistic paths reserve before they
// mutate.
func (st *Store) ReserveExtents(spaceID, n uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reserved[spaceID] += n
	return nil
}

// ReservedExtents reports the total extents reserved against a space.
func (st *Store) ReservedExtents(spaceID uint32) uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reserved[spaceID]
}
