package buffer_pool

import (
	"sync/atomic"

	"github.com/go-innodb/btreestore/server/common"
)

//TODO 用来实现bufferpool
/**
这个可以理解为另外一个数据页的控制体，大部分的数据页信息存在其中，例如space_id, page_no, page state, newest_modification，
oldest_modification，access_time以及压缩页的所有信息等。压缩页的信息包括压缩页的大小，压缩页的数据指针(真正的压缩页数据是存储在由伙伴
系统分配的数据页上)。这里需要注意一点，如果某个压缩页被解压了，解压页的数据指针是存储在buf_block_t的frame字段里。

**/
type BufferPage struct {
	spaceId uint32

	pageNo uint32

	pageState BufferPageState

	flushType BufferFlushType

	iofix buffer_io_fix

	newestModification common.LSNT

	oldestModification common.LSNT

	accessTime uint64

	content []byte

	dirty int32

	pinCount int32
}

func NewBufferPage(spaceId uint32, pageNo uint32) *BufferPage {
	var bufferPage = new(BufferPage)
	bufferPage.spaceId = spaceId
	bufferPage.pageNo = pageNo
	bufferPage.pageState = BUF_BLOCK_NOT_USED
	return bufferPage
}

// Init (re)binds a free page to a space/page number and loads its content,
// mirroring the way buf_page_init resets a control block before a disk read.
func (p *BufferPage) Init(spaceId uint32, pageNo uint32, content []byte) {
	p.spaceId = spaceId
	p.pageNo = pageNo
	p.pageState = BUF_BLOCK_FILE_PAGE
	p.content = content
	atomic.StoreInt32(&p.dirty, 0)
	atomic.StoreInt32(&p.pinCount, 1)
}

// Reset clears a page's identity so it can be returned to the free list.
func (p *BufferPage) Reset() {
	p.spaceId = 0
	p.pageNo = 0
	p.pageState = BUF_BLOCK_NOT_USED
	p.content = nil
	atomic.StoreInt32(&p.dirty, 0)
	atomic.StoreInt32(&p.pinCount, 0)
}

// IsFree reports whether this control block is not bound to a page.
func (p *BufferPage) IsFree() bool {
	return p.pageState == BUF_BLOCK_NOT_USED
}

func (p *BufferPage) GetSpaceID() uint32 {
	return p.spaceId
}

func (p *BufferPage) GetPageNo() uint32 {
	return p.pageNo
}

func (p *BufferPage) GetContent() []byte {
	return p.content
}

// GetData is an alias kept for callers that refer to the frame as "data"
// rather than "content".
func (p *BufferPage) GetData() []byte {
	return p.content
}

func (p *BufferPage) SetContent(content []byte) {
	p.content = content
}

func (p *BufferPage) IsDirty() bool {
	return atomic.LoadInt32(&p.dirty) != 0
}

func (p *BufferPage) SetDirty(dirty bool) {
	if dirty {
		p.MarkDirty()
	} else {
		p.ClearDirty()
	}
}

func (p *BufferPage) MarkDirty() {
	atomic.StoreInt32(&p.dirty, 1)
}

func (p *BufferPage) ClearDirty() {
	atomic.StoreInt32(&p.dirty, 0)
}

// Pin increments the fix count, preventing eviction while in use.
func (p *BufferPage) Pin() {
	atomic.AddInt32(&p.pinCount, 1)
}

// Unpin decrements the fix count.
func (p *BufferPage) Unpin() {
	if atomic.AddInt32(&p.pinCount, -1) < 0 {
		atomic.StoreInt32(&p.pinCount, 0)
	}
}

func (p *BufferPage) IsPinned() bool {
	return atomic.LoadInt32(&p.pinCount) > 0
}

func (p *BufferPage) GetAccessTime() uint64 {
	return atomic.LoadUint64(&p.accessTime)
}

func (p *BufferPage) SetAccessTime(t uint64) {
	atomic.StoreUint64(&p.accessTime, t)
}
