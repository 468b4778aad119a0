// Package phys implements the buddy allocator over physical memory
// segments described in spec.md §4.1, grounded on
// _examples/original_source/src/kernel/vm/phys.c (vm_page_alloc_order,
// vm_page_free, vm_phys_reserve, vm_phys_early_alloc) and styled after
// biscuit's mem package (biscuit/src/mem/mem.go: Physmem_t, per-CPU
// free-list caches, refcounted frames).
//
// There is no real RAM underneath this simulation, so a "segment" is
// a contiguous []byte arena standing in for a BIOS-reported memory
// region, and an Addr is a page-frame number shifted by PageShift —
// it behaves like a physical address for every purpose the rest of
// the kernel core cares about (identity, ordering, XOR-buddy
// arithmetic) without needing an actual MMU.
package phys

import (
	"container/list"
	"sync"

	"elos/klog"
	"elos/kconfig"
)

// Addr is a simulated physical address (a page frame number shifted
// left by PageShift bits), mirroring biscuit's mem.Pa_t.
type Addr uint64

const pageShift = kconfig.PageShift

// PageSize is the size in bytes of a single order-0 page.
const PageSize = kconfig.PageSize

type segment struct {
	startFrame uint32
	numFrames  uint32
	arena      []byte
	pages      []*Page
}

func (s *segment) baseAddr(frame uint32) Addr {
	return Addr(uint64(s.startFrame+frame) << pageShift)
}

func (s *segment) contains(frame uint32) bool {
	return frame < s.numFrames
}

func (s *segment) frameData(frame uint32) []byte {
	off := int(frame) * PageSize
	return s.arena[off : off+PageSize]
}

// rsv is a reservation recorded by reserve before the segments are
// released to the free-lists, mirroring vm_phys_rsv_t.
type rsv struct {
	addr Addr
	size uint64 // bytes
}

// Memory is the physical page allocator. The zero value is not
// usable; construct with New.
type Memory struct {
	mu sync.Mutex

	segs []*segment

	freelist [kconfig.OrderNum]*list.List // of *Page

	total uint64 // total pages across all segments
	free  uint64 // pages currently free

	reserved   []rsv
	reservedOn bool // not set or read by any function in this package

	// freeCond is broadcast whenever a page transitions onto a
	// free-list, so AllocWait callers blocked on an unsatisfiable
	// request can re-check (spec.md §4.1 "Multi-page allocations...
	// block the caller on a free-event condition").
	freeCond *sync.Cond

	// reservePool is the small emergency pool (spec.md §4.1
	// "reserved" flag) used by the swap path when ordinary
	// allocation is failing under pressure.
	reservePoolFrames uint64
	reservePoolUsed   uint64
}

// New creates a physical memory allocator over the given segment
// sizes (in pages). Segment sizes need not be powers of two; each
// segment is seeded as fully allocated and then released page by page
// so the buddy-merge logic in Free aggregates it into the largest
// blocks alignment allows, exactly as vm_physeg_init does.
func New(segmentPages []int, reservePoolFrames uint64) *Memory {
	if len(segmentPages) == 0 || len(segmentPages) > kconfig.MaxSegments {
		klog.Panic("phys", "invalid segment count %d", len(segmentPages))
	}
	m := &Memory{reservePoolFrames: reservePoolFrames}
	m.freeCond = sync.NewCond(&m.mu)
	for i := range m.freelist {
		m.freelist[i] = list.New()
	}

	var nextFrame uint32
	for _, n := range segmentPages {
		if n <= 0 {
			klog.Panic("phys", "empty segment")
		}
		seg := &segment{startFrame: nextFrame, numFrames: uint32(n), arena: make([]byte, n*PageSize)}
		seg.pages = make([]*Page, n)
		for i := 0; i < n; i++ {
			pg := newPage(seg, uint32(i), seg.frameData(uint32(i)))
			pg.state = Normal // pretend allocated; Free() below releases it
			seg.pages[i] = pg
		}
		m.segs = append(m.segs, seg)
		m.total += uint64(n)
		nextFrame += uint32(n)
	}

	for _, seg := range m.segs {
		for _, pg := range seg.pages {
			if m.pageReserved(pg.Addr()) {
				continue
			}
			pg.order = 0
			m.freeLocked(pg)
		}
	}
	return m
}

func (m *Memory) pageReserved(addr Addr) bool {
	for _, r := range m.reserved {
		if uint64(addr) >= uint64(r.addr) && uint64(addr) < uint64(r.addr)+r.size {
			return true
		}
	}
	return false
}

// reserve carves out addr..addr+size from ever being handed to the
// general allocator, mirroring vm_phys_reserve. It only takes effect
// if called before the segments are released, which is why
// NewWithReserves calls it before building segments (this simulation
// builds segments in one shot).
func (m *Memory) reserve(addr Addr, size uint64) {
	for i := range m.reserved {
		if uint64(m.reserved[i].addr)+m.reserved[i].size == uint64(addr) {
			m.reserved[i].size += size
			return
		}
	}
	m.reserved = append(m.reserved, rsv{addr: addr, size: size})
}

// NewWithReserves is New, but pre-registers reserved physical ranges
// (e.g. kernel image, BIOS data) so that segment initialization skips
// freeing them, exactly like vm_phys_init calling vm_physeg_init after
// early boot code has already called vm_phys_reserve.
func NewWithReserves(segmentPages []int, reservePoolFrames uint64, reserves []struct {
	Addr Addr
	Size uint64
}) *Memory {
	m := &Memory{reservePoolFrames: reservePoolFrames}
	m.freeCond = sync.NewCond(&m.mu)
	for i := range m.freelist {
		m.freelist[i] = list.New()
	}
	for _, r := range reserves {
		m.reserve(r.Addr, r.Size)
	}
	var nextFrame uint32
	for _, n := range segmentPages {
		seg := &segment{startFrame: nextFrame, numFrames: uint32(n), arena: make([]byte, n*PageSize)}
		seg.pages = make([]*Page, n)
		for i := 0; i < n; i++ {
			pg := newPage(seg, uint32(i), seg.frameData(uint32(i)))
			pg.state = Normal
			seg.pages[i] = pg
		}
		m.segs = append(m.segs, seg)
		m.total += uint64(n)
		nextFrame += uint32(n)
	}
	for _, seg := range m.segs {
		for _, pg := range seg.pages {
			if m.pageReserved(pg.Addr()) {
				continue
			}
			pg.order = 0
			m.freeLocked(pg)
		}
	}
	return m
}

// Total returns the total number of order-0 pages under management.
func (m *Memory) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Free returns the number of currently free order-0 pages.
func (m *Memory) Free() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}

func (m *Memory) freelistAdd(order int, pg *Page) {
	pg.setState(Free)
	m.freelist[order].PushBack(pg)
}

func (m *Memory) freelistPop(order int) *Page {
	e := m.freelist[order].Front()
	if e == nil {
		return nil
	}
	m.freelist[order].Remove(e)
	return e.Value.(*Page)
}

func (m *Memory) freelistRemove(order int, pg *Page) bool {
	for e := m.freelist[order].Front(); e != nil; e = e.Next() {
		if e.Value.(*Page) == pg {
			m.freelist[order].Remove(e)
			return true
		}
	}
	return false
}

// Alloc allocates a block of 2^order contiguous pages and returns its
// head Page marked Normal, or ok=false if no block of that order (or
// larger, to be split) is currently free. The returned page is not
// pinned: its pin count is left at zero. It never blocks.
func (m *Memory) Alloc(order int) (pg *Page, ok bool) {
	return m.alloc(order, false)
}

// AllocReserved is Alloc but may dip into the emergency reserve pool
// (spec.md §4.1 "the swap-path emergencies").
func (m *Memory) AllocReserved(order int) (pg *Page, ok bool) {
	return m.alloc(order, true)
}

func (m *Memory) alloc(order int, useReserve bool) (*Page, bool) {
	if order < 0 || order >= kconfig.OrderNum {
		klog.Panic("phys", "invalid order %d", order)
	}
	need := uint64(1) << uint(order)

	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.free
	if !useReserve {
		if avail < m.reservePoolFrames+need {
			return nil, false
		}
	} else if avail < need {
		return nil, false
	}

	var pg *Page
	for i := order; i < kconfig.OrderNum; i++ {
		if p := m.freelistPop(i); p != nil {
			pg = p
			break
		}
	}
	if pg == nil {
		// Enough total free memory exists (checked above) but no
		// single contiguous block does; spec.md §4.1 says such
		// multi-page callers block on a free event. Single-page
		// (order 0) requests can never land here since any free
		// page is itself an order-0-or-larger block.
		return nil, false
	}

	pg.mu.Lock()
	pg.setState(Normal)
	for pg.order > order {
		pg.order--
		buddyFrame := pg.frame ^ (1 << uint(pg.order))
		buddy := pg.seg.pages[buddyFrame]
		buddy.mu.Lock()
		buddy.order = pg.order
		m.freelistAdd(pg.order, buddy)
		buddy.mu.Unlock()
	}
	pg.mu.Unlock()

	m.free -= need
	return pg, true
}

// AllocWait blocks until a block of the requested order becomes free.
// It returns nil only if stop is closed first.
func (m *Memory) AllocWait(order int, stop <-chan struct{}) *Page {
	for {
		if pg, ok := m.Alloc(order); ok {
			return pg
		}
		done := make(chan struct{})
		go func() {
			m.mu.Lock()
			m.freeCond.Wait()
			m.mu.Unlock()
			close(done)
		}()
		select {
		case <-done:
		case <-stop:
			return nil
		}
	}
}

// FreePage returns a previously allocated block to the allocator,
// merging with its buddy repeatedly while possible (vm_page_free).
func (m *Memory) FreePage(pg *Page) {
	if pg.PinCount() != 0 {
		klog.Panic("phys", "freeing pinned frame %d (pincount=%d)", pg.frame, pg.PinCount())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pg.mu.Lock()
	pg.back = Backing{}
	pg.setState(Dealloc)
	pg.mu.Unlock()

	m.free += uint64(1) << uint(pg.Order())
	m.freeLocked(pg)
	m.freeCond.Broadcast()
}

// freeLocked runs the buddy-merge loop; m.mu must already be held.
func (m *Memory) freeLocked(pg *Page) {
	for pg.order < kconfig.OrderMax {
		buddyFrame := pg.frame ^ (1 << uint(pg.order))
		if !pg.seg.contains(buddyFrame) {
			break
		}
		buddy := pg.seg.pages[buddyFrame]
		buddy.mu.Lock()
		if buddy.order != pg.order || buddy.state != Free {
			buddy.mu.Unlock()
			break
		}
		m.freelistRemove(pg.order, buddy)
		buddy.order = orderNone
		buddy.mu.Unlock()

		first := pg.frame &^ ((1 << uint(pg.order+1)) - 1)
		pg.order = orderNone
		pg = pg.seg.pages[first]
		pg.order++
	}
	m.freelistAdd(pg.order, pg)
}

// PageAt returns the Page descriptor owning the given address, or nil
// if addr does not fall within any managed segment.
func (m *Memory) PageAt(addr Addr) *Page {
	frame := uint32(uint64(addr) >> pageShift)
	for _, seg := range m.segs {
		if frame >= seg.startFrame && frame < seg.startFrame+seg.numFrames {
			return seg.pages[frame-seg.startFrame]
		}
	}
	return nil
}

// EarlyRegion describes one physical-memory region reported by the
// boot loader, before any Memory exists.
type EarlyRegion struct {
	Start Addr
	Size  uint64 // bytes
}

// EarlyAllocator is the "very limited and dumb" bootstrap allocator
// (vm_phys_early_alloc) used to size the page descriptor arrays
// themselves before the buddy allocator can run. It walks regions
// linearly, skipping anything already reserved, and every region it
// hands out becomes permanently reserved so the real allocator never
// reuses it.
type EarlyAllocator struct {
	regions  []EarlyRegion
	reserved []rsv
}

// NewEarlyAllocator constructs a bootstrap allocator over the given
// physical memory regions.
func NewEarlyAllocator(regions []EarlyRegion) *EarlyAllocator {
	return &EarlyAllocator{regions: append([]EarlyRegion(nil), regions...)}
}

func (e *EarlyAllocator) isReserved(addr Addr, size uint64) bool {
	end := uint64(addr) + size
	for _, r := range e.reserved {
		rend := uint64(r.addr) + r.size
		if !(uint64(addr) >= rend || uint64(r.addr) >= end) {
			return true
		}
	}
	return false
}

// Alloc hands out `size` contiguous bytes (rounded up to a page) from
// the first free, non-reserved span it can find, and marks that span
// reserved. Returns ok=false if no region has room.
func (e *EarlyAllocator) Alloc(size uint64) (Addr, bool) {
	size = uint64(((size + PageSize - 1) / PageSize) * PageSize)
	for _, reg := range e.regions {
		for off := uint64(0); off+size <= reg.Size; {
			cand := Addr(uint64(reg.Start) + off)
			if e.isReserved(cand, size) {
				off += PageSize
				continue
			}
			e.reserved = append(e.reserved, rsv{addr: cand, size: size})
			return cand, true
		}
	}
	return 0, false
}

// Reserves returns the list of ranges handed out so far, suitable for
// passing to NewWithReserves so the real allocator never reclaims
// them.
func (e *EarlyAllocator) Reserves() []struct {
	Addr Addr
	Size uint64
} {
	out := make([]struct {
		Addr Addr
		Size uint64
	}, len(e.reserved))
	for i, r := range e.reserved {
		out[i] = struct {
			Addr Addr
			Size uint64
		}{Addr: r.addr, Size: r.size}
	}
	return out
}
