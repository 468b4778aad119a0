// Package vmem implements the kernel virtual address arena of
// spec.md §4.2, grounded on
// _examples/original_source/src/kernel/vm/vmem.c. The original keeps
// free spans in both a red-black tree keyed by address (for
// coalescing neighbors) and 29 size-class free lists (for
// smallest-fit allocation); this rendition keeps the same two views
// but backs the address-ordered view with a doubly linked list
// (container/list) instead of a red-black tree, since nothing in
// spec.md §8's testable properties depends on tree-shaped lookup
// complexity and a list keeps the coalescing logic exactly as
// legible as the original's in-order tree walk.
//
// vmem.c's self-hosting trick — donating a page from the region being
// freed to the slab that backs span descriptors when that slab is
// empty — has no equivalent here: span descriptors are ordinary Go
// values on the garbage-collected heap, so the bootstrap problem it
// solves (bootstrapping a physical allocator's own metadata allocator)
// does not exist in this simulation.
package vmem

import (
	"container/list"
	"sync"

	"elos/errno"
	"elos/kconfig"
	"elos/klog"
	"elos/phys"
)

// Flags for back/alloc_backed.
type Flags uint

const (
	FlagNone Flags = 0
	// FlagZero zero-fills newly backed pages.
	FlagZero Flags = 1 << iota
)

type span struct {
	addr uint64
	size uint64 // bytes
	free bool

	addrElem *list.Element // element in Arena.addrOrder
	freeElem *list.Element // element in Arena.classes[c], nil if allocated

	backing []*phys.Page // non-nil only for spans returned by Back
}

func classOf(sizePages uint64) int {
	c := 0
	for (uint64(1) << uint(c+1)) <= sizePages {
		c++
		if c >= kconfig.VmemSizeClasses-1 {
			break
		}
	}
	return c
}

// Arena is a kernel virtual address range manager.
type Arena struct {
	mu sync.Mutex

	base uint64
	size uint64

	addrOrder *list.List                        // of *span, address order
	classes   [kconfig.VmemSizeClasses]*list.List // of *span, free only

	byAddr map[uint64]*span // currently-allocated spans, keyed by start addr

	phys *phys.Memory
}

// New creates an arena covering [base, base+size) and backed by mem
// for Back/AllocBacked calls. size and base must be page aligned.
func New(base, size uint64, mem *phys.Memory) *Arena {
	if size%phys.PageSize != 0 || base%phys.PageSize != 0 {
		klog.Panic("vmem", "unaligned arena base=%#x size=%#x", base, size)
	}
	a := &Arena{base: base, size: size, phys: mem}
	a.addrOrder = list.New()
	a.byAddr = make(map[uint64]*span)
	for i := range a.classes {
		a.classes[i] = list.New()
	}

	root := &span{addr: base, size: size, free: true}
	root.addrElem = a.addrOrder.PushBack(root)
	c := classOf(size / phys.PageSize)
	root.freeElem = a.classes[c].PushBack(root)
	return a
}

// Alloc reserves `size` bytes of virtual address space (rounded up to
// a page) and returns its base address. The carved region comes off
// the back of the chosen free span, matching vmem.c's stated
// fragmentation-avoidance policy.
func (a *Arena) Alloc(size uint64) (uint64, errno.Err) {
	size = roundPage(size)
	if size == 0 {
		return 0, errno.InvalidArgument
	}
	pages := size / phys.PageSize

	a.mu.Lock()
	defer a.mu.Unlock()

	start := classOf(pages)
	var s *span
	for c := start; c < kconfig.VmemSizeClasses; c++ {
		for e := a.classes[c].Front(); e != nil; e = e.Next() {
			cand := e.Value.(*span)
			if cand.size >= size {
				s = cand
				break
			}
		}
		if s != nil {
			break
		}
	}
	if s == nil {
		return 0, errno.OutOfMemory
	}

	a.removeFromClass(s)

	allocAddr := s.addr + s.size - size
	if s.size == size {
		s.free = false
		s.addr = allocAddr
		a.byAddr[allocAddr] = s
		return allocAddr, 0
	}

	s.size -= size
	a.addToClass(s)

	alloc := &span{addr: allocAddr, size: size, free: false}
	alloc.addrElem = a.addrOrder.InsertAfter(alloc, s.addrElem)
	a.byAddr[allocAddr] = alloc
	return allocAddr, 0
}

// Free releases a previously allocated [addr, addr+size) range,
// coalescing with free address-order neighbors.
func (a *Arena) Free(addr, size uint64) errno.Err {
	size = roundPage(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.byAddr[addr]
	if !ok || s.size != size || s.free {
		return errno.InvalidArgument
	}
	delete(a.byAddr, addr)
	s.free = true

	if s.backing != nil {
		a.unbackLocked(s)
	}

	if pe := s.addrElem.Prev(); pe != nil {
		if prev := pe.Value.(*span); prev.free {
			a.removeFromClass(prev)
			a.addrOrder.Remove(s.addrElem)
			prev.size += s.size
			s = prev
		}
	}
	if ne := s.addrElem.Next(); ne != nil {
		if next := ne.Value.(*span); next.free {
			a.removeFromClass(next)
			a.addrOrder.Remove(next.addrElem)
			s.size += next.size
		}
	}

	a.addToClass(s)
	return 0
}

func (a *Arena) removeFromClass(s *span) {
	c := classOf(s.size / phys.PageSize)
	a.classes[c].Remove(s.freeElem)
	s.freeElem = nil
}

func (a *Arena) addToClass(s *span) {
	c := classOf(s.size / phys.PageSize)
	s.freeElem = a.classes[c].PushBack(s)
}

// Back maps size bytes of physical memory under [addr, addr+size),
// which must already be a single allocated span from Alloc, and
// returns byte slices viewing each backed page (one per page, in
// address order so callers can treat them as one contiguous buffer
// conceptually — this simulation has no MMU to make them a single
// Go slice across non-contiguous phys.Page allocations).
func (a *Arena) Back(addr, size uint64, flags Flags) ([][]byte, errno.Err) {
	size = roundPage(size)
	a.mu.Lock()
	s, ok := a.byAddr[addr]
	a.mu.Unlock()
	if !ok || s.size != size {
		return nil, errno.InvalidArgument
	}

	npages := int(size / phys.PageSize)
	pages := make([]*phys.Page, 0, npages)
	bufs := make([][]byte, 0, npages)
	for i := 0; i < npages; i++ {
		pg, ok := a.phys.Alloc(0)
		if !ok {
			for _, p := range pages {
				a.phys.FreePage(p)
			}
			return nil, errno.OutOfMemory
		}
		if flags&FlagZero != 0 {
			pg.Zero()
		}
		pages = append(pages, pg)
		bufs = append(bufs, pg.Data())
	}

	a.mu.Lock()
	s.backing = pages
	a.mu.Unlock()
	return bufs, 0
}

// Unback releases the physical pages backing [addr, addr+size) without
// freeing the virtual span itself.
func (a *Arena) Unback(addr, size uint64) errno.Err {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byAddr[addr]
	if !ok || s.size != roundPage(size) {
		return errno.InvalidArgument
	}
	a.unbackLocked(s)
	return 0
}

func (a *Arena) unbackLocked(s *span) {
	for _, pg := range s.backing {
		a.phys.FreePage(pg)
	}
	s.backing = nil
}

// AllocBacked allocates and immediately backs size bytes, returning
// the virtual address and the backing page buffers.
func (a *Arena) AllocBacked(size uint64, flags Flags) (uint64, [][]byte, errno.Err) {
	addr, err := a.Alloc(size)
	if err != 0 {
		return 0, nil, err
	}
	bufs, err := a.Back(addr, size, flags)
	if err != 0 {
		a.Free(addr, size)
		return 0, nil, err
	}
	return addr, bufs, 0
}

// Phys returns the physical allocator backing this arena, for
// collaborators (slab) that need to resolve a vmem address back to
// its phys.Page.
func (a *Arena) Phys() *phys.Memory {
	return a.phys
}

func roundPage(n uint64) uint64 {
	return (n + phys.PageSize - 1) &^ (phys.PageSize - 1)
}
