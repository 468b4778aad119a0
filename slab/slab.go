// Package slab implements fixed-size object pools carved from
// vmem-backed pages, per spec.md §4.3, grounded on
// _examples/original_source/src/kernel/vm/slab.c
// (vm_slab_create/vm_slab_alloc/vm_slab_free/vm_slab_add_mem).
//
// The original locates a pointer's owning slab in O(1) via the
// backing physical page's descriptor (vm_slab_get_alloc walks a
// back-pointer stashed on the vm_page_t). This rendition keeps that
// exact trick: each phys.Page carved for a slab chunk has its
// Backing.Slab field set to the chunk, so Free(ptr) can recover the
// owning slab without a lookup structure — see chunk.page below.
package slab

import (
	"sync"
	"unsafe"

	"elos/errno"
	"elos/klog"
	"elos/phys"
	"elos/vmem"
)

// ptrOffset returns the byte offset of elem within the slice whose
// first element is base, using pointer arithmetic the way the
// original's vm_slab_mem_align/vm_slab_free do via raw addresses.
func ptrOffset(base, elem *byte) uintptr {
	return uintptr(unsafe.Pointer(elem)) - uintptr(unsafe.Pointer(base))
}

// chunk is one page-sized block of memory subdivided into fixed-size
// objects, threaded onto a free list (vm_slab_t).
type chunk struct {
	next *chunk
	base []byte
	free []int // offsets of unused objects, treated as a stack
	page *phys.Page
	addr uint64 // vmem address this chunk was backed at, for reclaim
}

// Slab is one fixed-size object pool (vm_slaballoc_t).
type Slab struct {
	mu sync.Mutex

	Name    string
	ObjSize int
	Align   int

	chunks *chunk

	// noVirtualAlloc mirrors the VM-early NoVirtualAlloc flag: when
	// set, AddMem must be used to supply memory instead of Alloc
	// pulling fresh pages through vmem, avoiding re-entering the
	// vmem path while vmem's own descriptor slab is being stood up.
	noVirtualAlloc bool

	arena *vmem.Arena
}

// New creates a slab allocator for fixed objSize objects aligned to
// align bytes (vm_slab_create). If arena is nil the slab can only be
// grown via AddMem (NoVirtualAlloc semantics).
func New(name string, objSize, align int, arena *vmem.Arena) *Slab {
	if objSize <= 0 {
		klog.Panic("slab", "invalid object size %d for slab %q", objSize, name)
	}
	if align <= 0 {
		align = 8
	}
	return &Slab{
		Name:           name,
		ObjSize:        roundup(objSize, align),
		Align:          align,
		arena:          arena,
		noVirtualAlloc: arena == nil,
	}
}

func roundup(v, a int) int {
	return (v + a - 1) / a * a
}

func (s *Slab) objectsPerChunk() int {
	return phys.PageSize / s.ObjSize
}

// AddMem supplies the slab with externally-obtained memory (one
// physical page and its direct-mapped bytes), used during bootstrap
// before the vmem arena can be trusted (vm_slab_add_mem).
func (s *Slab) AddMem(pg *phys.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addChunkLocked(pg, 0)
}

func (s *Slab) addChunkLocked(pg *phys.Page, addr uint64) *chunk {
	n := s.objectsPerChunk()
	c := &chunk{base: pg.Data(), page: pg, addr: addr}
	c.free = make([]int, n)
	for i := 0; i < n; i++ {
		c.free[i] = i * s.ObjSize
	}
	pg.SetBacking(phys.Backing{Slab: c})
	c.next = s.chunks
	s.chunks = c
	return c
}

func (s *Slab) growLocked() (*chunk, errno.Err) {
	if s.noVirtualAlloc {
		return nil, errno.OutOfMemory
	}
	addr, bufs, err := s.arena.AllocBacked(uint64(phys.PageSize), vmem.FlagNone)
	if err != 0 {
		return nil, err
	}
	_ = bufs
	pg := s.arena.Phys().PageAt(phys.Addr(addr))
	if pg == nil {
		klog.Panic("slab", "grew arena but could not resolve backing page at %#x", addr)
	}
	return s.addChunkLocked(pg, addr), 0
}

// Alloc returns one zeroed object, growing the slab by one chunk if
// every existing chunk is full.
func (s *Slab) Alloc() (unsafePtr []byte, err errno.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chunks
	for c != nil && len(c.free) == 0 {
		c = c.next
	}
	if c == nil {
		c, err = s.growLocked()
		if err != 0 {
			return nil, err
		}
	}

	off := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	obj := c.base[off : off+s.ObjSize]
	for i := range obj {
		obj[i] = 0
	}
	return obj, 0
}

// Free returns an object to its owning chunk, found in O(1) via the
// slab back-pointer on the object's containing phys.Page. ptr must
// have been returned by Alloc on this Slab.
func (s *Slab) Free(pg *phys.Page, ptr []byte) {
	back := pg.Backing()
	c, ok := back.Slab.(*chunk)
	if !ok {
		klog.Panic("slab", "freeing non-slab pointer to slab %q", s.Name)
	}
	base := &c.base[0]
	off := int(ptrOffset(base, &ptr[0]))

	s.mu.Lock()
	defer s.mu.Unlock()
	c.free = append(c.free, off)
}

// Reclaim frees every fully-empty chunk back to the arena, returning
// the number of chunks reclaimed (vm_slab_reclaim, run under memory
// pressure).
func (s *Slab) Reclaim() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.objectsPerChunk()
	var kept *chunk
	var tail *chunk
	reclaimed := 0
	for c := s.chunks; c != nil; {
		next := c.next
		if len(c.free) == n && c.addr != 0 {
			s.arena.Unback(c.addr, uint64(phys.PageSize))
			s.arena.Free(c.addr, uint64(phys.PageSize))
			reclaimed++
		} else {
			c.next = nil
			if kept == nil {
				kept = c
				tail = c
			} else {
				tail.next = c
				tail = c
			}
		}
		c = next
	}
	s.chunks = kept
	return reclaimed
}
