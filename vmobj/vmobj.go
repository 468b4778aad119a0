// Package vmobj implements the VM object model of spec.md §4.4,
// grounded on _examples/original_source/src/kernel/vm/object.c and
// shadow.c (biscuit's own vm package has no equivalent page-hash or
// shadow-chain machinery to draw on, so this package is built fresh
// in the teacher's struct/mutex idiom).
package vmobj

import (
	"container/list"
	"sync"

	"elos/errno"
	"elos/klog"
	"elos/phys"
)

// Kind distinguishes the object variants of spec.md §4.4.
type Kind int

const (
	Anonymous Kind = iota
	Vnode
	Shadow
)

// Pager supplies page-in/page-out for vnode-backed objects (the
// object's ops.fault falls through to Pager.PageIn per spec.md's
// "vnode fault" description).
type Pager interface {
	PageIn(obj *Object, off int64) ([]byte, errno.Err)
	PageOut(obj *Object, off int64, data []byte) errno.Err
}

// resident is one entry of an object's page hash: either a frame
// already in memory or, for a swap pager, a location descriptor.
// Only the in-memory case is modeled; no swap pager is wired (no
// backing store component exists in this module).
type resident struct {
	page *phys.Page
}

// Object is a reference-counted container of pages keyed by
// page-aligned byte offset (vm_object_t).
type Object struct {
	mu sync.Mutex

	kind  Kind
	size  int64
	pages map[int64]*resident
	order *list.List // of int64 offsets, insertion order, for resize scans

	pager Pager

	refs int32

	// shadow-only fields (vm_shadow_t)
	shadowed      *Object
	root          *Object // shadow chain root, never itself a shadow
	children      []*Object
	depth         int
	demandShadow  int
	dead          bool

	// maps referencing this object, tracked on the chain root only
	// (vm_object_map_add/rem operate on vm_shadow_root()).
	maps map[uintptr]struct{}

	// mem is the physical allocator pages are carved from and
	// returned to on destruction (vm_object_clear's vm_page_free).
	mem *phys.Memory
}

// NewAnonymous creates a zero-fill-on-demand object of the given size.
func NewAnonymous(mem *phys.Memory, size int64) *Object {
	o := newObject(Anonymous, size, nil, mem)
	o.root = o
	return o
}

// NewVnode creates a vnode-backed object whose faults are satisfied
// through pager.
func NewVnode(mem *phys.Memory, size int64, pager Pager) *Object {
	o := newObject(Vnode, size, pager, mem)
	o.root = o
	return o
}

func newObject(kind Kind, size int64, pager Pager, mem *phys.Memory) *Object {
	return &Object{
		kind:  kind,
		size:  size,
		pages: make(map[int64]*resident),
		order: list.New(),
		pager: pager,
		refs:  1,
		maps:  make(map[uintptr]struct{}),
		mem:   mem,
	}
}

func (o *Object) Lock()   { o.mu.Lock() }
func (o *Object) Unlock() { o.mu.Unlock() }

func (o *Object) Kind() Kind   { return o.kind }
func (o *Object) Size() int64  { return o.size }
func (o *Object) Ref() *Object { o.mu.Lock(); o.refs++; o.mu.Unlock(); return o }

// Unref drops a reference, running the shadow destructor/simplify
// path when it reaches zero.
func (o *Object) Unref() {
	o.mu.Lock()
	o.refs--
	if o.refs > 0 {
		o.mu.Unlock()
		return
	}
	o.dead = true
	o.mu.Unlock()
	o.clear()
	if o.kind == Shadow {
		destroyShadow(o)
	}
}

func (o *Object) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for off, r := range o.pages {
		delete(o.pages, off)
		if r.page == nil {
			continue
		}
		r.page.SetBacking(phys.Backing{})
		if o.mem != nil {
			o.mem.FreePage(r.page)
		}
	}
}

// ShadowRoot returns the non-shadow object at the base of the chain
// (vm_shadow_root), used for routing the map list and demand-shadow
// decisions.
func (o *Object) ShadowRoot() *Object {
	if o.kind != Shadow {
		return o
	}
	return o.root
}

// PageAlloc inserts a fresh pinned, busy page at off (vm_object_page_alloc).
// Caller must hold the object lock.
func (o *Object) PageAlloc(mem *phys.Memory, off int64) (*phys.Page, errno.Err) {
	pg, ok := mem.Alloc(0)
	if !ok {
		return nil, errno.OutOfMemory
	}
	pg.MarkBusy()
	pg.Pin()
	pg.SetBacking(phys.Backing{Object: o, Offset: off})
	o.pages[off] = &resident{page: pg}
	o.order.PushBack(off)
	return pg, 0
}

// PageRemove detaches page from the object without freeing it
// (vm_object_page_remove). Caller must hold the object lock.
func (o *Object) PageRemove(off int64) {
	delete(o.pages, off)
}

// PageResident returns the resident page pinned at off, waiting out
// any in-progress busy state and retrying if the page was removed
// due to an I/O error (vm_object_page_resident). Caller must hold the
// object lock; PageResident releases and re-acquires it while waiting.
func (o *Object) PageResident(off int64) (*phys.Page, errno.Err) {
	if off >= o.size {
		return nil, errno.OutOfRange
	}
	for {
		r, ok := o.pages[off]
		if !ok {
			return nil, errno.NotFound
		}
		pg := r.page
		pg.Pin()
		if !pg.IsBusy() {
			return pg, 0
		}
		o.mu.Unlock()
		pg.WaitNotBusy()
		o.mu.Lock()
		if _, stillThere := o.pages[off]; !stillThere {
			pg.Unpin()
			continue
		}
		return pg, 0
	}
}

// Fault dispatches on the object variant, as described in spec.md
// §4.4's "Anonymous fault" / "Vnode fault" / "Shadow fault" clauses.
// Caller must hold the object lock; Fault may release and re-acquire
// it (vnode pagein, shadow chain walk).
func (o *Object) Fault(mem *phys.Memory, off int64, writeAccess bool, mapWritable *bool) (*phys.Page, errno.Err) {
	if pg, err := o.PageResident(off); err == 0 {
		if writeAccess {
			pg.SetDirty(true)
		}
		return pg, 0
	}

	switch o.kind {
	case Anonymous:
		pg, err := o.PageAlloc(mem, off)
		if err != 0 {
			return nil, err
		}
		pg.Zero()
		pg.SetDirty(true)
		pg.ClearBusy()
		pg.Unpin()
		pg, err = o.PageResident(off)
		return pg, err
	case Vnode:
		if o.pager == nil {
			klog.Panic("vmobj", "vnode object with no pager at offset %d", off)
		}
		o.mu.Unlock()
		data, err := o.pager.PageIn(o, off)
		o.mu.Lock()
		if err != 0 {
			return nil, err
		}
		pg, err := o.PageAlloc(mem, off)
		if err != 0 {
			return nil, err
		}
		copy(pg.Data(), data)
		pg.ClearBusy()
		pg.Unpin()
		pg, err = o.PageResident(off)
		return pg, err
	case Shadow:
		return o.shadowFault(mem, off, writeAccess, mapWritable)
	}
	klog.Panic("vmobj", "unknown object kind %d", o.kind)
	return nil, 0
}

// Resize shrinks (or grows) the object's size, unmapping and freeing
// pages beyond the new size, zero-filling the last partial page
// (vm_object_resize). A page that is still pinned is detached but not
// freed. Only non-shadow objects may be resized.
func (o *Object) Resize(newSize int64, unmap func(off int64)) {
	if o.kind == Shadow {
		klog.Panic("vmobj", "resizing a shadow object")
	}
	old := o.size
	o.size = newSize
	if newSize >= old {
		return
	}
	alignedNew := newSize &^ (int64(phys.PageSize) - 1)
	for off, r := range o.pages {
		if off < alignedNew {
			continue
		}
		unmap(off)
		if !aligned(newSize) && off == alignedNew {
			tailStart := int(newSize & (int64(phys.PageSize) - 1))
			data := r.page.Data()
			for i := tailStart; i < len(data); i++ {
				data[i] = 0
			}
			continue
		}
		delete(o.pages, off)
		r.page.SetBacking(phys.Backing{})
		if o.mem != nil && r.page.PinCount() == 0 {
			o.mem.FreePage(r.page)
		}
	}
}

func aligned(n int64) bool {
	return n&(int64(phys.PageSize)-1) == 0
}

// PagesMigrate moves every page of src at offset >= minOff to dst,
// freeing src's page where dst already has one at that offset (a
// page that is still pinned is detached but not freed)
// (vm_object_pages_migrate). Locking order is dst-before-src per
// spec.md §4.4 and §5, since dst is always deeper in the chain.
func PagesMigrate(dst, src *Object, minOff int64) {
	for off, r := range src.pages {
		if off < minOff {
			continue
		}
		if _, exists := dst.pages[off]; exists {
			delete(src.pages, off)
			r.page.SetBacking(phys.Backing{})
			if src.mem != nil && r.page.PinCount() == 0 {
				src.mem.FreePage(r.page)
			}
			continue
		}
		delete(src.pages, off)
		r.page.SetBacking(phys.Backing{Object: dst, Offset: off})
		dst.pages[off] = r
	}
}

// AddMap and RemMap track mappings referencing this chain, always
// routed through the shadow root (vm_object_map_add/rem).
func (o *Object) AddMap(id uintptr) {
	root := o.ShadowRoot()
	root.mu.Lock()
	root.maps[id] = struct{}{}
	root.mu.Unlock()
}

func (o *Object) RemMap(id uintptr) {
	root := o.ShadowRoot()
	root.mu.Lock()
	delete(root.maps, id)
	root.mu.Unlock()
}
