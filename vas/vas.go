// Package vas implements the per-process virtual address space of
// spec.md §4.5, grounded on biscuit's vm.Vm_t (_examples/Oichkatzelesfrettschen-biscuit/src/vm/as.go)
// for the mutex-guarded struct shape and on
// _examples/original_source/src/kernel/vm/vas.c for the mapping-tree
// operations biscuit's own Vmregion_t (an interval tree keyed on
// hardware PTEs) does not need to express, since this simulation has
// no MMU: "installing" a mapping means recording it and handing the
// caller a *phys.Page, not writing a page-table entry.
package vas

import (
	"container/list"
	"sync"

	"elos/errno"
	"elos/klog"
	"elos/phys"
	"elos/vmobj"
)

// Prot is a protection bitmask (PTE_U|PTE_W analog).
type Prot uint

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Mapping is a half-open virtual range bound to an object, per
// spec.md §3 "Virtual mapping".
type Mapping struct {
	Start, Size int64
	Prot        Prot
	MaxProt     Prot
	Shared      bool
	ShadowPend  bool
	TailLen     int64 // unaligned-tail length for a vnode whose size isn't page aligned

	Object *vmobj.Object
	Offset int64

	elem *list.Element
}

func (m *Mapping) End() int64 { return m.Start + m.Size }

// AllocFunc finds a free range of size bytes for a non-fixed Map
// call (the VAS's allocator callback).
type AllocFunc func(size int64) (int64, bool)

// VAS is one process's virtual address space (Vm_t).
type VAS struct {
	mu sync.Mutex

	Base, End int64
	order     *list.List // of *Mapping, address order
	allocFn   AllocFunc

	mem *phys.Memory
}

func New(base, end int64, mem *phys.Memory, allocFn AllocFunc) *VAS {
	return &VAS{Base: base, End: end, order: list.New(), mem: mem, allocFn: allocFn}
}

// Map installs addr..addr+size backed by object at offset. If fixed
// is false, addr is ignored and allocFn supplies a free range;
// otherwise any overlapping mappings are unmapped first, matching
// spec.md §4.5 ("map with a fixed address unmaps any overlapping
// mappings first, then inserts").
func (v *VAS) Map(addr, size int64, fixed bool, object *vmobj.Object, offset int64, prot, maxProt Prot, shared bool) (int64, errno.Err) {
	if size <= 0 || prot&^maxProt != 0 {
		return 0, errno.InvalidArgument
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !fixed {
		found, ok := v.allocFn(size)
		if !ok {
			return 0, errno.OutOfMemory
		}
		addr = found
	} else {
		if err := v.unmapLocked(addr, size); err != 0 {
			return 0, err
		}
	}
	if addr < v.Base || addr+size-1 > v.End {
		return 0, errno.InvalidArgument
	}

	m := &Mapping{Start: addr, Size: size, Prot: prot, MaxProt: maxProt, Shared: shared, Object: object, Offset: offset}
	v.insertLocked(m)
	if object != nil {
		object.AddMap(uintptr(addr))
	}
	return addr, 0
}

func (v *VAS) insertLocked(m *Mapping) {
	for e := v.order.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Mapping)
		if cur.Start > m.Start {
			m.elem = v.order.InsertBefore(m, e)
			return
		}
	}
	m.elem = v.order.PushBack(m)
}

// Lookup returns the mapping containing addr, if any.
func (v *VAS) Lookup(addr int64) (*Mapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookupLocked(addr)
}

func (v *VAS) lookupLocked(addr int64) (*Mapping, bool) {
	for e := v.order.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Mapping)
		if addr >= m.Start && addr < m.End() {
			return m, true
		}
	}
	return nil, false
}

// Unmap releases [addr, addr+size), trimming the head/tail of
// partially-covered mappings per spec.md §4.5's four cases.
func (v *VAS) Unmap(addr, size int64) errno.Err {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unmapLocked(addr, size)
}

func (v *VAS) unmapLocked(addr, size int64) errno.Err {
	rangeEnd := addr + size
	e := v.order.Front()
	for e != nil {
		next := e.Next()
		m := e.Value.(*Mapping)
		if m.End() <= addr || m.Start >= rangeEnd {
			e = next
			continue
		}

		switch {
		case m.Start >= addr && m.End() <= rangeEnd:
			// Fully inside: remove.
			v.removeLocked(m)
		case m.Start < addr && m.End() > rangeEnd:
			// Straddles both ends: per spec.md's Design Notes, trim
			// the tail rather than split into two mappings (callers
			// must not unmap interior subranges of one mapping).
			m.Size = addr - m.Start
		case m.Start < addr:
			// Partially before: trim tail.
			m.Size = addr - m.Start
		default:
			// Partially after: trim head.
			drop := rangeEnd - m.Start
			m.Start += drop
			m.Size -= drop
			m.Offset += drop
		}
		e = next
	}
	return 0
}

func (v *VAS) removeLocked(m *Mapping) {
	v.order.Remove(m.elem)
	if m.Object != nil {
		m.Object.RemMap(uintptr(m.Start))
	}
}

// Protect validates newProt against max_prot, splitting the mapping
// at both endpoints if the requested range is a strict sub-range
// (spec.md §4.5 "protect").
//
// The requested range must be entirely covered by a single existing
// mapping; a request spanning more than one mapping is rejected with
// errno.InvalidArgument, matching
// _examples/original_source/src/kernel/vm/vas.c's vm_vas_protect
// (which returns -EINVAL rather than splitting/merging across
// adjacent mappings — Open Question decision #1 in DESIGN.md).
func (v *VAS) Protect(addr, size int64, newProt Prot) errno.Err {
	v.mu.Lock()
	defer v.mu.Unlock()

	rangeEnd := addr + size
	var m *Mapping
	for e := v.order.Front(); e != nil; e = e.Next() {
		cand := e.Value.(*Mapping)
		if cand.End() <= addr || cand.Start >= rangeEnd {
			continue
		}
		if cand.Start > addr || cand.End() < rangeEnd {
			return errno.InvalidArgument
		}
		m = cand
		break
	}
	if m == nil {
		return errno.InvalidArgument
	}
	if newProt&^m.MaxProt != 0 {
		return errno.PermissionDenied
	}

	if m.Start < addr {
		head := &Mapping{Start: m.Start, Size: addr - m.Start, Prot: m.Prot, MaxProt: m.MaxProt, Shared: m.Shared, Object: m.Object, Offset: m.Offset}
		head.elem = v.order.InsertBefore(head, m.elem)
		drop := addr - m.Start
		m.Start += drop
		m.Size -= drop
		m.Offset += drop
	}
	if m.End() > rangeEnd {
		tailSize := m.End() - rangeEnd
		tail := &Mapping{Start: rangeEnd, Size: tailSize, Prot: m.Prot, MaxProt: m.MaxProt, Shared: m.Shared, Object: m.Object, Offset: m.Offset + (m.Size - tailSize)}
		v.insertLocked(tail)
		m.Size -= tailSize
	}
	m.Prot = newProt
	return 0
}

// Fork populates dst from src per spec.md §4.5 "fork": shared
// mappings duplicate the entry and keep the same object; writable
// private mappings become shadow-pending in both src and dst (cheap
// COW); read-only private mappings are duplicated as-is.
func Fork(dst, src *VAS) {
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	for e := src.order.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Mapping)
		child := &Mapping{Start: m.Start, Size: m.Size, Prot: m.Prot, MaxProt: m.MaxProt, Shared: m.Shared, Offset: m.Offset, TailLen: m.TailLen}

		switch {
		case m.Shared:
			child.Object = m.Object
		case m.Prot&ProtWrite != 0:
			m.ShadowPend = true
			child.ShadowPend = true
			child.Object = m.Object
			vmobj.RegisterDemandShadow(m.Object)
			vmobj.RegisterDemandShadow(child.Object)
		default:
			child.Object = m.Object
		}

		dst.insertLocked(child)
		if child.Object != nil {
			child.Object.AddMap(uintptr(child.Start))
		}
	}
}

// Fault looks up the mapping covering addr, checks protection,
// resolves demand-shadowing on first write, and faults the
// underlying object, per spec.md §4.5 "fault".
func (v *VAS) Fault(addr int64, write bool) (*phys.Page, errno.Err) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.lookupLocked(addr)
	if !ok {
		return nil, errno.Fault
	}
	if write && m.Prot&ProtWrite == 0 {
		return nil, errno.Fault
	}
	if !write && m.Prot&ProtRead == 0 {
		return nil, errno.Fault
	}

	if write && m.ShadowPend {
		m.Object = vmobj.DemandShadow(m.Object, m.Size)
		m.ShadowPend = false
	}

	off := m.Offset + (addr - m.Start)
	var mapWritable bool = write
	m.Object.Lock()
	pg, err := m.Object.Fault(v.mem, off, write, &mapWritable)
	m.Object.Unlock()
	if err != 0 {
		return nil, err
	}
	if !mapWritable && write {
		klog.Panic("vas", "object returned a read-only page for a write fault at %#x", addr)
	}
	return pg, 0
}
