package vmobj

import (
	"container/list"

	"elos/errno"
	"elos/phys"
)

// DemandShadow implements vm_demand_shadow: on a first write fault
// through a shadow-pending mapping, either reuse the shadowed object
// directly (when it is itself a shadow with exactly one demand-shadow
// registration and no existing children) or allocate a fresh shadow
// layered on top of it.
func DemandShadow(shadowed *Object, size int64) *Object {
	if shadowed.kind == Shadow {
		shadowed.mu.Lock()
		if !shadowNeeded(shadowed) {
			shadowed.demandShadow--
			shadowed.mu.Unlock()
			return shadowed.Ref()
		}
		shadowed.mu.Unlock()
	}

	s := &Object{
		kind:     Shadow,
		size:     size,
		pages:    make(map[int64]*resident),
		order:    list.New(),
		refs:     1,
		maps:     make(map[uintptr]struct{}),
		shadowed: shadowed.Ref(),
		mem:      shadowed.mem,
	}

	if shadowed.kind == Shadow {
		shadowed.mu.Lock()
		if !shadowNeeded(shadowed) {
			shadowed.demandShadow--
			shadowed.mu.Unlock()
			shadowed.Unref() // undo the Ref taken above
			return shadowed
		}
		s.root = shadowed.root
		s.depth = shadowed.depth + 1
		shadowed.demandShadow--
		shadowed.children = append(shadowed.children, s)
		shadowed.mu.Unlock()
	} else {
		s.root = shadowed
		s.depth = 1
	}

	return s
}

func shadowNeeded(o *Object) bool {
	return o.demandShadow != 1 || len(o.children) > 0
}

// RegisterDemandShadow and UnregisterDemandShadow track the
// fork-time "a shadow will be needed" reservation described in
// spec.md §4.4; unregistering may trigger chain simplification.
func RegisterDemandShadow(o *Object) {
	if o.kind != Shadow {
		return
	}
	o.mu.Lock()
	o.demandShadow++
	o.mu.Unlock()
}

func UnregisterDemandShadow(o *Object) {
	if o.kind != Shadow {
		return
	}
	o.mu.Lock()
	o.demandShadow--
	simplify(o)
}

// canSimplify reports whether o has exactly one live child and no
// pending demand-shadow registrations. Caller holds o.mu.
func canSimplify(o *Object) bool {
	return len(o.children) == 1 && o.demandShadow == 0
}

// simplify collapses o into its sole child, migrating pages and
// rewiring the child's shadow pointer to o's grandparent
// (vm_shadow_simplify). It unlocks o.mu before returning. The lock
// order is child-before-parent per spec.md §4.4 and §5: o is unlocked,
// the child is locked, then o is re-locked, matching the original's
// rationale that concurrent lookups must re-verify the relationship
// after re-acquiring the lock.
func simplify(o *Object) {
	if !canSimplify(o) {
		o.mu.Unlock()
		return
	}
	child := o.children[0]
	child.Ref()
	o.mu.Unlock()

	child.mu.Lock()
	o.mu.Lock()

	if !canSimplify(o) || len(o.children) == 0 || o.children[0] != child || child.dead {
		o.mu.Unlock()
		child.mu.Unlock()
		child.Unref()
		return
	}

	PagesMigrate(child, o, 0)

	grandparent := o.shadowed
	child.shadowed = grandparent
	child.depth--
	o.shadowed = nil
	o.children = nil

	if grandparent != nil && grandparent.kind == Shadow {
		grandparent.mu.Lock()
		grandparent.children = removeChild(grandparent.children, o)
		grandparent.children = append(grandparent.children, child)
		grandparent.mu.Unlock()
	}

	o.mu.Unlock()
	child.mu.Unlock()

	o.Unref()
	child.Unref()
}

func removeChild(children []*Object, target *Object) []*Object {
	out := children[:0]
	for _, c := range children {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// destroyShadow runs the shadow-specific teardown after Unref drops
// the last reference: detach from the parent's child list and attempt
// simplification of the parent (vm_shadow_destroy).
func destroyShadow(o *Object) {
	parent := o.shadowed
	if parent != nil && parent.kind == Shadow {
		parent.mu.Lock()
		o.mu.Lock()
		reffed := o.refs > 0
		o.mu.Unlock()
		if reffed {
			// simplify() elsewhere re-Ref'd this object before we got
			// here; back off and let that caller's Unref retry.
			parent.mu.Unlock()
			return
		}
		parent.children = removeChild(parent.children, o)
		simplify(parent) // unlocks parent.mu
	}
	if o.shadowed != nil {
		o.shadowed.Unref()
	}
}

// shadowFault implements spec.md §4.4's "Shadow fault": walk the
// chain to the nearest resident page, then copy-on-write or share it
// depending on access and whether the copy would be partial.
func (o *Object) shadowFault(mem *phys.Memory, off int64, writeAccess bool, mapWritable *bool) (*phys.Page, errno.Err) {
	src, err := chainGet(o, off, mem)
	if err != 0 {
		return nil, err
	}

	var copySize int64
	if srcObj, _ := src.Backing().Object.(*Object); srcObj != nil && srcObj.kind == Shadow {
		copySize = int64(phys.PageSize)
	} else {
		copySize = o.size - off
		if copySize > int64(phys.PageSize) {
			copySize = int64(phys.PageSize)
		}
	}

	if writeAccess || copySize != int64(phys.PageSize) {
		newPg, aerr := o.PageAlloc(mem, off)
		if aerr != 0 {
			src.Unpin()
			return nil, errno.OutOfMemory
		}
		copy(newPg.Data(), src.Data()[:copySize])
		for i := copySize; i < int64(phys.PageSize); i++ {
			newPg.Data()[i] = 0
		}
		src.Unpin()
		newPg.ClearBusy()
		newPg.Unpin()
		return o.PageResident(off)
	}

	if mapWritable != nil {
		*mapWritable = false
	}
	return src, 0
}

// chainGet walks shadow -> shadow -> ... -> root until a resident
// page is found (vm_shadow_chain_get), falling through to a fault on
// the root object when none of the intermediate shadows have it.
func chainGet(o *Object, off int64, mem *phys.Memory) (*phys.Page, errno.Err) {
	cur := o.shadowed
	root := o.root
	for cur != root {
		cur.mu.Lock()
		if r, ok := cur.pages[off]; ok {
			pg := r.page
			cur.mu.Unlock()
			pg.Pin()
			return pg, 0
		}
		next := cur.shadowed
		cur.mu.Unlock()
		cur = next
	}

	root.mu.Lock()
	defer root.mu.Unlock()
	var mapFlags bool
	return root.Fault(mem, off, false, &mapFlags)
}
