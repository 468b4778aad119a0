// Package pageout implements the reclaim engine of spec.md §4.6,
// grounded on _examples/original_source/src/kernel/vm/pageout.c
// (biscuit has no equivalent — its design predates a real pager and
// never evicts clean pages under pressure).
package pageout

import (
	"container/list"
	"sync"

	"elos/errno"
	"elos/kconfig"
	"elos/phys"
	"elos/vmobj"
)

// Pressure mirrors vm_pressure_t's three levels.
type Pressure int

const (
	PressureLow Pressure = iota
	PressureModerate
	PressureHigh
)

// Pager is the object-side completion of a page-out request
// (vm_pager_pageout); it must arrange for the page's content to reach
// stable storage and call Engine.Done when finished.
type Pager interface {
	PageOut(obj *vmobj.Object, pg *phys.Page) errno.Err
}

type entry struct {
	page *phys.Page
	elem *list.Element
}

// Engine holds the active/inactive/sync-queue-ring state machine
// described in spec.md §4.6. One Engine instance is the page-out
// subsystem for the whole simulated machine (as in the original, which
// keeps a single global vm_pageout_lock).
type Engine struct {
	mu sync.Mutex

	mem *phys.Memory

	active   *list.List // of *entry
	inactive *list.List
	syncq    [kconfig.SyncQueueLen]*list.List
	syncIdx  int

	byPage    map[*phys.Page]*entry
	syncSlots map[*phys.Page]int

	generation uint64
}

// New creates a page-out engine that returns reclaimed frames to mem
// (vm_pageout_done's vm_page_free call).
func New(mem *phys.Memory) *Engine {
	e := &Engine{mem: mem, active: list.New(), inactive: list.New(), byPage: make(map[*phys.Page]*entry), syncSlots: make(map[*phys.Page]int)}
	for i := range e.syncq {
		e.syncq[i] = list.New()
	}
	return e
}

// Add registers a freshly allocated page with the engine
// (vm_pageout_add). The page must already be pinned by the caller
// (vmobj.PageAlloc pins every page it hands back); Add just records
// the Pinned state so the engine knows about it.
func (e *Engine) Add(pg *phys.Page) {
	pg.SetState(phys.Pinned)
}

// Pin removes page from whichever queue it is on and marks it
// pinned, so the reclaim loop will never choose it (vm_pageout_pin).
func (e *Engine) Pin(pg *phys.Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.byPage[pg]; ok {
		e.removeFromQueue(pg, ent)
	}
	pg.SetState(phys.Pinned)
}

// Unpin reinserts a previously pinned page onto the active queue
// (vm_pageout_unpin).
func (e *Engine) Unpin(pg *phys.Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pg.State() == phys.Pinned {
		pg.SetState(phys.PageoutCandidate)
		ent := &entry{page: pg}
		ent.elem = e.active.PushBack(ent)
		e.byPage[pg] = ent
	}
}

func (e *Engine) removeFromQueue(pg *phys.Page, ent *entry) {
	switch pg.State() {
	case phys.PageoutCandidate:
		e.active.Remove(ent.elem)
	case phys.Inactive:
		e.inactive.Remove(ent.elem)
	case phys.SyncQueued:
		e.syncq[e.syncSlotOf(pg)].Remove(ent.elem)
	}
	delete(e.byPage, pg)
}

func (e *Engine) syncSlotOf(pg *phys.Page) int {
	return e.syncSlots[pg]
}

// Remove spin-waits for any in-progress pageout on page before
// detaching it from the engine (vm_pageout_rem, called when an object
// removes a page it still holds a lock on).
func (e *Engine) Remove(pg *phys.Page) bool {
	if pg.State() == phys.Normal {
		return false
	}
	pg.Pin()
	e.mu.Lock()
	if ent, ok := e.byPage[pg]; ok {
		e.removeFromQueue(pg, ent)
	} else {
		for pg.State() != phys.Pinned && pg.State() != phys.Normal {
			e.mu.Unlock()
			pg.WaitNotBusy()
			e.mu.Lock()
		}
	}
	pg.SetState(phys.Normal)
	e.mu.Unlock()
	pg.Unpin()
	return true
}

// SyncNeeded enqueues a dirty page into the current or next sync
// slot (vm_sync_needed).
func (e *Engine) SyncNeeded(pg *phys.Page, now bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.byPage[pg]; ok {
		e.removeFromQueue(pg, ent)
	}
	if !pg.Dirty() {
		return
	}

	idx := e.syncIdx
	if !now {
		idx = (e.syncIdx + 1) % kconfig.SyncQueueLen
	}
	pg.SetState(phys.SyncQueued)
	ent := &entry{page: pg}
	ent.elem = e.syncq[idx].PushBack(ent)
	e.byPage[pg] = ent
	e.syncSlots[pg] = idx
}

// choose picks the next victim per spec.md §4.6 step 3: drain the
// current sync slot first, then under moderate+ pressure pop
// inactive, then under high pressure pop active too.
func (e *Engine) choose(pr Pressure) (*phys.Page, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if front := e.syncq[e.syncIdx].Front(); front != nil {
		ent := front.Value.(*entry)
		e.syncq[e.syncIdx].Remove(front)
		delete(e.byPage, ent.page)
		ent.page.SetState(phys.Syncing)
		return ent.page, true
	}

	if pr < PressureModerate {
		return nil, false
	}

	if front := e.inactive.Front(); front != nil {
		ent := front.Value.(*entry)
		e.inactive.Remove(front)
		delete(e.byPage, ent.page)
		ent.page.SetState(phys.Laundry)
		return ent.page, true
	}

	if pr == PressureHigh {
		if front := e.active.Front(); front != nil {
			ent := front.Value.(*entry)
			e.active.Remove(front)
			delete(e.byPage, ent.page)
			ent.page.SetState(phys.Laundry)
			return ent.page, true
		}
	}
	return nil, false
}

// Run performs one reclaim pass: choose a victim, verify its
// pin-count under the object's lock, call the pager, and dispose of
// the result via Done (spec.md §4.6 step 4). It returns false when
// there was nothing to do or when the pager reported an error.
func (e *Engine) Run(pr Pressure, pagers map[*vmobj.Object]Pager) bool {
	pg, ok := e.choose(pr)
	if !ok {
		return false
	}

	back := pg.Backing()
	obj, _ := back.Object.(*vmobj.Object)
	if obj == nil {
		e.Done(pg, 0)
		return true
	}

	obj.Lock()
	if pg.PinCount() != 0 {
		pg.SetState(phys.Pinned)
		obj.Unlock()
		return true
	}

	pager := pagers[obj]
	var err errno.Err
	if pager != nil {
		err = pager.PageOut(obj, pg)
	}
	if err != 0 || !pg.Dirty() {
		obj.Unlock()
		e.Done(pg, err)
	} else {
		obj.Unlock()
	}
	return err == 0
}

// Done finishes a page-out attempt: on success the page is marked
// clean; if it is unpinned and genuinely clean it is freed, otherwise
// it goes back onto the active queue (vm_pageout_done).
func (e *Engine) Done(pg *phys.Page, err errno.Err) {
	if err == 0 {
		pg.SetDirty(false)
	}

	if err != 0 || pg.PinCount() > 0 {
		e.mu.Lock()
		if pg.PinCount() > 0 {
			pg.SetState(phys.Pinned)
		} else {
			pg.SetState(phys.PageoutCandidate)
			ent := &entry{page: pg}
			ent.elem = e.active.PushBack(ent)
			e.byPage[pg] = ent
		}
		e.mu.Unlock()
		return
	}

	if back := pg.Backing(); back.Object != nil {
		if obj, ok := back.Object.(*vmobj.Object); ok {
			obj.PageRemove(back.Offset)
		}
	}
	pg.SetState(phys.Normal)
	e.mem.FreePage(pg)
}

// Age moves one page from active to inactive (vm_inactive_update),
// run every GenInact generations by the driving loop.
func (e *Engine) Age() {
	e.mu.Lock()
	defer e.mu.Unlock()
	front := e.active.Front()
	if front == nil {
		return
	}
	ent := front.Value.(*entry)
	e.active.Remove(front)
	ent.page.SetState(phys.Inactive)
	ent.elem = e.inactive.PushBack(ent)
	e.byPage[ent.page] = ent
}

// AdvanceSyncSlot rotates the sync-queue index when the current slot
// has drained, run every GenSync generations.
func (e *Engine) AdvanceSyncSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncq[e.syncIdx].Len() == 0 {
		e.syncIdx = (e.syncIdx + 1) % kconfig.SyncQueueLen
	}
}

// Tick drives one generation of the pageout loop's bookkeeping
// (sync-slot advance and active->inactive aging), matching the
// generation-counter cadence of the original's vm_pageout thread.
func (e *Engine) Tick(pr Pressure, pagers map[*vmobj.Object]Pager) bool {
	did := e.Run(pr, pagers)
	e.generation++
	if e.generation%kconfig.GenSync == 0 {
		e.AdvanceSyncSlot()
	}
	if e.generation%kconfig.GenInact == 0 {
		e.Age()
	}
	return did
}
