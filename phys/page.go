package phys

import (
	"sync"

	"elos/klog"
)

// State is a physical page's position in the state DAG fixed by
// spec.md §4.1. Transitions are validated by (*Page).setState so a
// bug that tries to, say, free a pinned page panics immediately
// rather than corrupting a free-list.
type State int

const (
	Free State = iota
	Normal
	Pinned
	PageoutCandidate
	Inactive
	SyncQueued
	Syncing
	Laundry
	Slab
	Dealloc
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Normal:
		return "normal"
	case Pinned:
		return "pinned"
	case PageoutCandidate:
		return "pageout-candidate"
	case Inactive:
		return "inactive"
	case SyncQueued:
		return "sync-queued"
	case Syncing:
		return "syncing"
	case Laundry:
		return "laundry"
	case Slab:
		return "slab"
	case Dealloc:
		return "dealloc"
	default:
		return "unknown"
	}
}

// transitions encodes the DAG from spec.md §4.1:
//
//	Free → Normal → (Pinned | PageoutCandidate)
//	PageoutCandidate → Inactive → SyncQueued → Syncing → (Normal | Free)
//	Inactive → Laundry → Syncing
//
// plus the bootstrap edges a slab-backed or about-to-be-merged page
// needs (Normal ⇄ Slab while carved for the slab allocator, and the
// transient Dealloc state a page passes through while vm_page_free's
// buddy-merge loop is still deciding its final order), plus the race
// the page-out engine itself documents (spec.md §4.6 step 4: a victim
// may be pinned by an unrelated fault while pageout already pulled it
// off a queue) — so every reclaim-queue state also transitions
// directly to Pinned, and Unpin's reinsertion transitions back out to
// the queue state the engine chooses.
var transitions = map[State]map[State]bool{
	Free:             {Normal: true, Slab: true},
	Normal:           {Pinned: true, PageoutCandidate: true, Free: true, Slab: true, Dealloc: true},
	Pinned:           {Normal: true, PageoutCandidate: true, Inactive: true, SyncQueued: true, Syncing: true, Laundry: true},
	PageoutCandidate: {Inactive: true, Normal: true, Pinned: true},
	Inactive:         {SyncQueued: true, Laundry: true, Normal: true, PageoutCandidate: true, Pinned: true},
	SyncQueued:       {Syncing: true, Pinned: true},
	Syncing:          {Normal: true, Free: true, Inactive: true, Pinned: true},
	Laundry:          {Syncing: true, Inactive: true, Pinned: true},
	Slab:             {Free: true, Dealloc: true},
	Dealloc:          {Free: true},
}

// Backing describes what, if anything, a resident page currently
// belongs to: a VM object at an offset, or a slab's chunk. At most
// one of the two is set; a page with neither is free or mid-transit.
type Backing struct {
	Object any // *vmobj.Object, kept as `any` to avoid an import cycle
	Offset int64
	Slab   any // *slab.Slab
}

// Page is the per-frame descriptor spec.md §3 "Page (physical)"
// describes. order is VM_PHYS_ORDER_NONE (-1) for any page that is
// not the head of a free buddy block.
type Page struct {
	mu sync.Mutex

	seg   *segment
	frame uint32 // frame index within the owning segment

	order int // -1 == none (merged into a neighbor / not head of a block)
	state State

	pinCount int
	dirty    bool
	busy     bool
	busyCond *sync.Cond

	back Backing

	// data is the simulated physical storage for this single page
	// frame (PageSize bytes). Only the head frame of a multi-frame
	// buddy block is addressable as a Page; lower frames within a
	// split block get their own Page once split down to order 0.
	data []byte
}

const orderNone = -1

func newPage(seg *segment, frame uint32, data []byte) *Page {
	p := &Page{seg: seg, frame: frame, order: orderNone, state: Free, data: data}
	p.busyCond = sync.NewCond(&p.mu)
	return p
}

// Addr returns the frame's physical address (frame number << PageShift
// in this simulation — see the phys package doc comment).
func (p *Page) Addr() Addr {
	return p.seg.baseAddr(p.frame)
}

// Order reports the page's current buddy order. Only meaningful while
// the page is the head of a free or allocated block.
func (p *Page) Order() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order
}

// State returns the page's current state under the state-DAG lock.
func (p *Page) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState validates and applies a state transition. Called with
// p.mu held by the caller's choice of locking helper below.
func (p *Page) setState(to State) {
	if p.state == to {
		return
	}
	if !transitions[p.state][to] {
		klog.Panic("phys", "invalid page state transition %v -> %v at frame %d", p.state, to, p.frame)
	}
	p.state = to
}

// SetState is the exported, locked form of setState, used by
// collaborators outside this package (pageout, vmobj) that drive a
// page through states the allocator itself doesn't initiate.
func (p *Page) SetState(to State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setState(to)
}

// Pin increments the page's pin count. A pinned page is never placed
// on a reclaim queue (spec.md §3 invariant).
func (p *Page) Pin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinCount++
}

// Unpin decrements the pin count and returns the count after
// decrementing. It panics if the count would go negative.
func (p *Page) Unpin() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinCount == 0 {
		klog.Panic("phys", "unpin of unpinned frame %d", p.frame)
	}
	p.pinCount--
	return p.pinCount
}

// PinCount reports the current pin count.
func (p *Page) PinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinCount
}

// SetDirty marks or clears the page's dirty bit.
func (p *Page) SetDirty(dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = dirty
}

// Dirty reports the page's dirty bit.
func (p *Page) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// MarkBusy sets the busy flag; callers that need exclusive access to
// a page's content (I/O in flight) hold it busy so that
// page_resident-style waiters block until it clears (spec.md §4.4).
func (p *Page) MarkBusy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.busy {
		p.busyCond.Wait()
	}
	p.busy = true
}

// ClearBusy clears the busy flag and wakes any waiters.
func (p *Page) ClearBusy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	p.busyCond.Broadcast()
}

// IsBusy reports the page's busy flag without blocking.
func (p *Page) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// WaitNotBusy blocks until the page's busy flag is clear without
// itself taking the flag (used by readers that only need to observe
// settled content).
func (p *Page) WaitNotBusy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.busy {
		p.busyCond.Wait()
	}
}

// SetBacking records the object/offset (or slab) a resident page
// belongs to.
func (p *Page) SetBacking(b Backing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.back = b
}

// Backing returns the page's current object/offset or slab backing.
func (p *Page) Backing() Backing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.back
}

// Data returns the page's simulated physical storage. Real kernels
// hand back a direct-mapped virtual address (biscuit's
// Physmem_t.Dmap); since this simulation has no MMU, the byte slice
// itself plays that role.
func (p *Page) Data() []byte {
	return p.data
}

// Zero fills the page with zero bytes, as the anonymous-object fault
// path requires (spec.md §4.4 "Anonymous fault").
func (p *Page) Zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}
