// Package block implements the block I/O core of spec.md §4.11,
// grounded on _examples/original_source/src/kernel/block/{block,cache}.c
// (the provider/object DAG, the depth cap, and the physical-sector
// keyed cache) and styled after biscuit's fs.Bdev_block_t/BlkList_t
// (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src/fs/blk.go —
// adapted into Cache below, since biscuit's own block cache is keyed
// by logical block and has no provider/object graph to draw on).
package block

import (
	"container/list"
	"sync"

	"elos/errno"
	"elos/kconfig"
)

// ReqType distinguishes a block request's direction.
type ReqType int

const (
	ReadReq ReqType = iota
	WriteReq
)

// Request carries one I/O operation against a provider (spec.md §3
// "Block request & handler").
type Request struct {
	Provider *Provider
	Type     ReqType
	Block    uint64
	Count    uint32
	Buf      []byte
	Handler  *Handler
}

// Handler aggregates completions for a set of requests launched
// together (spec.md §3 "handler").
type Handler struct {
	mu       sync.Mutex
	num      int
	done     int
	firstErr errno.Err
	async    bool
	setUp    bool
	fired    bool
	waiter   chan struct{}
	onDone   func(errno.Err) // scheduled event for the async case
}

// NewHandler creates a handler for num requests launched together.
// sync handlers are woken through Wait; async handlers invoke onDone
// once, when the last completion lands (or immediately in Start if
// all completions already landed before Start was called).
func NewHandler(num int, async bool, onDone func(errno.Err)) *Handler {
	return &Handler{num: num, async: async, onDone: onDone, waiter: make(chan struct{})}
}

// maybeFire checks whether done == num and the handler is set up,
// exactly once, and wakes the synchronous waiter or schedules the
// asynchronous event (spec.md §4.11: "when done == num and the
// handler is set up, the waiter is notified (sync) or an event
// callback is scheduled (async)"). Caller must hold h.mu; it is
// released before the notification runs.
func (h *Handler) maybeFire() {
	if h.fired || h.done != h.num || !h.setUp {
		h.mu.Unlock()
		return
	}
	h.fired = true
	async, onDone, err := h.async, h.onDone, h.firstErr
	h.mu.Unlock()

	if async {
		if onDone != nil {
			onDone(err)
		}
		return
	}
	close(h.waiter)
}

// Start signals the handler is fully set up (handler_start).
func (h *Handler) Start() {
	h.mu.Lock()
	h.setUp = true
	h.maybeFire()
}

// Done records one request's completion (req_done): increments done,
// retains the first non-zero error, and fires once done == num and
// the handler is set up.
func (h *Handler) Done(err errno.Err) {
	h.mu.Lock()
	h.done++
	if h.firstErr == 0 && err != 0 {
		h.firstErr = err
	}
	h.maybeFire()
}

// Wait blocks until done == num for a synchronous handler, returning
// the first error observed.
func (h *Handler) Wait() errno.Err {
	<-h.waiter
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstErr
}

// DoneCount returns the current completion count (test/observability hook).
func (h *Handler) DoneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// ProviderState tracks a provider's removal lifecycle.
type ProviderState int

const (
	ProviderActive ProviderState = iota
	ProviderRemoving
)

// Provider is an exported block device endpoint (spec.md §3 "Block
// provider / object").
type Provider struct {
	mu        sync.Mutex
	Name      string
	Major     uint32
	Minor     uint32
	BlockSize uint32

	refs      int32
	state     ProviderState
	consumers []*Object // objects consuming this provider
	producer  *Object   // the object exporting this provider, nil for a raw device
	depth     int

	cache *Cache
	ops   Ops
}

// Ops is the trait a device driver implements to actually move
// bytes; individual device drivers are out of scope per spec.md §1.
type Ops interface {
	Submit(req *Request) errno.Err
}

// NewProvider creates a depth-0 provider exported directly by a
// device driver (no producer object).
func NewProvider(name string, major, minor uint32, blockSize uint32, ops Ops) *Provider {
	return &Provider{Name: name, Major: major, Minor: minor, BlockSize: blockSize, refs: 1, ops: ops}
}

func (p *Provider) Ref() *Provider { p.mu.Lock(); p.refs++; p.mu.Unlock(); return p }
func (p *Provider) Unref()         { p.mu.Lock(); p.refs--; p.mu.Unlock() }

// WithCache attaches a sector cache to the provider.
func (p *Provider) WithCache(capacity int) *Provider {
	p.cache = NewCache(p, capacity)
	return p
}

// Object transforms/combines providers into a new provider (a
// partition, RAID set, or filesystem-exported block device; spec.md
// §3 "object"). Depth is bounded to kconfig.BlockProviderMaxDepth and
// cycles are rejected by construction (an Object can only consume
// Providers that already exist, so a cycle would require a provider
// to reference its own not-yet-created object).
type Object struct {
	mu        sync.Mutex
	consumes  []*Provider
	Exports   *Provider
}

// NewObject builds an object consuming the given providers and
// exporting a fresh provider, enforcing the depth cap (spec.md §3
// invariant: "depth of the provider/object DAG is bounded (4)").
func NewObject(name string, blockSize uint32, ops Ops, consumes ...*Provider) (*Object, errno.Err) {
	maxDepth := 0
	for _, p := range consumes {
		p.mu.Lock()
		d := p.depth
		p.mu.Unlock()
		if d > maxDepth {
			maxDepth = d
		}
	}
	if maxDepth+1 > kconfig.BlockProviderMaxDepth {
		return nil, errno.InvalidArgument
	}

	o := &Object{consumes: consumes}
	exported := NewProvider(name, 0, 0, blockSize, ops)
	exported.producer = o
	exported.depth = maxDepth + 1
	o.Exports = exported

	for _, p := range consumes {
		p.mu.Lock()
		p.consumers = append(p.consumers, o)
		p.mu.Unlock()
	}
	return o, 0
}

// Remove marks a provider Removing, drops its devfs entry (modeled
// here as clearing Major/Minor), waits for all current ops to drain
// via drainFn, then finalizes removal. A provider still in use by a
// consumer cannot be removed (spec.md §4.11 "Object graph").
func (p *Provider) Remove(drainFn func()) errno.Err {
	p.mu.Lock()
	if len(p.consumers) > 0 {
		p.mu.Unlock()
		return errno.Busy
	}
	p.state = ProviderRemoving
	p.Major, p.Minor = 0, 0
	p.mu.Unlock()

	if drainFn != nil {
		drainFn()
	}

	p.mu.Lock()
	p.refs = 0
	p.mu.Unlock()
	return 0
}

// Submit issues req against p, through its own Ops (or the cache, if
// attached, for a read/write that can be satisfied/coalesced there).
func (p *Provider) Submit(req *Request) errno.Err {
	if p.cache != nil {
		return p.cache.Submit(req)
	}
	return p.ops.Submit(req)
}

// buffer is one cached physical-sector-sized block (spec.md §4.11
// "Cache").
type buffer struct {
	mu     sync.RWMutex
	sector uint64
	data   []byte
	elem   *list.Element
}

// Cache is a per-provider LRU of buffers keyed by physical-sector
// number, sized to the device's physical block size so misaligned
// writes never trigger a hardware-level read-modify-write (spec.md
// §4.11). Per DESIGN.md's Open Question decision #3, this
// implementation is write-through: a writer takes the buffer's
// exclusive lock, memcpy's the range, and issues the device write
// before releasing the lock, exactly as spec.md describes ("issues a
// write-through").
type Cache struct {
	mu       sync.Mutex
	provider *Provider
	capacity int
	order    *list.List // of *buffer, LRU order (front = most recently used)
	bySector map[uint64]*list.Element
}

func NewCache(p *Provider, capacity int) *Cache {
	return &Cache{provider: p, capacity: capacity, order: list.New(), bySector: make(map[uint64]*list.Element)}
}

func (c *Cache) lookup(sector uint64) (*buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bySector[sector]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*buffer), true
}

func (c *Cache) insert(b *buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.elem = c.order.PushFront(b)
	c.bySector[b.sector] = b.elem
	for c.order.Len() > c.capacity && c.capacity > 0 {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.bySector, back.Value.(*buffer).sector)
	}
}

// Submit satisfies req through the cache: a read takes the buffer's
// shared lock and copies out; a write takes the exclusive lock,
// copies in, and issues a write-through to the underlying provider's
// Ops before returning.
func (c *Cache) Submit(req *Request) errno.Err {
	b, ok := c.lookup(req.Block)
	if !ok {
		b = &buffer{sector: req.Block, data: make([]byte, c.provider.BlockSize)}
		if req.Type == ReadReq {
			sub := &Request{Provider: req.Provider, Type: ReadReq, Block: req.Block, Count: 1, Buf: b.data}
			if err := c.provider.ops.Submit(sub); err != 0 {
				return err
			}
		}
		c.insert(b)
	}

	if req.Type == ReadReq {
		b.mu.RLock()
		copy(req.Buf, b.data)
		b.mu.RUnlock()
		if req.Handler != nil {
			req.Handler.Done(0)
		}
		return 0
	}

	b.mu.Lock()
	copy(b.data, req.Buf)
	err := c.provider.ops.Submit(&Request{Provider: req.Provider, Type: WriteReq, Block: req.Block, Count: 1, Buf: b.data})
	b.mu.Unlock()
	if req.Handler != nil {
		req.Handler.Done(err)
	}
	return err
}

// Evict drops the least-recently-used buffer, the reclaim hook
// invoked when memory pressure rises (spec.md §4.11). It does not
// check whether that buffer is idle (its lock is not consulted).
func (c *Cache) Evict() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	back := c.order.Back()
	if back == nil {
		return false
	}
	c.order.Remove(back)
	delete(c.bySector, back.Value.(*buffer).sector)
	return true
}
