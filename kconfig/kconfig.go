// Package kconfig holds the compiled-in tunables the original C
// kernel expresses as #defines (VM_PHYS_ORDER_NUM, VM_PHYSEG_NUM,
// the pageout engine's GEN_SYNC/GEN_INACT, ...) and the system-wide
// resource limits biscuit keeps in its limits package. There is no
// config file format here, by design: neither the teacher nor the
// original source reads configuration from disk at this layer, so
// introducing one would not be grounded in anything in the pack.
package kconfig

const (
	// PageShift is the base-2 exponent of the page size.
	PageShift = 12
	// PageSize is the size of one physical page frame in bytes.
	PageSize = 1 << PageShift

	// OrderMax is the highest buddy order the physical allocator
	// supports (order k covers 2^k pages). Mirrors VM_PHYS_ORDER_MAX.
	OrderMax = 10
	// OrderNum is the number of distinct orders, 0..OrderMax inclusive.
	OrderNum = OrderMax + 1

	// MaxSegments bounds the number of physical memory segments
	// (VM_PHYSEG_NUM in original_source/vm/phys.c).
	MaxSegments = 8

	// VmemSizeClasses is the number of size-class free lists the
	// kernel virtual arena keeps (class i holds spans in
	// [2^i, 2^(i+1)) pages), per spec.md §4.2.
	VmemSizeClasses = 29

	// SyncQueueLen is the number of slots in the page-out engine's
	// sync-queue ring (spec.md §4.6, "N=32").
	SyncQueueLen = 32

	// GenSync is the number of page-out generations between
	// sync-queue ring advances.
	GenSync = 4
	// GenInact is the number of page-out generations between moving
	// one page from the active queue to the inactive queue.
	GenInact = 2

	// MaxSymlinks bounds namei's recursive symlink resolution
	// (spec.md §4.10, "MAXSYMLINKS").
	MaxSymlinks = 32

	// BlockProviderMaxDepth bounds the provider/object DAG depth
	// (spec.md §4.11, "Invariant: depth ... is bounded (4)").
	BlockProviderMaxDepth = 4

	// BlockSize is the default physical sector size cache buffers
	// are sized to (spec.md §4.11 "Cache").
	BlockSize = 4096
)

// Limits mirrors biscuit's limits.Syslimit_t: system-wide resource
// ceilings checked at the points where the corresponding object is
// created.
type Limits struct {
	MaxProcs  int
	MaxVnodes int
	MaxFiles  int
	MaxBlocks int
}

// Default returns the stock set of limits, matching the orders of
// magnitude biscuit's MkSysLimit uses.
func Default() Limits {
	return Limits{
		MaxProcs:  10000,
		MaxVnodes: 20000,
		MaxFiles:  20000,
		MaxBlocks: 100000,
	}
}
