package phys

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuddyRoundtrip is spec.md §8 property 1: allocating and freeing
// 2^k-sized blocks in any order preserves free_lists_sum + allocated
// == total.
func TestBuddyRoundtrip(t *testing.T) {
	m := New([]int{1 << 10}, 0)
	total := m.Total()

	for k := 0; k < kOrderProbe; k++ {
		var allocated []*Page
		for i := 0; i < 4; i++ {
			if pg, ok := m.Alloc(k); ok {
				allocated = append(allocated, pg)
			}
		}
		rand.Shuffle(len(allocated), func(i, j int) { allocated[i], allocated[j] = allocated[j], allocated[i] })
		for _, pg := range allocated {
			m.FreePage(pg)
		}
		assert.Equal(t, total, m.Free(), "order %d: free count must return to total after full roundtrip", k)
	}
}

const kOrderProbe = 6

// TestBuddyMerge is spec.md §8 property 2: freeing both buddies of an
// order-k block produces exactly one order-(k+1) block on the
// free-list.
func TestBuddyMerge(t *testing.T) {
	m := New([]int{1 << 6}, 0)

	a, ok := m.Alloc(2)
	require.True(t, ok)
	b, ok := m.Alloc(2)
	require.True(t, ok)
	require.NotEqual(t, a.Addr(), b.Addr())
	// Hold the neighbouring order-3 block so the merge of a and b
	// stops at order 3 instead of cascading up the whole segment.
	c, ok := m.Alloc(3)
	require.True(t, ok)
	require.NotEqual(t, a.Addr(), c.Addr())

	m.FreePage(a)
	// a's buddy (b, if adjacent) may not have merged yet since both
	// must be free; free b now and expect a single order-3 block.
	m.FreePage(b)

	found := false
	m.mu.Lock()
	for e := m.freelist[3].Front(); e != nil; e = e.Next() {
		found = true
	}
	m.mu.Unlock()
	assert.True(t, found, "expected a merged order-3 block after freeing both order-2 buddies")
}

// TestPageoutSafetyPinned is spec.md §8 property 6 (the allocator
// half): a pinned page is never freed.
func TestPageoutSafetyPinned(t *testing.T) {
	m := New([]int{64}, 0)
	pg, ok := m.Alloc(0)
	require.True(t, ok)
	pg.Pin()

	assert.Panics(t, func() { m.FreePage(pg) }, "freeing a pinned page must panic")

	pg.Unpin()
	assert.NotPanics(t, func() { m.FreePage(pg) })
}

func TestAllocExhaustion(t *testing.T) {
	m := New([]int{4}, 0)
	var got []*Page
	for {
		pg, ok := m.Alloc(0)
		if !ok {
			break
		}
		got = append(got, pg)
	}
	assert.Len(t, got, 4)
	_, ok := m.Alloc(0)
	assert.False(t, ok)
}

func TestReservePoolHeldBack(t *testing.T) {
	m := New([]int{4}, 2)
	// Ordinary Alloc must not dip below the 2-page reserve.
	var got []*Page
	for {
		pg, ok := m.Alloc(0)
		if !ok {
			break
		}
		got = append(got, pg)
	}
	assert.Len(t, got, 2)
	assert.Equal(t, uint64(2), m.Free())

	// The reserve pool is still reachable for emergencies.
	pg, ok := m.AllocReserved(0)
	require.True(t, ok)
	m.FreePage(pg)
}

func TestEarlyAllocatorAvoidsReserved(t *testing.T) {
	e := NewEarlyAllocator([]EarlyRegion{{Start: 0, Size: 16 * PageSize}})
	a, ok := e.Alloc(PageSize)
	require.True(t, ok)
	b, ok := e.Alloc(PageSize)
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	for _, r := range e.Reserves() {
		assert.True(t, r.Addr == a || r.Addr == b)
	}
}

func TestPageStateTransitions(t *testing.T) {
	m := New([]int{4}, 0)
	pg, ok := m.Alloc(0)
	require.True(t, ok)
	assert.Equal(t, Normal, pg.State())
	assert.Panics(t, func() { pg.SetState(SyncQueued) }, "Normal -> SyncQueued is not in the DAG")
	pg.SetState(PageoutCandidate)
	pg.SetState(Inactive)
	pg.SetState(SyncQueued)
	pg.SetState(Syncing)
	pg.SetState(Normal)
}
