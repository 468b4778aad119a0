package vas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/errno"
	"elos/phys"
	"elos/vmobj"
)

func bumpAlloc(base, end int64) AllocFunc {
	next := base
	return func(size int64) (int64, bool) {
		if next+size > end {
			return 0, false
		}
		addr := next
		next += size
		return addr, true
	}
}

func noOverlap(t *testing.T, v *VAS) {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	var prevEnd int64 = -1
	for e := v.order.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Mapping)
		assert.GreaterOrEqual(t, m.Start, prevEnd, "mappings must not overlap")
		assert.LessOrEqual(t, m.Start+m.Size-1, v.End)
		prevEnd = m.End()
	}
}

func TestMapUnmapProtectNoOverlap(t *testing.T) {
	mem := phys.New([]int{256}, 0)
	v := New(0, int64(256*phys.PageSize)-1, mem, bumpAlloc(0, int64(256*phys.PageSize)))
	obj := vmobj.NewAnonymous(mem, int64(64*phys.PageSize))

	a, err := v.Map(0, int64(4*phys.PageSize), false, obj, 0, ProtRead|ProtWrite, ProtRead|ProtWrite, false)
	require.Zero(t, err)
	b, err := v.Map(0, int64(4*phys.PageSize), false, obj, int64(4*phys.PageSize), ProtRead, ProtRead, false)
	require.Zero(t, err)
	noOverlap(t, v)

	require.Zero(t, v.Protect(a+int64(phys.PageSize), int64(phys.PageSize), ProtRead))
	noOverlap(t, v)

	require.Zero(t, v.Unmap(a, int64(phys.PageSize)))
	noOverlap(t, v)

	_ = b
}

func TestProtectSpanningMultipleMappingsRejected(t *testing.T) {
	mem := phys.New([]int{256}, 0)
	v := New(0, int64(256*phys.PageSize)-1, mem, bumpAlloc(0, int64(256*phys.PageSize)))
	obj := vmobj.NewAnonymous(mem, int64(64*phys.PageSize))

	a, err := v.Map(0, int64(4*phys.PageSize), false, obj, 0, ProtRead|ProtWrite, ProtRead|ProtWrite, false)
	require.Zero(t, err)
	b, err := v.Map(0, int64(4*phys.PageSize), false, obj, int64(4*phys.PageSize), ProtRead|ProtWrite, ProtRead|ProtWrite, false)
	require.Zero(t, err)
	require.Equal(t, a+int64(4*phys.PageSize), b, "mappings must be adjacent for this to actually span both")

	// [a+1 page, b+1 page) covers the tail of the first mapping and the
	// head of the second; a single covering mapping does not exist, so
	// this must be rejected rather than silently split across both.
	err = v.Protect(a+int64(phys.PageSize), int64(4*phys.PageSize), ProtRead)
	assert.Equal(t, errno.InvalidArgument, err)
	noOverlap(t, v)

	mA, ok := v.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, ProtRead|ProtWrite, mA.Prot, "rejected protect must not have mutated either mapping")
	mB, ok := v.Lookup(b)
	require.True(t, ok)
	assert.Equal(t, ProtRead|ProtWrite, mB.Prot)
}

func TestUnmapStraddleTrimsTail(t *testing.T) {
	mem := phys.New([]int{256}, 0)
	v := New(0, int64(256*phys.PageSize)-1, mem, bumpAlloc(0, int64(256*phys.PageSize)))
	obj := vmobj.NewAnonymous(mem, int64(64*phys.PageSize))

	start, err := v.Map(0, int64(8*phys.PageSize), false, obj, 0, ProtRead|ProtWrite, ProtRead|ProtWrite, false)
	require.Zero(t, err)

	require.Zero(t, v.Unmap(start+int64(phys.PageSize), int64(2*phys.PageSize)))

	m, ok := v.Lookup(start)
	require.True(t, ok)
	assert.Equal(t, int64(phys.PageSize), m.Size, "straddling unmap must trim the tail, not split")
}

func TestForkCOWIsolation(t *testing.T) {
	mem := phys.New([]int{256}, 0)
	parent := New(0, int64(256*phys.PageSize)-1, mem, bumpAlloc(0, int64(256*phys.PageSize)))
	obj := vmobj.NewAnonymous(mem, int64(phys.PageSize))

	addr, err := parent.Map(0, int64(phys.PageSize), false, obj, 0, ProtRead|ProtWrite, ProtRead|ProtWrite, false)
	require.Zero(t, err)

	pg, err := parent.Fault(addr, true)
	require.Zero(t, err)
	pg.Data()[0] = 0x42

	child := New(0, int64(256*phys.PageSize)-1, mem, bumpAlloc(0, int64(256*phys.PageSize)))
	Fork(child, parent)

	childPage, err := child.Fault(addr, true)
	require.Zero(t, err)
	childPage.Data()[0] = 0x99

	assert.Equal(t, byte(0x42), pg.Data()[0], "writing through the child must not mutate the parent")
	assert.NotEqual(t, pg.Addr(), childPage.Addr())
}
