package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/phys"
)

func TestAllocFreeCoalesce(t *testing.T) {
	mem := phys.New([]int{256}, 0)
	a := New(0, 256*phys.PageSize, mem)

	addr1, err := a.Alloc(4 * phys.PageSize)
	require.Zero(t, err)
	addr2, err := a.Alloc(4 * phys.PageSize)
	require.Zero(t, err)
	assert.NotEqual(t, addr1, addr2)

	require.Zero(t, a.Free(addr1, 4*phys.PageSize))
	require.Zero(t, a.Free(addr2, 4*phys.PageSize))

	// The whole arena should be available as one span again.
	addr3, err := a.Alloc(256 * phys.PageSize)
	require.Zero(t, err)
	assert.Equal(t, uint64(0), addr3)
}

func TestAllocExhaustsArena(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	a := New(0, 16*phys.PageSize, mem)

	_, err := a.Alloc(16 * phys.PageSize)
	require.Zero(t, err)
	_, err = a.Alloc(phys.PageSize)
	assert.NotZero(t, err)
}

func TestBackUnback(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	a := New(0, 16*phys.PageSize, mem)

	addr, bufs, err := a.AllocBacked(2*phys.PageSize, FlagZero)
	require.Zero(t, err)
	require.Len(t, bufs, 2)
	for _, b := range bufs {
		for _, c := range b {
			assert.Equal(t, byte(0), c)
		}
	}
	require.Zero(t, a.Unback(addr, 2*phys.PageSize))
	assert.Equal(t, mem.Total(), mem.Free())
}
