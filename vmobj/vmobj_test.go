package vmobj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/phys"
)

func newMem(t *testing.T) *phys.Memory {
	return phys.New([]int{64}, 0)
}

func TestAnonymousFaultZeroFills(t *testing.T) {
	mem := newMem(t)
	o := NewAnonymous(mem, int64(4 * phys.PageSize))

	o.Lock()
	pg, err := o.Fault(mem, 0, false, nil)
	o.Unlock()
	require.Zero(t, err)
	for _, b := range pg.Data() {
		assert.Equal(t, byte(0), b)
	}
}

func TestShadowFaultCOWIsolatesParent(t *testing.T) {
	mem := newMem(t)
	root := NewAnonymous(mem, int64(phys.PageSize))

	root.Lock()
	rootPage, err := root.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	rootPage.Data()[0] = 0xAA
	root.Unlock()

	shadow := DemandShadow(root, int64(phys.PageSize))

	var writable bool
	shadow.Lock()
	shadowPage, err := shadow.Fault(mem, 0, true, &writable)
	shadow.Unlock()
	require.Zero(t, err)

	shadowPage.Data()[0] = 0xBB
	assert.Equal(t, byte(0xAA), rootPage.Data()[0], "writing through the shadow must not mutate the root")
	assert.NotEqual(t, rootPage.Addr(), shadowPage.Addr())
}

func TestShadowFaultSharesOnReadOnly(t *testing.T) {
	mem := newMem(t)
	root := NewAnonymous(mem, int64(phys.PageSize))

	root.Lock()
	rootPage, err := root.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	root.Unlock()

	shadow := DemandShadow(root, int64(phys.PageSize))

	writable := true
	shadow.Lock()
	shadowPage, err := shadow.Fault(mem, 0, false, &writable)
	shadow.Unlock()
	require.Zero(t, err)

	assert.Equal(t, rootPage.Addr(), shadowPage.Addr(), "a read fault with no partial copy must share the root's page")
	assert.False(t, writable, "map_flags write bit must be stripped when sharing")
}

func TestPagesMigrateMovesAndFreesConflicts(t *testing.T) {
	mem := newMem(t)
	src := NewAnonymous(mem, int64(2 * phys.PageSize))
	dst := NewAnonymous(mem, int64(2 * phys.PageSize))

	src.Lock()
	_, err := src.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	_, err = src.Fault(mem, int64(phys.PageSize), true, nil)
	require.Zero(t, err)
	src.Unlock()

	dst.Lock()
	_, err = dst.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	dst.Unlock()

	PagesMigrate(dst, src, 0)

	assert.Len(t, src.pages, 0)
	assert.Len(t, dst.pages, 2)
}

func TestResizeUnmapsAndFreesTailPages(t *testing.T) {
	mem := newMem(t)
	o := NewAnonymous(mem, int64(2 * phys.PageSize))

	o.Lock()
	_, err := o.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	_, err = o.Fault(mem, int64(phys.PageSize), true, nil)
	require.Zero(t, err)

	var unmapped []int64
	o.Resize(int64(phys.PageSize), func(off int64) { unmapped = append(unmapped, off) })
	o.Unlock()

	assert.Equal(t, []int64{int64(phys.PageSize)}, unmapped)
	assert.Len(t, o.pages, 1)
}
