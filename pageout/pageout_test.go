package pageout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/errno"
	"elos/phys"
	"elos/vmobj"
)

type fakePager struct {
	err errno.Err
}

func (p *fakePager) PageOut(obj *vmobj.Object, pg *phys.Page) errno.Err {
	pg.SetDirty(false)
	return p.err
}

func TestPinnedPageNeverReclaimed(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	pg, ok := mem.Alloc(0)
	require.True(t, ok)
	pg.Pin()

	e := New(mem)
	e.Add(pg)
	e.Unpin(pg) // moves the page from Pinned onto the active queue
	e.Pin(pg)
	assert.Equal(t, phys.Pinned, pg.State())

	_, ok = e.choose(PressureHigh)
	assert.False(t, ok, "a pinned page must never be chosen as a victim")
}

func TestSyncQueueDrainsBeforeInactive(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	pg, ok := mem.Alloc(0)
	require.True(t, ok)
	pg.SetDirty(true)

	e := New(mem)
	pg.Pin()
	pg.SetState(phys.PageoutCandidate)
	pg.SetState(phys.Inactive)
	e.SyncNeeded(pg, true)

	victim, ok := e.choose(PressureLow)
	require.True(t, ok)
	assert.Same(t, pg, victim)
	assert.Equal(t, phys.Syncing, victim.State())
}

func TestDoneFreesCleanUnpinnedPage(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	obj := vmobj.NewAnonymous(mem, int64(phys.PageSize))
	obj.Lock()
	pg, err := obj.Fault(mem, 0, true, nil)
	require.Zero(t, err)
	obj.Unlock()

	e := New(mem)
	pg.SetState(phys.Pinned)
	pg.Unpin()
	pg.SetState(phys.PageoutCandidate)
	pg.SetState(phys.Inactive)
	pg.SetState(phys.SyncQueued)
	pg.SetState(phys.Syncing)

	freeBefore := mem.Free()
	e.Done(pg, 0)
	assert.Equal(t, phys.Free, pg.State())
	assert.Equal(t, freeBefore+1, mem.Free())
}

func TestAgeMovesActiveToInactive(t *testing.T) {
	mem := phys.New([]int{16}, 0)
	pg, ok := mem.Alloc(0)
	require.True(t, ok)

	e := New(mem)
	pg.Pin()
	e.Add(pg)
	e.Unpin(pg)
	e.Age()
	assert.Equal(t, phys.Inactive, pg.State())
}
