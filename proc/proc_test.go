package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/phys"
	"elos/sched"
	"elos/vas"
)

func newTable() (*Table, *phys.Memory) {
	mem := phys.New([]int{256}, 0)
	s := sched.New()
	newVAS := func() *vas.VAS {
		next := int64(0)
		end := int64(256 * phys.PageSize)
		alloc := func(size int64) (int64, bool) {
			if next+size > end {
				return 0, false
			}
			addr := next
			next += size
			return addr, true
		}
		return vas.New(0, end-1, mem, alloc)
	}
	return NewTable(s, newVAS), mem
}

func TestForkCreatesChildInParentPgrp(t *testing.T) {
	tbl, _ := newTable()
	init := tbl.InitProcess(nil)

	child, th, err := tbl.Fork(init, 0)
	require.Zero(t, err)
	assert.NotEqual(t, init.PID, child.PID)
	assert.Equal(t, init.Pgrp, child.Pgrp)
	assert.Len(t, init.Children, 1)
	assert.NotNil(t, th)
}

func TestWait4ReapsZombieChild(t *testing.T) {
	tbl, _ := newTable()
	init := tbl.InitProcess(nil)
	child, _, err := tbl.Fork(init, 0)
	require.Zero(t, err)

	tbl.Exit(child, 0, 0)

	reaped, err := tbl.Wait4(init, -1, 0)
	require.Zero(t, err)
	assert.Equal(t, child.PID, reaped.PID)
	assert.Empty(t, init.Children)

	_, ok := tbl.Lookup(child.PID)
	assert.False(t, ok)
}

func TestWait4SpecificPIDDoesNotMatchOthers(t *testing.T) {
	tbl, _ := newTable()
	init := tbl.InitProcess(nil)
	a, _, _ := tbl.Fork(init, 0)
	b, _, _ := tbl.Fork(init, 0)
	tbl.Exit(a, 0, 0)

	_, err := tbl.Wait4(init, b.PID, 0)
	assert.NotZero(t, err, "b is still running; wait4(b) must not reap a")

	reaped, err := tbl.Wait4(init, a.PID, 0)
	require.Zero(t, err)
	assert.Equal(t, a.PID, reaped.PID)
}

func TestSetsidCreatesNewSessionAndPgrp(t *testing.T) {
	tbl, _ := newTable()
	init := tbl.InitProcess(nil)
	child, _, _ := tbl.Fork(init, 0)

	require.Zero(t, tbl.Setsid(child))
	assert.Equal(t, child.PID, child.Getsid())
	assert.Equal(t, child.PID, child.Getpgid())
}

func TestSetpgidMovesProcessToGroup(t *testing.T) {
	tbl, _ := newTable()
	init := tbl.InitProcess(nil)
	a, _, _ := tbl.Fork(init, 0)
	b, _, _ := tbl.Fork(init, 0)

	require.Zero(t, tbl.Setpgid(a, 0)) // a leads its own group first
	require.Zero(t, tbl.Setpgid(b, a.PID))
	assert.Equal(t, a.PID, b.Getpgid())
}
