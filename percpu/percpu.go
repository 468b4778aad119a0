// Package percpu stands in for biscuit's runtime.CPUHint()/
// runtime.MAXCPUS, which only exist because biscuit links against a
// forked Go runtime that knows which physical CPU it is executing
// on. A normal Go binary has no such notion (goroutines migrate
// between OS threads freely), so this simulation never asks which CPU
// it is on: the scheduler's Enqueue and Run take the CPU index as an
// explicit parameter. NumCPU only models "how many per-CPU structures
// exist", matching runtime.MAXCPUS's role in mem.Physmem_t.
package percpu

import "runtime"

// NumCPU is the number of simulated per-CPU slots. Bound to
// GOMAXPROCS so the simulation scales with the host the way
// runtime.MAXCPUS scaled with the booted machine's CPU count.
func NumCPU() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	if n > 64 {
		return 64
	}
	return n
}
