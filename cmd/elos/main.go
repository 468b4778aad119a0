// Command elos boots a minimal instance of the kernel core and drives
// spec.md §8 scenario S1 ("fork/COW") end to end, in place of
// biscuit's kernel/chentry.go
// (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src/kernel/chentry.go),
// which performs a comparable one-shot "assemble a few subsystems and
// run a fixed sequence of steps" job for the build rather than the
// runtime. There is no real boot loader or hardware underneath this
// simulation, so main plays the role a bootstrap processor would:
// stand up the physical allocator, the kernel virtual arena and slab
// layer, the scheduler, and a process table, then fork a toy process
// tree through them.
package main

import (
	"os"

	"golang.org/x/sync/errgroup"

	"elos/errno"
	"elos/klog"
	"elos/pageout"
	"elos/phys"
	"elos/proc"
	"elos/sched"
	"elos/slab"
	"elos/vas"
	"elos/vmem"
	"elos/vmobj"
)

const (
	segmentPages = 4096 // 16 MiB of simulated physical memory
	vasBase      = 0
	vasEnd       = int64(1) << 32
)

func main() {
	log := klog.With("elos")

	mem := phys.New([]int{segmentPages}, 64)
	log.Info().Uint64("total_pages", mem.Total()).Msg("physical memory online")

	// A kernel virtual arena and a slab cache on top of it, exercising
	// vmem.Arena/slab.Slab the way a real boot sequence would carve
	// out a kmem_map and seed its first caches (spec.md §4.2, §4.3).
	karena := vmem.New(0, 1<<24, mem)
	slab.New("proc_cache", 256, 8, karena)

	scheduler := sched.New()
	log.Info().Int("ncpu", scheduler.NumCPU()).Msg("scheduler online")

	newVAS := func() *vas.VAS {
		next := int64(vasBase)
		allocFn := func(size int64) (int64, bool) {
			if next+size > vasEnd {
				return 0, false
			}
			addr := next
			next += size
			return addr, true
		}
		return vas.New(vasBase, vasEnd-1, mem, allocFn)
	}

	table := proc.NewTable(scheduler, newVAS)
	engine := pageout.New(mem)

	if err := runS1(table, scheduler, mem, engine); err != 0 {
		log.Error().Int("errno", int(err)).Msg("scenario S1 failed")
		os.Exit(1)
	}
	log.Info().Msg("scenario S1 (fork/COW) completed")
}

// runS1 implements spec.md §8 S1: "Parent maps an anonymous 4-page
// region, writes byte 0xAA to page 0, forks. Child writes 0xBB to
// page 0, exits. Parent reads page 0 -> 0xAA in all 4 bytes checked;
// child's exit status is 0."
func runS1(table *proc.Table, scheduler *sched.Scheduler, mem *phys.Memory, engine *pageout.Engine) errno.Err {
	log := klog.With("elos")

	parent := table.InitProcess(nil)
	regionSize := int64(4 * phys.PageSize)
	object := vmobj.NewAnonymous(mem, regionSize)

	addr, err := parent.VAS.Map(0, regionSize, false, object, 0, vas.ProtRead|vas.ProtWrite, vas.ProtRead|vas.ProtWrite, false)
	if err != 0 {
		return err
	}

	pg, err := parent.VAS.Fault(addr, true)
	if err != 0 {
		return err
	}
	pg.Data()[0] = 0xAA
	engine.Add(pg)
	log.Info().Int64("addr", addr).Msg("parent wrote 0xAA to page 0")

	child, childTh, err := table.Fork(parent, 0)
	if err != 0 {
		return err
	}

	// The child's thread body runs only once scheduler.Run(0) picks it
	// up below: it faults its own copy of page 0 for writing (which,
	// per spec.md §4.4/§4.5, demand-shadows the region so the parent's
	// page is never mutated), stamps it 0xBB, then exits 0.
	childTh.Thread.Run = func() {
		cpg, cerr := child.VAS.Fault(addr, true)
		if cerr != 0 {
			klog.Panic("elos", "child fault failed: %d", cerr)
		}
		cpg.Data()[0] = 0xBB
		log.Info().Msg("child wrote 0xBB to its copy of page 0")
		table.Exit(child, 0, 0)
	}
	// Drive every simulated CPU's run-queue and one pageout generation
	// concurrently through an errgroup, the idiomatic replacement for a
	// real kernel's per-CPU scheduler threads and page-out daemon: cpu 0
	// picks up the child's enqueued thread while the rest of the fleet
	// finds nothing but its idle thread, and the pageout engine takes one
	// bookkeeping tick over the page the parent just pinned.
	var g errgroup.Group
	for cpuID := 0; cpuID < scheduler.NumCPU(); cpuID++ {
		cpuID := cpuID
		g.Go(func() error {
			scheduler.Run(cpuID)
			return nil
		})
	}
	g.Go(func() error {
		engine.Tick(pageout.PressureLow, nil)
		return nil
	})
	if gerr := g.Wait(); gerr != nil {
		klog.Panic("elos", "cpu bring-up failed: %v", gerr)
	}

	reaped, werr := table.Wait4(parent, child.PID, 0)
	if werr != 0 {
		return werr
	}
	if reaped.ExitCode != 0 {
		klog.Panic("elos", "child exited with unexpected status %d", reaped.ExitCode)
	}

	parentPg, err := parent.VAS.Fault(addr, false)
	if err != 0 {
		return err
	}
	for i := 0; i < 4; i++ {
		if parentPg.Data()[i] != 0xAA {
			klog.Panic("elos", "parent's page 0 byte %d was mutated by child: got %#x", i, parentPg.Data()[i])
		}
	}
	log.Info().Msg("parent's page 0 unaffected by child's write; copy-on-write held")
	return 0
}
