// Package sched implements the per-CPU priority-banded scheduler of
// spec.md §4.7, grounded on
// _examples/original_source/src/kernel/kern/sched.c (the runq-array +
// rotating-pointer selection algorithm and the not_empty bitmap) and
// styled after biscuit's per-CPU array idiom
// (_examples/Oichkatzelesfrettschen-biscuit/src/kernel — Cpus/Cpumhz
// indexed by apic id) generalized through percpu.NumCPU. Each
// simulated CPU is a goroutine driven by (*Scheduler).Run; there is no
// real preemption timer, so NeedResched is checked at the points
// spec.md §5 names as preemption points.
package sched

import (
	"container/list"
	"math/bits"
	"sync"

	"elos/klog"
	"elos/percpu"
)

// Prio is a priority band, ordered Interrupt > IO > Signal > Input >
// Kernel > Lock > Normal as spec.md §4.7 requires.
type Prio int

const (
	PrioNormal Prio = iota
	PrioLock
	PrioKernel
	PrioInput
	PrioSignal
	PrioIO
	PrioInterrupt
	nprio
)

func (p Prio) String() string {
	switch p {
	case PrioNormal:
		return "normal"
	case PrioLock:
		return "lock"
	case PrioKernel:
		return "kernel"
	case PrioInput:
		return "input"
	case PrioSignal:
		return "signal"
	case PrioIO:
		return "io"
	case PrioInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// State is a thread's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Sleep
	Exit
)

// Thread is the schedulable unit (biscuit calls this a Tid_t-indexed
// kernel thread; here it is any unit of work a caller wants run).
type Thread struct {
	Name string

	mu         sync.Mutex
	state      State
	prio       Prio // priority the thread is currently enqueued/running at
	savedPrio  Prio // priority to restore after a Lock-band boost ends
	boosted    bool
	doSleep    bool
	softIntr   uint32 // bitmask set by Interrupt
	wakeupNow  chan struct{}

	runqElem *list.Element
	onCPU    int // -1 if not enqueued anywhere

	Run func() // the thread's body, invoked by the CPU's goroutine loop
}

func NewThread(name string, body func()) *Thread {
	return &Thread{Name: name, state: Runnable, prio: PrioNormal, onCPU: -1, wakeupNow: make(chan struct{}, 1), Run: body}
}

// cpu is one per-CPU scheduler instance (struct sched in the
// original): one run-list per band, a dedicated interrupt run-list,
// a rotating selection pointer, and a bitmap of nonempty bands.
type cpu struct {
	mu sync.Mutex

	runq      [nprio]*list.List
	runqIntr  *list.List
	notEmpty  uint32
	ptr       int
	idle      *Thread
	needResch bool

	current *Thread
}

func newCPU(idle *Thread) *cpu {
	c := &cpu{runqIntr: list.New(), idle: idle}
	for i := range c.runq {
		c.runq[i] = list.New()
	}
	return c
}

// Scheduler holds one cpu struct per simulated CPU, sized by
// percpu.NumCPU.
type Scheduler struct {
	cpus []*cpu
}

// New creates a scheduler with one run-queue set per CPU, each
// starting with its own idle thread.
func New() *Scheduler {
	n := percpu.NumCPU()
	s := &Scheduler{cpus: make([]*cpu, n)}
	for i := range s.cpus {
		idle := NewThread("idle", nil)
		idle.onCPU = i
		s.cpus[i] = newCPU(idle)
	}
	return s
}

func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// Enqueue inserts thread onto cpuID's run-list for prio
// (scheduler_add_thread).
func (s *Scheduler) Enqueue(cpuID int, t *Thread, prio Prio) {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		klog.Panic("sched", "enqueue onto out-of-range cpu %d (have %d)", cpuID, len(s.cpus))
	}
	if prio < 0 || prio >= nprio {
		klog.Panic("sched", "enqueue with invalid priority band %d", prio)
	}
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	s.enqueueLocked(c, cpuID, t, prio)
}

func (s *Scheduler) enqueueLocked(c *cpu, cpuID int, t *Thread, prio Prio) {
	t.mu.Lock()
	t.prio = prio
	t.onCPU = cpuID
	t.mu.Unlock()

	if prio == PrioInterrupt {
		t.runqElem = c.runqIntr.PushBack(t)
		c.needResch = true
		return
	}
	t.runqElem = c.runq[prio].PushBack(t)
	c.notEmpty |= 1 << uint(prio)

	needsIPI := prio == PrioInterrupt || c.idleRunning()
	if needsIPI {
		c.needResch = true
	}
}

func (c *cpu) idleRunning() bool {
	return c.current == c.idle
}

// dequeue removes t from whatever run-list it is on.
func dequeue(c *cpu, t *Thread) {
	if t.runqElem == nil {
		return
	}
	if t.prio == PrioInterrupt {
		c.runqIntr.Remove(t.runqElem)
	} else {
		c.runq[t.prio].Remove(t.runqElem)
		if c.runq[t.prio].Len() == 0 {
			c.notEmpty &^= 1 << uint(t.prio)
		}
	}
	t.runqElem = nil
}

// pick selects the next thread to run on c per spec.md §4.7
// "Selection": the interrupt run-list first, else the first nonempty
// band starting at the rotating pointer (found via the not_empty
// bitmap), else idle.
func (c *cpu) pick() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	if front := c.runqIntr.Front(); front != nil {
		t := front.Value.(*Thread)
		c.runqIntr.Remove(front)
		t.runqElem = nil
		return t
	}

	if c.notEmpty == 0 {
		return c.idle
	}

	rotated := bits.RotateLeft32(c.notEmpty, -c.ptr)
	off := bits.TrailingZeros32(rotated)
	idx := (c.ptr + off) % 32

	front := c.runq[idx].Front()
	t := front.Value.(*Thread)
	c.runq[idx].Remove(front)
	t.runqElem = nil
	if c.runq[idx].Len() == 0 {
		c.notEmpty &^= 1 << uint(idx)
	}
	c.ptr = (idx + 1) % int(nprio)
	return t
}

// Run drives cpuID's scheduling loop once: pick a thread, run its
// body to completion (this simulation has no preemptive timer, so a
// thread runs until it blocks or returns), then re-enqueue it if it
// is still runnable.
func (s *Scheduler) Run(cpuID int) {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		klog.Panic("sched", "run on out-of-range cpu %d (have %d)", cpuID, len(s.cpus))
	}
	c := s.cpus[cpuID]
	t := c.pick()

	c.mu.Lock()
	c.current = t
	c.needResch = false
	c.mu.Unlock()

	if t == c.idle {
		return
	}

	t.mu.Lock()
	t.state = Running
	t.mu.Unlock()

	if t.Run != nil {
		t.Run()
	}

	t.mu.Lock()
	if t.doSleep && t.state != Exit {
		t.doSleep = false
		t.state = Sleep
	}
	switch t.state {
	case Exit:
		t.mu.Unlock()
		return
	case Sleep:
		t.mu.Unlock()
		return
	default:
		t.state = Runnable
		prio := t.prio
		t.mu.Unlock()
		s.Enqueue(cpuID, t, prio)
	}
}

// Sleep marks t for sleep; per spec.md §4.7 this only takes effect at
// the next rescheduler invocation (the thread's Run body calling
// Sleep must return immediately afterward so Run's post-body switch
// observes State==Sleep).
func Sleep(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doSleep = true
}

// Wakeup re-enqueues a sleeping thread at min(storedPrio, wakePrio);
// racing with a not-yet-observed DoSleep simply clears the flag
// (sched_wakeup_thread).
func (s *Scheduler) Wakeup(t *Thread, wakePrio Prio) {
	t.mu.Lock()
	if t.doSleep && t.state != Sleep {
		t.doSleep = false
		t.mu.Unlock()
		return
	}
	if t.state != Sleep {
		t.mu.Unlock()
		return
	}
	prio := t.prio
	if wakePrio < prio {
		prio = wakePrio
	}
	cpuID := t.onCPU
	t.state = Runnable
	t.doSleep = false
	t.mu.Unlock()

	if cpuID < 0 {
		cpuID = 0
	}
	s.Enqueue(cpuID, t, prio)
}

// Interrupt sets bits in t's soft-interrupt mask and, if the thread is
// in an interruptible sleep, wakes it at prio (sched_interrupt).
func (s *Scheduler) Interrupt(t *Thread, prio Prio, reason uint32) {
	t.mu.Lock()
	t.softIntr |= reason
	sleeping := t.state == Sleep
	t.mu.Unlock()
	if sleeping {
		s.Wakeup(t, prio)
	}
}

// SoftInterrupted reports and clears the bits of mask currently set on
// t's soft-interrupt state, for interruptible syscalls to check on
// every wait.
func SoftInterrupted(t *Thread, mask uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	hit := t.softIntr & mask
	t.softIntr &^= mask
	return hit
}

// BoostLock raises t's priority to PrioLock on mutex acquisition,
// saving the prior priority for RestoreLock to reinstate.
func BoostLock(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.boosted {
		return
	}
	t.savedPrio = t.prio
	t.prio = PrioLock
	t.boosted = true
}

// RestoreLock undoes BoostLock on mutex release.
func RestoreLock(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.boosted {
		return
	}
	t.prio = t.savedPrio
	t.boosted = false
}

// ExitThread marks t for termination; the scheduler frees it asynchronously
// by simply never re-enqueuing it (spec.md §4.7 "Thread exit" — this
// simulation has no separate kernel stack to reclaim).
func ExitThread(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Exit
}
