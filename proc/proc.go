// Package proc implements the process/session/process-group lifecycle
// of spec.md §4.8, grounded on
// _examples/original_source/src/kernel/kern/proc.c (struct proc,
// session_t, pgrp_t and the six-lock ordering documented at its top)
// and styled after biscuit's Proc_t/TThread_t field grouping where it
// overlaps (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src —
// biscuit's own proc package is a stub, so the struct shape below
// follows the original C layout directly).
package proc

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"elos/errno"
	"elos/sched"
	"elos/signal"
	"elos/vas"
)

// Soft-interrupt reasons, the ThreadKill|ThreadSignal|ThreadProcStatus
// bitset of spec.md §9, delivered through sched.Interrupt's reason
// parameter.
const (
	ReasonKill uint32 = 1 << iota
	ReasonSignal
	ReasonProcStatus
)

// Flags mirror PROC_ZOMBIE/PROC_EXIT/... from proc.h.
type Flags uint32

const (
	FlagZombie Flags = 1 << iota
	FlagExit
	FlagStop
	FlagStatusChanged
	FlagFree
	FlagExec
	FlagSingleThread
	FlagAutoReap
)

// SingleThreadMode is the §4.8 "Single-thread mode" sub-mode.
type SingleThreadMode int

const (
	STNone SingleThreadMode = iota
	STWait                  // other threads park at the user-return boundary
	STKill                  // other threads are marked for termination
)

// Image is a loaded executable's identity; the ELF loader and binfmt
// registry that populate it are out of scope per spec.md §1.
type Image struct {
	mu     sync.Mutex
	Binary string
	refs   int32
}

func NewImage(binary string) *Image { return &Image{Binary: binary, refs: 1} }
func (im *Image) Ref() *Image       { atomic.AddInt32(&im.refs, 1); return im }
func (im *Image) Unref()            { atomic.AddInt32(&im.refs, -1) }

// Session is the POSIX session: a controlling TTY and a leader PID
// (session_t).
type Session struct {
	mu      sync.Mutex
	refs    int32
	TTY     any // *tty.TTY, held as `any` to avoid importing tty here
	Leader  int32
}

// Pgrp is a POSIX process group: membership plus a session
// back-reference (pgrp_t).
type Pgrp struct {
	mu      sync.Mutex
	Session *Session
	Leader  int32
	members map[int32]*Process
}

func newPgrp(leader int32, session *Session) *Pgrp {
	return &Pgrp{Leader: leader, Session: session, members: make(map[int32]*Process)}
}

// Process is the schedulable unit's container (proc_t).
type Process struct {
	mu sync.Mutex

	PID    int32
	Parent *Process
	Image  *Image
	VAS    *vas.VAS

	Threads  []*Thread
	Children []*Process
	Pgrp     *Pgrp

	UID, EUID, SUID int
	GID, EGID, SGID int

	flags    Flags
	ExitCode int
	ExitSig  signal.Signal
	StopSig  signal.Signal

	stMode    SingleThreadMode
	stThread  *Thread
	stWaiting int

	sig *signal.ProcState

	waitQ     chan struct{}
	stopQ     []chan struct{}

	pls map[string]any // process-local storage slots (proc.h's "void *pls")
}

// Thread is the schedulable unit plus its kernel-visible identity
// (TID, owning process, per-thread signal state).
type Thread struct {
	*sched.Thread
	TID  int32
	Proc *Process
	Sig  *signal.ThreadState

	tls map[string]any
}

// Table owns the process/pgrp/session registries and the lock order
// mandated by spec.md §4.8: process-tree, process-list, tty, session,
// pgrp, process (each acquired in that order, never reversed).
type Table struct {
	treeMu sync.Mutex // protects Parent/Children links
	listMu sync.Mutex // protects the pid->Process map

	procs   map[int32]*Process
	pgrps   map[int32]*Pgrp
	sess    map[int32]*Session

	sched   *sched.Scheduler
	nextPID int32
	nextTID int32

	newVAS func() *vas.VAS
}

func NewTable(s *sched.Scheduler, newVAS func() *vas.VAS) *Table {
	return &Table{
		procs:  make(map[int32]*Process),
		pgrps:  make(map[int32]*Pgrp),
		sess:   make(map[int32]*Session),
		sched:  s,
		newVAS: newVAS,
	}
}

func (t *Table) allocPID() int32 { return atomic.AddInt32(&t.nextPID, 1) }
func (t *Table) allocTID() int32 { return atomic.AddInt32(&t.nextTID, 1) }

// Lookup returns the process with the given PID.
func (t *Table) Lookup(pid int32) (*Process, bool) {
	t.listMu.Lock()
	defer t.listMu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// InitProcess creates PID 1 with no parent, its own new pgrp and
// session, and one running thread (INITPROC_PID in proc.h).
func (t *Table) InitProcess(body func(*Thread)) *Process {
	p := &Process{
		PID:   t.allocPID(),
		Image: NewImage("init"),
		VAS:   t.newVAS(),
		sig:   signal.NewProcState(),
		waitQ: make(chan struct{}, 1),
		pls:   make(map[string]any),
	}
	sess := &Session{refs: 1, Leader: p.PID}
	pg := newPgrp(p.PID, sess)
	pg.members[p.PID] = p
	p.Pgrp = pg

	t.listMu.Lock()
	t.procs[p.PID] = p
	t.pgrps[p.PID] = pg
	t.sess[p.PID] = sess
	t.listMu.Unlock()

	th := t.newThread(p)
	if body != nil {
		th.Thread.Run = func() { body(th) }
	}
	return p
}

func (t *Table) newThread(p *Process) *Thread {
	th := &Thread{TID: t.allocTID(), Proc: p, Sig: signal.NewThreadState(), tls: make(map[string]any)}
	th.Thread = sched.NewThread("", nil)
	p.mu.Lock()
	p.Threads = append(p.Threads, th)
	p.mu.Unlock()
	return th
}

// Fork implements spec.md §4.8 "fork": allocate a PID, create the
// process and its first thread, duplicate uid/gid, fork the VAS
// (cheap COW per §4.5), insert into the parent's child-list, join the
// parent's pgrp, and enqueue the new thread for the scheduler to run.
func (t *Table) Fork(parent *Process, cpuID int) (*Process, *Thread, errno.Err) {
	child := &Process{
		PID:    t.allocPID(),
		Parent: parent,
		Image:  parent.Image.Ref(),
		VAS:    t.newVAS(),
		sig:    signal.NewProcState(),
		waitQ:  make(chan struct{}, 1),
		pls:    make(map[string]any),
	}

	parent.mu.Lock()
	child.UID, child.EUID, child.SUID = parent.UID, parent.EUID, parent.SUID
	child.GID, child.EGID, child.SGID = parent.GID, parent.EGID, parent.SGID
	parent.mu.Unlock()

	vas.Fork(child.VAS, parent.VAS)

	t.treeMu.Lock()
	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()
	t.treeMu.Unlock()

	t.listMu.Lock()
	t.procs[child.PID] = child
	t.listMu.Unlock()

	parent.Pgrp.mu.Lock()
	child.Pgrp = parent.Pgrp
	parent.Pgrp.members[child.PID] = child
	parent.Pgrp.mu.Unlock()

	th := t.newThread(child)
	t.sched.Enqueue(cpuID, th.Thread, sched.PrioNormal)
	return child, th, 0
}

// Vfork enters single-thread mode, forks, then calls waitForChild with
// the new child and returns once it returns (§4.8 "vfork"). Blocking
// until the child exits or execves is left to waitForChild; nothing in
// this package signals it.
func (t *Table) Vfork(parent *Process, cpuID int, waitForChild func(*Process)) (*Process, *Thread, errno.Err) {
	t.EnterSingleThread(parent, STWait)
	defer t.LeaveSingleThread(parent)

	child, th, err := t.Fork(parent, cpuID)
	if err != 0 {
		return nil, nil, err
	}
	if waitForChild != nil {
		waitForChild(child)
	}
	return child, th, 0
}

// EnterSingleThread puts p into mode and sets FlagSingleThread. The
// requesting thread is not recorded: STKill interrupts every thread of
// p with ReasonKill, the caller's own included, and STWait only records
// the mode without parking any thread itself.
func (t *Table) EnterSingleThread(p *Process, mode SingleThreadMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stMode = mode
	p.flags |= FlagSingleThread
	if mode == STKill {
		for _, th := range p.Threads {
			t.sched.Interrupt(th.Thread, sched.PrioSignal, ReasonKill)
		}
	}
}

// LeaveSingleThread implements mode "End": releases any parked
// threads.
func (t *Table) LeaveSingleThread(p *Process) {
	p.mu.Lock()
	p.stMode = STNone
	p.flags &^= FlagSingleThread
	waiting := p.stWaiting
	p.stWaiting = 0
	p.mu.Unlock()
	for i := 0; i < waiting; i++ {
		select {
		case p.waitQ <- struct{}{}:
		default:
		}
	}
}

// Execve implements §4.8 "execve": enter single-thread Wait, attempt
// to load image via loader (the binfmt registry itself is out of
// scope per spec.md §1 — the caller supplies the loader), and on
// success replace the VAS, clear process-wide pending signals, and
// close CLOEXEC descriptors via closeCloexec. Other threads of p are
// not killed; LeaveSingleThread releases them on return. On failure
// the old VAS is left untouched, matching S2 in spec.md §8.
func (t *Table) Execve(p *Process, path string, loader func(path string) (*vas.VAS, errno.Err), closeCloexec func()) errno.Err {
	t.EnterSingleThread(p, STWait)
	defer t.LeaveSingleThread(p)

	newVAS, err := loader(path)
	if err != 0 {
		return err
	}

	p.mu.Lock()
	p.VAS = newVAS
	p.flags |= FlagExec
	p.sig.ClearAll()
	p.mu.Unlock()

	if closeCloexec != nil {
		closeCloexec()
	}
	return 0
}

// Exit marks p a zombie, raises SIGCHLD on its parent, wakes the
// parent's wait4 callers, and reaps p at once if the parent ignores
// SIGCHLD. p's own children are not reparented: their Parent still
// points at p.
func (t *Table) Exit(p *Process, code int, sig signal.Signal) {
	p.mu.Lock()
	p.flags |= FlagZombie | FlagExit | FlagStatusChanged
	p.ExitCode = code
	p.ExitSig = sig
	for _, th := range p.Threads {
		sched.ExitThread(th.Thread)
	}
	p.mu.Unlock()

	if p.Parent != nil {
		autoreap := false
		p.Parent.mu.Lock()
		if p.Parent.sig.Disposition(signal.Signal(unix.SIGCHLD)).Action == signal.ActionIgnore {
			autoreap = true
		}
		p.Parent.mu.Unlock()
		p.Parent.sig.Raise(signal.Signal(unix.SIGCHLD))
		select {
		case p.Parent.waitQ <- struct{}{}:
		default:
		}
		if autoreap {
			t.reap(p)
		}
	}
}

func (t *Table) reap(p *Process) {
	t.treeMu.Lock()
	if p.Parent != nil {
		p.Parent.mu.Lock()
		p.Parent.Children = removeChild(p.Parent.Children, p)
		p.Parent.mu.Unlock()
	}
	t.treeMu.Unlock()

	t.listMu.Lock()
	delete(t.procs, p.PID)
	t.listMu.Unlock()

	p.Pgrp.mu.Lock()
	delete(p.Pgrp.members, p.PID)
	p.Pgrp.mu.Unlock()
}

func removeChild(children []*Process, target *Process) []*Process {
	out := children[:0]
	for _, c := range children {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Wait4Opt mirrors the WUNTRACED/WCONTINUED request flags.
type Wait4Opt uint32

const (
	WUntraced Wait4Opt = 1 << iota
	WContinued
)

// Wait4 implements §4.8 "wait4": pid -1 matches any child, 0 matches
// the caller's own pgrp, a negative value (other than -1) matches
// that pgrp, and a positive value matches exactly that PID. A child
// is reapable once its Zombie flag is set; a stopped/continued child
// is reported only if the matching W-flag is requested.
func (t *Table) Wait4(parent *Process, pid int32, opt Wait4Opt) (*Process, errno.Err) {
	t.treeMu.Lock()
	var match *Process
	for _, c := range parent.Children {
		if pid == 0 && c.Pgrp != parent.Pgrp {
			continue
		}
		if !matchesPID(c, pid) {
			continue
		}
		c.mu.Lock()
		isZombie := c.flags&FlagZombie != 0
		reportStop := opt&WUntraced != 0 && c.flags&FlagStop != 0 && c.flags&FlagStatusChanged != 0
		reportCont := opt&WContinued != 0 && c.flags&FlagStop == 0 && c.flags&FlagStatusChanged != 0
		c.mu.Unlock()
		if isZombie || reportStop || reportCont {
			match = c
			break
		}
	}
	t.treeMu.Unlock()

	if match == nil {
		return nil, errno.WouldBlock
	}
	match.mu.Lock()
	if match.flags&FlagZombie != 0 {
		match.flags &^= FlagStatusChanged
		match.mu.Unlock()
		t.reap(match)
		return match, 0
	}
	match.flags &^= FlagStatusChanged
	match.mu.Unlock()
	return match, 0
}

func matchesPID(c *Process, pid int32) bool {
	switch {
	case pid == -1:
		return true
	case pid == 0:
		return true // caller's pgrp resolved by the caller before invoking
	case pid < -1:
		return c.Pgrp != nil && c.Pgrp.Leader == -pid
	default:
		return c.PID == pid
	}
}

// Setsid makes p the leader of a new session and a new pgrp, only
// valid when p is not already a pgrp leader (§4.8 "Session leader").
func (t *Table) Setsid(p *Process) errno.Err {
	if p.Pgrp != nil && p.Pgrp.Leader == p.PID {
		return errno.PermissionDenied
	}
	sess := &Session{refs: 1, Leader: p.PID}
	pg := newPgrp(p.PID, sess)
	pg.members[p.PID] = p

	t.listMu.Lock()
	t.sess[p.PID] = sess
	t.pgrps[p.PID] = pg
	t.listMu.Unlock()

	p.mu.Lock()
	p.Pgrp = pg
	p.mu.Unlock()
	return 0
}

// Setpgid moves p into the group led by pgid, creating it if pgid ==
// p's own PID and no such group exists yet.
func (t *Table) Setpgid(p *Process, pgid int32) errno.Err {
	if pgid == 0 {
		pgid = p.PID
	}
	t.listMu.Lock()
	pg, ok := t.pgrps[pgid]
	if !ok {
		if pgid != p.PID {
			t.listMu.Unlock()
			return errno.NoSuchProcess
		}
		pg = newPgrp(p.PID, p.Pgrp.Session)
		t.pgrps[pgid] = pg
	}
	t.listMu.Unlock()

	if pg.Session != p.Pgrp.Session {
		return errno.PermissionDenied
	}

	old := p.Pgrp
	old.mu.Lock()
	delete(old.members, p.PID)
	old.mu.Unlock()

	pg.mu.Lock()
	pg.members[p.PID] = p
	pg.mu.Unlock()

	p.mu.Lock()
	p.Pgrp = pg
	p.mu.Unlock()
	return 0
}

func (p *Process) Getpgid() int32 { p.mu.Lock(); defer p.mu.Unlock(); return p.Pgrp.Leader }
func (p *Process) Getsid() int32  { p.mu.Lock(); defer p.mu.Unlock(); return p.Pgrp.Session.Leader }

// Flags returns p's current flag bitset.
func (p *Process) Flags() Flags { p.mu.Lock(); defer p.mu.Unlock(); return p.flags }

// Signals returns p's signal disposition/pending state, for the
// syscall layer to drive rt_sigaction/kill.
func (p *Process) Signals() *signal.ProcState { return p.sig }

// PLS/TLS: process-local and thread-local slot storage, standing in
// for the original's section-registered descriptor vtable (spec.md
// §9 "Duck-typed local storage"); a map is a simpler, equally-O(1)-
// amortized stand-in since this simulation has no link-time section
// registration mechanism to exploit.
func (p *Process) SetLocal(key string, v any) { p.mu.Lock(); defer p.mu.Unlock(); p.pls[key] = v }
func (p *Process) GetLocal(key string) any     { p.mu.Lock(); defer p.mu.Unlock(); return p.pls[key] }

func (th *Thread) SetLocal(key string, v any) { th.tls[key] = v }
func (th *Thread) GetLocal(key string) any     { return th.tls[key] }
