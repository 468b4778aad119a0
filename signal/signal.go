// Package signal implements the per-process disposition table,
// per-thread masks/pending sets and return-to-user delivery algorithm
// of spec.md §4.9, grounded on
// _examples/original_source/src/kernel/kern/signal.c. It holds no
// notion of a process or thread itself (that would create an import
// cycle with proc, which embeds these types); stop/continue
// side-effects on the owning process are reported back through the
// Target interface, which the caller of Deliver supplies (proc does
// not implement it).
package signal

import (
	"sync"

	"golang.org/x/sys/unix"

	"elos/errno"
)

// Signal is a POSIX signal number.
type Signal int

// NSig bounds the signal number space (sigthr_t.pending/mask are
// 64-bit words in the original; signal 0 is unused).
const NSig = 64

// Set is a sigset_t: a bitmask of pending/blocked signals.
type Set uint64

func (s Set) Has(sig Signal) bool { return s&(1<<uint(sig-1)) != 0 }
func (s Set) Add(sig Signal) Set  { return s | (1 << uint(sig-1)) }
func (s Set) Del(sig Signal) Set  { return s &^ (1 << uint(sig-1)) }
func (s Set) Empty() bool         { return s == 0 }

// unblockable is the set spec.md §4.9 and §8 property 7 name:
// SIGKILL, SIGSTOP and SIGSEGV can never be blocked or ignored.
var unblockable = Set(0).
	Add(Signal(unix.SIGKILL)).
	Add(Signal(unix.SIGSTOP)).
	Add(Signal(unix.SIGSEGV))

// Action is a signal's current disposition.
type Action int

const (
	ActionDefault Action = iota
	ActionIgnore
	ActionHandler
)

// Handler-registration flags (SA_* analogs).
const (
	SANoDefer uint32 = 1 << iota
	SAResetHand
	SAOnStack
	SARestart
)

// Disposition is one process-wide sigaction entry.
type Disposition struct {
	Action  Action
	Handler uintptr // user-space handler address; meaningless for ActionDefault/Ignore
	Flags   uint32
	Mask    Set // signals blocked while the handler runs
}

// DefaultAction classifies what SIG_DFL does for a given signal,
// mirroring sigdefault() in signal.c.
type DefaultAction int

const (
	DefaultTerm DefaultAction = iota
	DefaultCore
	DefaultStop
	DefaultCont
	DefaultIgnore
)

// DefaultActionFor returns the POSIX default action for sig.
func DefaultActionFor(sig Signal) DefaultAction {
	switch int(sig) {
	case unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH:
		return DefaultIgnore
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return DefaultStop
	case unix.SIGCONT:
		return DefaultCont
	case unix.SIGQUIT, unix.SIGILL, unix.SIGABRT, unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS, unix.SIGSYS, unix.SIGTRAP, unix.SIGXCPU, unix.SIGXFSZ:
		return DefaultCore
	default:
		return DefaultTerm
	}
}

// ProcState is the process-wide portion of signal state: the
// disposition table and the process-wide pending set (sigset shared
// across every thread that hasn't masked a signal).
type ProcState struct {
	mu       sync.Mutex
	disp     [NSig + 1]Disposition
	pending  Set
	pendingN int
}

func NewProcState() *ProcState {
	return &ProcState{}
}

// SetDisposition installs act for sig (rt_sigaction). Per spec.md §8
// property 7, attempts on SIGKILL/SIGSTOP/SIGSEGV return success but
// are not honored at delivery time.
func (p *ProcState) SetDisposition(sig Signal, act Action, flags uint32, mask Set) errno.Err {
	if sig < 1 || int(sig) > NSig {
		return errno.InvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disp[sig] = Disposition{Action: act, Flags: flags, Mask: mask &^ unblockable}
	return 0
}

// Disposition returns sig's current process-wide disposition.
func (p *ProcState) Disposition(sig Signal) Disposition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disp[sig]
}

// Raise marks sig pending process-wide (the kill() syscall path).
func (p *ProcState) Raise(sig Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending.Has(sig) {
		p.pendingN++
	}
	p.pending = p.pending.Add(sig)
}

// Pending returns the process-wide pending set.
func (p *ProcState) Pending() Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *ProcState) clear(sig Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Has(sig) {
		p.pendingN--
	}
	p.pending = p.pending.Del(sig)
}

// ClearAll drops every process-wide pending signal (execve resets
// pending per spec.md §4.8).
func (p *ProcState) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = 0
	p.pendingN = 0
}

// ThreadState is the per-thread portion: its own pending set, its
// signal mask, the alternate stack and a re-entrancy counter for
// SA_ONSTACK handlers (sigthr_t).
type ThreadState struct {
	mu       sync.Mutex
	pending  Set
	mask     Set
	altAddr  uintptr
	altSize  uintptr
	altOn    bool // handler currently executing on the alt stack
	nesting  int32
}

func NewThreadState() *ThreadState { return &ThreadState{} }

// SetMask installs a new blocked-signal set (rt_sigprocmask),
// stripping the signals that can never be blocked.
func (t *ThreadState) SetMask(mask Set) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mask = mask &^ unblockable
}

func (t *ThreadState) Mask() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mask
}

// Raise marks sig pending on this thread only (tkill).
func (t *ThreadState) Raise(sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = t.pending.Add(sig)
}

func (t *ThreadState) clear(sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = t.pending.Del(sig)
}

// SetAltStack installs the alternate signal stack (sigaltstack).
// Returns errno.Busy if a handler is currently executing on it,
// matching SS_DISABLE/EBUSY semantics.
func (t *ThreadState) SetAltStack(addr, size uintptr) errno.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.altOn {
		return errno.Busy
	}
	t.altAddr, t.altSize = addr, size
	return 0
}

// Deliverable computes the next signal due for delivery at a
// return-to-user boundary, per spec.md §4.9 "Delivery algorithm":
// (process.pending ∪ thread.pending) ∩ ¬thread.mask, preferring
// SIGSEGV then SIGKILL over any other member.
func Deliverable(p *ProcState, t *ThreadState) (Signal, bool) {
	p.mu.Lock()
	procPending := p.pending
	p.mu.Unlock()

	t.mu.Lock()
	candidates := (procPending | t.pending) &^ t.mask
	t.mu.Unlock()

	if candidates == 0 {
		return 0, false
	}
	for _, prefer := range []Signal{Signal(unix.SIGSEGV), Signal(unix.SIGKILL)} {
		if candidates.Has(prefer) {
			return prefer, true
		}
	}
	for sig := Signal(1); int(sig) <= NSig; sig++ {
		if candidates.Has(sig) {
			return sig, true
		}
	}
	return 0, false
}

// Frame is the user-stack content a handler invocation pushes: the
// saved machine context, the saved mask, and the signal number
// (spec.md §6 "Signal ABI").
type Frame struct {
	Sig         Signal
	SavedMask   Set
	SavedCtx    MachineContext
	OnAltStack  bool
	RestartSyscall bool
}

// MachineContext is an opaque save area for registers + FPU state;
// the real layout is architecture-specific and out of this core's
// scope (spec.md §1, "architecture-specific trap entry stubs").
type MachineContext struct {
	Regs [32]uint64
	FPU  [64]byte
	IP   uint64
	SP   uint64
}

// Target lets signal drive the process-wide side effects of
// stop/continue/term/core without importing proc (which embeds
// ProcState and ThreadState, and would otherwise create a cycle).
type Target interface {
	// Stop parks every thread of the process on its stop queue and
	// notifies the parent via SIGCHLD (spec.md §4.9 "Stop/continue").
	Stop()
	// Continue releases a stopped process's parked threads and
	// notifies the parent.
	Continue()
	// Terminate ends the process with the given signal as cause,
	// with core indicating a default-Core action.
	Terminate(sig Signal, core bool)
}

// Deliver runs one pass of the delivery algorithm against target: it
// picks the next deliverable signal, consults disp, and either skips
// it (SIG_IGN), performs the default action through target, or
// returns a Frame for the caller to install on the user stack ready
// for a handler invocation. ok is true only when a handler Frame is
// returned.
func Deliver(p *ProcState, t *ThreadState, target Target) (frame Frame, ok bool) {
	sig, found := Deliverable(p, t)
	if !found {
		return Frame{}, false
	}

	disp := p.Disposition(sig)
	unblock := unblockable.Has(sig)

	p.clear(sig)
	t.clear(sig)

	if disp.Action == ActionIgnore && !unblock {
		return Frame{}, false
	}

	if disp.Action == ActionHandler && !unblock {
		t.mu.Lock()
		savedMask := t.mask
		onAlt := disp.Flags&SAOnStack != 0 && !t.altOn
		if onAlt {
			t.altOn = true
		}
		t.nesting++
		newMask := t.mask | disp.Mask
		if disp.Flags&SANoDefer == 0 {
			newMask = newMask.Add(sig)
		}
		t.mask = newMask &^ unblockable
		t.mu.Unlock()

		if disp.Flags&SAResetHand != 0 {
			p.SetDisposition(sig, ActionDefault, 0, 0)
		}

		return Frame{Sig: sig, SavedMask: savedMask, OnAltStack: onAlt}, true
	}

	// SIG_DFL (or an unblockable signal whose disposition is
	// overridden per spec.md §8 property 7).
	switch DefaultActionFor(sig) {
	case DefaultIgnore:
	case DefaultStop:
		target.Stop()
	case DefaultCont:
		target.Continue()
	case DefaultCore:
		target.Terminate(sig, true)
	default:
		target.Terminate(sig, false)
	}
	return Frame{}, false
}

// Sigreturn restores thread state from a previously built Frame
// (sigreturn syscall): the mask reverts to what it was before the
// handler ran, and the alternate-stack nesting flag clears. It
// reports whether the interrupted syscall should be restarted.
func Sigreturn(t *ThreadState, f Frame) (restart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mask = f.SavedMask
	if f.OnAltStack {
		t.altOn = false
	}
	t.nesting--
	return f.RestartSyscall
}
