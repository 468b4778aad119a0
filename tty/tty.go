// Package tty implements the line discipline of spec.md §4.12,
// grounded on _examples/original_source/src/kernel/kern/tty.c (the
// termios-flag-driven output processing and canonical-mode input
// accumulation) and styled after biscuit's circbuf.Circbuf_t
// (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src/circbuf —
// kept and adapted as the input/output ring buffers below).
package tty

import (
	"sync"

	"golang.org/x/sys/unix"

	"elos/errno"
)

// OFlag mirrors the output-processing termios bits spec.md §4.12
// names (ONLCR/OCRNL/ONOCR/ONLRET).
type OFlag uint32

const (
	ONLCR OFlag = 1 << iota
	OCRNL
	ONOCR
	ONLRET
)

// LFlag mirrors the line-discipline-relevant local mode bits.
type LFlag uint32

const (
	ICANON LFlag = 1 << iota
	ECHO
	ISIG
)

// CC indexes the special-character table (VINTR/VQUIT/VSUSP/VEOL).
type CC int

const (
	VINTR CC = iota
	VQUIT
	VSUSP
	VEOL
	vccCount
)

// Termios is the subset of struct termios the line discipline acts
// on.
type Termios struct {
	OFlags LFlag
	OProc  OFlag
	CC     [vccCount]byte
}

func DefaultTermios() Termios {
	t := Termios{OFlags: ICANON | ECHO | ISIG, OProc: ONLCR}
	t.CC[VINTR] = 3   // ^C
	t.CC[VQUIT] = 28  // ^\
	t.CC[VSUSP] = 26  // ^Z
	t.CC[VEOL] = '\n'
	return t
}

// Winsize mirrors struct winsize.
type Winsize struct {
	Rows, Cols uint16
}

// ring is a fixed-capacity byte ring buffer (circbuf.Circbuf_t's
// shape: a backing slice plus head/tail indices and a waiter).
type ring struct {
	mu       sync.Mutex
	buf      []byte
	head, tl int
	size     int
	notEmpty *sync.Cond
	notFull  *sync.Cond
}

func newRing(capacity int) *ring {
	r := &ring{buf: make([]byte, capacity)}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

func (r *ring) push(b byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		return false
	}
	r.buf[r.tl] = b
	r.tl = (r.tl + 1) % len(r.buf)
	r.size++
	r.notEmpty.Signal()
	return true
}

func (r *ring) pop() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	r.notFull.Signal()
	return b, true
}

func (r *ring) flush() {
	r.mu.Lock()
	r.head, r.tl, r.size = 0, 0, 0
	r.mu.Unlock()
}

// SignalSender lets tty deliver foreground-pgrp signals without
// importing proc (which would create a cycle: proc's Session embeds
// a TTY back-reference as `any`). The implementation is whatever the
// caller passes to New; proc does not provide one.
type SignalSender interface {
	// Send delivers sig to every process in pgid.
	Send(pgid int32, sig int)
}

// TTY is one line-discipline instance (spec.md §3 "TTY").
type TTY struct {
	mu sync.Mutex

	termios Termios
	winsize Winsize

	input  *ring // ring Read pops from: whole lines in canonical mode, single bytes in raw mode
	lineOut *ring // allocated by New but not read or written by any method
	output *ring

	lineBuf []byte // in-progress canonical line, not yet terminated
	column  int    // output column, for tab alignment (tabs align to 8)

	fgPgrp    int32
	session   int32
	dead      bool

	signals SignalSender
}

func New(signals SignalSender, capacity int) *TTY {
	return &TTY{
		termios: DefaultTermios(),
		input:   newRing(capacity),
		lineOut: newRing(capacity),
		output:  newRing(capacity),
		signals: signals,
	}
}

func (t *TTY) SetForegroundPgrp(pgid int32) { t.mu.Lock(); t.fgPgrp = pgid; t.mu.Unlock() }
func (t *TTY) ForegroundPgrp() int32        { t.mu.Lock(); defer t.mu.Unlock(); return t.fgPgrp }
func (t *TTY) SetWinsize(w Winsize)         { t.mu.Lock(); t.winsize = w; t.mu.Unlock() }
func (t *TTY) Winsize() Winsize             { t.mu.Lock(); defer t.mu.Unlock(); return t.winsize }
func (t *TTY) SetTermios(tm Termios)        { t.mu.Lock(); t.termios = tm; t.mu.Unlock() }

// Hangup marks the tty dead (controlling process group lost its
// session); further I/O fails.
func (t *TTY) Hangup() { t.mu.Lock(); t.dead = true; t.mu.Unlock() }

// Input feeds one byte of raw terminal input through the line
// discipline: special characters trigger their signal/flush action;
// canonical mode accumulates into the line buffer until EOL/newline,
// at which point the whole line is copied atomically to the input
// ring and any waiters are woken (spec.md §4.12).
func (t *TTY) Input(b byte) errno.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return errno.Io
	}

	if t.termios.OFlags&ISIG != 0 {
		switch b {
		case t.termios.CC[VINTR]:
			t.flushLocked()
			t.signalFg(int(unix.SIGINT))
			return 0
		case t.termios.CC[VQUIT]:
			t.flushLocked()
			t.signalFg(int(unix.SIGQUIT))
			return 0
		case t.termios.CC[VSUSP]:
			t.flushLocked()
			t.signalFg(int(unix.SIGTSTP))
			return 0
		}
	}

	if t.termios.OFlags&ICANON == 0 {
		t.input.push(b)
		return 0
	}

	t.lineBuf = append(t.lineBuf, b)
	if b == t.termios.CC[VEOL] || b == '\n' {
		for _, c := range t.lineBuf {
			t.input.push(c)
		}
		t.lineBuf = t.lineBuf[:0]
	}
	return 0
}

func (t *TTY) flushLocked() {
	t.lineBuf = t.lineBuf[:0]
	t.input.flush()
}

func (t *TTY) signalFg(sig int) {
	if t.signals != nil && t.fgPgrp != 0 {
		t.signals.Send(t.fgPgrp, sig)
	}
}

// Read pops up to len(dst) bytes of already-assembled input,
// returning the count read. CheckBackgroundRead must be called by
// the caller first to apply SIGTTIN semantics.
func (t *TTY) Read(dst []byte) int {
	n := 0
	for n < len(dst) {
		b, ok := t.input.pop()
		if !ok {
			break
		}
		dst[n] = b
		n++
	}
	return n
}

// CheckBackgroundRead sends SIGTTIN to callerPgid if it is reading
// from the controlling TTY while in the background (spec.md §4.12).
func (t *TTY) CheckBackgroundRead(callerPgid int32) errno.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fgPgrp != 0 && callerPgid != t.fgPgrp {
		if t.signals != nil {
			t.signals.Send(callerPgid, int(unix.SIGTTIN))
		}
		return errno.Interrupted
	}
	return 0
}

// CheckBackgroundWrite sends SIGTTOU to callerPgid if it is writing
// to the controlling TTY while in the background and SIGTTOU is not
// ignored (ttouIgnored reports that). Per spec.md §8 property 10,
// only the writer's own pgrp is signaled; other pgrps are unaffected.
func (t *TTY) CheckBackgroundWrite(callerPgid int32, ttouIgnored bool) errno.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fgPgrp == 0 || callerPgid == t.fgPgrp {
		return 0
	}
	if ttouIgnored {
		return 0
	}
	if t.signals != nil {
		t.signals.Send(callerPgid, int(unix.SIGTTOU))
	}
	return errno.Interrupted
}

// Output processes and enqueues one byte of program output, honoring
// ONLCR/OCRNL/ONOCR/ONLRET and tracking the visible column so tabs
// align to the next multiple of 8 (spec.md §4.12).
func (t *TTY) Output(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch b {
	case '\n':
		if t.termios.OProc&ONLCR != 0 {
			t.output.push('\r')
		}
		t.output.push('\n')
		t.column = 0
		return
	case '\r':
		if t.termios.OProc&OCRNL != 0 {
			t.output.push('\n')
			t.column = 0
			return
		}
		if t.termios.OProc&ONOCR != 0 && t.column == 0 {
			return
		}
		t.output.push('\r')
		t.column = 0
		return
	case '\t':
		next := (t.column/8 + 1) * 8
		for ; t.column < next; t.column++ {
			t.output.push(' ')
		}
		return
	}

	t.output.push(b)
	t.column++
	if t.termios.OProc&ONLRET != 0 && b == '\n' {
		t.column = 0
	}
}

// DrainOutput pops up to len(dst) bytes of processed output.
func (t *TTY) DrainOutput(dst []byte) int {
	n := 0
	for n < len(dst) {
		b, ok := t.output.pop()
		if !ok {
			break
		}
		dst[n] = b
		n++
	}
	return n
}
