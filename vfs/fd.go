// fd.go implements the per-process file descriptor table of spec.md
// §4.10 "File table", grounded on biscuit's fd.Fd_t/Fdtable_t
// (_examples/Oichkatzelesfrettschen-biscuit/biscuit/src/fd/fd.go —
// kept and adapted: close-on-exec tracked per descriptor, independent
// of the shared open-file object underneath it).
package vfs

import (
	"sync"

	"elos/errno"
)

// OpenFlags mirrors the O_* bits relevant to the file table itself
// (content/offset semantics belong to the filesystem driver).
type OpenFlags uint32

const (
	OAppend OpenFlags = 1 << iota
	ONonblock
	OCloexec
)

// File is a shared open-file description: one instance may be
// referenced by descriptors in several processes after fork or dup.
type File struct {
	mu     sync.Mutex
	Node   *Vnode
	Offset int64
	Flags  OpenFlags
	refs   int32
}

func NewFile(node *Vnode, flags OpenFlags) *File {
	return &File{Node: node, Flags: flags, refs: 1}
}

func (f *File) ref() *File { f.mu.Lock(); f.refs++; f.mu.Unlock(); return f }

// Close drops a reference, releasing the underlying vnode once the
// last descriptor referencing this File is gone.
func (f *File) Close() {
	f.mu.Lock()
	f.refs--
	zero := f.refs == 0
	f.mu.Unlock()
	if zero {
		f.Node.Unref()
	}
}

type descriptor struct {
	file    *File
	cloexec bool
}

// FDTable is a process's indexed table of file descriptors (proc.h's
// implicit "struct file *fds[PROC_FILES]" plus biscuit's close-on-exec
// bitmap). Install hands out the lowest free descriptor at or above
// the min it is given; the table does not reserve 0/1/2 itself.
type FDTable struct {
	mu    sync.Mutex
	slots []*descriptor
}

func NewFDTable() *FDTable { return &FDTable{} }

// Install places file at the lowest free descriptor number >= min.
func (t *FDTable) Install(file *File, cloexec bool, min int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := min; ; i++ {
		if i >= len(t.slots) {
			t.slots = append(t.slots, make([]*descriptor, i-len(t.slots)+1)...)
		}
		if t.slots[i] == nil {
			t.slots[i] = &descriptor{file: file, cloexec: cloexec}
			return i
		}
	}
}

// Get returns the File installed at fd.
func (t *FDTable) Get(fd int) (*File, errno.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, errno.Fault // EBADF-equivalent per the abstract kind list in spec.md §7 (no dedicated EBADF entry)
	}
	return t.slots[fd].file, 0
}

// Close closes fd, dropping the table's reference to its File.
func (t *FDTable) Close(fd int) errno.Err {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return errno.Fault
	}
	d := t.slots[fd]
	t.slots[fd] = nil
	t.mu.Unlock()
	d.file.Close()
	return 0
}

// Dup2 duplicates oldfd onto newfd, closing whatever newfd previously
// held (dup2 semantics).
func (t *FDTable) Dup2(oldfd, newfd int) errno.Err {
	t.mu.Lock()
	if oldfd < 0 || oldfd >= len(t.slots) || t.slots[oldfd] == nil {
		t.mu.Unlock()
		return errno.Fault
	}
	if newfd >= len(t.slots) {
		t.slots = append(t.slots, make([]*descriptor, newfd-len(t.slots)+1)...)
	}
	old := t.slots[newfd]
	t.slots[newfd] = &descriptor{file: t.slots[oldfd].file.ref()}
	t.mu.Unlock()
	if old != nil {
		old.file.Close()
	}
	return 0
}

// SetCloexec toggles the close-on-exec bit for fd, independent of the
// File it references (spec.md §4.10: "each descriptor carries
// close-on-exec independently of the open-file").
func (t *FDTable) SetCloexec(fd int, on bool) errno.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return errno.Fault
	}
	t.slots[fd].cloexec = on
	return 0
}

// Fork duplicates the table with reference increments, as spec.md
// §4.10 requires ("fork duplicates the table with reference
// increments").
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &FDTable{slots: make([]*descriptor, len(t.slots))}
	for i, d := range t.slots {
		if d == nil {
			continue
		}
		out.slots[i] = &descriptor{file: d.file.ref(), cloexec: d.cloexec}
	}
	return out
}

// CloseExec closes every CLOEXEC descriptor, run on a successful
// execve (spec.md §4.8 "execve": "close CLOEXEC fds").
func (t *FDTable) CloseExec() {
	t.mu.Lock()
	var toClose []*File
	for i, d := range t.slots {
		if d != nil && d.cloexec {
			toClose = append(toClose, d.file)
			t.slots[i] = nil
		}
	}
	t.mu.Unlock()
	for _, f := range toClose {
		f.Close()
	}
}
