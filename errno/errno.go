// Package errno defines the kernel-wide error representation. Like
// biscuit's defs.Err_t (see biscuit/src/fd/fd.go, vm/as.go), an Err
// is a plain integer returned alongside (or instead of) a value; the
// zero value means success. Unlike biscuit, which hand-copied POSIX
// numbers into defs, the numeric values here are sourced from
// golang.org/x/sys/unix so they match the real errno table the
// syscall surface in spec.md §6 is observably compatible with.
package errno

import "golang.org/x/sys/unix"

// Err is a kernel error code. A syscall boundary returns -int(Err) to
// user space (spec.md §7 "Propagation").
type Err int

func (e Err) Error() string {
	if e == 0 {
		return "success"
	}
	return unix.Errno(e).Error()
}

// Zero reports whether e represents success.
func (e Err) Zero() bool { return e == 0 }

// The abstract error kinds named in spec.md §7, backed by their POSIX
// numbers.
const (
	OutOfMemory        = Err(unix.ENOMEM)
	WouldBlock          = Err(unix.EAGAIN)
	Interrupted         = Err(unix.EINTR)
	RestartSyscall      = Err(unix.ERESTART)
	NotFound            = Err(unix.ENOENT)
	AlreadyExists       = Err(unix.EEXIST)
	PermissionDenied    = Err(unix.EPERM)
	IsDirectory         = Err(unix.EISDIR)
	NotADirectory       = Err(unix.ENOTDIR)
	ReadOnlyFilesystem  = Err(unix.EROFS)
	NotOnThisFilesystem = Err(unix.EXDEV)
	TooManyLinks        = Err(unix.EMLINK)
	SymlinkLoop         = Err(unix.ELOOP)
	NameTooLong         = Err(unix.ENAMETOOLONG)
	Busy                = Err(unix.EBUSY)
	TextBusy            = Err(unix.ETXTBSY)
	Io                  = Err(unix.EIO)
	InvalidArgument     = Err(unix.EINVAL)
	Unsupported         = Err(unix.ENOTSUP)
	AccessDenied        = Err(unix.EACCES)
	NoSpace             = Err(unix.ENOSPC)
	BrokenPipe          = Err(unix.EPIPE)
	OutOfRange          = Err(unix.ERANGE)
	NoTTY               = Err(unix.ENOTTY)
	NoSuchProcess       = Err(unix.ESRCH)
	NotEmpty            = Err(unix.ENOTEMPTY)
	Fault               = Err(unix.EFAULT)
	NoSuchDevice        = Err(unix.ENODEV)
	DeadlockAvoided     = Err(unix.EDEADLK)
)

// EINTR / ERESTART are exposed directly under POSIX-ish names too,
// since the scheduler and signal packages check for them by name
// constantly (spec.md §5 "Cancellation semantics").
const (
	EINTR    = Interrupted
	ERESTART = RestartSyscall
	EAGAIN   = WouldBlock
)
