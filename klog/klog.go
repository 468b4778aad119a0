// Package klog is the kernel's logging sink. Biscuit logs with bare
// fmt.Printf (there is no OS underneath it to hand structured logs
// to); running this rendition as a normal process, we route the same
// call sites through zerolog instead, since that's the backend the
// retrieved pack's logging facade (joeycumines-go-utilpkg/logiface)
// wraps. Call shapes (Printf/Panic/Assert) mirror the original
// kprintf/kpanic/kassert macros used throughout original_source.
package klog

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Log is the process-wide kernel logger. Subsystems derive a
// sub-logger via With(subsystem) so every line carries its origin,
// the way kprintf call sites in original_source are prefixed with
// "[vm] phys:", "[vfs]", etc.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
	With().Timestamp().Logger()

// With returns a sub-logger tagged with the given subsystem name,
// mirroring the "[subsystem] " prefixes of the C kernel's kprintf
// call sites.
func With(subsystem string) zerolog.Logger {
	return Log.With().Str("subsys", subsystem).Logger()
}

// Printf logs an informational kernel message under subsystem.
func Printf(subsystem, format string, args ...any) {
	With(subsystem).Info().Msgf(format, args...)
}

// Warnf logs a warning-level kernel message under subsystem.
func Warnf(subsystem, format string, args ...any) {
	With(subsystem).Warn().Msgf(format, args...)
}

// Panic mirrors kpanic: it logs at error level and panics. Per
// spec.md §7 "Fatal conditions", invariant violations (double free,
// buddy merge order violation, kernel page fault outside onfault)
// are supposed to halt the kernel; in this simulation that means a
// Go panic that the caller (or a test) can recover from.
func Panic(subsystem, format string, args ...any) {
	With(subsystem).Error().Msgf(format, args...)
	panic(subsystem + ": " + fmt.Sprintf(format, args...))
}

// Assert mirrors kassert: if cond is false it panics with the
// formatted message, otherwise it is a no-op.
func Assert(cond bool, subsystem, format string, args ...any) {
	if !cond {
		Panic(subsystem, format, args...)
	}
}
