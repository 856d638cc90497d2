// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go - Kernel diagnostic and abort helpers (zero-fmt)
//
// Purpose:
//   - Logs infrequent paths (unhandled interrupts, boot progress) without fmt.
//   - Implements the abort path: print the diagnostic, then halt.
//
// Notes:
//   - Halting is a panic carrying *Abort so a test harness can recover it
//     and assert the fatal path was taken. Nothing in the kernel recovers.
//
// ⚠️ Never invoke in hot loops; failure diagnostics only.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"runtime"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/utils"
)

// DropError logs err under prefix. A nil err prints the prefix alone.
//
//go:nosplit
//go:inline
//go:registerparams
func DropError(prefix string, err error) {
	if err != nil {
		utils.PrintWarning(prefix + ": " + err.Error() + "\n")
		return
	}
	utils.PrintWarning(prefix + "\n")
}

// DropMessage logs one tagged line.
//
//go:nosplit
//go:inline
//go:registerparams
func DropMessage(prefix, message string) {
	utils.PrintWarning(prefix + ": " + message + "\n")
}

// ─────────────────────────────────────────────────────────────────────────────
// Abort
// ─────────────────────────────────────────────────────────────────────────────

// Abort is the panic value of a fatal kernel condition.
type Abort struct {
	Where   string
	Message string
}

func (a *Abort) Error() string { return a.Where + ": " + a.Message }

var aborts atomic.Uint64

// Aborts reports how many fatal conditions were raised in this process.
func Aborts() uint64 { return aborts.Load() }

// Fatal prints the diagnostic with the caller's source location and halts.
func Fatal(where, message string) {
	abort(where, message, "")
}

// FatalDump is Fatal with a preformatted register dump appended.
func FatalDump(where, message, dump string) {
	abort(where, message, dump)
}

func abort(where, message, dump string) {
	aborts.Add(1)
	loc := "?"
	if _, file, line, ok := runtime.Caller(2); ok {
		loc = file + ":" + utils.Itoa(line)
	}
	msg := "ABORT " + where + ": " + message + " [" + loc + "]\n"
	if dump != "" {
		msg += dump
	}
	utils.PrintWarning(msg)
	panic(&Abort{Where: where, Message: message})
}

// Assert halts when cond is false.
func Assert(cond bool, where, message string) {
	if !cond {
		abort(where, "assertion failed: "+message, "")
	}
}

// IsAbort reports whether a recovered panic value is a kernel abort and
// returns it.
func IsAbort(r any) (*Abort, bool) {
	a, ok := r.(*Abort)
	return a, ok
}
