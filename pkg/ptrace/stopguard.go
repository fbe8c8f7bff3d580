package ptrace

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// StopGuard is a linear capability proving a tracee is paused at a
// specific ptrace stop. It must be consumed by exactly one of
// ContSyscall, Cont, or Detach. Go has no linear types, so an unconsumed
// StopGuard that is garbage collected logs at Error level and issues a
// conservative PTRACE_CONT rather than leaving the tracee hung forever —
// this is strictly a last-resort safety net; every code path in this
// package is expected to consume its guard explicitly.
type StopGuard struct {
	pid      int
	status   unix.WaitStatus
	consumed bool
}

func newStopGuard(pid int, status unix.WaitStatus) *StopGuard {
	g := &StopGuard{pid: pid, status: status}
	runtime.SetFinalizer(g, finalizeStopGuard)
	return g
}

func finalizeStopGuard(g *StopGuard) {
	if g.consumed {
		return
	}
	logrus.WithField("pid", g.pid).Error("ptrace: stop guard dropped without resume; forcing PTRACE_CONT")
	_ = unix.PtraceCont(g.pid, 0)
}

// PID returns the stopped tracee's pid.
func (g *StopGuard) PID() int { return g.pid }

// Status returns the raw wait status for classification by the caller
// (e.g. to distinguish a seccomp-stop from a plain syscall-stop via
// PTRACE_EVENT_SECCOMP in the high byte).
func (g *StopGuard) Status() unix.WaitStatus { return g.status }

// IsGroupStop reports whether this is a group-stop (SIGSTOP/SIGTSTP/etc.
// delivery without PTRACE_EVENT info), as opposed to a syscall/seccomp/
// PTRACE_EVENT stop.
func (g *StopGuard) IsGroupStop() bool {
	return g.status.StopSignal() == unix.SIGSTOP && g.status.TrapCause() == -1
}

// Event returns the PTRACE_EVENT_* code carried by this stop, or 0 if
// none.
func (g *StopGuard) Event() int {
	return g.status.TrapCause()
}

func (g *StopGuard) consume() {
	g.consumed = true
	runtime.SetFinalizer(g, nil)
}

// ContSyscall resumes the tracee with PTRACE_SYSCALL (stop again at the
// next syscall-enter/exit boundary), optionally injecting a signal.
func (g *StopGuard) ContSyscall(injectSignal int) error {
	defer g.consume()
	return unix.PtraceSyscall(g.pid, injectSignal)
}

// Cont resumes the tracee freely with PTRACE_CONT, optionally injecting a
// signal.
func (g *StopGuard) Cont(injectSignal int) error {
	defer g.consume()
	return unix.PtraceCont(g.pid, injectSignal)
}

// Detach detaches from the tracee with PTRACE_DETACH, optionally
// delivering a final signal. x/sys/unix's PtraceDetach has no signal
// parameter (unlike PTRACE_CONT/PTRACE_SYSCALL), so a non-zero signal is
// delivered with a follow-up kill(2) once the detach itself succeeds.
func (g *StopGuard) Detach(signal int) error {
	defer g.consume()
	if err := unix.PtraceDetach(g.pid); err != nil {
		return err
	}
	if signal != 0 {
		return unix.Kill(g.pid, unix.Signal(signal))
	}
	return nil
}
