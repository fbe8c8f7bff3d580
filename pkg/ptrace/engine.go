// Package ptrace wraps PTRACE_SEIZE and waitpid(2) into a safe, linear
// stop-guard API (spec.md 4.6). The engine is intentionally single-threaded
// — ptrace(2) requires the calling thread to own the tracee — and every
// stop it reports must be consumed by exactly one resume operation before
// the next call to NextEvent, or the tracee hangs.
//
// The seize/attach/wait sequencing here follows the same shape as the
// teacher's pkg/sentry/platform/ptrace/subprocess_linux.go: seize, wait for
// the initial stop, then drive waitpid in a loop, classifying each stop.
package ptrace

import (
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/internal/arch"
)

// baseOpts are the ptrace options installed on seize/attach, in addition to
// PTRACE_O_TRACESECCOMP when seccomp acceleration is active.
const baseOpts = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// Engine drives ptrace for one tracee subtree. It must be used from a
// single locked OS thread for its entire lifetime.
type Engine struct {
	seccompEnabled bool
}

// New constructs an Engine. seccompEnabled controls whether
// PTRACE_O_TRACESECCOMP is requested and whether continuations use
// PTRACE_CONT (seccomp accelerates filtering, so plain syscall-stops are
// unnecessary) or PTRACE_SYSCALL.
func New(seccompEnabled bool) *Engine {
	return &Engine{seccompEnabled: seccompEnabled}
}

// LockOSThread must be called once, before any other Engine method, by the
// goroutine that will drive this Engine for its entire lifetime.
func LockOSThread() { runtime.LockOSThread() }

// SeizeChildrenRecursive seizes pid and every tracee it subsequently
// forks/clones (via the installed options), interrupts it to synchronize
// on the initial group-stop, and resumes it once attached.
func (e *Engine) SeizeChildrenRecursive(pid int) error {
	opts := baseOpts
	if e.seccompEnabled {
		opts |= unix.PTRACE_O_TRACESECCOMP
	}
	if err := seizeWithRetry(pid, opts); err != nil {
		return fmt.Errorf("ptrace: seize %d: %w", pid, err)
	}
	if err := unix.PtraceInterrupt(pid); err != nil {
		return fmt.Errorf("ptrace: interrupt %d: %w", pid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return fmt.Errorf("ptrace: initial wait on %d: %w", pid, err)
	}
	if err := e.resumeAfterSeize(pid); err != nil {
		return fmt.Errorf("ptrace: resume after seize %d: %w", pid, err)
	}
	return nil
}

// seizeWithRetry retries PTRACE_SEIZE against ESRCH: a just-forked pid can
// transiently fail to exist yet from this thread's point of view, a race
// inherent to spawning the tracee and seizing it from separate threads.
// Any other error is permanent.
func seizeWithRetry(pid, opts int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Millisecond
	bo.MaxInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 500 * time.Millisecond
	return backoff.Retry(func() error {
		err := unix.PtraceSeize(pid, opts)
		if err == unix.ESRCH {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
}

func (e *Engine) resumeAfterSeize(pid int) error {
	if e.seccompEnabled {
		return unix.PtraceCont(pid, 0)
	}
	return unix.PtraceSyscall(pid, 0)
}

// ImportTracemeChild completes attaching to a child that called
// PTRACE_TRACEME and then raised SIGSTOP on itself: unrelated signals
// delivered before the SIGSTOP are passed through, and once the SIGSTOP
// delivery-stop is observed, options are installed exactly as in
// SeizeChildrenRecursive.
func (e *Engine) ImportTracemeChild(pid int) error {
	for {
		var status unix.WaitStatus
		if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
			return fmt.Errorf("ptrace: wait for TRACEME child %d: %w", pid, err)
		}
		if status.Stopped() && status.StopSignal() == unix.SIGSTOP {
			break
		}
		if status.Stopped() {
			// Pass through unrelated signals.
			_ = unix.PtraceCont(pid, int(status.StopSignal()))
			continue
		}
		return fmt.Errorf("ptrace: child %d did not reach SIGSTOP (status=%v)", pid, status)
	}
	opts := baseOpts
	if e.seccompEnabled {
		opts |= unix.PTRACE_O_TRACESECCOMP
	}
	if err := unix.PtraceSetOptions(pid, opts); err != nil {
		return fmt.Errorf("ptrace: set options on %d: %w", pid, err)
	}
	return nil
}

// WaitPidEvent is the classified result of one NextEvent call.
type WaitPidEvent interface{ isWaitPidEvent() }

// PtraceStop is a generic ptrace stop (syscall-stop, seccomp-stop,
// group-stop, signal-delivery-stop, or a PTRACE_EVENT_* stop) that must be
// consumed via exactly one of the StopGuard's resume methods.
type PtraceStop struct {
	Guard *StopGuard
}

func (PtraceStop) isWaitPidEvent() {}

// Signaled reports that pid was terminated by a signal.
type Signaled struct {
	PID    int
	Signal unix.Signal
}

func (Signaled) isWaitPidEvent() {}

// Exited reports pid's normal exit.
type Exited struct {
	PID  int
	Code int
}

func (Exited) isWaitPidEvent() {}

// Continued reports that pid resumed running (WCONTINUED).
type Continued struct{ PID int }

func (Continued) isWaitPidEvent() {}

// StillAlive is returned from a non-blocking NextEvent poll when no
// tracee has a pending status change.
type StillAlive struct{}

func (StillAlive) isWaitPidEvent() {}

// WaitFlags controls NextEvent's blocking behavior.
type WaitFlags int

const (
	// WaitBlocking blocks until some tracee's status changes.
	WaitBlocking WaitFlags = 0
	// WaitNonBlocking polls once and returns StillAlive if nothing is
	// ready.
	WaitNonBlocking WaitFlags = unix.WNOHANG
)

// NextEvent blocks in waitpid(2) (unless flags requests non-blocking
// polling) and classifies the result.
func (e *Engine) NextEvent(flags WaitFlags) (WaitPidEvent, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, int(flags)|unix.WALL, nil)
	if err != nil {
		if err == unix.ECHILD {
			return Exited{}, nil
		}
		return nil, fmt.Errorf("ptrace: wait4: %w", err)
	}
	if pid == 0 {
		return StillAlive{}, nil
	}
	switch {
	case status.Exited():
		return Exited{PID: pid, Code: status.ExitStatus()}, nil
	case status.Signaled():
		return Signaled{PID: pid, Signal: status.Signal()}, nil
	case status.Continued():
		return Continued{PID: pid}, nil
	case status.Stopped():
		return PtraceStop{Guard: newStopGuard(pid, status)}, nil
	default:
		return nil, fmt.Errorf("ptrace: unclassifiable wait status %v for pid %d", status, pid)
	}
}

// GrabRegisters reads the stopped tracee's general-purpose registers into
// an arch.Registers, determining 32-bit compat mode from the CS segment
// selector on amd64 (0x33 native, 0x23 compat) or always-false on arm64.
func GrabRegisters(pid int) (arch.Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("ptrace: getregs %d: %w", pid, err)
	}
	return wrapRegs(regs), nil
}
