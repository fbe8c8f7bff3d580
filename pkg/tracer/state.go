// Package tracer implements the ptrace-backed per-PID state machine
// (spec.md 4.7): it drives pkg/ptrace's engine, performs exec inspection
// via pkg/inspect, computes lineage via pkg/lineage (through
// pkg/proctrack), evaluates pkg/breakpoint patterns, and publishes
// pkg/event values on a pkg/eventchan stream.
package tracer

import (
	"time"

	"github.com/tracexecgo/tracexec/internal/arch"
	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/ptrace"
)

// State is one PID's position in the per-process state machine.
type State int

const (
	// Initialized is the state immediately after a fork/clone/vfork
	// event is observed for a new child, before its SIGSTOP delivery is
	// seen.
	Initialized State = iota
	// SigstopReceived follows the initial group-stop.
	SigstopReceived
	// PtraceForkEventReceived marks a process whose own
	// PTRACE_EVENT_FORK/VFORK/CLONE has been seen (i.e. it is itself
	// about to become a parent).
	PtraceForkEventReceived
	// Running is the steady state: syscall-enter/exit stops are handled
	// as ordinary exec inspection.
	Running
	// Exited is terminal: the process has exited and is pending removal
	// from the process tracker.
	Exited
	// Detached is terminal: the tracer explicitly detached from this
	// pid (e.g. during shutdown).
	Detached
	// BreakPointHit is terminal-ish: the process is parked at a matched
	// breakpoint awaiting an external resume/detach decision.
	BreakPointHit
)

// execData is what's eagerly captured at syscall-enter, since the
// pointers captured there (argv/envp/filename addresses) are only valid
// until the tracee actually performs the exec.
type execData struct {
	syscall  arch.Syscall
	filename event.OutputMsg
	argv     *event.ArgvResult
	envDiff  *event.EnvDiffResult
	fdinfo   *event.FileDescriptorInfoCollection
	cred     *event.CredResult
	cwd      event.OutputMsg
	interp   []event.Interpreter
	capturedAt time.Time
}

// ProcessState is one PID's tracked state-machine position plus whatever
// exec inspection is in flight for it.
type ProcessState struct {
	PID   int32
	State State
	Comm  string

	// presyscall/pending mirror spec.md 4.7 item 2/3: set at syscall-enter
	// (or the seccomp stop), consumed (and cleared) at the matching
	// syscall-exit, or at the exec event when no syscall-exit stop follows.
	presyscall bool
	pending    *execData

	// parkedGuard holds a withheld StopGuard while State == BreakPointHit;
	// Tracer.Resume consumes it.
	parkedGuard *ptrace.StopGuard
}
