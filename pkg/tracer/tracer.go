package tracer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/internal/arch"
	"github.com/tracexecgo/tracexec/pkg/breakpoint"
	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
	"github.com/tracexecgo/tracexec/pkg/proctrack"
	"github.com/tracexecgo/tracexec/pkg/ptrace"
)

// ShutdownMode selects what Run does to still-running tracees when its
// context is cancelled (spec.md 5's "Cancellation and timeouts").
type ShutdownMode string

const (
	// ShutdownDetach drains current stops and detaches every attached
	// tracee with PTRACE_DETACH, leaving it running untraced.
	ShutdownDetach ShutdownMode = "detach"
	// ShutdownTerminate sends SIGTERM to every tracked tracee.
	ShutdownTerminate ShutdownMode = "terminate"
	// ShutdownKill sends SIGKILL to every tracked tracee.
	ShutdownKill ShutdownMode = "kill"
)

// pollInterval is how often Run re-checks ctx.Done() between non-blocking
// waitpid polls once a cancellable Run is in use; short enough that
// shutdown latency is unnoticeable, long enough not to spin the CPU.
const pollInterval = 10 * time.Millisecond

// Config bundles everything a Tracer needs that isn't per-trace state.
type Config struct {
	Pool           *intern.Pool
	Sender         eventchan.Sender
	Breakpoints    []*breakpoint.BreakPoint
	SeccompEnabled bool
	// BaselineEnv is the environment the tracer itself was started with,
	// against which every exec's envp is diffed (spec.md 4.2).
	BaselineEnv map[string]string
	// ResolveProcSelfExe reports an exec of the literal path
	// "/proc/self/exe" under its readlink()'d target instead (spec.md 8,
	// scenario S2).
	ResolveProcSelfExe bool
	// OnBreakPointHit is invoked synchronously, from the tracer's own
	// goroutine, whenever a breakpoint matches. The matched pid is parked
	// (its StopGuard withheld) until Resume is called for it.
	OnBreakPointHit func(breakpoint.Hit)
	// Shutdown selects what Run does to still-running tracees on context
	// cancellation; the zero value behaves as ShutdownDetach.
	Shutdown ShutdownMode
}

// Tracer drives one root tracee subtree's ptrace(2) state machine
// (spec.md 4.7). It owns a single Engine and must run on a locked OS
// thread for its entire lifetime (see ptrace.LockOSThread).
type Tracer struct {
	cfg     Config
	engine  *ptrace.Engine
	tracker *proctrack.Tracker
	procs   map[int32]*ProcessState
	nextID  uint64
	rootPID int32
}

// New constructs a Tracer. Call Attach before Run.
func New(cfg Config) *Tracer {
	return &Tracer{
		cfg:     cfg,
		engine:  ptrace.New(cfg.SeccompEnabled),
		tracker: proctrack.New(),
		procs:   make(map[int32]*ProcessState),
	}
}

// Attach completes attaching to rootPID through ImportTracemeChild (the
// child is already stopped via PTRACE_TRACEME+SIGSTOP, per spec.md 4.6's
// spawn-token protocol) and records it as the trace root.
func (t *Tracer) Attach(rootPID int32) error {
	if err := t.engine.ImportTracemeChild(int(rootPID)); err != nil {
		return fmt.Errorf("tracer: attach root %d: %w", rootPID, err)
	}
	t.rootPID = rootPID
	ps := &ProcessState{PID: rootPID, State: SigstopReceived, Comm: readComm(rootPID)}
	t.procs[rootPID] = ps
	t.tracker.Add(rootPID)
	t.sendEvent(event.TraceeSpawn{PID: rootPID})
	return nil
}

// Run drives the wait loop until the root tracee exits or ctx is
// cancelled, then closes the event stream. It must be called from the
// same OS thread Attach (and ptrace.LockOSThread) was called from.
//
// Cancellation (spec.md 5): Run polls non-blockingly so it can notice
// ctx.Done() between waitpid calls; on cancellation it drains pending
// stops via shutdownTracees and returns ctx.Err() instead of nil.
func (t *Tracer) Run(ctx context.Context) error {
	defer t.cfg.Sender.Close()

	// Resume the root out of its initial group-stop.
	if ps, ok := t.procs[t.rootPID]; ok {
		_ = t.resumeDefault(ps.PID, 0)
	}

	for {
		select {
		case <-ctx.Done():
			t.shutdownTracees()
			return ctx.Err()
		default:
		}

		ev, err := t.engine.NextEvent(ptrace.WaitNonBlocking)
		if err != nil {
			return fmt.Errorf("tracer: wait: %w", err)
		}
		switch e := ev.(type) {
		case ptrace.PtraceStop:
			t.handleStop(e.Guard)
		case ptrace.Exited:
			if t.handleExited(int32(e.PID), e.Code) {
				return nil
			}
		case ptrace.Signaled:
			if t.handleSignaled(int32(e.PID), e.Signal) {
				return nil
			}
		case ptrace.StillAlive:
			time.Sleep(pollInterval)
		}
	}
}

// shutdownTracees implements spec.md 5's cancellation behavior: drain
// every tracked tracee to a ptrace-stop and detach it with PTRACE_DETACH
// (no signal) under ShutdownDetach, or deliver SIGTERM/SIGKILL to the
// whole subtree under ShutdownTerminate/ShutdownKill.
func (t *Tracer) shutdownTracees() {
	switch t.cfg.Shutdown {
	case ShutdownTerminate:
		t.killAll(unix.SIGTERM)
		return
	case ShutdownKill:
		t.killAll(unix.SIGKILL)
		return
	}

	for pid := range t.procs {
		p := int(pid)
		if err := unix.PtraceInterrupt(p); err != nil {
			// Already stopped, exited, or otherwise unreachable; a
			// best-effort detach attempt below is harmless either way.
			_ = unix.PtraceDetach(p)
			continue
		}
		var status unix.WaitStatus
		if _, err := unix.Wait4(p, &status, 0, nil); err != nil {
			continue
		}
		if err := unix.PtraceDetach(p); err != nil {
			logrus.WithError(err).WithField("pid", pid).Warn("tracer: detach on shutdown failed")
		}
	}
}

// killAll sends sig to every tracked pid, best-effort; used by Run's
// terminate/kill shutdown modes.
func (t *Tracer) killAll(sig unix.Signal) {
	for pid := range t.procs {
		if err := unix.Kill(int(pid), sig); err != nil {
			logrus.WithError(err).WithField("pid", pid).Warn("tracer: kill on shutdown failed")
		}
	}
}

func (t *Tracer) handleExited(pid int32, code int) (rootDone bool) {
	if pid == t.rootPID {
		c := int32(code)
		t.sendEvent(event.TraceeExit{ExitCode: c})
		return true
	}
	delete(t.procs, pid)
	t.tracker.MaybeRemove(pid)
	return false
}

func (t *Tracer) handleSignaled(pid int32, sig unix.Signal) (rootDone bool) {
	if pid == t.rootPID {
		s := int32(sig)
		t.sendEvent(event.TraceeExit{Signal: &s})
		return true
	}
	delete(t.procs, pid)
	t.tracker.MaybeRemove(pid)
	return false
}

func (t *Tracer) resumeDefault(pid int32, injectSignal int) error {
	ps := t.procs[pid]
	if ps == nil {
		return fmt.Errorf("tracer: resumeDefault on untracked pid %d", pid)
	}
	if t.cfg.SeccompEnabled {
		return unix.PtraceCont(int(pid), injectSignal)
	}
	return unix.PtraceSyscall(int(pid), injectSignal)
}

// handleStop classifies one ptrace stop and dispatches it. Exactly one
// resume call (or a deliberate park, for a breakpoint hit) happens per
// call, consuming guard.
func (t *Tracer) handleStop(guard *ptrace.StopGuard) {
	pid := int32(guard.PID())
	ps, ok := t.procs[pid]
	if !ok {
		// A stop for a pid we haven't recorded yet (can happen if the
		// PTRACE_EVENT_FORK/CLONE notification on the parent is still
		// in flight when the child's own first stop arrives). Track it
		// defensively so we don't leak the guard.
		ps = &ProcessState{PID: pid, State: Initialized}
		t.procs[pid] = ps
		if _, tracked := t.tracker.Get(pid); !tracked {
			t.tracker.Add(pid)
		}
	}

	if guard.IsGroupStop() {
		ps.State = SigstopReceived
		_ = guard.Cont(0)
		return
	}

	switch guard.Event() {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		t.handleForkEvent(ps, guard)
	case unix.PTRACE_EVENT_EXEC:
		t.handleExecEvent(ps, guard)
	case unix.PTRACE_EVENT_EXIT:
		_ = guard.Cont(0)
	case unix.PTRACE_EVENT_SECCOMP:
		t.handleSeccompStop(ps, guard)
	default:
		t.handleSyscallStop(ps, guard)
	}
}

func (t *Tracer) handleForkEvent(parent *ProcessState, guard *ptrace.StopGuard) {
	msg, err := unix.PtraceGetEventMsg(guard.PID())
	if err != nil {
		logrus.WithError(err).WithField("pid", parent.PID).Error("tracer: PTRACE_GETEVENTMSG failed on fork event")
		_ = guard.ContSyscall(0)
		return
	}
	childPID := int32(msg)

	child, seen := t.procs[childPID]
	if !seen {
		child = &ProcessState{PID: childPID, State: Initialized}
		t.procs[childPID] = child
	}
	child.Comm = parent.Comm

	if _, tracked := t.tracker.Get(childPID); !tracked {
		t.tracker.Add(childPID)
	}
	parentEntry, childEntry := t.tracker.ParentDisjointMut(parent.PID, childPID)
	childEntry.Lineage.SaveParentLastExec(&parentEntry.Lineage)

	t.sendEvent(event.NewChild{PPID: parent.PID, PID: childPID})

	parent.State = PtraceForkEventReceived
	_ = guard.ContSyscall(0)
}

func (t *Tracer) handleSeccompStop(ps *ProcessState, guard *ptrace.StopGuard) {
	ps.presyscall = true
	t.captureAtSyscallEnter(ps, guard.PID())
	if t.parkIfBreakpointHit(ps, guard, breakpoint.SysEnter) {
		return
	}
	_ = guard.ContSyscall(0)
}

func (t *Tracer) handleSyscallStop(ps *ProcessState, guard *ptrace.StopGuard) {
	if !ps.presyscall {
		ps.presyscall = true
		t.captureAtSyscallEnter(ps, guard.PID())
		if t.parkIfBreakpointHit(ps, guard, breakpoint.SysEnter) {
			return
		}
		_ = guard.ContSyscall(0)
		return
	}

	ps.presyscall = false
	committed := false
	if ps.pending != nil {
		regs, err := ptrace.GrabRegisters(guard.PID())
		if err == nil {
			result := regs.Return()
			if result < 0 {
				t.commitExec(ps, *ps.pending, result)
				committed = true
			}
			// result >= 0 here would mean the kernel returned from
			// execve without replacing the image, which does not
			// happen for a genuine success; treat it as still
			// pending rather than fabricate a commit.
		}
	}
	parked := t.parkIfBreakpointHit(ps, guard, breakpoint.SysExit)
	if committed {
		ps.pending = nil
	}
	if parked {
		return
	}
	_ = guard.ContSyscall(0)
}

func (t *Tracer) handleExecEvent(ps *ProcessState, guard *ptrace.StopGuard) {
	if ps.pending != nil {
		t.commitExec(ps, *ps.pending, 0)
	}
	// The execve's own syscall-exit stop still follows whenever the tracee
	// is resumed with PTRACE_SYSCALL (after a breakpoint park, or with
	// seccomp off); presyscall stays set so that stop is read as an exit.
	ps.presyscall = true
	parked := t.parkIfBreakpointHit(ps, guard, breakpoint.SysExit)
	ps.pending = nil
	if parked {
		return
	}
	ps.State = Running
	if t.cfg.SeccompEnabled {
		ps.presyscall = false
		_ = guard.Cont(0)
		return
	}
	_ = guard.ContSyscall(0)
}

// parkIfBreakpointHit checks ps's pending exec data against every armed
// breakpoint at phase. If one matches, the guard is withheld on ps
// (State becomes BreakPointHit) rather than consumed, and the caller
// must not resume it; Resume does that later from outside the wait
// loop.
func (t *Tracer) parkIfBreakpointHit(ps *ProcessState, guard *ptrace.StopGuard, phase breakpoint.StopPhase) bool {
	if ps.pending == nil {
		return false
	}
	var argv []event.OutputMsg
	if ps.pending.argv != nil {
		argv = ps.pending.argv.Argv
	}
	for _, bp := range t.cfg.Breakpoints {
		if bp.Stop != phase || bp.Activated() {
			continue
		}
		if !bp.Match(ps.pending.filename, argv) {
			continue
		}
		bp.Fire()
		ps.State = BreakPointHit
		ps.parkedGuard = guard
		if t.cfg.OnBreakPointHit != nil {
			t.cfg.OnBreakPointHit(breakpoint.Hit{BreakPointID: bp.ID, PID: ps.PID, Stop: phase})
		}
		return true
	}
	return false
}

// Resume continues a pid previously parked by a breakpoint hit, injecting
// signal (usually 0).
func (t *Tracer) Resume(pid int32, injectSignal int) error {
	ps, ok := t.procs[pid]
	if !ok || ps.parkedGuard == nil {
		return fmt.Errorf("tracer: pid %d is not parked at a breakpoint", pid)
	}
	guard := ps.parkedGuard
	ps.parkedGuard = nil
	ps.State = Running
	return guard.ContSyscall(injectSignal)
}

func (t *Tracer) captureAtSyscallEnter(ps *ProcessState, pid int) {
	regs, err := ptrace.GrabRegisters(pid)
	if err != nil {
		logrus.WithError(err).WithField("pid", pid).Warn("tracer: GETREGS failed at syscall-enter")
		ps.pending = nil
		return
	}
	sc, ok := arch.ClassifySyscall(regs.Arch(), regs.Is32Bit(), regs.SyscallNo())
	if !ok {
		ps.pending = nil
		return
	}
	ps.pending = t.captureExecData(pid, regs, sc)
}

func (t *Tracer) nextEventID() event.ID {
	t.nextID++
	return event.ID(t.nextID)
}

func (t *Tracer) sendEvent(d event.TracerEventDetails) event.ID {
	id := t.nextEventID()
	t.cfg.Sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: id, Details: d}})
	return id
}

func (t *Tracer) commitExec(ps *ProcessState, data execData, result int64) {
	id := t.nextEventID()
	ok := result == 0

	entry, tracked := t.tracker.Get(ps.PID)
	var parentLink event.ParentEventID
	if tracked {
		parentLink = entry.Lineage.UpdateLastExec(id, ok)
		t.tracker.AssociateEvents(ps.PID, id)
	}

	ev := event.ExecEvent{
		PID:            ps.PID,
		Cwd:            data.cwd,
		CommBeforeExec: t.cfg.Pool.InternString(ps.Comm),
		Filename:       data.filename,
		Argv:           data.argv,
		EnvDiff:        data.envDiff,
		FDInfo:         data.fdinfo,
		Cred:           data.cred,
		Interpreter:    data.interp,
		Result:         result,
		Timestamp:      data.capturedAt,
		Parent:         parentLink,
	}
	t.cfg.Sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: id, Details: event.Exec{Event: ev}}})

	if ok {
		ps.Comm = readComm(ps.PID)
		ps.State = Running
	}
}

// readComm reads the kernel's own record of pid's command name
// (spec.md 4.7: comm must come from /proc/<pid>/comm, not be derived
// from argv/filename). Returns "" if the process is already gone or
// the read otherwise fails.
func readComm(pid int32) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}
