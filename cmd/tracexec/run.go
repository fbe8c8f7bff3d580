package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tracexecgo/tracexec/internal/config"
	"github.com/tracexecgo/tracexec/pkg/breakpoint"
	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
	"github.com/tracexecgo/tracexec/pkg/seccompfilter"
	"github.com/tracexecgo/tracexec/pkg/tracer"
)

// exporter is the common shape of pkg/export/json.{Stream,Batch}Exporter
// and pkg/export/perfetto.Exporter.
type exporter interface {
	Write(w io.Writer, recv eventchan.Receiver) error
}

// exitObserver remembers the most recent TraceeExit seen on the event
// stream, so runTrace can map it to a process exit code once the stream
// finishes.
type exitObserver struct {
	mu   sync.Mutex
	seen bool
	exit event.TraceeExit
}

func (o *exitObserver) observe(m event.TracerMessage) {
	me, ok := m.(event.MsgEvent)
	if !ok {
		return
	}
	exit, ok := me.Event.Details.(event.TraceeExit)
	if !ok {
		return
	}
	o.mu.Lock()
	o.seen, o.exit = true, exit
	o.mu.Unlock()
}

func (o *exitObserver) get() (event.TraceeExit, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exit, o.seen
}

// teeTracking interposes between the tracer's Receiver and the exporter:
// every message is observed (for termination/exit-code bookkeeping) and
// then forwarded unchanged. Shaped like pkg/eventchan.New's own internal
// relay goroutine, applied one layer up.
func teeTracking(recv eventchan.Receiver) (eventchan.Receiver, *eventchan.TerminationTracker, *exitObserver) {
	innerSender, innerRecv := eventchan.New()
	tracker := &eventchan.TerminationTracker{}
	obs := &exitObserver{}
	go func() {
		for {
			m, ok := recv.Recv()
			if !ok {
				innerSender.Close()
				return
			}
			tracker.Observe(m)
			obs.observe(m)
			innerSender.Send(m)
		}
	}()
	return innerRecv, tracker, obs
}

// resolveShutdown maps the config-layer ShutdownMode vocabulary onto
// pkg/tracer's own, keeping the tracer package free of an internal/config
// dependency the same way SeccompEnabled is a plain bool rather than a
// config.SeccompMode.
func resolveShutdown(mode config.ShutdownMode) tracer.ShutdownMode {
	switch mode {
	case config.ShutdownTerminate:
		return tracer.ShutdownTerminate
	case config.ShutdownKill:
		return tracer.ShutdownKill
	default:
		return tracer.ShutdownDetach
	}
}

// resolveSeccomp decides whether the ptrace tracer should expect
// PTRACE_O_TRACESECCOMP stops, and what to tell tracee-init to install.
func resolveSeccomp(mode config.SeccompMode) (enabled bool, passThrough string, err error) {
	switch mode {
	case config.SeccompOff:
		return false, "off", nil
	case config.SeccompOn:
		if _, archErr := seccompfilter.NativeAuditArch(); archErr != nil {
			return false, "off", fmt.Errorf("seccomp required but unsupported: %w", archErr)
		}
		return true, "on", nil
	case config.SeccompAuto:
		if _, archErr := seccompfilter.NativeAuditArch(); archErr != nil {
			return false, "off", nil
		}
		return true, "on", nil
	default:
		return false, "off", fmt.Errorf("resolveSeccomp: unknown mode %q", mode)
	}
}

func parseBreakpoints(texts []string) ([]*breakpoint.BreakPoint, error) {
	bps := make([]*breakpoint.BreakPoint, 0, len(texts))
	for _, t := range texts {
		bp, err := breakpoint.FromText(t)
		if err != nil {
			return nil, fmt.Errorf("breakpoint %q: %w", t, err)
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

func environMap() map[string]string {
	m := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

// runTrace spawns the subject command, drives the tracer to completion,
// and writes its event stream through exp. It returns the process exit
// code tracexec itself should use (spec.md 6: the root tracee's exit code
// on normal completion, 1 on fatal tracer error or abnormal termination).
func runTrace(ctx context.Context, conf *config.Config, argv []string, exp exporter, out io.Writer) int {
	seccompEnabled, seccompArg, err := resolveSeccomp(conf.Seccomp)
	if err != nil {
		logrus.WithError(err).Error("resolving seccomp mode")
		return 1
	}

	cmd, err := spawnTracee(spawnRequest{Argv: argv, Seccomp: seccompArg, StdioNullify: conf.StdioNullify})
	if err != nil {
		logrus.WithError(err).Error("spawning subject command")
		return 1
	}
	pid := int32(cmd.Process.Pid)

	pool := intern.NewPool()
	if conf.InternPoolCapacity > 0 {
		pool.SetCapacity(conf.InternPoolCapacity)
	}

	breakpoints, err := parseBreakpoints(conf.Breakpoints)
	if err != nil {
		logrus.WithError(err).Error("parsing breakpoints")
		return 1
	}

	sender, recv := eventchan.New()
	wrapped, tracker, obs := teeTracking(recv)

	var t *tracer.Tracer
	t = tracer.New(tracer.Config{
		Pool:               pool,
		Sender:             sender,
		Breakpoints:        breakpoints,
		SeccompEnabled:     seccompEnabled,
		BaselineEnv:        environMap(),
		ResolveProcSelfExe: conf.ResolveProcSelfExe,
		Shutdown:           resolveShutdown(conf.Shutdown),
		OnBreakPointHit: func(h breakpoint.Hit) {
			logrus.WithFields(logrus.Fields{
				"breakpoint": h.BreakPointID,
				"pid":        h.PID,
				"phase":      h.Stop.String(),
			}).Info("breakpoint hit")
			// No interactive debugger front-end in this binary (spec.md
			// 1's Non-goals exclude the TUI widget tree): resume
			// immediately rather than leaving the tracee parked forever.
			if err := t.Resume(h.PID, 0); err != nil {
				logrus.WithError(err).Warn("resuming after breakpoint")
			}
		},
	})

	runErrCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := t.Attach(pid); err != nil {
			sender.Close()
			runErrCh <- err
			return
		}
		runErrCh <- t.Run(ctx)
	}()

	writeErr := exp.Write(out, wrapped)
	runErr := <-runErrCh

	if runErr != nil {
		logrus.WithError(runErr).Error("tracer run failed")
		return 1
	}
	if writeErr != nil {
		logrus.WithError(writeErr).Error("exporter write failed")
		return 1
	}
	if !tracker.Normal() {
		logrus.Error("event stream ended without a TraceeExit")
		return 1
	}
	exit, ok := obs.get()
	if !ok {
		return 1
	}
	if exit.Signal != nil {
		return 128 + int(*exit.Signal)
	}
	return int(exit.ExitCode)
}
