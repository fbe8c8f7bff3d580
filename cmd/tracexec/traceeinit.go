package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/pkg/seccompfilter"
)

// traceeInitCommand is the re-exec subcommand (spawn.go invokes
// "<self> tracee-init --seccomp=on|off -- <subject argv>"). It is never meant to be typed
// by a user; it exists purely as the spawn-token boundary's child-side
// half, the same role runsc's internal "boot"/"gofer" subcommands play
// for self re-exec (runsc/cli/main.go's internalGroup).
type traceeInitCommand struct {
	seccomp string
}

func (traceeInitCommand) Name() string { return "tracee-init" }

func (traceeInitCommand) Synopsis() string {
	return "internal: PTRACE_TRACEME, raise SIGSTOP, then exec the subject command"
}

func (traceeInitCommand) Usage() string {
	return "tracee-init -- <command> [args...]\n"
}

func (c *traceeInitCommand) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.seccomp, "seccomp", "off", `"on" to install the L5 BPF trace filter before exec`)
}

// Execute implements the tracee half of the spawn-token protocol
// (spec.md 6): PTRACE_TRACEME so the parent can seize us with
// ImportTracemeChild, then a self-raised SIGSTOP so the parent observes a
// clean, fork-unrelated stop before any subject-command code runs, then
// execve the real subject command. None of this returns on success.
func (c *traceeInitCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "tracee-init: no subject command given")
		return subcommands.ExitUsageError
	}

	if err := unix.PtraceTraceme(); err != nil {
		fmt.Fprintf(os.Stderr, "tracee-init: PTRACE_TRACEME: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		fmt.Fprintf(os.Stderr, "tracee-init: raise SIGSTOP: %v\n", err)
		return subcommands.ExitFailure
	}

	// Resumed by the tracer past this point. Install the seccomp
	// trace-list filter, if requested, before the exec it's meant to
	// catch. A failure here is not fatal: the tracer's presyscall-toggle
	// fallback (pkg/tracer) handles plain syscall-enter/exit stops just
	// as well when no PTRACE_EVENT_SECCOMP stop ever arrives.
	if c.seccomp == "on" {
		if arch, err := seccompfilter.NativeAuditArch(); err == nil {
			if filter, err := seccompfilter.NewExecTraceProgram(arch).Build(); err == nil {
				if err := seccompfilter.Load(filter); err != nil {
					fmt.Fprintf(os.Stderr, "tracee-init: seccomp filter load failed, continuing unfiltered: %v\n", err)
				}
			}
		}
	}

	path, err := resolvePath(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracee-init: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "tracee-init: exec %v: %v\n", argv, err)
		return subcommands.ExitFailure
	}
	panic("unreachable: syscall.Exec only returns on error")
}
