// Binary tracexec drives the L7 ptrace tracer (or, when built with eBPF
// support, the L8/L9 backend) over a subject command and streams exec
// events to one of the exporters in pkg/export.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&logCommand{}, "")
	subcommands.Register(&tuiCommand{}, "")

	// Internal commands, spawned only via self re-exec — mirrors the
	// teacher's "internal use only" group for runsc boot/gofer.
	const internalGroup = "internal use only"
	subcommands.Register(&traceeInitCommand{}, internalGroup)

	flag.Parse()

	// Mirrors the teacher's runsc/cli.Main: the subcommand's own
	// ExitStatus only distinguishes usage/flag errors from a completed
	// run; the run's actual process exit code (the root tracee's, per
	// spec.md 6) is threaded back through an extra Execute argument
	// rather than through ExitStatus, which can't carry arbitrary codes.
	// A SIGINT/SIGTERM delivered to tracexec itself cancels the run's
	// context (spec.md 5's cancellation path) rather than killing tracexec
	// out from under its tracees, which -shutdown then governs.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var exitCode int
	status := subcommands.Execute(ctx, &exitCode)
	if status != subcommands.ExitSuccess {
		os.Exit(int(status))
	}
	os.Exit(exitCode)
}
