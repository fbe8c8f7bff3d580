package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/containerd/console"
	"github.com/google/subcommands"

	"github.com/tracexecgo/tracexec/internal/config"
	"github.com/tracexecgo/tracexec/internal/logsetup"
	jsonexp "github.com/tracexecgo/tracexec/pkg/export/json"
	"github.com/tracexecgo/tracexec/pkg/export/perfetto"
)

// logCommand implements "tracexec log -- <command> [args...]": trace the
// subject command non-interactively, writing its event stream to -output
// in -format.
type logCommand struct{}

func (logCommand) Name() string     { return "log" }
func (logCommand) Synopsis() string { return "trace a command, writing its exec events to a file or stdout" }
func (logCommand) Usage() string {
	return "log [flags] -- <command> [args...]\n"
}

func (logCommand) SetFlags(fs *flag.FlagSet) {
	if err := config.RegisterFlags(fs); err != nil {
		fmt.Fprintf(os.Stderr, "log: registering flags: %v\n", err)
	}
}

func (logCommand) Execute(ctx context.Context, fs *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "log: no subject command given (usage: tracexec log [flags] -- <command> [args...])")
		return subcommands.ExitUsageError
	}

	conf, err := config.NewFromFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return subcommands.ExitUsageError
	}

	logFile, err := logsetup.Init(logsetup.Options{AlsoStderr: conf.Verbose})
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return subcommands.ExitFailure
	}
	defer logFile.Close()

	out, closeOut, err := openOutput(conf.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeOut()

	exp, err := buildExporter(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return subcommands.ExitUsageError
	}

	var code int
	if conf.StdioNullify {
		code = withRawConsole(func() int { return runTrace(ctx, conf, argv, exp, out) })
	} else {
		code = runTrace(ctx, conf, argv, exp, out)
	}
	if len(args) > 0 {
		if dst, ok := args[0].(*int); ok {
			*dst = code
		}
	}
	return subcommands.ExitSuccess
}

// openOutput resolves -output into a writer, and a closer the caller must
// defer. "-" means stdout, which is never closed.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output %q: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

// withRawConsole puts tracexec's own controlling terminal into raw mode
// for the duration of fn, when stdout is in fact a terminal. With
// -stdio-nullify the subject command's stdio is redirected to /dev/null,
// leaving tracexec's own terminal as the only stdio in play; raw mode
// avoids that terminal double-echoing or line-buffering the event stream
// tracexec writes to it. Mirrors the teacher's general discipline of
// always restoring console state on the way out (runsc/boot's console FD
// handling), adapted from container stdio to tracexec's own stdio.
func withRawConsole(fn func() int) int {
	c, err := console.ConsoleFromFile(os.Stdout)
	if err != nil {
		// Not a terminal (redirected to a file/pipe); nothing to do.
		return fn()
	}
	if err := c.SetRaw(); err != nil {
		return fn()
	}
	defer c.Reset()
	return fn()
}

func buildExporter(conf *config.Config) (exporter, error) {
	switch conf.Format {
	case "json-stream", "":
		return jsonexp.StreamExporter{Meta: jsonexp.MetaData{Version: "1", Generator: "tracexec"}}, nil
	case "json-batch":
		return jsonexp.BatchExporter{Meta: jsonexp.MetaData{Version: "1", Generator: "tracexec"}}, nil
	case "perfetto":
		return perfetto.Exporter{LRUCapacity: conf.PerfettoLRUCapacity}, nil
	default:
		return nil, fmt.Errorf("unknown -format %q", conf.Format)
	}
}
