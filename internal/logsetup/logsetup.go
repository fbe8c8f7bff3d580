// Package logsetup initializes logrus the way the teacher's runsc/cli
// initializes pkg/log: always write to a file (never rely on stderr alone,
// since stderr is reserved for the traced subject command's own output),
// with the level controlled by an env var and a generic fallback parser
// for the original tool's RUST_LOG-style variable (spec.md 6).
package logsetup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// dataDirEnv overrides the directory holding tracexec.log (spec.md 6).
const dataDirEnv = "TRACEXEC_DATA"

// levelEnv is checked first; rustLogEnv is the RUST_LOG-style fallback.
const (
	levelEnv   = "TRACEXEC_LOGLEVEL"
	rustLogEnv = "TRACEXEC_LOG"
)

// Options configures Init.
type Options struct {
	// AlsoStderr additionally attaches a stderr hook, for interactive use
	// where clobbering the subject command's stderr isn't a concern (the
	// log subcommand's non-default verbose mode).
	AlsoStderr bool
}

// Init configures the package-level logrus logger and returns the opened
// log file so the caller can close it on exit. The file always receives
// structured (JSON) output; a human-readable text formatter is used for
// the optional stderr hook.
func Init(opts Options) (*os.File, error) {
	dir := os.Getenv(dataDirEnv)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsetup: create data dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "tracexec.log")

	// Multiple tracexec invocations can share one data directory (spec.md
	// 6's "persisted state: none besides the log file" is per-directory,
	// not per-process); an advisory lock serializes the open/append
	// sequence so concurrent runs never race on file creation.
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("logsetup: lock %q: %w", lock.Path(), err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsetup: open log file %q: %w", path, err)
	}

	logrus.SetOutput(f)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(level())

	if opts.AlsoStderr {
		logrus.AddHook(&writerHook{writer: os.Stderr, formatter: &logrus.TextFormatter{}})
	}
	if journal.Enabled() {
		logrus.AddHook(&journalHook{})
	}

	return f, nil
}

// level resolves TRACEXEC_LOGLEVEL first (logrus level names), falling
// back to a RUST_LOG-style parse of TRACEXEC_LOG ("debug",
// "tracexec=trace", "warn,tracexec::tracer=debug" — only the first,
// unscoped directive is honored, since this package has one logger, not
// per-module ones).
func level() logrus.Level {
	if raw := os.Getenv(levelEnv); raw != "" {
		if lvl, err := logrus.ParseLevel(raw); err == nil {
			return lvl
		}
	}
	if raw := os.Getenv(rustLogEnv); raw != "" {
		if lvl, ok := parseRustLogStyle(raw); ok {
			return lvl
		}
	}
	return logrus.InfoLevel
}

// parseRustLogStyle extracts a level from a comma-separated list of
// directives, each either "<level>" or "<target>=<level>", taking the
// first directive's level and ignoring its target (this package has no
// per-target loggers to scope to).
func parseRustLogStyle(raw string) (logrus.Level, bool) {
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	if eq := strings.IndexByte(first, '='); eq >= 0 {
		first = first[eq+1:]
	}
	switch strings.ToLower(first) {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	default:
		return 0, false
	}
}

// writerHook mirrors the teacher's log.MultiEmitter: a second sink that
// receives every entry logged to the primary output.
type writerHook struct {
	writer    *os.File
	formatter logrus.Formatter
}

func (h *writerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// journalHook mirrors every entry to the systemd journal when tracexec is
// itself running under systemd (journal.Enabled()), so `journalctl -u
// <unit>` shows tracer diagnostics without needing TRACEXEC_DATA's file.
type journalHook struct{}

func (h *journalHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *journalHook) Fire(e *logrus.Entry) error {
	vars := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		vars[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return journal.Send(e.Message, journalPriority(e.Level), vars)
}

// journalPriority maps a logrus level onto the syslog priority journal.Send
// expects.
func journalPriority(lvl logrus.Level) journal.Priority {
	switch lvl {
	case logrus.PanicLevel, logrus.FatalLevel:
		return journal.PriEmerg
	case logrus.ErrorLevel:
		return journal.PriErr
	case logrus.WarnLevel:
		return journal.PriWarning
	case logrus.InfoLevel:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}
