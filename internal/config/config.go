// Package config loads tracer configuration the way the teacher's
// runsc/config package does: RegisterFlags installs every flag with its
// default and help text on a *flag.FlagSet, NewFromFlags reads them back
// into a Config after parsing, and an optional TOML file (read before
// flags are consulted) supplies alternate defaults for unset flags.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SeccompMode mirrors pkg/seccompfilter.Mode's three states in the
// vocabulary the CLI and TOML file use ("auto"/"on"/"off").
type SeccompMode string

const (
	SeccompAuto SeccompMode = "auto"
	SeccompOn   SeccompMode = "on"
	SeccompOff  SeccompMode = "off"
)

// ShutdownMode selects what a cancelled trace does to its still-running
// tracees (spec.md 5's "Cancellation and timeouts"): the default drains
// current stops and detaches cleanly; the other two change shutdown
// semantics to a signal delivered to the whole subtree.
type ShutdownMode string

const (
	// ShutdownDetach drains current stops and detaches every attached
	// tracee with PTRACE_DETACH, leaving them running.
	ShutdownDetach ShutdownMode = "detach"
	// ShutdownTerminate sends SIGTERM to the traced subtree.
	ShutdownTerminate ShutdownMode = "terminate"
	// ShutdownKill sends SIGKILL to the traced subtree.
	ShutdownKill ShutdownMode = "kill"
)

// configFileEnv names the optional TOML file, in the spirit of the
// teacher's habit of keeping machine-wide defaults out of the CLI
// invocation (runsc reads most of its knobs from flags and OCI
// annotations rather than a config file, but the i-th pattern of "file
// supplies defaults, flags win" is the same one runsc's --allow-flag-
// override models in reverse).
const configFileEnv = "TRACEXEC_CONFIG"

// Config is the fully resolved set of knobs shared by the log and tui
// subcommands.
type Config struct {
	// Format selects an exporter: "json-stream" (default), "json-batch",
	// or "perfetto".
	Format string
	// Output is a file path, or "-" for stdout.
	Output string
	// Seccomp selects the L5 acceleration mode.
	Seccomp SeccompMode
	// Breakpoints is a list of breakpoint.FromText-parseable strings.
	Breakpoints []string
	// ResolveProcSelfExe controls whether an exec of /proc/self/exe is
	// reported under its readlink()'d target (spec.md 8, S2).
	ResolveProcSelfExe bool
	// InternPoolCapacity bounds the L1 interner; 0 means unbounded.
	InternPoolCapacity int
	// PerfettoLRUCapacity bounds the Perfetto exporter's dynamic string
	// table; 0 means unbounded.
	PerfettoLRUCapacity int
	// Verbose additionally mirrors log output to stderr.
	Verbose bool
	// StdioNullify redirects the subject command's stdio to /dev/null
	// (spec.md 6's tracee-launching boundary), used for commands whose
	// terminal output would otherwise interleave with the event stream.
	StdioNullify bool
	// Shutdown selects what a cancelled run does to still-running tracees
	// (spec.md 5): "detach" (default), "terminate", or "kill".
	Shutdown ShutdownMode
}

// fileDefaults is the subset of Config a TOML file may override before
// flag defaults are registered.
type fileDefaults struct {
	Format              string   `toml:"format"`
	Output              string   `toml:"output"`
	Seccomp             string   `toml:"seccomp"`
	Breakpoints         []string `toml:"breakpoints"`
	ResolveProcSelfExe  bool     `toml:"resolve_proc_self_exe"`
	InternPoolCapacity  int      `toml:"intern_pool_capacity"`
	PerfettoLRUCapacity int      `toml:"perfetto_lru_capacity"`
	Verbose             bool     `toml:"verbose"`
	Shutdown            string   `toml:"shutdown"`
}

func loadFileDefaults() (fileDefaults, error) {
	d := fileDefaults{
		Format:   "json-stream",
		Output:   "-",
		Seccomp:  string(SeccompAuto),
		Shutdown: string(ShutdownDetach),
	}
	path := os.Getenv(configFileEnv)
	if path == "" {
		return d, nil
	}
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return d, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return d, nil
}

// RegisterFlags installs every Config flag on fs, with defaults drawn from
// an optional TOML file (TRACEXEC_CONFIG) so that flags always win over
// the file and the file always wins over the hardcoded default.
func RegisterFlags(fs *flag.FlagSet) error {
	d, err := loadFileDefaults()
	if err != nil {
		return err
	}
	fs.String("format", d.Format, `exporter: "json-stream", "json-batch", or "perfetto"`)
	fs.String("output", d.Output, `output path, or "-" for stdout`)
	fs.String("seccomp", d.Seccomp, `seccomp acceleration: "auto", "on", or "off"`)
	fs.Bool("resolve-proc-self-exe", d.ResolveProcSelfExe, "report an exec of /proc/self/exe under its readlink()'d target")
	fs.Int("intern-pool-capacity", d.InternPoolCapacity, "bound the string interner to this many entries (0 = unbounded)")
	fs.Int("perfetto-lru-capacity", d.PerfettoLRUCapacity, "bound the perfetto exporter's dynamic string table (0 = unbounded)")
	fs.Bool("verbose", d.Verbose, "also mirror log output to stderr")
	fs.Bool("stdio-nullify", false, "redirect the subject command's stdio to /dev/null")
	fs.String("shutdown", d.Shutdown, `cancellation behavior for still-running tracees: "detach", "terminate", or "kill"`)
	breakpointFlags = append([]string(nil), d.Breakpoints...)
	fs.Var((*breakpointList)(&breakpointFlags), "breakpoint", "breakpoint in text form (sysenter:in-filename:... etc); repeatable")
	return nil
}

// breakpointFlags accumulates -breakpoint occurrences; flag.Var requires a
// package-level slot since FlagSet.Var doesn't return the parsed value.
var breakpointFlags []string

type breakpointList []string

func (b *breakpointList) String() string {
	if b == nil {
		return ""
	}
	return fmt.Sprint([]string(*b))
}

func (b *breakpointList) Set(v string) error {
	*b = append(*b, v)
	return nil
}

// NewFromFlags reads back a Config from fs after fs.Parse has run.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	lookup := func(name string) string {
		f := fs.Lookup(name)
		if f == nil {
			return ""
		}
		return f.Value.String()
	}
	seccomp := SeccompMode(lookup("seccomp"))
	switch seccomp {
	case SeccompAuto, SeccompOn, SeccompOff:
	default:
		return nil, fmt.Errorf("config: invalid -seccomp %q", seccomp)
	}

	shutdown := ShutdownMode(lookup("shutdown"))
	switch shutdown {
	case ShutdownDetach, ShutdownTerminate, ShutdownKill:
	default:
		return nil, fmt.Errorf("config: invalid -shutdown %q", shutdown)
	}

	internCap, err := intFlag(fs, "intern-pool-capacity")
	if err != nil {
		return nil, err
	}
	perfettoCap, err := intFlag(fs, "perfetto-lru-capacity")
	if err != nil {
		return nil, err
	}

	return &Config{
		Format:              lookup("format"),
		Output:              lookup("output"),
		Seccomp:             seccomp,
		Breakpoints:         append([]string(nil), breakpointFlags...),
		ResolveProcSelfExe:  boolFlag(fs, "resolve-proc-self-exe"),
		InternPoolCapacity:  internCap,
		PerfettoLRUCapacity: perfettoCap,
		Verbose:             boolFlag(fs, "verbose"),
		StdioNullify:        boolFlag(fs, "stdio-nullify"),
		Shutdown:            shutdown,
	}, nil
}

func intFlag(fs *flag.FlagSet, name string) (int, error) {
	f := fs.Lookup(name)
	if f == nil {
		return 0, nil
	}
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return 0, fmt.Errorf("config: flag %q is not an int flag", name)
	}
	v, ok := getter.Get().(int)
	if !ok {
		return 0, fmt.Errorf("config: flag %q did not yield an int", name)
	}
	return v, nil
}

func boolFlag(fs *flag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	if f == nil {
		return false
	}
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return false
	}
	v, _ := getter.Get().(bool)
	return v
}
