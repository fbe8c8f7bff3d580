// Package event defines the backend-neutral event model shared by the
// ptrace tracer and the eBPF assembler: typed events, monotonic
// identifiers, the success/partial/error output envelope, env diffs, and
// fd-info snapshots. It is purely algebraic — no I/O, no syscalls — so both
// backends and every exporter can depend on it without pulling in ptrace or
// cilium/ebpf.
package event

import (
	"time"

	"github.com/tracexecgo/tracexec/pkg/intern"
)

// ID is a monotonically increasing identifier assigned in commit order,
// i.e. the order in which events are published, not the order in which they
// were observed at the kernel (the eBPF backend may observe events
// out of order across CPUs; IDs are minted only at publish time). Zero is
// the "no prior event" sentinel.
type ID uint64

// Add returns id+n.
func (id ID) Add(n uint64) ID { return ID(uint64(id) + n) }

// SatSub returns id-n, saturating at zero rather than wrapping.
func (id ID) SatSub(n uint64) ID {
	if uint64(id) < n {
		return 0
	}
	return ID(uint64(id) - n)
}

// Valid reports whether id is not the zero sentinel.
func (id ID) Valid() bool { return id != 0 }

// Kind discriminates the three OutputMsg states.
type Kind int

const (
	// KindOk means inspection fully succeeded.
	KindOk Kind = iota
	// KindPartialOk means the whole was assembled but at least one piece
	// was unreadable.
	KindPartialOk
	// KindErr means inspection failed entirely.
	KindErr
)

// FriendlyError records why an inspection failed, in a form exporters can
// render without knowing about ptrace or eBPF internals.
type FriendlyError struct {
	// Errno is the raw errno that caused the failure, when known (e.g.
	// EFAULT, ESRCH). Zero if not applicable.
	Errno int
	// Kind is a short machine-stable classification ("unreadable-memory",
	// "dropped", "truncated", ...).
	Kind string
	// Message is a human-readable description.
	Message string
}

func (e *FriendlyError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// OutputMsg is the tagged union described in spec.md 3: a successfully
// inspected interned string, a partially-assembled one, or an inspection
// failure.
type OutputMsg struct {
	kind Kind
	ok   intern.Handle
	err  *FriendlyError
}

// Ok constructs a fully successful OutputMsg.
func Ok(h intern.Handle) OutputMsg { return OutputMsg{kind: KindOk, ok: h} }

// PartialOk constructs an OutputMsg for a value that was assembled but
// tainted by at least one unreadable piece.
func PartialOk(h intern.Handle) OutputMsg { return OutputMsg{kind: KindPartialOk, ok: h} }

// Err constructs a failed OutputMsg.
func Err(e *FriendlyError) OutputMsg { return OutputMsg{kind: KindErr, err: e} }

// Kind returns which of the three states this OutputMsg holds.
func (m OutputMsg) Kind() Kind { return m.kind }

// AsRef returns the best-effort text for m: the interned value for Ok and
// PartialOk, or the error message for Err.
func (m OutputMsg) AsRef() string {
	switch m.kind {
	case KindOk, KindPartialOk:
		return m.ok.String()
	default:
		return m.err.Error()
	}
}

// NotOk distinguishes full success (false) from PartialOk or Err (true).
func (m OutputMsg) NotOk() bool { return m.kind != KindOk }

// Handle returns the interned value and true, for Ok/PartialOk messages.
func (m OutputMsg) Handle() (intern.Handle, bool) {
	if m.kind == KindErr {
		return intern.Handle{}, false
	}
	return m.ok, true
}

// FriendlyError returns the underlying error for Err messages, else nil.
func (m OutputMsg) FriendlyError() *FriendlyError {
	if m.kind != KindErr {
		return nil
	}
	return m.err
}

// Equal implements content equality: Ok messages compare by interned
// identity when both came from the same pool (cheap), falling back to
// content otherwise; Err messages compare by message text.
func (m OutputMsg) Equal(o OutputMsg) bool {
	if m.kind != o.kind {
		return false
	}
	switch m.kind {
	case KindErr:
		return m.err.Error() == o.err.Error()
	default:
		return m.ok.Equal(o.ok)
	}
}

// Path is a filesystem path reconstructed by walking dentries from leaf to
// root (hence "reverse-walk order"): Segments[0] is the leaf name,
// Segments[len-1] is closest to the root.
type Path struct {
	IsAbsolute bool
	// Segments are stored in reverse-walk (leaf-to-root) order, as
	// produced by the kernel-side dentry walk; Flatten reverses them.
	Segments []OutputMsg
}

// Flatten assembles the canonical forward string: a leading "/" when
// absolute, then segments joined by "/" in root-to-leaf order. Any
// segment's taint propagates: a single Err segment makes the whole result
// Err, otherwise a single PartialOk segment makes it PartialOk, else Ok.
func (p Path) Flatten(pool *intern.Pool) OutputMsg {
	var b []byte
	if p.IsAbsolute {
		b = append(b, '/')
	}
	tainted := false
	failed := false
	for i := len(p.Segments) - 1; i >= 0; i-- {
		seg := p.Segments[i]
		switch seg.Kind() {
		case KindErr:
			failed = true
		case KindPartialOk:
			tainted = true
		}
		h, ok := seg.Handle()
		if ok {
			b = append(b, h.Bytes()...)
		}
		if i != 0 {
			b = append(b, '/')
		}
	}
	switch {
	case failed:
		return Err(&FriendlyError{Kind: "path-segment-unreadable", Message: "one or more path segments could not be read"})
	case tainted:
		return PartialOk(pool.InternOwned(b))
	default:
		return Ok(pool.InternOwned(b))
	}
}

// EnvPair is one key=value entry, interned.
type EnvPair struct {
	Key   OutputMsg
	Value OutputMsg
}

// EnvPairChange records an environment variable whose value differs from
// the baseline.
type EnvPairChange struct {
	Key      OutputMsg
	OldValue OutputMsg
	NewValue OutputMsg
}

// EnvDiff is computed against the baseline environment captured at tracer
// start. Ordering is preserved via slices (an "ordered map") rather than
// Go's unordered map type, since export order must be deterministic.
type EnvDiff struct {
	Added    []EnvPair
	Removed  []EnvPair
	Modified []EnvPairChange
}

// FDInfo describes one open file descriptor at the moment of exec.
type FDInfo struct {
	FD      int32
	Path    OutputMsg
	Pos     int64
	Flags   int32
	MountID int32
	Inode   uint64
	Extra   string
}

// FileDescriptorInfoCollection is a diffable fd -> info mapping, ordered by
// fd for deterministic export.
type FileDescriptorInfoCollection struct {
	Entries []FDInfo
}

// Diff returns the entries present in cur but not in baseline (by fd),
// fds closed since baseline, and fds whose Path/Flags changed.
func (cur FileDescriptorInfoCollection) Diff(baseline FileDescriptorInfoCollection) (added, removed, changed []FDInfo) {
	base := make(map[int32]FDInfo, len(baseline.Entries))
	for _, e := range baseline.Entries {
		base[e.FD] = e
	}
	seen := make(map[int32]bool, len(cur.Entries))
	for _, e := range cur.Entries {
		seen[e.FD] = true
		if b, ok := base[e.FD]; !ok {
			added = append(added, e)
		} else if !b.Path.Equal(e.Path) || b.Flags != e.Flags {
			changed = append(changed, e)
		}
	}
	for _, e := range baseline.Entries {
		if !seen[e.FD] {
			removed = append(removed, e)
		}
	}
	return added, removed, changed
}

// Cred is the credential set captured at exec time.
type Cred struct {
	UID, EUID, SUID, FSUID int64
	GID, EGID, SGID, FSGID int64
	// Supplementary holds the supplementary group list. A failure to read
	// it (e.g. /proc race on exit) degrades the whole Cred to an error at
	// the ExecEvent level rather than silently omitting groups.
	Supplementary []int64
}

// Interpreter describes one level of a shebang/ELF-interpreter chain
// (e.g. "#!/bin/sh" under a shell script, or the ELF PT_INTERP of a
// dynamically linked binary).
type Interpreter struct {
	Path OutputMsg
	Args []OutputMsg
}

// ParentEventID identifies the exec event this one links to, tagged with
// whether it is the same process re-execing (Become) or a forked child's
// first exec (Spawn).
type ParentEventID = ParentEvent[ID]

// ParentEvent is Become(T) | Spawn(T): the classification of how a process
// came to exist, parameterized over the payload carried alongside (usually
// an event ID, sometimes richer context in tests).
type ParentEvent[T any] struct {
	isBecome bool
	isSet    bool
	value    T
}

// Become marks T as "the current process (same PID) previously executed
// and is now re-execing".
func Become[T any](v T) ParentEvent[T] { return ParentEvent[T]{isBecome: true, isSet: true, value: v} }

// Spawn marks T as "this process was forked from some parent whose last
// exec is v".
func Spawn[T any](v T) ParentEvent[T] { return ParentEvent[T]{isBecome: false, isSet: true, value: v} }

// IsSet reports whether this ParentEvent carries a value at all (an exec
// with no prior exec anywhere in its lineage carries none).
func (p ParentEvent[T]) IsSet() bool { return p.isSet }

// IsBecome reports whether this is a Become link; only meaningful if
// IsSet().
func (p ParentEvent[T]) IsBecome() bool { return p.isSet && p.isBecome }

// IsSpawn reports whether this is a Spawn link; only meaningful if
// IsSet().
func (p ParentEvent[T]) IsSpawn() bool { return p.isSet && !p.isBecome }

// Value returns the carried payload and whether one was set.
func (p ParentEvent[T]) Value() (T, bool) { return p.value, p.isSet }

// ExecEvent is the complete record of one exec attempt, per spec.md 3.
type ExecEvent struct {
	PID            int32
	Cwd            OutputMsg
	CommBeforeExec intern.Handle
	Filename       OutputMsg

	// Argv and FDInfo are held by shared-ownership handles (pointers) so
	// exporters fanning out over L11 don't each clone a potentially large
	// vector.
	Argv   *ArgvResult
	EnvDiff *EnvDiffResult
	FDInfo  *FileDescriptorInfoCollection
	Cred    *CredResult

	Interpreter []Interpreter
	// Result is 0 for success, negative errno for failure.
	Result    int64
	Timestamp time.Time
	// Parent is unset iff no prior exec exists anywhere in this process's
	// lineage (neither its own history nor its fork ancestor's).
	Parent ParentEventID
}

// ArgvResult is argv inspection: either the full argument vector or why it
// could not be read (e.g. a NULL argv pointer yields EFAULT per spec.md
// 4.7, even though the exec itself may still succeed).
type ArgvResult struct {
	Argv []OutputMsg
	Err  *FriendlyError
}

// Ok reports whether argv was fully read.
func (a *ArgvResult) Ok() bool { return a != nil && a.Err == nil }

// EnvDiffResult is env inspection: either a computed diff or a failure
// (e.g. corrupted envp pointer).
type EnvDiffResult struct {
	Diff EnvDiff
	Err  *FriendlyError
}

// Ok reports whether the env diff was fully computed.
func (e *EnvDiffResult) Ok() bool { return e != nil && e.Err == nil }

// CredResult is credential inspection: either a full Cred or a failure
// (e.g. unreadable supplementary groups degrades the whole Cred to Err per
// spec.md 3).
type CredResult struct {
	Cred Cred
	Err  *FriendlyError
}

// Ok reports whether credentials were fully read.
func (c *CredResult) Ok() bool { return c != nil && c.Err == nil }

// TracerEventDetails is the closed set of things a TracerEvent can carry.
type TracerEventDetails interface{ isTracerEventDetails() }

// Info is an informational log-level event, surfaced to exporters/UI as a
// plain message.
type Info struct{ Message string }

func (Info) isTracerEventDetails() {}

// Warning is a recoverable problem worth surfacing but not fatal.
type Warning struct{ Message string }

func (Warning) isTracerEventDetails() {}

// Error is a non-fatal error worth surfacing (distinct from
// TracerMessage.FatalError, which terminates the stream).
type Error struct{ Message string }

func (Error) isTracerEventDetails() {}

// NewChild is emitted when a fork/clone/vfork child is first observed.
type NewChild struct {
	PPID  int32
	PComm intern.Handle
	PID   int32
}

func (NewChild) isTracerEventDetails() {}

// Exec wraps a completed ExecEvent.
type Exec struct{ Event ExecEvent }

func (Exec) isTracerEventDetails() {}

// TraceeSpawn is emitted once, for the root tracee, when it is first
// launched (before any exec is observed).
type TraceeSpawn struct{ PID int32 }

func (TraceeSpawn) isTracerEventDetails() {}

// TraceeExit is emitted for the root tracee's final exit.
type TraceeExit struct {
	Signal   *int32
	ExitCode int32
}

func (TraceeExit) isTracerEventDetails() {}

// TracerEvent pairs a monotonic ID with its details.
type TracerEvent struct {
	ID      ID
	Details TracerEventDetails
}

// TracerMessage is the sum type published on the event channel (L11).
type TracerMessage interface{ isTracerMessage() }

// MsgEvent wraps a normal TracerEvent.
type MsgEvent struct{ Event TracerEvent }

func (MsgEvent) isTracerMessage() {}

// MsgFatalError terminates the stream; the consumer should treat this as
// exit code 1 per spec.md 6/7.
type MsgFatalError struct{ Err error }

func (MsgFatalError) isTracerMessage() {}

// MsgStateUpdate carries backend-internal state changes that don't
// constitute a user-visible event (e.g. seccomp filter install result).
type MsgStateUpdate struct{ Description string }

func (MsgStateUpdate) isTracerMessage() {}
