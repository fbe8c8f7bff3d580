package tracer

import (
	"os"
	"testing"

	"github.com/tracexecgo/tracexec/pkg/intern"
)

func newTestTracer() *Tracer {
	return &Tracer{cfg: Config{Pool: intern.NewPool()}}
}

func TestDiffEnvAddedRemovedModified(t *testing.T) {
	tr := newTestTracer()
	baseline := map[string]string{"PATH": "/usr/bin", "HOME": "/root"}
	cur := map[string]string{"PATH": "/usr/local/bin", "SHLVL": "1"}

	diff := diffEnv(baseline, cur, tr)

	if len(diff.Removed) != 1 || diff.Removed[0].Key.AsRef() != "HOME" {
		t.Fatalf("expected HOME removed, got %+v", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0].Key.AsRef() != "SHLVL" {
		t.Fatalf("expected SHLVL added, got %+v", diff.Added)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].Key.AsRef() != "PATH" {
		t.Fatalf("expected PATH modified, got %+v", diff.Modified)
	}
	if diff.Modified[0].NewValue.AsRef() != "/usr/local/bin" {
		t.Fatalf("unexpected new PATH value: %q", diff.Modified[0].NewValue.AsRef())
	}
}

func TestDiffEnvNoChanges(t *testing.T) {
	tr := newTestTracer()
	env := map[string]string{"A": "1", "B": "2"}
	diff := diffEnv(env, env, tr)
	if len(diff.Added)+len(diff.Removed)+len(diff.Modified) != 0 {
		t.Fatalf("expected no diff entries, got %+v", diff)
	}
}

func TestReadCommOfSelf(t *testing.T) {
	// /proc/self is always readable, so this exercises readComm's real
	// /proc/<pid>/comm path (spec.md 4.7) without needing a live tracee.
	got := readComm(int32(os.Getpid()))
	if got == "" {
		t.Fatalf("expected a non-empty comm for our own pid")
	}
}

func TestReadCommUnknownPID(t *testing.T) {
	// PID 0 never names a real process's /proc entry.
	if got := readComm(0); got != "" {
		t.Fatalf("readComm(0) = %q, want empty", got)
	}
}

func TestNextEventIDMonotonic(t *testing.T) {
	tr := newTestTracer()
	first := tr.nextEventID()
	second := tr.nextEventID()
	if !(second > first) {
		t.Fatalf("expected monotonically increasing ids, got %v then %v", first, second)
	}
}

func TestResumeRejectsUnparkedPID(t *testing.T) {
	tr := newTestTracer()
	tr.procs = map[int32]*ProcessState{42: {PID: 42, State: Running}}
	if err := tr.Resume(42, 0); err == nil {
		t.Fatalf("expected error resuming a pid with no parked guard")
	}
	if err := tr.Resume(999, 0); err == nil {
		t.Fatalf("expected error resuming an untracked pid")
	}
}
