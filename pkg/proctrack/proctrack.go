// Package proctrack implements the per-backend process tracker (spec.md
// 4.10): for every PID currently known to the tracer, it holds the set of
// event IDs associated with that PID and its lineage.Tracker.
package proctrack

import (
	"fmt"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/lineage"
)

// Entry is one process's tracked state.
type Entry struct {
	PID             int32
	AssociatedEvents []event.ID
	Lineage         lineage.Tracker
}

// Tracker maps pid -> Entry. It is owned by a single tracer goroutine and
// must never be shared for concurrent mutation (spec.md 5): the ptrace
// tracer owns one instance on its dedicated thread, and the eBPF assembler
// owns a separate instance on its ring-buffer-drain thread.
type Tracker struct {
	byPID map[int32]*Entry
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{byPID: make(map[int32]*Entry)}
}

// Add registers pid as newly tracked. It panics if pid is already present:
// under ptrace, a double-add is an invariant violation (the kernel can't
// hand us the same PID twice without an intervening exit), so per spec.md
// 7 this is an assertion, not tolerated error handling.
func (t *Tracker) Add(pid int32) *Entry {
	if _, ok := t.byPID[pid]; ok {
		panic(fmt.Sprintf("proctrack: pid %d added twice", pid))
	}
	e := &Entry{PID: pid}
	t.byPID[pid] = e
	return e
}

// Get returns the entry for pid, if tracked.
func (t *Tracker) Get(pid int32) (*Entry, bool) {
	e, ok := t.byPID[pid]
	return e, ok
}

// MaybeRemove removes pid if present and is a no-op otherwise. It is
// idempotent: calling it any number of extra times after a process has
// exited has no further effect. Tolerant removal is required on the eBPF
// path, where exit races and ring-buffer loss can mean an entry was never
// created.
func (t *Tracker) MaybeRemove(pid int32) {
	delete(t.byPID, pid)
}

// ForceAssociate associates eventID with pid, creating a default entry if
// pid is not yet tracked. Needed under eBPF loss, where a fork record can
// be dropped or arrive after the child's own exec record (spec.md 4.9).
func (t *Tracker) ForceAssociate(pid int32, id event.ID) *Entry {
	e, ok := t.byPID[pid]
	if !ok {
		e = &Entry{PID: pid}
		t.byPID[pid] = e
	}
	e.AssociatedEvents = append(e.AssociatedEvents, id)
	return e
}

// AssociateEvents associates eventID with an already-tracked pid. It
// panics if pid is not tracked, since under ptrace a process must be added
// (on fork observation) before any event can be attributed to it; use
// ForceAssociate on the lossy eBPF path instead.
func (t *Tracker) AssociateEvents(pid int32, id event.ID) {
	e, ok := t.byPID[pid]
	if !ok {
		panic(fmt.Sprintf("proctrack: associate on untracked pid %d", pid))
	}
	e.AssociatedEvents = append(e.AssociatedEvents, id)
}

// ParentDisjointMut returns independent mutable pointers to the entries for
// p1 and p2 in one call, so that copying parent lineage into a freshly
// forked child (spec.md 4.3's SaveParentLastExec) never needs to clone
// either side. p1 and p2 must be distinct keys; passing the same pid twice
// panics, since Go would otherwise alias the two returned pointers in a way
// that silently corrupts whichever write happens second.
func (t *Tracker) ParentDisjointMut(p1, p2 int32) (*Entry, *Entry) {
	if p1 == p2 {
		panic("proctrack: ParentDisjointMut called with identical pids")
	}
	e1, ok1 := t.byPID[p1]
	if !ok1 {
		panic(fmt.Sprintf("proctrack: unknown pid %d", p1))
	}
	e2, ok2 := t.byPID[p2]
	if !ok2 {
		panic(fmt.Sprintf("proctrack: unknown pid %d", p2))
	}
	return e1, e2
}

// Len returns the number of currently tracked processes, for tests and
// diagnostics.
func (t *Tracker) Len() int { return len(t.byPID) }
