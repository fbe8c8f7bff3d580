// Package lineage implements the per-PID parent-lineage tracker (spec.md
// 4.3): it classifies each exec, successful or not, as either a re-exec of the same
// process ("Become") or the first exec of a newly forked child ("Spawn"),
// and it is the sole place event-to-event lineage is decided.
package lineage

import "github.com/tracexecgo/tracexec/pkg/event"

// Tracker holds one process's exec lineage state. The zero value is a
// valid, empty tracker (suitable for the very first process in a trace,
// which has no parent).
type Tracker struct {
	// parentLastExec is copied from the parent at fork time and never
	// mutated afterward (spec.md 3, invariant on ParentTracker).
	parentLastExec event.ParentEventID
	// lastSuccessfulExec is updated on each successful exec.
	lastSuccessfulExec event.ID
	hasSuccessfulExec  bool
}

// UpdateLastExec records that exec id occurred (successful or not) and
// returns the parent link this exec should carry, per spec.md 4.3:
//
//   - if a successful exec already happened on this tracker, return
//     Become(previous last successful exec);
//   - otherwise return Spawn(parentLastExec) if the fork-time snapshot
//     carried a value, else an unset ParentEvent (no lineage at all).
//
// Only on success (ok == true) does this call update
// lastSuccessfulExec — an unsuccessful exec still reports a parent link
// (invariant 3 in spec.md 3) but never becomes the new "last successful
// exec".
func (t *Tracker) UpdateLastExec(id event.ID, ok bool) event.ParentEventID {
	var link event.ParentEventID
	if t.hasSuccessfulExec {
		link = event.Become(t.lastSuccessfulExec)
	} else if v, set := t.parentLastExec.Value(); set {
		link = event.Spawn(v)
	}
	if ok {
		t.lastSuccessfulExec = id
		t.hasSuccessfulExec = true
	}
	return link
}

// SaveParentLastExec copies parent's lineage into t, to be called exactly
// once, at child-creation time (fork/clone/vfork observation), before any
// exec on the child has been processed. Per spec.md 4.3: copy the parent's
// last successful exec if it has one, otherwise the parent's own
// parent-last-exec snapshot (propagating lineage through processes that
// have never exec'd, e.g. a fork bomb of plain forks).
func (t *Tracker) SaveParentLastExec(parent *Tracker) {
	if parent.hasSuccessfulExec {
		t.parentLastExec = event.Spawn(parent.lastSuccessfulExec)
		return
	}
	t.parentLastExec = parent.parentLastExec
}

// HasSuccessfulExec reports whether this tracker has ever recorded a
// successful exec.
func (t *Tracker) HasSuccessfulExec() bool { return t.hasSuccessfulExec }

// LastSuccessfulExec returns the last successful exec id and whether one
// has ever occurred.
func (t *Tracker) LastSuccessfulExec() (event.ID, bool) {
	return t.lastSuccessfulExec, t.hasSuccessfulExec
}
