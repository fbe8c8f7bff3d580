package lineage

import (
	"testing"
)

func TestFirstExecNoLineage(t *testing.T) {
	var tr Tracker
	link := tr.UpdateLastExec(1, true)
	if link.IsSet() {
		t.Fatalf("first exec with no fork-time parent should carry no lineage, got %+v", link)
	}
}

func TestReExecBecomes(t *testing.T) {
	var tr Tracker
	tr.UpdateLastExec(1, true)
	link := tr.UpdateLastExec(2, true)
	if !link.IsBecome() {
		t.Fatalf("expected Become, got %+v", link)
	}
	v, _ := link.Value()
	if v != 1 {
		t.Fatalf("expected Become(1), got Become(%v)", v)
	}
}

func TestForkedChildSpawns(t *testing.T) {
	var parent Tracker
	parent.UpdateLastExec(1, true)

	var child Tracker
	child.SaveParentLastExec(&parent)

	link := child.UpdateLastExec(2, true)
	if !link.IsSpawn() {
		t.Fatalf("expected Spawn, got %+v", link)
	}
	v, _ := link.Value()
	if v != 1 {
		t.Fatalf("expected Spawn(1), got Spawn(%v)", v)
	}
}

func TestFailedExecDoesNotUpdateButStillLinks(t *testing.T) {
	var tr Tracker
	tr.UpdateLastExec(1, true)
	link := tr.UpdateLastExec(2, false) // failed exec
	if !link.IsBecome() {
		t.Fatalf("failed exec should still report a parent link")
	}
	// last successful exec must remain 1, not 2.
	last, ok := tr.LastSuccessfulExec()
	if !ok || last != 1 {
		t.Fatalf("failed exec must not update last successful exec, got %v %v", last, ok)
	}
	link3 := tr.UpdateLastExec(3, true)
	v, _ := link3.Value()
	if v != 1 {
		t.Fatalf("expected next Become to still reference 1, got %v", v)
	}
}

func TestGrandchildOfNeverExecedParentInheritsGrandparent(t *testing.T) {
	var grandparent Tracker
	grandparent.UpdateLastExec(10, true)

	var parent Tracker
	parent.SaveParentLastExec(&grandparent) // parent forked, never exec'd

	var child Tracker
	child.SaveParentLastExec(&parent)

	link := child.UpdateLastExec(20, true)
	if !link.IsSpawn() {
		t.Fatalf("expected Spawn, got %+v", link)
	}
	v, _ := link.Value()
	if v != 10 {
		t.Fatalf("expected lineage to propagate through never-exec'd parent to grandparent's exec, got %v", v)
	}
}
