package proctrack

import "testing"

func TestAddThenDoubleAddPanics(t *testing.T) {
	tr := New()
	tr.Add(100)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double-add")
		}
	}()
	tr.Add(100)
}

func TestMaybeRemoveIdempotent(t *testing.T) {
	tr := New()
	tr.Add(5)
	tr.MaybeRemove(5)
	tr.MaybeRemove(5)
	tr.MaybeRemove(5)
	if tr.Len() != 0 {
		t.Fatalf("expected tracker empty after removal")
	}
}

func TestForceAssociateCreatesMissingEntry(t *testing.T) {
	tr := New()
	e := tr.ForceAssociate(42, 7)
	if e.PID != 42 {
		t.Fatalf("expected entry for pid 42")
	}
	got, ok := tr.Get(42)
	if !ok || len(got.AssociatedEvents) != 1 || got.AssociatedEvents[0] != 7 {
		t.Fatalf("unexpected entry: %+v ok=%v", got, ok)
	}
}

func TestParentDisjointMut(t *testing.T) {
	tr := New()
	tr.Add(1)
	tr.Add(2)
	e1, e2 := tr.ParentDisjointMut(1, 2)
	e2.Lineage.SaveParentLastExec(&e1.Lineage)
	if e1 == e2 {
		t.Fatalf("expected distinct pointers")
	}
}

func TestParentDisjointMutSamePidPanics(t *testing.T) {
	tr := New()
	tr.Add(1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for identical pids")
		}
	}()
	tr.ParentDisjointMut(1, 1)
}
