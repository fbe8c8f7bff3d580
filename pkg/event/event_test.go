package event

import (
	"testing"

	"github.com/tracexecgo/tracexec/pkg/intern"
)

func TestPathFlattenAbsolute(t *testing.T) {
	pool := intern.NewPool()
	p := Path{
		IsAbsolute: true,
		Segments: []OutputMsg{
			Ok(pool.InternString("true")),
			Ok(pool.InternString("bin")),
			Ok(pool.InternString("usr")),
		},
	}
	got := p.Flatten(pool)
	if got.NotOk() {
		t.Fatalf("expected Ok, got tainted result")
	}
	if got.AsRef() != "/usr/bin/true" {
		t.Fatalf("got %q", got.AsRef())
	}
}

func TestPathFlattenPartialTaint(t *testing.T) {
	pool := intern.NewPool()
	p := Path{
		IsAbsolute: true,
		Segments: []OutputMsg{
			Ok(pool.InternString("true")),
			PartialOk(pool.InternString("bin")),
			Ok(pool.InternString("usr")),
		},
	}
	got := p.Flatten(pool)
	if got.Kind() != KindPartialOk {
		t.Fatalf("expected PartialOk, got %v", got.Kind())
	}
}

func TestPathFlattenErrPropagates(t *testing.T) {
	pool := intern.NewPool()
	p := Path{
		IsAbsolute: true,
		Segments: []OutputMsg{
			Err(&FriendlyError{Message: "unreadable"}),
			Ok(pool.InternString("usr")),
		},
	}
	got := p.Flatten(pool)
	if got.Kind() != KindErr {
		t.Fatalf("expected Err when a segment failed, got %v", got.Kind())
	}
}

func TestOutputMsgEqualByIdentity(t *testing.T) {
	pool := intern.NewPool()
	a := Ok(pool.InternString("x"))
	b := Ok(pool.InternString("x"))
	if !a.Equal(b) {
		t.Fatalf("equal content must compare equal")
	}
}

func TestParentEventBecomeSpawn(t *testing.T) {
	b := Become[ID](5)
	if !b.IsBecome() || b.IsSpawn() {
		t.Fatalf("expected Become")
	}
	v, ok := b.Value()
	if !ok || v != 5 {
		t.Fatalf("unexpected value: %v %v", v, ok)
	}

	s := Spawn[ID](7)
	if !s.IsSpawn() || s.IsBecome() {
		t.Fatalf("expected Spawn")
	}

	var unset ParentEvent[ID]
	if unset.IsSet() {
		t.Fatalf("zero value must be unset")
	}
}

func TestFDInfoDiff(t *testing.T) {
	pool := intern.NewPool()
	base := FileDescriptorInfoCollection{Entries: []FDInfo{
		{FD: 0, Path: Ok(pool.InternString("/dev/null"))},
		{FD: 3, Path: Ok(pool.InternString("/tmp/a"))},
	}}
	cur := FileDescriptorInfoCollection{Entries: []FDInfo{
		{FD: 0, Path: Ok(pool.InternString("/dev/null"))},
		{FD: 4, Path: Ok(pool.InternString("/tmp/b"))},
	}}
	added, removed, changed := cur.Diff(base)
	if len(added) != 1 || added[0].FD != 4 {
		t.Fatalf("unexpected added: %+v", added)
	}
	if len(removed) != 1 || removed[0].FD != 3 {
		t.Fatalf("unexpected removed: %+v", removed)
	}
	if len(changed) != 0 {
		t.Fatalf("unexpected changed: %+v", changed)
	}
}

func TestEventIDSatSub(t *testing.T) {
	var id ID = 3
	if id.SatSub(5) != 0 {
		t.Fatalf("expected saturating subtraction to floor at 0")
	}
	if id.Add(2) != 5 {
		t.Fatalf("expected 5, got %v", id.Add(2))
	}
}
