package ptrace

import "testing"

func TestStopGuardConsumeMarksConsumed(t *testing.T) {
	g := &StopGuard{pid: -1}
	if g.consumed {
		t.Fatalf("fresh guard should not be consumed")
	}
	g.consume()
	if !g.consumed {
		t.Fatalf("consume() should mark the guard consumed")
	}
}
