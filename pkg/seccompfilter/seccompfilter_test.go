package seccompfilter

import "testing"

func TestBuildX86_64ProducesTraceAndAllowReturns(t *testing.T) {
	p := NewExecTraceProgram(auditArchX86_64)
	prog, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(prog) == 0 {
		t.Fatalf("expected a non-empty program")
	}
	last := prog[len(prog)-1]
	secondLast := prog[len(prog)-2]
	if last.Code != bpfRET|bpfK || last.K != secRetAllow {
		t.Fatalf("expected final instruction to be RET ALLOW, got %+v", last)
	}
	if secondLast.Code != bpfRET|bpfK || secondLast.K != secRetTrace {
		t.Fatalf("expected penultimate instruction to be RET TRACE, got %+v", secondLast)
	}
}

func TestBuildARM64HasNoCompatArch(t *testing.T) {
	p := NewExecTraceProgram(auditArchARM64)
	if len(p.arches) != 1 {
		t.Fatalf("arm64 should have exactly one traced architecture, got %d", len(p.arches))
	}
}

func TestBuildUnknownArchStillProducesProgram(t *testing.T) {
	p := NewExecTraceProgram(0xdeadbeef)
	prog, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(prog) == 0 {
		t.Fatalf("expected a program even for an unrecognized arch (it simply traces nothing)")
	}
}

func TestLoadRejectsEmptyProgram(t *testing.T) {
	if err := Load(nil); err == nil {
		t.Fatalf("expected error loading an empty program")
	}
}
