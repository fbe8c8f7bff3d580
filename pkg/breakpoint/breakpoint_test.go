package breakpoint

import (
	"testing"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/intern"
)

func TestTextRoundTrip(t *testing.T) {
	cases := []string{
		"sysenter:in-filename:/usr/bin/",
		"sysexit:argv-regex:^foo\\s+-x",
		"sysenter:exact-filename:/bin/sh",
	}
	for _, text := range cases {
		b, err := FromText(text)
		if err != nil {
			t.Fatalf("FromText(%q): %v", text, err)
		}
		if b.ToText() != text {
			t.Fatalf("round trip mismatch: got %q want %q", b.ToText(), text)
		}
	}
}

func TestMatchInFilename(t *testing.T) {
	pool := intern.NewPool()
	b := New(1, SysEnter, NewInFilename("/usr/bin/", false), Permanent)
	fn := event.Ok(pool.InternString("/usr/bin/true"))
	if !b.Match(fn, nil) {
		t.Fatalf("expected match")
	}
}

func TestMatchArgvRegex(t *testing.T) {
	pool := intern.NewPool()
	pat, err := NewArgvRegex(`^foo\s+-x`, false)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b := New(1, SysExit, pat, Permanent)
	argv := []event.OutputMsg{event.Ok(pool.InternString("foo -x bar"))}
	if !b.Match(event.OutputMsg{}, argv) {
		t.Fatalf("expected argv-regex match")
	}
}

func TestOnceDisarmsAfterFire(t *testing.T) {
	b := New(1, SysEnter, NewExactFilename("/bin/sh", false), Once)
	if b.Activated() {
		t.Fatalf("should not be activated before first fire")
	}
	b.Fire()
	if !b.Activated() {
		t.Fatalf("should be activated after fire")
	}
}

func TestInvalidRegexRejectedAtConstruction(t *testing.T) {
	_, err := NewArgvRegex("(unterminated", false)
	if err == nil {
		t.Fatalf("expected parse error for invalid regex")
	}
}

func TestMalformedTextForm(t *testing.T) {
	if _, err := FromText("not-a-valid-form"); err == nil {
		t.Fatalf("expected error for malformed text")
	}
	if _, err := FromText("sysenter:bogus-kind:foo"); err == nil {
		t.Fatalf("expected error for unknown pattern kind")
	}
}
