// Package breakpoint implements pattern-matched stop points on exec
// (spec.md 4.12): a breakpoint fires when an already-inspected filename or
// argv matches its pattern at a chosen ptrace stop phase, and a Once
// breakpoint self-disarms after its first hit across all PIDs.
package breakpoint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tracexecgo/tracexec/pkg/event"
)

// StopPhase selects whether a breakpoint evaluates at syscall-enter (argv
// available, result not yet known) or syscall-exit (result known).
type StopPhase int

const (
	// SysEnter evaluates the breakpoint at the syscall-enter stop.
	SysEnter StopPhase = iota
	// SysExit evaluates the breakpoint at the syscall-exit stop.
	SysExit
)

func (s StopPhase) String() string {
	if s == SysEnter {
		return "sysenter"
	}
	return "sysexit"
}

func parseStopPhase(s string) (StopPhase, error) {
	switch s {
	case "sysenter":
		return SysEnter, nil
	case "sysexit":
		return SysExit, nil
	default:
		return 0, fmt.Errorf("breakpoint: unknown stop phase %q", s)
	}
}

// PatternKind discriminates the three pattern forms.
type PatternKind int

const (
	// InFilename matches if the inspected filename contains a substring.
	InFilename PatternKind = iota
	// ExactFilename matches if the inspected filename equals a string
	// exactly.
	ExactFilename
	// ArgvRegex matches if any argv element matches a regular expression.
	ArgvRegex
)

// Pattern is one of InFilename(s) | ExactFilename(s) | ArgvRegex(re).
type Pattern struct {
	Kind PatternKind
	Text string // the raw substring/exact-match text, or regex source
	re   *regexp.Regexp
	ci   bool // case-insensitive, breakpoint-time flag
}

// NewInFilename builds an InFilename pattern.
func NewInFilename(s string, caseInsensitive bool) Pattern {
	return Pattern{Kind: InFilename, Text: s, ci: caseInsensitive}
}

// NewExactFilename builds an ExactFilename pattern.
func NewExactFilename(s string, caseInsensitive bool) Pattern {
	return Pattern{Kind: ExactFilename, Text: s, ci: caseInsensitive}
}

// NewArgvRegex compiles re (Go's RE2 syntax, a deliberate deviation from a
// backtracking PCRE engine documented in DESIGN.md) into an ArgvRegex
// pattern.
func NewArgvRegex(re string, caseInsensitive bool) (Pattern, error) {
	pat := re
	if caseInsensitive {
		pat = "(?i)" + pat
	}
	compiled, err := regexp.Compile(pat)
	if err != nil {
		return Pattern{}, fmt.Errorf("breakpoint: invalid argv-regex %q: %w", re, err)
	}
	return Pattern{Kind: ArgvRegex, Text: re, re: compiled, ci: caseInsensitive}, nil
}

func kindName(k PatternKind) string {
	switch k {
	case InFilename:
		return "in-filename"
	case ExactFilename:
		return "exact-filename"
	case ArgvRegex:
		return "argv-regex"
	default:
		return "unknown"
	}
}

// BPType is Once | Permanent: whether a breakpoint disarms itself after
// its first hit across all PIDs.
type BPType int

const (
	// Permanent breakpoints keep matching after every hit.
	Permanent BPType = iota
	// Once breakpoints disarm after the first hit.
	Once
)

// BreakPoint is a pattern-matched stop point.
type BreakPoint struct {
	ID        int
	Stop      StopPhase
	Pattern   Pattern
	Type      BPType
	activated bool
}

// New constructs an armed breakpoint.
func New(id int, stop StopPhase, pattern Pattern, ty BPType) *BreakPoint {
	return &BreakPoint{ID: id, Stop: stop, Pattern: pattern, Type: ty}
}

// Activated reports whether a Once breakpoint has already disarmed itself.
// Permanent breakpoints are always reported as not activated.
func (b *BreakPoint) Activated() bool { return b.Type == Once && b.activated }

// Match reports whether filename/argv match b's pattern. It does not check
// stop phase or activation state; callers invoke Match only when Stop
// matches the current stop and Activated() is false.
func (b *BreakPoint) Match(filename event.OutputMsg, argv []event.OutputMsg) bool {
	switch b.Pattern.Kind {
	case InFilename:
		return containsFold(filename.AsRef(), b.Pattern.Text, b.Pattern.ci)
	case ExactFilename:
		return equalFold(filename.AsRef(), b.Pattern.Text, b.Pattern.ci)
	case ArgvRegex:
		for _, a := range argv {
			if b.Pattern.re.MatchString(a.AsRef()) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Fire records a hit, disarming the breakpoint if it is Once-typed. It
// should be called exactly once per actual hit, after Match returns true
// and the caller has decided to honor it.
func (b *BreakPoint) Fire() {
	if b.Type == Once {
		b.activated = true
	}
}

func containsFold(s, substr string, ci bool) bool {
	if ci {
		return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
	}
	return strings.Contains(s, substr)
}

func equalFold(a, b string, ci bool) bool {
	if ci {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// ToText serializes b into the stable text form described in spec.md 4.12:
// "sysenter:in-filename:/usr/bin/" or "sysexit:argv-regex:^foo\s+-x".
func (b *BreakPoint) ToText() string {
	return fmt.Sprintf("%s:%s:%s", b.Stop, kindName(b.Pattern.Kind), b.Pattern.Text)
}

// FromText parses the text form produced by ToText. BreakPoint.ID and
// Type are not part of the text form (they are assigned/chosen by the
// caller) and are left zero/Permanent; callers that need to round-trip ID
// and Type should set them after parsing.
func FromText(s string) (*BreakPoint, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("breakpoint: malformed text form %q", s)
	}
	stop, err := parseStopPhase(parts[0])
	if err != nil {
		return nil, err
	}
	var pattern Pattern
	switch parts[1] {
	case "in-filename":
		pattern = NewInFilename(parts[2], false)
	case "exact-filename":
		pattern = NewExactFilename(parts[2], false)
	case "argv-regex":
		pattern, err = NewArgvRegex(parts[2], false)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("breakpoint: unknown pattern kind %q", parts[1])
	}
	return &BreakPoint{Stop: stop, Pattern: pattern, Type: Permanent}, nil
}

// TextEqual reports whether b and o have the same stop/pattern/case
// sensitivity — the criteria for spec.md 8's round-trip property, which
// does not require ID or Type to match since those aren't part of the text
// form.
func (b *BreakPoint) TextEqual(o *BreakPoint) bool {
	return b.ToText() == o.ToText() && b.Pattern.ci == o.Pattern.ci
}

// Hit is produced when a breakpoint matches at its configured stop phase.
type Hit struct {
	BreakPointID int
	PID          int32
	Stop         StopPhase
}
