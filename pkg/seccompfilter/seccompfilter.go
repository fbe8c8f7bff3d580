// Package seccompfilter installs a BPF filter that traces only
// execve/execveat (spec.md 4.5), including the i386 compat syscall
// numbers on x86_64. It follows the allow-all-but-trace-these-two
// construction, built with the same "rule set per syscall, default
// action for everything else" shape the teacher's
// runsc/boot/filter/config.go uses for its allow-list filters, adapted
// here to a trace-list.
package seccompfilter

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF instruction opcodes, per linux/filter.h / linux/seccomp.h. These
// mirror the constants every Linux seccomp-BPF implementation in the Go
// ecosystem defines for itself (there is no golang.org/x/sys equivalent);
// see DESIGN.md for why this is hand-rolled rather than imported.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00
)

// seccomp_data field offsets (struct seccomp_data in linux/seccomp.h).
const (
	offsetNR   = 0
	offsetArch = 4
)

// Audit architecture values (linux/audit.h).
const (
	auditArchX86_64 = 0xc000003e
	auditArchI386   = 0x40000003
	auditArchARM64  = 0xc00000b7
)

const (
	secRetAllow = 0x7fff0000
	secRetTrace = 0x7ff00000
)

// NativeAuditArch returns the AUDIT_ARCH_* value for the running host,
// for callers (cmd/tracexec) that need to build a Program without reaching
// into this package's unexported constants.
func NativeAuditArch() (uint32, error) {
	switch runtime.GOARCH {
	case "amd64":
		return auditArchX86_64, nil
	case "arm64":
		return auditArchARM64, nil
	default:
		return 0, fmt.Errorf("seccompfilter: unsupported GOARCH %q", runtime.GOARCH)
	}
}

// Mode selects whether the tracer wants seccomp acceleration at all.
type Mode int

const (
	// ModeAuto installs the filter if possible, falling back to
	// unfiltered syscall-enter stops if loading fails.
	ModeAuto Mode = iota
	// ModeOn requires the filter; a load failure is fatal.
	ModeOn
	// ModeOff never installs a filter.
	ModeOff
)

// instr builds one BPF instruction.
func instr(code uint16, jt, jf uint8, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// traceSyscalls is the set of syscall numbers, for one audit architecture,
// that should produce SECCOMP_RET_TRACE.
type traceSyscalls struct {
	auditArch uint32
	nrs       []uint32
}

// Program is a seccomp-BPF filter limited to tracing execve/execveat.
type Program struct {
	arches []traceSyscalls
}

// NewExecTraceProgram builds a Program that traces execve/execveat for the
// native architecture, and additionally the i386 compat syscall numbers
// when native is x86_64 (the only architecture with a 32-bit compat exec
// path among tracexec's supported targets).
func NewExecTraceProgram(nativeAuditArch uint32) *Program {
	p := &Program{}
	switch nativeAuditArch {
	case auditArchX86_64:
		p.arches = append(p.arches,
			traceSyscalls{auditArch: auditArchX86_64, nrs: []uint32{59, 322}},  // execve, execveat
			traceSyscalls{auditArch: auditArchI386, nrs: []uint32{11, 358}},    // execve, execveat (i386)
		)
	case auditArchARM64:
		p.arches = append(p.arches,
			traceSyscalls{auditArch: auditArchARM64, nrs: []uint32{221, 281}}, // execve, execveat
		)
	default:
		p.arches = append(p.arches, traceSyscalls{auditArch: nativeAuditArch})
	}
	return p
}

// Build lowers the Program into a raw BPF instruction sequence implementing:
//
//	if arch not in {configured arches}: kill-ish (ALLOW, since this filter
//	  never restricts behavior, only requests tracing of two syscalls)
//	else if nr in {execve, execveat} for that arch: TRACE
//	else: ALLOW
func (p *Program) Build() ([]unix.SockFilter, error) {
	if len(p.arches) == 0 {
		return nil, fmt.Errorf("seccompfilter: no architectures configured")
	}

	// One arch-check block per configured architecture. Each block, on
	// arch match, loads the syscall number and checks it against that
	// arch's trace set; a true match returns TRACE, otherwise falls
	// through to the next arch block (or to the final ALLOW).
	//
	// Because jump offsets in raw BPF are relative and counted in
	// instructions, we build in two passes: first compute instruction
	// counts, then patch jump targets.
	type block struct {
		archCheck unix.SockFilter
		nrChecks  []unix.SockFilter
	}
	var blocks []block
	for _, a := range p.arches {
		var nrChecks []unix.SockFilter
		nrChecks = append(nrChecks, instr(bpfLD|bpfABS, 0, 0, offsetNR))
		for _, nr := range a.nrs {
			// Placeholder jt/jf; patched below.
			nrChecks = append(nrChecks, instr(bpfJMP|bpfJEQ|bpfK, 0, 0, nr))
		}
		blocks = append(blocks, block{
			archCheck: instr(bpfJMP|bpfJEQ|bpfK, 0, 0, a.auditArch),
			nrChecks:  nrChecks,
		})
	}

	// Lay out: for each block, archCheck falls into nrChecks on match
	// (jt=0, i.e. next instruction) and on mismatch skips this block's
	// nrChecks to reach the next block's archCheck (jf). nrChecks: each EQ
	// check jumps to a shared TRACE return on match and falls through to
	// the next check on mismatch; a block's final check falls through to
	// the next block's archCheck, or, in the last block, jumps over the
	// shared TRACE return onto the shared ALLOW return.
	//
	// We emit in final form by tracking running offsets.
	var out []unix.SockFilter
	out = append(out, instr(bpfLD|bpfABS, 0, 0, offsetArch))

	// First compute total size to locate the shared TRACE/ALLOW returns
	// at the end.
	size := 1 // the arch load above
	for _, b := range blocks {
		size++                    // archCheck
		size += len(b.nrChecks) // syscall load + N eq checks
	}
	size += 2 // shared TRACE return, shared ALLOW return
	traceRetIdx := size - 2

	pos := 1
	for bi, b := range blocks {
		// archCheck: jt falls through to this block's nrChecks (pos+1,
		// relative offset 0), jf skips over this block's own nrChecks to
		// land on the next block's archCheck; for the last block there is
		// no next archCheck, so jf must additionally skip the shared TRACE
		// return to land on the shared ALLOW return instead.
		jf := len(b.nrChecks)
		if bi == len(blocks)-1 {
			jf++
		}
		archCheck := b.archCheck
		archCheck.Jt = 0
		if jf > 255 {
			return nil, fmt.Errorf("seccompfilter: BPF jump offset overflow")
		}
		archCheck.Jf = uint8(jf)
		if len(b.nrChecks) == 1 {
			// No syscall numbers for this arch: a match takes the same
			// jump as a mismatch, so nothing on it is traced.
			archCheck.Jt = uint8(jf)
		}
		out = append(out, archCheck)
		pos++

		nrLoad := b.nrChecks[0]
		out = append(out, nrLoad)
		pos++

		eqChecks := b.nrChecks[1:]
		for ci, c := range eqChecks {
			jfNext := 0
			if ci == len(eqChecks)-1 && bi == len(blocks)-1 {
				jfNext = 1 // skip the shared TRACE return
			}
			jtToTrace := traceRetIdx - pos - 1
			if jtToTrace < 0 || jtToTrace > 255 {
				return nil, fmt.Errorf("seccompfilter: BPF jump offset overflow")
			}
			c.Jt = uint8(jtToTrace)
			c.Jf = uint8(jfNext)
			out = append(out, c)
			pos++
		}
	}
	out = append(out, instr(bpfRET|bpfK, 0, 0, secRetTrace))
	out = append(out, instr(bpfRET|bpfK, 0, 0, secRetAllow))

	if len(out) != size {
		return nil, fmt.Errorf("seccompfilter: internal layout mismatch (%d != %d)", len(out), size)
	}
	return out, nil
}

// Load installs prog as the calling thread's seccomp filter via
// PR_SET_SECCOMP / SECCOMP_SET_MODE_FILTER. The caller must already have
// PR_SET_NO_NEW_PRIVS set (or run as root) per seccomp(2).
//
// Must be called on the thread that will execute the traced subprocess's
// exec, since seccomp filters are per-thread.
func Load(filter []unix.SockFilter) error {
	if len(filter) == 0 {
		return fmt.Errorf("seccompfilter: empty program")
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)), 0, 0)
}
