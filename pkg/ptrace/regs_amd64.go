//go:build amd64
// +build amd64

package ptrace

import (
	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/internal/arch"
)

// csCompatSelector is the CS segment selector value the kernel loads for a
// 32-bit (ia32 compat) userspace context on amd64.
const csCompatSelector = 0x23

func wrapRegs(raw unix.PtraceRegs) arch.Registers {
	is32 := raw.Cs == csCompatSelector
	return arch.NewRegisters(raw, is32)
}
