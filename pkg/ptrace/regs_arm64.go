//go:build arm64
// +build arm64

package ptrace

import (
	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/internal/arch"
)

func wrapRegs(raw unix.PtraceRegs) arch.Registers {
	return arch.NewRegisters(raw)
}
