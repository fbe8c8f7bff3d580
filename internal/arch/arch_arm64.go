// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build arm64
// +build arm64

package arch

import "golang.org/x/sys/unix"

// Host is the native architecture of the tracer binary.
const Host = ARM64

// arm64Regs adapts unix.PtraceRegs (aarch64's user_pt_regs) to Registers.
// aarch64 has no 32-bit compat exec path in this tracer: ilp32 and aarch32
// binaries are out of scope, matching upstream tracexec.
type arm64Regs struct {
	raw unix.PtraceRegs
}

// NewRegisters wraps a raw PTRACE_GETREGSET (NT_PRSTATUS) result.
func NewRegisters(raw unix.PtraceRegs) Registers {
	return &arm64Regs{raw: raw}
}

func (r *arm64Regs) Arch() Arch    { return ARM64 }
func (r *arm64Regs) Is32Bit() bool { return false }

// On aarch64, the syscall number is in X8, and the Linux kernel's syscall
// ABI uses X0-X5 for arguments, exactly the Regs[0:6] slots.
func (r *arm64Regs) SyscallNo() uintptr {
	return uintptr(r.raw.Regs[8])
}

func (r *arm64Regs) SyscallArg(idx int) uintptr {
	if idx < 0 || idx > 5 {
		return 0
	}
	return uintptr(r.raw.Regs[idx])
}

func (r *arm64Regs) Return() int64 {
	return int64(r.raw.Regs[0])
}

func (r *arm64Regs) InstructionPointer() uintptr {
	return uintptr(r.raw.Pc)
}
