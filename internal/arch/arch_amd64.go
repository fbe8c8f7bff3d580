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

//go:build amd64
// +build amd64

package arch

import "golang.org/x/sys/unix"

// Host is the native architecture of the tracer binary.
const Host = AMD64

// amd64Regs adapts unix.PtraceRegsAmd64 to the Registers interface. The
// x86_64 ABI stores orig_rax in Orig_rax and the six syscall arguments in
// Rdi, Rsi, Rdx, R10, R8, R9 (note: R10, not Rcx, since the syscall
// instruction clobbers Rcx).
type amd64Regs struct {
	raw     unix.PtraceRegs
	is32bit bool
}

// NewRegisters wraps a raw PTRACE_GETREGS result. is32Bit should be derived
// from the current CS segment selector (0x33 for amd64, 0x23 for compat
// ia32) by the caller, since only the caller reads /proc/<pid>/status or
// the segment registers.
func NewRegisters(raw unix.PtraceRegs, is32Bit bool) Registers {
	return &amd64Regs{raw: raw, is32bit: is32Bit}
}

func (r *amd64Regs) Arch() Arch     { return AMD64 }
func (r *amd64Regs) Is32Bit() bool  { return r.is32bit }
func (r *amd64Regs) SyscallNo() uintptr {
	return uintptr(r.raw.Orig_rax)
}

func (r *amd64Regs) SyscallArg(idx int) uintptr {
	if r.is32bit {
		// ia32 compat syscalls pass arguments in ebx, ecx, edx, esi,
		// edi, ebp, truncated to 32 bits; the kernel still exposes
		// them through the 64-bit register file.
		switch idx {
		case 0:
			return uintptr(uint32(r.raw.Rbx))
		case 1:
			return uintptr(uint32(r.raw.Rcx))
		case 2:
			return uintptr(uint32(r.raw.Rdx))
		case 3:
			return uintptr(uint32(r.raw.Rsi))
		case 4:
			return uintptr(uint32(r.raw.Rdi))
		case 5:
			return uintptr(uint32(r.raw.Rbp))
		}
		return 0
	}
	switch idx {
	case 0:
		return uintptr(r.raw.Rdi)
	case 1:
		return uintptr(r.raw.Rsi)
	case 2:
		return uintptr(r.raw.Rdx)
	case 3:
		return uintptr(r.raw.R10)
	case 4:
		return uintptr(r.raw.R8)
	case 5:
		return uintptr(r.raw.R9)
	}
	return 0
}

func (r *amd64Regs) Return() int64 {
	return int64(r.raw.Rax)
}

func (r *amd64Regs) InstructionPointer() uintptr {
	return uintptr(r.raw.Rip)
}
