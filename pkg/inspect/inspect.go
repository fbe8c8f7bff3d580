// Package inspect reads a stopped tracee's memory: NUL-terminated strings,
// NUL-terminated pointer arrays (argv/envp), and the key=value split of an
// environment block. Every read goes through PTRACE_PEEKDATA one word at a
// time, exactly as the teacher's subprocess_linux.go reads/writes tracee
// memory a register-word at a time; word size is taken from the caller's
// arch.Registers rather than assumed, since a 64-bit kernel can trace a
// 32-bit compat process.
package inspect

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// InspectError wraps an errno encountered while reading tracee memory. It
// never aborts the tracer; callers convert it into event.Err.
type InspectError struct {
	Errno unix.Errno
	Addr  uintptr
}

func (e *InspectError) Error() string {
	return fmt.Sprintf("inspect: ptrace peek at %#x: %v", e.Addr, e.Errno)
}

// wordSize is the native machine word PTRACE_PEEKDATA reads at a time; it
// is always 8 on a 64-bit kernel regardless of the tracee's bitness, since
// PEEKDATA always transfers a full kernel word.
const wordSize = 8

// peekWord reads one word at addr via PTRACE_PEEKDATA.
func peekWord(pid int, addr uintptr) (uint64, error) {
	var data [wordSize]byte
	n, err := unix.PtracePeekData(pid, addr, data[:])
	if err != nil {
		errno, _ := err.(unix.Errno)
		return 0, &InspectError{Errno: errno, Addr: addr}
	}
	if n != wordSize {
		return 0, &InspectError{Errno: unix.EIO, Addr: addr}
	}
	return hostEndianUint64(data[:]), nil
}

func hostEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// pageSize is the granularity Cache reads and caches at, so the many
// word-sized peeks a string/argv walk performs cost at most one page-sized
// unix.PtracePeekData read per 4KiB page (which x/sys/unix still carries
// out one PTRACE_PEEKDATA word at a time).
const pageSize = 4096

// page is one cached, page-aligned memory read, ordered by its base
// address for btree.BTree.
type page struct {
	base uintptr
	data [pageSize]byte
	err  error
}

func (p page) Less(other btree.Item) bool { return p.base < other.(page).base }

// Cache batches PTRACE_PEEKDATA reads by page, keyed by page-aligned
// offset in a *btree.BTree, so that reading several adjacent strings (an
// argv, an envp) during one exec inspection doesn't re-peek a page
// already pulled for the previous string. Grounded on the teacher's
// general aversion to redundant syscalls in the hot ptrace path
// (subprocess_linux.go); scoped to one caller's call tree, never shared
// across tracees or across time, since a tracee's memory can change
// between stops.
type Cache struct {
	tree *btree.BTree
}

// NewCache returns an empty page cache, meant to live for the duration of
// a single exec's inspection (one filename + argv + envp + cwd read) and
// then be discarded.
func NewCache() *Cache { return &Cache{tree: btree.New(8)} }

// pageOffset splits addr into its containing page's base address and the
// byte offset within that page.
func pageOffset(addr uintptr) (base uintptr, offset int) {
	base = addr &^ uintptr(pageSize-1)
	return base, int(addr - base)
}

func (c *Cache) peekWord(pid int, addr uintptr) (uint64, error) {
	base, offset := pageOffset(addr)
	if offset+wordSize > pageSize {
		// A word straddling a page boundary falls back to a direct,
		// uncached peek; this only happens once per string at most.
		return peekWord(pid, addr)
	}

	var p page
	if item := c.tree.Get(page{base: base}); item != nil {
		p = item.(page)
	} else {
		var buf [pageSize]byte
		if _, err := unix.PtracePeekData(pid, base, buf[:]); err != nil {
			errno, _ := err.(unix.Errno)
			p = page{base: base, err: &InspectError{Errno: errno, Addr: base}}
		} else {
			p = page{base: base, data: buf}
		}
		c.tree.ReplaceOrInsert(p)
	}
	if p.err != nil {
		return 0, p.err
	}
	return hostEndianUint64(p.data[offset : offset+wordSize]), nil
}

// ReadCString reads a NUL-terminated byte string starting at addr in pid's
// address space, reading word-sized chunks and stopping at the first NUL.
// It fails with InspectError if a page is unreadable.
func ReadCString(pid int, addr uintptr) ([]byte, error) {
	return ReadCStringCached(pid, addr, NewCache())
}

// ReadCStringCached is ReadCString sharing cache across a larger walk
// (e.g. one element of an argv/envp array read by
// ReadNullTerminatedPtrArrayCached).
func ReadCStringCached(pid int, addr uintptr, cache *Cache) ([]byte, error) {
	var out []byte
	cur := addr
	for {
		word, err := cache.peekWord(pid, cur)
		if err != nil {
			if len(out) > 0 {
				// Partial read: return what we have plus the
				// error, letting the caller decide whether
				// this counts as PartialOk.
				return out, err
			}
			return nil, err
		}
		buf := make([]byte, wordSize)
		for i := 0; i < wordSize; i++ {
			buf[i] = byte(word >> (8 * i))
		}
		for _, b := range buf {
			if b == 0 {
				return out, nil
			}
			out = append(out, b)
		}
		cur += wordSize
		if len(out) > maxCStringLen {
			return out, &InspectError{Errno: unix.E2BIG, Addr: addr}
		}
	}
}

// maxCStringLen bounds a single string read to guard against a corrupted
// or hostile tracee address space causing unbounded memory growth.
const maxCStringLen = 1 << 20

// readPtrSlot reads one pointer-sized slot at addr, honoring is32Bit.
func readPtrSlot(pid int, addr uintptr, is32Bit bool) (uintptr, error) {
	word, err := peekWord(pid, addr)
	if err != nil {
		return 0, err
	}
	if is32Bit {
		return uintptr(uint32(word)), nil
	}
	return uintptr(word), nil
}

func readPtrSlotCached(pid int, addr uintptr, is32Bit bool, cache *Cache) (uintptr, error) {
	word, err := cache.peekWord(pid, addr)
	if err != nil {
		return 0, err
	}
	if is32Bit {
		return uintptr(uint32(word)), nil
	}
	return uintptr(word), nil
}

// ReadNullTerminatedPtrArray walks a NUL-terminated array of pointers
// starting at addr (e.g. argv or envp), advancing by 4 or 8 bytes per slot
// depending on is32Bit, terminating at the first zero pointer. For each
// non-zero slot it calls read to materialize a T (typically by chaining
// into ReadCString at the pointed-to address).
func ReadNullTerminatedPtrArray[T any](pid int, addr uintptr, is32Bit bool, read func(ptr uintptr) (T, error)) ([]T, error) {
	return ReadNullTerminatedPtrArrayCached(pid, addr, is32Bit, NewCache(), func(ptr uintptr, _ *Cache) (T, error) {
		return read(ptr)
	})
}

// ReadNullTerminatedPtrArrayCached is ReadNullTerminatedPtrArray sharing a
// page Cache across the whole walk, passed on to read so it can in turn
// share it with ReadCStringCached — the combination that actually avoids
// repeat PTRACE_PEEKDATA calls across a run of short, page-adjacent argv
// elements.
func ReadNullTerminatedPtrArrayCached[T any](pid int, addr uintptr, is32Bit bool, cache *Cache, read func(ptr uintptr, cache *Cache) (T, error)) ([]T, error) {
	step := uintptr(8)
	if is32Bit {
		step = 4
	}
	var out []T
	cur := addr
	for {
		ptr, err := readPtrSlotCached(pid, cur, is32Bit, cache)
		if err != nil {
			return out, err
		}
		if ptr == 0 {
			return out, nil
		}
		v, err := read(ptr, cache)
		if err != nil {
			return out, err
		}
		out = append(out, v)
		cur += step
		if len(out) > maxArrayLen {
			return out, &InspectError{Errno: unix.E2BIG, Addr: addr}
		}
	}
}

// maxArrayLen bounds argv/envp walks the same way maxCStringLen bounds a
// single string.
const maxArrayLen = 1 << 16

// EnvEntry is one parsed environment slot.
type EnvEntry struct {
	Key   []byte
	Value []byte
}

// ReadEnv reads and splits the envp array at addr into key=value pairs.
// Entries beginning with '-' set hasDashEnv (used downstream to escape
// argv reconstruction when a process execs with a "dash" login-shell
// convention envp entry). Duplicate keys: last write wins, matching how the
// kernel itself would expose getenv() semantics for the assembled
// environment.
func ReadEnv(pid int, addr uintptr, is32Bit bool) (hasDashEnv bool, entries []EnvEntry, err error) {
	return ReadEnvCached(pid, addr, is32Bit, NewCache())
}

// ReadEnvCached is ReadEnv sharing a page Cache with the rest of an exec
// capture (typically the same Cache already used to read argv), since
// envp and argv frequently land in the same or adjacent stack pages.
func ReadEnvCached(pid int, addr uintptr, is32Bit bool, cache *Cache) (hasDashEnv bool, entries []EnvEntry, err error) {
	raw, rerr := ReadNullTerminatedPtrArrayCached[[]byte](pid, addr, is32Bit, cache, func(ptr uintptr, c *Cache) ([]byte, error) {
		return ReadCStringCached(pid, ptr, c)
	})
	hasDashEnv, entries = splitEnvEntries(raw)
	return hasDashEnv, entries, rerr
}

// splitEnvEntries is the pure key=value split + dash-detection + last-write
// wins logic, factored out of ReadEnv so it is testable without a live
// tracee.
func splitEnvEntries(raw [][]byte) (hasDashEnv bool, entries []EnvEntry) {
	seen := make(map[string]int, len(raw))
	for _, kv := range raw {
		if len(kv) > 0 && kv[0] == '-' {
			hasDashEnv = true
		}
		eq := indexByte(kv, '=')
		var key, val []byte
		if eq < 0 {
			key = kv
		} else {
			key = kv[:eq]
			val = kv[eq+1:]
		}
		if idx, ok := seen[string(key)]; ok {
			entries[idx] = EnvEntry{Key: key, Value: val}
			continue
		}
		seen[string(key)] = len(entries)
		entries = append(entries, EnvEntry{Key: key, Value: val})
	}
	return hasDashEnv, entries
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
