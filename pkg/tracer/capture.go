package tracer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/internal/arch"
	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/inspect"
)

// captureExecData reads everything available about an in-flight
// execve/execveat at syscall-enter, while the pointers captured from regs
// are still valid (spec.md 4.7: argv/envp/filename must be read before
// the tracee's address space is replaced, and in the failure case before
// anything else mutates it).
func (t *Tracer) captureExecData(pid int, regs arch.Registers, sc arch.Syscall) *execData {
	is32 := regs.Is32Bit()

	var filenamePtr, argvPtr, envpPtr uintptr
	switch sc {
	case arch.Execve:
		filenamePtr = regs.SyscallArg(0)
		argvPtr = regs.SyscallArg(1)
		envpPtr = regs.SyscallArg(2)
	case arch.Execveat:
		filenamePtr = regs.SyscallArg(1)
		argvPtr = regs.SyscallArg(2)
		envpPtr = regs.SyscallArg(3)
	}

	// One page cache spans every memory read this exec makes: argv, envp
	// and the filename string are almost always stack-adjacent, so a
	// single Cache turns what would be dozens of PTRACE_PEEKDATA calls
	// into a handful of whole-page reads.
	cache := inspect.NewCache()

	data := &execData{
		syscall:    sc,
		filename:   t.readFilename(pid, filenamePtr, sc, cache),
		argv:       t.readArgv(pid, argvPtr, is32, cache),
		envDiff:    t.readEnvDiff(pid, envpPtr, is32, cache),
		fdinfo:     t.readFDInfo(pid),
		cred:       t.readCred(pid),
		cwd:        t.readCwd(pid),
		capturedAt: time.Now(),
	}
	data.interp = t.readInterpreterChain(data.filename)
	return data
}

func friendlyErr(kind string, err error) *event.FriendlyError {
	fe := &event.FriendlyError{Kind: kind, Message: err.Error()}
	if ie, ok := err.(*inspect.InspectError); ok {
		fe.Errno = int(ie.Errno)
	}
	return fe
}

// readFilename reads the pathname argument. execveat's dirfd-relative /
// AT_EMPTY_PATH resolution is not modeled further: the raw pathname
// string is reported as-is, matching what argv[0] reconstruction tools
// typically show.
func (t *Tracer) readFilename(pid int, addr uintptr, sc arch.Syscall, cache *inspect.Cache) event.OutputMsg {
	if addr == 0 {
		return event.Err(&event.FriendlyError{Kind: "null-pathname", Message: "execve/execveat pathname pointer is NULL", Errno: int(unix.EFAULT)})
	}
	b, err := inspect.ReadCStringCached(pid, addr, cache)
	if err != nil {
		if len(b) > 0 {
			return event.PartialOk(t.cfg.Pool.InternOwned(b))
		}
		return event.Err(friendlyErr("pathname-unreadable", err))
	}
	if t.cfg.ResolveProcSelfExe && isProcSelfExe(string(b), pid) {
		if target, rerr := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); rerr == nil {
			return event.Ok(t.cfg.Pool.InternString(target))
		}
	}
	return event.Ok(t.cfg.Pool.InternOwned(b))
}

// isProcSelfExe reports whether path is the literal self-exe symlink, as
// either the generic "/proc/self/exe" form or the pid-qualified
// "/proc/<pid>/exe" form (spec.md 8, S2): at syscall-enter the tracee's
// own address space hasn't been replaced yet, so readlink()ing this path
// still yields the binary about to be replaced, which is the answer the
// scenario asks for.
func isProcSelfExe(path string, pid int) bool {
	if path == "/proc/self/exe" {
		return true
	}
	return path == fmt.Sprintf("/proc/%d/exe", pid)
}

func (t *Tracer) readArgv(pid int, addr uintptr, is32 bool, cache *inspect.Cache) *event.ArgvResult {
	if addr == 0 {
		return &event.ArgvResult{Err: &event.FriendlyError{Kind: "null-argv", Message: "argv pointer is NULL", Errno: int(unix.EFAULT)}}
	}
	raw, err := inspect.ReadNullTerminatedPtrArrayCached[[]byte](pid, addr, is32, cache, func(ptr uintptr, c *inspect.Cache) ([]byte, error) {
		return inspect.ReadCStringCached(pid, ptr, c)
	})
	msgs := make([]event.OutputMsg, len(raw))
	for i, b := range raw {
		msgs[i] = event.Ok(t.cfg.Pool.InternOwned(b))
	}
	if err != nil {
		return &event.ArgvResult{Argv: msgs, Err: friendlyErr("argv-unreadable", err)}
	}
	return &event.ArgvResult{Argv: msgs}
}

func (t *Tracer) readEnvDiff(pid int, addr uintptr, is32 bool, cache *inspect.Cache) *event.EnvDiffResult {
	if addr == 0 {
		return &event.EnvDiffResult{Err: &event.FriendlyError{Kind: "null-envp", Message: "envp pointer is NULL", Errno: int(unix.EFAULT)}}
	}
	_, entries, err := inspect.ReadEnvCached(pid, addr, is32, cache)
	cur := make(map[string]string, len(entries))
	for _, e := range entries {
		cur[string(e.Key)] = string(e.Value)
	}
	diff := diffEnv(t.cfg.BaselineEnv, cur, t)
	if err != nil {
		return &event.EnvDiffResult{Diff: diff, Err: friendlyErr("envp-unreadable", err)}
	}
	return &event.EnvDiffResult{Diff: diff}
}

// diffEnv compares cur against the tracer-wide baseline and reports the
// added/removed/modified keys, sorted for deterministic export.
func diffEnv(baseline, cur map[string]string, t *Tracer) event.EnvDiff {
	var diff event.EnvDiff
	keys := make(map[string]bool, len(baseline)+len(cur))
	for k := range baseline {
		keys[k] = true
	}
	for k := range cur {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		bv, inBase := baseline[k]
		cv, inCur := cur[k]
		switch {
		case inCur && !inBase:
			diff.Added = append(diff.Added, event.EnvPair{
				Key: event.Ok(t.cfg.Pool.InternString(k)), Value: event.Ok(t.cfg.Pool.InternString(cv)),
			})
		case inBase && !inCur:
			diff.Removed = append(diff.Removed, event.EnvPair{
				Key: event.Ok(t.cfg.Pool.InternString(k)), Value: event.Ok(t.cfg.Pool.InternString(bv)),
			})
		case inBase && inCur && bv != cv:
			diff.Modified = append(diff.Modified, event.EnvPairChange{
				Key:      event.Ok(t.cfg.Pool.InternString(k)),
				OldValue: event.Ok(t.cfg.Pool.InternString(bv)),
				NewValue: event.Ok(t.cfg.Pool.InternString(cv)),
			})
		}
	}
	return diff
}

func (t *Tracer) readCwd(pid int) event.OutputMsg {
	s, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return event.Err(&event.FriendlyError{Kind: "cwd-unreadable", Message: err.Error()})
	}
	return event.Ok(t.cfg.Pool.InternString(s))
}

func (t *Tracer) readCred(pid int) *event.CredResult {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return &event.CredResult{Err: &event.FriendlyError{Kind: "cred-unreadable", Message: err.Error()}}
	}
	defer f.Close()

	var cred event.Cred
	groupsOK := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			parseFour(line, &cred.UID, &cred.EUID, &cred.SUID, &cred.FSUID)
		case strings.HasPrefix(line, "Gid:"):
			parseFour(line, &cred.GID, &cred.EGID, &cred.SGID, &cred.FSGID)
		case strings.HasPrefix(line, "Groups:"):
			groupsOK = true
			fields := strings.Fields(strings.TrimPrefix(line, "Groups:"))
			for _, f := range fields {
				n, err := strconv.ParseInt(f, 10, 64)
				if err != nil {
					groupsOK = false
					break
				}
				cred.Supplementary = append(cred.Supplementary, n)
			}
		}
	}
	if !groupsOK {
		return &event.CredResult{Err: &event.FriendlyError{Kind: "cred-groups-unreadable", Message: fmt.Sprintf("no parseable Groups line in /proc/%d/status", pid)}}
	}
	return &event.CredResult{Cred: cred}
}

func parseFour(line string, out ...*int64) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return
	}
	for i, dst := range out {
		if i+1 >= len(fields) {
			return
		}
		if n, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
			*dst = n
		}
	}
}

func (t *Tracer) readFDInfo(pid int) *event.FileDescriptorInfoCollection {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &event.FileDescriptorInfoCollection{}
	}
	col := &event.FileDescriptorInfoCollection{}
	for _, ent := range entries {
		fd, err := strconv.ParseInt(ent.Name(), 10, 32)
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, ent.Name()))
		var pathMsg event.OutputMsg
		if err != nil {
			pathMsg = event.Err(&event.FriendlyError{Kind: "fd-path-unreadable", Message: err.Error()})
		} else {
			pathMsg = event.Ok(t.cfg.Pool.InternString(target))
		}
		info := event.FDInfo{FD: int32(fd), Path: pathMsg}
		readFDInfoFile(pid, int32(fd), target, &info)
		col.Entries = append(col.Entries, info)
	}
	sort.Slice(col.Entries, func(i, j int) bool { return col.Entries[i].FD < col.Entries[j].FD })
	return col
}

// readFDInfoFile augments info with the position/flags reported by
// /proc/pid/fdinfo/fd, best-effort: a failure here leaves Pos/Flags
// zeroed rather than failing the whole FDInfo. target is the already-
// resolved /proc/pid/fd/fd symlink target; its inode is stat'd directly
// rather than Fstat-ing fd, since fd names a slot in the tracee's table,
// not the tracer's own.
func readFDInfoFile(pid int, fd int32, target string, info *event.FDInfo) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd))
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "pos:"):
			if n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "pos:")), 10, 64); err == nil {
				info.Pos = n
			}
		case strings.HasPrefix(line, "flags:"):
			if n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "flags:")), 8, 32); err == nil {
				info.Flags = int32(n)
			}
		case strings.HasPrefix(line, "mnt_id:"):
			if n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "mnt_id:")), 10, 32); err == nil {
				info.MountID = int32(n)
			}
		}
	}
	if target == "" {
		return
	}
	var st unix.Stat_t
	if unix.Stat(target, &st) == nil {
		info.Inode = st.Ino
	}
}

// readInterpreterChain walks a shebang/ELF interpreter chain one level
// deep: the binary's first line if it starts with "#!", otherwise none.
// A full ELF PT_INTERP / nested-shebang walk is left to the exporter
// layer, which can re-resolve Filename from the final path when needed.
func (t *Tracer) readInterpreterChain(filename event.OutputMsg) []event.Interpreter {
	h, ok := filename.Handle()
	if !ok {
		return nil
	}
	path := h.String()
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var hdr [2]byte
	if n, _ := f.Read(hdr[:]); n != 2 || hdr[0] != '#' || hdr[1] != '!' {
		return nil
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 4096)
	if !sc.Scan() {
		return nil
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return nil
	}
	interp := event.Interpreter{Path: event.Ok(t.cfg.Pool.InternString(fields[0]))}
	for _, a := range fields[1:] {
		interp.Args = append(interp.Args, event.Ok(t.cfg.Pool.InternString(a)))
	}
	return []event.Interpreter{interp}
}
