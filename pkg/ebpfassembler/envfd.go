package ebpfassembler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/intern"
)

// assembleEnvDiff reassembles the chunked "KEY=VALUE" envp entries
// buffered in st.env, in ordinal order, and diffs the result against the
// tracer-wide baseline the same way pkg/tracer's ptrace backend does, so
// both backends fill event.ExecEvent.EnvDiff identically (spec.md 4.2).
func (a *Assembler) assembleEnvDiff(st *eventStorage, rec execEndRecord) *event.EnvDiffResult {
	if !rec.EnvOk {
		return &event.EnvDiffResult{Err: &event.FriendlyError{Kind: "bpf-flags", Message: "kernel-side envp inspection reported failure"}}
	}

	indices := make([]int, 0, len(st.env))
	for idx := range st.env {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	cur := make(map[string]string, len(indices))
	var lost bool
	for _, idx := range indices {
		fb := st.env[uint16(idx)]
		if fb.lost || !fb.complete {
			lost = true
		}
		kv := string(fb.buf)
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			cur[kv[:eq]] = kv[eq+1:]
		}
	}

	diff := diffEnv(a.cfg.BaselineEnv, cur, a.cfg.Pool)
	if lost {
		return &event.EnvDiffResult{Diff: diff, Err: &event.FriendlyError{Kind: "bpf-dropped", Message: "one or more envp entries were lost on the ring buffer"}}
	}
	return &event.EnvDiffResult{Diff: diff}
}

// diffEnv compares cur against baseline and reports the added/removed/
// modified keys, sorted for deterministic export. Mirrors pkg/tracer's
// diffEnv, adapted to the eBPF assembler's Pool-only dependency.
func diffEnv(baseline, cur map[string]string, pool *intern.Pool) event.EnvDiff {
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
				Key: event.Ok(pool.InternString(k)), Value: event.Ok(pool.InternString(cv)),
			})
		case inBase && !inCur:
			diff.Removed = append(diff.Removed, event.EnvPair{
				Key: event.Ok(pool.InternString(k)), Value: event.Ok(pool.InternString(bv)),
			})
		case inBase && inCur && bv != cv:
			diff.Modified = append(diff.Modified, event.EnvPairChange{
				Key:      event.Ok(pool.InternString(k)),
				OldValue: event.Ok(pool.InternString(bv)),
				NewValue: event.Ok(pool.InternString(cv)),
			})
		}
	}
	return diff
}

// readFDInfo walks /proc/pid/fd the same way pkg/tracer's ptrace backend
// does (spec.md 4.7): FDInfo collection is a userspace /proc inspection on
// both backends, not something the eBPF object itself reports.
func (a *Assembler) readFDInfo(pid int32) *event.FileDescriptorInfoCollection {
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
			pathMsg = event.Ok(a.cfg.Pool.InternString(target))
		}
		info := event.FDInfo{FD: int32(fd), Path: pathMsg}
		readFDInfoFile(int(pid), int32(fd), target, &info)
		col.Entries = append(col.Entries, info)
	}
	sort.Slice(col.Entries, func(i, j int) bool { return col.Entries[i].FD < col.Entries[j].FD })
	return col
}

// readFDInfoFile augments info with the position/flags/inode reported by
// /proc/pid/fdinfo/fd, best-effort, identically to pkg/tracer's helper of
// the same name.
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
