// Package ebpfloader loads tracexec's compiled eBPF object (built
// out-of-band from a vmlinux-BTF-targeted C source, the same split the
// teacher's ptrace path mirrors with its seize/attach separation) and
// attaches its raw tracepoints. It does not interpret ring-buffer
// payloads; that is pkg/ebpfassembler's job.
package ebpfloader

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Ring buffer map names the compiled object is expected to declare. Exec
// records are chunked (spec.md 4.9) because a single eBPF ring-buffer
// reservation cannot hold an arbitrarily long argv/envp, so they are
// split across exec_events entries and reassembled downstream.
const (
	MapExecEvents = "exec_events"
	MapForkEvents = "fork_events"
	MapExitEvents = "exit_events"
)

// Tracepoints attached on load, matching the four syscall/scheduler
// entry points tracexec observes.
const (
	tpSysEnterExecve   = "sys_enter_execve"
	tpSysEnterExecveat = "sys_enter_execveat"
	tpSchedProcessFork = "sched_process_fork"
	tpSchedProcessExit = "sched_process_exit"
)

// objects mirrors the compiled object's exported maps/programs. It plays
// the role a bpf2go-generated struct would play, hand-written here since
// the object is built by an external toolchain rather than vendored bpf2go
// output.
type objects struct {
	ExecveEnter   *ebpf.Program `ebpf:"trace_execve_enter"`
	ExecveatEnter *ebpf.Program `ebpf:"trace_execveat_enter"`
	ProcessFork   *ebpf.Program `ebpf:"trace_process_fork"`
	ProcessExit   *ebpf.Program `ebpf:"trace_process_exit"`

	ExecEvents *ebpf.Map `ebpf:"exec_events"`
	ForkEvents *ebpf.Map `ebpf:"fork_events"`
	ExitEvents *ebpf.Map `ebpf:"exit_events"`
}

func (o *objects) Close() error {
	closers := []interface{ Close() error }{
		o.ExecveEnter, o.ExecveatEnter, o.ProcessFork, o.ProcessExit,
		o.ExecEvents, o.ForkEvents, o.ExitEvents,
	}
	var firstErr error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Session is a loaded, attached eBPF program set with its ring-buffer
// readers open. Callers drain Readers() (pkg/ebpfassembler) and must call
// Close when done.
type Session struct {
	objs    objects
	links   []link.Link
	readers map[string]*ringbuf.Reader
}

// Readers exposes the open ring-buffer readers by map name.
func (s *Session) Readers() map[string]*ringbuf.Reader { return s.readers }

// Close detaches every attached program and closes every reader and map,
// in reverse dependency order: readers first (so Drain's pump goroutines
// observe ringbuf.ErrClosed promptly), then links, then the objects
// themselves.
func (s *Session) Close() error {
	var firstErr func(error)
	var err error
	firstErr = func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	for _, r := range s.readers {
		firstErr(r.Close())
	}
	for _, l := range s.links {
		firstErr(l.Close())
	}
	firstErr(s.objs.Close())
	return err
}

// Load removes the memlock rlimit, loads the compiled object at
// objectPath, attaches its four raw tracepoints, and opens a ring-buffer
// reader for every declared ring-buffer map.
func Load(objectPath string) (*Session, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("ebpfloader: remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("ebpfloader: load collection spec %s: %w", objectPath, err)
	}

	var objs objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("ebpfloader: load and assign: %w", err)
	}

	sess := &Session{objs: objs, readers: make(map[string]*ringbuf.Reader, 3)}

	attachments := []struct {
		tracepoint string
		prog       *ebpf.Program
	}{
		{tpSysEnterExecve, objs.ExecveEnter},
		{tpSysEnterExecveat, objs.ExecveatEnter},
		{tpSchedProcessFork, objs.ProcessFork},
		{tpSchedProcessExit, objs.ProcessExit},
	}
	for _, a := range attachments {
		l, err := link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    a.tracepoint,
			Program: a.prog,
		})
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("ebpfloader: attach raw tracepoint %s: %w", a.tracepoint, err)
		}
		sess.links = append(sess.links, l)
	}

	for name, m := range map[string]*ebpf.Map{
		MapExecEvents: objs.ExecEvents,
		MapForkEvents: objs.ForkEvents,
		MapExitEvents: objs.ExitEvents,
	} {
		r, err := ringbuf.NewReader(m)
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("ebpfloader: open ring buffer reader %s: %w", name, err)
		}
		sess.readers[name] = r
	}

	return sess, nil
}
