package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// resolvePath mirrors exec.LookPath but also accepts a bare relative/
// absolute path, used both by tracee-init (which has no shell to do PATH
// resolution for it) and by the launcher when sanity-checking the subject
// command before forking.
func resolvePath(name string) (string, error) {
	if filepath.IsAbs(name) || filepath.Dir(name) != "." {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return name, nil
	}
	return exec.LookPath(name)
}

// spawnRequest bundles the tracee-launching boundary's inputs (spec.md 6).
type spawnRequest struct {
	Argv         []string
	Dir          string
	StdioNullify bool
	// Seccomp is "on" or "off": whether tracee-init should install the L5
	// BPF trace filter before exec'ing the subject command. Resolved from
	// config.SeccompMode by resolveSeccomp before the request is built.
	Seccomp string
}

// spawnTracee implements the spawn-token half of the boundary: it starts
// "<self> tracee-init -- argv..." and returns once the child has reached
// the tracee-init SIGSTOP (observed indirectly — Start returning success
// means the fork succeeded; the actual STOP is awaited by the tracer's
// ImportTracemeChild). The returned *exec.Cmd's Process.Pid is the spawn
// token the caller presents to Tracer.Attach.
//
// cmd.Wait is deliberately never called: once started, all further
// waitpid(2) traffic on this pid belongs to the ptrace engine's own wait
// loop, not to the os/exec bookkeeping goroutine.
func spawnTracee(req spawnRequest) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("spawn: resolve self: %w", err)
	}
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("spawn: empty subject command")
	}
	if _, err := resolvePath(req.Argv[0]); err != nil {
		return nil, fmt.Errorf("spawn: subject command: %w", err)
	}

	seccompArg := req.Seccomp
	if seccompArg == "" {
		seccompArg = "off"
	}
	fullArgv := append([]string{"tracee-init", "--seccomp=" + seccompArg, "--"}, req.Argv...)
	cmd := exec.Command(self, fullArgv...)
	cmd.Dir = req.Dir
	if req.StdioNullify {
		devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("spawn: open %s: %w", os.DevNull, err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start: %w", err)
	}
	return cmd, nil
}
