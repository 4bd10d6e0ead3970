package sandbox

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// profileLimits are the rlimits applied per sandbox profile.
type profileLimits struct {
	memoryBytes   uint64
	cpuSeconds    uint64
	fileSizeBytes uint64
	openFiles     uint64
}

var profiles = map[string]profileLimits{
	"restrictive": {memoryBytes: 256 << 20, cpuSeconds: 30, fileSizeBytes: 16 << 20, openFiles: 64},
	"standard":    {memoryBytes: 1 << 30, cpuSeconds: 120, fileSizeBytes: 64 << 20, openFiles: 256},
	"permissive":  {memoryBytes: 4 << 30, cpuSeconds: 600, fileSizeBytes: 512 << 20, openFiles: 1024},
}

// isolate places the runner in fresh mount, PID, and IPC namespaces and
// its own process group so a timeout kill reaps the whole tree.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC,
		Setpgid:    true,
	}
}

// applyLimits sets the profile's rlimits on the already-started runner.
func applyLimits(pid int, profile string) error {
	limits, ok := profiles[profile]
	if !ok {
		limits = profiles["standard"]
	}
	for _, l := range []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, limits.memoryBytes},
		{unix.RLIMIT_CPU, limits.cpuSeconds},
		{unix.RLIMIT_FSIZE, limits.fileSizeBytes},
		{unix.RLIMIT_NOFILE, limits.openFiles},
	} {
		rlim := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, &rlim, nil); err != nil {
			return err
		}
	}
	return nil
}

// killProcess kills the runner's whole process group when one exists,
// falling back to the single process.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL) //nolint:errcheck
		return
	}
	cmd.Process.Kill() //nolint:errcheck
}

// mkfifo creates the status pipe.
func mkfifo(path string) error {
	return unix.Mkfifo(path, 0o600)
}
