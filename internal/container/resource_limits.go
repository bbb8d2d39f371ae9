package container

import (
	"os/exec"
	"strconv"
	"syscall"
)

// applyResourceLimits sets best-effort process-group isolation so Kill can
// terminate an agent and any children it spawned.
func applyResourceLimits(cmd *exec.Cmd, spec Spec) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// wrapWithResourceLimits prefixes command with external nice(1)/prlimit(1)
// invocations so spec.CPULimit and spec.MemoryLimit are honored as
// best-effort hints. A hint whose wrapper binary is missing from PATH is
// silently dropped rather than failing the launch: these are scheduling
// courtesies, not a sandbox boundary.
func wrapWithResourceLimits(command []string, spec Spec) []string {
	if spec.MemoryLimit > 0 {
		if path, err := exec.LookPath("prlimit"); err == nil {
			command = append([]string{path, "--as=" + strconv.FormatInt(spec.MemoryLimit, 10), "--"}, command...)
		}
	}
	if spec.CPULimit != 0 {
		if path, err := exec.LookPath("nice"); err == nil {
			command = append([]string{path, "-n", strconv.Itoa(spec.CPULimit), "--"}, command...)
		}
	}
	return command
}
