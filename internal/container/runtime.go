// Package container abstracts the sandboxed execution environment the
// agent dispatcher launches into. The only implementation shipped here runs
// the agent as a supervised child process; a real container SDK can be
// substituted behind the same interface without touching the dispatcher.
package container

import (
	"context"
	"time"
)

// Spec describes one agent launch: the working directory it should operate
// in, the command to run, and resource hints that the process runtime
// applies on a best-effort basis (and a real container backend would
// translate into cgroup limits instead).
type Spec struct {
	WorkDir string
	Command []string
	Env     []string
	// MemoryLimit caps the launched process's address space in bytes,
	// applied by wrapping the command with prlimit(1). 0 means unbounded.
	MemoryLimit int64
	// CPULimit sets the launched process's scheduling niceness on the
	// nice(1) scale (-20 highest priority to 19 lowest), applied by
	// wrapping the command with nice(1). 0 leaves the OS default.
	CPULimit int
	Timeout  time.Duration

	// Stdin is written to the instance's standard input once at launch,
	// then closed. The agent protocol is a single JSON document, not a
	// stream, so there is no need to keep stdin open past that write.
	Stdin []byte
	// OnStdout and OnStderr are called for every line the instance writes,
	// in the order received. Either may be nil.
	OnStdout func(line string)
	OnStderr func(line string)
}

// Handle represents one running agent instance.
type Handle interface {
	// ID returns a backend-specific identifier for the running instance.
	ID() string
	// Wait blocks until the instance exits, returning its exit error (nil on
	// a clean exit).
	Wait(ctx context.Context) error
	// Kill terminates the instance immediately.
	Kill() error
	// Signal delivers a graceful-stop signal if the backend supports one.
	Signal() error
}

// Runtime launches and supervises agent instances.
type Runtime interface {
	// Launch starts a new instance per spec and returns immediately with a
	// Handle for supervision.
	Launch(ctx context.Context, spec Spec) (Handle, error)
}
