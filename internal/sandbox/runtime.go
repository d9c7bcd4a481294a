// Package sandbox drives the ephemeral execution environment that mounts
// and runs generated code: boot the runtime once, mount the workspace,
// install dependencies, and run the start command with a live preview.
package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/buildroom-dev/buildroom/internal/model"
)

// ErrToolNotFound is returned (or wrapped) by runtimes when a spawned tool
// does not exist in the environment. The orchestrator uses it to fall back
// to the secondary installer.
var ErrToolNotFound = errors.New("tool not found")

// toolNotFoundExitCode is the shell's "command not found" exit status.
const toolNotFoundExitCode = 127

// Runtime abstracts the sandbox execution environment (a container, a VM,
// an in-process fake for tests). One runtime instance hosts all workspaces.
type Runtime interface {
	// Boot starts the runtime. Called once per process; the orchestrator
	// guards it with a single-flight boot so concurrent callers share one
	// boot attempt.
	Boot(ctx context.Context) error

	// Mount replaces the sandbox's view of the workspace with files.
	Mount(ctx context.Context, workspaceID string, files model.FileTree) error

	// Spawn runs a command in the workspace and returns a handle to the
	// running process.
	Spawn(ctx context.Context, workspaceID string, tool string, args []string) (Process, error)
}

// Process is a handle to a command running inside the sandbox.
type Process interface {
	// Output is the combined stdout+stderr stream.
	Output() io.Reader

	// Ready yields the preview address once the runtime reports the
	// process is serving. The channel closes without a value if the
	// process exits first.
	Ready() <-chan string

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill terminates the process.
	Kill() error
}
