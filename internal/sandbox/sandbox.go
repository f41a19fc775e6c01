// Package sandbox defines the narrow runtime contract the action engine
// executes against (write files, spawn commands with live output, terminate
// them) and provides a local implementation rooted in a workspace
// directory. The engine depends only on the interfaces, so a remote or
// containerized runtime can be substituted without touching execution
// logic.
package sandbox

import (
	"context"
	"errors"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the
// sandbox root.
var ErrOutsideWorkspace = errors.New("path escapes the workspace root")

// Sandbox is the execution environment contract.
type Sandbox interface {
	// WriteFile writes content at path (relative to the sandbox root),
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error

	// Spawn starts a shell command and returns a handle for its live
	// output and eventual exit. The command keeps running after Spawn
	// returns; cancel ctx or call Terminate to stop it.
	Spawn(ctx context.Context, command string) (Process, error)
}

// Process is a handle to a spawned command.
type Process interface {
	// ID identifies the process for logging and audit.
	ID() string

	// Output yields interleaved stdout/stderr chunks as they arrive. The
	// channel is closed when the process exits and output is drained.
	Output() <-chan string

	// Wait blocks until the process exits and returns its exit code. A
	// canceled ctx unblocks the caller without killing the process.
	Wait(ctx context.Context) (int, error)

	// Terminate kills the process. Safe to call more than once.
	Terminate() error
}
