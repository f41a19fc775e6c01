// Package actions executes the directives recognized in the model stream:
// file writes, shell commands, long-running starts, and tool invocations.
//
// Each artifact owns one strictly ordered queue consumed by a single
// worker, so action N+1 never starts before action N settles. Queues of
// different artifacts are independent; the engine deliberately applies no
// cross-artifact locking even though they share one sandbox.
package actions

import "boltflow/internal/toolcall"

// Action is the closed set of executable directives. The runner's dispatch
// switch is exhaustive over the concrete types below; adding a kind without
// handling it panics at dispatch, which is the intended failure mode for a
// programming error.
type Action interface {
	// Kind names the action kind for logs and observers.
	Kind() string

	// Raw returns the action's raw content.
	Raw() string

	sealed()
}

// FileAction writes Content to FilePath inside the sandbox.
type FileAction struct {
	FilePath string
	Content  string
}

func (FileAction) Kind() string   { return "file" }
func (a FileAction) Raw() string  { return a.Content }
func (FileAction) sealed()        {}

// ShellAction runs a command to completion.
type ShellAction struct {
	Command string
}

func (ShellAction) Kind() string  { return "shell" }
func (a ShellAction) Raw() string { return a.Command }
func (ShellAction) sealed()       {}

// StartAction launches a long-running command (typically a dev server).
// It is considered complete once its output matches a ready heuristic; the
// process itself keeps running.
type StartAction struct {
	Command string
}

func (StartAction) Kind() string  { return "start" }
func (a StartAction) Raw() string { return a.Command }
func (StartAction) sealed()       {}

// ToolAction hands an invocation to the external tool side channel.
type ToolAction struct {
	AgentID string
	Tool    string
	Params  toolcall.Params
}

func (ToolAction) Kind() string  { return "tool" }
func (a ToolAction) Raw() string { return a.Tool }
func (ToolAction) sealed()       {}

// Status is the lifecycle of one action. Transitions are one-directional:
// Pending -> Running -> {Complete | Aborted | Failed}.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusComplete
	StatusAborted
	StatusFailed
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusAborted || s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is the observer-facing view of one action's state.
type Snapshot struct {
	ID     string
	Kind   string
	Status Status

	// Err carries the captured failure message. Empty for aborted actions:
	// cooperative cancellation is not a failure.
	Err string
}

// Observer receives status transitions. Calls arrive from worker
// goroutines; implementations must be safe for concurrent use.
type Observer interface {
	ActionUpdated(artifactID string, snap Snapshot)
}
