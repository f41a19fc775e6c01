// Package tools is the side channel tool-invocation actions are handed to.
// The engine packages {agent id, tool name, parameters} into an Invocation
// and dispatches it; the result text is expected to re-enter the
// conversation through whatever surface owns the dispatcher.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"boltflow/internal/logging"
	"boltflow/internal/toolcall"
)

// ErrToolNotFound is returned when no handler is registered for a tool.
var ErrToolNotFound = errors.New("tool not found")

// Invocation is a single tool call routed out of the stream.
type Invocation struct {
	// AgentID is the capability namespace named by the call.
	AgentID string

	// Tool is the tool name.
	Tool string

	// Params are the call's parameters in insertion order.
	Params toolcall.Params
}

// Dispatcher receives invocations. Dispatch blocks until the external
// side produces the textual result.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) (string, error)
}

// HandlerFunc executes one tool.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

// Registry is a Dispatcher backed by named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		log:      logging.OrNop(log).Named("tools"),
	}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Dispatch routes the invocation to its handler.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[inv.Tool]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, inv.Tool)
	}
	r.log.Info("dispatching tool call",
		zap.String("agent_id", inv.AgentID),
		zap.String("tool", inv.Tool),
		zap.Int("params", len(inv.Params)))
	return h(ctx, inv)
}

// LogOnly is a Dispatcher that records invocations without executing
// anything. It is the CLI default when no tool host is attached: an
// unknown tool should be visible, not fatal to the queue.
type LogOnly struct {
	log *zap.Logger
}

// NewLogOnly returns the recording dispatcher.
func NewLogOnly(log *zap.Logger) *LogOnly {
	return &LogOnly{log: logging.OrNop(log).Named("tools")}
}

// Dispatch logs the invocation and reports success with an empty result.
func (d *LogOnly) Dispatch(_ context.Context, inv Invocation) (string, error) {
	d.log.Info("tool call received (no dispatcher attached)",
		zap.String("agent_id", inv.AgentID),
		zap.String("tool", inv.Tool),
		zap.Any("params", inv.Params.Map()))
	return "", nil
}
