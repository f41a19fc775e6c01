package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boltflow/internal/logging"
	"boltflow/internal/sandbox"
	"boltflow/internal/tools"
)

// ErrUnknownArtifact is returned for operations on an artifact id the
// runner has never seen.
var ErrUnknownArtifact = errors.New("unknown artifact")

// ErrArtifactClosed is returned when an action arrives for an artifact
// whose queue has already been sealed.
var ErrArtifactClosed = errors.New("artifact already closed")

// queueDepth bounds each artifact's job channel. Producers (the parser
// callbacks) block if a queue backs up this far, which throttles parsing
// rather than growing without bound.
const queueDepth = 128

// Options configures a Runner.
type Options struct {
	// CommandTimeout caps shell action execution. Start actions are
	// exempt. Zero disables the cap.
	CommandTimeout time.Duration

	// ReadyPatterns extend the built-in heuristics that complete a start
	// action early.
	ReadyPatterns []string

	// Sink receives command echo and live output. Nil discards.
	Sink io.Writer

	// Observer receives status transitions. Nil disables.
	Observer Observer
}

// Runner owns the per-artifact execution queues. One Runner serves one
// conversation; artifact ids are unique within it.
type Runner struct {
	mu        sync.Mutex
	artifacts map[string]*artifactQueue

	sb         sandbox.Sandbox
	dispatcher tools.Dispatcher
	sink       io.Writer
	observer   Observer
	cmdTimeout time.Duration
	extraReady []*regexp.Regexp
	log        *zap.Logger
	runID      string
}

// actionState is an Action plus its execution bookkeeping.
type actionState struct {
	id       string
	action   Action
	status   Status
	executed bool
	errMsg   string

	ctx   context.Context
	abort context.CancelFunc
}

type artifactQueue struct {
	id    string
	title string

	mu     sync.Mutex
	closed bool
	order  []string
	states map[string]*actionState

	// sendMu serializes sends on jobs with the close of jobs, so a
	// RunAction racing a CloseArtifact can never send on a closed channel.
	// The worker only takes mu, never sendMu, so a producer blocked on a
	// full queue while holding sendMu still drains.
	sendMu sync.Mutex
	sealed bool
	jobs   chan func()
	done   chan struct{}
}

// seal closes the job channel exactly once.
func (q *artifactQueue) seal() {
	q.sendMu.Lock()
	if !q.sealed {
		q.sealed = true
		close(q.jobs)
	}
	q.sendMu.Unlock()
}

// NewRunner builds a runner over the given sandbox and tool dispatcher.
func NewRunner(sb sandbox.Sandbox, dispatcher tools.Dispatcher, opts Options, log *zap.Logger) (*Runner, error) {
	if sb == nil {
		return nil, fmt.Errorf("sandbox required")
	}
	if dispatcher == nil {
		dispatcher = tools.NewLogOnly(log)
	}
	sink := opts.Sink
	if sink == nil {
		sink = io.Discard
	}
	extra := make([]*regexp.Regexp, 0, len(opts.ReadyPatterns))
	for _, p := range opts.ReadyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ready pattern %q: %w", p, err)
		}
		extra = append(extra, re)
	}
	return &Runner{
		artifacts:  make(map[string]*artifactQueue),
		sb:         sb,
		dispatcher: dispatcher,
		sink:       sink,
		observer:   opts.Observer,
		cmdTimeout: opts.CommandTimeout,
		extraReady: extra,
		log:        logging.OrNop(log).Named("runner"),
		runID:      uuid.NewString(),
	}, nil
}

// OpenArtifact creates the queue for an artifact and starts its worker.
// Reopening a known id is a no-op: close events can be redelivered and an
// artifact is never reopened.
func (r *Runner) OpenArtifact(artifactID, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[artifactID]; ok {
		return
	}
	q := &artifactQueue{
		id:     artifactID,
		title:  title,
		states: make(map[string]*actionState),
		jobs:   make(chan func(), queueDepth),
		done:   make(chan struct{}),
	}
	r.artifacts[artifactID] = q
	r.log.Info("artifact opened",
		zap.String("run_id", r.runID),
		zap.String("artifact_id", artifactID),
		zap.String("title", title))
	go q.work()
}

func (q *artifactQueue) work() {
	for job := range q.jobs {
		job()
	}
	close(q.done)
}

// CloseArtifact seals the artifact's queue. Already-enqueued actions still
// run; the worker exits once they settle. Idempotent.
func (r *Runner) CloseArtifact(artifactID string) error {
	r.mu.Lock()
	q, ok := r.artifacts[artifactID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownArtifact
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.seal()
	r.log.Info("artifact closed", zap.String("artifact_id", artifactID))
	return nil
}

// AddAction registers an action in Pending status with a fresh abort
// handle. Re-registering a known id is a no-op, tolerating at-least-once
// delivery from the streaming parser.
func (r *Runner) AddAction(artifactID, actionID string, action Action) error {
	r.mu.Lock()
	q, ok := r.artifacts[artifactID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownArtifact
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.states[actionID]; exists {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.states[actionID] = &actionState{
		id:     actionID,
		action: action,
		status: StatusPending,
		ctx:    ctx,
		abort:  cancel,
	}
	q.order = append(q.order, actionID)
	r.log.Debug("action registered",
		zap.String("artifact_id", artifactID),
		zap.String("action_id", actionID),
		zap.String("kind", action.Kind()))
	return nil
}

// RunAction merges the final action fields over the pending record and
// appends its execution to the artifact's queue. The underlying handler
// runs exactly once no matter how many times the close event is
// redelivered.
func (r *Runner) RunAction(artifactID, actionID string, final Action) error {
	r.mu.Lock()
	q, ok := r.artifacts[artifactID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownArtifact
	}

	q.mu.Lock()
	st, exists := q.states[actionID]
	if !exists {
		// Shell and start actions are only ever delivered at close; the
		// open registration happens here.
		ctx, cancel := context.WithCancel(context.Background())
		st = &actionState{
			id:     actionID,
			status: StatusPending,
			ctx:    ctx,
			abort:  cancel,
		}
		q.states[actionID] = st
		q.order = append(q.order, actionID)
	}
	if st.executed {
		q.mu.Unlock()
		return nil
	}
	if q.closed {
		q.mu.Unlock()
		return ErrArtifactClosed
	}
	st.executed = true
	st.action = final
	q.mu.Unlock()

	q.sendMu.Lock()
	if q.sealed {
		// Lost the race against a concurrent close; undo the claim so the
		// action reads as never run.
		q.sendMu.Unlock()
		q.mu.Lock()
		st.executed = false
		q.mu.Unlock()
		return ErrArtifactClosed
	}
	q.jobs <- func() { r.execute(q, st) }
	q.sendMu.Unlock()
	return nil
}

// Abort invokes the action's abort handle. The cancellation is
// cooperative: the running handler observes it at its next suspension
// point, but the status flips to Aborted immediately regardless.
func (r *Runner) Abort(artifactID, actionID string) error {
	r.mu.Lock()
	q, ok := r.artifacts[artifactID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownArtifact
	}
	q.mu.Lock()
	st, exists := q.states[actionID]
	q.mu.Unlock()
	if !exists {
		return fmt.Errorf("unknown action %s/%s", artifactID, actionID)
	}
	st.abort()
	r.transition(q, st, StatusAborted, "")
	return nil
}

// Actions returns the artifact's action snapshots in arrival order.
func (r *Runner) Actions(artifactID string) ([]Snapshot, error) {
	r.mu.Lock()
	q, ok := r.artifacts[artifactID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownArtifact
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	snaps := make([]Snapshot, 0, len(q.order))
	for _, id := range q.order {
		snaps = append(snaps, q.states[id].snapshot())
	}
	return snaps, nil
}

// Wait blocks until every closed artifact's queue has drained, or ctx
// expires. Artifacts that never closed keep Wait blocked; pair with
// Shutdown when tearing down early.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	queues := make([]*artifactQueue, 0, len(r.artifacts))
	for _, q := range r.artifacts {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			select {
			case <-q.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Shutdown cancels every action's context and seals every queue. It does
// not wait; callers that care follow up with Wait.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	queues := make([]*artifactQueue, 0, len(r.artifacts))
	for _, q := range r.artifacts {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for _, st := range q.states {
			st.abort()
		}
		q.closed = true
		q.mu.Unlock()
		q.seal()
	}
}

func (st *actionState) snapshot() Snapshot {
	kind := ""
	if st.action != nil {
		kind = st.action.Kind()
	}
	return Snapshot{ID: st.id, Kind: kind, Status: st.status, Err: st.errMsg}
}

// transition advances the status machine. Terminal states are sticky;
// returns false when the transition was refused.
func (r *Runner) transition(q *artifactQueue, st *actionState, to Status, errMsg string) bool {
	q.mu.Lock()
	if st.status.Terminal() || to <= st.status {
		q.mu.Unlock()
		return false
	}
	st.status = to
	st.errMsg = errMsg
	snap := st.snapshot()
	q.mu.Unlock()

	if r.observer != nil {
		r.observer.ActionUpdated(q.id, snap)
	}
	return true
}

// execute runs one action to a terminal status. Failures are confined to
// the action itself; the worker proceeds to the next queued action.
func (r *Runner) execute(q *artifactQueue, st *actionState) {
	if !r.transition(q, st, StatusRunning, "") {
		// Aborted before it ever started.
		return
	}
	r.log.Info("action running",
		zap.String("artifact_id", q.id),
		zap.String("action_id", st.id),
		zap.String("kind", st.action.Kind()))

	var err error
	switch act := st.action.(type) {
	case FileAction:
		err = r.runFile(st.ctx, act)
	case ShellAction:
		err = r.runCommand(st.ctx, q, st, act.Command, false)
	case StartAction:
		err = r.runCommand(st.ctx, q, st, act.Command, true)
	case ToolAction:
		err = r.runTool(st.ctx, act)
	default:
		// The Action union is closed; reaching this is a bug, not input.
		panic(fmt.Sprintf("unhandled action kind %T", st.action))
	}

	switch {
	case err == nil:
		r.transition(q, st, StatusComplete, "")
	case errors.Is(err, context.Canceled):
		// Abort already forced the status; nothing to record.
	default:
		r.log.Warn("action failed",
			zap.String("artifact_id", q.id),
			zap.String("action_id", st.id),
			zap.Error(err))
		r.transition(q, st, StatusFailed, err.Error())
	}
}

func (r *Runner) runFile(ctx context.Context, act FileAction) error {
	return r.sb.WriteFile(ctx, act.FilePath, act.Content)
}

// runCommand spawns the command and streams output to the sink. For
// long-running commands, a ready match completes the action while the
// process keeps serving; its remaining output is drained in the
// background.
func (r *Runner) runCommand(ctx context.Context, q *artifactQueue, st *actionState, command string, longRunning bool) error {
	if !longRunning && r.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cmdTimeout)
		defer cancel()
	}

	fmt.Fprintf(r.sink, "$ %s\n", command)
	proc, err := r.sb.Spawn(ctx, command)
	if err != nil {
		return err
	}

	ready := newReadyScanner(r.extraReady)
	for chunk := range proc.Output() {
		io.WriteString(r.sink, chunk)
		if longRunning && st.ctx.Err() == nil && ready.scan(chunk) {
			r.log.Info("server ready",
				zap.String("artifact_id", q.id),
				zap.String("action_id", st.id),
				zap.String("process_id", proc.ID()))
			r.transition(q, st, StatusComplete, "")
			go r.drainOutput(proc)
			return nil
		}
	}

	code, werr := proc.Wait(ctx)
	if werr != nil {
		return werr
	}
	if code != 0 {
		return fmt.Errorf("command exited with code %d", code)
	}
	return nil
}

// drainOutput keeps forwarding a detached process's output so the
// producer never blocks on a full channel.
func (r *Runner) drainOutput(proc sandbox.Process) {
	for chunk := range proc.Output() {
		io.WriteString(r.sink, chunk)
	}
}

func (r *Runner) runTool(ctx context.Context, act ToolAction) error {
	result, err := r.dispatcher.Dispatch(ctx, tools.Invocation{
		AgentID: act.AgentID,
		Tool:    act.Tool,
		Params:  act.Params,
	})
	if err != nil {
		return err
	}
	if result != "" {
		io.WriteString(r.sink, result)
	}
	return nil
}
