// Package replay feeds a model transcript through the tag-stream parser
// and into the action engine, either all at once, in fixed-size growth
// steps, or by tailing a file that is still being written.
package replay

import (
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"boltflow/internal/actions"
	"boltflow/internal/logging"
	"boltflow/internal/stream"
	"boltflow/internal/toolcall"
)

// syntheticArtifactID hosts tool calls that appear outside any artifact:
// the engine's queues are per artifact, so standalone calls get a
// per-message pseudo artifact.
const syntheticArtifactID = "message-tools"

// PipelineOptions tune event routing.
type PipelineOptions struct {
	// Out receives the visible prose as it is uncovered. Nil discards.
	Out io.Writer

	// OnFilePreview, when set, receives file content as it streams in,
	// before the write executes. This backs live "typing" previews.
	OnFilePreview func(path, content string)
}

// Pipeline binds a parser to a runner for one message stream.
type Pipeline struct {
	parser *stream.Parser
	runner *actions.Runner
	out    io.Writer
	opts   PipelineOptions
	log    *zap.Logger

	messageID string

	mu sync.Mutex
	// openArtifact tracks where in-flight tool calls should land.
	openArtifact  string
	syntheticOpen bool
}

// NewPipeline wires the parser callbacks into runner. messageID scopes the
// parse cursor; one pipeline serves one message.
func NewPipeline(messageID string, runner *actions.Runner, opts PipelineOptions, log *zap.Logger) *Pipeline {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	p := &Pipeline{
		runner:    runner,
		out:       out,
		opts:      opts,
		log:       logging.OrNop(log).Named("replay"),
		messageID: messageID,
	}
	p.parser = stream.NewParser(stream.Callbacks{
		OnArtifactOpen:  p.artifactOpen,
		OnArtifactClose: p.artifactClose,
		OnActionOpen:    p.actionOpen,
		OnActionStream:  p.actionStream,
		OnActionClose:   p.actionClose,
		OnToolCall:      p.toolCall,
	}, log)
	return p
}

// Feed hands the full buffer received so far to the parser and writes the
// newly visible text to Out.
func (p *Pipeline) Feed(fullBuffer string) error {
	delta := p.parser.Parse(p.messageID, fullBuffer)
	if delta == "" {
		return nil
	}
	_, err := io.WriteString(p.out, delta)
	return err
}

// Finish seals queues that only the end of the stream can close: the
// synthetic tool artifact, and any artifact whose closing tag never
// arrived.
func (p *Pipeline) Finish() {
	p.mu.Lock()
	open := p.openArtifact
	synthetic := p.syntheticOpen
	p.mu.Unlock()

	if open != "" {
		p.log.Warn("stream ended with artifact still open",
			zap.String("artifact_id", open))
		_ = p.runner.CloseArtifact(open)
	}
	if synthetic {
		_ = p.runner.CloseArtifact(syntheticArtifactID)
	}
}

func (p *Pipeline) artifactOpen(a stream.ArtifactData) {
	p.mu.Lock()
	p.openArtifact = a.ID
	p.mu.Unlock()
	p.runner.OpenArtifact(a.ID, a.Title)
}

func (p *Pipeline) artifactClose(a stream.ArtifactData) {
	p.mu.Lock()
	p.openArtifact = ""
	p.mu.Unlock()
	if err := p.runner.CloseArtifact(a.ID); err != nil {
		p.log.Warn("artifact close failed",
			zap.String("artifact_id", a.ID), zap.Error(err))
	}
}

func (p *Pipeline) actionOpen(a stream.ActionData) {
	if err := p.runner.AddAction(a.ArtifactID, a.ActionID, toAction(a)); err != nil {
		p.log.Warn("action registration failed",
			zap.String("artifact_id", a.ArtifactID),
			zap.String("action_id", a.ActionID), zap.Error(err))
	}
}

func (p *Pipeline) actionStream(a stream.ActionData) {
	if p.opts.OnFilePreview != nil && a.Kind == stream.KindFile {
		p.opts.OnFilePreview(a.FilePath, a.Content)
	}
}

func (p *Pipeline) actionClose(a stream.ActionData) {
	// AddAction tolerates redelivery; it guarantees registration for the
	// kinds that only open at close.
	_ = p.runner.AddAction(a.ArtifactID, a.ActionID, toAction(a))
	if err := p.runner.RunAction(a.ArtifactID, a.ActionID, toAction(a)); err != nil {
		p.log.Warn("action run failed to enqueue",
			zap.String("artifact_id", a.ArtifactID),
			zap.String("action_id", a.ActionID), zap.Error(err))
	}
}

// toolCall routes a completed call into the enclosing artifact's queue,
// or the synthetic per-message queue when the call is standalone.
func (p *Pipeline) toolCall(ev toolcall.Event) {
	if ev.Phase != toolcall.PhaseComplete {
		return
	}

	p.mu.Lock()
	target := p.openArtifact
	if target == "" {
		target = syntheticArtifactID
		if !p.syntheticOpen {
			p.syntheticOpen = true
			p.mu.Unlock()
			p.runner.OpenArtifact(syntheticArtifactID, "Tool calls")
			p.mu.Lock()
		}
	}
	p.mu.Unlock()

	actionID := "tool-" + strconv.Itoa(ev.CallID)
	act := actions.ToolAction{
		AgentID: ev.AgentID,
		Tool:    ev.Name,
		Params:  ev.Params,
	}
	_ = p.runner.AddAction(target, actionID, act)
	if err := p.runner.RunAction(target, actionID, act); err != nil {
		p.log.Warn("tool call failed to enqueue",
			zap.String("artifact_id", target),
			zap.Int("call_id", ev.CallID), zap.Error(err))
	}
}

func toAction(a stream.ActionData) actions.Action {
	switch a.Kind {
	case stream.KindFile:
		return actions.FileAction{FilePath: a.FilePath, Content: a.Content}
	case stream.KindStart:
		return actions.StartAction{Command: a.Content}
	default:
		return actions.ShellAction{Command: a.Content}
	}
}
