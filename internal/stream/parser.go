// Package stream implements the incremental tag-stream parser that turns a
// model's streaming response into clean visible prose plus artifact, action
// and tool-call events.
//
// The parser is handed the full buffer accumulated so far for a message and
// resumes from a per-message cursor, so callers feed it the same growing
// string on every chunk. Recognized markup is stripped from the visible
// output; everything else passes through byte for byte. The core invariant
// is the incomplete-tag policy: a suffix that could still become a
// recognized tag is held back until it either completes (and is consumed as
// markup) or stops matching (and is flushed as literal text). No chunk
// boundary can leak a tag fragment into visible output, and no literal text
// that merely starts with '<' is ever lost.
package stream

import (
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"boltflow/internal/logging"
	"boltflow/internal/markup"
	"boltflow/internal/toolcall"
)

// Tag keywords of the artifact grammar.
const (
	openArtifact  = "<boltArtifact"
	closeArtifact = "</boltArtifact>"
	openAction    = "<boltAction"
	closeAction   = "</boltAction>"
	openToolCall  = "<toolCall"
	closeToolCall = "</toolCall>"
)

// Action kinds recognized by the grammar. The engine's dispatch is closed
// over exactly these; the parser never forwards any other type attribute.
const (
	KindFile  = "file"
	KindShell = "shell"
	KindStart = "start"
)

// ArtifactData identifies an artifact region.
type ArtifactData struct {
	MessageID string
	ID        string
	Title     string
}

// ActionData describes an action region. Content is the inner text
// accumulated so far (final on close).
type ActionData struct {
	MessageID  string
	ArtifactID string

	// ActionID is a per-message arrival counter rendered as a string; it is
	// the key the execution engine deduplicates on.
	ActionID string

	// Kind is one of KindFile, KindShell, KindStart.
	Kind string

	// FilePath is set for file actions only.
	FilePath string

	Content string
}

// Callbacks receive parse events. Nil members are skipped. Callbacks run
// synchronously inside Parse, in stream order.
type Callbacks struct {
	OnArtifactOpen  func(ArtifactData)
	OnArtifactClose func(ArtifactData)
	OnActionOpen    func(ActionData)
	OnActionStream  func(ActionData)
	OnActionClose   func(ActionData)
	OnToolCall      func(toolcall.Event)
}

type state int

const (
	stateText state = iota
	stateArtifact
	stateAction
	stateToolCall
)

// cursor is the per-message parse state. position only ever advances.
type cursor struct {
	position int
	state    state

	// returnState is where a tool-call region hands control back to.
	returnState state

	artifact ArtifactData

	action      ActionData
	actionStart int // absolute offset of the action's inner content

	// suppressed marks an action region whose opening tag was recognized
	// but unusable (unknown type, or file without filePath). The region is
	// consumed without emitting events so the engine's closed dispatch
	// never sees an unknown kind.
	suppressed bool

	// streamedLen is how much file content has already been surfaced via
	// OnActionStream, to emit only on growth.
	streamedLen int

	actionCounter int
}

// Parser is the tag-stream parser. One instance owns a cursor registry
// keyed by message id; no process-wide state is involved.
type Parser struct {
	mu        sync.Mutex
	cursors   map[string]*cursor
	callbacks Callbacks
	tc        *toolcall.Parser
	log       *zap.Logger
}

// NewParser returns a parser delivering events to cb.
func NewParser(cb Callbacks, log *zap.Logger) *Parser {
	log = logging.OrNop(log)
	return &Parser{
		cursors:   make(map[string]*cursor),
		callbacks: cb,
		tc:        toolcall.NewParser(log),
		log:       log.Named("stream"),
	}
}

// ResetMessage reinitializes parse state for a message while keeping its
// stream position, for in-place regeneration. The tool-call cursor is reset
// alongside.
func (p *Parser) ResetMessage(messageID string) {
	p.mu.Lock()
	if c, ok := p.cursors[messageID]; ok {
		pos := c.position
		*c = cursor{position: pos}
	}
	p.mu.Unlock()
	p.tc.ResetMessage(messageID)
}

// RemoveMessage forgets a message entirely.
func (p *Parser) RemoveMessage(messageID string) {
	p.mu.Lock()
	delete(p.cursors, messageID)
	p.mu.Unlock()
	p.tc.RemoveMessage(messageID)
}

// Parse consumes the unread suffix of input, which must be the full buffer
// received so far for messageID, and returns the newly visible text.
// Callbacks fire synchronously before it returns.
func (p *Parser) Parse(messageID, input string) string {
	p.mu.Lock()
	c, ok := p.cursors[messageID]
	if !ok {
		c = &cursor{}
		p.cursors[messageID] = c
	}
	p.mu.Unlock()

	// The tool-call parser runs over the same buffer with its own cursor;
	// it finds tool-call markup wherever it appears. Draining it first
	// keeps its events ahead of the region stripping below.
	if p.callbacks.OnToolCall != nil {
		for ev := p.tc.Parse(messageID, input); ev != nil; ev = p.tc.Parse(messageID, input) {
			p.callbacks.OnToolCall(*ev)
		}
	} else {
		for p.tc.Parse(messageID, input) != nil {
		}
	}

	var out strings.Builder
	for {
		var progress bool
		switch c.state {
		case stateText:
			progress = p.scanText(messageID, c, input, &out)
		case stateArtifact:
			progress = p.scanArtifact(messageID, c, input)
		case stateAction:
			progress = p.scanAction(c, input)
		case stateToolCall:
			progress = p.scanToolCallRegion(c, input)
		}
		if !progress {
			return out.String()
		}
	}
}

// scanText emits visible text until markup opens. Returns false when more
// bytes are needed.
func (p *Parser) scanText(messageID string, c *cursor, input string, out *strings.Builder) bool {
	for c.position < len(input) {
		lt := strings.IndexByte(input[c.position:], '<')
		if lt < 0 {
			out.WriteString(input[c.position:])
			c.position = len(input)
			return false
		}
		j := c.position + lt
		out.WriteString(input[c.position:j])
		c.position = j
		rest := input[j:]

		mArtifact := markup.MatchKeyword(rest, openArtifact)
		mTool := markup.MatchKeyword(rest, openToolCall)
		if mArtifact == markup.MatchPartial || mTool == markup.MatchPartial {
			// Could still become a recognized tag; hold it back.
			return false
		}

		if mArtifact == markup.MatchFull {
			gt := strings.IndexByte(rest, '>')
			if gt < 0 {
				return false // attributes still arriving
			}
			attrs := markup.ScanAttributes(rest[len(openArtifact):gt])
			id, hasID := attrs.Get("id")
			title, hasTitle := attrs.Get("title")
			if !hasID || !hasTitle {
				// Malformed artifact tag: degrade to literal passthrough.
				p.log.Warn("artifact tag missing required attributes",
					zap.String("message_id", messageID))
				out.WriteString(rest[:gt+1])
				c.position = j + gt + 1
				continue
			}
			c.artifact = ArtifactData{MessageID: messageID, ID: id, Title: title}
			c.position = j + gt + 1
			c.state = stateArtifact
			p.log.Debug("artifact opened",
				zap.String("message_id", messageID),
				zap.String("artifact_id", id),
				zap.String("title", title))
			if p.callbacks.OnArtifactOpen != nil {
				p.callbacks.OnArtifactOpen(c.artifact)
			}
			return true
		}

		if mTool == markup.MatchFull {
			c.returnState = stateText
			c.state = stateToolCall
			return true
		}

		// Not a recognized tag: the '<' is literal text.
		out.WriteByte('<')
		c.position = j + 1
	}
	return false
}

// scanArtifact consumes an artifact region between actions. Inner prose is
// not visible output. Returns false when more bytes are needed.
func (p *Parser) scanArtifact(messageID string, c *cursor, input string) bool {
	for c.position < len(input) {
		lt := strings.IndexByte(input[c.position:], '<')
		if lt < 0 {
			c.position = len(input)
			return false
		}
		j := c.position + lt
		c.position = j
		rest := input[j:]

		mClose := markup.MatchLiteral(rest, closeArtifact)
		mAction := markup.MatchKeyword(rest, openAction)
		mTool := markup.MatchKeyword(rest, openToolCall)
		if mClose == markup.MatchPartial || mAction == markup.MatchPartial || mTool == markup.MatchPartial {
			return false
		}

		if mClose == markup.MatchFull {
			c.position = j + len(closeArtifact)
			c.state = stateText
			p.log.Debug("artifact closed",
				zap.String("message_id", messageID),
				zap.String("artifact_id", c.artifact.ID))
			if p.callbacks.OnArtifactClose != nil {
				p.callbacks.OnArtifactClose(c.artifact)
			}
			return true
		}

		if mAction == markup.MatchFull {
			gt := strings.IndexByte(rest, '>')
			if gt < 0 {
				return false
			}
			attrs := markup.ScanAttributes(rest[len(openAction):gt])
			kind, _ := attrs.Get("type")
			filePath, _ := attrs.Get("filePath")

			c.action = ActionData{
				MessageID:  messageID,
				ArtifactID: c.artifact.ID,
				ActionID:   actionID(c),
				Kind:       kind,
				FilePath:   filePath,
			}
			c.actionCounter++
			c.suppressed = false
			c.streamedLen = 0

			switch {
			case kind == KindFile && filePath == "":
				p.log.Warn("file action missing filePath, suppressing",
					zap.String("message_id", messageID),
					zap.String("artifact_id", c.artifact.ID))
				c.suppressed = true
			case kind != KindFile && kind != KindShell && kind != KindStart:
				p.log.Warn("unknown action type, suppressing",
					zap.String("message_id", messageID),
					zap.String("type", kind))
				c.suppressed = true
			}

			c.actionStart = j + gt + 1
			c.position = c.actionStart
			c.state = stateAction

			// File actions open immediately so observers can render the
			// write as it streams. Shell and start actions must never run
			// on partial content, so they open only at close.
			if !c.suppressed && c.action.Kind == KindFile && p.callbacks.OnActionOpen != nil {
				p.callbacks.OnActionOpen(c.action)
			}
			return true
		}

		if mTool == markup.MatchFull {
			c.returnState = stateArtifact
			c.state = stateToolCall
			return true
		}

		// Stray '<' inside the artifact body; skip it.
		c.position = j + 1
	}
	return false
}

// scanAction accumulates action content up to the closing tag. An artifact
// close arriving first ends the action implicitly at the artifact boundary.
// Returns false when more bytes are needed.
func (p *Parser) scanAction(c *cursor, input string) bool {
	idx := strings.Index(input[c.position:], closeAction)
	artIdx := strings.Index(input[c.position:], closeArtifact)
	if artIdx >= 0 && (idx < 0 || artIdx < idx) {
		end := c.position + artIdx
		p.finishAction(c, input[c.actionStart:end])
		c.position = end
		c.state = stateArtifact
		return true
	}
	if idx >= 0 {
		end := c.position + idx
		p.finishAction(c, input[c.actionStart:end])
		c.position = end + len(closeAction)
		c.state = stateArtifact
		return true
	}

	// No closing tag yet. Stream file content growth, excluding any suffix
	// that could be the start of the closing tag.
	safe := holdBoundary(input, c.position, closeAction, closeArtifact)
	if !c.suppressed && c.action.Kind == KindFile && safe-c.actionStart > c.streamedLen {
		c.streamedLen = safe - c.actionStart
		if p.callbacks.OnActionStream != nil {
			streamed := c.action
			streamed.Content = input[c.actionStart:safe]
			p.callbacks.OnActionStream(streamed)
		}
	}
	if safe > c.position {
		c.position = safe
	}
	return false
}

// finishAction emits the open/close pair for a completed action region.
func (p *Parser) finishAction(c *cursor, rawContent string) {
	if c.suppressed {
		return
	}
	c.action.Content = finalizeContent(c.action.Kind, rawContent)
	if c.action.Kind != KindFile && p.callbacks.OnActionOpen != nil {
		p.callbacks.OnActionOpen(c.action)
	}
	if p.callbacks.OnActionClose != nil {
		p.callbacks.OnActionClose(c.action)
	}
}

// scanToolCallRegion swallows a tool-call region from visible output. The
// events themselves come from the delegated tool-call parser. Returns false
// when more bytes are needed.
func (p *Parser) scanToolCallRegion(c *cursor, input string) bool {
	idx := strings.Index(input[c.position:], closeToolCall)

	// Malformed nesting: an artifact close arriving before the tool call
	// ends implicitly terminates the region so the artifact can close.
	if c.returnState == stateArtifact {
		artIdx := strings.Index(input[c.position:], closeArtifact)
		if artIdx >= 0 && (idx < 0 || artIdx < idx) {
			c.position += artIdx
			c.state = stateArtifact
			return true
		}
	}

	if idx >= 0 {
		c.position += idx + len(closeToolCall)
		c.state = c.returnState
		return true
	}

	safe := holdBoundary(input, c.position, closeToolCall, closeArtifact)
	if safe > c.position {
		c.position = safe
	}
	return false
}

// holdBoundary returns the largest offset <= len(input) such that the
// suffix beyond it cannot be dropped: if the buffer tail is a partial match
// of any of the given closing tags, the boundary stops at its '<'.
func holdBoundary(input string, from int, literals ...string) int {
	lt := strings.LastIndexByte(input[from:], '<')
	if lt < 0 {
		return len(input)
	}
	j := from + lt
	for _, lit := range literals {
		if markup.MatchLiteral(input[j:], lit) == markup.MatchPartial {
			return j
		}
	}
	return len(input)
}

// finalizeContent normalizes action content once the closing tag is seen.
// Shell commands are trimmed of surrounding whitespace; file contents keep
// interior whitespace but drop the newlines that pad the tag boundaries.
func finalizeContent(kind, content string) string {
	if kind == KindFile {
		return strings.Trim(content, "\r\n")
	}
	return strings.TrimSpace(content)
}

func actionID(c *cursor) string {
	return strconv.Itoa(c.actionCounter)
}
