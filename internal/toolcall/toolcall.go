// Package toolcall implements the character-level state machine that
// recognizes tool-call markup inside a streaming model response:
//
//	<toolCall name="..." agentId="...">
//	  <parameter name="...">value</parameter>
//	</toolCall>
//
// The parser is incremental: it is handed the full buffer accumulated so
// far for a message and resumes from its own per-message cursor, so a tag
// split at any byte boundary across successive calls still parses exactly
// once. A tool call may appear anywhere in the stream, standalone or inside
// an artifact region.
package toolcall

import (
	"sync"

	"go.uber.org/zap"

	"boltflow/internal/logging"
	"boltflow/internal/markup"
)

// Tag keywords recognized by the parser.
const (
	openToolCall   = "<toolCall"
	closeToolCall  = "</toolCall>"
	openParameter  = "<parameter"
	closeParameter = "</parameter>"
)

// Phase distinguishes the two event kinds a tool call produces.
type Phase int

const (
	// PhaseStart fires once the opening tag's attributes are fully parsed.
	PhaseStart Phase = iota

	// PhaseComplete fires once the closing tag is reached, carrying the
	// accumulated parameters.
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Param is a single named argument of a tool call.
type Param struct {
	Name  string
	Value string
}

// Params preserves parameter insertion order.
type Params []Param

// Get returns the value for name and whether it was present.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Map returns the parameters as a plain map. Order is lost; later
// duplicates win, matching insertion semantics.
func (ps Params) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Name] = p.Value
	}
	return m
}

// Event is emitted when a tool call starts or completes.
type Event struct {
	// MessageID identifies the message stream the call appeared in.
	MessageID string

	// CallID is a per-message monotonically increasing counter. It is not
	// derived from content, so regenerated text yields fresh ids.
	CallID int

	// Name is the tool being invoked.
	Name string

	// AgentID is the agent capability namespace for the call.
	AgentID string

	// Params carries the accumulated parameters. Only set on complete.
	Params Params

	// Phase is start or complete.
	Phase Phase
}

type state int

const (
	stateIdle state = iota
	stateCollectingTagName
	stateInsideToolCall
	stateInsideParameter
)

// cursor is the per-message parse state. The position only ever advances.
type cursor struct {
	position int
	state    state

	nextCallID int

	// tagStart is the absolute offset of the '<' of the candidate tag
	// currently being collected.
	tagStart int

	// Current call under construction.
	callID  int
	name    string
	agentID string
	params  Params

	// Current parameter under construction.
	paramName  string
	valueStart int

	// inBody is true once the opening tag has been consumed, i.e. the
	// InsideToolCall state is scanning call body rather than attributes.
	inBody bool
}

// Parser recognizes tool-call markup across growing per-message buffers.
// Safe for concurrent use across messages; calls for one message are
// expected to be serial, as the stream itself is.
type Parser struct {
	mu      sync.Mutex
	cursors map[string]*cursor
	log     *zap.Logger
}

// NewParser returns a parser with an empty cursor registry.
func NewParser(log *zap.Logger) *Parser {
	return &Parser{
		cursors: make(map[string]*cursor),
		log:     logging.OrNop(log).Named("toolcall"),
	}
}

// ResetMessage reinitializes the parse state for a message while keeping
// its stream position. Used when a message is being regenerated in place.
func (p *Parser) ResetMessage(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cursors[messageID]; ok {
		pos := c.position
		*c = cursor{position: pos}
	}
}

// RemoveMessage fully forgets a message's state. Used when history is
// pruned.
func (p *Parser) RemoveMessage(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cursors, messageID)
}

// Parse advances the cursor for messageID over input, which must be the
// full buffer received so far for that message. It returns at most one
// event per call; callers loop until nil to drain a buffer that contains
// several transitions.
func (p *Parser) Parse(messageID, input string) *Event {
	p.mu.Lock()
	c, ok := p.cursors[messageID]
	if !ok {
		c = &cursor{}
		p.cursors[messageID] = c
	}
	p.mu.Unlock()

	for c.position < len(input) || c.state != stateIdle {
		switch c.state {
		case stateIdle:
			if !p.scanIdle(c, input) {
				return nil
			}
		case stateCollectingTagName:
			if !p.collectTagName(c, input) {
				return nil
			}
		case stateInsideToolCall:
			ev, progress := p.scanToolCall(messageID, c, input)
			if ev != nil {
				return ev
			}
			if !progress {
				return nil
			}
		case stateInsideParameter:
			if !p.scanParameter(c, input) {
				return nil
			}
		}
	}
	return nil
}

// scanIdle consumes text until a '<' that could begin a tool call.
// Returns false when the buffer is exhausted.
func (p *Parser) scanIdle(c *cursor, input string) bool {
	for c.position < len(input) {
		if input[c.position] == '<' {
			c.tagStart = c.position
			c.state = stateCollectingTagName
			return true
		}
		c.position++
	}
	return false
}

// collectTagName decides whether the tag at tagStart is a tool call.
// Returns false when more bytes are needed.
func (p *Parser) collectTagName(c *cursor, input string) bool {
	rest := input[c.tagStart:]
	switch markup.MatchKeyword(rest, openToolCall) {
	case markup.MatchPartial:
		return false
	case markup.MatchNone:
		c.position = c.tagStart + 1
		c.state = stateIdle
		return true
	}
	// Full keyword with a boundary; InsideToolCall parses the attributes.
	c.state = stateInsideToolCall
	c.inBody = false
	return true
}

// scanToolCall handles both halves of the InsideToolCall state: collecting
// the opening tag's attributes up to '>', then scanning the call body for
// parameters or the closing tag. Returns (event, progressed).
func (p *Parser) scanToolCall(messageID string, c *cursor, input string) (*Event, bool) {
	if !c.inBody {
		gt := indexByte(input, c.tagStart, '>')
		if gt < 0 {
			return nil, false
		}
		attrs := markup.ScanAttributes(input[c.tagStart+len(openToolCall) : gt])
		c.name, _ = attrs.Get("name")
		c.agentID, _ = attrs.Get("agentId")
		c.callID = c.nextCallID
		c.nextCallID++
		c.params = nil
		c.position = gt + 1
		c.inBody = true
		p.log.Debug("tool call opened",
			zap.String("message_id", messageID),
			zap.Int("call_id", c.callID),
			zap.String("name", c.name),
			zap.String("agent_id", c.agentID))
		return &Event{
			MessageID: messageID,
			CallID:    c.callID,
			Name:      c.name,
			AgentID:   c.agentID,
			Phase:     PhaseStart,
		}, true
	}

	for c.position < len(input) {
		if input[c.position] != '<' {
			c.position++
			continue
		}
		rest := input[c.position:]

		if m := markup.MatchLiteral(rest, closeToolCall); m == markup.MatchPartial {
			return nil, false
		} else if m == markup.MatchFull {
			params := c.params
			callID := c.callID
			name := c.name
			agentID := c.agentID
			pos := c.position + len(closeToolCall)
			// Reset for the next call in the same message, preserving the
			// absolute stream position and the id counter.
			next := c.nextCallID
			*c = cursor{position: pos, nextCallID: next}
			p.log.Debug("tool call completed",
				zap.String("message_id", messageID),
				zap.Int("call_id", callID),
				zap.String("name", name),
				zap.Int("params", len(params)))
			return &Event{
				MessageID: messageID,
				CallID:    callID,
				Name:      name,
				AgentID:   agentID,
				Params:    params,
				Phase:     PhaseComplete,
			}, true
		}

		if m := markup.MatchKeyword(rest, openParameter); m == markup.MatchPartial {
			return nil, false
		} else if m == markup.MatchFull {
			gt := indexByte(input, c.position, '>')
			if gt < 0 {
				return nil, false
			}
			attrs := markup.ScanAttributes(input[c.position+len(openParameter) : gt])
			c.paramName, _ = attrs.Get("name")
			c.valueStart = gt + 1
			c.position = gt + 1
			c.state = stateInsideParameter
			return nil, true
		}

		if m := markup.MatchKeyword(rest, openToolCall); m == markup.MatchPartial {
			return nil, false
		} else if m == markup.MatchFull {
			// Nested tool calls are not supported. The inner opening tag is
			// swallowed rather than rejected; parsing continues inside the
			// outer call.
			gt := indexByte(input, c.position, '>')
			if gt < 0 {
				return nil, false
			}
			p.log.Warn("ignoring nested tool call",
				zap.String("message_id", messageID),
				zap.Int("call_id", c.callID))
			c.position = gt + 1
			continue
		}

		c.position++
	}
	return nil, false
}

// scanParameter collects raw value text up to the matching closing tag.
// Everything before </parameter> is value text, markup included.
// Returns false when more bytes are needed.
func (p *Parser) scanParameter(c *cursor, input string) bool {
	i := c.position
	for i < len(input) {
		if input[i] != '<' {
			i++
			continue
		}
		switch markup.MatchLiteral(input[i:], closeParameter) {
		case markup.MatchPartial:
			c.position = i
			return false
		case markup.MatchFull:
			c.params = append(c.params, Param{
				Name:  c.paramName,
				Value: input[c.valueStart:i],
			})
			c.position = i + len(closeParameter)
			c.paramName = ""
			c.state = stateInsideToolCall
			return true
		}
		i++
	}
	c.position = i
	return false
}

func indexByte(s string, from int, b byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
