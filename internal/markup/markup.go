// Package markup holds the byte-level primitives shared by the tag-stream
// and tool-call parsers: tag keyword matching against a possibly truncated
// buffer, and attribute scanning for simple name="value" opening tags.
//
// Matching against truncated input is the heart of the streaming parsers'
// correctness: a suffix that could still grow into a recognized tag must be
// reported as partial so callers hold it back from visible output instead
// of emitting fragments or dropping literal text.
package markup

import "strings"

// Match classifies how a buffer suffix relates to a tag keyword.
type Match int

const (
	// MatchNone means the text can never become the keyword.
	MatchNone Match = iota

	// MatchPartial means the text is a proper prefix of the keyword (or of
	// the keyword plus its boundary); more bytes are needed to decide.
	MatchPartial

	// MatchFull means the keyword is present with a valid boundary.
	MatchFull
)

// MatchKeyword reports whether s begins with keyword followed by a tag
// boundary (whitespace, '>', or '/'). The boundary requirement is what
// keeps near-miss names like "<boltArtifactt" from matching "<boltArtifact".
func MatchKeyword(s, keyword string) Match {
	if len(s) < len(keyword) {
		if strings.HasPrefix(keyword, s) {
			return MatchPartial
		}
		return MatchNone
	}
	if !strings.HasPrefix(s, keyword) {
		return MatchNone
	}
	if len(s) == len(keyword) {
		// Keyword fully present but the boundary byte hasn't arrived.
		return MatchPartial
	}
	switch s[len(keyword)] {
	case ' ', '\t', '\n', '\r', '>', '/':
		return MatchFull
	default:
		return MatchNone
	}
}

// MatchLiteral reports whether s begins with the exact literal (used for
// closing tags, which carry no attributes).
func MatchLiteral(s, literal string) Match {
	if len(s) < len(literal) {
		if strings.HasPrefix(literal, s) {
			return MatchPartial
		}
		return MatchNone
	}
	if strings.HasPrefix(s, literal) {
		return MatchFull
	}
	return MatchNone
}

// Attr is a single attribute from an opening tag.
type Attr struct {
	Name  string
	Value string
}

// Attributes preserves attribute order of appearance.
type Attributes []Attr

// Get returns the value for name and whether it was present.
func (as Attributes) Get(name string) (string, bool) {
	for _, a := range as {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// ScanAttributes extracts name="value" pairs from the inside of an opening
// tag (the text between the tag keyword and '>'). Values must be double
// quoted; attribute order is insignificant to callers; malformed trailing
// fragments are ignored rather than reported, because by the time this is
// called the tag has already been recognized.
func ScanAttributes(s string) Attributes {
	var attrs Attributes
	i := 0
	for i < len(s) {
		// Skip whitespace and stray '/' from self-closing-style tags.
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r' || s[i] == '/') {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' {
			i++
		}
		if start == i || i >= len(s) || s[i] != '=' {
			// No attribute name or no '='; skip forward.
			i++
			continue
		}
		name := s[start:i]
		i++ // consume '='
		if i >= len(s) || s[i] != '"' {
			continue
		}
		i++ // consume opening quote
		valStart := i
		for i < len(s) && s[i] != '"' {
			i++
		}
		if i >= len(s) {
			break // unterminated value
		}
		attrs = append(attrs, Attr{Name: name, Value: s[valStart:i]})
		i++ // consume closing quote
	}
	return attrs
}
