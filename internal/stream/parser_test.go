package stream

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"boltflow/internal/toolcall"
)

// recorder captures every parser event in stream order.
type recorder struct {
	artifactOpens  []ArtifactData
	artifactCloses []ArtifactData
	actionOpens    []ActionData
	actionStreams  []ActionData
	actionCloses   []ActionData
	toolCalls      []toolcall.Event
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnArtifactOpen:  func(a ArtifactData) { r.artifactOpens = append(r.artifactOpens, a) },
		OnArtifactClose: func(a ArtifactData) { r.artifactCloses = append(r.artifactCloses, a) },
		OnActionOpen:    func(a ActionData) { r.actionOpens = append(r.actionOpens, a) },
		OnActionStream:  func(a ActionData) { r.actionStreams = append(r.actionStreams, a) },
		OnActionClose:   func(a ActionData) { r.actionCloses = append(r.actionCloses, a) },
		OnToolCall:      func(ev toolcall.Event) { r.toolCalls = append(r.toolCalls, ev) },
	}
}

const basicArtifact = `Before <boltArtifact title="T" id="a1">` +
	`<boltAction type="shell">npm install</boltAction>` +
	`</boltArtifact> After`

func TestVisibleTextStripsArtifact(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)

	visible := p.Parse("m1", basicArtifact)
	if visible != "Before  After" {
		t.Errorf("visible = %q, want %q", visible, "Before  After")
	}
	if len(rec.artifactOpens) != 1 || rec.artifactOpens[0].ID != "a1" || rec.artifactOpens[0].Title != "T" {
		t.Errorf("artifact opens = %+v", rec.artifactOpens)
	}
	if len(rec.artifactCloses) != 1 {
		t.Errorf("artifact closes = %+v", rec.artifactCloses)
	}
}

func TestShellActionOpensAtClose(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)

	// Feed everything up to just before the closing action tag: a shell
	// action must not surface on partial content.
	cut := strings.Index(basicArtifact, "</boltAction>")
	p.Parse("m1", basicArtifact[:cut])
	if len(rec.actionOpens) != 0 {
		t.Fatalf("shell action opened early: %+v", rec.actionOpens)
	}

	p.Parse("m1", basicArtifact)
	if len(rec.actionOpens) != 1 || len(rec.actionCloses) != 1 {
		t.Fatalf("opens=%d closes=%d, want 1/1", len(rec.actionOpens), len(rec.actionCloses))
	}
	got := rec.actionCloses[0]
	if got.Kind != KindShell || got.Content != "npm install" || got.ArtifactID != "a1" {
		t.Errorf("close event = %+v", got)
	}
}

func TestFileActionStreamsContent(t *testing.T) {
	input := `<boltArtifact title="App" id="a1">` +
		"<boltAction type=\"file\" filePath=\"src/index.js\">\nconsole.log('hi');\n</boltAction>" +
		`</boltArtifact>`

	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)

	// File actions open as soon as the opening tag is complete.
	head := strings.Index(input, ">\ncons") + 1
	p.Parse("m1", input[:head])
	if len(rec.actionOpens) != 1 {
		t.Fatalf("file action did not open at tag: %+v", rec.actionOpens)
	}
	if rec.actionOpens[0].FilePath != "src/index.js" {
		t.Errorf("filePath = %q", rec.actionOpens[0].FilePath)
	}

	// Growth surfaces partial content.
	p.Parse("m1", input[:head+10])
	if len(rec.actionStreams) == 0 {
		t.Fatal("no stream event on content growth")
	}
	last := rec.actionStreams[len(rec.actionStreams)-1]
	if !strings.HasPrefix("\nconsole.log('hi');\n", last.Content) {
		t.Errorf("streamed content %q is not a prefix of the file", last.Content)
	}

	p.Parse("m1", input)
	if len(rec.actionCloses) != 1 {
		t.Fatalf("closes = %+v", rec.actionCloses)
	}
	// Boundary newlines around the tags are padding, not file content.
	if got := rec.actionCloses[0].Content; got != "console.log('hi');" {
		t.Errorf("final content = %q", got)
	}
}

func TestSplitInvariance(t *testing.T) {
	input := "Intro text\n" + basicArtifact + "\n" +
		`<toolCall name="routeToAgent" agentId="coordinator">` +
		`<parameter name="query">status</parameter></toolCall>` +
		"\nOutro"

	oneShot := &recorder{}
	wantVisible := NewParser(oneShot.callbacks(), nil).Parse("m", input)

	chunked := &recorder{}
	cp := NewParser(chunked.callbacks(), nil)
	var visible strings.Builder
	for i := 1; i <= len(input); i++ {
		visible.WriteString(cp.Parse("m", input[:i]))
	}

	if visible.String() != wantVisible {
		t.Errorf("visible output diverged:\nchunked: %q\noneshot: %q", visible.String(), wantVisible)
	}
	if diff := cmp.Diff(oneShot.artifactOpens, chunked.artifactOpens); diff != "" {
		t.Errorf("artifact opens diverged:\n%s", diff)
	}
	if diff := cmp.Diff(oneShot.artifactCloses, chunked.artifactCloses); diff != "" {
		t.Errorf("artifact closes diverged:\n%s", diff)
	}
	if diff := cmp.Diff(oneShot.actionOpens, chunked.actionOpens); diff != "" {
		t.Errorf("action opens diverged:\n%s", diff)
	}
	if diff := cmp.Diff(oneShot.actionCloses, chunked.actionCloses); diff != "" {
		t.Errorf("action closes diverged:\n%s", diff)
	}
	if diff := cmp.Diff(oneShot.toolCalls, chunked.toolCalls); diff != "" {
		t.Errorf("tool calls diverged:\n%s", diff)
	}
}

func TestMisspelledTagsPassThrough(t *testing.T) {
	inputs := []string{
		`hello <boltArtifacs id="a" title="t">not a tag</boltArtifacs> bye`,
		`hello <boltArtifactt id="a" title="t"> bye`,
		`a < b and b <= c`,
		`generic <tags> are passed <through/>`,
	}
	for _, input := range inputs {
		rec := &recorder{}
		p := NewParser(rec.callbacks(), nil)
		if visible := p.Parse("m", input); visible != input {
			t.Errorf("visible = %q, want byte-identical %q", visible, input)
		}
		if len(rec.artifactOpens)+len(rec.actionOpens)+len(rec.toolCalls) != 0 {
			t.Errorf("unexpected events for %q", input)
		}
	}
}

func TestArtifactMissingAttributesPassesThrough(t *testing.T) {
	input := `x <boltArtifact title="only title"> y`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	if visible := p.Parse("m", input); visible != input {
		t.Errorf("visible = %q, want %q", visible, input)
	}
	if len(rec.artifactOpens) != 0 {
		t.Errorf("malformed artifact tag produced opens: %+v", rec.artifactOpens)
	}
}

func TestUnknownActionTypeSuppressed(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<boltAction type="deploy">rm -rf /</boltAction>` +
		`<boltAction type="shell">echo ok</boltAction>` +
		`</boltArtifact>`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	p.Parse("m", input)

	if len(rec.actionCloses) != 1 {
		t.Fatalf("closes = %+v, want only the shell action", rec.actionCloses)
	}
	if rec.actionCloses[0].Content != "echo ok" {
		t.Errorf("content = %q", rec.actionCloses[0].Content)
	}
	// The suppressed region still consumed an id slot, keeping ids aligned
	// with arrival order.
	if rec.actionCloses[0].ActionID != "1" {
		t.Errorf("action id = %q, want 1", rec.actionCloses[0].ActionID)
	}
}

func TestFileActionWithoutPathSuppressed(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<boltAction type="file">orphan content</boltAction>` +
		`</boltArtifact>`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	p.Parse("m", input)

	if len(rec.actionOpens) != 0 || len(rec.actionCloses) != 0 {
		t.Errorf("pathless file action surfaced: opens=%+v closes=%+v",
			rec.actionOpens, rec.actionCloses)
	}
	if len(rec.artifactCloses) != 1 {
		t.Errorf("artifact did not close cleanly")
	}
}

func TestToolCallInsideArtifact(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<toolCall name="lookup"><parameter name="q">x</parameter></toolCall>` +
		`<boltAction type="shell">echo done</boltAction>` +
		`</boltArtifact>`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	visible := p.Parse("m", input)

	if visible != "" {
		t.Errorf("visible = %q, want empty", visible)
	}
	if len(rec.toolCalls) != 2 {
		t.Fatalf("tool calls = %+v, want start+complete", rec.toolCalls)
	}
	if v, _ := rec.toolCalls[1].Params.Get("q"); v != "x" {
		t.Errorf("param q = %q", v)
	}
	if len(rec.actionCloses) != 1 || rec.actionCloses[0].Content != "echo done" {
		t.Errorf("action after tool call = %+v", rec.actionCloses)
	}
}

func TestUnterminatedToolCallEndedByArtifactClose(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<toolCall name="broken">` +
		`</boltArtifact>after`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	visible := p.Parse("m", input)

	if visible != "after" {
		t.Errorf("visible = %q, want %q", visible, "after")
	}
	if len(rec.artifactCloses) != 1 {
		t.Errorf("artifact close swallowed by unterminated tool call")
	}
}

func TestHoldsBackPartialTag(t *testing.T) {
	p := NewParser(Callbacks{}, nil)
	if got := p.Parse("m", "text <boltArt"); got != "text " {
		t.Errorf("visible = %q, want %q (partial tag held)", got, "text ")
	}
	// The held suffix turns out to be literal text.
	if got := p.Parse("m", "text <boltArtisan"); got != "<boltArtisan" {
		t.Errorf("visible = %q, want released literal", got)
	}
}

func TestResetMessageReparsesNothingOld(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	p.Parse("m", basicArtifact)
	p.ResetMessage("m")

	grown := basicArtifact + ` tail`
	if visible := p.Parse("m", grown); visible != " tail" {
		t.Errorf("visible after reset = %q, want %q", visible, " tail")
	}
	if len(rec.artifactOpens) != 1 {
		t.Errorf("artifact re-emitted after reset: %+v", rec.artifactOpens)
	}
}

func TestArtifactCloseEndsOpenAction(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<boltAction type="shell">echo hi` +
		`</boltArtifact>tail`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	visible := p.Parse("m", input)

	if visible != "tail" {
		t.Errorf("visible = %q, want %q", visible, "tail")
	}
	if len(rec.actionCloses) != 1 || rec.actionCloses[0].Content != "echo hi" {
		t.Fatalf("closes = %+v, want implicit close with content", rec.actionCloses)
	}
	if len(rec.artifactCloses) != 1 {
		t.Errorf("artifact close missing")
	}
}

func TestActionIDsCountPerMessage(t *testing.T) {
	input := `<boltArtifact title="T" id="a1">` +
		`<boltAction type="shell">one</boltAction>` +
		`<boltAction type="shell">two</boltAction>` +
		`</boltArtifact>`
	rec := &recorder{}
	p := NewParser(rec.callbacks(), nil)
	p.Parse("m", input)

	if len(rec.actionCloses) != 2 {
		t.Fatalf("closes = %d, want 2", len(rec.actionCloses))
	}
	if rec.actionCloses[0].ActionID != "0" || rec.actionCloses[1].ActionID != "1" {
		t.Errorf("action ids = %q, %q", rec.actionCloses[0].ActionID, rec.actionCloses[1].ActionID)
	}
}
