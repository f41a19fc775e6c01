package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T) *Local {
	t.Helper()
	sb, err := NewLocal(Options{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func collect(t *testing.T, p Process) string {
	t.Helper()
	var sb strings.Builder
	for chunk := range p.Output() {
		sb.WriteString(chunk)
	}
	return sb.String()
}

func TestWriteFileCreatesParents(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.WriteFile(context.Background(), "src/deep/nested/app.js", "content"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(sb.Root(), "src/deep/nested/app.js"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteFileRerootsAbsolutePaths(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.WriteFile(context.Background(), "/etc/app.conf", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "etc/app.conf")); err != nil {
		t.Errorf("absolute path not re-rooted: %v", err)
	}
}

func TestWriteFileRejectsTraversal(t *testing.T) {
	sb := newTestSandbox(t)
	for _, path := range []string{"../../escape.txt", "..", "src/../../escape.txt"} {
		err := sb.WriteFile(context.Background(), path, "x")
		if !errors.Is(err, ErrOutsideWorkspace) {
			t.Errorf("WriteFile(%q) err = %v, want ErrOutsideWorkspace", path, err)
		}
	}
	// Traversal that stays inside the workspace is fine.
	if err := sb.WriteFile(context.Background(), "src/../ok.txt", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(sb.Root(), "ok.txt")); err != nil {
		t.Errorf("contained traversal not written: %v", err)
	}
}

func TestWriteFileHonorsContext(t *testing.T) {
	sb := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sb.WriteFile(ctx, "a.txt", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Spawn(context.Background(), "echo hello; echo world >&2")
	if err != nil {
		t.Fatal(err)
	}
	out := collect(t, proc)
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Errorf("output = %q", out)
	}
	code, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
}

func TestSpawnReportsExitCode(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Spawn(context.Background(), "exit 3")
	if err != nil {
		t.Fatal(err)
	}
	collect(t, proc)
	code, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestSpawnRunsInWorkspace(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Spawn(context.Background(), "pwd")
	if err != nil {
		t.Fatal(err)
	}
	out := strings.TrimSpace(collect(t, proc))
	resolved, _ := filepath.EvalSymlinks(sb.Root())
	if out != sb.Root() && out != resolved {
		t.Errorf("pwd = %q, want %q", out, sb.Root())
	}
}

func TestSpawnTruncatesOutput(t *testing.T) {
	sb, err := NewLocal(Options{Root: t.TempDir(), MaxOutputBytes: 64}, nil)
	if err != nil {
		t.Fatal(err)
	}
	proc, err := sb.Spawn(context.Background(), "yes x | head -c 4096")
	if err != nil {
		t.Fatal(err)
	}
	out := collect(t, proc)
	if !strings.Contains(out, "(output truncated)") {
		t.Errorf("no truncation marker in %q", out)
	}
	if len(out) > 64+64 {
		t.Errorf("truncated output too large: %d bytes", len(out))
	}
	if _, err := proc.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSpawnCanceledContextKillsProcess(t *testing.T) {
	sb := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := sb.Spawn(ctx, "sleep 60")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	collect(t, proc)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	code, _ := proc.Wait(waitCtx)
	if code == 0 {
		t.Error("killed process reported success")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Spawn(context.Background(), "sleep 60")
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatal(err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatal(err)
	}
	collect(t, proc)
	code, _ := proc.Wait(context.Background())
	if code == 0 {
		t.Error("terminated process reported success")
	}
}
