package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boltflow/internal/logging"
)

// Options configures the local sandbox.
type Options struct {
	// Root is the workspace directory file writes and commands run in.
	Root string

	// Shell is the binary commands are run through (shell -c "command").
	Shell string

	// MaxOutputBytes caps forwarded command output. Exceeding output is
	// discarded with a truncation marker; the process itself keeps running.
	MaxOutputBytes int64
}

// Local runs actions directly on the host, rooted in a workspace
// directory. It is the default runtime for the CLI.
type Local struct {
	root      string
	shell     string
	maxOutput int64
	log       *zap.Logger
}

// NewLocal returns a local sandbox. Root is created if absent.
func NewLocal(opts Options, log *zap.Logger) (*Local, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("sandbox root required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 10 * 1024 * 1024
	}
	return &Local{
		root:      root,
		shell:     shell,
		maxOutput: maxOutput,
		log:       logging.OrNop(log).Named("sandbox"),
	}, nil
}

// Root returns the absolute workspace directory.
func (l *Local) Root() string { return l.root }

// WriteFile writes content at path relative to the root, creating parent
// directories on demand. Absolute paths are re-rooted into the workspace.
func (l *Local) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	l.log.Debug("file written",
		zap.String("path", path),
		zap.Int("bytes", len(content)))
	return nil
}

// resolve maps an action file path into the workspace. Absolute paths are
// re-rooted; paths that traverse above the root are rejected. Model-emitted
// paths are untrusted input.
func (l *Local) resolve(path string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(path, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return filepath.Join(l.root, cleaned), nil
}

// Spawn starts command through the configured shell in the workspace.
func (l *Local) Spawn(ctx context.Context, command string) (Process, error) {
	id := uuid.NewString()
	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	cmd.Dir = l.root

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	l.log.Info("command spawned",
		zap.String("process_id", id),
		zap.String("command", command))

	p := &localProcess{
		id:   id,
		cmd:  cmd,
		out:  make(chan string, 16),
		done: make(chan struct{}),
		log:  l.log,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, &readers, l.maxOutput)
	go p.pump(stderr, &readers, l.maxOutput)

	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		if err != nil && p.exitCode < 0 {
			p.waitErr = err
		}
		close(p.out)
		close(p.done)
		l.log.Info("command exited",
			zap.String("process_id", id),
			zap.Int("exit_code", p.exitCode))
	}()

	return p, nil
}

type localProcess struct {
	id       string
	cmd      *exec.Cmd
	out      chan string
	done     chan struct{}
	exitCode int
	waitErr  error
	log      *zap.Logger

	outMu     sync.Mutex
	forwarded int64
	truncated bool

	killOnce sync.Once
	killErr  error
}

func (p *localProcess) ID() string { return p.id }

func (p *localProcess) Output() <-chan string { return p.out }

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *localProcess) Terminate() error {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			p.killErr = p.cmd.Process.Kill()
		}
	})
	return p.killErr
}

// pump forwards one output pipe into the shared channel, respecting the
// output cap. Reading continues past the cap so the process never blocks
// on a full pipe.
func (p *localProcess) pump(r io.Reader, wg *sync.WaitGroup, maxOutput int64) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.forward(string(buf[:n]), maxOutput)
		}
		if err != nil {
			return
		}
	}
}

func (p *localProcess) forward(chunk string, maxOutput int64) {
	p.outMu.Lock()
	if p.truncated {
		p.outMu.Unlock()
		return
	}
	if p.forwarded+int64(len(chunk)) > maxOutput {
		allowed := maxOutput - p.forwarded
		if allowed > 0 {
			chunk = chunk[:allowed]
		} else {
			chunk = ""
		}
		p.truncated = true
		p.forwarded = maxOutput
		p.outMu.Unlock()
		if chunk != "" {
			p.out <- chunk
		}
		p.out <- "\n... (output truncated)\n"
		p.log.Warn("command output truncated", zap.String("process_id", p.id))
		return
	}
	p.forwarded += int64(len(chunk))
	p.outMu.Unlock()
	p.out <- chunk
}
