package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"boltflow/internal/actions"
	"boltflow/internal/config"
	"boltflow/internal/logging"
	"boltflow/internal/replay"
	"boltflow/internal/sandbox"
	"boltflow/internal/stream"
	"boltflow/internal/tools"
)

var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// run flags
	follow     bool
	chunkSize  int
	chunkDelay time.Duration

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "boltflow",
	Short: "boltflow - replay model transcripts into a workspace",
	Long: `boltflow parses the artifact/action tag stream produced by a code-writing
model and executes the embedded directives against a local workspace:
file actions become writes, shell actions run to completion, start
actions launch dev servers, and tool calls are routed to a dispatcher.

The parser is incremental: it can be fed a transcript in arbitrary
chunks (or tail a file that is still being written) and produces the
same events as a single-shot parse.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if workspace != "" {
			cfg.Workspace = workspace
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Options{
			Level:   level,
			Console: cfg.Logging.Console,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [transcript]",
	Short: "Execute a transcript's actions against the workspace",
	Long: `Parses the transcript and executes every action in artifact order.
Pass "-" (or nothing) to read from stdin. With --follow the transcript
file is tailed and actions execute as the file grows.

Example:
  boltflow run transcript.txt --workspace ./out
  some-model-client | boltflow run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTranscript,
}

var renderCmd = &cobra.Command{
	Use:   "render [transcript]",
	Short: "Print the transcript's visible prose as rendered markdown",
	Long: `Strips artifacts, actions, and tool calls from the transcript and
renders the remaining prose as markdown. Nothing is executed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: renderTranscript,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the boltflow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("boltflow", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "boltflow.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (overrides config)")

	runCmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail the transcript file as it grows")
	runCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "feed the transcript in steps of this many bytes")
	runCmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 0, "pause between chunks")

	rootCmd.AddCommand(runCmd, renderCmd, versionCmd)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sb, err := sandbox.NewLocal(sandbox.Options{
		Root:           cfg.Workspace,
		Shell:          cfg.Sandbox.Shell,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, logger)
	if err != nil {
		return err
	}

	runner, err := actions.NewRunner(sb, tools.NewLogOnly(logger), actions.Options{
		CommandTimeout: cfg.Sandbox.CommandTimeout,
		ReadyPatterns:  cfg.Sandbox.ReadyPatterns,
		Sink:           os.Stdout,
		Observer:       &statusPrinter{out: os.Stderr},
	}, logger)
	if err != nil {
		return err
	}
	defer runner.Shutdown()

	pipe := replay.NewPipeline("cli", runner, replay.PipelineOptions{Out: os.Stdout}, logger)

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}

	if follow {
		if path == "-" {
			return fmt.Errorf("--follow requires a file path")
		}
		if err := replay.Follow(ctx, path, pipe, logger); err != nil && ctx.Err() == nil {
			return err
		}
	} else {
		in := io.Reader(os.Stdin)
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		size := chunkSize
		if size == 0 {
			size = cfg.Replay.ChunkSize
		}
		delay := chunkDelay
		if delay == 0 {
			delay = cfg.Replay.ChunkDelay
		}
		feeder := &replay.Feeder{ChunkSize: size, ChunkDelay: delay}
		if err := feeder.Feed(ctx, in, pipe); err != nil {
			return err
		}
	}

	pipe.Finish()
	if err := runner.Wait(ctx); err != nil {
		runner.Shutdown()
		if ctx.Err() != nil {
			// Interrupted: give in-flight actions a moment to settle.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = runner.Wait(drainCtx)
			return nil
		}
		return err
	}
	return nil
}

func renderTranscript(cmd *cobra.Command, args []string) error {
	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	// A parser with no callbacks still strips the tagged regions.
	parser := stream.NewParser(stream.Callbacks{}, logger)
	prose := parser.Parse("render", string(data))

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return err
	}
	out, err := renderer.Render(prose)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// statusPrinter mirrors action transitions to the terminal.
type statusPrinter struct {
	out io.Writer
}

func (p *statusPrinter) ActionUpdated(artifactID string, snap actions.Snapshot) {
	line := fmt.Sprintf("[%s] %s %s: %s", artifactID, snap.Kind, snap.ID, snap.Status)
	if snap.Err != "" {
		line += " (" + snap.Err + ")"
	}
	fmt.Fprintln(p.out, line)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
