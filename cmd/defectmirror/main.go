// Command defectmirror keeps a local, versioned mirror of an issue
// tracker's defects and serves queries and analytics over it.
//
// Usage:
//
//	defectmirror sync --from export.json      # publish a tracker export as a new generation
//	defectmirror serve                        # JSON API for the dashboard
//	defectmirror mcp                          # MCP tools on stdio
//	defectmirror list --status Open --priority P1-Critical
//	defectmirror show 1234
//	defectmirror search "invoice total"
//	defectmirror stats [--view aging]
//	defectmirror history [--generation 20240601-120000]
//	defectmirror prune --keep 10
//	defectmirror sync-runs
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/defectmirror/mirror"
)

// commands maps each subcommand to its implementation.
var commands = map[string]func(ctx context.Context, args []string, stdout io.Writer) error{
	"sync":      cmdSync,
	"serve":     cmdServe,
	"mcp":       cmdMCP,
	"list":      cmdList,
	"show":      cmdShow,
	"search":    cmdSearch,
	"stats":     cmdStats,
	"history":   cmdHistory,
	"prune":     cmdPrune,
	"sync-runs": cmdSyncRuns,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "defectmirror: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd(ctx, args[1:], stdout)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `defectmirror: local mirror of tracker defects.

Usage:
  defectmirror <command> [flags]

Commands:
  sync        publish a raw tracker export (--from FILE, "-" for stdin)
  serve       serve the JSON API
  mcp         serve MCP tools on stdio
  list        list defects matching filters
  show        show one defect
  search      full-text or id search
  stats       analytics views (summary, burndown, aging, velocity, priority-trend, executive, kanban)
  history     list generations or read one
  prune       delete old generations
  sync-runs   recent sync attempts

Common flags:
  --config FILE      YAML configuration
  --data-dir DIR     data directory (default $DEFECTMIRROR_DATA_DIR or ~/.local/share/defectmirror)
  --log-level LEVEL  debug, info, warn, error
`)
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	dataDir    string
	logLevel   string
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to defectmirror.yaml")
	fs.StringVar(&c.dataDir, "data-dir", "", "data directory")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func newFlagSet(name string, c *common) *pflag.FlagSet {
	fs := pflag.NewFlagSet("defectmirror "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	c.addFlags(fs)
	return fs
}

// config resolves the configuration: file first, then flag overrides.
func (c *common) config() (*mirror.Config, error) {
	cfg := &mirror.Config{}
	if c.configPath != "" {
		var err error
		if cfg, err = mirror.LoadConfigFile(c.configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	return cfg, nil
}

// open builds the logger and opens the mirror.
func (c *common) open() (*mirror.Mirror, *slog.Logger, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	m, err := mirror.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, logger, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
