package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentcore/internal/app"
	"github.com/aristath/agentcore/internal/config"
	"github.com/aristath/agentcore/internal/logging"
	"github.com/aristath/agentcore/internal/orchestrator"
	"github.com/aristath/agentcore/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	headless   bool
	priority   int
	goals      []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file (.json, .yaml or .yml); defaults to .orchestrator/config.json")
	fs.BoolVar(&opts.headless, "headless", false, "run the given goals without the dashboard and print their reports as JSON")
	fs.IntVar(&opts.priority, "priority", 0, "task priority for the given goals")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: orchestrator [flags] [goal ...]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.goals = fs.Args()
	if opts.headless && len(opts.goals) == 0 {
		return opts, errors.New("-headless needs at least one goal")
	}
	return opts, nil
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	globalPath, err := config.GlobalPath()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	projectPath := config.ProjectPath()
	if opts.configPath != "" {
		projectPath = opts.configPath
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	// The dashboard owns the terminal, so its logs go to a file.
	logCfg := cfg.LoggingConfig()
	if !opts.headless && logCfg.Output == "" {
		logCfg.Output = filepath.Join(filepath.Dir(globalPath), "agentcore.log")
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error configuring logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	core, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	core.Start(ctx)

	var code int
	if opts.headless {
		code = runHeadless(ctx, core, opts, stdout, stderr)
	} else {
		code = runDashboard(ctx, core, opts, globalPath, projectPath, stderr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
		fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// runHeadless starts every goal, waits for all of them and prints one JSON
// report per goal in argument order. It fails when any pipeline failed.
func runHeadless(ctx context.Context, core *app.App, opts options, stdout, stderr io.Writer) int {
	pipelines := make([]*orchestrator.Pipeline, 0, len(opts.goals))
	for _, goal := range opts.goals {
		p, err := core.Orchestrator.Start(ctx, goal, orchestrator.WithPriority(opts.priority))
		if err != nil {
			fmt.Fprintf(stderr, "Error starting %q: %v\n", goal, err)
			return 1
		}
		pipelines = append(pipelines, p)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	code := 0
	for _, p := range pipelines {
		// Wait returns the pipeline's own error, or ctx's when interrupted.
		report, err := p.Wait(ctx)
		if err != nil {
			code = 1
		}
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "Error writing report: %v\n", err)
			return 1
		}
	}
	return code
}

func runDashboard(ctx context.Context, core *app.App, opts options, globalPath, projectPath string, stderr io.Writer) int {
	logger := core.Logger()

	// Subscribe before any goal starts
	sub := core.Bus.SubscribeAll(256)

	// Pipelines started from the dashboard outlive the key press that
	// started them; they end with ctx or on shutdown.
	var mu sync.Mutex
	start := func(goal string) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := core.Orchestrator.Start(ctx, goal, orchestrator.WithPriority(opts.priority))
		return err
	}

	model := tui.New(sub, start, core.Config, globalPath, projectPath)
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	for _, goal := range opts.goals {
		if err := start(goal); err != nil {
			logger.Error("start goal", "goal", goal, "error", err)
		}
	}

	select {
	case err := <-errChan:
		// Normal TUI exit (user pressed 'q')
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, cleaning up")
		p.Quit()

		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("dashboard exit", "error", err)
			}
		case <-waitCtx.Done():
			logger.Warn("dashboard did not exit in time")
		}
	}
	return 0
}
