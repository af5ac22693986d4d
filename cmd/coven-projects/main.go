// ABOUTME: Entry point for coven-projects
// ABOUTME: Bridges Matrix rooms named "Claude: <project>" to claude CLI sessions, one project per room

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-projects/internal/agent"
	"github.com/2389/coven-projects/internal/audit"
	"github.com/2389/coven-projects/internal/config"
	"github.com/2389/coven-projects/internal/conversation"
	"github.com/2389/coven-projects/internal/dedupe"
	"github.com/2389/coven-projects/internal/lock"
	"github.com/2389/coven-projects/internal/project"
	"github.com/2389/coven-projects/internal/queue"
	"github.com/2389/coven-projects/internal/router"
	"github.com/2389/coven-projects/internal/store"
)

const banner = `
    ╭──────────────────────────────────────╮
    │                                      │
    │   ┏━╸┏━┓╻ ╻┏━╸┏┓╻   ┏━┓┏━┓┏━┓ ┏┓┏━┓  │
    │   ┃  ┃ ┃┃┏┛┣╸ ┃┗┫   ┣━┛┣┳┛┃ ┃  ┃┗━┓  │
    │   ┗━╸┗━┛┗┛ ┗━╸╹ ╹   ╹  ╹┗╸┗━┛┗━┛┗━┛  │
    │                                      │
    │      one room, one project, one      │
    │            claude session            │
    │                                      │
    ╰──────────────────────────────────────╯
`

// getConfigPath returns the path to the config file.
// Priority: COVEN_PROJECTS_CONFIG env var > XDG_CONFIG_HOME/coven/projects.yaml > ~/.config/coven/projects.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_PROJECTS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "projects.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "projects.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run", "serve":
		err = runServe(args)
	case "init":
		err = runInit(args)
	case "status":
		err = runStatus(args)
	case "reclaim":
		err = runReclaim(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: coven-projects [command] [flags]

Commands:
  run       Start the bridge (default)
  init      Write a starter config interactively
  status    Show the lock owner, project claims and sessions
  reclaim   Stop a running instance and remove its lock
  help      Show this help

Config: ` + getConfigPath())
}

func runServe(args []string) error {
	flags := newFlagSet("run")
	configPath := flags.StringP("config", "c", getConfigPath(), "path to config file")
	if err := parseFlags(flags, args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := config.Load(*configPath, dataPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", *configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	printStartupInfo(*configPath, cfg)

	if _, err := exec.LookPath(cfg.Agent.Binary); err != nil {
		logger.Warn("agent binary not found on PATH; invocations will fail", "binary", cfg.Agent.Binary, "error", err)
	}

	// Nothing below may run without the lock.
	artifact := cfg.State.ArtifactPath
	if artifact == "" && cfg.Matrix.RecoveryKey != "" {
		artifact = cryptoDBPath(dataPath, accountName(cfg.Matrix)) + "-shm"
	}
	guard, err := lock.Acquire(lock.Options{Path: cfg.State.LockPath, ArtifactPath: artifact, Logger: logger})
	if err != nil {
		return err
	}
	defer guard.Release()
	defer guard.ReleaseOnPanic()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg.State)
	if err != nil {
		return err
	}
	defer st.Close()

	var history conversation.HistoryLog
	if !cfg.Audit.Disabled {
		history = audit.New(cfg.Audit.Dir)
	}

	runner := agent.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.ExtraArgs, logger)
	svc := conversation.New(st, runner, history, conversation.Options{
		AllowedTools:   cfg.Agent.AllowedTools,
		PermissionMode: cfg.Agent.PermissionMode,
	}, logger)

	queues := queue.New(cfg.Bridge.MaxQueue, logger)
	seen := dedupe.New(cfg.Bridge.DedupeWindow, cfg.Bridge.DedupeSize, time.Minute)
	defer seen.Close()

	transport, err := NewTransport(cfg.Matrix, logger)
	if err != nil {
		return err
	}

	rt := router.New(router.Options{
		Namer:   project.NewNamer(cfg.Bridge.ProjectPrefix, cfg.Bridge.ProjectsRoot),
		State:   st,
		Queues:  queues,
		Invoker: svc,
		Replier: transport,
		Dedupe:  seen,
		Logger:  logger,
	})

	if err := transport.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.RecoveryKey != "" {
		cryptoMgr, err := SetupCrypto(ctx, transport.Client(), accountName(cfg.Matrix), cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer cryptoMgr.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	logger.Info("starting bridge",
		"prefix", cfg.Bridge.ProjectPrefix,
		"projects_root", cfg.Bridge.ProjectsRoot,
		"max_queue", cfg.Bridge.MaxQueue,
	)
	runErr := transport.Run(ctx, func(ctx context.Context, msg *router.Message) {
		outcome := rt.Handle(ctx, msg)
		logger.Debug("message routed", "conversation_id", msg.ConversationID, "outcome", outcome.String())
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout)
	defer shutdownCancel()
	if err := queues.Close(shutdownCtx); err != nil {
		logger.Warn("in-flight jobs did not finish before shutdown", "error", err)
	}

	logger.Info("bridge stopped")
	return runErr
}

// accountName identifies the Matrix account before login.
func accountName(m config.MatrixConfig) string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.Username
}

func openStore(cfg config.StateConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite state: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewJSONStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening state file: %w", err)
		}
		return st, nil
	}
}

func printStartupInfo(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-12s%s\n", label+":", value)
	}

	line("Config", configPath)
	line("Homeserver", cfg.Matrix.Homeserver)
	line("Account", accountName(cfg.Matrix))
	line("Prefix", fmt.Sprintf("%q", cfg.Bridge.ProjectPrefix))
	line("Projects", cfg.Bridge.ProjectsRoot)
	line("State", fmt.Sprintf("%s (%s)", cfg.State.Path, cfg.State.Backend))
	if cfg.Matrix.RecoveryKey != "" {
		line("Encryption", "enabled")
	}
	fmt.Println()
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
