// ABOUTME: Operator subcommands for coven-projects: init, status, and reclaim
// ABOUTME: Each parses its own pflag set and works without a Matrix connection

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-projects/internal/config"
	"github.com/2389/coven-projects/internal/lock"
)

var errHelp = pflag.ErrHelp

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("coven-projects "+name, pflag.ContinueOnError)
	flags.SortFlags = false
	return flags
}

func parseFlags(flags *pflag.FlagSet, args []string) error {
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	return nil
}

func runReclaim(args []string) error {
	flags := newFlagSet("reclaim")
	configPath := flags.StringP("config", "c", getConfigPath(), "path to config file")
	lockPath := flags.String("lock", "", "lock file path (skips loading the config)")
	grace := flags.Duration("grace", 5*time.Second, "time to wait after SIGTERM before SIGKILL")
	if err := parseFlags(flags, args); err != nil {
		return err
	}

	path := *lockPath
	if path == "" {
		cfg, err := config.Load(*configPath, getDataPath())
		if err != nil {
			return fmt.Errorf("loading config from %s: %w", *configPath, err)
		}
		path = cfg.State.LockPath
	}

	logger := setupLogger("info", "text")
	pid, err := lock.Reclaim(context.Background(), path, *grace, logger)
	if errors.Is(err, lock.ErrNotLocked) {
		fmt.Printf("No lock at %s; nothing to reclaim.\n", path)
		return nil
	}
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Reclaimed lock %s from pid %d\n", path, pid)
	return nil
}

func runStatus(args []string) error {
	flags := newFlagSet("status")
	configPath := flags.StringP("config", "c", getConfigPath(), "path to config file")
	if err := parseFlags(flags, args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, getDataPath())
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", *configPath, err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	bold.Println("Instance")
	pid, alive, err := lock.Inspect(cfg.State.LockPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("  not running")
	case err != nil:
		yellow.Printf("  unreadable lock %s: %v\n", cfg.State.LockPath, err)
	case alive:
		green.Printf("  running (pid %d)\n", pid)
	default:
		yellow.Printf("  stale lock (pid %d not running)\n", pid)
	}
	fmt.Println()

	st, err := openStore(cfg.State)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	claims, err := st.ListClaims(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	byConversation := make(map[string]string, len(sessions))
	lastActive := make(map[string]time.Time, len(sessions))
	for _, s := range sessions {
		byConversation[s.ConversationID] = s.SessionID
		lastActive[s.ConversationID] = s.LastActivity
	}

	bold.Printf("Projects (%d)\n", len(claims))
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  PROJECT\tCONVERSATION\tSESSION\tLAST ACTIVITY")
	for _, c := range claims {
		session := byConversation[c.ConversationID]
		if session == "" {
			session = "-"
		}
		last := "-"
		if t, ok := lastActive[c.ConversationID]; ok && !t.IsZero() {
			last = t.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.ProjectName, c.ConversationID, session, last)
	}
	return w.Flush()
}

func runInit(args []string) error {
	flags := newFlagSet("init")
	configPath := flags.StringP("config", "c", getConfigPath(), "where to write the config file")
	if err := parseFlags(flags, args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	ask := func(prompt, fallback string) string {
		green.Print("    ▶ ")
		fmt.Print(prompt)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return fallback
		}
		return answer
	}

	if _, err := os.Stat(*configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", *configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	homeserver := ask("Matrix homeserver URL [https://matrix.org]: ", "https://matrix.org")
	username := ask("Matrix username: ", "")
	password := ask("Matrix password (blank to use ${COVEN_MATRIX_PASSWORD}): ", "${COVEN_MATRIX_PASSWORD}")
	recoveryKey := ask("Matrix recovery key (optional, for E2EE): ", "")
	prefix := ask("Room name prefix [Claude: ]: ", "Claude: ")
	root := ask(fmt.Sprintf("Projects directory [%s]: ", filepath.Join(getDataPath(), "projects")), "")

	text := renderStarterConfig(starterConfig{
		Homeserver:   homeserver,
		Username:     username,
		Password:     password,
		RecoveryKey:  recoveryKey,
		Prefix:       prefix,
		ProjectsRoot: root,
	})

	// The result must load; catch typos before writing.
	parsed, err := config.Parse(text, false)
	if err != nil {
		return fmt.Errorf("generated config does not parse: %w", err)
	}
	parsed.ApplyDefaults(getDataPath())
	if err := parsed.Validate(); err != nil {
		yellow.Printf("    Warning: %v\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(*configPath, []byte(text), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", *configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Printf("    1. Create a Matrix room named %q and invite %s\n", prefix+"my-app", username)
	fmt.Println("    2. Run: coven-projects")
	fmt.Println()
	return nil
}

type starterConfig struct {
	Homeserver   string
	Username     string
	Password     string
	RecoveryKey  string
	Prefix       string
	ProjectsRoot string
}

// renderStarterConfig produces a commented YAML config.
func renderStarterConfig(c starterConfig) string {
	var b strings.Builder
	b.WriteString("# coven-projects configuration\n# Generated by coven-projects init\n\n")
	fmt.Fprintf(&b, "matrix:\n  homeserver: %q\n  username: %q\n  password: %q\n", c.Homeserver, c.Username, c.Password)
	if c.RecoveryKey != "" {
		fmt.Fprintf(&b, "  recovery_key: %q\n", c.RecoveryKey)
	}
	b.WriteString("  # Only respond in these rooms (empty = every joined room)\n  allowed_rooms: []\n\n")

	fmt.Fprintf(&b, "bridge:\n  # Rooms whose name starts with this become projects\n  project_prefix: %q\n", c.Prefix)
	if c.ProjectsRoot != "" {
		fmt.Fprintf(&b, "  projects_root: %q\n", c.ProjectsRoot)
	}
	b.WriteString("  max_queue: 10\n  dedupe_window: \"10m\"\n  shutdown_timeout: \"30s\"\n\n")

	b.WriteString("agent:\n  binary: \"claude\"\n  permission_mode: \"acceptEdits\"\n\n")
	b.WriteString("state:\n  backend: \"json\"\n\n")
	b.WriteString("logging:\n  level: \"info\"\n  format: \"text\"\n")
	return b.String()
}
