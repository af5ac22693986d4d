// ABOUTME: Runs the claude CLI in stream-json mode and streams its events
// ABOUTME: Process exit failures are reported as a final EventError carrying stderr

package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxLineSize bounds a single stream-json line; tool results can be large.
const maxLineSize = 4 * 1024 * 1024

// stderrTail is how much stderr is kept for error messages.
const stderrTail = 2048

// CLIRunner implements Runner by executing the claude CLI.
type CLIRunner struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger
}

// NewCLIRunner creates a runner for the given binary ("claude" when empty).
func NewCLIRunner(binary string, extraArgs []string, logger *slog.Logger) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{
		binary:    binary,
		extraArgs: extraArgs,
		logger:    logger.With("component", "agent"),
	}
}

// Args builds the CLI arguments for a request.
func (r *CLIRunner) Args(req *Request) []string {
	tools := req.AllowedTools
	if len(tools) == 0 {
		tools = DefaultAllowedTools
	}
	mode := req.PermissionMode
	if mode == "" {
		mode = DefaultPermissionMode
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", strings.Join(tools, ","),
		"--permission-mode", mode,
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	args = append(args, r.extraArgs...)
	// Prompt goes last, after "--" so text starting with a dash is not a flag.
	return append(args, "--", req.Prompt)
}

// Run starts the CLI and returns its event stream.
func (r *CLIRunner) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, r.binary, r.Args(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()
	cmd.Stdin = nil

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.binary, err)
	}

	r.logger.Debug("agent started",
		"pid", cmd.Process.Pid,
		"dir", req.WorkingDir,
		"resume", req.ResumeSessionID != "",
	)

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		scanErr := r.stream(ctx, stdout, events)
		// Drain whatever is left so the process is not blocked on a full pipe.
		io.Copy(io.Discard, stdout)
		waitErr := cmd.Wait()

		switch {
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				waitErr = fmt.Errorf("%s exited: %w: %s", r.binary, waitErr, msg)
			} else {
				waitErr = fmt.Errorf("%s exited: %w", r.binary, waitErr)
			}
			send(ctx, events, Event{Kind: EventError, Err: waitErr})
		case scanErr != nil:
			send(ctx, events, Event{Kind: EventError, Err: scanErr})
		}
	}()

	return events, nil
}

// stream parses stdout line by line until EOF.
func (r *CLIRunner) stream(ctx context.Context, stdout io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		parsed, err := ParseLine(line)
		if err != nil {
			r.logger.Debug("skipping malformed stream line", "error", err)
			continue
		}
		for _, evt := range parsed {
			if !send(ctx, events, evt) {
				return ctx.Err()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading agent output: %w", err)
	}
	return nil
}

// send delivers an event unless ctx is done first.
func send(ctx context.Context, events chan<- Event, evt Event) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
