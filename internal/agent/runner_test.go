// ABOUTME: Tests for the claude CLI runner using a shell-script fake binary.
// ABOUTME: Covers argument building, streaming, and non-zero exit reporting.
package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI creates a shell script standing in for the claude binary. It
// records its arguments and working directory, then prints body to stdout.
func writeFakeCLI(t *testing.T, body string) (binary, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	binary = filepath.Join(dir, "claude")

	script := "#!/bin/sh\n" +
		"pwd > " + argsFile + "\n" +
		"for a in \"$@\"; do printf '%s\\n' \"$a\" >> " + argsFile + "; done\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, argsFile
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for evt := range ch {
		events = append(events, evt)
	}
	return events
}

func TestCLIRunner_Args(t *testing.T) {
	r := NewCLIRunner("", nil, nil)

	args := r.Args(&Request{Prompt: "hello"})
	assert.Equal(t, []string{
		"--print", "--output-format", "stream-json", "--verbose",
		"--allowedTools", "Read,Write,Edit,Bash,WebSearch,WebFetch",
		"--permission-mode", "acceptEdits",
		"--", "hello",
	}, args)

	args = r.Args(&Request{Prompt: "-n", ResumeSessionID: "sess-1", AllowedTools: []string{"Read"}, PermissionMode: "plan"})
	assert.Equal(t, []string{
		"--print", "--output-format", "stream-json", "--verbose",
		"--allowedTools", "Read",
		"--permission-mode", "plan",
		"--resume", "sess-1",
		"--", "-n",
	}, args)
}

func TestCLIRunner_StreamsEvents(t *testing.T) {
	body := `cat <<'JSON'
{"type":"system","subtype":"init","session_id":"sess-new"}
not json at all
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}
{"type":"result","subtype":"success","result":"done!","session_id":"sess-new"}
JSON`
	binary, argsFile := writeFakeCLI(t, body)
	workDir := t.TempDir()

	r := NewCLIRunner(binary, nil, nil)
	ch, err := r.Run(context.Background(), &Request{
		Prompt:          "do it",
		WorkingDir:      workDir,
		ResumeSessionID: "sess-old",
	})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventInit, events[0].Kind)
	assert.Equal(t, "sess-new", events[0].SessionID)
	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, "Bash", events[1].ToolName)
	assert.Equal(t, EventResult, events[2].Kind)
	assert.Equal(t, "done!", events[2].Text)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(recorded)), "\n")

	resolved, err := filepath.EvalSymlinks(workDir)
	require.NoError(t, err)
	assert.Equal(t, resolved, lines[0], "runs in the project directory")
	assert.Contains(t, lines, "--resume")
	assert.Contains(t, lines, "sess-old")
	assert.Equal(t, "do it", lines[len(lines)-1])
}

func TestCLIRunner_NonZeroExit(t *testing.T) {
	body := `echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo "rate limited" >&2
exit 3`
	binary, _ := writeFakeCLI(t, body)

	r := NewCLIRunner(binary, nil, nil)
	ch, err := r.Run(context.Background(), &Request{Prompt: "x", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventInit, events[0].Kind)
	assert.Equal(t, EventError, events[1].Kind)
	require.Error(t, events[1].Err)
	assert.Contains(t, events[1].Err.Error(), "rate limited")
}

func TestCLIRunner_MissingBinary(t *testing.T) {
	r := NewCLIRunner(filepath.Join(t.TempDir(), "nope"), nil, nil)
	_, err := r.Run(context.Background(), &Request{Prompt: "x", WorkingDir: t.TempDir()})
	assert.Error(t, err)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("ab"))
	b.Write([]byte("cdef"))
	assert.Equal(t, "cdef", b.String())
}
