// Package agent adapts the coding-agent backend (the claude CLI) to a typed
// event stream.
//
// # Invocation
//
// CLIRunner runs one process per request:
//
//	claude --print --output-format stream-json --verbose \
//	    --allowedTools Read,Write,Edit,Bash,WebSearch,WebFetch \
//	    --permission-mode acceptEdits [--resume <session>] -- <prompt>
//
// in the project's working directory. There is no mid-flight cancellation
// beyond the caller's context; a cancelled context kills the process.
//
// # Events
//
// Each stdout line is decoded by ParseLine into zero or more Events:
//
//   - EventInit: a new session started; carries SessionID
//   - EventToolUse: the agent called a tool; carries ToolName
//   - EventAssistantText: intermediate assistant text
//   - EventResult: final result text, possibly flagged IsError
//   - EventError: the process failed or output could not be read
//   - EventOther: anything else (user/tool-result echoes, unknown types)
//
// Malformed lines are skipped. A non-zero exit becomes a final EventError
// that includes the tail of stderr.
package agent
