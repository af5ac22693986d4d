// ABOUTME: Decodes claude CLI stream-json output lines into Events
// ABOUTME: One line can carry several content blocks, so ParseLine returns a slice

package agent

import (
	"encoding/json"
	"fmt"
)

// streamLine is the envelope of a stream-json line.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	// assistant lines
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`

	// result lines
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// ParseLine decodes one stream-json line.
//
//   - {"type":"system","subtype":"init","session_id":...}   → EventInit
//   - {"type":"assistant","message":{"content":[text...]}}  → EventAssistantText
//   - {"type":"assistant","message":{"content":[tool_use]}} → EventToolUse
//   - {"type":"result","result":...,"is_error":...}         → EventResult
//   - anything else                                         → EventOther
func ParseLine(line []byte) ([]Event, error) {
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parsing stream-json line: %w", err)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Kind: EventInit, SessionID: msg.SessionID}}, nil
		}

	case "assistant":
		if msg.Message == nil {
			break
		}
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, Event{Kind: EventAssistantText, Text: block.Text})
			case "tool_use":
				events = append(events, Event{Kind: EventToolUse, ToolName: block.Name})
			}
		}
		if len(events) > 0 {
			return events, nil
		}

	case "result":
		text := msg.Result
		isError := msg.IsError || (msg.Subtype != "" && msg.Subtype != "success")
		if isError && text == "" {
			text = msg.Subtype
		}
		return []Event{{Kind: EventResult, SessionID: msg.SessionID, Text: text, IsError: isError}}, nil
	}

	return []Event{{Kind: EventOther}}, nil
}
