package agentd

import "strings"

// reconcileTurn produces the canonical message list for a finished turn:
// messages from the last user message onward, empty assistant messages
// pruned, tool outputs resolved onto their originating calls, and
// OrderIndex strictly increasing from 0.
//
// Streamed deltas are advisory; what done carries comes from here.
func reconcileTurn(messages []Message) []Message {
	start := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			start = i
			break
		}
	}
	turn := messages[start:]

	// Resolve tool outputs: map tool result messages back onto the
	// assistant tool calls that produced them.
	outputs := make(map[string]string)
	for _, m := range turn {
		if m.Role == RoleTool && m.ToolCallID != "" {
			outputs[m.ToolCallID] = m.Content
		}
	}

	out := make([]Message, 0, len(turn))
	idx := 0
	for _, m := range turn {
		if m.Role == RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			for i := range calls {
				if calls[i].Output == "" {
					calls[i].Output = outputs[calls[i].ID]
				}
				if calls[i].Status == "" || calls[i].Status == ToolPending || calls[i].Status == ToolRunning {
					calls[i].Status = ToolSucceeded
				}
			}
			m.ToolCalls = calls
		}
		m.OrderIndex = idx
		idx++
		out = append(out, m)
	}
	return out
}

// AutoTitle derives a thread title from the first user message:
// the first 50 runes, whitespace trimmed.
func AutoTitle(text string) string {
	const maxTitle = 50
	return truncateStr(strings.TrimSpace(text), maxTitle)
}
