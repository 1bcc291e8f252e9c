package agentd

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ToolCallRepair is a PostProcessor that fixes malformed tool calls
// before dispatch. Models occasionally emit calls with missing ids,
// duplicate ids, or argument strings that are not valid JSON; rejecting
// the whole response for that wastes a working answer. Repairs:
//
//   - missing id: assigned a fresh "call_"-prefixed id
//   - duplicate id: suffixed to make it unique
//   - empty name: the call is dropped
//   - invalid JSON args: replaced with {} (the tool reports the miss)
type ToolCallRepair struct {
	Logger *slog.Logger
}

func (p *ToolCallRepair) PostLLM(ctx context.Context, resp *ChatResponse) error {
	if len(resp.ToolCalls) == 0 {
		return nil
	}
	logger := p.Logger
	if logger == nil {
		logger = nopLogger
	}

	seen := make(map[string]bool, len(resp.ToolCalls))
	repaired := resp.ToolCalls[:0]
	for _, tc := range resp.ToolCalls {
		if tc.Name == "" {
			logger.Warn("dropping tool call with empty name", "id", tc.ID)
			continue
		}
		if tc.ID == "" {
			tc.ID = "call_" + NewID()
			logger.Debug("assigned missing tool call id", "tool", tc.Name, "id", tc.ID)
		}
		for seen[tc.ID] {
			tc.ID += "_dup"
			logger.Warn("renamed duplicate tool call id", "tool", tc.Name, "id", tc.ID)
		}
		seen[tc.ID] = true
		if len(tc.Args) == 0 || !json.Valid(tc.Args) {
			logger.Warn("replaced invalid tool call args", "tool", tc.Name, "id", tc.ID)
			tc.Args = json.RawMessage(`{}`)
		}
		repaired = append(repaired, tc)
	}
	resp.ToolCalls = repaired
	return nil
}
