package agentd

import (
	"context"
	"encoding/json"
	"testing"
)

func TestToolCallRepairAssignsMissingID(t *testing.T) {
	resp := ChatResponse{ToolCalls: []ToolCall{
		{Name: "echo", Args: json.RawMessage(`{}`)},
	}}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ToolCalls[0].ID == "" {
		t.Error("missing id not assigned")
	}
}

func TestToolCallRepairDeduplicatesIDs(t *testing.T) {
	resp := ChatResponse{ToolCalls: []ToolCall{
		{ID: "call_1", Name: "echo", Args: json.RawMessage(`{}`)},
		{ID: "call_1", Name: "echo", Args: json.RawMessage(`{}`)},
	}}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ToolCalls[0].ID == resp.ToolCalls[1].ID {
		t.Errorf("duplicate ids survived: %q", resp.ToolCalls[0].ID)
	}
}

func TestToolCallRepairDropsNamelessCalls(t *testing.T) {
	resp := ChatResponse{ToolCalls: []ToolCall{
		{ID: "call_1", Name: "", Args: json.RawMessage(`{}`)},
		{ID: "call_2", Name: "echo", Args: json.RawMessage(`{}`)},
	}}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d calls, want 1 (nameless dropped)", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "echo" {
		t.Errorf("kept call = %q, want echo", resp.ToolCalls[0].Name)
	}
}

func TestToolCallRepairReplacesInvalidArgs(t *testing.T) {
	resp := ChatResponse{ToolCalls: []ToolCall{
		{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"x":`)},
		{ID: "call_2", Name: "echo"},
	}}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	for i, tc := range resp.ToolCalls {
		if string(tc.Args) != `{}` {
			t.Errorf("call %d args = %q, want {}", i, tc.Args)
		}
	}
}

func TestToolCallRepairLeavesValidCallsAlone(t *testing.T) {
	resp := ChatResponse{ToolCalls: []ToolCall{
		{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"x":1}`)},
	}}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "echo" || string(tc.Args) != `{"x":1}` {
		t.Errorf("valid call modified: %+v", tc)
	}
}

func TestToolCallRepairNoCalls(t *testing.T) {
	resp := ChatResponse{Content: "plain answer"}
	p := &ToolCallRepair{}
	if err := p.PostLLM(context.Background(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "plain answer" {
		t.Errorf("response modified: %+v", resp)
	}
}
