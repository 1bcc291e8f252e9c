package agentd

import (
	"context"
	"log/slog"
	"strings"
)

const summaryPrefix = "[Summary of earlier conversation]\n"

// Summarizer is a PreProcessor that compresses long histories before the
// LLM call. When the total rune count of the request exceeds Threshold,
// everything except the last KeepMessages messages is summarized with a
// single LLM call and replaced by one summary message. Prior summaries
// are folded into the new one, so repeated passes don't stack.
//
// Compression failures degrade to an uncompressed request; a long
// context is better than a dead turn.
type Summarizer struct {
	Provider     Provider
	Threshold    int // rune count that triggers compression
	KeepMessages int // recent messages preserved verbatim
	Logger       *slog.Logger
}

// NewSummarizer creates a summarizer with the given trigger threshold.
// keep <= 0 defaults to 10 preserved messages.
func NewSummarizer(provider Provider, threshold, keep int) *Summarizer {
	if keep <= 0 {
		keep = 10
	}
	return &Summarizer{Provider: provider, Threshold: threshold, KeepMessages: keep, Logger: nopLogger}
}

func (s *Summarizer) PreLLM(ctx context.Context, req *ChatRequest) error {
	if s.Threshold <= 0 || messageRunes(req.Messages) <= s.Threshold {
		return nil
	}

	// Never summarize away the system prompt or the recent window.
	// cut is the first preserved index; the slice [firstCut:cut) is
	// what gets summarized.
	firstCut := 0
	if len(req.Messages) > 0 && req.Messages[0].Role == RoleSystem {
		firstCut = 1
	}
	cut := len(req.Messages) - s.KeepMessages
	if cut <= firstCut {
		return nil
	}
	// A tool result without its originating assistant call confuses
	// providers; extend the preserved window to a message boundary.
	for cut > firstCut && req.Messages[cut].Role == RoleTool {
		cut--
	}
	if cut <= firstCut {
		return nil
	}

	var old strings.Builder
	for _, m := range req.Messages[firstCut:cut] {
		if m.Content == "" {
			continue
		}
		old.WriteString(m.Role)
		old.WriteString(": ")
		old.WriteString(m.Content)
		old.WriteString("\n---\n")
	}
	if old.Len() == 0 {
		return nil
	}

	resp, err := s.Provider.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage("Summarize the following conversation concisely. Preserve key facts, data values, decisions, file paths, and errors. Omit redundant details."),
			UserMessage(old.String()),
		},
	})
	if err != nil {
		s.logger().Warn("context compression failed, continuing uncompressed", "error", err)
		return nil
	}

	compressed := make([]Message, 0, len(req.Messages)-cut+firstCut+1)
	compressed = append(compressed, req.Messages[:firstCut]...)
	compressed = append(compressed, UserMessage(summaryPrefix+resp.Content))
	compressed = append(compressed, req.Messages[cut:]...)

	s.logger().Info("context compressed",
		"before_runes", messageRunes(req.Messages),
		"after_runes", messageRunes(compressed),
		"messages_removed", cut-firstCut)
	req.Messages = compressed
	return nil
}

func (s *Summarizer) logger() *slog.Logger {
	if s.Logger == nil {
		return nopLogger
	}
	return s.Logger
}

// messageRunes returns the total rune count of all message content.
func messageRunes(messages []Message) int {
	var n int
	for _, m := range messages {
		n += len([]rune(m.Content))
	}
	return n
}
