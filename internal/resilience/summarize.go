package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewline/helmsman/internal/model"
)

const summaryPrompt = `Summarize the following agent session transcript into a dense digest that preserves:
- The task being worked on and progress made so far
- Commands executed and their important outcomes
- Facts discovered about the environment (paths, running programs, file contents)
- Anything attempted that failed, so it is not repeated

Transcript:
%s`

const summaryFallback = "[Older history was removed to fit the context window.]"

// Summarizer folds the older portion of a session history into a single
// digest message using the same model client the session runs on.
type Summarizer struct {
	Client model.Client
	Logger *slog.Logger

	// KeepRecentTurns messages at the tail are never summarized.
	KeepRecentTurns int
	// InputCharLimit caps the transcript handed to the model.
	InputCharLimit int
	// MaxChars caps the digest itself.
	MaxChars int
}

// minOlderTurns is the smallest prefix worth a summarization call.
const minOlderTurns = 3

// SummarizeOlder replaces the older portion of the history with a
// digest message. It reports false when the history is too short to
// split. Summarization failure is not fatal: the older turns are still
// dropped, with a static marker in place of the digest.
func (s *Summarizer) SummarizeOlder(ctx context.Context, messages []model.Message) ([]model.Message, bool) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keep := s.KeepRecentTurns
	if keep <= 0 {
		keep = 6
	}

	// The leading system message stays outside the summarized span.
	head := 0
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		head = 1
	}

	split := len(messages) - keep
	// A tool result must stay adjacent to the assistant turn that
	// requested it, so move the split past any leading results.
	for split < len(messages) && split > head && messages[split].Role == model.RoleToolResult {
		split++
	}
	if split-head < minOlderTurns {
		return messages, false
	}

	older := messages[head:split]
	transcript := buildTranscript(older, s.InputCharLimit)

	digest := summaryFallback
	if s.Client != nil {
		req := []model.Message{{
			Role: model.RoleUser,
			Text: fmt.Sprintf(summaryPrompt, transcript),
		}}
		resp, err := s.Client.Chat(ctx, req, nil)
		if err != nil || resp.Empty() {
			logger.Warn("history summarization failed, dropping older turns", "error", err)
		} else {
			digest = strings.TrimSpace(resp.Text)
			if s.MaxChars > 0 && len(digest) > s.MaxChars {
				digest = digest[:s.MaxChars] + truncationMarker
			}
		}
	}

	out := make([]model.Message, 0, head+1+len(messages)-split)
	out = append(out, messages[:head]...)
	out = append(out, model.Message{
		Role: model.RoleUser,
		Text: "Summary of earlier session activity: " + digest,
	})
	out = append(out, messages[split:]...)
	return out, true
}

// buildTranscript renders messages as "role: text" lines, capped at
// limit characters with the oldest lines cut first.
func buildTranscript(messages []model.Message, limit int) string {
	var b strings.Builder
	for _, msg := range messages {
		text := msg.Text
		if msg.HasImages() {
			if text != "" {
				text += " "
			}
			text += fmt.Sprintf("[%d image(s)]", len(msg.Images))
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}
	transcript := b.String()
	if limit > 0 && len(transcript) > limit {
		transcript = "[earlier lines omitted]\n" + transcript[len(transcript)-limit:]
	}
	return transcript
}
