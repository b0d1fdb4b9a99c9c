package resilience

import (
	"fmt"

	"github.com/crewline/helmsman/internal/model"
	"github.com/crewline/helmsman/internal/tokenutil"
)

const (
	truncationMarker   = "\n[truncated]"
	removedImageMarker = "[image removed during history compaction]"

	// Flat per-message overhead covering role tags and formatting.
	perMessageOverhead = 4
)

// EstimateHistoryTokens approximates the token cost of sending the
// given history plus tool catalog.
func EstimateHistoryTokens(messages []model.Message, tools []model.ToolDef) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += tokenutil.EstimateTokens(msg.Text)
		for _, img := range msg.Images {
			total += tokenutil.EstimateImageTokens(img.Width, img.Height)
		}
	}
	for _, tool := range tools {
		total += tokenutil.EstimateTokens(tool.Name + " " + tool.Description)
		total += tokenutil.EstimateTokens(fmt.Sprintf("%v", tool.InputSchema))
	}
	return total
}

// TruncateToolResults caps every tool-result message at charLimit
// characters, appending a marker so the model knows output was cut.
// Other messages pass through unchanged.
func TruncateToolResults(messages []model.Message, charLimit int) []model.Message {
	if charLimit <= 0 {
		return messages
	}
	out := make([]model.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if msg.Role != model.RoleToolResult || len(msg.Text) <= charLimit {
			continue
		}
		out[i].Text = msg.Text[:charLimit] + truncationMarker
	}
	return out
}

// AggressiveCompact is the last compaction stage before giving up: it
// keeps only the newest image in the whole history, rewrites every
// other image to a text marker, and truncates tool results. The leading
// system message and the message count are preserved.
func AggressiveCompact(messages []model.Message, toolResultCharLimit int) []model.Message {
	out := TruncateToolResults(messages, toolResultCharLimit)

	// Locate the newest image-bearing message.
	newest := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].HasImages() {
			newest = i
			break
		}
	}

	for i := range out {
		if !out[i].HasImages() {
			continue
		}
		if i == newest {
			// Keep only the last image of the newest visual turn.
			out[i].Images = out[i].Images[len(out[i].Images)-1:]
			continue
		}
		out[i].Images = nil
		if out[i].Text == "" {
			out[i].Text = removedImageMarker
		} else {
			out[i].Text += "\n" + removedImageMarker
		}
	}
	return out
}

// RetainRecentImages keeps images only in the newest keep image-bearing
// messages, rewriting older visual turns to markers. Used by the agent
// loop between steps to stop screenshots from accumulating.
func RetainRecentImages(messages []model.Message, keep int) []model.Message {
	if keep <= 0 {
		keep = 1
	}
	out := make([]model.Message, len(messages))
	copy(out, messages)

	seen := 0
	for i := len(out) - 1; i >= 0; i-- {
		if !out[i].HasImages() {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		out[i].Images = nil
		if out[i].Text == "" {
			out[i].Text = removedImageMarker
		} else {
			out[i].Text += "\n" + removedImageMarker
		}
	}
	return out
}
