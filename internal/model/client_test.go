package model

import (
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestResponseEmpty(t *testing.T) {
	var nilResp *Response
	if !nilResp.Empty() {
		t.Error("nil response should be empty")
	}
	if !(&Response{}).Empty() {
		t.Error("zero response should be empty")
	}
	if (&Response{Text: "hi"}).Empty() {
		t.Error("text response should not be empty")
	}
	if (&Response{ToolCalls: []ToolCall{{Name: "run_command"}}}).Empty() {
		t.Error("tool-call response should not be empty")
	}
}

func TestConvertMessageRoles(t *testing.T) {
	tests := []struct {
		role Role
		want ai.Role
	}{
		{RoleUser, ai.RoleUser},
		{RoleAssistant, ai.RoleModel},
		{RoleToolResult, ai.RoleTool},
		{RoleSystem, ai.RoleSystem},
	}
	for _, tt := range tests {
		msg, err := convertMessage(Message{Role: tt.role, Text: "x", ToolName: "run_command", ToolCallID: "1"})
		if err != nil {
			t.Fatalf("convertMessage(%s): %v", tt.role, err)
		}
		if msg.Role != tt.want {
			t.Errorf("role %s converted to %s, want %s", tt.role, msg.Role, tt.want)
		}
	}
	if _, err := convertMessage(Message{Role: Role("bogus")}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestConvertMessageImageBecomesMediaPart(t *testing.T) {
	msg, err := convertMessage(Message{
		Role:   RoleUser,
		Text:   "current screen",
		Images: []ImagePart{{Data: []byte{1, 2, 3}, MediaType: "image/png", Width: 10, Height: 10}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("parts = %d, want text + media", len(msg.Content))
	}
	media := msg.Content[1]
	if media.Kind != ai.PartMedia {
		t.Fatalf("second part kind = %v, want media", media.Kind)
	}
	if !strings.HasPrefix(media.Text, "data:image/png;base64,") {
		t.Fatalf("media part not a data URL: %q", media.Text[:30])
	}
}

func TestAdvertisedContextWindow(t *testing.T) {
	tests := []struct {
		provider, model string
		want            int
	}{
		{"anthropic", "claude-sonnet-4-5", 200_000},
		{"google", "gemini-2.5-pro", 1_048_576},
		{"openai", "gpt-4o", 128_000},
		{"openai_compatible", "some-unknown-model", 0},
		{"anthropic", "unknown-model", 200_000}, // provider fallback
	}
	for _, tt := range tests {
		if got := advertisedContextWindow(tt.provider, tt.model); got != tt.want {
			t.Errorf("advertisedContextWindow(%s, %s) = %d, want %d", tt.provider, tt.model, got, tt.want)
		}
	}
}
