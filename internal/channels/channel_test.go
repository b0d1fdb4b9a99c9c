package channels_test

import (
	"strings"
	"testing"

	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/channels"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannelName(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want %q", got, "telegram")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text    string
		command string
		arg     string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"sort my downloads", "task", "sort my downloads"},
		{"/task sort my downloads", "task", "sort my downloads"},
		{"/status", "status", ""},
		{"/cancel abc-123", "cancel", "abc-123"},
		{"/CANCEL abc-123", "cancel", "abc-123"},
		{"/help", "help", ""},
	}
	for _, tc := range cases {
		command, arg := channels.ParseCommand(tc.text)
		if command != tc.command || arg != tc.arg {
			t.Errorf("ParseCommand(%q) = (%q, %q), want (%q, %q)", tc.text, command, arg, tc.command, tc.arg)
		}
	}
}

func TestFormatOutcome(t *testing.T) {
	got := channels.FormatOutcome(bus.TaskOutcomeEvent{
		TaskID: "0b5c9e11-aaaa-bbbb-cccc-000000000000", Status: "completed",
		Summary: "files renamed", Success: true,
	})
	if !strings.Contains(got, "0b5c9e11") || !strings.Contains(got, "files renamed") {
		t.Fatalf("completed outcome = %q", got)
	}

	got = channels.FormatOutcome(bus.TaskOutcomeEvent{
		TaskID: "deadbeef-0000", Status: "failed", Error: "verification failed 3 times",
	})
	if !strings.Contains(got, "failed") || !strings.Contains(got, "verification failed") {
		t.Fatalf("failed outcome = %q", got)
	}

	got = channels.FormatOutcome(bus.TaskOutcomeEvent{TaskID: "deadbeef-0000", Status: "cancelled"})
	if !strings.Contains(got, "cancelled") {
		t.Fatalf("cancelled outcome = %q", got)
	}
}

func TestFormatOutcomeRedactsSecrets(t *testing.T) {
	got := channels.FormatOutcome(bus.TaskOutcomeEvent{
		TaskID: "deadbeef-0000", Status: "completed", Success: true,
		Summary: "saved credentials api_key: sk-1234567890abcdef1234567890abcdef to the vault",
	})
	if strings.Contains(got, "sk-1234567890abcdef") {
		t.Fatalf("secret survived notification formatting: %q", got)
	}
	if !strings.Contains(got, "[redacted") {
		t.Fatalf("expected redaction marker: %q", got)
	}
}
