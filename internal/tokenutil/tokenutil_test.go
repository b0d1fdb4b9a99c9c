package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"sentence", "the quick brown fox jumps over the lazy dog", 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimateTokensCharFloor(t *testing.T) {
	// A long unbroken token should use the char/4 floor, not the word count.
	content := ""
	for i := 0; i < 400; i++ {
		content += "x"
	}
	if got := EstimateTokens(content); got != 100 {
		t.Errorf("EstimateTokens(400 chars) = %d, want 100", got)
	}
}

func TestEstimateImageTokens(t *testing.T) {
	if got := EstimateImageTokens(1920, 1080); got != 1920*1080/750 {
		t.Errorf("HD screenshot = %d tokens", got)
	}
	if got := EstimateImageTokens(0, 0); got != 1500 {
		t.Errorf("unknown dimensions = %d, want flat 1500", got)
	}
	if got := EstimateImageTokens(10, 10); got != 100 {
		t.Errorf("tiny image = %d, want floor 100", got)
	}
}
