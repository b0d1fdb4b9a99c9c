package budget

import "testing"

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver(map[string]int{
		"anthropic/claude-sonnet-4-5": 180000,
		"gemini-2.5-flash":            900000,
	}, nil)

	// Override on full key beats advertised.
	if got := r.Resolve("Anthropic", "Claude-Sonnet-4-5", 200000); got != 180000 {
		t.Fatalf("Resolve = %d, want 180000", got)
	}
	// Override on bare model name.
	if got := r.Resolve("google", "gemini-2.5-flash", 1048576); got != 900000 {
		t.Fatalf("Resolve = %d, want 900000", got)
	}
	// Advertised when no override.
	if got := r.Resolve("openai", "gpt-5", 128000); got != 128000 {
		t.Fatalf("Resolve = %d, want 128000", got)
	}
	// No bound from any source: 0 signals the caller to skip proactive
	// compaction entirely.
	if got := r.Resolve("local", "mystery-model", 0); got != 0 {
		t.Fatalf("Resolve = %d, want 0", got)
	}
}

func TestLearnedLimitBeatsAdvertised(t *testing.T) {
	r := NewResolver(nil, nil)

	if got := r.Resolve("local", "small-llm", 32000); got != 32000 {
		t.Fatalf("pre-learn Resolve = %d, want 32000", got)
	}

	// A provider rejection revealed the real limit is 4096.
	r.Learn("local", "small-llm", 4096)

	if got := r.Resolve("local", "small-llm", 32000); got != 4096 {
		t.Fatalf("post-learn Resolve = %d, want 4096", got)
	}
	if v, ok := r.Learned("LOCAL", "Small-LLM"); !ok || v != 4096 {
		t.Fatalf("Learned = %d, %v", v, ok)
	}
}

func TestLearnTightensAndLoosens(t *testing.T) {
	r := NewResolver(nil, nil)
	r.Learn("p", "m", 8000)
	r.Learn("p", "m", 4000)
	if got := r.Resolve("p", "m", 0); got != 4000 {
		t.Fatalf("Resolve = %d, want 4000 (tightened)", got)
	}
	// Loosening is accepted (with a warning) when the provider says so.
	r.Learn("p", "m", 6000)
	if got := r.Resolve("p", "m", 0); got != 6000 {
		t.Fatalf("Resolve = %d, want 6000 (loosened)", got)
	}
}

func TestLearnIgnoresNonPositive(t *testing.T) {
	r := NewResolver(nil, nil)
	r.Learn("p", "m", 0)
	r.Learn("p", "m", -5)
	if _, ok := r.Learned("p", "m"); ok {
		t.Fatal("non-positive limits must not be cached")
	}
}
