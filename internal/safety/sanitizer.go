// Package safety screens text crossing trust boundaries: task
// descriptions entering the model prompt and outcome summaries leaving
// over outbound channels.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended disposition for screened input.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionBlock
)

// CheckResult reports what a screening rule matched and how to respond.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string
}

// MustAllow converts a blocking result into an error for callers that
// reject rather than log.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}

type screenRule struct {
	re     *regexp.Regexp
	reason string
}

// Blocking rules: phrasing that tries to rewrite the agent's role or
// pull its instructions out. Matching any of these rejects the task.
var blockRules = []screenRule{
	{regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		"role manipulation: ignore previous instructions"},
	{regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		"role manipulation: identity override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		"role manipulation: system prompt override"},
	{regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		"role manipulation: memory wipe"},
	{regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		"prompt leaking: system prompt extraction"},
	{regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		"prompt leaking: system prompt query"},
}

// Warning rules: template markers and encodings that are suspicious in a
// task description but have legitimate uses, so the task proceeds with a
// logged warning.
var warnRules = []screenRule{
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		"injection marker: [SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		"injection marker: chat template tag"},
	// base64 of "ignore" / "Ignore"
	{regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`),
		"potential encoded injection"},
}

// Sanitizer screens task descriptions before they become part of the
// agent's prompt.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Check screens input against the blocking rules first, then the
// warning rules, and reports the first match.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, rule := range blockRules {
		if rule.re.MatchString(input) {
			return CheckResult{Action: ActionBlock, Reason: rule.reason, Pattern: rule.re.String()}
		}
	}
	for _, rule := range warnRules {
		if rule.re.MatchString(input) {
			return CheckResult{Action: ActionWarn, Reason: rule.reason, Pattern: rule.re.String()}
		}
	}
	return CheckResult{Action: ActionAllow}
}
