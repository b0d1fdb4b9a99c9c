// Package resilience wraps model calls with error classification,
// bounded retries, and staged history compaction so a session survives
// provider hiccups and context-window pressure.
package resilience

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrorClass categorizes a failed model call for recovery decisions.
type ErrorClass string

const (
	// ErrorClassPayloadTooLarge indicates the request body itself was
	// rejected (413), typically because of attached images.
	ErrorClassPayloadTooLarge ErrorClass = "PAYLOAD_TOO_LARGE"

	// ErrorClassContextLimit indicates the prompt exceeded the model's
	// context window.
	ErrorClassContextLimit ErrorClass = "CONTEXT_LIMIT"

	// ErrorClassEmptyResponse indicates the provider returned a response
	// with neither text nor tool calls.
	ErrorClassEmptyResponse ErrorClass = "EMPTY_RESPONSE"

	// ErrorClassTransient covers rate limits, timeouts, and 5xx errors
	// worth retrying as-is.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassFatal covers auth, billing, and malformed-request errors
	// that no amount of retrying will fix.
	ErrorClassFatal ErrorClass = "FATAL"
)

// ErrEmptyResponse is returned when a call succeeds at the transport
// level but carries no content.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Classify categorizes a model error. Matching is ordered from most to
// least specific: an oversized payload is reported before a context
// overflow, which is reported before generic transient patterns.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	if errors.Is(err, ErrEmptyResponse) {
		return ErrorClassEmptyResponse
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "413") ||
		strings.Contains(msg, "payload too large") ||
		strings.Contains(msg, "request_too_large") ||
		strings.Contains(msg, "request entity too large") {
		return ErrorClassPayloadTooLarge
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maxinputtokens") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "input is too long") {
		return ErrorClassContextLimit
	}

	if strings.Contains(msg, "empty response") ||
		strings.Contains(msg, "no candidates") {
		return ErrorClassEmptyResponse
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unexpected eof") {
		return ErrorClassTransient
	}

	return ErrorClassFatal
}

// Retryable reports whether the class is worth another attempt at all.
func (c ErrorClass) Retryable() bool {
	return c != ErrorClassFatal
}

// Provider context-limit messages carry the real numbers; pull them out
// so the budget resolver can learn the true window.
var contextLimitPatterns = []*regexp.Regexp{
	// anthropic: "prompt is too long: 215052 tokens > 200000 maximum"
	regexp.MustCompile(`(?i)prompt is too long:\s*(\d+)\s*tokens?\s*>\s*(\d+)\s*maximum`),
	// openai: "maximum context length is 128000 tokens. However, your messages resulted in 131085 tokens"
	regexp.MustCompile(`(?i)maximum context length is\s*(\d+)\s*tokens.*?(\d+)\s*tokens`),
	// generic: "input token count (131085) exceeds the maximum ... (128000)"
	regexp.MustCompile(`(?i)token count\s*\((\d+)\)\s*exceeds.*?\((\d+)\)`),
	// google: "maxInputTokens: 4096, requested: 5200"
	regexp.MustCompile(`(?i)maxInputTokens:\s*(\d+).*?requested:\s*(\d+)`),
}

// ParseContextLimit extracts (maxTokens, requestedTokens) from a
// context-limit rejection. Either value is 0 when the message does not
// state it.
func ParseContextLimit(err error) (maxTokens, requested int) {
	if err == nil {
		return 0, 0
	}
	msg := err.Error()
	for i, re := range contextLimitPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		switch i {
		case 0, 2: // requested first, max second
			return b, a
		default: // max first, requested second
			return a, b
		}
	}
	return 0, 0
}
