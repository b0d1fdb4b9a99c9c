// Package model defines the message types and client interface used to talk
// to a remote language-model service. Wire formats belong to the backing
// implementation; the rest of the system only sees these types.
package model

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool"
)

// ImagePart is an encoded image carried inside a message.
type ImagePart struct {
	Data      []byte
	MediaType string // e.g. "image/png"
	Width     int
	Height    int

	// ScaleLevel records how far this image has been stepped down the
	// downscale ladder. 0 is the original capture.
	ScaleLevel int
}

// Message is one entry of a conversation history.
type Message struct {
	Role   Role
	Text   string
	Images []ImagePart

	// ToolCalls records the actions an assistant turn requested, so the
	// provider sees the request when its results are replayed.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on RoleToolResult messages to tie the
	// result back to the assistant's request.
	ToolCallID string
	ToolName   string

	// IsError marks a tool result that reports a failure.
	IsError bool
}

// HasImages reports whether the message carries at least one image part.
func (m Message) HasImages() bool { return len(m.Images) > 0 }

// ToolDef describes one executable action offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON Schema for the tool input
}

// ToolCall is an action the model asked to execute.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the result of one chat call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Empty reports whether the response carries neither text nor actions.
func (r *Response) Empty() bool {
	return r == nil || (r.Text == "" && len(r.ToolCalls) == 0)
}

// StreamCallbacks receives incremental output during a streaming call.
// Either callback may be nil.
type StreamCallbacks struct {
	OnReasoning func(chunk string)
	OnContent   func(chunk string)
}

// Client is the consumed model-service interface.
type Client interface {
	// Chat sends the full history plus tool catalog and returns the model's
	// next turn.
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)

	// ChatStream behaves like Chat but delivers content incrementally.
	ChatStream(ctx context.Context, messages []Message, tools []ToolDef, cb StreamCallbacks) (*Response, error)

	// SupportsVision reports whether the configured model accepts images.
	SupportsVision() bool

	// ContextWindow returns the advertised maximum input size in tokens,
	// or 0 when the provider does not advertise one.
	ContextWindow() int

	Provider() string
	Model() string
}
