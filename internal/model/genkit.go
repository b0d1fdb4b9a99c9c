package model

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig holds provider settings for the Genkit-backed client.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	// ContextWindowOverride forces the advertised context window (tokens).
	ContextWindowOverride int
}

// GenkitClient implements Client on top of Genkit's multi-provider plugins.
type GenkitClient struct {
	g        *genkit.Genkit
	cfg      GenkitConfig
	provider string
	model    string
	tools    map[string]ai.Tool
}

// NewGenkitClient initializes Genkit with the configured provider and
// registers the tool catalog. Tool calls are returned to the caller, never
// executed by Genkit itself.
func NewGenkitClient(ctx context.Context, cfg GenkitConfig, tools []ToolDef) (*GenkitClient, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
	case "google":
		os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	c := &GenkitClient{
		g:        g,
		cfg:      cfg,
		provider: provider,
		model:    modelID,
		tools:    make(map[string]ai.Tool),
	}
	for _, td := range tools {
		td := td
		tool := genkit.DefineTool(g, td.Name, td.Description,
			func(_ *ai.ToolContext, input map[string]any) (string, error) {
				// Requests are surfaced via WithReturnToolRequests; the agent
				// loop executes them against the environment.
				return "", fmt.Errorf("tool %s must be executed by the agent loop", td.Name)
			})
		c.tools[td.Name] = tool
	}
	slog.Info("model client initialized", "provider", provider, "model", modelID)
	return c, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "google":
		return "gemini-2.5-pro"
	}
	return ""
}

func (c *GenkitClient) Provider() string { return c.provider }
func (c *GenkitClient) Model() string    { return c.model }

// SupportsVision reports vision capability from the model family name.
func (c *GenkitClient) SupportsVision() bool {
	m := strings.ToLower(c.model)
	if strings.Contains(m, "o1-mini") || strings.Contains(m, "instruct") {
		return false
	}
	return strings.HasPrefix(m, "claude-") ||
		strings.HasPrefix(m, "gemini-") ||
		strings.HasPrefix(m, "gpt-4") ||
		strings.HasPrefix(m, "gpt-5")
}

// ContextWindow returns the advertised context window for the configured
// model, or 0 for unrecognized models.
func (c *GenkitClient) ContextWindow() int {
	if c.cfg.ContextWindowOverride > 0 {
		return c.cfg.ContextWindowOverride
	}
	return advertisedContextWindow(c.provider, c.model)
}

func advertisedContextWindow(provider, model string) int {
	model = strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-5"):
		return 128_000
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	case "openai":
		return 128_000
	}
	return 0
}

func (c *GenkitClient) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	opts, err := c.generateOptions(messages, tools)
	if err != nil {
		return nil, err
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return c.convertResponse(resp), nil
}

func (c *GenkitClient) ChatStream(ctx context.Context, messages []Message, tools []ToolDef, cb StreamCallbacks) (*Response, error) {
	opts, err := c.generateOptions(messages, tools)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
		for _, part := range chunk.Content {
			switch part.Kind {
			case ai.PartReasoning:
				if cb.OnReasoning != nil && part.Text != "" {
					cb.OnReasoning(part.Text)
				}
			case ai.PartText:
				if cb.OnContent != nil && part.Text != "" {
					cb.OnContent(part.Text)
				}
			}
		}
		return nil
	}))
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate stream: %w", err)
	}
	return c.convertResponse(resp), nil
}

func (c *GenkitClient) generateOptions(messages []Message, tools []ToolDef) ([]ai.GenerateOption, error) {
	modelName := c.model
	if !strings.Contains(modelName, "/") {
		prefix := c.provider
		if c.provider == "openai_compatible" {
			prefix = c.cfg.OpenAICompatibleProvider
		}
		if c.provider == "google" {
			prefix = "googleai"
		}
		modelName = prefix + "/" + modelName
	}

	var system string
	var history []*ai.Message
	for _, m := range messages {
		if m.Role == RoleSystem && system == "" {
			system = m.Text
			continue
		}
		converted, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		history = append(history, converted)
	}

	opts := []ai.GenerateOption{ai.WithModelName(modelName)}
	if system != "" {
		opts = append(opts, ai.WithSystem("%s", system))
	}
	if len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}
	if len(tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(tools))
		for _, td := range tools {
			tool, ok := c.tools[td.Name]
			if !ok {
				return nil, fmt.Errorf("tool %q not registered with client", td.Name)
			}
			refs = append(refs, tool)
		}
		opts = append(opts, ai.WithTools(refs...))
		opts = append(opts, ai.WithReturnToolRequests(true))
	}
	return opts, nil
}

func convertMessage(m Message) (*ai.Message, error) {
	var role ai.Role
	switch m.Role {
	case RoleUser:
		role = ai.RoleUser
	case RoleAssistant:
		role = ai.RoleModel
	case RoleToolResult:
		role = ai.RoleTool
	case RoleSystem:
		role = ai.RoleSystem
	default:
		return nil, fmt.Errorf("unknown role %q", m.Role)
	}

	var parts []*ai.Part
	if m.Role == RoleToolResult {
		out := m.Text
		if m.IsError {
			out = "ERROR: " + out
		}
		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Ref:    m.ToolCallID,
			Name:   m.ToolName,
			Output: out,
		}))
	} else if m.Text != "" {
		parts = append(parts, ai.NewTextPart(m.Text))
	}
	for _, call := range m.ToolCalls {
		parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
			Ref:   call.ID,
			Name:  call.Name,
			Input: call.Input,
		}))
	}
	for _, img := range m.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		dataURL := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		parts = append(parts, ai.NewMediaPart(mediaType, dataURL))
	}
	if len(parts) == 0 {
		parts = append(parts, ai.NewTextPart(""))
	}
	return &ai.Message{Role: role, Content: parts}, nil
}

func (c *GenkitClient) convertResponse(resp *ai.ModelResponse) *Response {
	out := &Response{Text: resp.Text()}
	for _, req := range resp.ToolRequests() {
		input, _ := req.Input.(map[string]any)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    req.Ref,
			Name:  req.Name,
			Input: input,
		})
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}
	return out
}
