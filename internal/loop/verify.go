package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewline/helmsman/internal/model"
)

// verdictSchema constrains the verification reply. Some models answer
// the success field with a quoted word, so both forms are accepted and
// normalized afterwards.
const verdictSchema = `{
	"type": "object",
	"properties": {
		"success": {"type": ["boolean", "string"]},
		"summary": {"type": "string"}
	},
	"required": ["success", "summary"]
}`

const verifyPrompt = `The agent believes the task is finished.

Task: %s

Agent's summary of what it did: %s

Inspect the latest screenshot and history above and judge whether the task is actually complete. Reply with only a JSON object: {"success": true or false, "summary": "one or two sentences on the final state"}.`

// Verdict is the parsed outcome of one verification check.
type Verdict struct {
	Success bool
	Summary string
}

// Verifier asks the model to double-check a claimed completion and
// validates the reply against a schema.
type Verifier struct {
	schema *jsonschema.Schema
}

func NewVerifier() (*Verifier, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(verdictSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal verdict schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("verdict.json", doc); err != nil {
		return nil, fmt.Errorf("add verdict schema: %w", err)
	}
	schema, err := c.Compile("verdict.json")
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Verifier{schema: schema}, nil
}

// Request renders the verification message appended to the history.
func (v *Verifier) Request(task, agentSummary string) model.Message {
	return model.Message{
		Role: model.RoleUser,
		Text: fmt.Sprintf(verifyPrompt, task, agentSummary),
	}
}

// Parse extracts and validates the verdict from the model's reply. Any
// failure to produce a valid verdict is returned as an error; the caller
// treats that as "not complete", never as success.
func (v *Verifier) Parse(text string) (Verdict, error) {
	raw := extractBalancedObject(text)
	if raw == "" {
		return Verdict{}, fmt.Errorf("no JSON object in verification reply")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Verdict{}, fmt.Errorf("invalid verification JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Verdict{}, fmt.Errorf("verification reply rejected by schema: %w", err)
	}

	var parsed struct {
		Success any    `json:"success"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Verdict{}, fmt.Errorf("decode verification JSON: %w", err)
	}

	success, err := coerceSuccess(parsed.Success)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Success: success, Summary: parsed.Summary}, nil
}

// VerifyCompletion runs one verification round trip via invoke and
// parses the outcome.
func (v *Verifier) VerifyCompletion(ctx context.Context, messages []model.Message, invoke func(context.Context, []model.Message) (*model.Response, error)) (Verdict, error) {
	resp, err := invoke(ctx, messages)
	if err != nil {
		return Verdict{}, fmt.Errorf("verification call: %w", err)
	}
	return v.Parse(resp.Text)
}

func coerceSuccess(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return false, fmt.Errorf("unrecognized success value %q", val)
	}
	return false, fmt.Errorf("success has type %T", v)
}

// extractBalancedObject returns the first balanced {...} span in text,
// respecting strings and escapes.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	s := text[start:]

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
