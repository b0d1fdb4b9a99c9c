package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewline/helmsman/internal/env"
	"github.com/crewline/helmsman/internal/model"
	"github.com/crewline/helmsman/internal/plan"
)

// Tool names offered to the model.
const (
	ToolRunCommand      = "run_command"
	ToolScreenshot      = "screenshot"
	ToolWait            = "wait"
	ToolPushFile        = "push_file"
	ToolPullFile        = "pull_file"
	ToolAddTodo         = "add_todo"
	ToolCompleteTodo    = "complete_todo"
	ToolRecordDeviation = "record_deviation"
)

// inertTools never change the environment; a step made only of inert
// actions does not require a fresh observation.
var inertTools = map[string]bool{
	ToolWait:            true,
	ToolAddTodo:         true,
	ToolCompleteTodo:    true,
	ToolRecordDeviation: true,
}

// defaultCommandTimeout bounds run_command when the model gives none.
const defaultCommandTimeout = 60 * time.Second

// maxCommandTimeout caps what the model may request.
const maxCommandTimeout = 10 * time.Minute

// ToolCatalog returns the tool definitions advertised to the model.
func ToolCatalog() []model.ToolDef {
	return []model.ToolDef{
		{
			Name:        ToolRunCommand,
			Description: "Run a shell command inside the environment and return its output and exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":         map[string]any{"type": "string", "description": "Shell command to execute"},
					"timeout_seconds": map[string]any{"type": "number", "description": "Command timeout, default 60"},
				},
				"required": []any{"command"},
			},
		},
		{
			Name:        ToolScreenshot,
			Description: "Capture the environment's current display as an image.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolWait,
			Description: "Wait the given number of seconds, e.g. for a program to finish loading.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"seconds": map[string]any{"type": "number", "description": "Seconds to wait, max 120"},
				},
				"required": []any{"seconds"},
			},
		},
		{
			Name:        ToolPushFile,
			Description: "Copy one of the task's attached files into the environment inbox.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Attachment path as listed in the task"},
				},
				"required": []any{"path"},
			},
		},
		{
			Name:        ToolPullFile,
			Description: "Copy a file from the environment outbox back to the host for the task result.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "File name inside the outbox"},
				},
				"required": []any{"name"},
			},
		},
		{
			Name:        ToolAddTodo,
			Description: "Add a new item to the task checklist.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item": map[string]any{"type": "string"},
				},
				"required": []any{"item"},
			},
		},
		{
			Name:        ToolCompleteTodo,
			Description: "Mark a checklist item as done.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item": map[string]any{"type": "string"},
				},
				"required": []any{"item"},
			},
		},
		{
			Name:        ToolRecordDeviation,
			Description: "Record that execution departed from the plan and why.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{"type": "string"},
					"reasoning":   map[string]any{"type": "string"},
				},
				"required": []any{"description"},
			},
		},
	}
}

// toolOutcome is the result of executing one tool call.
type toolOutcome struct {
	text    string
	image   *model.ImagePart
	isError bool
	inert   bool
}

// executor runs tool calls against the environment and plan for one task.
type executor struct {
	provider    env.Provider
	envID       string
	plan        *plan.State
	attachments []string
	pullDir     string
}

func (e *executor) execute(ctx context.Context, call model.ToolCall) toolOutcome {
	inert := inertTools[call.Name]
	text, img, err := e.dispatch(ctx, call)
	if err != nil {
		return toolOutcome{text: err.Error(), isError: true, inert: inert}
	}
	return toolOutcome{text: text, image: img, inert: inert}
}

func (e *executor) dispatch(ctx context.Context, call model.ToolCall) (string, *model.ImagePart, error) {
	switch call.Name {
	case ToolRunCommand:
		return e.runCommand(ctx, call.Input)
	case ToolScreenshot:
		return e.screenshot(ctx)
	case ToolWait:
		return e.wait(ctx, call.Input)
	case ToolPushFile:
		return e.pushFile(ctx, call.Input)
	case ToolPullFile:
		return e.pullFile(ctx, call.Input)
	case ToolAddTodo:
		item := stringArg(call.Input, "item")
		if err := e.plan.Add(item); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("added: %s", item), nil, nil
	case ToolCompleteTodo:
		item := stringArg(call.Input, "item")
		if err := e.plan.Complete(item); err != nil {
			return "", nil, err
		}
		done, total := e.plan.Progress()
		return fmt.Sprintf("completed: %s (%d/%d done)", item, done, total), nil, nil
	case ToolRecordDeviation:
		desc := stringArg(call.Input, "description")
		if desc == "" {
			return "", nil, fmt.Errorf("description is required")
		}
		e.plan.RecordDeviation(desc, stringArg(call.Input, "reasoning"))
		return "deviation recorded", nil, nil
	default:
		return "", nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (e *executor) runCommand(ctx context.Context, input map[string]any) (string, *model.ImagePart, error) {
	cmd := stringArg(input, "command")
	if strings.TrimSpace(cmd) == "" {
		return "", nil, fmt.Errorf("command is required")
	}
	timeout := defaultCommandTimeout
	if secs := numberArg(input, "timeout_seconds"); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}
	res, err := e.provider.RunCommand(ctx, e.envID, cmd, timeout)
	if err != nil {
		return "", nil, fmt.Errorf("run command: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	return b.String(), nil, nil
}

func (e *executor) screenshot(ctx context.Context) (string, *model.ImagePart, error) {
	shot, err := e.provider.CaptureScreenshot(ctx, e.envID)
	if err != nil {
		return "", nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return "screenshot captured", &model.ImagePart{
		Data:      shot.Data,
		MediaType: "image/png",
		Width:     shot.Width,
		Height:    shot.Height,
	}, nil
}

func (e *executor) wait(ctx context.Context, input map[string]any) (string, *model.ImagePart, error) {
	secs := numberArg(input, "seconds")
	if secs <= 0 {
		return "", nil, fmt.Errorf("seconds must be positive")
	}
	if secs > 120 {
		secs = 120
	}
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(time.Duration(secs * float64(time.Second))):
	}
	return fmt.Sprintf("waited %.0f seconds", secs), nil, nil
}

func (e *executor) pushFile(ctx context.Context, input map[string]any) (string, *model.ImagePart, error) {
	path := stringArg(input, "path")
	if path == "" {
		return "", nil, fmt.Errorf("path is required")
	}
	// Only files attached to the task may enter the environment.
	allowed := false
	for _, a := range e.attachments {
		if a == path || filepath.Base(a) == path {
			path = a
			allowed = true
			break
		}
	}
	if !allowed {
		return "", nil, fmt.Errorf("%q is not among the task attachments", path)
	}
	name := filepath.Base(path)
	if err := e.provider.PushFile(ctx, e.envID, path, name); err != nil {
		return "", nil, fmt.Errorf("push file: %w", err)
	}
	return fmt.Sprintf("pushed %s into the inbox", name), nil, nil
}

func (e *executor) pullFile(ctx context.Context, input map[string]any) (string, *model.ImagePart, error) {
	name := stringArg(input, "name")
	if name == "" || name != filepath.Base(name) {
		return "", nil, fmt.Errorf("name must be a bare file name")
	}
	local := filepath.Join(e.pullDir, name)
	if err := e.provider.PullFile(ctx, e.envID, name, local); err != nil {
		return "", nil, fmt.Errorf("pull file: %w", err)
	}
	return fmt.Sprintf("pulled %s to %s", name, local), nil, nil
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func numberArg(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
