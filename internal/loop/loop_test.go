package loop

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/helmsman/internal/budget"
	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/env"
	"github.com/crewline/helmsman/internal/model"
	"github.com/crewline/helmsman/internal/persistence"
	"github.com/crewline/helmsman/internal/resilience"
)

type fakeClient struct {
	mu   sync.Mutex
	chat func(messages []model.Message, tools []model.ToolDef) (*model.Response, error)
}

func (f *fakeClient) Chat(ctx context.Context, messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat(messages, tools)
}

func (f *fakeClient) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolDef, cb model.StreamCallbacks) (*model.Response, error) {
	return f.Chat(ctx, messages, tools)
}

func (f *fakeClient) SupportsVision() bool { return true }
func (f *fakeClient) ContextWindow() int   { return 200000 }
func (f *fakeClient) Provider() string     { return "anthropic" }
func (f *fakeClient) Model() string        { return "claude-sonnet-4-5" }

type fakeProvider struct {
	mu          sync.Mutex
	screenshots int
	commands    []string
	runCommand  func(ctx context.Context, cmd string) (env.CommandResult, error)
}

func (f *fakeProvider) Create(ctx context.Context, templateID, name string) (string, error) {
	return "env-1", nil
}
func (f *fakeProvider) Start(ctx context.Context, envID string) error  { return nil }
func (f *fakeProvider) Stop(ctx context.Context, envID string) error   { return nil }
func (f *fakeProvider) Delete(ctx context.Context, envID string) error { return nil }
func (f *fakeProvider) WaitReady(ctx context.Context, envID string, timeout time.Duration) error {
	return nil
}
func (f *fakeProvider) Exists(ctx context.Context, envID string) (bool, error) { return true, nil }

func (f *fakeProvider) RunCommand(ctx context.Context, envID, cmd string, timeout time.Duration) (env.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.runCommand != nil {
		return f.runCommand(ctx, cmd)
	}
	return env.CommandResult{Stdout: "ok", ExitCode: 0}, nil
}

func (f *fakeProvider) CaptureScreenshot(ctx context.Context, envID string) (env.Screenshot, error) {
	f.mu.Lock()
	f.screenshots++
	f.mu.Unlock()
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	return env.Screenshot{Data: buf.Bytes(), Width: 8, Height: 8}, nil
}

func (f *fakeProvider) PushFile(ctx context.Context, envID, localPath, remoteName string) error {
	return nil
}
func (f *fakeProvider) PullFile(ctx context.Context, envID, remoteName, localPath string) error {
	return nil
}

func (f *fakeProvider) screenshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenshots
}

func (f *fakeProvider) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func isVerification(messages []model.Message) bool {
	if len(messages) == 0 {
		return false
	}
	return strings.Contains(messages[len(messages)-1].Text, "judge whether the task is actually complete")
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		MaxIterations:         20,
		MaxCompletionAttempts: 3,
		TimeoutMinutes:        60,
		StepDelayMillis:       0,
		PollIntervalMillis:    10,
		KeepRecentImages:      3,
	}
}

func newTestLoop(t *testing.T, client model.Client, provider env.Provider, cfg config.LoopConfig, task *persistence.Task) *Loop {
	t.Helper()
	if task == nil {
		task = &persistence.Task{ID: "task-1", Description: "rename the files on the desktop"}
	}
	layer := resilience.New(client, budget.NewResolver(nil, nil), config.ResilienceConfig{
		MaxRetries:            1,
		BaseRetryDelaySeconds: 0.001,
		MaxCompactionRetries:  1,
		FillRatio:             0.85,
		KeepRecentTurns:       6,
	}, nil, nil)
	l, err := New(Options{
		Task:     task,
		Client:   client,
		Layer:    layer,
		Provider: provider,
		EnvID:    "env-1",
		Config:   cfg,
		PullDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return l
}

func TestLoopCompletesAfterVerification(t *testing.T) {
	provider := &fakeProvider{}
	step := 0
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: `{"success": true, "summary": "all files renamed"}`}, nil
		}
		step++
		if step == 1 {
			return &model.Response{ToolCalls: []model.ToolCall{
				{ID: "c1", Name: ToolRunCommand, Input: map[string]any{"command": "ls ~/Desktop"}},
			}}, nil
		}
		return &model.Response{Text: "Everything is renamed."}, nil
	}

	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	out := l.Run(context.Background())

	if out.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed (err=%s)", out.Status, out.Err)
	}
	if !out.Success || out.Summary != "all files renamed" {
		t.Fatalf("outcome = %+v", out)
	}
	if provider.commandCount() != 1 {
		t.Fatalf("commands = %d, want 1", provider.commandCount())
	}
}

func TestLoopVerificationAttemptsBounded(t *testing.T) {
	provider := &fakeProvider{}
	verifications := 0
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			verifications++
			return &model.Response{Text: `{"success": false, "summary": "files still unnamed"}`}, nil
		}
		return &model.Response{Text: "I believe the task is done."}, nil
	}

	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	out := l.Run(context.Background())

	if out.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if verifications != 3 {
		t.Fatalf("verification calls = %d, want 3", verifications)
	}
	if out.Summary != "files still unnamed" {
		t.Fatalf("summary = %q", out.Summary)
	}
}

func TestLoopInvalidVerdictIsNotSuccess(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: "looks good to me!"}, nil
		}
		return &model.Response{Text: "done"}, nil
	}

	cfg := testLoopConfig()
	cfg.MaxCompletionAttempts = 2
	l := newTestLoop(t, client, provider, cfg, nil)
	out := l.Run(context.Background())

	if out.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if out.Success {
		t.Fatal("malformed verdict must never count as success")
	}
}

func TestLoopMaxIterations(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		return &model.Response{ToolCalls: []model.ToolCall{
			{ID: "c", Name: ToolRunCommand, Input: map[string]any{"command": "true"}},
		}}, nil
	}

	cfg := testLoopConfig()
	cfg.MaxIterations = 2
	l := newTestLoop(t, client, provider, cfg, nil)
	out := l.Run(context.Background())

	if out.Status != persistence.TaskStatusMaxIterations {
		t.Fatalf("status = %s, want maxIterationsReached", out.Status)
	}
	if out.Steps != 2 {
		t.Fatalf("steps = %d, want 2", out.Steps)
	}
}

func TestLoopCancelAbortsBatch(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	l := newTestLoop(t, client, provider, testLoopConfig(), nil)

	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		return &model.Response{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: ToolRunCommand, Input: map[string]any{"command": "first"}},
			{ID: "c2", Name: ToolRunCommand, Input: map[string]any{"command": "second"}},
		}}, nil
	}
	provider.runCommand = func(ctx context.Context, cmd string) (env.CommandResult, error) {
		l.Control().Cancel()
		return env.CommandResult{ExitCode: 0}, nil
	}

	out := l.Run(context.Background())
	if out.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	// The second command of the batch must not run.
	if provider.commandCount() != 1 {
		t.Fatalf("commands = %d, want 1", provider.commandCount())
	}
}

func TestLoopPauseAbortsBatch(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	l := newTestLoop(t, client, provider, testLoopConfig(), nil)

	step := 0
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: `{"success": true, "summary": "done"}`}, nil
		}
		step++
		if step == 1 {
			return &model.Response{ToolCalls: []model.ToolCall{
				{ID: "c1", Name: ToolRunCommand, Input: map[string]any{"command": "first"}},
				{ID: "c2", Name: ToolRunCommand, Input: map[string]any{"command": "second"}},
			}}, nil
		}
		return &model.Response{Text: "done"}, nil
	}
	provider.runCommand = func(ctx context.Context, cmd string) (env.CommandResult, error) {
		if cmd != "first" {
			return env.CommandResult{ExitCode: 0}, nil
		}
		// Pause mid-action and block until the poll aborts us.
		l.Control().Pause()
		<-ctx.Done()
		return env.CommandResult{ExitCode: 1}, ctx.Err()
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Control().Resume("")
	}()

	out := l.Run(context.Background())
	if out.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed, err %s", out.Status, out.Err)
	}
	// The pause aborts the batch: "second" never reaches the provider.
	if provider.commandCount() != 1 {
		t.Fatalf("commands = %v, want [first] only", provider.commands)
	}
}

func TestLoopImageResultBecomesUserTurn(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	step := 0
	var history []model.Message
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: `{"success": true, "summary": "done"}`}, nil
		}
		step++
		if step == 1 {
			return &model.Response{ToolCalls: []model.ToolCall{
				{ID: "c1", Name: ToolScreenshot, Input: map[string]any{}},
			}}, nil
		}
		history = messages
		return &model.Response{Text: "done"}, nil
	}

	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	out := l.Run(context.Background())
	if out.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}

	sawImageTurn := false
	for i, m := range history {
		if m.Role == model.RoleToolResult && m.ToolName == ToolScreenshot {
			if len(m.Images) != 0 {
				t.Fatal("screenshot attached to the tool result itself")
			}
			if i+1 >= len(history) || history[i+1].Role != model.RoleUser || len(history[i+1].Images) == 0 {
				t.Fatal("screenshot not injected as a user turn after the tool result")
			}
			sawImageTurn = true
		}
	}
	if !sawImageTurn {
		t.Fatal("screenshot tool result missing from history")
	}
}

func TestLoopInertStepSkipsObservation(t *testing.T) {
	provider := &fakeProvider{}
	step := 0
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: `{"success": true, "summary": "noted"}`}, nil
		}
		step++
		if step == 1 {
			return &model.Response{ToolCalls: []model.ToolCall{
				{ID: "c1", Name: ToolAddTodo, Input: map[string]any{"item": "inspect the desktop"}},
			}}, nil
		}
		return &model.Response{Text: "done"}, nil
	}

	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	out := l.Run(context.Background())

	if out.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	// Step 1 observes; step 2 follows an inert-only step and must not
	// capture a fresh screenshot.
	if provider.screenshotCount() != 1 {
		t.Fatalf("screenshots = %d, want 1", provider.screenshotCount())
	}
}

func TestLoopPauseInjectsInstruction(t *testing.T) {
	provider := &fakeProvider{}
	sawInstruction := false
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		if isVerification(messages) {
			return &model.Response{Text: `{"success": true, "summary": "done"}`}, nil
		}
		for _, m := range messages {
			if strings.Contains(m.Text, "Operator instruction: check the inbox first") {
				sawInstruction = true
			}
		}
		return &model.Response{Text: "done"}, nil
	}

	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	l.Control().Pause()
	go func() {
		time.Sleep(30 * time.Millisecond)
		l.Control().Resume("check the inbox first")
	}()

	out := l.Run(context.Background())
	if out.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	if !sawInstruction {
		t.Fatal("resume instruction never reached the model")
	}
}

func TestLoopCancelledBeforeStart(t *testing.T) {
	provider := &fakeProvider{}
	client := &fakeClient{}
	client.chat = func(messages []model.Message, tools []model.ToolDef) (*model.Response, error) {
		t.Fatal("model must not be called after cancel")
		return nil, nil
	}
	l := newTestLoop(t, client, provider, testLoopConfig(), nil)
	l.Control().Cancel()

	out := l.Run(context.Background())
	if out.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
}

func TestControlLifecycle(t *testing.T) {
	c := NewControl()
	if c.Paused() || c.Cancelled() {
		t.Fatal("fresh control must be idle")
	}

	c.Pause()
	if !c.Paused() {
		t.Fatal("pause not recorded")
	}
	// Resume releases the waiter and hands over the instruction.
	done := make(chan string, 1)
	go func() {
		ins, _ := c.WaitIfPaused(context.Background())
		done <- ins
	}()
	time.Sleep(10 * time.Millisecond)
	c.Resume("carry on")
	select {
	case ins := <-done:
		if ins != "carry on" {
			t.Fatalf("instruction = %q", ins)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	// Cancel releases a pause too.
	c.Pause()
	go c.Cancel()
	if _, err := c.WaitIfPaused(context.Background()); err != nil {
		t.Fatalf("wait after cancel: %v", err)
	}
	if !c.Cancelled() {
		t.Fatal("cancel not recorded")
	}
	// Pausing a cancelled control is a no-op.
	c.Pause()
	if c.Paused() {
		t.Fatal("cancelled control must not pause")
	}
}

func TestVerifierParse(t *testing.T) {
	v, err := NewVerifier()
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	cases := []struct {
		name    string
		text    string
		want    bool
		wantErr bool
	}{
		{"bool true", `{"success": true, "summary": "done"}`, true, false},
		{"bool false", `{"success": false, "summary": "not yet"}`, false, false},
		{"string true", `{"success": "true", "summary": "done"}`, true, false},
		{"string yes", `{"success": "yes", "summary": "done"}`, true, false},
		{"string no", `{"success": "no", "summary": "nope"}`, false, false},
		{"prose around", "Sure. {\"success\": true, \"summary\": \"all good\"} Hope that helps.", true, false},
		{"nested braces in string", `{"success": true, "summary": "printed {ok}"}`, true, false},
		{"missing summary", `{"success": true}`, false, true},
		{"odd string", `{"success": "maybe", "summary": "?"}`, false, true},
		{"no json", "it went great", false, true},
		{"number success", `{"success": 1, "summary": "x"}`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := v.Parse(tc.text)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", verdict)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if verdict.Success != tc.want {
				t.Fatalf("success = %v, want %v", verdict.Success, tc.want)
			}
		})
	}
}

func TestExecutorPushFileGating(t *testing.T) {
	provider := &fakeProvider{}
	e := &executor{
		provider:    provider,
		envID:       "env-1",
		attachments: []string{"/data/report.pdf"},
	}

	out := e.execute(context.Background(), model.ToolCall{
		Name:  ToolPushFile,
		Input: map[string]any{"path": "report.pdf"},
	})
	if out.isError {
		t.Fatalf("attached file rejected: %s", out.text)
	}

	out = e.execute(context.Background(), model.ToolCall{
		Name:  ToolPushFile,
		Input: map[string]any{"path": "/etc/passwd"},
	})
	if !out.isError {
		t.Fatal("non-attachment must be rejected")
	}
}

func TestExecutorPullFileNameValidation(t *testing.T) {
	e := &executor{provider: &fakeProvider{}, envID: "env-1", pullDir: t.TempDir()}
	out := e.execute(context.Background(), model.ToolCall{
		Name:  ToolPullFile,
		Input: map[string]any{"name": "../escape.txt"},
	})
	if !out.isError {
		t.Fatal("path traversal must be rejected")
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	e := &executor{provider: &fakeProvider{}, envID: "env-1"}
	out := e.execute(context.Background(), model.ToolCall{Name: "reboot_host"})
	if !out.isError {
		t.Fatal("unknown tool must error")
	}
}
