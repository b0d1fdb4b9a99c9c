package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/env"
	"github.com/crewline/helmsman/internal/model"
	otelx "github.com/crewline/helmsman/internal/otel"
	"github.com/crewline/helmsman/internal/persistence"
	"github.com/crewline/helmsman/internal/plan"
	"github.com/crewline/helmsman/internal/resilience"
)

// Outcome is the terminal result of a session.
type Outcome struct {
	Status  persistence.TaskStatus
	Summary string
	Success bool
	Err     string
	Steps   int
}

// Options wires a Loop.
type Options struct {
	Task     *persistence.Task
	Client   model.Client
	Layer    *resilience.Layer
	Provider env.Provider
	EnvID    string
	Store    *persistence.Store
	Bus      *bus.Bus
	Control  *Control
	Config   config.LoopConfig
	Logger   *slog.Logger
	Metrics  *otelx.Metrics

	// PullDir is the host directory pull_file writes into.
	PullDir string
}

// Loop drives one task to a terminal status inside its environment.
type Loop struct {
	task     *persistence.Task
	client   model.Client
	layer    *resilience.Layer
	provider env.Provider
	envID    string
	store    *persistence.Store
	bus      *bus.Bus
	control  *Control
	plan     *plan.State
	verifier *Verifier
	cfg      config.LoopConfig
	logger   *slog.Logger
	metrics  *otelx.Metrics
	exec     *executor
}

func New(opts Options) (*Loop, error) {
	if opts.Task == nil || opts.Client == nil || opts.Layer == nil || opts.Provider == nil {
		return nil, errors.New("task, client, layer, and provider are required")
	}
	verifier, err := NewVerifier()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	control := opts.Control
	if control == nil {
		control = NewControl()
	}
	planState := plan.Parse(opts.Task.Plan)
	return &Loop{
		task:     opts.Task,
		client:   opts.Client,
		layer:    opts.Layer,
		provider: opts.Provider,
		envID:    opts.EnvID,
		store:    opts.Store,
		bus:      opts.Bus,
		control:  control,
		plan:     planState,
		verifier: verifier,
		cfg:      opts.Config,
		logger:   logger.With("task_id", opts.Task.ID),
		metrics:  opts.Metrics,
		exec: &executor{
			provider:    opts.Provider,
			envID:       opts.EnvID,
			plan:        planState,
			attachments: opts.Task.Attachments,
			pullDir:     opts.PullDir,
		},
	}, nil
}

// Control returns the session's control handle.
func (l *Loop) Control() *Control { return l.control }

// Plan returns the live plan state.
func (l *Loop) Plan() *plan.State { return l.plan }

func (l *Loop) timeout() time.Duration {
	mins := l.cfg.TimeoutMinutes
	if mins <= 0 {
		mins = 60
	}
	return time.Duration(mins) * time.Minute
}

func (l *Loop) maxIterations() int {
	if l.cfg.MaxIterations <= 0 {
		return 100
	}
	return l.cfg.MaxIterations
}

func (l *Loop) maxCompletionAttempts() int {
	if l.cfg.MaxCompletionAttempts <= 0 {
		return 3
	}
	return l.cfg.MaxCompletionAttempts
}

func (l *Loop) keepRecentImages() int {
	if l.cfg.KeepRecentImages <= 0 {
		return 3
	}
	return l.cfg.KeepRecentImages
}

// Run executes the session until a terminal outcome. The returned
// outcome is always non-nil; the scheduler persists it.
func (l *Loop) Run(ctx context.Context) *Outcome {
	deadline := time.Now().Add(l.timeout())
	loopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	messages := []model.Message{
		{Role: model.RoleSystem, Text: l.systemPrompt()},
	}

	if l.task.PlanRequired && l.plan.Empty() {
		planMessages, outcome := l.buildPlan(loopCtx, messages)
		if outcome != nil {
			return outcome
		}
		messages = planMessages
	}

	messages = append(messages, model.Message{
		Role: model.RoleUser,
		Text: l.taskPrompt(),
	})

	steps := 0
	completionAttempts := 0
	scale := 0
	lastAllInert := false
	observedOnce := false

	for {
		if l.control.Cancelled() {
			return &Outcome{Status: persistence.TaskStatusCancelled, Summary: "cancelled by operator", Steps: steps}
		}
		if out := l.holdIfPaused(loopCtx, &messages, steps); out != nil {
			return out
		}
		if time.Now().After(deadline) {
			return l.timedOut(steps)
		}
		if steps >= l.maxIterations() {
			return &Outcome{
				Status:  persistence.TaskStatusMaxIterations,
				Summary: fmt.Sprintf("stopped after %d iterations without a verified completion", steps),
				Steps:   steps,
			}
		}
		steps++
		stepStart := time.Now()

		// Observe. A step whose actions could not have changed the screen
		// reuses the previous observation.
		if !observedOnce || !lastAllInert {
			messages = append(messages, l.observe(loopCtx, scale))
			observedOnce = true
		}

		// Decide.
		result, err := l.layer.Call(loopCtx, messages, ToolCatalog(), scale)
		messages, scale = result.Messages, result.Scale
		if err != nil {
			if out := l.interruptedOutcome(loopCtx, steps, err); out != nil {
				return out
			}
			return &Outcome{
				Status:  persistence.TaskStatusFailed,
				Summary: "model call failed",
				Err:     err.Error(),
				Steps:   steps,
			}
		}
		resp := result.Response

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			// No actions requested: the model believes it is done.
			completionAttempts++
			verdict, verr := l.verify(loopCtx, messages, resp.Text, scale)
			l.publishVerification(completionAttempts, verdict, verr)
			if verr == nil && verdict.Success {
				return &Outcome{
					Status:  persistence.TaskStatusCompleted,
					Summary: verdict.Summary,
					Success: true,
					Steps:   steps,
				}
			}
			if out := l.interruptedOutcome(loopCtx, steps, verr); out != nil {
				return out
			}
			if completionAttempts >= l.maxCompletionAttempts() {
				summary := "completion could not be verified"
				if verdict.Summary != "" {
					summary = verdict.Summary
				}
				return &Outcome{
					Status:  persistence.TaskStatusFailed,
					Summary: summary,
					Err:     fmt.Sprintf("verification failed %d times", completionAttempts),
					Steps:   steps,
				}
			}
			messages = append(messages, model.Message{
				Role: model.RoleUser,
				Text: l.verificationFeedback(verdict, verr),
			})
			lastAllInert = true
		} else {
			lastAllInert = l.executeBatch(loopCtx, &messages, resp.ToolCalls)
			l.persistPlan(loopCtx)
		}

		messages = resilience.RetainRecentImages(messages, l.keepRecentImages())

		l.publishStep(steps, len(resp.ToolCalls))
		if l.metrics != nil {
			l.metrics.LoopSteps.Add(loopCtx, 1)
			l.metrics.LoopStepDuration.Record(loopCtx, time.Since(stepStart).Seconds())
		}
		if out := l.pace(loopCtx, steps); out != nil {
			return out
		}
	}
}

// interruptedOutcome maps a mid-step error to a terminal outcome when it
// was caused by cancellation or the session deadline, nil otherwise.
func (l *Loop) interruptedOutcome(ctx context.Context, steps int, err error) *Outcome {
	if l.control.Cancelled() {
		return &Outcome{Status: persistence.TaskStatusCancelled, Summary: "cancelled by operator", Steps: steps}
	}
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() != nil) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return l.timedOut(steps)
	}
	return nil
}

func (l *Loop) timedOut(steps int) *Outcome {
	return &Outcome{
		Status:  persistence.TaskStatusTimedOut,
		Summary: fmt.Sprintf("session exceeded its %s time limit", l.timeout()),
		Steps:   steps,
	}
}

// holdIfPaused persists the paused status, blocks until resume or
// cancel, and injects any operator instruction into the history.
func (l *Loop) holdIfPaused(ctx context.Context, messages *[]model.Message, steps int) *Outcome {
	if !l.control.Paused() {
		return nil
	}
	l.setStatus(ctx, persistence.TaskStatusPaused, "paused by operator")
	if l.bus != nil {
		l.bus.Publish(bus.TopicLoopPaused, bus.LoopStepEvent{TaskID: l.task.ID, Step: steps})
	}

	instruction, err := l.control.WaitIfPaused(ctx)
	if err != nil || l.control.Cancelled() {
		if l.control.Cancelled() {
			return &Outcome{Status: persistence.TaskStatusCancelled, Summary: "cancelled while paused", Steps: steps}
		}
		return l.timedOut(steps)
	}

	l.setStatus(ctx, persistence.TaskStatusRunning, "resumed")
	if l.bus != nil {
		l.bus.Publish(bus.TopicLoopResumed, bus.LoopStepEvent{TaskID: l.task.ID, Step: steps})
	}
	if instruction != "" {
		*messages = append(*messages, model.Message{
			Role: model.RoleUser,
			Text: "Operator instruction: " + instruction,
		})
	}
	return nil
}

// observe captures the current screen. Capture failure is reported to
// the model as text rather than failing the session.
func (l *Loop) observe(ctx context.Context, scale int) model.Message {
	shot, err := l.provider.CaptureScreenshot(ctx, l.envID)
	if err != nil {
		l.logger.Warn("screenshot failed", "error", err)
		return model.Message{
			Role: model.RoleUser,
			Text: fmt.Sprintf("Screenshot unavailable: %v. Proceed from the last known state or run a command to inspect.", err),
		}
	}
	part := model.ImagePart{
		Data:      shot.Data,
		MediaType: "image/png",
		Width:     shot.Width,
		Height:    shot.Height,
	}
	if scale > 0 {
		if scaled, err := resilience.DownscalePart(part, scale); err == nil {
			part = scaled
		}
	}
	return model.Message{
		Role:   model.RoleUser,
		Text:   "Current screen:",
		Images: []model.ImagePart{part},
	}
}

// executeBatch runs the requested tool calls in order, appending one
// result message per call. It reports whether every executed action was
// inert. Cancellation or a pause aborts the remainder of the batch; a
// paused session picks up with a fresh decide cycle after resuming.
func (l *Loop) executeBatch(ctx context.Context, messages *[]model.Message, calls []model.ToolCall) bool {
	allInert := true
	aborted := false
	for _, call := range calls {
		if aborted || l.control.Cancelled() || l.control.Paused() {
			*messages = append(*messages, model.Message{
				Role:       model.RoleToolResult,
				Text:       "not executed: batch aborted",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    true,
			})
			continue
		}

		out := l.executeWithPolling(ctx, call)
		if !out.inert {
			allInert = false
		}
		*messages = append(*messages, model.Message{
			Role:       model.RoleToolResult,
			Text:       out.text,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    out.isError,
		})
		// An image produced by an action goes in as its own user turn:
		// not every provider accepts media inside tool results.
		if out.image != nil {
			*messages = append(*messages, model.Message{
				Role:   model.RoleUser,
				Text:   "Result of " + call.Name + ":",
				Images: []model.ImagePart{*out.image},
			})
		}

		if ctx.Err() != nil || l.control.Cancelled() || l.control.Paused() {
			aborted = true
		}
	}
	return allInert
}

// executeWithPolling runs one tool call while watching for cancellation
// at the configured poll interval.
func (l *Loop) executeWithPolling(ctx context.Context, call model.ToolCall) toolOutcome {
	poll := time.Duration(l.cfg.PollIntervalMillis) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan toolOutcome, 1)
	go func() {
		done <- l.exec.execute(callCtx, call)
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out
		case <-ticker.C:
			if l.control.Cancelled() {
				cancel()
				out := <-done
				out.isError = true
				if out.text == "" {
					out.text = "aborted: task cancelled"
				}
				return out
			}
			if l.control.Paused() {
				cancel()
				out := <-done
				out.isError = true
				if out.text == "" {
					out.text = "aborted: task paused"
				}
				return out
			}
		case <-ctx.Done():
			cancel()
			out := <-done
			out.isError = true
			if out.text == "" {
				out.text = "aborted: " + ctx.Err().Error()
			}
			return out
		}
	}
}

// verify sends a completion-verification request on top of the session
// history. The verification exchange is not folded back into the
// persistent history.
func (l *Loop) verify(ctx context.Context, messages []model.Message, agentSummary string, scale int) (Verdict, error) {
	check := append(append([]model.Message{}, messages...), l.verifier.Request(l.task.Description, agentSummary))
	result, err := l.layer.Call(ctx, check, nil, scale)
	if err != nil {
		return Verdict{}, fmt.Errorf("verification call: %w", err)
	}
	return l.verifier.Parse(result.Response.Text)
}

func (l *Loop) verificationFeedback(verdict Verdict, verr error) string {
	if verr != nil {
		return "Completion could not be verified (" + verr.Error() + "). The task is not done yet. Continue working and try again."
	}
	reason := verdict.Summary
	if reason == "" {
		reason = "the verification check judged the task incomplete"
	}
	return "Verification says the task is not complete: " + reason + ". Continue working."
}

// buildPlan runs the planning phase: the model proposes a checklist
// before touching the environment.
func (l *Loop) buildPlan(ctx context.Context, base []model.Message) ([]model.Message, *Outcome) {
	l.setStatus(ctx, persistence.TaskStatusPlanning, "")

	prompt := fmt.Sprintf(
		"Before acting, write a short plan for this task as a markdown checklist, one '- [ ]' line per step.\n\nTask: %s",
		l.task.Description)
	messages := append(append([]model.Message{}, base...), model.Message{Role: model.RoleUser, Text: prompt})

	for attempt := 0; attempt < 2; attempt++ {
		result, err := l.layer.Call(ctx, messages, nil, 0)
		if err != nil {
			if out := l.interruptedOutcome(ctx, 0, err); out != nil {
				return nil, out
			}
			l.setStatus(ctx, persistence.TaskStatusPlanFailed, err.Error())
			return nil, &Outcome{Status: persistence.TaskStatusPlanFailed, Summary: "planning call failed", Err: err.Error()}
		}
		messages = result.Messages
		proposed := plan.Parse(result.Response.Text)
		if !proposed.Empty() {
			l.plan.Replace(proposed.Items())
			messages = append(messages, model.Message{Role: model.RoleAssistant, Text: result.Response.Text})
			l.persistPlan(ctx)
			// The plan is published for review; execution proceeds and an
			// operator can still pause or cancel through the gateway.
			l.setStatus(ctx, persistence.TaskStatusPlanReview, "plan proposed")
			l.setStatus(ctx, persistence.TaskStatusRunning, "plan accepted")
			return messages, nil
		}
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Text: result.Response.Text},
			model.Message{Role: model.RoleUser, Text: "That contained no checklist items. Reply with '- [ ]' lines only."})
	}

	l.setStatus(ctx, persistence.TaskStatusPlanFailed, "no usable checklist")
	return nil, &Outcome{
		Status:  persistence.TaskStatusPlanFailed,
		Summary: "the model did not produce a usable checklist",
	}
}

func (l *Loop) pace(ctx context.Context, steps int) *Outcome {
	delay := time.Duration(l.cfg.StepDelayMillis) * time.Millisecond
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		if l.control.Cancelled() {
			return &Outcome{Status: persistence.TaskStatusCancelled, Summary: "cancelled by operator", Steps: steps}
		}
		return l.timedOut(steps)
	case <-time.After(delay):
		return nil
	}
}

func (l *Loop) persistPlan(ctx context.Context) {
	if l.store == nil || l.plan.Empty() {
		return
	}
	if err := l.store.SetPlan(ctx, l.task.ID, l.plan.Render()); err != nil {
		l.logger.Warn("persist plan failed", "error", err)
	}
}

func (l *Loop) setStatus(ctx context.Context, to persistence.TaskStatus, detail string) {
	if l.store == nil {
		return
	}
	if err := l.store.SetStatus(ctx, l.task.ID, to, detail); err != nil {
		l.logger.Warn("status update failed", "to", string(to), "error", err)
	}
}

func (l *Loop) publishStep(step, actions int) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.TopicLoopStep, bus.LoopStepEvent{TaskID: l.task.ID, Step: step, Actions: actions})
}

func (l *Loop) publishVerification(attempt int, verdict Verdict, verr error) {
	if l.bus == nil {
		return
	}
	ev := bus.VerificationEvent{TaskID: l.task.ID, Attempt: attempt, Success: verr == nil && verdict.Success, Summary: verdict.Summary}
	if verr != nil {
		ev.Summary = verr.Error()
	}
	l.bus.Publish(bus.TopicLoopVerification, ev)
}

func (l *Loop) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are Helmsman, an autonomous operator working inside an isolated desktop environment. ")
	b.WriteString("You see the screen through screenshots and act through the provided tools. ")
	b.WriteString("Work in small verifiable steps: inspect, act, confirm the effect before moving on.\n\n")
	b.WriteString("Files attached to the task are pushed into " + "the environment inbox; deliverables go to the outbox via pull_file.\n")
	b.WriteString("When every part of the task is done, reply without requesting any tool and summarize what you did.")
	return b.String()
}

func (l *Loop) taskPrompt() string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(l.task.Description)
	if len(l.task.Attachments) > 0 {
		b.WriteString("\n\nAttached files (use push_file to bring them into the environment):")
		for _, a := range l.task.Attachments {
			b.WriteString("\n- ")
			b.WriteString(a)
		}
	}
	if !l.plan.Empty() {
		b.WriteString("\n\nPlan:\n")
		b.WriteString(l.plan.Render())
	}
	return b.String()
}
