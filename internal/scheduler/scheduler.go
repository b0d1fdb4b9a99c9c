// Package scheduler admits queued tasks into execution environments under
// a global concurrency budget and owns each session's lifecycle from
// provisioning to teardown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crewline/helmsman/internal/budget"
	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/env"
	"github.com/crewline/helmsman/internal/loop"
	"github.com/crewline/helmsman/internal/model"
	otelx "github.com/crewline/helmsman/internal/otel"
	"github.com/crewline/helmsman/internal/persistence"
	"github.com/crewline/helmsman/internal/resilience"
	"github.com/crewline/helmsman/internal/safety"
)

// handshakeProbe is the guest command that proves the environment accepts
// commands after WaitReady.
const handshakeProbe = "echo helmsman-ready"

var (
	ErrNoSession  = errors.New("task has no running session")
	ErrNoFreeSlot = errors.New("no free slot")
	ErrNotQueued  = errors.New("task is not queued")
)

// Options wires a Scheduler.
type Options struct {
	Store    *persistence.Store
	Provider env.Provider
	Client   model.Client
	Budget   *budget.Resolver
	Bus      *bus.Bus
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *otelx.Metrics

	// ClientFor returns the model client for a task's provider/model pair.
	// When nil, every task uses Client.
	ClientFor func(provider, modelName string) (model.Client, error)

	// PullDir is where pull_file deliverables land on the host.
	PullDir string
}

// session is one admitted task. It exists from slot reservation until
// teardown, so a slot is exactly one live session.
type session struct {
	taskID  string
	control *loop.Control

	mu    sync.Mutex
	envID string
	loop  *loop.Loop
}

// Scheduler dispatches queued tasks oldest-first into environments,
// holding the invariant that live sessions plus externally reserved
// slots never exceed the configured maximum.
type Scheduler struct {
	store    *persistence.Store
	provider env.Provider
	client   model.Client
	budget   *budget.Resolver
	bus      *bus.Bus
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *otelx.Metrics

	clientFor func(provider, modelName string) (model.Client, error)
	pullDir   string
	sanitizer *safety.Sanitizer

	mu       sync.Mutex
	sessions map[string]*session

	wg sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Config == nil {
		return nil, errors.New("store, provider, and config are required")
	}
	if opts.Client == nil && opts.ClientFor == nil {
		return nil, errors.New("a model client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Budget
	if resolver == nil {
		resolver = budget.NewResolver(opts.Config.ContextLimits, logger)
	}
	clientFor := opts.ClientFor
	if clientFor == nil {
		clientFor = func(string, string) (model.Client, error) { return opts.Client, nil }
	}
	return &Scheduler{
		store:     opts.Store,
		provider:  opts.Provider,
		client:    opts.Client,
		budget:    resolver,
		bus:       opts.Bus,
		cfg:       opts.Config,
		logger:    logger,
		metrics:   opts.Metrics,
		clientFor: clientFor,
		pullDir:   opts.PullDir,
		sanitizer: safety.NewSanitizer(),
		sessions:  make(map[string]*session),
	}, nil
}

// Reconfigure applies freshly loaded slot limits. In-flight sessions
// keep the settings they started with; only admission is affected.
func (s *Scheduler) Reconfigure(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	s.cfg.Scheduler = cfg.Scheduler
	s.mu.Unlock()
	s.logger.Info("scheduler reconfigured",
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"external_reserved", cfg.Scheduler.ExternalReserved)
}

// Submit persists a new task and attempts an immediate dispatch. The
// description is screened for injection attempts before it reaches the
// model as part of the system prompt.
func (s *Scheduler) Submit(ctx context.Context, in persistence.NewTask) (string, error) {
	check := s.sanitizer.Check(in.Description)
	if err := check.MustAllow(); err != nil {
		return "", fmt.Errorf("task rejected: %w", err)
	}
	if check.Action == safety.ActionWarn {
		s.logger.Warn("suspicious task description accepted", "reason", check.Reason)
	}
	if in.TemplateID == "" {
		in.TemplateID = s.cfg.Environment.DefaultTemplate
	}
	taskID, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return "", err
	}
	s.ProcessQueued(ctx)
	return taskID, nil
}

// Run drives dispatch until ctx ends: recovery first, then a poll ticker
// plus queue notifications. It blocks, and returns once every session has
// wound down.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	sub := s.subscribeQueued()
	defer s.unsubscribe(sub)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	s.ProcessQueued(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.ProcessQueued(ctx)
		case _, ok := <-s.subCh(sub):
			if !ok {
				s.wg.Wait()
				return nil
			}
			s.ProcessQueued(ctx)
		}
	}
}

func (s *Scheduler) subscribeQueued() *bus.Subscription {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(bus.TopicTaskQueued)
}

func (s *Scheduler) unsubscribe(sub *bus.Subscription) {
	if s.bus != nil && sub != nil {
		s.bus.Unsubscribe(sub)
	}
}

func (s *Scheduler) subCh(sub *bus.Subscription) <-chan bus.Event {
	if sub == nil {
		return nil
	}
	return sub.Ch()
}

// freeSlots reports how many sessions may still be admitted.
func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.cfg.Scheduler.MaxConcurrent - s.cfg.Scheduler.ExternalReserved - len(s.sessions)
	if free < 0 {
		return 0
	}
	return free
}

// ProcessQueued admits queued tasks oldest-first while slots remain.
func (s *Scheduler) ProcessQueued(ctx context.Context) {
	for s.freeSlots() > 0 {
		task, err := s.store.OldestQueued(ctx)
		if err != nil {
			s.logger.Error("queue scan failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		if !s.admit(ctx, task) {
			return
		}
	}
}

// Start dispatches a specific queued task immediately, bypassing
// oldest-first order. Returns ErrNoFreeSlot when the slot budget is
// exhausted; the task stays queued.
func (s *Scheduler) Start(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusQueued {
		return fmt.Errorf("%w: status is %s", ErrNotQueued, task.Status)
	}
	if !s.admit(ctx, task) {
		return ErrNoFreeSlot
	}
	return nil
}

// RemoveFromQueue drops a queued task without running it. Unlike Cancel
// it refuses tasks that have already left the queue.
func (s *Scheduler) RemoveFromQueue(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusQueued {
		return fmt.Errorf("%w: status is %s", ErrNotQueued, task.Status)
	}
	return s.store.SetResult(ctx, taskID, persistence.TaskStatusCancelled, "removed from queue", false, "")
}

// admit reserves a slot for the task and starts its session goroutine.
// It returns false when the task could not leave the queue.
func (s *Scheduler) admit(ctx context.Context, task *persistence.Task) bool {
	s.mu.Lock()
	if s.cfg.Scheduler.MaxConcurrent-s.cfg.Scheduler.ExternalReserved-len(s.sessions) <= 0 {
		s.mu.Unlock()
		return false
	}
	if _, exists := s.sessions[task.ID]; exists {
		s.mu.Unlock()
		return false
	}
	sess := &session{taskID: task.ID, control: loop.NewControl()}
	s.sessions[task.ID] = sess
	s.mu.Unlock()

	if err := s.store.SetStatus(ctx, task.ID, persistence.TaskStatusWaitingForEnvironment, ""); err != nil {
		s.release(sess)
		s.logger.Error("dispatch failed", "task_id", task.ID, "error", err)
		return false
	}

	if s.metrics != nil {
		s.metrics.TasksStarted.Add(ctx, 1)
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(ctx, task, sess)
	}()
	return true
}

// release frees the session's slot. Safe to call once per session.
func (s *Scheduler) release(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.taskID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// runSession provisions an environment, runs the agent loop, persists the
// outcome, and tears the environment down.
func (s *Scheduler) runSession(ctx context.Context, task *persistence.Task, sess *session) {
	start := time.Now()
	defer s.release(sess)

	envID, err := s.provision(ctx, task, sess)
	if err != nil {
		if sess.control.Cancelled() || errors.Is(err, context.Canceled) {
			s.finishCancelled(task.ID, "cancelled during provisioning")
			return
		}
		s.logger.Error("provisioning failed", "task_id", task.ID, "error", err)
		s.persistOutcome(task.ID, &loop.Outcome{
			Status:  persistence.TaskStatusFailed,
			Summary: "environment provisioning failed",
			Err:     err.Error(),
		})
		return
	}
	defer s.teardown(task.ID, envID)

	client, err := s.clientFor(task.Provider, task.Model)
	if err != nil {
		s.persistOutcome(task.ID, &loop.Outcome{
			Status:  persistence.TaskStatusFailed,
			Summary: "no model client for task",
			Err:     err.Error(),
		})
		return
	}

	layer := resilience.New(client, s.budget, s.cfg.Resilience, s.logger, s.metrics)
	l, err := loop.New(loop.Options{
		Task:     task,
		Client:   client,
		Layer:    layer,
		Provider: s.provider,
		EnvID:    envID,
		Store:    s.store,
		Bus:      s.bus,
		Control:  sess.control,
		Config:   s.cfg.Loop,
		Logger:   s.logger,
		Metrics:  s.metrics,
		PullDir:  s.pullDir,
	})
	if err != nil {
		s.persistOutcome(task.ID, &loop.Outcome{
			Status:  persistence.TaskStatusFailed,
			Summary: "session setup failed",
			Err:     err.Error(),
		})
		return
	}
	sess.mu.Lock()
	sess.loop = l
	sess.mu.Unlock()

	if !task.PlanRequired {
		if err := s.store.SetStatus(ctx, task.ID, persistence.TaskStatusRunning, ""); err != nil {
			s.logger.Error("status update failed", "task_id", task.ID, "error", err)
		}
	}

	outcome := l.Run(ctx)

	// A shutdown is not a task failure: hand the work back to the queue.
	if ctx.Err() != nil && !sess.control.Cancelled() {
		if err := s.store.SetStatus(context.Background(), task.ID, persistence.TaskStatusQueued, "requeued on shutdown"); err != nil {
			s.logger.Error("requeue on shutdown failed", "task_id", task.ID, "error", err)
		}
		return
	}

	s.persistOutcome(task.ID, outcome)
	if s.metrics != nil {
		s.metrics.TaskDuration.Record(context.Background(), time.Since(start).Seconds())
		switch outcome.Status {
		case persistence.TaskStatusCompleted:
			s.metrics.TasksCompleted.Add(context.Background(), 1)
		case persistence.TaskStatusFailed, persistence.TaskStatusTimedOut, persistence.TaskStatusMaxIterations:
			s.metrics.TasksFailed.Add(context.Background(), 1)
		}
	}
}

// provision creates and starts the environment, waits for readiness, and
// probes guest command execution before handing it to the loop.
func (s *Scheduler) provision(ctx context.Context, task *persistence.Task, sess *session) (string, error) {
	if s.metrics != nil {
		s.metrics.SlotsPending.Add(ctx, 1)
		defer s.metrics.SlotsPending.Add(context.Background(), -1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicEnvProvisioning, bus.EnvEvent{TaskID: task.ID})
	}

	template := task.TemplateID
	if template == "" {
		template = s.cfg.Environment.DefaultTemplate
	}
	name := "helmsman-" + shortID(task.ID)

	provisionCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout())
	defer cancel()

	envID, err := s.provider.Create(provisionCtx, template, name)
	if err != nil {
		return "", fmt.Errorf("create environment: %w", err)
	}
	destroyOnErr := func() {
		s.teardown(task.ID, envID)
	}

	if sess.control.Cancelled() {
		destroyOnErr()
		return "", context.Canceled
	}
	if err := s.provider.Start(provisionCtx, envID); err != nil {
		destroyOnErr()
		return "", fmt.Errorf("start environment: %w", err)
	}
	if err := s.provider.WaitReady(provisionCtx, envID, s.cfg.ProvisionTimeout()); err != nil {
		destroyOnErr()
		return "", fmt.Errorf("environment not ready: %w", err)
	}
	if err := s.handshake(ctx, envID); err != nil {
		destroyOnErr()
		return "", fmt.Errorf("environment handshake: %w", err)
	}
	if sess.control.Cancelled() {
		destroyOnErr()
		return "", context.Canceled
	}

	if err := s.store.SetEnvironment(ctx, task.ID, envID); err != nil {
		destroyOnErr()
		return "", fmt.Errorf("record environment: %w", err)
	}
	sess.mu.Lock()
	sess.envID = envID
	sess.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicEnvReady, bus.EnvEvent{TaskID: task.ID, EnvID: envID})
	}
	s.logger.Info("environment ready", "task_id", task.ID, "env_id", envID)
	return envID, nil
}

// handshake retries a trivial guest command until it succeeds or the
// handshake window closes. Readiness of the VM does not imply the guest
// agent accepts commands yet.
func (s *Scheduler) handshake(ctx context.Context, envID string) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout())
	defer cancel()

	var lastErr error
	for {
		res, err := s.provider.RunCommand(hsCtx, envID, handshakeProbe, 10*time.Second)
		if err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, "helmsman-ready") {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("probe exit code %d", res.ExitCode)
		}
		select {
		case <-hsCtx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last: %v)", hsCtx.Err(), lastErr)
			}
			return hsCtx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// teardown destroys the environment in the background so a slow delete
// never holds the slot's successor back.
func (s *Scheduler) teardown(taskID, envID string) {
	if envID == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.provider.Stop(ctx, envID); err != nil {
			s.logger.Warn("environment stop failed", "env_id", envID, "error", err)
		}
		if err := s.provider.Delete(ctx, envID); err != nil {
			s.logger.Warn("environment delete failed", "env_id", envID, "error", err)
			return
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicEnvDestroyed, bus.EnvEvent{TaskID: taskID, EnvID: envID})
		}
	}()
}

func (s *Scheduler) persistOutcome(taskID string, outcome *loop.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if outcome.Status.IsTerminal() {
		err = s.store.SetResult(ctx, taskID, outcome.Status, outcome.Summary, outcome.Success, outcome.Err)
	} else {
		// planFailed stays re-queueable; the loop already persisted it.
		err = s.store.AppendTaskEvent(ctx, taskID, "scheduler.sessionEnded", outcome.Summary)
	}
	if err != nil {
		s.logger.Error("persist outcome failed", "task_id", taskID, "status", string(outcome.Status), "error", err)
	}
}

func (s *Scheduler) finishCancelled(taskID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SetResult(ctx, taskID, persistence.TaskStatusCancelled, detail, false, ""); err != nil {
		s.logger.Error("persist cancel failed", "task_id", taskID, "error", err)
	}
}

// Cancel stops a task. A live session is signalled and persists its own
// terminal state; a queued or paused task without a session is cancelled
// directly. Cancelling an already-terminal task is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	s.mu.Unlock()
	if ok {
		sess.control.Cancel()
		return nil
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	return s.store.SetResult(ctx, taskID, persistence.TaskStatusCancelled, "cancelled before start", false, "")
}

// Pause holds a running session at its next step boundary.
func (s *Scheduler) Pause(taskID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	sess.control.Pause()
	return nil
}

// Resume releases a paused session, optionally injecting an operator
// instruction into its conversation. A task left paused by a restart no
// longer has a session; it is handed back to the queue instead.
func (s *Scheduler) Resume(taskID, instruction string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	s.mu.Unlock()
	if ok {
		sess.control.Resume(instruction)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return ErrNoSession
	}
	if task.Status != persistence.TaskStatusPaused {
		return ErrNoSession
	}
	if err := s.requeue(ctx, *task, "resumed after restart"); err != nil {
		return err
	}
	go s.ProcessQueued(context.Background())
	return nil
}

// Sessions returns the IDs of tasks currently holding a slot.
func (s *Scheduler) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Recover reconciles persisted state after a restart. Tasks that were
// mid-flight when the previous process died are handed back to the queue
// and their orphaned environments destroyed; the in-memory session they
// depended on cannot be reconstructed.
func (s *Scheduler) Recover(ctx context.Context) error {
	active, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range active {
		s.mu.Lock()
		_, live := s.sessions[task.ID]
		s.mu.Unlock()
		if live {
			continue
		}

		envExists := false
		if task.EnvironmentID != "" {
			exists, err := s.provider.Exists(ctx, task.EnvironmentID)
			if err != nil {
				s.logger.Warn("environment check failed", "task_id", task.ID, "env_id", task.EnvironmentID, "error", err)
			} else {
				envExists = exists
			}
		}

		// A paused task whose environment survived the restart stays
		// paused; resuming it later re-dispatches through the queue.
		if task.Status == persistence.TaskStatusPaused && envExists {
			s.logger.Info("paused task kept across restart", "task_id", task.ID, "env_id", task.EnvironmentID)
			continue
		}

		if envExists {
			s.teardown(task.ID, task.EnvironmentID)
		}

		if err := s.requeue(ctx, task, "requeued after restart"); err != nil {
			s.logger.Error("requeue failed", "task_id", task.ID, "status", string(task.Status), "error", err)
			continue
		}
		s.logger.Info("task requeued after restart", "task_id", task.ID, "was", string(task.Status))
	}
	return nil
}

// requeue walks a mid-flight task back to queued along allowed
// transitions, recording the reason on each hop.
func (s *Scheduler) requeue(ctx context.Context, task persistence.Task, reason string) error {
	switch task.Status {
	case persistence.TaskStatusWaitingForEnvironment,
		persistence.TaskStatusRunning,
		persistence.TaskStatusPaused:
		return s.store.SetStatus(ctx, task.ID, persistence.TaskStatusQueued, reason)
	case persistence.TaskStatusPlanning, persistence.TaskStatusPlanReview:
		if err := s.store.SetStatus(ctx, task.ID, persistence.TaskStatusPlanFailed, reason); err != nil {
			return err
		}
		return s.store.SetStatus(ctx, task.ID, persistence.TaskStatusQueued, reason)
	default:
		return fmt.Errorf("status %s is not recoverable", task.Status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
