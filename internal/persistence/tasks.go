package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewline/helmsman/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued                TaskStatus = "queued"
	TaskStatusWaitingForEnvironment TaskStatus = "waitingForEnvironment"
	TaskStatusPlanning              TaskStatus = "planning"
	TaskStatusPlanReview            TaskStatus = "planReview"
	TaskStatusPlanFailed            TaskStatus = "planFailed"
	TaskStatusRunning               TaskStatus = "running"
	TaskStatusPaused                TaskStatus = "paused"
	TaskStatusCompleted             TaskStatus = "completed"
	TaskStatusFailed                TaskStatus = "failed"
	TaskStatusCancelled             TaskStatus = "cancelled"
	TaskStatusTimedOut              TaskStatus = "timedOut"
	TaskStatusMaxIterations         TaskStatus = "maxIterationsReached"
)

// IsTerminal reports whether no further transitions are allowed from st.
func (st TaskStatus) IsTerminal() bool {
	switch st {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusTimedOut, TaskStatusMaxIterations:
		return true
	}
	return false
}

// IsActive reports whether the task currently holds an execution slot.
func (st TaskStatus) IsActive() bool {
	switch st {
	case TaskStatusWaitingForEnvironment, TaskStatusPlanning,
		TaskStatusPlanReview, TaskStatusRunning, TaskStatusPaused:
		return true
	}
	return false
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusWaitingForEnvironment: {},
		TaskStatusCancelled:             {},
	},
	TaskStatusWaitingForEnvironment: {
		TaskStatusPlanning:  {},
		TaskStatusRunning:   {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
		TaskStatusQueued:    {}, // Provision failure requeue.
	},
	TaskStatusPlanning: {
		TaskStatusPlanReview: {},
		TaskStatusRunning:    {},
		TaskStatusPlanFailed: {},
		TaskStatusFailed:     {},
		TaskStatusCancelled:  {},
	},
	TaskStatusPlanReview: {
		TaskStatusRunning:    {},
		TaskStatusPlanFailed: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusPlanFailed: {
		TaskStatusQueued:    {}, // Operator resubmission.
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusPaused:        {},
		TaskStatusCompleted:     {},
		TaskStatusFailed:        {},
		TaskStatusCancelled:     {},
		TaskStatusTimedOut:      {},
		TaskStatusMaxIterations: {},
		TaskStatusQueued:        {}, // Crash recovery requeue.
	},
	TaskStatusPaused: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
		TaskStatusFailed:    {},
		TaskStatusQueued:    {}, // Restart recovery when the environment is gone.
	},
}

// ErrInvalidTransition is returned when a status change violates the
// task lifecycle.
var ErrInvalidTransition = errors.New("invalid task status transition")

// ErrTaskNotFound is returned when no task row matches the given ID.
var ErrTaskNotFound = errors.New("task not found")

// TransitionAllowed reports whether from -> to is a legal lifecycle edge.
func TransitionAllowed(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is a persisted task record.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Provider      string     `json:"provider,omitempty"`
	Model         string     `json:"model,omitempty"`
	TemplateID    string     `json:"template_id,omitempty"`
	Attachments   []string   `json:"attachments,omitempty"`
	Plan          string     `json:"plan,omitempty"`
	PlanRequired  bool       `json:"plan_required,omitempty"`
	EnvironmentID string     `json:"environment_id,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskEvent is one row of the per-task audit trail.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewTask carries the caller-supplied fields of a task submission.
type NewTask struct {
	Description  string
	Provider     string
	Model        string
	TemplateID   string
	Attachments  []string
	PlanRequired bool
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (string, error) {
	if in.Description == "" {
		return "", errors.New("task description is required")
	}
	taskID := uuid.NewString()
	attachments, err := json.Marshal(in.Attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	if in.Attachments == nil {
		attachments = []byte("[]")
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		planRequired := 0
		if in.PlanRequired {
			planRequired = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, description, status, provider, model, template_id,
				attachments, plan_required, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, in.Description, TaskStatusQueued, in.Provider, in.Model,
			in.TemplateID, string(attachments), planRequired); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "task.enqueued", "", TaskStatusQueued, `{"reason":"submit"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskQueued, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			NewStatus: string(TaskStatusQueued),
		})
	}
	return taskID, nil
}

const taskColumns = `
	id, description, status, provider, model, template_id, attachments,
	plan, plan_required, environment_id, result_summary, success, error,
	created_at, started_at, completed_at, updated_at`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		attachments  string
		planRequired int
		success      sql.NullBool
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := scan(
		&t.ID, &t.Description, &t.Status, &t.Provider, &t.Model,
		&t.TemplateID, &attachments, &t.Plan, &planRequired,
		&t.EnvironmentID, &t.ResultSummary, &success, &t.Error,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
			return fmt.Errorf("decode attachments: %w", err)
		}
	}
	t.PlanRequired = planRequired != 0
	if success.Valid {
		v := success.Bool
		t.Success = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// SetStatus moves a task through the lifecycle, appending an audit event
// and publishing the change on the bus. It returns ErrInvalidTransition
// when the current status does not permit the move.
func (s *Store) SetStatus(ctx context.Context, taskID string, to TaskStatus, detail string) error {
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if from == to {
			// Idempotent repeat of a transition, e.g. double cancel.
			return tx.Commit()
		}
		if !TransitionAllowed(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		set := `status = ?, updated_at = CURRENT_TIMESTAMP`
		if to == TaskStatusRunning && from != TaskStatusPaused {
			set += `, started_at = COALESCE(started_at, CURRENT_TIMESTAMP)`
		}
		if to.IsTerminal() {
			set += `, completed_at = CURRENT_TIMESTAMP`
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?;`, to, taskID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		payload := "{}"
		if detail != "" {
			raw, _ := json.Marshal(map[string]string{"detail": detail})
			payload = string(raw)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "task.status", from, to, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil && from != to {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(from),
			NewStatus: string(to),
			Detail:    detail,
		})
	}
	return nil
}

// SetEnvironment records the execution environment bound to the task.
func (s *Store) SetEnvironment(ctx context.Context, taskID, environmentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET environment_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, environmentID, taskID)
		if err != nil {
			return fmt.Errorf("set environment: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// SetPlan stores the latest rendering of the task's plan checklist.
func (s *Store) SetPlan(ctx context.Context, taskID, plan string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET plan = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, plan, taskID)
		if err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// SetResult records the terminal outcome of a task and moves it to the
// given terminal status in one transaction.
func (s *Store) SetResult(ctx context.Context, taskID string, to TaskStatus, summary string, success bool, errMsg string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET result_summary = ?, success = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, summary, success, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("set result: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.SetStatus(ctx, taskID, to, summary); err != nil {
		return err
	}
	if s.bus != nil {
		topic := bus.TopicTaskFailed
		if to == TaskStatusCompleted {
			topic = bus.TopicTaskCompleted
		} else if to == TaskStatusCancelled {
			topic = bus.TopicTaskCancelled
		}
		s.bus.Publish(topic, bus.TaskOutcomeEvent{
			TaskID:  taskID,
			Status:  string(to),
			Summary: summary,
			Success: success,
			Error:   errMsg,
		})
	}
	return nil
}

// OldestQueued returns the queued task waiting longest, or nil when the
// queue is empty.
func (s *Store) OldestQueued(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, TaskStatusQueued)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest queued: %w", err)
	}
	return &t, nil
}

// ListByStatuses returns tasks in any of the given statuses, oldest first.
// With no statuses it returns all tasks.
func (s *Store) ListByStatuses(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ActiveTasks returns every task currently holding or awaiting a slot.
func (s *Store) ActiveTasks(ctx context.Context) ([]Task, error) {
	return s.ListByStatuses(ctx,
		TaskStatusWaitingForEnvironment, TaskStatusPlanning,
		TaskStatusPlanReview, TaskStatusRunning, TaskStatusPaused)
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, payload string) error {
	var fromVal any
	if from != "" {
		fromVal = string(from)
	}
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, eventType, fromVal, to, payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// AppendTaskEvent records a free-form audit event outside a status change.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, eventType, payload string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.appendTaskEventTx(ctx, tx, taskID, eventType, "", task.Status, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListTaskEvents returns the audit trail for a task in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(&event.EventID, &event.TaskID, &event.EventType, &stateFrom, &event.StateTo, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
