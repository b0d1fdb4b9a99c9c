package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule describes a recurring task submission.
type Schedule struct {
	ID          string     `json:"id"`
	CronExpr    string     `json:"cron_expr"`
	Description string     `json:"description"`
	TemplateID  string     `json:"template_id,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

var ErrScheduleNotFound = errors.New("schedule not found")

func (s *Store) CreateSchedule(ctx context.Context, cronExpr, description, templateID string) (string, error) {
	if cronExpr == "" || description == "" {
		return "", errors.New("cron expression and description are required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, cron_expr, description, template_id, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, cronExpr, description, templateID)
		if err != nil {
			return fmt.Errorf("create schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	query := `
		SELECT id, cron_expr, description, template_id, enabled, last_run_at, created_at, updated_at
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sc        Schedule
			enabled   int
			lastRunAt sql.NullTime
		)
		if err := rows.Scan(&sc.ID, &sc.CronExpr, &sc.Description, &sc.TemplateID, &enabled, &lastRunAt, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if lastRunAt.Valid {
			v := lastRunAt.Time
			sc.LastRunAt = &v
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun stamps a schedule as fired so a restart inside the same
// minute does not double-submit.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, at.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark schedule run: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrScheduleNotFound
		}
		return nil
	})
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, enabled, id)
		if err != nil {
			return fmt.Errorf("set schedule enabled: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrScheduleNotFound
		}
		return nil
	})
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrScheduleNotFound
		}
		return nil
	})
}
