// Package gateway exposes the control plane over HTTP: task submission
// and lifecycle operations, schedule management, a health probe, and a
// WebSocket event stream fed by the in-process bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/persistence"
)

// Controller is the slice of the task scheduler the gateway drives.
type Controller interface {
	Submit(ctx context.Context, in persistence.NewTask) (string, error)
	Cancel(ctx context.Context, taskID string) error
	Pause(taskID string) error
	Resume(taskID, instruction string) error
	Sessions() []string
}

type Config struct {
	Store      *persistence.Store
	Controller Controller
	Bus        *bus.Bus

	// AuthToken, when non-empty, is required as a bearer token on every
	// endpoint except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	rl     *rateLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, rl: newRateLimiter(defaultRequestsPerMinute, defaultBurstSize)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)

	return s.rl.wrap(mux)
}

// authorize validates the bearer token. With no token configured every
// request passes; the default bind address is loopback-only.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	return tokenMatches(r, s.cfg.AuthToken)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.ActiveTasks(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"active_sessions": len(s.cfg.Controller.Sessions()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type submitRequest struct {
	Description  string   `json:"description"`
	Template     string   `json:"template,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
	PlanRequired bool     `json:"plan_required,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.submitTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []persistence.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, persistence.TaskStatus(strings.TrimSpace(part)))
		}
	}
	tasks, err := s.cfg.Store.ListByStatuses(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	taskID, err := s.cfg.Controller.Submit(r.Context(), persistence.NewTask{
		Description:  req.Description,
		TemplateID:   req.Template,
		Provider:     req.Provider,
		Model:        req.Model,
		Attachments:  req.Attachments,
		PlanRequired: req.PlanRequired,
	})
	if err != nil {
		s.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": taskID})
}

// handleTaskByID routes /api/tasks/{id}, /api/tasks/{id}/events, and the
// lifecycle verbs cancel, pause, and resume.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, verb, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	switch {
	case verb == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case verb == "events" && r.Method == http.MethodGet:
		s.getTaskEvents(w, r, taskID)
	case verb == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	case verb == "pause" && r.Method == http.MethodPost:
		s.pauseTask(w, taskID)
	case verb == "resume" && r.Method == http.MethodPost:
		s.resumeTask(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	err := s.cfg.Controller.Cancel(r.Context(), taskID)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("cancel failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) pauseTask(w http.ResponseWriter, taskID string) {
	if err := s.cfg.Controller.Pause(taskID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

type resumeRequest struct {
	Instruction string `json:"instruction,omitempty"`
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req resumeRequest
	if r.Body != nil {
		// An empty body resumes without an instruction.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)
	}
	if err := s.cfg.Controller.Resume(taskID, req.Instruction); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resuming"})
}

type scheduleRequest struct {
	Cron        string `json:"cron"`
	Description string `json:"description"`
	Template    string `json:"template,omitempty"`
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.cfg.Store.ListSchedules(r.Context(), false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list schedules failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
	case http.MethodPost:
		var req scheduleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := s.cfg.Store.CreateSchedule(r.Context(), req.Cron, req.Description, req.Template)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "schedule id is required")
		return
	}

	var err error
	switch {
	case verb == "" && r.Method == http.MethodDelete:
		err = s.cfg.Store.DeleteSchedule(r.Context(), id)
	case verb == "enable" && r.Method == http.MethodPost:
		err = s.cfg.Store.SetScheduleEnabled(r.Context(), id, true)
	case verb == "disable" && r.Method == http.MethodPost:
		err = s.cfg.Store.SetScheduleEnabled(r.Context(), id, false)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, persistence.ErrScheduleNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
