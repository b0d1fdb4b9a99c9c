package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/persistence"
	"github.com/crewline/helmsman/internal/safety"
)

// Submitter accepts new tasks; the scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, in persistence.NewTask) (string, error)
	Cancel(ctx context.Context, taskID string) error
}

// TelegramChannel lets allowed chats submit tasks and pushes every task
// outcome back to them.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	submitter  Submitter
	store      *persistence.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, submitter Submitter, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		submitter:  submitter,
		store:      store,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorOutcomes(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes, the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	command, arg := ParseCommand(msg.Text)
	switch command {
	case "":
		return
	case "task":
		taskID, err := t.submitter.Submit(ctx, persistence.NewTask{Description: arg})
		if err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("Could not submit the task: %v", err))
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("Task %s queued.", shortTaskID(taskID)))
	case "status":
		t.replyStatus(ctx, msg.Chat.ID)
	case "cancel":
		if arg == "" {
			t.reply(msg.Chat.ID, "Usage: /cancel <task id>")
			return
		}
		if err := t.submitter.Cancel(ctx, arg); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("Could not cancel %s: %v", shortTaskID(arg), err))
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("Cancelling %s.", shortTaskID(arg)))
	default:
		t.reply(msg.Chat.ID, "Commands: /task <description>, /status, /cancel <task id>. Plain text submits a task.")
	}
}

// ParseCommand splits a chat message into command and argument. Plain
// text is treated as a task submission.
func ParseCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	if !strings.HasPrefix(text, "/") {
		return "task", text
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func (t *TelegramChannel) replyStatus(ctx context.Context, chatID int64) {
	active, err := t.store.ActiveTasks(ctx)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Could not read task state: %v", err))
		return
	}
	if len(active) == 0 {
		t.reply(chatID, "No active tasks.")
		return
	}
	var b strings.Builder
	for _, task := range active {
		fmt.Fprintf(&b, "%s  %s  %s\n", shortTaskID(task.ID), task.Status, task.Description)
	}
	t.reply(chatID, b.String())
}

// monitorOutcomes forwards every task outcome to all allowed chats.
func (t *TelegramChannel) monitorOutcomes(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("task.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			outcome, isOutcome := ev.Payload.(bus.TaskOutcomeEvent)
			if !isOutcome {
				continue
			}
			text := FormatOutcome(outcome)
			for chatID := range t.allowedIDs {
				t.reply(chatID, text)
			}
		}
	}
}

// FormatOutcome renders a task outcome as a one-line notification.
// Summaries come from model output that has seen guest command results,
// so secrets are redacted before the text leaves the process.
func FormatOutcome(outcome bus.TaskOutcomeEvent) string {
	id := shortTaskID(outcome.TaskID)
	switch {
	case outcome.Success:
		return fmt.Sprintf("Task %s completed: %s", id, leaks.Redact(outcome.Summary))
	case outcome.Status == string(persistence.TaskStatusCancelled):
		return fmt.Sprintf("Task %s was cancelled.", id)
	default:
		detail := outcome.Summary
		if outcome.Error != "" {
			detail = outcome.Error
		}
		if detail == "" {
			detail = "no details recorded"
		}
		return fmt.Sprintf("Task %s %s: %s", id, outcome.Status, leaks.Redact(detail))
	}
}

var leaks = safety.NewLeakDetector()

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
