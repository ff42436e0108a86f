// Package bot serves the subscriber commands over Telegram long polling.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch"
	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/output"
)

// Backend is the part of the engine the commands drive.
type Backend interface {
	Subscribe(chatID int64, username, firstName string) error
	Unsubscribe(chatID int64) error
	Touch(chatID int64) error
	Status(chatID int64) (*kleinwatch.Status, error)
	RunCheckForUser(ctx context.Context, chatID int64) (*kleinwatch.CheckResult, error)
	Interval(chatID int64) (time.Duration, error)
	BaseInterval() time.Duration
	SetInterval(chatID int64, minutes int) error
}

var commands = []telego.BotCommand{
	{Command: "start", Description: "Subscribe to new listings"},
	{Command: "stop", Description: "Pause notifications"},
	{Command: "status", Description: "Show subscription status"},
	{Command: "test", Description: "Run a check now"},
	{Command: "interval", Description: "Show or set the check interval"},
	{Command: "help", Description: "List commands"},
}

const (
	helpText = "Commands:\n" +
		"/start - subscribe to new listings\n" +
		"/stop - pause notifications\n" +
		"/status - subscription status\n" +
		"/test - run a check now\n" +
		"/interval [minutes] - show or set the check interval\n" +
		"/help - this message"
	notRegisteredText = "You are not registered yet. Send /start to subscribe."
	failureText       = "❌ Something went wrong, please try again later."
)

// Handler dispatches commands to a Backend and replies through a Notifier.
type Handler struct {
	backend Backend
	sender  kleinwatch.Notifier
	log     logger.Logger
	started time.Time

	// work bounds background /test checks; nil means the update's context.
	work   context.Context
	checks sync.WaitGroup
}

func NewHandler(b Backend, sender kleinwatch.Notifier, log logger.Logger) *Handler {
	return &Handler{
		backend: b,
		sender:  sender,
		log:     log.With(zap.String("component", "bot")),
		started: time.Now(),
	}
}

// WithWorkContext runs background /test checks on ctx instead of the
// polling context, so they outlive polling during shutdown.
func (h *Handler) WithWorkContext(ctx context.Context) *Handler {
	h.work = ctx
	return h
}

// Run registers the command menu and handles updates until ctx is done.
func (h *Handler) Run(ctx context.Context, bot *telego.Bot, pollTimeout int) error {
	if err := bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
		h.log.Warn("register command menu", zap.Error(err))
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	h.log.Info("bot polling started")

	for update := range updates {
		if update.Message != nil {
			h.Handle(ctx, update.Message)
		}
	}
	h.log.Info("bot polling stopped")
	return nil
}

// Wait blocks until background /test checks have finished.
func (h *Handler) Wait() {
	h.checks.Wait()
}

// Handle processes one incoming message. Messages sent before the handler
// started are dropped so a restart does not replay a backlog of commands.
func (h *Handler) Handle(ctx context.Context, msg *telego.Message) {
	if msg.Date < h.started.Unix() {
		return
	}
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chatID := msg.Chat.ID
	log := h.log.With(zap.Int64("chat_id", chatID), zap.String("command", cmd))
	log.Debug("command received")

	if cmd != "start" {
		if err := h.backend.Touch(chatID); err != nil {
			log.Warn("touch subscriber", zap.Error(err))
		}
	}

	switch cmd {
	case "start":
		h.start(ctx, msg)
	case "stop":
		h.stop(ctx, chatID)
	case "status":
		h.status(ctx, chatID)
	case "test":
		h.test(ctx, chatID)
	case "interval":
		h.interval(ctx, chatID, args)
	case "help":
		h.reply(ctx, chatID, helpText)
	default:
		h.reply(ctx, chatID, "Unknown command. "+helpText)
	}
}

func (h *Handler) start(ctx context.Context, msg *telego.Message) {
	var username, firstName string
	if msg.From != nil {
		username, firstName = msg.From.Username, msg.From.FirstName
	}
	if err := h.backend.Subscribe(msg.Chat.ID, username, firstName); err != nil {
		h.log.Error("subscribe", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		h.reply(ctx, msg.Chat.ID, failureText)
		return
	}
	h.reply(ctx, msg.Chat.ID, fmt.Sprintf(
		"👋 Welcome! You will get new car listings here, checked every %d minutes.\n\n%s",
		minutes(h.backend.BaseInterval()), helpText))
}

func (h *Handler) stop(ctx context.Context, chatID int64) {
	err := h.backend.Unsubscribe(chatID)
	switch {
	case errors.Is(err, kleinwatch.ErrUnknownSubscriber):
		h.reply(ctx, chatID, notRegisteredText)
	case err != nil:
		h.log.Error("unsubscribe", zap.Int64("chat_id", chatID), zap.Error(err))
		h.reply(ctx, chatID, failureText)
	default:
		h.reply(ctx, chatID, "⏸ Notifications paused. Send /start to resume.")
	}
}

func (h *Handler) status(ctx context.Context, chatID int64) {
	st, err := h.backend.Status(chatID)
	switch {
	case errors.Is(err, kleinwatch.ErrUnknownSubscriber):
		h.reply(ctx, chatID, notRegisteredText)
		return
	case err != nil:
		h.log.Error("status", zap.Int64("chat_id", chatID), zap.Error(err))
		h.reply(ctx, chatID, failureText)
		return
	}

	var buf bytes.Buffer
	if err := output.NewFormatterWithWriters(output.FormatHuman, &buf, &buf).OutputStatus(st); err != nil {
		h.reply(ctx, chatID, failureText)
		return
	}
	h.reply(ctx, chatID, strings.TrimSpace(buf.String()))
}

// test acknowledges at once and reports from a background check so the
// polling loop keeps serving other chats.
func (h *Handler) test(ctx context.Context, chatID int64) {
	h.reply(ctx, chatID, "🔍 Checking for new listings...")

	if h.work != nil {
		ctx = h.work
	}
	h.checks.Add(1)
	go func() {
		defer h.checks.Done()
		res, err := h.backend.RunCheckForUser(ctx, chatID)
		switch {
		case errors.Is(err, kleinwatch.ErrUnknownSubscriber):
			h.reply(ctx, chatID, notRegisteredText)
		case err != nil:
			h.log.Error("manual check", zap.Int64("chat_id", chatID), zap.Error(err))
			h.reply(ctx, chatID, "❌ The check failed, please try again later.")
		default:
			h.reply(ctx, chatID, fmt.Sprintf("✅ Check complete\nListings found: %d\nNew: %d\nSent: %d",
				res.Total, res.New, res.Sent))
		}
	}()
}

func (h *Handler) interval(ctx context.Context, chatID int64, args []string) {
	base := minutes(h.backend.BaseInterval())
	if len(args) == 0 {
		d, err := h.backend.Interval(chatID)
		if err != nil {
			h.log.Error("interval", zap.Int64("chat_id", chatID), zap.Error(err))
			h.reply(ctx, chatID, failureText)
			return
		}
		h.reply(ctx, chatID, fmt.Sprintf(
			"Current interval: %d minutes.\nSend /interval 30 to check every 30 minutes (minimum %d).",
			minutes(d), base))
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		h.reply(ctx, chatID, "Usage: /interval 30 (minutes)")
		return
	}
	err = h.backend.SetInterval(chatID, n)
	switch {
	case errors.Is(err, kleinwatch.ErrIntervalTooShort):
		h.reply(ctx, chatID, fmt.Sprintf("The minimum interval is %d minutes.", base))
	case errors.Is(err, kleinwatch.ErrUnknownSubscriber):
		h.reply(ctx, chatID, notRegisteredText)
	case err != nil:
		h.log.Error("set interval", zap.Int64("chat_id", chatID), zap.Error(err))
		h.reply(ctx, chatID, failureText)
	default:
		h.reply(ctx, chatID, fmt.Sprintf("✅ Interval set to %d minutes.", n))
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if !h.sender.SendMessage(ctx, chatID, text) {
		h.log.Warn("reply not delivered", zap.Int64("chat_id", chatID))
	}
}

// parseCommand splits "/cmd@bot arg1 arg2" into its lower-cased command
// name and arguments.
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
