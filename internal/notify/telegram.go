package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
)

// NewBot creates a Telegram client whose internal logging goes through log.
// apiServer overrides the Bot API endpoint when non-empty.
func NewBot(token, apiServer string, log logger.Logger) (*telego.Bot, error) {
	opts := []telego.BotOption{telego.WithLogger(botLogger{log: log})}
	if apiServer != "" {
		opts = append(opts, telego.WithAPIServer(apiServer))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// Telegram delivers messages with the Bot API. It never returns an error
// across the boundary; failures are logged and reported as false.
type Telegram struct {
	bot     *telego.Bot
	timeout time.Duration
	log     logger.Logger
}

func NewTelegram(bot *telego.Bot, timeout time.Duration, log logger.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Telegram{bot: bot, timeout: timeout, log: log}
}

// SendMessage sends an HTML formatted message to chatID.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		Text:      text,
		ParseMode: telego.ModeHTML,
	})
	if err != nil {
		t.log.Warn("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// botLogger adapts telego's printf logger to structured logging.
type botLogger struct {
	log logger.Logger
}

func (l botLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), zap.String("component", "telego"))
}

func (l botLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), zap.String("component", "telego"))
}
