// Package telegram connects relay to a Telegram bot: pipeline commands come
// in by long polling and notifications go out as HTML messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/relay/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // bot token issued by @BotFather
	AllowFrom []int64 // user IDs that may issue commands; empty allows all
}

// pollTimeout is the long-poll wait in seconds.
const pollTimeout = 30

// Connector is the Telegram connector.Connector.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New logs the bot in with cfg.Token.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: login: %w", err)
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Connector{bot: bot, config: cfg, handler: handler, logger: logger}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start long-polls for updates until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	updates := c.bot.GetUpdatesChan(cfg)
	defer c.bot.StopReceivingUpdates()

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send renders msg as HTML and delivers it, split into parts below the
// message size limit. A part Telegram refuses as HTML is resent as plain
// text.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", msg.ChatID, err)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	for _, part := range Split(msg.Content, maxMessageLen-512) {
		out := tgbotapi.NewMessage(chatID, RenderHTML(part))
		out.ParseMode = tgbotapi.ModeHTML
		out.DisableWebPagePreview = true
		if _, err := c.bot.Send(out); err != nil {
			c.logger.Warn("telegram html rejected, sending plain text", "chat_id", chatID, "error", err)
			out.Text, out.ParseMode = PlainText(part), ""
			if _, err := c.bot.Send(out); err != nil {
				return fmt.Errorf("telegram: send to %d: %w", chatID, err)
			}
		}
	}
	return nil
}

func (c *Connector) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg, ok := inbound(update)
	if !ok {
		return
	}
	if !allowed(c.config.AllowFrom, update.Message.From.ID) {
		c.logger.Warn("unauthorized user", "user_id", msg.SenderID, "username", update.Message.From.UserName)
		return
	}

	c.bot.Send(tgbotapi.NewChatAction(update.Message.Chat.ID, tgbotapi.ChatTyping))
	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("inbound handler error", "chat_id", msg.ChatID, "error", err)
	}
}

// inbound converts an update into a pipeline command message. Commands are
// rebuilt without the @bot suffix; captions stand in for missing text.
func inbound(update tgbotapi.Update) (connector.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return connector.InboundMessage{}, false
	}
	text := m.Text
	if m.IsCommand() {
		text = "/" + m.Command()
		if args := m.CommandArguments(); args != "" {
			text += " " + args
		}
	} else if text == "" {
		text = m.Caption
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return connector.InboundMessage{}, false
	}
	return connector.InboundMessage{
		Channel:  "telegram",
		SenderID: strconv.FormatInt(m.From.ID, 10),
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		Content:  text,
	}, true
}

func allowed(allow []int64, id int64) bool {
	return len(allow) == 0 || slices.Contains(allow, id)
}
