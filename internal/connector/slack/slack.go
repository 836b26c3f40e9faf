// Package slackconn connects relay to Slack over Socket Mode: pipeline
// commands come in as direct messages, mentions or the /relay slash command,
// and notifications go out to a channel or thread.
package slackconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/relay/internal/connector"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string   // xoxb- bot token
	AppToken string   // xapp- app-level token, needed for Socket Mode
	Channels []string // channels that may issue commands; empty allows all
}

// Connector is the Slack connector.Connector.
type Connector struct {
	api     *slack.Client
	socket  *socketmode.Client
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	botID   string
}

// New authenticates the bot and prepares a Socket Mode client.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	switch {
	case cfg.BotToken == "":
		return nil, errors.New("slack: bot_token is required")
	case cfg.AppToken == "":
		return nil, errors.New("slack: app_token is required for socket mode")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	logger.Info("slack bot authorized", "user", auth.User, "team", auth.Team)

	return &Connector{
		api:     api,
		socket:  socketmode.New(api),
		config:  cfg,
		handler: handler,
		logger:  logger,
		botID:   auth.UserID,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Start runs the Socket Mode loop until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.consume(ctx)
	c.logger.Info("slack connector started")
	return c.socket.RunContext(ctx)
}

func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts a message. A chat ID of the form "channel:thread_ts" replies in
// that thread.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	channel, thread := SplitChatID(msg.ChatID)
	opts := []slack.MsgOption{slack.MsgOptionText(MarkdownToMrkdwn(msg.Content), false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	if _, _, err := c.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	return nil
}

func (c *Connector) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.socket.Events:
			if !ok {
				return
			}
			msg, handled := c.translate(ev)
			if ev.Request != nil && handled {
				c.socket.Ack(*ev.Request)
			}
			if msg == nil {
				continue
			}
			if err := c.handler(ctx, *msg); err != nil {
				c.logger.Error("slack command failed", "chat", msg.ChatID, "user", msg.SenderID, "error", err)
			}
		}
	}
}

// translate acknowledges the event types relay listens to and turns the
// ones that carry a command into an inbound message.
func (c *Connector) translate(ev socketmode.Event) (*connector.InboundMessage, bool) {
	switch ev.Type {
	case socketmode.EventTypeEventsAPI:
		outer, ok := ev.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return nil, false
		}
		switch inner := outer.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			return fromDirectMessage(inner, c.botID), true
		case *slackevents.AppMentionEvent:
			return fromMention(inner, c.botID, c.config.Channels), true
		}
		return nil, true
	case socketmode.EventTypeSlashCommand:
		cmd, ok := ev.Data.(slack.SlashCommand)
		if !ok {
			return nil, false
		}
		return fromSlash(cmd, c.config.Channels), true
	}
	return nil, false
}

// fromDirectMessage accepts plain user messages in a DM. Channel traffic
// reaches relay through mentions only.
func fromDirectMessage(ev *slackevents.MessageEvent, botID string) *connector.InboundMessage {
	if ev.ChannelType != "im" || ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == botID {
		return nil
	}
	text := asCommand(ev.Text)
	if text == "" {
		return nil
	}
	return &connector.InboundMessage{
		Channel:  "slack",
		SenderID: ev.User,
		ChatID:   threadChatID(ev.Channel, ev.ThreadTimeStamp, ""),
		Content:  text,
	}
}

// fromMention answers in the mention's thread, opening one if needed.
func fromMention(ev *slackevents.AppMentionEvent, botID string, channels []string) *connector.InboundMessage {
	if ev.User == botID || !allowed(channels, ev.Channel) {
		return nil
	}
	text := asCommand(StripMention(ev.Text, botID))
	if text == "" {
		return nil
	}
	return &connector.InboundMessage{
		Channel:  "slack",
		SenderID: ev.User,
		ChatID:   threadChatID(ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp),
		Content:  text,
	}
}

func fromSlash(cmd slack.SlashCommand, channels []string) *connector.InboundMessage {
	if !allowed(channels, cmd.ChannelID) {
		return nil
	}
	return &connector.InboundMessage{
		Channel:  "slack",
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Content:  SlashText(cmd.Text),
	}
}

func allowed(channels []string, channel string) bool {
	return len(channels) == 0 || slices.Contains(channels, channel)
}

// asCommand trims text and gives it the leading slash the command parser
// expects. Empty text stays empty.
func asCommand(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "/") {
		return text
	}
	return "/" + text
}

// SlashText turns the arguments of "/relay status abc" into the command
// "/status abc". Bare "/relay" asks for help.
func SlashText(args string) string {
	if cmd := asCommand(args); cmd != "" {
		return cmd
	}
	return "/help"
}

// StripMention removes the first <@BOTID> mention from text.
func StripMention(text, botID string) string {
	return strings.TrimSpace(strings.Replace(text, "<@"+botID+">", "", 1))
}

// SplitChatID separates a "channel:thread_ts" chat ID.
func SplitChatID(chatID string) (channel, thread string) {
	channel, thread, _ = strings.Cut(chatID, ":")
	return channel, thread
}

// threadChatID keys replies to the thread a message belongs to, or starts
// one under the message itself.
func threadChatID(channel, threadTS, ts string) string {
	switch {
	case threadTS != "":
		return channel + ":" + threadTS
	case ts != "":
		return channel + ":" + ts
	}
	return channel
}
