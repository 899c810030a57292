// Package telegram notifies a chat about debate milestones and answers a few
// control commands from that chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"
)

const maxMessageLen = 4096

type Controller interface {
	Cancel()
	Status() controller.Status
}

type Sessions interface {
	ListSessions(ctx context.Context, limit int) ([]debate.Session, error)
}

type Bot struct {
	bot      *telego.Bot
	handler  *th.BotHandler
	client   *natsbus.Client
	ctrl     Controller
	sessions Sessions
	cfg      config.TelegramConfig
	cancel   context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, client *natsbus.Client, ctrl Controller, sessions Sessions) (*Bot, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:      bot,
		client:   client,
		ctrl:     ctrl,
		sessions: sessions,
		cfg:      cfg,
	}, nil
}

// Start relays bus events to the chat and serves commands until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	var subs []*nats.Subscription
	for _, topic := range []string{natsbus.TopicEventsDebateAll, natsbus.TopicEventsScheduleExecuted} {
		sub, err := b.client.Subscribe(topic, func(msg *nats.Msg) {
			if text, ok := formatEvent(msg.Data); ok {
				if err := b.Notify(ctx, text); err != nil {
					slog.Error("failed to send telegram notification", "error", err)
				}
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.cfg.ChatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	reply := b.command(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("failed to answer telegram command", "error", err)
	}
}

// command answers a chat command, or returns "" for anything else.
func (b *Bot) command(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	// Commands may carry a bot suffix in group chats: /status@synedrio_bot.
	name, _, _ := strings.Cut(fields[0], "@")

	switch name {
	case "/status":
		return formatStatus(b.ctrl.Status())
	case "/cancel":
		if !b.ctrl.Status().Running {
			return "No debate is running."
		}
		b.ctrl.Cancel()
		return "Cancelling after the current round."
	case "/debates":
		sessions, err := b.sessions.ListSessions(ctx, 10)
		if err != nil {
			slog.Error("list sessions failed", "error", err)
			return "Could not list debates."
		}
		return formatSessions(sessions)
	case "/help", "/start":
		return "Commands: /status, /cancel, /debates"
	}
	return "Unknown command. Try /help."
}

// Notify sends text to the configured chat.
func (b *Bot) Notify(ctx context.Context, text string) error {
	return b.SendMessage(ctx, b.cfg.ChatID, text)
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
